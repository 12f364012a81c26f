package escrow

import (
	"fmt"
	"math"
	"math/big"

	"tendervault/core/events"
)

// engineState is the narrow ledger surface the engine drives. The ledger is
// responsible for balance accounting, authority verification and the
// all-or-nothing application of every operation; the engine never rolls back
// on its own.
type engineState interface {
	EscrowGet(record [20]byte) (*Record, bool)
	EscrowPut(record [20]byte, rec *Record) error
	EscrowDelete(record [20]byte) error

	Balance(addr [20]byte, token string) (*big.Int, error)
	Transfer(from, to [20]byte, token string, amount *big.Int, auth Authority) error
	MintTo(token string, to [20]byte, amount *big.Int, authority [20]byte, cosigners [][20]byte) error
	Burn(token string, from [20]byte, amount *big.Int, auth Authority) error

	OpenVaultAccount(vault, owner [20]byte, token string, rentPayer [20]byte) error
	CloseVaultAccount(vault [20]byte, auth Authority, rentDest [20]byte) error
}

// Engine implements the custody state machine: tender (transfer or mint
// funded), purchase with exact fractional settlement, cancel and burn. It is
// synchronous and keeps no state of its own, so any operation is safe to
// retry from scratch when the ledger reports nothing was applied.
type Engine struct {
	state   engineState
	emitter events.Emitter
}

// NewEngine creates an escrow engine with a no-op emitter. Callers can
// override the emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{emitter: events.NoopEmitter{}}
}

// SetState configures the ledger backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(evt *events.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(evt)
}

var errNilState = fmt.Errorf("escrow engine: state not configured")

func (e *Engine) vaultBalance(vault [20]byte, token string) (uint64, error) {
	balance, err := e.state.Balance(vault, token)
	if err != nil {
		return 0, err
	}
	if !balance.IsUint64() {
		return 0, fmt.Errorf("%w: vault balance exceeds 64 bits", ErrInvalidArgument)
	}
	return balance.Uint64(), nil
}

// tender runs the shared deposit path: ratio check, funding step, record
// update. The fund callback moves addQty of the asset into the vault.
func (e *Engine) tender(terms Terms, proof uint8, addCost, addQty uint64, eventFn func(record, vault [20]byte, rec *Record) *events.Event, fund func(vault [20]byte) error) (*Record, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	record := RecordAddress(terms, proof)
	vault := VaultAddress(record, terms.AssetToken)

	rec, ok := e.state.EscrowGet(record)
	if !ok {
		rec = &Record{AuthorityProof: proof}
		if err := e.state.OpenVaultAccount(vault, record, terms.AssetToken, terms.Depositor); err != nil {
			return nil, err
		}
	}

	currentQty, err := e.vaultBalance(vault, terms.AssetToken)
	if err != nil {
		return nil, err
	}
	if err := checkTenderArgs(rec.TotalPurchaseCost, addCost, currentQty, addQty); err != nil {
		return nil, err
	}
	if rec.TotalPurchaseCost > math.MaxUint64-addCost {
		return nil, fmt.Errorf("%w: total purchase cost overflows", ErrInvalidArgument)
	}

	if err := fund(vault); err != nil {
		return nil, err
	}

	rec.TotalPurchaseCost += addCost
	rec.AuthorityProof = proof
	if err := e.state.EscrowPut(record, rec); err != nil {
		return nil, err
	}
	e.emit(eventFn(record, vault, rec))
	return rec.Clone(), nil
}

// Tender deposits addQty of the asset from the depositor's own holdings into
// the vault, raising the outstanding purchase cost by addCost. The first
// deposit for a given terms+proof pair creates the record and vault; later
// deposits must match the implied unit price exactly.
func (e *Engine) Tender(terms Terms, caller [20]byte, proof uint8, addCost, addQty uint64) (*Record, error) {
	terms, err := terms.Normalize()
	if err != nil {
		return nil, err
	}
	if caller != terms.Depositor {
		return nil, fmt.Errorf("%w: tender caller must be the depositor", ErrUnauthorized)
	}
	return e.tender(terms, proof, addCost, addQty,
		func(record, vault [20]byte, rec *Record) *events.Event {
			return NewTenderedEvent(record, vault, terms, addCost, addQty, rec)
		},
		func(vault [20]byte) error {
			return e.state.Transfer(caller, vault, terms.AssetToken, new(big.Int).SetUint64(addQty), SignerAuthority(caller))
		})
}

// TenderFromMint deposits by minting addQty of the asset directly into the
// vault instead of transferring held inventory. The mint authority may be a
// multi-signer construct, in which case the caller-supplied cosigner set is
// passed through to the ledger's mint policy check.
func (e *Engine) TenderFromMint(terms Terms, payer, mintAuthority [20]byte, cosigners [][20]byte, proof uint8, addCost, addQty uint64) (*Record, error) {
	terms, err := terms.Normalize()
	if err != nil {
		return nil, err
	}
	if payer != terms.Depositor {
		return nil, fmt.Errorf("%w: tender payer must be the depositor", ErrUnauthorized)
	}
	return e.tender(terms, proof, addCost, addQty,
		func(record, vault [20]byte, rec *Record) *events.Event {
			return NewMintedEvent(record, vault, terms, addCost, addQty, rec)
		},
		func(vault [20]byte) error {
			return e.state.MintTo(terms.AssetToken, vault, new(big.Int).SetUint64(addQty), mintAuthority, cosigners)
		})
}

// Purchase settles the vault's entire remaining balance to the receiver.
func (e *Engine) Purchase(terms Terms, buyer [20]byte, proof uint8) (*Record, error) {
	terms, err := terms.Normalize()
	if err != nil {
		return nil, err
	}
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	record := RecordAddress(terms, proof)
	vault := VaultAddress(record, terms.AssetToken)
	remaining, err := e.vaultBalance(vault, terms.AssetToken)
	if err != nil {
		return nil, err
	}
	return e.purchase(terms, buyer, proof, remaining)
}

// PurchasePartial settles qty of the vaulted asset to the receiver. The
// quantity must divide the price ratio exactly; anything that would round the
// unit price is rejected before funds move.
func (e *Engine) PurchasePartial(terms Terms, buyer [20]byte, proof uint8, qty uint64) (*Record, error) {
	terms, err := terms.Normalize()
	if err != nil {
		return nil, err
	}
	return e.purchase(terms, buyer, proof, qty)
}

func (e *Engine) purchase(terms Terms, buyer [20]byte, proof uint8, qty uint64) (*Record, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	record := RecordAddress(terms, proof)
	vault := VaultAddress(record, terms.AssetToken)

	rec, ok := e.state.EscrowGet(record)
	if !ok {
		return nil, ErrNotFound
	}
	totalQty, err := e.vaultBalance(vault, terms.AssetToken)
	if err != nil {
		return nil, err
	}
	cost, err := purchaseCost(qty, totalQty, rec.TotalPurchaseCost)
	if err != nil {
		return nil, err
	}

	// Payment first, and the outstanding cost comes down before the asset
	// leaves the vault: a failure in between leaves state that reads as
	// "paid, undelivered" rather than a double charge. The surrounding
	// transaction boundary discards the whole thing anyway.
	if err := e.state.Transfer(buyer, terms.SellerProceeds, terms.PaymentToken, new(big.Int).SetUint64(cost), SignerAuthority(buyer)); err != nil {
		return nil, err
	}
	if rec.TotalPurchaseCost < cost {
		return nil, fmt.Errorf("%w: purchase cost exceeds outstanding total", ErrInsufficientFunds)
	}
	rec.TotalPurchaseCost -= cost
	if err := e.state.EscrowPut(record, rec); err != nil {
		return nil, err
	}

	auth := terms.VaultAuthority(rec.AuthorityProof)
	if err := e.state.Transfer(vault, terms.Receiver, terms.AssetToken, new(big.Int).SetUint64(qty), auth); err != nil {
		return nil, err
	}

	e.emit(NewPurchasedEvent(record, vault, terms, cost, qty, rec))

	if err := e.closeIfEmpty(terms, record, vault, auth); err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

// Cancel returns the vault's entire balance to the depositor and closes both
// the vault and the record. There is no partial cancel.
func (e *Engine) Cancel(terms Terms, caller [20]byte, proof uint8) error {
	terms, err := terms.Normalize()
	if err != nil {
		return err
	}
	if e == nil || e.state == nil {
		return errNilState
	}
	if caller != terms.Depositor {
		return fmt.Errorf("%w: cancel caller must be the depositor", ErrUnauthorized)
	}
	record := RecordAddress(terms, proof)
	vault := VaultAddress(record, terms.AssetToken)

	rec, ok := e.state.EscrowGet(record)
	if !ok {
		return ErrNotFound
	}
	remaining, err := e.vaultBalance(vault, terms.AssetToken)
	if err != nil {
		return err
	}
	auth := terms.VaultAuthority(rec.AuthorityProof)
	if remaining > 0 {
		if err := e.state.Transfer(vault, caller, terms.AssetToken, new(big.Int).SetUint64(remaining), auth); err != nil {
			return err
		}
	}
	if err := e.state.CloseVaultAccount(vault, auth, caller); err != nil {
		return err
	}
	if err := e.state.EscrowDelete(record); err != nil {
		return err
	}
	e.emit(NewCancelledEvent(record, vault, terms, remaining))
	return nil
}

// Burn destroys qty of the vaulted asset in place. The outstanding purchase
// cost is deliberately left untouched: remaining buyers pay the original
// aggregate price for the reduced quantity. Only the rent payer may burn.
func (e *Engine) Burn(terms Terms, caller [20]byte, proof uint8, qty uint64) error {
	terms, err := terms.Normalize()
	if err != nil {
		return err
	}
	if e == nil || e.state == nil {
		return errNilState
	}
	if caller != terms.Depositor {
		return fmt.Errorf("%w: burn caller must be the rent payer", ErrUnauthorized)
	}
	record := RecordAddress(terms, proof)
	vault := VaultAddress(record, terms.AssetToken)

	rec, ok := e.state.EscrowGet(record)
	if !ok {
		return ErrNotFound
	}
	remaining, err := e.vaultBalance(vault, terms.AssetToken)
	if err != nil {
		return err
	}
	if qty == 0 || qty > remaining {
		return fmt.Errorf("%w: burn quantity out of range", ErrInvalidArgument)
	}
	auth := terms.VaultAuthority(rec.AuthorityProof)
	if err := e.state.Burn(terms.AssetToken, vault, new(big.Int).SetUint64(qty), auth); err != nil {
		return err
	}
	e.emit(NewBurnedEvent(record, vault, terms, qty, rec))
	return e.closeIfEmpty(terms, record, vault, auth)
}

// closeIfEmpty re-reads the vault and, once its balance hits zero, closes the
// vault account (refunding the rent deposit to the rent payer) and deletes
// the record. This is the only place the record dies outside Cancel.
func (e *Engine) closeIfEmpty(terms Terms, record, vault [20]byte, auth Authority) error {
	remaining, err := e.vaultBalance(vault, terms.AssetToken)
	if err != nil {
		return err
	}
	if remaining != 0 {
		return nil
	}
	if err := e.state.CloseVaultAccount(vault, auth, terms.Depositor); err != nil {
		return err
	}
	if err := e.state.EscrowDelete(record); err != nil {
		return err
	}
	e.emit(NewClosedEvent(record, vault, terms))
	return nil
}
