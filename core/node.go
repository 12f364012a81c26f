package core

import (
	"log/slog"
	"math/big"
	"sync"

	"tendervault/core/events"
	"tendervault/core/state"
	"tendervault/native/escrow"
	"tendervault/storage"
)

// Node owns the database and serializes every escrow operation behind a state
// mutex. Each operation runs against a fresh overlay that is committed in one
// atomic batch only when the engine succeeds, so a failing operation leaves
// no partial custody changes behind.
type Node struct {
	db      storage.Database
	stateMu sync.Mutex

	emitter    events.Emitter
	logger     *slog.Logger
	rentToken  string
	rentAmount *big.Int
}

// NodeOption customises node construction.
type NodeOption func(*Node)

// WithEmitter routes engine events to the provided emitter.
func WithEmitter(emitter events.Emitter) NodeOption {
	return func(n *Node) {
		if emitter != nil {
			n.emitter = emitter
		}
	}
}

// WithLogger attaches a structured logger used for operation logging.
func WithLogger(logger *slog.Logger) NodeOption {
	return func(n *Node) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// WithRentPolicy sets the vault-account deposit charged at open and refunded
// at close.
func WithRentPolicy(token string, amount *big.Int) NodeOption {
	return func(n *Node) {
		n.rentToken = token
		if amount != nil {
			n.rentAmount = new(big.Int).Set(amount)
		}
	}
}

// NewNode creates a node over the provided database.
func NewNode(db storage.Database, opts ...NodeOption) *Node {
	n := &Node{
		db:         db,
		emitter:    events.NoopEmitter{},
		logger:     slog.Default(),
		rentAmount: big.NewInt(0),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *Node) newManager(kv state.KV) *state.Manager {
	manager := state.NewManager(kv)
	manager.SetRentPolicy(n.rentToken, n.rentAmount)
	return manager
}

func (n *Node) newEscrowEngine(manager *state.Manager) *escrow.Engine {
	engine := escrow.NewEngine()
	engine.SetState(manager)
	engine.SetEmitter(n.emitter)
	return engine
}

// withState runs fn inside the node's transaction boundary: state mutations
// are staged on an overlay and flushed atomically only when fn returns nil.
func (n *Node) withState(fn func(*state.Manager) error) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	overlay := state.NewOverlay(n.db)
	if err := fn(n.newManager(overlay)); err != nil {
		return err
	}
	return overlay.Commit()
}

// GenesisToken seeds the token registry at startup.
type GenesisToken struct {
	Symbol        string
	Name          string
	Decimals      uint8
	MintAuthority [20]byte
	MintSigners   [][20]byte
	MintThreshold uint32
	Balances      map[[20]byte]*big.Int
}

// ApplyGenesisTokens registers the configured tokens. Already-registered
// symbols are left untouched so restarts are idempotent.
func (n *Node) ApplyGenesisTokens(tokens []GenesisToken) error {
	return n.withState(func(manager *state.Manager) error {
		for _, token := range tokens {
			if manager.TokenExists(token.Symbol) {
				continue
			}
			if err := manager.RegisterToken(token.Symbol, token.Name, token.Decimals); err != nil {
				return err
			}
			if token.MintThreshold > 0 {
				if err := manager.SetTokenMintMultisig(token.Symbol, token.MintAuthority, token.MintSigners, token.MintThreshold); err != nil {
					return err
				}
			} else if token.MintAuthority != ([20]byte{}) {
				if err := manager.SetTokenMintAuthority(token.Symbol, token.MintAuthority); err != nil {
					return err
				}
			}
			for addr, balance := range token.Balances {
				if err := manager.SetBalance(addr, token.Symbol, balance); err != nil {
					return err
				}
			}
			n.logger.Info("registered token", "symbol", token.Symbol, "decimals", token.Decimals)
		}
		return nil
	})
}

// EscrowTender deposits seller-held inventory into the vault.
func (n *Node) EscrowTender(terms escrow.Terms, caller [20]byte, proof uint8, addCost, addQty uint64) (*escrow.Record, error) {
	var rec *escrow.Record
	err := n.withState(func(manager *state.Manager) error {
		var err error
		rec, err = n.newEscrowEngine(manager).Tender(terms, caller, proof, addCost, addQty)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// EscrowTenderFromMint deposits by minting new inventory into the vault.
func (n *Node) EscrowTenderFromMint(terms escrow.Terms, payer, mintAuthority [20]byte, cosigners [][20]byte, proof uint8, addCost, addQty uint64) (*escrow.Record, error) {
	var rec *escrow.Record
	err := n.withState(func(manager *state.Manager) error {
		var err error
		rec, err = n.newEscrowEngine(manager).TenderFromMint(terms, payer, mintAuthority, cosigners, proof, addCost, addQty)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// EscrowPurchase settles the vault's full remaining balance.
func (n *Node) EscrowPurchase(terms escrow.Terms, buyer [20]byte, proof uint8) (*escrow.Record, error) {
	var rec *escrow.Record
	err := n.withState(func(manager *state.Manager) error {
		var err error
		rec, err = n.newEscrowEngine(manager).Purchase(terms, buyer, proof)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// EscrowPurchasePartial settles qty of the vaulted asset.
func (n *Node) EscrowPurchasePartial(terms escrow.Terms, buyer [20]byte, proof uint8, qty uint64) (*escrow.Record, error) {
	var rec *escrow.Record
	err := n.withState(func(manager *state.Manager) error {
		var err error
		rec, err = n.newEscrowEngine(manager).PurchasePartial(terms, buyer, proof, qty)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// EscrowCancel returns all vaulted inventory to the depositor and closes the
// escrow.
func (n *Node) EscrowCancel(terms escrow.Terms, caller [20]byte, proof uint8) error {
	return n.withState(func(manager *state.Manager) error {
		return n.newEscrowEngine(manager).Cancel(terms, caller, proof)
	})
}

// EscrowBurn destroys qty of vaulted inventory.
func (n *Node) EscrowBurn(terms escrow.Terms, caller [20]byte, proof uint8, qty uint64) error {
	return n.withState(func(manager *state.Manager) error {
		return n.newEscrowEngine(manager).Burn(terms, caller, proof, qty)
	})
}

// EscrowStatus is the read-model for a single escrow identity.
type EscrowStatus struct {
	RecordAddress     [20]byte
	VaultAddress      [20]byte
	TotalPurchaseCost uint64
	AuthorityProof    uint8
	VaultBalance      *big.Int
}

// EscrowGet returns the current state of the escrow derived from terms and
// proof, or escrow.ErrNotFound when no record exists.
func (n *Node) EscrowGet(terms escrow.Terms, proof uint8) (*EscrowStatus, error) {
	normalized, err := terms.Normalize()
	if err != nil {
		return nil, err
	}
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := n.newManager(n.db)
	record := escrow.RecordAddress(normalized, proof)
	vault := escrow.VaultAddress(record, normalized.AssetToken)
	rec, ok := manager.EscrowGet(record)
	if !ok {
		return nil, escrow.ErrNotFound
	}
	balance, err := manager.Balance(vault, normalized.AssetToken)
	if err != nil {
		return nil, err
	}
	return &EscrowStatus{
		RecordAddress:     record,
		VaultAddress:      vault,
		TotalPurchaseCost: rec.TotalPurchaseCost,
		AuthorityProof:    rec.AuthorityProof,
		VaultBalance:      balance,
	}, nil
}

// Balance reports an account's balance for a token.
func (n *Node) Balance(addr [20]byte, token string) (*big.Int, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.newManager(n.db).Balance(addr, token)
}
