package escrow

import (
	"errors"
	"fmt"
	"strings"
)

// Error taxonomy shared by the engine and the ledger collaborator. Handlers
// map these onto transport-level codes with errors.Is.
var (
	ErrInvalidArgument   = errors.New("escrow: invalid argument")
	ErrInsufficientFunds = errors.New("escrow: insufficient funds")
	ErrUnauthorized      = errors.New("escrow: unauthorized")
	ErrNotFound          = errors.New("escrow: record not found")
)

// Record is the metadata persisted per escrow identity: the aggregate price of
// everything currently vaulted plus the authority proof fixed at creation.
// The vault balance itself lives in the ledger, not here.
type Record struct {
	TotalPurchaseCost uint64
	AuthorityProof    uint8
}

// Clone returns a copy callers can mutate without affecting the stored
// instance.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	return &clone
}

// Terms is the five-part derivation tuple that fully determines an escrow's
// record and vault addresses. Field order is part of the derivation input and
// must match at every operation. The depositor doubles as the rent payer for
// the record and vault accounts.
type Terms struct {
	SellerProceeds [20]byte
	Receiver       [20]byte
	AssetToken     string
	PaymentToken   string
	Depositor      [20]byte
}

// Normalize returns a copy of the terms with canonical token casing, or an
// error when either symbol is empty.
func (t Terms) Normalize() (Terms, error) {
	asset := strings.ToUpper(strings.TrimSpace(t.AssetToken))
	payment := strings.ToUpper(strings.TrimSpace(t.PaymentToken))
	if asset == "" || payment == "" {
		return Terms{}, fmt.Errorf("%w: asset and payment tokens are required", ErrInvalidArgument)
	}
	t.AssetToken = asset
	t.PaymentToken = payment
	return t, nil
}
