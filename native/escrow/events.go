package escrow

import (
	"encoding/hex"
	"strconv"

	"tendervault/core/events"
)

const (
	EventTypeTendered  = "escrow.tendered"
	EventTypeMinted    = "escrow.minted"
	EventTypePurchased = "escrow.purchased"
	EventTypeCancelled = "escrow.cancelled"
	EventTypeBurned    = "escrow.burned"
	EventTypeClosed    = "escrow.closed"
)

// NewTenderedEvent returns the canonical payload emitted when a depositor
// transfers inventory into the vault.
func NewTenderedEvent(record, vault [20]byte, t Terms, addCost, addQty uint64, rec *Record) *events.Event {
	evt := newEscrowEvent(EventTypeTendered, record, vault, t, rec)
	evt.Attributes["addCost"] = strconv.FormatUint(addCost, 10)
	evt.Attributes["addQuantity"] = strconv.FormatUint(addQty, 10)
	return evt
}

// NewMintedEvent returns the canonical payload emitted when inventory is
// minted directly into the vault.
func NewMintedEvent(record, vault [20]byte, t Terms, addCost, addQty uint64, rec *Record) *events.Event {
	evt := newEscrowEvent(EventTypeMinted, record, vault, t, rec)
	evt.Attributes["addCost"] = strconv.FormatUint(addCost, 10)
	evt.Attributes["addQuantity"] = strconv.FormatUint(addQty, 10)
	return evt
}

// NewPurchasedEvent returns the canonical payload emitted for a fill.
func NewPurchasedEvent(record, vault [20]byte, t Terms, cost, qty uint64, rec *Record) *events.Event {
	evt := newEscrowEvent(EventTypePurchased, record, vault, t, rec)
	evt.Attributes["cost"] = strconv.FormatUint(cost, 10)
	evt.Attributes["quantity"] = strconv.FormatUint(qty, 10)
	return evt
}

// NewCancelledEvent returns the canonical payload emitted when the depositor
// reclaims the vault.
func NewCancelledEvent(record, vault [20]byte, t Terms, returned uint64) *events.Event {
	evt := newEscrowEvent(EventTypeCancelled, record, vault, t, nil)
	evt.Attributes["returned"] = strconv.FormatUint(returned, 10)
	return evt
}

// NewBurnedEvent returns the canonical payload emitted when inventory is
// destroyed in place.
func NewBurnedEvent(record, vault [20]byte, t Terms, qty uint64, rec *Record) *events.Event {
	evt := newEscrowEvent(EventTypeBurned, record, vault, t, rec)
	evt.Attributes["quantity"] = strconv.FormatUint(qty, 10)
	return evt
}

// NewClosedEvent returns the canonical payload emitted when the vault empties
// and the record is deleted.
func NewClosedEvent(record, vault [20]byte, t Terms) *events.Event {
	return newEscrowEvent(EventTypeClosed, record, vault, t, nil)
}

func newEscrowEvent(eventType string, record, vault [20]byte, t Terms, rec *Record) *events.Event {
	attrs := map[string]string{
		"record":       hex.EncodeToString(record[:]),
		"vault":        hex.EncodeToString(vault[:]),
		"assetToken":   t.AssetToken,
		"paymentToken": t.PaymentToken,
		"depositor":    hex.EncodeToString(t.Depositor[:]),
	}
	if rec != nil {
		attrs["totalPurchaseCost"] = strconv.FormatUint(rec.TotalPurchaseCost, 10)
	}
	return &events.Event{Type: eventType, Attributes: attrs}
}
