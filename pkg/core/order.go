package core

import (
	"time"

	"github.com/google/uuid"
	"github.com/nikolaydubina/fpdecimal"
)

// OrderState represents the lifecycle state of a locally-issued order
type OrderState int

// Order states. Cancelled, Filled, ChildOrderPlaced and ChildOrderRejected
// are terminal.
const (
	// Pending means the order was submitted and awaits exchange acknowledgement
	Pending OrderState = iota
	// Active means the exchange acknowledged the order and it is resting
	Active
	// Cancelled means the exchange confirmed cancellation
	Cancelled
	// Filled means the order traded in full
	Filled
	// ChildOrderPlaced means a replace succeeded and the successor order is live
	ChildOrderPlaced
	// ChildOrderRejected means the order (or its replacement) was rejected
	ChildOrderRejected
)

// String returns order state as string
func (s OrderState) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Active:
		return "ACTIVE"
	case Cancelled:
		return "CANCELLED"
	case Filled:
		return "FILLED"
	case ChildOrderPlaced:
		return "CHILD_ORDER_PLACED"
	case ChildOrderRejected:
		return "CHILD_ORDER_REJECTED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the state ends the order's lifecycle
func (s OrderState) Terminal() bool {
	switch s {
	case Cancelled, Filled, ChildOrderPlaced, ChildOrderRejected:
		return true
	default:
		return false
	}
}

// OrderRecord is the locally-tracked view of one order. The record is owned
// by the trade orchestrator; the correlation index holds only the id pair.
type OrderRecord struct {
	ClientOrderID   string
	ExchangeOrderID string
	Exchange        string
	Instrument      string
	Side            Side
	Price           fpdecimal.Decimal
	Qty             fpdecimal.Decimal
	State           OrderState
	TradeQty        fpdecimal.Decimal
	TradeFee        fpdecimal.Decimal
	// Superseded marks an order that has been logically replaced. It is no
	// longer counted as live exposure even before the exchange confirms the
	// cancellation of the old order.
	Superseded bool
	ReplacedBy string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// NewClientOrderID generates a fresh locally-unique client order id
func NewClientOrderID() string {
	return uuid.NewString()
}

// NewRequestID generates a fresh request correlation id for connector commands
func NewRequestID() string {
	return uuid.NewString()
}

// NewOrderRecord creates a Pending record for a freshly submitted order
func NewOrderRecord(exchange, instrument string, side Side, price, qty fpdecimal.Decimal) (*OrderRecord, error) {
	if qty.LessThanOrEqual(fpdecimal.Zero) {
		return nil, ErrInvalidQuantity
	}
	if price.LessThan(fpdecimal.Zero) {
		return nil, ErrInvalidPrice
	}
	now := time.Now()
	return &OrderRecord{
		ClientOrderID: NewClientOrderID(),
		Exchange:      exchange,
		Instrument:    NormalizeInstrument(instrument),
		Side:          side,
		Price:         price,
		Qty:           qty,
		State:         Pending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// LiveExposure reports whether the order still counts toward open exposure
func (o *OrderRecord) LiveExposure() bool {
	return !o.Superseded && !o.State.Terminal()
}
