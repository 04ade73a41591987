package core

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"time"

	"github.com/nikolaydubina/fpdecimal"
)

// Side represents buy or sell side of the order
type Side int

// Order sides
const (
	Sell Side = iota
	Buy
)

// String returns side as string
func (s Side) String() string {
	switch s {
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// ApplyMethod determines how a delta level is merged into the book
type ApplyMethod int

// Apply methods
const (
	// Straight replaces or removes the resident level at that price wholesale
	Straight ApplyMethod = iota
	// OrderLog adds or removes a single order and aggregates with other
	// orders resident at the same price
	OrderLog
)

// String returns apply method as string
func (m ApplyMethod) String() string {
	switch m {
	case Straight:
		return "STRAIGHT"
	case OrderLog:
		return "ORDER_LOG"
	default:
		return "UNKNOWN"
	}
}

// UpdateKind distinguishes a full side replacement from an incremental change
type UpdateKind int

// Update kinds
const (
	Snapshot UpdateKind = iota
	Delta
)

// String returns update kind as string
func (k UpdateKind) String() string {
	switch k {
	case Snapshot:
		return "SNAPSHOT"
	case Delta:
		return "DELTA"
	default:
		return "UNKNOWN"
	}
}

// SequencePolicy is the per-source ordering contract for book deltas.
// Exchanges differ: some number deltas contiguously, others only guarantee
// non-decreasing sequence numbers.
type SequencePolicy int

// Sequence policies
const (
	// NonDecreasing accepts any delta whose sequence is >= the last applied one
	NonDecreasing SequencePolicy = iota
	// Contiguous requires every delta sequence to be exactly prev+1
	Contiguous
)

// PriceLevel is a single price level of one side of a book.
//
// A negative input price is the upstream sentinel for an incremental
// order-log event rather than an absolute level replace: the level is stored
// with the absolute price and OrderLog apply method. Qty zero means "remove".
type PriceLevel struct {
	Price  fpdecimal.Decimal
	Qty    fpdecimal.Decimal
	ID     string
	Method ApplyMethod
}

// NewPriceLevel builds a PriceLevel from raw connector values, applying the
// negative-price sentinel and defaulting the level id to a deterministic hash
// of the price when the exchange did not assign one.
func NewPriceLevel(price, qty fpdecimal.Decimal, id string) PriceLevel {
	method := Straight
	if price.LessThan(fpdecimal.Zero) {
		price = fpdecimal.Zero.Sub(price)
		method = OrderLog
	}
	if id == "" {
		id = LevelID(price)
	}
	return PriceLevel{Price: price, Qty: qty, ID: id, Method: method}
}

// LevelID returns the deterministic identity used for a level when the
// exchange did not assign an explicit order/level id.
func LevelID(price fpdecimal.Decimal) string {
	h := fnv.New64a()
	h.Write([]byte(price.String()))
	return strconv.FormatUint(h.Sum64(), 16)
}

// BookUpdate is the canonical market-data message produced by connectors.
// Bids are ordered highest first, asks lowest first, as delivered upstream.
type BookUpdate struct {
	Exchange   string
	Instrument string
	Sequence   uint64
	Kind       UpdateKind
	Bids       []PriceLevel
	Asks       []PriceLevel
	Time       time.Time
}

// Ticker is the canonical top-of-book message from a connector
type Ticker struct {
	Exchange   string
	Instrument string
	Bid        fpdecimal.Decimal
	Ask        fpdecimal.Decimal
	Last       fpdecimal.Decimal
	Time       time.Time
}

// Balance reports available and reserved funds for one currency
type Balance struct {
	Exchange  string
	Currency  string
	Available fpdecimal.Decimal
	Reserved  fpdecimal.Decimal
}

// Position reports the current position in one instrument
type Position struct {
	Exchange   string
	Instrument string
	Qty        fpdecimal.Decimal
}

// TradeLimit is a named exposure limit reported by hedge-capable connectors
type TradeLimit struct {
	Exchange string
	Name     string
	Min      fpdecimal.Decimal
	Max      fpdecimal.Decimal
	Exposure fpdecimal.Decimal
}

// ConnError is a transport or exchange error reported by a connector.
// Critical errors require the affected connector to be torn down.
type ConnError struct {
	Code        int
	Message     string
	Description string
	Critical    bool
}

// Error implements the error interface
func (e *ConnError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("connector error %d: %s (%s)", e.Code, e.Message, e.Description)
	}
	return fmt.Sprintf("connector error %d: %s", e.Code, e.Message)
}

// NormalizeInstrument canonicalizes an instrument symbol across exchanges
func NormalizeInstrument(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
