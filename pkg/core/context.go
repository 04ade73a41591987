package core

import "time"

// Subscription identifies one (exchange, instrument) market-data source
type Subscription struct {
	Exchange   string
	Instrument string
}

// ConversionLeg names the book used to convert an instrument's quote
// currency into the common fiat unit when comparing prices across venues
type ConversionLeg struct {
	Exchange   string
	Instrument string
}

// TradingContext is the immutable per-run configuration read by the trade
// orchestrator. Construct it with NewTradingContext; the maps are copied so
// callers cannot mutate it afterwards.
type TradingContext struct {
	subscriptions    []Subscription
	conversion       map[string]ConversionLeg
	crossCheckExempt map[string]struct{}
	maxSpreadFrac    float64
	marginMarket     bool
	stuckTimeout     time.Duration
	dataTimeout      time.Duration
}

// TradingContextParams carries the inputs for NewTradingContext
type TradingContextParams struct {
	Subscriptions    []Subscription
	Conversion       map[string]ConversionLeg
	CrossCheckExempt []string
	MaxSpreadFrac    float64
	MarginMarket     bool
	StuckTimeout     time.Duration
	DataTimeout      time.Duration
}

// NewTradingContext builds an immutable TradingContext
func NewTradingContext(p TradingContextParams) *TradingContext {
	ctx := &TradingContext{
		subscriptions:    make([]Subscription, 0, len(p.Subscriptions)),
		conversion:       make(map[string]ConversionLeg, len(p.Conversion)),
		crossCheckExempt: make(map[string]struct{}, len(p.CrossCheckExempt)),
		maxSpreadFrac:    p.MaxSpreadFrac,
		marginMarket:     p.MarginMarket,
		stuckTimeout:     p.StuckTimeout,
		dataTimeout:      p.DataTimeout,
	}
	for _, s := range p.Subscriptions {
		s.Instrument = NormalizeInstrument(s.Instrument)
		ctx.subscriptions = append(ctx.subscriptions, s)
	}
	for instrument, leg := range p.Conversion {
		leg.Instrument = NormalizeInstrument(leg.Instrument)
		ctx.conversion[NormalizeInstrument(instrument)] = leg
	}
	for _, instrument := range p.CrossCheckExempt {
		ctx.crossCheckExempt[NormalizeInstrument(instrument)] = struct{}{}
	}
	return ctx
}

// Subscriptions returns a copy of the configured market-data sources
func (c *TradingContext) Subscriptions() []Subscription {
	out := make([]Subscription, len(c.subscriptions))
	copy(out, c.subscriptions)
	return out
}

// ConversionFor returns the fiat-conversion leg for an instrument, if any
func (c *TradingContext) ConversionFor(instrument string) (ConversionLeg, bool) {
	leg, ok := c.conversion[NormalizeInstrument(instrument)]
	return leg, ok
}

// CrossCheckExempt reports whether bid<ask sanity checking is disabled for
// the instrument
func (c *TradingContext) CrossCheckExempt(instrument string) bool {
	_, ok := c.crossCheckExempt[NormalizeInstrument(instrument)]
	return ok
}

// MaxSpreadFrac is the largest (ask-bid)/mid fraction still considered ready
func (c *TradingContext) MaxSpreadFrac() float64 { return c.maxSpreadFrac }

// MarginMarket reports whether the venue trades on margin
func (c *TradingContext) MarginMarket() bool { return c.marginMarket }

// StuckTimeout is the max silence on a book before its instrument is suspended
func (c *TradingContext) StuckTimeout() time.Duration { return c.stuckTimeout }

// DataTimeout is the per-connector data silence threshold
func (c *TradingContext) DataTimeout() time.Duration { return c.dataTimeout }
