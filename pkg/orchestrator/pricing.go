package orchestrator

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/nikolaydubina/fpdecimal"

	"github.com/quantegy/crossbook/pkg/core"
)

var (
	// ErrBookCrossed is returned when best bid >= best ask on a non-exempt instrument
	ErrBookCrossed = errors.New("book is crossed")
	// ErrBookStale is returned when the book has gone silent past the stuck timeout
	ErrBookStale = errors.New("book is stale")
	// ErrSpreadTooWide is returned when the spread fraction exceeds the configured maximum
	ErrSpreadTooWide = errors.New("spread fraction exceeds maximum")
	// ErrConversionUnavailable is returned when the fiat-conversion leg has no usable price
	ErrConversionUnavailable = errors.New("fiat conversion leg unavailable")
)

// ReadyPrice is a price that passed every readiness check and is safe to act
// on. Bid and Ask are expressed in the common fiat unit when the instrument
// has a conversion leg configured.
type ReadyPrice struct {
	Exchange   string
	Instrument string
	Bid        float64
	Ask        float64
	Mid        float64
	SpreadFrac float64
}

// ReadyPrice resolves the pair's book, applies fiat conversion when the
// instrument is mapped to a conversion leg, and runs the readiness checks:
// not broken, not crossed (unless exempt), fresh within the stuck timeout,
// spread fraction within the configured maximum.
func (o *Orchestrator) ReadyPrice(exchange, instrument string) (*ReadyPrice, error) {
	view, ok := o.books.View(exchange, instrument)
	if !ok || view.Broken {
		return nil, fmt.Errorf("%s %s: %w", exchange, instrument, core.ErrBookUnavailable)
	}
	if view.Crossed && !o.tctx.CrossCheckExempt(instrument) {
		return nil, fmt.Errorf("%s %s: %w", exchange, instrument, ErrBookCrossed)
	}
	if view.Stale(o.tctx.StuckTimeout(), o.now()) {
		return nil, fmt.Errorf("%s %s: %w", exchange, instrument, ErrBookStale)
	}

	bb, okBid := view.BestBid()
	ba, okAsk := view.BestAsk()
	if !okBid || !okAsk {
		return nil, fmt.Errorf("%s %s: %w", exchange, instrument, core.ErrBookUnavailable)
	}

	bid := bb.Price.Float64()
	ask := ba.Price.Float64()

	if leg, mapped := o.tctx.ConversionFor(instrument); mapped {
		rate, err := o.conversionRate(leg)
		if err != nil {
			return nil, err
		}
		bid *= rate
		ask *= rate
	}

	mid := (bid + ask) / 2
	if mid <= 0 {
		return nil, fmt.Errorf("%s %s: %w", exchange, instrument, core.ErrBookUnavailable)
	}
	spread := (ask - bid) / mid
	if spread > o.tctx.MaxSpreadFrac() {
		return nil, fmt.Errorf("%s %s spread %.6f: %w", exchange, instrument, spread, ErrSpreadTooWide)
	}

	return &ReadyPrice{
		Exchange:   exchange,
		Instrument: core.NormalizeInstrument(instrument),
		Bid:        bid,
		Ask:        ask,
		Mid:        mid,
		SpreadFrac: spread,
	}, nil
}

// conversionRate returns the mid of the conversion leg's book. The leg is
// held to the same broken/staleness standard as the trade book.
func (o *Orchestrator) conversionRate(leg core.ConversionLeg) (float64, error) {
	view, ok := o.books.View(leg.Exchange, leg.Instrument)
	if !ok || view.Broken || view.Stale(o.tctx.StuckTimeout(), o.now()) {
		return 0, fmt.Errorf("%s %s: %w", leg.Exchange, leg.Instrument, ErrConversionUnavailable)
	}
	bb, okBid := view.BestBid()
	ba, okAsk := view.BestAsk()
	if !okBid || !okAsk {
		return 0, fmt.Errorf("%s %s: %w", leg.Exchange, leg.Instrument, ErrConversionUnavailable)
	}
	return (bb.Price.Float64() + ba.Price.Float64()) / 2, nil
}

// HedgePrice computes the limit price for a hedge order against the given
// ready price: a buy pays up from the ask, a sell gives up from the bid, by
// the slippage fraction. The allowance trades a worse limit for a near-certain
// fill despite feed latency.
func HedgePrice(side core.Side, price *ReadyPrice, slippageFrac float64) fpdecimal.Decimal {
	var raw float64
	if side == core.Buy {
		raw = price.Ask * (1 + slippageFrac)
	} else {
		raw = price.Bid * (1 - slippageFrac)
	}
	return priceFromFloat(raw)
}

// priceFromFloat rounds to the decimal's precision and converts through the
// string form to avoid binary float artifacts.
func priceFromFloat(x float64) fpdecimal.Decimal {
	s := strconv.FormatFloat(math.Round(x*1e3)/1e3, 'f', 3, 64)
	d, err := fpdecimal.FromString(s)
	if err != nil {
		return fpdecimal.Zero
	}
	return d
}
