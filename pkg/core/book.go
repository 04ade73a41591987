package core

import (
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/nikolaydubina/fpdecimal"
)

// DefaultDepth is the per-side level cap used when BookConfig.Depth is unset
const DefaultDepth = 25

// BookConfig describes one (exchange, instrument) book
type BookConfig struct {
	Exchange         string
	Instrument       string
	Depth            int
	SequencePolicy   SequencePolicy
	CrossCheckExempt bool
}

// BookView is the immutable snapshot of a book published after every
// successful apply. Readers hold a BookView and never observe a partially
// applied update.
type BookView struct {
	Exchange   string
	Instrument string
	// Bids are sorted by price descending, Asks ascending, both capped at
	// the configured depth.
	Bids      []PriceLevel
	Asks      []PriceLevel
	Sequence  uint64
	UpdatedAt time.Time
	Broken    bool
	Crossed   bool
}

// BestBid returns the highest resident bid. The second return is false when
// the side is empty or the book is broken.
func (v *BookView) BestBid() (PriceLevel, bool) {
	if v == nil || v.Broken || len(v.Bids) == 0 {
		return PriceLevel{}, false
	}
	return v.Bids[0], true
}

// BestAsk returns the lowest resident ask. The second return is false when
// the side is empty or the book is broken.
func (v *BookView) BestAsk() (PriceLevel, bool) {
	if v == nil || v.Broken || len(v.Asks) == 0 {
		return PriceLevel{}, false
	}
	return v.Asks[0], true
}

// Stale reports whether the book has gone silent for longer than timeout
func (v *BookView) Stale(timeout time.Duration, now time.Time) bool {
	if v == nil || v.UpdatedAt.IsZero() {
		return true
	}
	return now.Sub(v.UpdatedAt) >= timeout
}

// bookLevel is the writer-side state of one price level. orders is non-nil
// only for levels built from OrderLog entries; qty is then the aggregate of
// the resident orders.
type bookLevel struct {
	price  fpdecimal.Decimal
	qty    fpdecimal.Decimal
	id     string
	orders map[string]fpdecimal.Decimal
}

func (l *bookLevel) toPriceLevel() PriceLevel {
	if l.orders != nil {
		return PriceLevel{Price: l.price, Qty: l.qty, ID: LevelID(l.price), Method: OrderLog}
	}
	id := l.id
	if id == "" {
		id = LevelID(l.price)
	}
	return PriceLevel{Price: l.price, Qty: l.qty, ID: id, Method: Straight}
}

// bookSide keeps one side's levels price-ordered with a price index
type bookSide struct {
	descending bool
	levels     []*bookLevel
	index      map[string]*bookLevel
}

func newBookSide(descending bool) *bookSide {
	return &bookSide{
		descending: descending,
		index:      make(map[string]*bookLevel),
	}
}

// search returns the insertion position for price and whether a level with
// exactly that price is already resident there.
func (s *bookSide) search(price fpdecimal.Decimal) (int, bool) {
	i := sort.Search(len(s.levels), func(i int) bool {
		if s.descending {
			return s.levels[i].price.LessThanOrEqual(price)
		}
		return s.levels[i].price.GreaterThanOrEqual(price)
	})
	if i < len(s.levels) && s.levels[i].price.Equal(price) {
		return i, true
	}
	return i, false
}

func (s *bookSide) level(price fpdecimal.Decimal) *bookLevel {
	return s.index[price.String()]
}

func (s *bookSide) put(lvl *bookLevel) {
	i, found := s.search(lvl.price)
	if found {
		s.levels[i] = lvl
	} else {
		s.levels = append(s.levels, nil)
		copy(s.levels[i+1:], s.levels[i:])
		s.levels[i] = lvl
	}
	s.index[lvl.price.String()] = lvl
}

func (s *bookSide) remove(price fpdecimal.Decimal) {
	i, found := s.search(price)
	if !found {
		return
	}
	s.levels = append(s.levels[:i], s.levels[i+1:]...)
	delete(s.index, price.String())
}

func (s *bookSide) best() *bookLevel {
	if len(s.levels) == 0 {
		return nil
	}
	return s.levels[0]
}

// snapshot renders the side's top levels for publication. The writer keeps
// every resident level so a later delta that removes a top level backfills
// from below; the depth cap applies only to what readers see. The slice is
// ordered best-first on both sides, so truncation keeps the N highest bids /
// N lowest asks.
func (s *bookSide) snapshot(depth int) []PriceLevel {
	n := len(s.levels)
	if depth > 0 && n > depth {
		n = depth
	}
	out := make([]PriceLevel, n)
	for i := 0; i < n; i++ {
		out[i] = s.levels[i].toPriceLevel()
	}
	return out
}

// OrderBook is the materialized bid/ask view of one (exchange, instrument)
// market. All mutation must come from the single goroutine that owns the
// update stream; reads go through View(), which returns the immutable state
// published after the last successful apply.
type OrderBook struct {
	cfg BookConfig

	// writer-owned, never touched by readers
	bids      *bookSide
	asks      *bookSide
	lastSeq   uint64
	primed    bool
	broken    bool
	crossed   bool
	updatedAt time.Time

	view atomic.Pointer[BookView]
}

// NewOrderBook creates an empty book. The book is broken until the first
// snapshot arrives.
func NewOrderBook(cfg BookConfig) *OrderBook {
	if cfg.Depth <= 0 {
		cfg.Depth = DefaultDepth
	}
	cfg.Instrument = NormalizeInstrument(cfg.Instrument)
	b := &OrderBook{
		cfg:    cfg,
		bids:   newBookSide(true),
		asks:   newBookSide(false),
		broken: true,
	}
	b.publish()
	return b
}

// Config returns the book's configuration
func (b *OrderBook) Config() BookConfig {
	return b.cfg
}

// View returns the last published immutable state of the book. Safe for
// concurrent use from any goroutine.
func (b *OrderBook) View() *BookView {
	return b.view.Load()
}

// BestBid returns the top of the bid side from the published view
func (b *OrderBook) BestBid() (PriceLevel, bool) {
	return b.View().BestBid()
}

// BestAsk returns the top of the ask side from the published view
func (b *OrderBook) BestAsk() (PriceLevel, bool) {
	return b.View().BestAsk()
}

// ApplySnapshot replaces both sides wholesale, resets the sequence cursor and
// clears the broken flag.
func (b *OrderBook) ApplySnapshot(u *BookUpdate) error {
	if u.Kind != Snapshot {
		return ErrInvalidArgument
	}
	b.bids = newBookSide(true)
	b.asks = newBookSide(false)
	for _, lvl := range u.Bids {
		b.applyLevel(b.bids, lvl)
	}
	for _, lvl := range u.Asks {
		b.applyLevel(b.asks, lvl)
	}
	b.lastSeq = u.Sequence
	b.primed = true
	b.broken = false
	b.updatedAt = b.updateTime(u)
	b.refreshCrossed()
	b.publish()
	return nil
}

// ApplyDelta merges an incremental update. A sequence number that is not
// acceptable under the configured policy marks the book broken and leaves the
// last-good levels untouched; the caller must resubscribe for a fresh
// snapshot. A broken book rejects all further deltas.
func (b *OrderBook) ApplyDelta(u *BookUpdate) error {
	if u.Kind != Delta {
		return ErrInvalidArgument
	}
	if b.broken {
		return fmt.Errorf("%w: %s %s awaiting snapshot", ErrBookBroken, b.cfg.Exchange, b.cfg.Instrument)
	}
	if !b.sequenceAcceptable(u.Sequence) {
		b.broken = true
		b.publish()
		return fmt.Errorf("%w: %s %s last=%d got=%d", ErrSequenceGap,
			b.cfg.Exchange, b.cfg.Instrument, b.lastSeq, u.Sequence)
	}
	for _, lvl := range u.Bids {
		b.applyLevel(b.bids, lvl)
	}
	for _, lvl := range u.Asks {
		b.applyLevel(b.asks, lvl)
	}
	b.lastSeq = u.Sequence
	b.updatedAt = b.updateTime(u)
	b.refreshCrossed()
	b.publish()
	return nil
}

func (b *OrderBook) sequenceAcceptable(seq uint64) bool {
	if !b.primed {
		return false
	}
	switch b.cfg.SequencePolicy {
	case Contiguous:
		return seq == b.lastSeq+1
	default:
		return seq >= b.lastSeq
	}
}

func (b *OrderBook) applyLevel(s *bookSide, lvl PriceLevel) {
	switch lvl.Method {
	case OrderLog:
		resident := s.level(lvl.Price)
		if resident == nil || resident.orders == nil {
			resident = &bookLevel{
				price:  lvl.Price,
				qty:    fpdecimal.Zero,
				orders: make(map[string]fpdecimal.Decimal),
			}
			s.put(resident)
		}
		if lvl.Qty.LessThanOrEqual(fpdecimal.Zero) {
			delete(resident.orders, lvl.ID)
		} else {
			resident.orders[lvl.ID] = lvl.Qty
		}
		aggregate := fpdecimal.Zero
		for _, qty := range resident.orders {
			aggregate = aggregate.Add(qty)
		}
		if aggregate.LessThanOrEqual(fpdecimal.Zero) {
			s.remove(lvl.Price)
			return
		}
		resident.qty = aggregate
	default:
		if lvl.Qty.LessThanOrEqual(fpdecimal.Zero) {
			s.remove(lvl.Price)
			return
		}
		s.put(&bookLevel{price: lvl.Price, qty: lvl.Qty, id: lvl.ID})
	}
}

// refreshCrossed flags a bid >= ask condition. Crossing is a soft warning:
// the book stays usable and the flag clears on the next update that resolves
// it. Exempt instruments skip the check entirely.
func (b *OrderBook) refreshCrossed() {
	if b.cfg.CrossCheckExempt {
		b.crossed = false
		return
	}
	bb, ba := b.bids.best(), b.asks.best()
	b.crossed = bb != nil && ba != nil && bb.price.GreaterThanOrEqual(ba.price)
}

func (b *OrderBook) updateTime(u *BookUpdate) time.Time {
	if !u.Time.IsZero() {
		return u.Time
	}
	return time.Now()
}

func (b *OrderBook) publish() {
	b.view.Store(&BookView{
		Exchange:   b.cfg.Exchange,
		Instrument: b.cfg.Instrument,
		Bids:       b.bids.snapshot(b.cfg.Depth),
		Asks:       b.asks.snapshot(b.cfg.Depth),
		Sequence:   b.lastSeq,
		UpdatedAt:  b.updatedAt,
		Broken:     b.broken,
		Crossed:    b.crossed,
	})
}
