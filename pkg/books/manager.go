// Package books keeps the registry of live order books, one per
// (exchange, instrument) pair, and the bookkeeping around their updates:
// creation on first snapshot, gap accounting, crossed-book warnings and
// stuck-book detection. Book mutation itself stays single-writer: the
// manager only serializes registry access, the apply call runs on the
// connector goroutine that owns the pair's stream.
package books

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/quantegy/crossbook/pkg/core"
	"github.com/quantegy/crossbook/pkg/logging"
	"github.com/quantegy/crossbook/pkg/otel"
)

var (
	// ErrBookNotFound is returned when no book exists for the pair
	ErrBookNotFound = errors.New("order book not found")
)

// Config controls how new books are created
type Config struct {
	// Depth is the per-side level cap for every book
	Depth int
	// DefaultPolicy applies to exchanges not listed in Policies
	DefaultPolicy core.SequencePolicy
	// Policies overrides the sequence contract per exchange
	Policies map[string]core.SequencePolicy
	// CrossCheckExempt reports instruments excluded from bid<ask checking
	CrossCheckExempt func(instrument string) bool
}

// BookInfo contains metadata about one book
type BookInfo struct {
	Exchange   string
	Instrument string
	CreatedAt  time.Time
	Snapshots  uint64
	Deltas     uint64
	Gaps       uint64
	crossed    bool
}

// Manager manages the order books of every subscribed pair
type Manager struct {
	mu    sync.RWMutex
	cfg   Config
	books map[string]*core.OrderBook
	info  map[string]*BookInfo
}

// NewManager creates an empty Manager
func NewManager(cfg Config) *Manager {
	if cfg.Depth <= 0 {
		cfg.Depth = core.DefaultDepth
	}
	return &Manager{
		cfg:   cfg,
		books: make(map[string]*core.OrderBook),
		info:  make(map[string]*BookInfo),
	}
}

func bookKey(exchange, instrument string) string {
	return exchange + ":" + core.NormalizeInstrument(instrument)
}

func (m *Manager) policyFor(exchange string) core.SequencePolicy {
	if p, ok := m.cfg.Policies[exchange]; ok {
		return p
	}
	return m.cfg.DefaultPolicy
}

// Ensure returns the book for the pair, creating it on first use
func (m *Manager) Ensure(ctx context.Context, exchange, instrument string) *core.OrderBook {
	key := bookKey(exchange, instrument)

	m.mu.RLock()
	book, ok := m.books[key]
	m.mu.RUnlock()
	if ok {
		return book
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if book, ok = m.books[key]; ok {
		return book
	}

	exempt := false
	if m.cfg.CrossCheckExempt != nil {
		exempt = m.cfg.CrossCheckExempt(instrument)
	}
	book = core.NewOrderBook(core.BookConfig{
		Exchange:         exchange,
		Instrument:       instrument,
		Depth:            m.cfg.Depth,
		SequencePolicy:   m.policyFor(exchange),
		CrossCheckExempt: exempt,
	})
	m.books[key] = book
	m.info[key] = &BookInfo{
		Exchange:   exchange,
		Instrument: core.NormalizeInstrument(instrument),
		CreatedAt:  time.Now(),
	}

	logger := logging.FromContext(ctx)
	logger.Info().
		Str("exchange", exchange).
		Str("instrument", core.NormalizeInstrument(instrument)).
		Msg("Created order book")
	return book
}

// Get returns the book for the pair if it exists
func (m *Manager) Get(exchange, instrument string) (*core.OrderBook, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	book, ok := m.books[bookKey(exchange, instrument)]
	return book, ok
}

// View returns the published view of the pair's book
func (m *Manager) View(exchange, instrument string) (*core.BookView, bool) {
	book, ok := m.Get(exchange, instrument)
	if !ok {
		return nil, false
	}
	return book.View(), true
}

// Info returns a copy of the pair's book metadata
func (m *Manager) Info(exchange, instrument string) (BookInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.info[bookKey(exchange, instrument)]
	if !ok {
		return BookInfo{}, false
	}
	return *info, true
}

// ApplySnapshot replaces the pair's book contents, creating the book if this
// is the pair's first message.
func (m *Manager) ApplySnapshot(ctx context.Context, u *core.BookUpdate) error {
	book := m.Ensure(ctx, u.Exchange, u.Instrument)
	start := time.Now()
	if err := book.ApplySnapshot(u); err != nil {
		return err
	}
	otel.GetBookMetrics().RecordApply(ctx, u.Exchange, u.Instrument, u.Kind.String(), time.Since(start))

	m.mu.Lock()
	if info := m.info[bookKey(u.Exchange, u.Instrument)]; info != nil {
		info.Snapshots++
	}
	m.mu.Unlock()

	m.noteCrossed(ctx, book)
	return nil
}

// ApplyDelta merges a delta into the pair's book. A sequence gap marks the
// book broken and is returned to the caller, which must trigger a fresh
// snapshot subscription; the error wraps core.ErrSequenceGap.
func (m *Manager) ApplyDelta(ctx context.Context, u *core.BookUpdate) error {
	book, ok := m.Get(u.Exchange, u.Instrument)
	if !ok {
		// Deltas before the first snapshot cannot be applied to anything.
		return ErrBookNotFound
	}

	start := time.Now()
	err := book.ApplyDelta(u)
	if err != nil {
		if errors.Is(err, core.ErrSequenceGap) {
			m.mu.Lock()
			if info := m.info[bookKey(u.Exchange, u.Instrument)]; info != nil {
				info.Gaps++
			}
			m.mu.Unlock()

			otel.GetBookMetrics().RecordBroken(ctx, u.Exchange, u.Instrument)
			logger := logging.FromContext(ctx)
			logger.Error().
				Str("exchange", u.Exchange).
				Str("instrument", core.NormalizeInstrument(u.Instrument)).
				Uint64("sequence", u.Sequence).
				Uint64("last_sequence", book.View().Sequence).
				Msg("Sequence gap, book marked broken")
		}
		return err
	}
	otel.GetBookMetrics().RecordApply(ctx, u.Exchange, u.Instrument, u.Kind.String(), time.Since(start))

	m.mu.Lock()
	if info := m.info[bookKey(u.Exchange, u.Instrument)]; info != nil {
		info.Deltas++
	}
	m.mu.Unlock()

	m.noteCrossed(ctx, book)
	return nil
}

// noteCrossed logs crossed-book transitions once per episode
func (m *Manager) noteCrossed(ctx context.Context, book *core.OrderBook) {
	view := book.View()
	key := bookKey(view.Exchange, view.Instrument)

	m.mu.Lock()
	info := m.info[key]
	if info == nil || info.crossed == view.Crossed {
		m.mu.Unlock()
		return
	}
	info.crossed = view.Crossed
	m.mu.Unlock()

	logger := logging.FromContext(ctx)
	if view.Crossed {
		bb, _ := view.BestBid()
		ba, _ := view.BestAsk()
		logger.Warn().
			Str("exchange", view.Exchange).
			Str("instrument", view.Instrument).
			Str("best_bid", bb.Price.String()).
			Str("best_ask", ba.Price.String()).
			Uint64("sequence", view.Sequence).
			Msg("Crossed book")
		return
	}
	logger.Info().
		Str("exchange", view.Exchange).
		Str("instrument", view.Instrument).
		Msg("Crossed book resolved")
}

// Views returns the published views of every book
func (m *Manager) Views() []*core.BookView {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*core.BookView, 0, len(m.books))
	for _, book := range m.books {
		out = append(out, book.View())
	}
	return out
}

// Stuck returns the pairs whose books have gone silent for longer than
// timeout as of now
func (m *Manager) Stuck(timeout time.Duration, now time.Time) []core.Subscription {
	var out []core.Subscription
	for _, view := range m.Views() {
		if view.Stale(timeout, now) {
			out = append(out, core.Subscription{
				Exchange:   view.Exchange,
				Instrument: view.Instrument,
			})
		}
	}
	return out
}
