// Package orchestrator drives trading decisions across exchanges: it reads
// the live books, decides whether prices are ready to act on, places,
// replaces and cancels orders through trade connectors, and tracks every
// locally-issued order from submission to its terminal state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantegy/crossbook/pkg/books"
	"github.com/quantegy/crossbook/pkg/connector"
	"github.com/quantegy/crossbook/pkg/core"
	"github.com/quantegy/crossbook/pkg/correlation"
	"github.com/quantegy/crossbook/pkg/messaging"
	"github.com/quantegy/crossbook/pkg/otel"
)

var (
	// ErrUnknownConnector is returned when no trade connector is registered
	// for the exchange
	ErrUnknownConnector = errors.New("no trade connector for exchange")
	// ErrNotHedgeCapable is returned when the exchange's connector cannot
	// place hedge orders
	ErrNotHedgeCapable = errors.New("connector is not hedge capable")
	// ErrStopped is returned by order commands after shutdown began
	ErrStopped = errors.New("orchestrator is stopped")
)

// Archiver persists terminal order records for post-run reconciliation
type Archiver interface {
	ArchiveOrder(ctx context.Context, order *core.OrderRecord) error
}

// Params carries the collaborators for New
type Params struct {
	Config  *Config
	Trading *core.TradingContext
	Books   *books.Manager
	Index   *correlation.Index
	Traders map[string]connector.TradeConnector
	Feeds   map[string]connector.MarketDataConnector
	Reports messaging.ReportSender
	Archive Archiver
	Logger  zerolog.Logger
	// Now overrides the clock; nil means time.Now
	Now func() time.Time
}

// suspension tracks one instrument's stuck-book trading hold
type suspension struct {
	since     time.Time
	escalated bool
}

// Orchestrator is the trade-orchestration state machine. It owns every
// OrderRecord it issues; connectors call back into it from their own
// goroutines, so all record state is guarded by mu.
type Orchestrator struct {
	cfg     *Config
	tctx    *core.TradingContext
	books   *books.Manager
	index   *correlation.Index
	traders map[string]connector.TradeConnector
	feeds   map[string]connector.MarketDataConnector
	reports messaging.ReportSender
	archive Archiver
	logger  zerolog.Logger
	now     func() time.Time

	mu        sync.Mutex
	orders    map[string]*core.OrderRecord
	acks      map[string]chan struct{}
	prepared  map[string][]string
	suspended map[string]*suspension
	tickers   map[string]core.Ticker
	balances  map[string][]core.Balance
	positions map[string][]core.Position
	limits    map[string][]core.TradeLimit
	stopped   bool

	fatalOnce sync.Once
	fatalCh   chan error
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New creates an Orchestrator from its collaborators
func New(p Params) (*Orchestrator, error) {
	if p.Config == nil || p.Trading == nil || p.Books == nil || p.Index == nil {
		return nil, core.ErrInvalidArgument
	}
	now := p.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		cfg:       p.Config,
		tctx:      p.Trading,
		books:     p.Books,
		index:     p.Index,
		traders:   p.Traders,
		feeds:     p.Feeds,
		reports:   p.Reports,
		archive:   p.Archive,
		logger:    p.Logger.With().Str("component", "Orchestrator").Logger(),
		now:       now,
		orders:    make(map[string]*core.OrderRecord),
		acks:      make(map[string]chan struct{}),
		prepared:  make(map[string][]string),
		suspended: make(map[string]*suspension),
		tickers:   make(map[string]core.Ticker),
		balances:  make(map[string][]core.Balance),
		positions: make(map[string][]core.Position),
		limits:    make(map[string][]core.TradeLimit),
		fatalCh:   make(chan error, 1),
		stopCh:    make(chan struct{}),
	}, nil
}

// SetConnectors registers the trade and market-data connectors. Connectors
// need the orchestrator as their event handler before they can be built, so
// registration happens after New and before Start.
func (o *Orchestrator) SetConnectors(traders map[string]connector.TradeConnector, feeds map[string]connector.MarketDataConnector) {
	o.traders = traders
	o.feeds = feeds
}

// Start launches the periodic stuck-book sweep
func (o *Orchestrator) Start(ctx context.Context) error {
	o.logger.Info().
		Dur("sweep_interval", o.cfg.SweepInterval).
		Dur("stuck_timeout", o.tctx.StuckTimeout()).
		Msg("Starting orchestrator")

	o.wg.Add(1)
	go o.run(ctx)
	return nil
}

// Stop shuts the orchestrator down: the sweep loop exits, then every resting
// order is cancelled best-effort. Cancellation failures are logged, not
// returned; shutdown proceeds regardless.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.logger.Info().Msg("Stopping orchestrator")

	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return nil
	}
	o.stopped = true
	o.mu.Unlock()
	close(o.stopCh)

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for orchestrator to stop: %w", ctx.Err())
	}

	o.cancelAllOrders(ctx)
	return nil
}

// Fatal delivers at most one unrecoverable error. The process supervisor
// should treat a receive as a stop-the-world signal.
func (o *Orchestrator) Fatal() <-chan error {
	return o.fatalCh
}

func (o *Orchestrator) run(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.sweep(ctx)
		}
	}
}

// sweep marks instruments with silent books suspended, escalates holds that
// outlive the configured multiple of the stuck timeout, and clears holds
// whose books turned fresh again.
func (o *Orchestrator) sweep(ctx context.Context) {
	now := o.now()
	stuck := o.books.Stuck(o.tctx.StuckTimeout(), now)

	fresh := make(map[string]struct{})
	for _, sub := range stuck {
		fresh[suspensionKey(sub.Exchange, sub.Instrument)] = struct{}{}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	for _, sub := range stuck {
		key := suspensionKey(sub.Exchange, sub.Instrument)
		hold, ok := o.suspended[key]
		if !ok {
			o.suspended[key] = &suspension{since: now}
			otel.GetTradingMetrics().RecordSuspension(ctx, sub.Exchange, sub.Instrument)
			o.logger.Warn().
				Str("exchange", sub.Exchange).
				Str("instrument", sub.Instrument).
				Msg("Book stuck, trading suspended")
			continue
		}
		escalateAfter := time.Duration(o.cfg.StuckEscalationMultiple) * o.tctx.StuckTimeout()
		if !hold.escalated && now.Sub(hold.since) >= escalateAfter {
			hold.escalated = true
			o.logger.Error().
				Str("exchange", sub.Exchange).
				Str("instrument", sub.Instrument).
				Dur("stuck_for", now.Sub(hold.since)+o.tctx.StuckTimeout()).
				Msg("Book stuck past escalation threshold")
		}
	}

	for key, hold := range o.suspended {
		if _, still := fresh[key]; still {
			continue
		}
		delete(o.suspended, key)
		o.logger.Info().
			Str("pair", key).
			Dur("suspended_for", now.Sub(hold.since)).
			Msg("Book fresh again, trading resumed")
	}
}

func suspensionKey(exchange, instrument string) string {
	return exchange + ":" + core.NormalizeInstrument(instrument)
}

// Suspended reports whether the pair is currently under a stuck-book hold
func (o *Orchestrator) Suspended(exchange, instrument string) bool {
	// The sweep only samples periodically; consult the book directly so a
	// fresh update lifts the hold immediately.
	if view, ok := o.books.View(exchange, instrument); ok {
		if !view.Stale(o.tctx.StuckTimeout(), o.now()) {
			return false
		}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.suspended[suspensionKey(exchange, instrument)]
	return ok
}

// fatal reports an unrecoverable condition once, cancels resting orders
// best-effort and signals the supervisor.
func (o *Orchestrator) fatal(ctx context.Context, err error) {
	o.fatalOnce.Do(func() {
		o.logger.Error().Err(err).Msg("Fatal invariant violation, cancelling all orders")
		o.cancelAllOrders(ctx)
		o.fatalCh <- err
	})
}

// cancelAllOrders issues a best-effort cancel for every live order
func (o *Orchestrator) cancelAllOrders(ctx context.Context) {
	o.mu.Lock()
	var live []*core.OrderRecord
	for _, rec := range o.orders {
		if rec.LiveExposure() {
			live = append(live, rec)
		}
	}
	o.mu.Unlock()

	for _, rec := range live {
		trader, ok := o.traders[rec.Exchange]
		if !ok {
			continue
		}
		if err := trader.CancelOrder(ctx, rec.ClientOrderID, core.NewRequestID()); err != nil {
			o.logger.Error().
				Err(err).
				Str("client_order_id", rec.ClientOrderID).
				Str("exchange", rec.Exchange).
				Msg("Failed to cancel order during shutdown")
		}
	}
}

// --- market data plumbing ------------------------------------------------

// OnConnected subscribes the exchange's configured instruments
func (o *Orchestrator) OnConnected(exchange string) {
	o.logger.Info().Str("exchange", exchange).Msg("Connector connected")
	feed, ok := o.feeds[exchange]
	if !ok {
		return
	}
	for _, sub := range o.tctx.Subscriptions() {
		if sub.Exchange != exchange {
			continue
		}
		if err := feed.SubscribeMarketData(sub.Instrument); err != nil {
			o.logger.Error().
				Err(err).
				Str("exchange", exchange).
				Str("instrument", sub.Instrument).
				Msg("Failed to subscribe market data")
		}
	}
	o.reconcile(context.Background(), exchange)
}

// reconcile pulls the venue's resting orders, balances and positions so local
// state converges with the exchange after a (re)connect.
func (o *Orchestrator) reconcile(ctx context.Context, exchange string) {
	trader, ok := o.traders[exchange]
	if !ok {
		return
	}
	if err := trader.GetActiveOrders(ctx, core.NewRequestID()); err != nil {
		o.logger.Warn().
			Err(err).
			Str("exchange", exchange).
			Msg("Failed to request active orders")
	}
	if err := trader.GetPosAndMoney(ctx, core.NewRequestID()); err != nil {
		o.logger.Warn().
			Err(err).
			Str("exchange", exchange).
			Msg("Failed to request positions and balances")
	}
}

// OnDisconnected is informational; the books go stale on their own and the
// sweep suspends their instruments.
func (o *Orchestrator) OnDisconnected(exchange string) {
	o.logger.Warn().Str("exchange", exchange).Msg("Connector disconnected")
}

// OnError logs a connector-reported error
func (o *Orchestrator) OnError(exchange string, err *core.ConnError) {
	evt := o.logger.Warn()
	if err.Critical {
		evt = o.logger.Error()
	}
	evt.Str("exchange", exchange).
		Int("code", err.Code).
		Str("description", err.Description).
		Msg(err.Message)
}

// OnBookSnapshot applies a full book replacement
func (o *Orchestrator) OnBookSnapshot(u *core.BookUpdate) {
	ctx := context.Background()
	if err := o.books.ApplySnapshot(ctx, u); err != nil {
		o.logger.Error().
			Err(err).
			Str("exchange", u.Exchange).
			Str("instrument", u.Instrument).
			Msg("Failed to apply snapshot")
	}
}

// OnBookUpdate applies a delta. A sequence gap leaves the book broken, so a
// fresh snapshot subscription is requested from the pair's feed.
func (o *Orchestrator) OnBookUpdate(u *core.BookUpdate) {
	ctx := context.Background()
	err := o.books.ApplyDelta(ctx, u)
	if err == nil {
		return
	}
	if errors.Is(err, core.ErrSequenceGap) || errors.Is(err, books.ErrBookNotFound) {
		o.resubscribe(u.Exchange, u.Instrument)
		return
	}
	if errors.Is(err, core.ErrBookBroken) {
		// Already waiting on a snapshot; drop deltas until it arrives.
		return
	}
	o.logger.Error().
		Err(err).
		Str("exchange", u.Exchange).
		Str("instrument", u.Instrument).
		Msg("Failed to apply delta")
}

func (o *Orchestrator) resubscribe(exchange, instrument string) {
	feed, ok := o.feeds[exchange]
	if !ok {
		return
	}
	if err := feed.SubscribeMarketData(instrument); err != nil {
		o.logger.Error().
			Err(err).
			Str("exchange", exchange).
			Str("instrument", instrument).
			Msg("Failed to resubscribe after gap")
	}
}

// OnTicker stores the latest ticker per pair
func (o *Orchestrator) OnTicker(t *core.Ticker) {
	o.mu.Lock()
	o.tickers[suspensionKey(t.Exchange, t.Instrument)] = *t
	o.mu.Unlock()
}

// Ticker returns the latest ticker seen for the pair
func (o *Orchestrator) Ticker(exchange, instrument string) (core.Ticker, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tickers[suspensionKey(exchange, instrument)]
	return t, ok
}
