package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nikolaydubina/fpdecimal"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantegy/crossbook/pkg/books"
	"github.com/quantegy/crossbook/pkg/connector"
	"github.com/quantegy/crossbook/pkg/connector/sim"
	"github.com/quantegy/crossbook/pkg/core"
	"github.com/quantegy/crossbook/pkg/correlation"
	"github.com/quantegy/crossbook/pkg/messaging"
)

// fakeClock is an injectable clock advanced explicitly by tests
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	orch   *Orchestrator
	alpha  *sim.Venue
	beta   *sim.Venue
	books  *books.Manager
	index  *correlation.Index
	sender *messaging.MockReportSender
	clock  *fakeClock
}

func dec(t *testing.T, s string) fpdecimal.Decimal {
	t.Helper()
	d, err := fpdecimal.FromString(s)
	require.NoError(t, err)
	return d
}

func newFixture(t *testing.T, params core.TradingContextParams) *fixture {
	t.Helper()

	if params.Subscriptions == nil {
		params.Subscriptions = []core.Subscription{
			{Exchange: "alpha", Instrument: "BTC-USD"},
			{Exchange: "beta", Instrument: "BTC-USD"},
		}
	}
	if params.MaxSpreadFrac == 0 {
		params.MaxSpreadFrac = 0.01
	}
	if params.StuckTimeout == 0 {
		params.StuckTimeout = 10 * time.Second
	}
	tctx := core.NewTradingContext(params)

	clock := newFakeClock()
	manager := books.NewManager(books.Config{DefaultPolicy: core.Contiguous})
	index := correlation.NewIndex()
	sender := messaging.NewMockReportSender()

	orch, err := New(Params{
		Config: &Config{
			SweepInterval:           10 * time.Millisecond,
			StuckEscalationMultiple: 3,
			SendTimeout:             2 * time.Second,
			HedgeSlippageFrac:       0.01,
		},
		Trading: tctx,
		Books:   manager,
		Index:   index,
		Reports: sender,
		Logger:  zerolog.Nop(),
		Now:     clock.Now,
	})
	require.NoError(t, err)

	alpha := sim.NewVenue("alpha", orch, orch)
	beta := sim.NewVenue("beta", orch, orch)
	orch.SetConnectors(
		map[string]connector.TradeConnector{"alpha": alpha, "beta": beta},
		map[string]connector.MarketDataConnector{"alpha": alpha, "beta": beta},
	)

	return &fixture{
		orch:   orch,
		alpha:  alpha,
		beta:   beta,
		books:  manager,
		index:  index,
		sender: sender,
		clock:  clock,
	}
}

func (f *fixture) pushSnapshot(t *testing.T, venue *sim.Venue, instrument string, seq uint64, bid, ask string) {
	t.Helper()
	f.pushSnapshotAt(t, venue, instrument, seq, bid, ask, f.clock.Now())
}

func (f *fixture) pushSnapshotAt(t *testing.T, venue *sim.Venue, instrument string, seq uint64, bid, ask string, at time.Time) {
	t.Helper()
	one := fpdecimal.FromInt(int64(1))
	venue.PushBook(&core.BookUpdate{
		Instrument: instrument,
		Sequence:   seq,
		Kind:       core.Snapshot,
		Bids:       []core.PriceLevel{core.NewPriceLevel(dec(t, bid), one, "")},
		Asks:       []core.PriceLevel{core.NewPriceLevel(dec(t, ask), one, "")},
		Time:       at,
	})
}

func TestReadyPrice(t *testing.T) {
	t.Run("tight spread is ready", func(t *testing.T) {
		f := newFixture(t, core.TradingContextParams{})
		f.pushSnapshot(t, f.alpha, "BTC-USD", 1, "100", "100.5")

		price, err := f.orch.ReadyPrice("alpha", "BTC-USD")
		require.NoError(t, err)
		assert.InDelta(t, 100.0, price.Bid, 0.001)
		assert.InDelta(t, 100.5, price.Ask, 0.001)
		assert.InDelta(t, 0.005, price.SpreadFrac, 0.0001)
	})

	t.Run("wide spread is not ready", func(t *testing.T) {
		f := newFixture(t, core.TradingContextParams{})
		f.pushSnapshot(t, f.alpha, "BTC-USD", 1, "100", "102")

		_, err := f.orch.ReadyPrice("alpha", "BTC-USD")
		assert.ErrorIs(t, err, ErrSpreadTooWide)
	})

	t.Run("missing book is unavailable", func(t *testing.T) {
		f := newFixture(t, core.TradingContextParams{})
		_, err := f.orch.ReadyPrice("alpha", "BTC-USD")
		assert.ErrorIs(t, err, core.ErrBookUnavailable)
	})

	t.Run("crossed book is refused unless exempt", func(t *testing.T) {
		f := newFixture(t, core.TradingContextParams{})
		f.pushSnapshot(t, f.alpha, "BTC-USD", 1, "103", "102")

		_, err := f.orch.ReadyPrice("alpha", "BTC-USD")
		assert.ErrorIs(t, err, ErrBookCrossed)

		f = newFixture(t, core.TradingContextParams{CrossCheckExempt: []string{"BTC-USD"}})
		f.pushSnapshot(t, f.alpha, "BTC-USD", 1, "103", "102")

		_, err = f.orch.ReadyPrice("alpha", "BTC-USD")
		assert.NoError(t, err)
	})

	t.Run("stale book is refused until fresh data", func(t *testing.T) {
		f := newFixture(t, core.TradingContextParams{})
		f.pushSnapshot(t, f.alpha, "BTC-USD", 1, "100", "100.5")

		f.clock.Advance(11 * time.Second)
		_, err := f.orch.ReadyPrice("alpha", "BTC-USD")
		assert.ErrorIs(t, err, ErrBookStale)

		// A fresh update clears the condition immediately.
		f.clock.Advance(500 * time.Millisecond)
		f.pushSnapshot(t, f.alpha, "BTC-USD", 2, "100", "100.5")
		_, err = f.orch.ReadyPrice("alpha", "BTC-USD")
		assert.NoError(t, err)
	})
}

func TestReadyPriceConversion(t *testing.T) {
	f := newFixture(t, core.TradingContextParams{
		Subscriptions: []core.Subscription{
			{Exchange: "alpha", Instrument: "BTC-EUR"},
			{Exchange: "beta", Instrument: "EUR-USD"},
		},
		Conversion: map[string]core.ConversionLeg{
			"BTC-EUR": {Exchange: "beta", Instrument: "EUR-USD"},
		},
	})

	f.pushSnapshot(t, f.alpha, "BTC-EUR", 1, "100", "100.5")

	// Without the conversion leg's book the price is not usable.
	_, err := f.orch.ReadyPrice("alpha", "BTC-EUR")
	assert.ErrorIs(t, err, ErrConversionUnavailable)

	f.pushSnapshot(t, f.beta, "EUR-USD", 1, "1.1", "1.1")

	price, err := f.orch.ReadyPrice("alpha", "BTC-EUR")
	require.NoError(t, err)
	assert.InDelta(t, 110.0, price.Bid, 0.001)
	assert.InDelta(t, 110.55, price.Ask, 0.001)
	// The spread fraction is unchanged by a common-unit conversion.
	assert.InDelta(t, 0.005, price.SpreadFrac, 0.0001)
}

func TestAddOrderLifecycle(t *testing.T) {
	f := newFixture(t, core.TradingContextParams{})
	ctx := context.Background()

	rec, err := f.orch.AddOrder(ctx, "alpha", "BTC-USD", core.Buy, dec(t, "100"), dec(t, "2"))
	require.NoError(t, err)

	// The sim acknowledges synchronously: the order is Active and correlated.
	got, ok := f.orch.Order(rec.ClientOrderID)
	require.True(t, ok)
	assert.Equal(t, core.Active, got.State)
	assert.NotEmpty(t, got.ExchangeOrderID)

	exch, ok := f.index.ExchangeID(rec.ClientOrderID)
	require.True(t, ok)
	assert.Equal(t, got.ExchangeOrderID, exch)

	assert.Equal(t, "2.000", f.orch.Exposure("alpha", "BTC-USD").String())

	// A full fill finalizes the record and clears the correlation entry.
	require.NoError(t, f.alpha.Fill(rec.ClientOrderID, dec(t, "2"), dec(t, "0.01")))

	_, ok = f.orch.Order(rec.ClientOrderID)
	assert.False(t, ok)
	_, ok = f.index.ExchangeID(rec.ClientOrderID)
	assert.False(t, ok)
	assert.Equal(t, "0.000", f.orch.Exposure("alpha", "BTC-USD").String())

	reports := f.sender.Reports()
	require.NotEmpty(t, reports)
	last := reports[len(reports)-1]
	assert.Equal(t, core.Filled.String(), last.State)
	assert.Equal(t, "2.000", last.TradeQty)
}

func TestConnectPullsAccountState(t *testing.T) {
	f := newFixture(t, core.TradingContextParams{})
	ctx := context.Background()

	f.alpha.SetBalances([]core.Balance{
		{Currency: "USD", Available: dec(t, "1000")},
	})
	f.alpha.SetPositions([]core.Position{
		{Instrument: "BTC-USD", Qty: dec(t, "0.5")},
	})

	// Connecting triggers the reconciliation pull alongside the market data
	// subscriptions.
	require.NoError(t, f.alpha.Connect(ctx))

	balances := f.orch.Balances("alpha")
	require.Len(t, balances, 1)
	assert.Equal(t, "alpha", balances[0].Exchange)
	assert.Equal(t, "USD", balances[0].Currency)
	assert.Equal(t, "1000.000", balances[0].Available.String())

	positions := f.orch.Positions("alpha")
	require.Len(t, positions, 1)
	assert.Equal(t, "BTC-USD", positions[0].Instrument)
	assert.Equal(t, "0.500", positions[0].Qty.String())

	// Beta never connected, so nothing was pulled for it.
	assert.Empty(t, f.orch.Balances("beta"))
}

func TestFinalizeToleratesMissingCorrelationEntry(t *testing.T) {
	f := newFixture(t, core.TradingContextParams{})
	ctx := context.Background()

	rec, err := f.orch.AddOrder(ctx, "alpha", "BTC-USD", core.Buy, dec(t, "100"), dec(t, "2"))
	require.NoError(t, err)

	got, ok := f.orch.Order(rec.ClientOrderID)
	require.True(t, ok)
	require.Equal(t, core.Active, got.State)

	// Drop the correlation entry out of band; settlement must still complete
	// rather than trip over the already-removed pair.
	require.NoError(t, f.index.Remove(rec.ClientOrderID, got.ExchangeOrderID))

	require.NoError(t, f.alpha.Fill(rec.ClientOrderID, dec(t, "2"), dec(t, "0.01")))

	_, ok = f.orch.Order(rec.ClientOrderID)
	assert.False(t, ok)

	reports := f.sender.Reports()
	require.NotEmpty(t, reports)
	assert.Equal(t, core.Filled.String(), reports[len(reports)-1].State)
}

func TestAddOrderRejected(t *testing.T) {
	f := newFixture(t, core.TradingContextParams{})
	f.alpha.RejectOrders(true)

	rec, err := f.orch.AddOrder(context.Background(), "alpha", "BTC-USD", core.Buy, dec(t, "100"), dec(t, "2"))
	require.NoError(t, err)

	// The rejection is terminal and the record leaves live tracking.
	_, ok := f.orch.Order(rec.ClientOrderID)
	assert.False(t, ok)
	assert.Equal(t, "0.000", f.orch.Exposure("alpha", "BTC-USD").String())

	reports := f.sender.Reports()
	require.NotEmpty(t, reports)
	assert.Equal(t, core.ChildOrderRejected.String(), reports[len(reports)-1].State)
}

func TestReplaceOrder(t *testing.T) {
	f := newFixture(t, core.TradingContextParams{})
	ctx := context.Background()

	old, err := f.orch.AddOrder(ctx, "alpha", "BTC-USD", core.Buy, dec(t, "100"), dec(t, "2"))
	require.NoError(t, err)

	replacement, err := f.orch.ReplaceOrder(ctx, old.ClientOrderID, dec(t, "99"), dec(t, "3"))
	require.NoError(t, err)

	// Only the replacement remains tracked; the old order's correlation
	// entry is gone.
	_, ok := f.orch.Order(old.ClientOrderID)
	assert.False(t, ok)
	_, ok = f.index.ExchangeID(old.ClientOrderID)
	assert.False(t, ok)

	got, ok := f.orch.Order(replacement.ClientOrderID)
	require.True(t, ok)
	assert.Equal(t, core.Active, got.State)
	assert.Equal(t, "99.000", got.Price.String())

	// Exposure counts the replacement alone.
	assert.Equal(t, "3.000", f.orch.Exposure("alpha", "BTC-USD").String())
}

// stalledTrader accepts commands but never confirms them, exposing the
// window between submission and exchange confirmation.
type stalledTrader struct {
	name     string
	mu       sync.Mutex
	replaces []connector.ReplaceRequest
	prepared []connector.OrderRequest
}

func (s *stalledTrader) Exchange() string { return s.name }
func (s *stalledTrader) AddOrder(context.Context, connector.OrderRequest) error {
	return nil
}
func (s *stalledTrader) PrepareOrder(req connector.OrderRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prepared = append(s.prepared, req)
	return nil
}
func (s *stalledTrader) SendPreparedOrders(context.Context) error { return nil }
func (s *stalledTrader) CancelOrder(context.Context, string, string) error {
	return nil
}
func (s *stalledTrader) ReplaceOrder(_ context.Context, req connector.ReplaceRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaces = append(s.replaces, req)
	return nil
}
func (s *stalledTrader) GetActiveOrders(context.Context, string) error { return nil }
func (s *stalledTrader) GetPosAndMoney(context.Context, string) error  { return nil }

func TestReplaceOrderSupersedeBeforeConfirmation(t *testing.T) {
	f := newFixture(t, core.TradingContextParams{})
	ctx := context.Background()

	stalled := &stalledTrader{name: "alpha"}
	f.orch.SetConnectors(map[string]connector.TradeConnector{"alpha": stalled}, nil)

	old, err := f.orch.AddOrder(ctx, "alpha", "BTC-USD", core.Buy, dec(t, "100"), dec(t, "2"))
	require.NoError(t, err)
	// Simulate the exchange acknowledgement.
	ack := *old
	ack.ExchangeOrderID = "ex-1"
	f.orch.OnNewOrderAdded(&ack)

	replacement, err := f.orch.ReplaceOrder(ctx, old.ClientOrderID, dec(t, "99"), dec(t, "3"))
	require.NoError(t, err)

	// No confirmation has arrived: the old record is superseded immediately
	// so the pair is never double-counted as live exposure.
	gotOld, ok := f.orch.Order(old.ClientOrderID)
	require.True(t, ok)
	assert.True(t, gotOld.Superseded)
	assert.Equal(t, replacement.ClientOrderID, gotOld.ReplacedBy)

	assert.Equal(t, "3.000", f.orch.Exposure("alpha", "BTC-USD").String())

	// Confirmation arrives: the old order is finalized, only the new one
	// remains tracked.
	confirm := gotOld
	f.orch.OnOrderReplaced(&confirm)

	_, ok = f.orch.Order(old.ClientOrderID)
	assert.False(t, ok)
	_, ok = f.index.ExchangeID(old.ClientOrderID)
	assert.False(t, ok)
	_, ok = f.orch.Order(replacement.ClientOrderID)
	assert.True(t, ok)
}

func TestPrepareAndSend(t *testing.T) {
	f := newFixture(t, core.TradingContextParams{})
	ctx := context.Background()

	first, err := f.orch.PrepareOrder("alpha", "BTC-USD", core.Buy, dec(t, "100"), dec(t, "1"))
	require.NoError(t, err)
	second, err := f.orch.PrepareOrder("alpha", "BTC-USD", core.Sell, dec(t, "101"), dec(t, "1"))
	require.NoError(t, err)

	// Nothing is live before the coordinated send.
	got, _ := f.orch.Order(first.ClientOrderID)
	assert.Equal(t, core.Pending, got.State)

	require.NoError(t, f.orch.SendPreparedOrders(ctx))

	for _, id := range []string{first.ClientOrderID, second.ClientOrderID} {
		got, ok := f.orch.Order(id)
		require.True(t, ok)
		assert.Equal(t, core.Active, got.State)
	}
}

func TestSendPreparedOrdersTimeout(t *testing.T) {
	f := newFixture(t, core.TradingContextParams{})
	f.orch.cfg.SendTimeout = 50 * time.Millisecond

	stalled := &stalledTrader{name: "alpha"}
	f.orch.SetConnectors(map[string]connector.TradeConnector{"alpha": stalled}, nil)

	_, err := f.orch.PrepareOrder("alpha", "BTC-USD", core.Buy, dec(t, "100"), dec(t, "1"))
	require.NoError(t, err)

	// The trader never acknowledges, so the bounded wait expires.
	err = f.orch.SendPreparedOrders(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAddHedgeOrderPricing(t *testing.T) {
	f := newFixture(t, core.TradingContextParams{})
	ctx := context.Background()
	f.pushSnapshot(t, f.beta, "BTC-USD", 1, "100", "100.5")

	t.Run("buy pays up from the ask", func(t *testing.T) {
		rec, err := f.orch.AddHedgeOrder(ctx, "beta", "BTC-USD", core.Buy, dec(t, "1"))
		require.NoError(t, err)
		// 100.5 * 1.01
		assert.Equal(t, "101.505", rec.Price.String())
	})

	t.Run("sell gives up from the bid", func(t *testing.T) {
		rec, err := f.orch.AddHedgeOrder(ctx, "beta", "BTC-USD", core.Sell, dec(t, "1"))
		require.NoError(t, err)
		// 100 * 0.99
		assert.Equal(t, "99.000", rec.Price.String())
	})

	t.Run("refused on an unready book", func(t *testing.T) {
		f.clock.Advance(time.Hour)
		_, err := f.orch.AddHedgeOrder(ctx, "beta", "BTC-USD", core.Buy, dec(t, "1"))
		assert.ErrorIs(t, err, ErrBookStale)
	})
}

func TestStuckSuspension(t *testing.T) {
	f := newFixture(t, core.TradingContextParams{})
	ctx := context.Background()
	f.pushSnapshot(t, f.alpha, "BTC-USD", 1, "100", "100.5")

	assert.False(t, f.orch.Suspended("alpha", "BTC-USD"))

	f.clock.Advance(11 * time.Second)
	f.orch.sweep(ctx)
	assert.True(t, f.orch.Suspended("alpha", "BTC-USD"))

	// A fresh update lifts the hold without waiting for the next sweep.
	f.clock.Advance(500 * time.Millisecond)
	f.pushSnapshot(t, f.alpha, "BTC-USD", 2, "100", "100.5")
	assert.False(t, f.orch.Suspended("alpha", "BTC-USD"))

	f.orch.sweep(ctx)
	assert.False(t, f.orch.Suspended("alpha", "BTC-USD"))
}

func TestStopCancelsRestingOrders(t *testing.T) {
	f := newFixture(t, core.TradingContextParams{})
	ctx := context.Background()

	first, err := f.orch.AddOrder(ctx, "alpha", "BTC-USD", core.Buy, dec(t, "100"), dec(t, "1"))
	require.NoError(t, err)
	second, err := f.orch.AddOrder(ctx, "beta", "BTC-USD", core.Sell, dec(t, "101"), dec(t, "1"))
	require.NoError(t, err)

	require.NoError(t, f.orch.Start(ctx))
	require.NoError(t, f.orch.Stop(ctx))

	// Both venues confirmed the cancels synchronously.
	for _, id := range []string{first.ClientOrderID, second.ClientOrderID} {
		_, ok := f.orch.Order(id)
		assert.False(t, ok)
	}
	assert.Equal(t, "0.000", f.orch.Exposure("alpha", "BTC-USD").String())
	assert.Equal(t, "0.000", f.orch.Exposure("beta", "BTC-USD").String())

	// New commands are refused after shutdown.
	_, err = f.orch.AddOrder(ctx, "alpha", "BTC-USD", core.Buy, dec(t, "100"), dec(t, "1"))
	assert.ErrorIs(t, err, ErrStopped)
}

// dupAckTrader acknowledges every order with the same exchange id, forcing a
// correlation conflict on the second ack.
type dupAckTrader struct {
	stalledTrader
	orch *Orchestrator
}

func (d *dupAckTrader) AddOrder(_ context.Context, req connector.OrderRequest) error {
	ack := &core.OrderRecord{
		ClientOrderID:   req.ClientOrderID,
		ExchangeOrderID: "dup-id",
		Exchange:        d.name,
		Instrument:      req.Instrument,
		Side:            req.Side,
		Price:           req.Price,
		Qty:             req.Qty,
		State:           core.Active,
	}
	d.orch.OnNewOrderAdded(ack)
	return nil
}

func TestFatalOnCorrelationConflict(t *testing.T) {
	f := newFixture(t, core.TradingContextParams{})
	ctx := context.Background()

	dup := &dupAckTrader{stalledTrader: stalledTrader{name: "alpha"}, orch: f.orch}
	f.orch.SetConnectors(map[string]connector.TradeConnector{"alpha": dup}, nil)

	_, err := f.orch.AddOrder(ctx, "alpha", "BTC-USD", core.Buy, dec(t, "100"), dec(t, "1"))
	require.NoError(t, err)

	// The second ack reuses the exchange id: an unrecoverable state.
	_, err = f.orch.AddOrder(ctx, "alpha", "BTC-USD", core.Buy, dec(t, "100"), dec(t, "1"))
	require.NoError(t, err)

	select {
	case fatalErr := <-f.orch.Fatal():
		assert.ErrorIs(t, fatalErr, correlation.ErrConflict)
	case <-time.After(time.Second):
		t.Fatal("expected a fatal error")
	}
}

func TestBookUpdateRouting(t *testing.T) {
	f := newFixture(t, core.TradingContextParams{})

	f.pushSnapshot(t, f.alpha, "BTC-USD", 1, "100", "100.5")
	view, ok := f.books.View("alpha", "BTC-USD")
	require.True(t, ok)
	assert.Equal(t, uint64(1), view.Sequence)

	// A gapped delta breaks the book; the orchestrator requests a fresh
	// snapshot (a no-op on the sim venue) and the book stays broken until
	// one arrives.
	one := fpdecimal.FromInt(int64(1))
	f.alpha.PushBook(&core.BookUpdate{
		Instrument: "BTC-USD",
		Sequence:   5,
		Kind:       core.Delta,
		Bids:       []core.PriceLevel{core.NewPriceLevel(dec(t, "100"), one, "")},
		Time:       f.clock.Now(),
	})
	view, _ = f.books.View("alpha", "BTC-USD")
	assert.True(t, view.Broken)

	f.pushSnapshot(t, f.alpha, "BTC-USD", 9, "100", "100.5")
	view, _ = f.books.View("alpha", "BTC-USD")
	assert.False(t, view.Broken)
}
