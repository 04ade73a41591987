// Package sim implements an in-memory exchange venue. It backs the paper
// trading mode and the orchestrator tests: orders are acknowledged
// immediately, fills and market data are injected by the caller. Callbacks
// are delivered synchronously, which keeps tests deterministic.
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nikolaydubina/fpdecimal"

	"github.com/quantegy/crossbook/pkg/connector"
	"github.com/quantegy/crossbook/pkg/core"
)

// Venue is a simulated exchange implementing both the market-data and the
// hedge-capable trade connector interfaces.
type Venue struct {
	name   string
	md     connector.MarketDataHandler
	orders connector.OrderEventHandler
	limits connector.LimitHandler

	mu        sync.Mutex
	connected bool
	resting   map[string]*core.OrderRecord
	prepared  []connector.OrderRequest
	nextID    uint64
	rejectAll bool

	balances  []core.Balance
	positions []core.Position
}

var (
	_ connector.MarketDataConnector = (*Venue)(nil)
	_ connector.HedgeConnector      = (*Venue)(nil)
)

// NewVenue creates a simulated venue delivering events to the given handlers
func NewVenue(name string, md connector.MarketDataHandler, orders connector.OrderEventHandler) *Venue {
	return &Venue{
		name:    name,
		md:      md,
		orders:  orders,
		resting: make(map[string]*core.OrderRecord),
	}
}

// SetLimitHandler registers the receiver for tradable-limit updates
func (v *Venue) SetLimitHandler(h connector.LimitHandler) {
	v.limits = h
}

// RejectOrders makes every subsequent order command fail, for tests
func (v *Venue) RejectOrders(reject bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rejectAll = reject
}

// Exchange returns the venue name
func (v *Venue) Exchange() string { return v.name }

// Connect marks the venue connected and signals the handler
func (v *Venue) Connect(_ context.Context) error {
	v.mu.Lock()
	v.connected = true
	v.mu.Unlock()
	v.md.OnConnected(v.name)
	return nil
}

// Disconnect marks the venue disconnected and signals the handler
func (v *Venue) Disconnect() error {
	v.mu.Lock()
	v.connected = false
	v.mu.Unlock()
	v.md.OnDisconnected(v.name)
	return nil
}

// SubscribeMarketData is a no-op: the venue has no feed of its own, data is
// injected with PushBook/PushTicker.
func (v *Venue) SubscribeMarketData(string) error { return nil }

// PushBook injects a canonical book update, routing snapshots and deltas to
// the respective handler callbacks.
func (v *Venue) PushBook(u *core.BookUpdate) {
	u.Exchange = v.name
	if u.Kind == core.Snapshot {
		v.md.OnBookSnapshot(u)
		return
	}
	v.md.OnBookUpdate(u)
}

// PushTicker injects a canonical ticker
func (v *Venue) PushTicker(t *core.Ticker) {
	t.Exchange = v.name
	v.md.OnTicker(t)
}

// PushError injects a connector error
func (v *Venue) PushError(err *core.ConnError) {
	v.md.OnError(v.name, err)
}

// PushLimits injects tradable limits, if a limit handler is registered
func (v *Venue) PushLimits(limits []core.TradeLimit) {
	if v.limits == nil {
		return
	}
	for i := range limits {
		limits[i].Exchange = v.name
	}
	v.limits.OnLimits(limits)
}

// SetBalances sets the balances reported by GetPosAndMoney
func (v *Venue) SetBalances(balances []core.Balance) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.balances = balances
}

// SetPositions sets the positions reported by GetPosAndMoney
func (v *Venue) SetPositions(positions []core.Position) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.positions = positions
}

func (v *Venue) exchangeOrderID() string {
	v.nextID++
	return fmt.Sprintf("%s-%d", v.name, v.nextID)
}

func (v *Venue) record(req connector.OrderRequest) *core.OrderRecord {
	now := time.Now()
	return &core.OrderRecord{
		ClientOrderID: req.ClientOrderID,
		Exchange:      v.name,
		Instrument:    core.NormalizeInstrument(req.Instrument),
		Side:          req.Side,
		Price:         req.Price,
		Qty:           req.Qty,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// AddOrder accepts or rejects a new order and delivers the outcome
func (v *Venue) AddOrder(_ context.Context, req connector.OrderRequest) error {
	v.mu.Lock()
	rec := v.record(req)
	if v.rejectAll {
		rec.State = core.ChildOrderRejected
		v.mu.Unlock()
		v.orders.OnExecutionReport(rec)
		return nil
	}
	rec.ExchangeOrderID = v.exchangeOrderID()
	rec.State = core.Active
	v.resting[rec.ClientOrderID] = rec
	v.mu.Unlock()

	v.orders.OnNewOrderAdded(rec)
	return nil
}

// PrepareOrder stages an order without transmitting it
func (v *Venue) PrepareOrder(req connector.OrderRequest) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.prepared = append(v.prepared, req)
	return nil
}

// SendPreparedOrders transmits every staged order
func (v *Venue) SendPreparedOrders(ctx context.Context) error {
	v.mu.Lock()
	staged := v.prepared
	v.prepared = nil
	v.mu.Unlock()

	for _, req := range staged {
		if err := v.AddOrder(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

// CancelOrder cancels a resting order and delivers the confirmation
func (v *Venue) CancelOrder(_ context.Context, clientOrderID, _ string) error {
	v.mu.Lock()
	rec, ok := v.resting[clientOrderID]
	if !ok {
		v.mu.Unlock()
		return core.ErrNonexistentOrder
	}
	delete(v.resting, clientOrderID)
	rec.State = core.Cancelled
	rec.UpdatedAt = time.Now()
	v.mu.Unlock()

	v.orders.OnOrderCanceled(rec)
	return nil
}

// ReplaceOrder atomically cancels the old order and rests the replacement.
// The old record is delivered through OnOrderReplaced with ReplacedBy set,
// then the new order through OnNewOrderAdded.
func (v *Venue) ReplaceOrder(_ context.Context, req connector.ReplaceRequest) error {
	v.mu.Lock()
	old, ok := v.resting[req.OldClientOrderID]
	if !ok {
		v.mu.Unlock()
		return core.ErrNonexistentOrder
	}
	delete(v.resting, req.OldClientOrderID)
	old.State = core.ChildOrderPlaced
	old.ReplacedBy = req.NewClientOrderID
	old.UpdatedAt = time.Now()

	now := time.Now()
	replacement := &core.OrderRecord{
		ClientOrderID:   req.NewClientOrderID,
		ExchangeOrderID: v.exchangeOrderID(),
		Exchange:        v.name,
		Instrument:      old.Instrument,
		Side:            old.Side,
		Price:           req.Price,
		Qty:             req.Qty,
		State:           core.Active,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	v.resting[replacement.ClientOrderID] = replacement
	v.mu.Unlock()

	v.orders.OnOrderReplaced(old)
	v.orders.OnNewOrderAdded(replacement)
	return nil
}

// GetActiveOrders delivers the current resting orders
func (v *Venue) GetActiveOrders(_ context.Context, _ string) error {
	v.mu.Lock()
	out := make([]*core.OrderRecord, 0, len(v.resting))
	for _, rec := range v.resting {
		out = append(out, rec)
	}
	v.mu.Unlock()

	v.orders.OnActiveOrdersList(out)
	return nil
}

// GetPosAndMoney delivers the configured balances and positions
func (v *Venue) GetPosAndMoney(_ context.Context, _ string) error {
	v.mu.Lock()
	balances := make([]core.Balance, len(v.balances))
	copy(balances, v.balances)
	positions := make([]core.Position, len(v.positions))
	copy(positions, v.positions)
	v.mu.Unlock()
	for i := range balances {
		balances[i].Exchange = v.name
	}
	for i := range positions {
		positions[i].Exchange = v.name
	}

	v.orders.OnBalances(balances)
	v.orders.OnPositions(positions)
	return nil
}

// AddHedgeOrder behaves like AddOrder; the slippage allowance is already
// priced into the request by the orchestrator.
func (v *Venue) AddHedgeOrder(ctx context.Context, req connector.HedgeOrderRequest) error {
	return v.AddOrder(ctx, req.OrderRequest)
}

// Fill executes qty against a resting order and delivers the execution
// report. The order goes terminal once fully traded.
func (v *Venue) Fill(clientOrderID string, qty, fee fpdecimal.Decimal) error {
	v.mu.Lock()
	rec, ok := v.resting[clientOrderID]
	if !ok {
		v.mu.Unlock()
		return core.ErrNonexistentOrder
	}
	rec.TradeQty = rec.TradeQty.Add(qty)
	rec.TradeFee = rec.TradeFee.Add(fee)
	rec.UpdatedAt = time.Now()
	if rec.TradeQty.GreaterThanOrEqual(rec.Qty) {
		rec.State = core.Filled
		delete(v.resting, clientOrderID)
	}
	v.mu.Unlock()

	v.orders.OnExecutionReport(rec)
	return nil
}
