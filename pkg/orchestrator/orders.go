package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/nikolaydubina/fpdecimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/quantegy/crossbook/pkg/connector"
	"github.com/quantegy/crossbook/pkg/core"
	"github.com/quantegy/crossbook/pkg/correlation"
	"github.com/quantegy/crossbook/pkg/messaging"
	"github.com/quantegy/crossbook/pkg/otel"
)

// AddOrder submits a new order directly. The returned record starts Pending;
// the transition to Active (or a terminal rejection) arrives through the
// connector callbacks.
func (o *Orchestrator) AddOrder(ctx context.Context, exchange, instrument string, side core.Side, price, qty fpdecimal.Decimal) (*core.OrderRecord, error) {
	trader, ok := o.traders[exchange]
	if !ok {
		return nil, fmt.Errorf("%s: %w", exchange, ErrUnknownConnector)
	}

	rec, err := o.register(exchange, instrument, side, price, qty)
	if err != nil {
		return nil, err
	}

	ctx, span := otel.StartOrderSpan(ctx, otel.SpanAddOrder,
		attribute.String(otel.AttributeOrderID, rec.ClientOrderID),
		attribute.String(otel.AttributeExchange, exchange),
		attribute.String(otel.AttributeInstrument, rec.Instrument),
	)
	if span != nil {
		defer span.End()
	}

	if err := trader.AddOrder(ctx, orderRequest(rec)); err != nil {
		o.reject(ctx, rec.ClientOrderID, err)
		return rec, fmt.Errorf("add order %s: %w", rec.ClientOrderID, err)
	}
	otel.GetTradingMetrics().RecordOrderPlaced(ctx, exchange, rec.Instrument)
	return rec, nil
}

// AddHedgeOrder places a hedge order on the exchange, priced from that
// venue's current ready price with the configured slippage allowance. The
// readiness checks apply: a broken, crossed, stale or wide book refuses the
// hedge rather than pricing it blind.
func (o *Orchestrator) AddHedgeOrder(ctx context.Context, exchange, instrument string, side core.Side, qty fpdecimal.Decimal) (*core.OrderRecord, error) {
	trader, ok := o.traders[exchange]
	if !ok {
		return nil, fmt.Errorf("%s: %w", exchange, ErrUnknownConnector)
	}
	hedger, ok := trader.(connector.HedgeConnector)
	if !ok {
		return nil, fmt.Errorf("%s: %w", exchange, ErrNotHedgeCapable)
	}

	price, err := o.ReadyPrice(exchange, instrument)
	if err != nil {
		return nil, err
	}
	limit := HedgePrice(side, price, o.cfg.HedgeSlippageFrac)

	rec, err := o.register(exchange, instrument, side, limit, qty)
	if err != nil {
		return nil, err
	}

	ctx, span := otel.StartOrderSpan(ctx, otel.SpanHedgeOrder,
		attribute.String(otel.AttributeOrderID, rec.ClientOrderID),
		attribute.String(otel.AttributeExchange, exchange),
		attribute.String(otel.AttributeInstrument, rec.Instrument),
		attribute.String(otel.AttributeOrderPrice, limit.String()),
	)
	if span != nil {
		defer span.End()
	}

	req := connector.HedgeOrderRequest{
		OrderRequest:      orderRequest(rec),
		SlippagePriceFrac: o.cfg.HedgeSlippageFrac,
	}
	if err := hedger.AddHedgeOrder(ctx, req); err != nil {
		o.reject(ctx, rec.ClientOrderID, err)
		return rec, fmt.Errorf("add hedge order %s: %w", rec.ClientOrderID, err)
	}
	otel.GetTradingMetrics().RecordOrderPlaced(ctx, exchange, rec.Instrument)
	return rec, nil
}

// PrepareOrder stages an order on its connector without transmitting it
func (o *Orchestrator) PrepareOrder(exchange, instrument string, side core.Side, price, qty fpdecimal.Decimal) (*core.OrderRecord, error) {
	trader, ok := o.traders[exchange]
	if !ok {
		return nil, fmt.Errorf("%s: %w", exchange, ErrUnknownConnector)
	}

	rec, err := o.register(exchange, instrument, side, price, qty)
	if err != nil {
		return nil, err
	}

	if err := trader.PrepareOrder(orderRequest(rec)); err != nil {
		o.reject(context.Background(), rec.ClientOrderID, err)
		return rec, fmt.Errorf("prepare order %s: %w", rec.ClientOrderID, err)
	}

	o.mu.Lock()
	o.prepared[exchange] = append(o.prepared[exchange], rec.ClientOrderID)
	o.mu.Unlock()
	return rec, nil
}

// SendPreparedOrders transmits every staged order and waits for each one to
// be acknowledged or rejected. This is the only blocking order command; the
// wait is bounded by ctx and the configured send timeout, whichever is
// shorter.
func (o *Orchestrator) SendPreparedOrders(ctx context.Context) error {
	o.mu.Lock()
	staged := o.prepared
	o.prepared = make(map[string][]string)
	waiting := make([]chan struct{}, 0)
	ids := make([]string, 0)
	for _, clientIDs := range staged {
		for _, id := range clientIDs {
			if ch, ok := o.acks[id]; ok {
				waiting = append(waiting, ch)
				ids = append(ids, id)
			}
		}
	}
	o.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, o.cfg.SendTimeout)
	defer cancel()

	var firstErr error
	for exchange := range staged {
		trader, ok := o.traders[exchange]
		if !ok {
			firstErr = fmt.Errorf("%s: %w", exchange, ErrUnknownConnector)
			continue
		}
		if err := trader.SendPreparedOrders(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("send prepared orders on %s: %w", exchange, err)
		}
	}

	for i, ch := range waiting {
		select {
		case <-ch:
		case <-ctx.Done():
			return fmt.Errorf("waiting for ack of %s: %w", ids[i], ctx.Err())
		}
	}
	return firstErr
}

// CancelOrder requests cancellation of a live order. The record stays live
// until the exchange confirms through OnOrderCanceled.
func (o *Orchestrator) CancelOrder(ctx context.Context, clientOrderID string) error {
	o.mu.Lock()
	rec, ok := o.orders[clientOrderID]
	if !ok {
		o.mu.Unlock()
		return core.ErrNonexistentOrder
	}
	if rec.State.Terminal() {
		o.mu.Unlock()
		return core.ErrTerminalOrder
	}
	exchange := rec.Exchange
	o.mu.Unlock()

	trader, ok := o.traders[exchange]
	if !ok {
		return fmt.Errorf("%s: %w", exchange, ErrUnknownConnector)
	}

	ctx, span := otel.StartOrderSpan(ctx, otel.SpanCancelOrder,
		attribute.String(otel.AttributeOrderID, clientOrderID),
		attribute.String(otel.AttributeExchange, exchange),
	)
	if span != nil {
		defer span.End()
	}

	return trader.CancelOrder(ctx, clientOrderID, core.NewRequestID())
}

// ReplaceOrder cancels the old order and creates its successor with new
// price and qty. The old record is marked superseded before the connector is
// called, so at no point do both orders count as live exposure.
func (o *Orchestrator) ReplaceOrder(ctx context.Context, oldClientOrderID string, price, qty fpdecimal.Decimal) (*core.OrderRecord, error) {
	o.mu.Lock()
	old, ok := o.orders[oldClientOrderID]
	if !ok {
		o.mu.Unlock()
		return nil, core.ErrNonexistentOrder
	}
	if old.State.Terminal() || old.Superseded {
		o.mu.Unlock()
		return nil, core.ErrTerminalOrder
	}
	exchange, instrument, side := old.Exchange, old.Instrument, old.Side
	o.mu.Unlock()

	trader, ok := o.traders[exchange]
	if !ok {
		return nil, fmt.Errorf("%s: %w", exchange, ErrUnknownConnector)
	}

	replacement, err := o.register(exchange, instrument, side, price, qty)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	old.Superseded = true
	old.ReplacedBy = replacement.ClientOrderID
	old.UpdatedAt = o.now()
	o.mu.Unlock()

	ctx, span := otel.StartOrderSpan(ctx, otel.SpanReplaceOrder,
		attribute.String(otel.AttributeOrderID, replacement.ClientOrderID),
		attribute.String(otel.AttributeExchange, exchange),
		attribute.String(otel.AttributeInstrument, instrument),
	)
	if span != nil {
		defer span.End()
	}

	req := connector.ReplaceRequest{
		OldClientOrderID: oldClientOrderID,
		NewClientOrderID: replacement.ClientOrderID,
		Price:            price,
		Qty:              qty,
		RequestID:        core.NewRequestID(),
	}
	if err := trader.ReplaceOrder(ctx, req); err != nil {
		// The exchange never saw the replace; the old order still rests.
		o.mu.Lock()
		old.Superseded = false
		old.ReplacedBy = ""
		o.mu.Unlock()
		o.reject(ctx, replacement.ClientOrderID, err)
		return nil, fmt.Errorf("replace order %s: %w", oldClientOrderID, err)
	}
	otel.GetTradingMetrics().RecordOrderPlaced(ctx, exchange, instrument)
	return replacement, nil
}

// Order returns a copy of the tracked record for the client order id
func (o *Orchestrator) Order(clientOrderID string) (core.OrderRecord, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.orders[clientOrderID]
	if !ok {
		return core.OrderRecord{}, false
	}
	return *rec, true
}

// Exposure sums the unfilled quantity of every live order on the pair.
// Superseded and terminal orders are excluded.
func (o *Orchestrator) Exposure(exchange, instrument string) fpdecimal.Decimal {
	instrument = core.NormalizeInstrument(instrument)
	total := fpdecimal.Zero

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, rec := range o.orders {
		if rec.Exchange != exchange || rec.Instrument != instrument {
			continue
		}
		if !rec.LiveExposure() {
			continue
		}
		total = total.Add(rec.Qty.Sub(rec.TradeQty))
	}
	return total
}

// register creates a Pending record and starts tracking it
func (o *Orchestrator) register(exchange, instrument string, side core.Side, price, qty fpdecimal.Decimal) (*core.OrderRecord, error) {
	rec, err := core.NewOrderRecord(exchange, instrument, side, price, qty)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return nil, ErrStopped
	}
	if _, exists := o.orders[rec.ClientOrderID]; exists {
		return nil, core.ErrDuplicateOrderID
	}
	o.orders[rec.ClientOrderID] = rec
	o.acks[rec.ClientOrderID] = make(chan struct{})
	return rec, nil
}

// reject transitions a record to its terminal rejected state after a
// submission failure. Rejections are reported, never retried here.
func (o *Orchestrator) reject(ctx context.Context, clientOrderID string, cause error) {
	o.mu.Lock()
	rec, ok := o.orders[clientOrderID]
	if !ok {
		o.mu.Unlock()
		return
	}
	rec.State = core.ChildOrderRejected
	rec.UpdatedAt = o.now()
	copied := *rec
	o.closeAckLocked(clientOrderID)
	o.mu.Unlock()

	otel.GetTradingMetrics().RecordRejection(ctx, copied.Exchange, copied.Instrument)
	o.logger.Warn().
		Err(cause).
		Str("client_order_id", clientOrderID).
		Str("exchange", copied.Exchange).
		Str("instrument", copied.Instrument).
		Msg("Order rejected")
	o.finalize(ctx, &copied)
}

func orderRequest(rec *core.OrderRecord) connector.OrderRequest {
	return connector.OrderRequest{
		ClientOrderID: rec.ClientOrderID,
		Instrument:    rec.Instrument,
		Side:          rec.Side,
		Price:         rec.Price,
		Qty:           rec.Qty,
		RequestID:     core.NewRequestID(),
	}
}

// closeAckLocked releases any SendPreparedOrders waiter. Callers hold o.mu.
func (o *Orchestrator) closeAckLocked(clientOrderID string) {
	if ch, ok := o.acks[clientOrderID]; ok {
		close(ch)
		delete(o.acks, clientOrderID)
	}
}

// --- order event callbacks -----------------------------------------------

// OnNewOrderAdded records the exchange acknowledgement: the order turns
// Active and its id pair enters the correlation index. An index conflict
// means local state no longer matches the exchange and is fatal.
func (o *Orchestrator) OnNewOrderAdded(ev *core.OrderRecord) {
	ctx := context.Background()

	o.mu.Lock()
	rec, ok := o.orders[ev.ClientOrderID]
	if !ok {
		o.mu.Unlock()
		o.logger.Warn().
			Str("client_order_id", ev.ClientOrderID).
			Msg("Acknowledgement for unknown order")
		return
	}
	rec.ExchangeOrderID = ev.ExchangeOrderID
	rec.State = core.Active
	rec.UpdatedAt = o.now()
	exchange := rec.Exchange
	o.closeAckLocked(ev.ClientOrderID)
	o.mu.Unlock()

	if err := o.index.TryAdd(ev.ClientOrderID, ev.ExchangeOrderID); err != nil {
		o.fatal(ctx, fmt.Errorf("correlation index conflict for %s/%s: %w",
			ev.ClientOrderID, ev.ExchangeOrderID, err))
		return
	}

	otel.GetTradingMetrics().RecordTransition(ctx, exchange, core.Active.String())
	o.report(ctx, ev.ClientOrderID)
}

// OnOrderCanceled finalizes a confirmed cancellation
func (o *Orchestrator) OnOrderCanceled(ev *core.OrderRecord) {
	o.settle(ev.ClientOrderID, core.Cancelled, ev)
}

// OnOrderReplaced finalizes the old half of a confirmed replace. The
// replacement arrives separately through OnNewOrderAdded.
func (o *Orchestrator) OnOrderReplaced(ev *core.OrderRecord) {
	o.settle(ev.ClientOrderID, core.ChildOrderPlaced, ev)
}

// OnExecutionReport merges fill progress into the record and finalizes it
// when the report carries a terminal state.
func (o *Orchestrator) OnExecutionReport(ev *core.OrderRecord) {
	ctx := context.Background()

	o.mu.Lock()
	rec, ok := o.orders[ev.ClientOrderID]
	if !ok {
		o.mu.Unlock()
		o.logger.Warn().
			Str("client_order_id", ev.ClientOrderID).
			Msg("Execution report for unknown order")
		return
	}
	rec.TradeQty = ev.TradeQty
	rec.TradeFee = ev.TradeFee
	if ev.ExchangeOrderID != "" {
		rec.ExchangeOrderID = ev.ExchangeOrderID
	}
	rec.State = ev.State
	rec.UpdatedAt = o.now()
	copied := *rec
	o.closeAckLocked(ev.ClientOrderID)
	o.mu.Unlock()

	otel.GetTradingMetrics().RecordTransition(ctx, copied.Exchange, copied.State.String())
	if copied.State == core.ChildOrderRejected {
		otel.GetTradingMetrics().RecordRejection(ctx, copied.Exchange, copied.Instrument)
	}
	if copied.State.Terminal() {
		o.finalize(ctx, &copied)
		return
	}
	o.report(ctx, copied.ClientOrderID)
}

// OnActiveOrdersList logs exchange-side orders unknown locally; those are
// exposure the orchestrator cannot account for.
func (o *Orchestrator) OnActiveOrdersList(orders []*core.OrderRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, ev := range orders {
		if _, ok := o.orders[ev.ClientOrderID]; !ok {
			o.logger.Warn().
				Str("client_order_id", ev.ClientOrderID).
				Str("exchange_order_id", ev.ExchangeOrderID).
				Str("exchange", ev.Exchange).
				Msg("Exchange reports order unknown locally")
		}
	}
}

// OnBalances stores the latest balance report per exchange
func (o *Orchestrator) OnBalances(balances []core.Balance) {
	if len(balances) == 0 {
		return
	}
	o.mu.Lock()
	o.balances[balances[0].Exchange] = balances
	o.mu.Unlock()
}

// OnPositions stores the latest position report per exchange
func (o *Orchestrator) OnPositions(positions []core.Position) {
	if len(positions) == 0 {
		return
	}
	o.mu.Lock()
	o.positions[positions[0].Exchange] = positions
	o.mu.Unlock()
}

// OnLimits stores the latest tradable limits
func (o *Orchestrator) OnLimits(limits []core.TradeLimit) {
	if len(limits) == 0 {
		return
	}
	o.mu.Lock()
	o.limits[limits[0].Exchange] = limits
	o.mu.Unlock()
}

// Balances returns the latest balance report for the exchange
func (o *Orchestrator) Balances(exchange string) []core.Balance {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.balances[exchange]
}

// Positions returns the latest position report for the exchange
func (o *Orchestrator) Positions(exchange string) []core.Position {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.positions[exchange]
}

// settle moves a record to the given terminal state and finalizes it
func (o *Orchestrator) settle(clientOrderID string, state core.OrderState, ev *core.OrderRecord) {
	ctx := context.Background()

	o.mu.Lock()
	rec, ok := o.orders[clientOrderID]
	if !ok {
		o.mu.Unlock()
		o.logger.Warn().
			Str("client_order_id", clientOrderID).
			Str("state", state.String()).
			Msg("Confirmation for unknown order")
		return
	}
	rec.State = state
	if ev.ReplacedBy != "" {
		rec.ReplacedBy = ev.ReplacedBy
	}
	rec.UpdatedAt = o.now()
	copied := *rec
	o.closeAckLocked(clientOrderID)
	o.mu.Unlock()

	otel.GetTradingMetrics().RecordTransition(ctx, copied.Exchange, state.String())
	o.finalize(ctx, &copied)
}

// finalize reconciles a terminal record: the correlation entry is removed,
// the report published, the record archived and dropped from live tracking.
func (o *Orchestrator) finalize(ctx context.Context, rec *core.OrderRecord) {
	if rec.ExchangeOrderID != "" {
		if err := o.index.Remove(rec.ClientOrderID, rec.ExchangeOrderID); err != nil &&
			!errors.Is(err, correlation.ErrPairMismatch) {
			o.logger.Warn().
				Err(err).
				Str("client_order_id", rec.ClientOrderID).
				Msg("Failed to remove correlation entry")
		}
	}

	otel.GetTradingMetrics().RecordOrderSettled(ctx, rec.Exchange, rec.Instrument)
	o.publish(ctx, rec)

	if o.archive != nil {
		if err := o.archive.ArchiveOrder(ctx, rec); err != nil {
			o.logger.Warn().
				Err(err).
				Str("client_order_id", rec.ClientOrderID).
				Msg("Failed to archive order")
		}
	}

	o.mu.Lock()
	delete(o.orders, rec.ClientOrderID)
	o.mu.Unlock()
}

// report publishes the current state of a live order
func (o *Orchestrator) report(ctx context.Context, clientOrderID string) {
	o.mu.Lock()
	rec, ok := o.orders[clientOrderID]
	if !ok {
		o.mu.Unlock()
		return
	}
	copied := *rec
	o.mu.Unlock()
	o.publish(ctx, &copied)
}

func (o *Orchestrator) publish(ctx context.Context, rec *core.OrderRecord) {
	if o.reports == nil {
		return
	}
	report := &messaging.ExecutionReport{
		ClientOrderID:   rec.ClientOrderID,
		ExchangeOrderID: rec.ExchangeOrderID,
		Exchange:        rec.Exchange,
		Instrument:      rec.Instrument,
		Side:            rec.Side.String(),
		State:           rec.State.String(),
		Price:           rec.Price.String(),
		Qty:             rec.Qty.String(),
		TradeQty:        rec.TradeQty.String(),
		TradeFee:        rec.TradeFee.String(),
		Timestamp:       o.now(),
	}
	if err := o.reports.SendExecutionReport(ctx, report); err != nil {
		o.logger.Warn().
			Err(err).
			Str("client_order_id", rec.ClientOrderID).
			Msg("Failed to publish execution report")
	}
}

var (
	_ connector.MarketDataHandler = (*Orchestrator)(nil)
	_ connector.OrderEventHandler = (*Orchestrator)(nil)
	_ connector.LimitHandler      = (*Orchestrator)(nil)
)
