// Package connector defines the capability interfaces implemented once per
// exchange, and the canonical callback sets through which connectors deliver
// market data and order lifecycle events to the core. The core depends only
// on these interfaces and the types in pkg/core.
package connector

import (
	"context"

	"github.com/nikolaydubina/fpdecimal"

	"github.com/quantegy/crossbook/pkg/core"
)

// MarketDataHandler receives market-data signals from a connector. All
// callbacks are invoked from the connector's own goroutine; updates for a
// single (exchange, instrument) pair arrive in delivery order.
type MarketDataHandler interface {
	OnConnected(exchange string)
	OnDisconnected(exchange string)
	OnError(exchange string, err *core.ConnError)
	OnBookSnapshot(u *core.BookUpdate)
	OnBookUpdate(u *core.BookUpdate)
	OnTicker(t *core.Ticker)
}

// OrderEventHandler receives order lifecycle signals from a trade connector
type OrderEventHandler interface {
	OnNewOrderAdded(o *core.OrderRecord)
	OnOrderCanceled(o *core.OrderRecord)
	OnOrderReplaced(o *core.OrderRecord)
	OnExecutionReport(o *core.OrderRecord)
	OnActiveOrdersList(orders []*core.OrderRecord)
	OnBalances(balances []core.Balance)
	OnPositions(positions []core.Position)
}

// LimitHandler receives tradable-limit updates from hedge-capable connectors
type LimitHandler interface {
	OnLimits(limits []core.TradeLimit)
}

// OrderRequest carries the parameters of a new order command
type OrderRequest struct {
	ClientOrderID string
	Instrument    string
	Side          core.Side
	Price         fpdecimal.Decimal
	Qty           fpdecimal.Decimal
	RequestID     string
}

// ReplaceRequest carries the parameters of a cancel/replace command
type ReplaceRequest struct {
	OldClientOrderID string
	NewClientOrderID string
	Price            fpdecimal.Decimal
	Qty              fpdecimal.Decimal
	RequestID        string
}

// HedgeOrderRequest is an OrderRequest with a slippage allowance that moves
// the limit price toward the far side to improve fill probability
type HedgeOrderRequest struct {
	OrderRequest
	SlippagePriceFrac float64
}

// MarketDataConnector is the market-data capability of one exchange
type MarketDataConnector interface {
	Exchange() string
	Connect(ctx context.Context) error
	Disconnect() error
	// SubscribeMarketData subscribes (or resubscribes) the instrument's
	// book and ticker feeds. A resubscription must produce a fresh
	// snapshot before any further deltas.
	SubscribeMarketData(instrument string) error
}

// TradeConnector is the order-entry capability of one exchange
type TradeConnector interface {
	Exchange() string
	AddOrder(ctx context.Context, req OrderRequest) error
	PrepareOrder(req OrderRequest) error
	SendPreparedOrders(ctx context.Context) error
	CancelOrder(ctx context.Context, clientOrderID, requestID string) error
	ReplaceOrder(ctx context.Context, req ReplaceRequest) error
	GetActiveOrders(ctx context.Context, requestID string) error
	GetPosAndMoney(ctx context.Context, requestID string) error
}

// HedgeConnector is a trade connector that can place hedge orders
type HedgeConnector interface {
	TradeConnector
	AddHedgeOrder(ctx context.Context, req HedgeOrderRequest) error
}
