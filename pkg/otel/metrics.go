package otel

import (
	"context"
	"runtime"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	instrumentationName = "github.com/quantegy/crossbook/pkg/otel"
)

var (
	tradingMetrics     *TradingMetrics
	tradingMetricsOnce sync.Once
)

// TradingMetrics holds the metrics instruments for order lifecycle monitoring
type TradingMetrics struct {
	// Traffic metrics
	ordersPlacedTotal metric.Int64Counter
	ordersInFlight    metric.Int64UpDownCounter

	// Outcome metrics
	stateTransitions metric.Int64Counter
	rejectionsTotal  metric.Int64Counter

	// Readiness metrics
	suspendedTotal metric.Int64Counter

	// Saturation metrics
	goroutinesCount metric.Int64UpDownCounter
}

// NewTradingMetrics creates a new TradingMetrics instance
func NewTradingMetrics(meter metric.Meter) (*TradingMetrics, error) {
	ordersPlacedTotal, err := meter.Int64Counter(
		"trading.orders.placed.total",
		metric.WithDescription("Total number of orders submitted"),
		metric.WithUnit("{order}"),
	)
	if err != nil {
		return nil, err
	}

	ordersInFlight, err := meter.Int64UpDownCounter(
		"trading.orders.in_flight",
		metric.WithDescription("Number of orders awaiting exchange acknowledgement"),
		metric.WithUnit("{order}"),
	)
	if err != nil {
		return nil, err
	}

	stateTransitions, err := meter.Int64Counter(
		"trading.orders.transitions.total",
		metric.WithDescription("Total number of order state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, err
	}

	rejectionsTotal, err := meter.Int64Counter(
		"trading.orders.rejections.total",
		metric.WithDescription("Total number of exchange rejections"),
		metric.WithUnit("{order}"),
	)
	if err != nil {
		return nil, err
	}

	suspendedTotal, err := meter.Int64Counter(
		"trading.instruments.suspended.total",
		metric.WithDescription("Total number of stuck-book trading suspensions"),
		metric.WithUnit("{instrument}"),
	)
	if err != nil {
		return nil, err
	}

	goroutinesCount, err := meter.Int64UpDownCounter(
		"process.goroutines",
		metric.WithDescription("Current number of goroutines"),
		metric.WithUnit("{goroutine}"),
	)
	if err != nil {
		return nil, err
	}

	return &TradingMetrics{
		ordersPlacedTotal: ordersPlacedTotal,
		ordersInFlight:    ordersInFlight,
		stateTransitions:  stateTransitions,
		rejectionsTotal:   rejectionsTotal,
		suspendedTotal:    suspendedTotal,
		goroutinesCount:   goroutinesCount,
	}, nil
}

// GetTradingMetrics returns the TradingMetrics singleton
func GetTradingMetrics() *TradingMetrics {
	tradingMetricsOnce.Do(func() {
		m, err := NewTradingMetrics(meter)
		if err != nil {
			tradingMetrics = &TradingMetrics{}
			return
		}
		tradingMetrics = m
	})
	return tradingMetrics
}

// RecordOrderPlaced counts one submitted order and marks it in flight
func (m *TradingMetrics) RecordOrderPlaced(ctx context.Context, exchange, instrument string) {
	if m.ordersPlacedTotal == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("exchange", exchange),
		attribute.String("instrument", instrument),
	)
	m.ordersPlacedTotal.Add(ctx, 1, attrs)
	m.ordersInFlight.Add(ctx, 1, attrs)
}

// RecordOrderSettled marks an in-flight order as acknowledged or rejected
func (m *TradingMetrics) RecordOrderSettled(ctx context.Context, exchange, instrument string) {
	if m.ordersInFlight == nil {
		return
	}
	m.ordersInFlight.Add(ctx, -1, metric.WithAttributes(
		attribute.String("exchange", exchange),
		attribute.String("instrument", instrument),
	))
}

// RecordTransition counts one order state transition
func (m *TradingMetrics) RecordTransition(ctx context.Context, exchange, state string) {
	if m.stateTransitions == nil {
		return
	}
	m.stateTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("exchange", exchange),
		attribute.String("order.state", state),
	))
}

// RecordRejection counts one exchange rejection
func (m *TradingMetrics) RecordRejection(ctx context.Context, exchange, instrument string) {
	if m.rejectionsTotal == nil {
		return
	}
	m.rejectionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("exchange", exchange),
		attribute.String("instrument", instrument),
	))
}

// RecordSuspension counts one stuck-book trading suspension
func (m *TradingMetrics) RecordSuspension(ctx context.Context, exchange, instrument string) {
	if m.suspendedTotal == nil {
		return
	}
	m.suspendedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("exchange", exchange),
		attribute.String("instrument", instrument),
	))
}

// UpdateGoroutines records the current goroutine count
func (m *TradingMetrics) UpdateGoroutines(ctx context.Context) {
	if m.goroutinesCount == nil {
		return
	}
	m.goroutinesCount.Add(ctx, int64(runtime.NumGoroutine()))
}
