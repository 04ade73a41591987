package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// Span names
	SpanAddOrder     = "add_order"
	SpanReplaceOrder = "replace_order"
	SpanCancelOrder  = "cancel_order"
	SpanHedgeOrder   = "hedge_order"
	SpanApplyBook    = "apply_book_update"

	// Attribute keys
	AttributeOrderID       = "order.client_id"
	AttributeOrderSide     = "order.side"
	AttributeOrderQuantity = "order.quantity"
	AttributeOrderPrice    = "order.price"
	AttributeOrderState    = "order.state"
	AttributeExchange      = "exchange"
	AttributeInstrument    = "instrument"
	AttributeSequence      = "book.sequence"
)

// StartOrderSpan starts a new span for an order or book operation
func StartOrderSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	var tracer trace.Tracer

	switch name {
	case SpanApplyBook:
		tracer = GetBookEngineTracer()
	default:
		tracer = GetOrchestratorTracer()
	}

	if tracer == nil {
		return ctx, nil
	}
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// AddAttributes adds attributes to a span
func AddAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span == nil {
		return
	}
	span.SetAttributes(attrs...)
}
