package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	// bookMetrics holds the singleton instance
	bookMetrics *BookMetrics
	// meter is the global meter for order book metrics
	meter = otel.GetMeterProvider().Meter(instrumentationName)
)

// BookMetrics holds metrics for order book maintenance
type BookMetrics struct {
	// Latency of applying a snapshot or delta to a book
	applyDuration metric.Float64Histogram
	// Total number of books marked broken by sequence gaps
	brokenTotal metric.Int64Counter
}

// GetBookMetrics returns the BookMetrics singleton
func GetBookMetrics() *BookMetrics {
	if bookMetrics == nil {
		applyDuration, err := meter.Float64Histogram(
			"book.apply.duration",
			metric.WithDescription("Time taken to apply one book update"),
			metric.WithUnit("s"),
		)
		if err != nil {
			return &BookMetrics{}
		}
		brokenTotal, err := meter.Int64Counter(
			"book.broken.total",
			metric.WithDescription("Total number of books marked broken by sequence gaps"),
			metric.WithUnit("{book}"),
		)
		if err != nil {
			return &BookMetrics{}
		}

		bookMetrics = &BookMetrics{
			applyDuration: applyDuration,
			brokenTotal:   brokenTotal,
		}
	}

	return bookMetrics
}

// RecordApply records the latency of one book apply
func (m *BookMetrics) RecordApply(ctx context.Context, exchange, instrument, kind string, d time.Duration) {
	if m.applyDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("exchange", exchange),
		attribute.String("instrument", instrument),
		attribute.String("update.kind", kind),
	}
	m.applyDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))
}

// RecordBroken increments the broken-book counter
func (m *BookMetrics) RecordBroken(ctx context.Context, exchange, instrument string) {
	if m.brokenTotal == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("exchange", exchange),
		attribute.String("instrument", instrument),
	}
	m.brokenTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}
