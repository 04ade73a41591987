package messaging

import (
	"context"
	"time"
)

// ReportSender defines an interface for publishing execution reports.
// This helps decouple the orchestrator from specific implementations
// like Kafka in the queue package.
type ReportSender interface {
	SendExecutionReport(ctx context.Context, report *ExecutionReport) error
	Close() error
}

// ExecutionReport is the message published for every order state
// transition and execution.
type ExecutionReport struct {
	ClientOrderID   string
	ExchangeOrderID string
	Exchange        string
	Instrument      string
	Side            string
	State           string
	Price           string
	Qty             string
	TradeQty        string
	TradeFee        string
	Timestamp       time.Time
}
