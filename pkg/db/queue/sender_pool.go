package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/quantegy/crossbook/pkg/messaging"
)

var (
	senderPool   chan messaging.ReportSender
	poolInitOnce sync.Once
	maxPoolSize  = 32
)

// initSenderPool initializes the sender pool
func initSenderPool() {
	poolInitOnce.Do(func() {
		senderPool = make(chan messaging.ReportSender, maxPoolSize)
		// Pre-populate the entire pool
		for i := 0; i < maxPoolSize; i++ {
			sender, err := NewQueueReportSender()
			if err != nil {
				fmt.Printf("Error creating sender: %v\n", err)
				continue
			}
			senderPool <- sender
		}
	})
}

// GetSender gets a sender from the pool
func GetSender() messaging.ReportSender {
	initSenderPool()

	select {
	case sender := <-senderPool:
		return sender
	default:
		// If pool is empty, something is wrong - log and return nil
		fmt.Printf("Warning: sender pool is empty\n")
		return nil
	}
}

// ReturnSender returns a sender to the pool
func ReturnSender(sender messaging.ReportSender) {
	if sender == nil {
		return
	}

	select {
	case senderPool <- sender:
		// Successfully returned to pool
	default:
		// If pool is full, something is wrong - log and close
		fmt.Printf("Warning: sender pool is full\n")
		_ = sender.Close()
	}
}

// SendReport sends an execution report using a pooled sender
func SendReport(ctx context.Context, report *messaging.ExecutionReport) error {
	sender := GetSender()
	if sender == nil {
		return fmt.Errorf("failed to get report sender from pool")
	}

	if err := sender.SendExecutionReport(ctx, report); err != nil {
		// Do not return a broken sender to the pool.
		_ = sender.Close()
		return err
	}
	ReturnSender(sender)
	return nil
}

// PooledReportSender adapts the sender pool to the ReportSender interface so
// the order path can publish through pooled sarama producers.
type PooledReportSender struct{}

// NewPooledReportSender builds the pool up front so broker connectivity
// problems surface at startup rather than on the first report.
func NewPooledReportSender() (*PooledReportSender, error) {
	initSenderPool()
	if len(senderPool) == 0 {
		return nil, fmt.Errorf("no report senders could be created for the pool")
	}
	return &PooledReportSender{}, nil
}

// SendExecutionReport publishes one report through a pooled producer
func (p *PooledReportSender) SendExecutionReport(ctx context.Context, report *messaging.ExecutionReport) error {
	return SendReport(ctx, report)
}

// Close drains the pool and closes every producer in it
func (p *PooledReportSender) Close() error {
	for {
		select {
		case sender := <-senderPool:
			_ = sender.Close()
		default:
			return nil
		}
	}
}

var _ messaging.ReportSender = (*PooledReportSender)(nil)
