package messaging

import (
	"context"
	"sync"
)

// MockReportSender is an in-memory implementation of ReportSender for testing.
type MockReportSender struct {
	mu      sync.Mutex
	reports []*ExecutionReport
}

// NewMockReportSender creates a new MockReportSender.
func NewMockReportSender() *MockReportSender {
	return &MockReportSender{}
}

// SendExecutionReport records the report.
func (m *MockReportSender) SendExecutionReport(_ context.Context, report *ExecutionReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, report)
	return nil
}

// Reports returns a copy of everything sent so far.
func (m *MockReportSender) Reports() []*ExecutionReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*ExecutionReport, len(m.reports))
	copy(out, m.reports)
	return out
}

// Close does nothing.
func (m *MockReportSender) Close() error {
	return nil
}

// Ensure MockReportSender implements ReportSender
var _ ReportSender = (*MockReportSender)(nil)
