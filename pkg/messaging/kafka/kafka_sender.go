package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/quantegy/crossbook/pkg/messaging"
)

// KafkaReportSender implements ReportSender using Kafka
type KafkaReportSender struct {
	writer *kafka.Writer
	topic  string
}

// NewKafkaReportSender creates a new Kafka report sender
func NewKafkaReportSender(brokerAddr, topic string) (*KafkaReportSender, error) {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokerAddr),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
	}

	return &KafkaReportSender{
		writer: writer,
		topic:  topic,
	}, nil
}

// SendExecutionReport sends an execution report to Kafka. Messages are keyed
// by client order id so one order's lifecycle stays on one partition.
func (k *KafkaReportSender) SendExecutionReport(ctx context.Context, report *messaging.ExecutionReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal execution report: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(report.ClientOrderID),
		Value: data,
		Time:  time.Now(),
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err = k.writer.WriteMessages(ctx, msg)
	if err != nil {
		return fmt.Errorf("failed to send message to Kafka: %w", err)
	}

	return nil
}

// Close closes the Kafka writer
func (k *KafkaReportSender) Close() error {
	return k.writer.Close()
}

// Ensure KafkaReportSender implements ReportSender
var _ messaging.ReportSender = (*KafkaReportSender)(nil)
