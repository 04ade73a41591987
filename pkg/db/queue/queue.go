// Package queue is the sarama-based Kafka pipeline for execution reports:
// a pooled producer used by the hot order path and a partition consumer used
// by the development tooling to tail the report stream.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"

	"github.com/quantegy/crossbook/pkg/messaging"
)

var (
	brokerList = "localhost:9092"
	topic      = "execution-reports"
)

// newSyncProducer is swapped out by tests
var newSyncProducer = sarama.NewSyncProducer

// SetBrokerList overrides the Kafka broker address used by this package
func SetBrokerList(addr string) {
	if addr != "" {
		brokerList = addr
	}
}

// SetTopic overrides the Kafka topic used by this package
func SetTopic(t string) {
	if t != "" {
		topic = t
	}
}

// QueueReportSender implements the ReportSender interface for sending
// execution reports to Kafka through sarama.
type QueueReportSender struct {
	producer sarama.SyncProducer
}

// NewQueueReportSender creates a sender with its own sarama producer
func NewQueueReportSender() (*QueueReportSender, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.Retry.Max = 5

	producer, err := newSyncProducer([]string{brokerList}, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	return &QueueReportSender{producer: producer}, nil
}

// SendExecutionReport sends the report to the Kafka queue
func (q *QueueReportSender) SendExecutionReport(_ context.Context, report *messaging.ExecutionReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal execution report: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(report.ClientOrderID),
		Value: sarama.ByteEncoder(data),
	}

	if _, _, err := q.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("failed to send message to Kafka: %w", err)
	}
	return nil
}

// Close shuts down the underlying producer
func (q *QueueReportSender) Close() error {
	return q.producer.Close()
}

// Ensure QueueReportSender implements ReportSender
var _ messaging.ReportSender = (*QueueReportSender)(nil)

// QueueReportConsumer tails execution reports from Kafka
type QueueReportConsumer struct {
	consumer sarama.Consumer
}

// NewQueueReportConsumer creates a consumer against the configured broker
func NewQueueReportConsumer() (*QueueReportConsumer, error) {
	consumer, err := sarama.NewConsumer([]string{brokerList}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka consumer: %w", err)
	}
	return &QueueReportConsumer{consumer: consumer}, nil
}

// ConsumeExecutionReports reads reports from the newest offset and invokes
// handler for each. It returns when the partition consumer's message channel
// closes or handler fails.
func (c *QueueReportConsumer) ConsumeExecutionReports(handler func(*messaging.ExecutionReport) error) error {
	partitionConsumer, err := c.consumer.ConsumePartition(topic, 0, sarama.OffsetNewest)
	if err != nil {
		return fmt.Errorf("failed to consume partition: %w", err)
	}
	defer partitionConsumer.Close()

	for msg := range partitionConsumer.Messages() {
		var report messaging.ExecutionReport
		if err := json.Unmarshal(msg.Value, &report); err != nil {
			// Skip malformed messages rather than stopping the tail.
			continue
		}
		if err := handler(&report); err != nil {
			return err
		}
	}
	return nil
}

// Close shuts down the underlying consumer
func (c *QueueReportConsumer) Close() error {
	return c.consumer.Close()
}
