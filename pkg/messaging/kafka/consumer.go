package kafka

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/quantegy/crossbook/pkg/db/queue"
	"github.com/quantegy/crossbook/pkg/messaging"
)

// SetupConsumer initializes and starts the Kafka consumer for tailing
// execution reports. It is a development aid: reports are pretty-printed to
// the log as they arrive.
func SetupConsumer(ctx context.Context, logger zerolog.Logger) (*queue.QueueReportConsumer, error) {
	kafkaConsumer, err := queue.NewQueueReportConsumer()
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to create Kafka consumer - continuing without Kafka support")
		return nil, err
	}

	go func() {
		logger.Info().Msg("Starting Kafka consumer")
		err := kafkaConsumer.ConsumeExecutionReports(func(report *messaging.ExecutionReport) error {
			logger.Info().
				Str("client_order_id", report.ClientOrderID).
				Str("exchange_order_id", report.ExchangeOrderID).
				Str("exchange", report.Exchange).
				Str("instrument", report.Instrument).
				Str("side", report.Side).
				Str("state", report.State).
				Str("price", report.Price).
				Str("qty", report.Qty).
				Str("trade_qty", report.TradeQty).
				Str("trade_fee", report.TradeFee).
				Msg("Received execution report")
			return nil
		})
		if err != nil {
			logger.Error().Err(err).Msg("Kafka consumer error")
		}
	}()

	return kafkaConsumer, nil
}
