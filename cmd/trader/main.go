package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantegy/crossbook/config"
	"github.com/quantegy/crossbook/pkg/books"
	"github.com/quantegy/crossbook/pkg/connector"
	"github.com/quantegy/crossbook/pkg/connector/sim"
	"github.com/quantegy/crossbook/pkg/core"
	"github.com/quantegy/crossbook/pkg/correlation"
	"github.com/quantegy/crossbook/pkg/db/queue"
	"github.com/quantegy/crossbook/pkg/messaging"
	"github.com/quantegy/crossbook/pkg/messaging/kafka"
	"github.com/quantegy/crossbook/pkg/orchestrator"
	"github.com/quantegy/crossbook/pkg/otel"
	redisstore "github.com/quantegy/crossbook/pkg/store/redis"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Setup logging
	level, err := zerolog.ParseLevel(cfg.Server.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}

	// Configure global logger
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	if cfg.Server.LogFormat == "pretty" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}

	// Create default context with logger
	ctx := logger.WithContext(context.Background())

	// Initialize OpenTelemetry
	cleanup, err := otel.Init(otel.Config{
		ServiceName:    "crossbook",
		ServiceVersion: "1.0.0",
		Endpoint:       "localhost:4317", // Change this to your collector endpoint
	})
	if err != nil {
		log.Fatalf("Failed to initialize OpenTelemetry: %v", err)
	}
	defer cleanup()

	if err := otel.StartRuntimeMetrics(); err != nil {
		logger.Warn().Err(err).Msg("Failed to start runtime metrics collection")
	}

	tctx := cfg.TradingContext()

	// Order book registry
	manager := books.NewManager(books.Config{
		Depth:            cfg.Trading.BookDepth,
		DefaultPolicy:    core.NonDecreasing,
		Policies:         cfg.SequencePolicies(),
		CrossCheckExempt: tctx.CrossCheckExempt,
	})

	// Execution report pipeline (optional; trading continues without it)
	var reports messaging.ReportSender
	if cfg.Kafka.Pipeline == "writer" {
		if sender, err := kafka.NewKafkaReportSender(cfg.Kafka.BrokerAddr, cfg.Kafka.Topic); err != nil {
			logger.Warn().Err(err).Msg("Kafka unavailable, execution reports disabled")
		} else {
			reports = sender
			defer sender.Close()
		}
	} else {
		if sender, err := queue.NewPooledReportSender(); err != nil {
			logger.Warn().Err(err).Msg("Kafka unavailable, execution reports disabled")
		} else {
			reports = sender
			defer sender.Close()
		}
	}

	// The consumer is for developer purposes: it pretty-prints the reports
	// flowing through the queue.
	if consumer, err := kafka.SetupConsumer(ctx, logger); err == nil && consumer != nil {
		defer consumer.Close()
	}

	// Terminal-order archive
	redisstore.SetDefaultRedisOptions(&redisstore.RedisOptions{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	archive := redisstore.NewArchiveStore(redisstore.GetRedisClient(), "crossbook", zap.NewNop())
	defer archive.Close()

	ocfg, err := orchestrator.LoadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load orchestrator configuration")
	}

	orch, err := orchestrator.New(orchestrator.Params{
		Config:  ocfg,
		Trading: tctx,
		Books:   manager,
		Index:   correlation.NewIndex(),
		Reports: reports,
		Archive: archive,
		Logger:  logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create orchestrator")
	}

	// Paper-trading venues, one per subscribed exchange. Real exchange
	// connectors register here instead when wired in.
	traders := make(map[string]connector.TradeConnector)
	feeds := make(map[string]connector.MarketDataConnector)
	venues := make(map[string]*sim.Venue)
	for _, sub := range tctx.Subscriptions() {
		if _, ok := venues[sub.Exchange]; ok {
			continue
		}
		venue := sim.NewVenue(sub.Exchange, orch, orch)
		venue.SetLimitHandler(orch)
		venues[sub.Exchange] = venue
		traders[sub.Exchange] = venue
		feeds[sub.Exchange] = venue
	}
	orch.SetConnectors(traders, feeds)

	for name, venue := range venues {
		if err := venue.Connect(ctx); err != nil {
			logger.Error().Err(err).Str("exchange", name).Msg("Failed to connect venue")
		}
	}

	if err := orch.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start orchestrator")
	}

	// Wait for interrupt signal or a fatal invariant violation
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")
	case err := <-orch.Fatal():
		logger.Error().Err(err).Msg("Fatal error, shutting down")
	}

	// Graceful shutdown: the orchestrator cancels resting orders best-effort
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := orch.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Orchestrator shutdown error")
	}

	for name, venue := range venues {
		if err := venue.Disconnect(); err != nil {
			logger.Error().Err(err).Str("exchange", name).Msg("Failed to disconnect venue")
		}
	}

	logger.Info().Msg("Shutdown complete")
}
