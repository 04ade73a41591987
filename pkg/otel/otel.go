package otel

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	ServiceBookEngine   = "book-engine"
	ServiceOrchestrator = "trade-orchestrator"
)

var (
	bookEngineTracer     trace.Tracer
	orchestratorTracer   trace.Tracer
	bookEngineResource   *sdkresource.Resource
	orchestratorResource *sdkresource.Resource
	bookTracerProvider   *sdktrace.TracerProvider
	orchTracerProvider   *sdktrace.TracerProvider
	meterProvider        *sdkmetric.MeterProvider
)

// Config holds the OpenTelemetry configuration
type Config struct {
	ServiceName      string
	ServiceVersion   string
	Endpoint         string
	ConnectTimeout   time.Duration
	ReconnectDelay   time.Duration
	CollectorEnabled bool
}

// Init initializes OpenTelemetry with the given configuration
func Init(cfg Config) (func(), error) {
	if cfg.ServiceVersion == "" {
		cfg.ServiceVersion = "0.1.0"
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = 10 * time.Second
	}

	var cleanup []func()

	// Initialize resources for both services
	bookEngineResource = initResource(ServiceBookEngine, cfg.ServiceVersion)
	orchestratorResource = initResource(ServiceOrchestrator, cfg.ServiceVersion)

	if cfg.CollectorEnabled {
		bookTP, err := initTracerProvider(cfg, bookEngineResource)
		if err != nil {
			log.Printf("Warning: Failed to initialize book engine tracer provider: %v", err)
		} else {
			bookTracerProvider = bookTP
			cleanup = append(cleanup, func() {
				ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
				defer cancel()
				if err := bookTP.Shutdown(ctx); err != nil {
					log.Printf("Error shutting down book engine tracer provider: %v", err)
				}
			})
		}

		orchTP, err := initTracerProvider(cfg, orchestratorResource)
		if err != nil {
			log.Printf("Warning: Failed to initialize orchestrator tracer provider: %v", err)
		} else {
			orchTracerProvider = orchTP
			cleanup = append(cleanup, func() {
				ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
				defer cancel()
				if err := orchTP.Shutdown(ctx); err != nil {
					log.Printf("Error shutting down orchestrator tracer provider: %v", err)
				}
			})
		}
	}

	// Meter provider is shared between the two services
	if cfg.CollectorEnabled {
		mp, err := initMeterProvider(cfg, bookEngineResource)
		if err != nil {
			log.Printf("Warning: Failed to initialize meter provider: %v. Continuing without metrics.", err)
		} else {
			meterProvider = mp
			cleanup = append(cleanup, func() {
				ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
				defer cancel()
				if err := mp.Shutdown(ctx); err != nil {
					log.Printf("Error shutting down meter provider: %v", err)
				}
			})
		}
	}

	if bookTracerProvider != nil {
		bookEngineTracer = bookTracerProvider.Tracer(ServiceBookEngine)
	}
	if orchTracerProvider != nil {
		orchestratorTracer = orchTracerProvider.Tracer(ServiceOrchestrator)
	}

	return func() {
		for _, fn := range cleanup {
			fn()
		}
	}, nil
}

func initResource(serviceName, serviceVersion string) *sdkresource.Resource {
	extraResources, err := sdkresource.New(
		context.Background(),
		sdkresource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
		sdkresource.WithOS(),
		sdkresource.WithProcess(),
		sdkresource.WithContainer(),
		sdkresource.WithHost(),
	)
	if err != nil {
		log.Printf("Failed to create resource: %v", err)
		return sdkresource.Default()
	}

	resource, err := sdkresource.Merge(
		sdkresource.Default(),
		extraResources,
	)
	if err != nil {
		log.Printf("Failed to merge resources: %v", err)
		return sdkresource.Default()
	}

	return resource
}

func initTracerProvider(cfg Config, resource *sdkresource.Resource) (*sdktrace.TracerProvider, error) {
	ctx := context.Background()

	conn, err := grpc.DialContext(ctx, cfg.Endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithTimeout(cfg.ConnectTimeout),
	)
	if err != nil {
		return nil, err
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithGRPCConn(conn),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource),
		sdktrace.WithSampler(sdktrace.ParentBased(
			sdktrace.TraceIDRatioBased(1),
		)),
	)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	otel.SetTracerProvider(tp)

	return tp, nil
}

func initMeterProvider(cfg Config, resource *sdkresource.Resource) (*sdkmetric.MeterProvider, error) {
	ctx := context.Background()

	conn, err := grpc.DialContext(ctx, cfg.Endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithTimeout(cfg.ConnectTimeout),
	)
	if err != nil {
		return nil, err
	}

	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithGRPCConn(conn),
	)
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(5*time.Second))),
		sdkmetric.WithResource(resource),
	)

	otel.SetMeterProvider(mp)

	return mp, nil
}

// GetBookEngineTracer returns the tracer for the book engine
func GetBookEngineTracer() trace.Tracer {
	return bookEngineTracer
}

// GetOrchestratorTracer returns the tracer for the trade orchestrator
func GetOrchestratorTracer() trace.Tracer {
	return orchestratorTracer
}

// GetMeterProvider returns the global meter provider
func GetMeterProvider() metric.MeterProvider {
	return meterProvider
}

// ResetForTesting resets the global variables for testing
func ResetForTesting() {
	bookEngineTracer = nil
	orchestratorTracer = nil
	bookTracerProvider = nil
	orchTracerProvider = nil
}

// InitForTesting initializes the tracers for testing
func InitForTesting(tracer trace.Tracer) error {
	bookEngineTracer = tracer
	orchestratorTracer = tracer
	return nil
}
