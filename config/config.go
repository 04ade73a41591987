package config

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quantegy/crossbook/pkg/core"
	"github.com/quantegy/crossbook/pkg/db/queue"
)

// Subscription is one (exchange, instrument) market-data source
type Subscription struct {
	Exchange   string `yaml:"exchange"`
	Instrument string `yaml:"instrument"`
}

// ConversionLeg names the book converting an instrument's quote currency
// into the common fiat unit
type ConversionLeg struct {
	Exchange   string `yaml:"exchange"`
	Instrument string `yaml:"instrument"`
}

// Config represents the application configuration
type Config struct {
	Server struct {
		LogLevel  string `yaml:"log_level"`
		LogFormat string `yaml:"log_format"`
	} `yaml:"server"`

	Trading struct {
		Subscriptions    []Subscription           `yaml:"subscriptions"`
		Conversion       map[string]ConversionLeg `yaml:"conversion"`
		CrossCheckExempt []string                 `yaml:"cross_check_exempt"`
		MaxSpreadFrac    float64                  `yaml:"max_spread_frac"`
		MarginMarket     bool                     `yaml:"margin_market"`
		StuckTimeoutSec  int                      `yaml:"stuck_timeout_sec"`
		DataTimeoutSec   int                      `yaml:"data_timeout_sec"`
		BookDepth        int                      `yaml:"book_depth"`
		// SequencePolicies maps exchange name to "contiguous" or
		// "non_decreasing"; unlisted exchanges get non_decreasing.
		SequencePolicies map[string]string `yaml:"sequence_policies"`
	} `yaml:"trading"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Kafka struct {
		BrokerAddr string `yaml:"broker_addr"`
		Topic      string `yaml:"topic"`
		// Pipeline selects the producer stack: "pooled" uses the sarama
		// sender pool, "writer" a single kafka-go writer.
		Pipeline string `yaml:"pipeline"`
	} `yaml:"kafka"`
}

// Default configuration values
var (
	configFile    = flag.String("config", "", "Path to config file (YAML)")
	logLevel      = flag.String("log_level", "info", "Log level: debug, info, warn, error")
	logFormat     = flag.String("log_format", "pretty", "Log format: json, pretty")
	maxSpreadFrac = flag.Float64("max_spread_frac", 0.01, "Max ready-price spread fraction")
	stuckTimeout  = flag.Int("stuck_timeout_sec", 10, "Stuck-book timeout in seconds")
)

// LoadConfig loads the configuration from command line flags and optionally from a config file
func LoadConfig() (*Config, error) {
	// Parse command line flags
	flag.Parse()

	// Create default configuration
	config := &Config{}
	config.Server.LogLevel = *logLevel
	config.Server.LogFormat = *logFormat
	config.Trading.MaxSpreadFrac = *maxSpreadFrac
	config.Trading.StuckTimeoutSec = *stuckTimeout
	config.Trading.DataTimeoutSec = 30
	config.Trading.BookDepth = core.DefaultDepth
	config.Redis.Addr = "localhost:6379"
	config.Kafka.BrokerAddr = "localhost:9092"
	config.Kafka.Topic = "execution-reports"
	config.Kafka.Pipeline = "pooled"

	// Load configuration from file if specified
	if *configFile != "" {
		yamlFile, err := os.ReadFile(*configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		// Parse YAML configuration
		if err := yaml.Unmarshal(yamlFile, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}

		// Override Kafka configuration in package variables
		queue.SetBrokerList(config.Kafka.BrokerAddr)
		queue.SetTopic(config.Kafka.Topic)

		// Log loaded configuration
		log.Printf("Loaded configuration from %s", *configFile)
	}

	return config, nil
}

// TradingContext builds the immutable per-run trading configuration
func (c *Config) TradingContext() *core.TradingContext {
	subs := make([]core.Subscription, 0, len(c.Trading.Subscriptions))
	for _, s := range c.Trading.Subscriptions {
		subs = append(subs, core.Subscription{
			Exchange:   s.Exchange,
			Instrument: s.Instrument,
		})
	}
	conversion := make(map[string]core.ConversionLeg, len(c.Trading.Conversion))
	for instrument, leg := range c.Trading.Conversion {
		conversion[instrument] = core.ConversionLeg{
			Exchange:   leg.Exchange,
			Instrument: leg.Instrument,
		}
	}
	return core.NewTradingContext(core.TradingContextParams{
		Subscriptions:    subs,
		Conversion:       conversion,
		CrossCheckExempt: c.Trading.CrossCheckExempt,
		MaxSpreadFrac:    c.Trading.MaxSpreadFrac,
		MarginMarket:     c.Trading.MarginMarket,
		StuckTimeout:     time.Duration(c.Trading.StuckTimeoutSec) * time.Second,
		DataTimeout:      time.Duration(c.Trading.DataTimeoutSec) * time.Second,
	})
}

// SequencePolicies decodes the per-exchange sequence contracts
func (c *Config) SequencePolicies() map[string]core.SequencePolicy {
	out := make(map[string]core.SequencePolicy, len(c.Trading.SequencePolicies))
	for exchange, name := range c.Trading.SequencePolicies {
		if name == "contiguous" {
			out[exchange] = core.Contiguous
			continue
		}
		out[exchange] = core.NonDecreasing
	}
	return out
}
