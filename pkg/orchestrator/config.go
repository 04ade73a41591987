package orchestrator

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the runtime tuning parameters of the orchestrator
type Config struct {
	// Sweep settings
	SweepInterval           time.Duration
	StuckEscalationMultiple int

	// Order command settings
	SendTimeout       time.Duration
	HedgeSlippageFrac float64
}

// LoadConfig loads orchestrator tuning from environment variables
func LoadConfig() (*Config, error) {
	v := viper.New()

	// Set default values
	v.SetDefault("SWEEP_INTERVAL_MS", 500)
	v.SetDefault("STUCK_ESCALATION_MULTIPLE", 3)
	v.SetDefault("SEND_TIMEOUT_SECONDS", 5)
	v.SetDefault("HEDGE_SLIPPAGE_FRAC", 0.001)

	// Allow environment variables, scoped so generic names cannot collide
	// with unrelated process env.
	v.SetEnvPrefix("CROSSBOOK")
	v.AutomaticEnv()

	cfg := &Config{
		SweepInterval:           time.Duration(v.GetInt("SWEEP_INTERVAL_MS")) * time.Millisecond,
		StuckEscalationMultiple: v.GetInt("STUCK_ESCALATION_MULTIPLE"),
		SendTimeout:             time.Duration(v.GetInt("SEND_TIMEOUT_SECONDS")) * time.Second,
		HedgeSlippageFrac:       v.GetFloat64("HEDGE_SLIPPAGE_FRAC"),
	}

	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func validateConfig(cfg *Config) error {
	if cfg.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL_MS must be positive")
	}
	if cfg.StuckEscalationMultiple < 1 {
		return fmt.Errorf("STUCK_ESCALATION_MULTIPLE must be at least 1")
	}
	if cfg.SendTimeout <= 0 {
		return fmt.Errorf("SEND_TIMEOUT_SECONDS must be positive")
	}
	if cfg.HedgeSlippageFrac < 0 || cfg.HedgeSlippageFrac >= 1 {
		return fmt.Errorf("HEDGE_SLIPPAGE_FRAC must be in [0, 1)")
	}
	return nil
}
