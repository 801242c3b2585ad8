package replication

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	RedundancyTarget        int           `envconfig:"REDUNDANCY_TARGET" default:"5"`
	RequestTimeout          time.Duration `envconfig:"REQUEST_TIMEOUT" default:"15s"`
	MaxAttempts             int           `envconfig:"MAX_ATTEMPTS" default:"3"`
	SeedInterval            time.Duration `envconfig:"SEED_INTERVAL" default:"60s"`
	SeedInitialDelay        time.Duration `envconfig:"SEED_INITIAL_DELAY" default:"5s"`
	MaxConcurrentSeeds      int           `envconfig:"MAX_CONCURRENT_SEEDS" default:"3"`
	SeedDebounce            time.Duration `envconfig:"SEED_DEBOUNCE" default:"1s"`
	BandwidthSampleInterval time.Duration `envconfig:"BANDWIDTH_SAMPLE_INTERVAL" default:"30s"`
	BandwidthHistory        int           `envconfig:"BANDWIDTH_HISTORY" default:"2880"`
	ServeRateLimit          float64       `envconfig:"SERVE_RATE_LIMIT" default:"50"`
	ServeRateBurst          int           `envconfig:"SERVE_RATE_BURST" default:"100"`
}

// DefaultConfig returns the values GetConfig uses when nothing is set.
func DefaultConfig() Config {
	return Config{
		RedundancyTarget:        5,
		RequestTimeout:          15 * time.Second,
		MaxAttempts:             3,
		SeedInterval:            60 * time.Second,
		SeedInitialDelay:        5 * time.Second,
		MaxConcurrentSeeds:      3,
		SeedDebounce:            time.Second,
		BandwidthSampleInterval: 30 * time.Second,
		BandwidthHistory:        2880,
		ServeRateLimit:          50,
		ServeRateBurst:          100,
	}
}

func GetConfig() (*Config, error) {
	var cfg Config
	err := envconfig.Process("MESH", &cfg)
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

// withDefaults fills zero values so a partially populated Config is usable.
func (c Config) withDefaults() Config {
	d := DefaultConfig()

	if c.RedundancyTarget < 1 {
		c.RedundancyTarget = d.RedundancyTarget
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.SeedInterval <= 0 {
		c.SeedInterval = d.SeedInterval
	}
	if c.SeedInitialDelay < 0 {
		c.SeedInitialDelay = d.SeedInitialDelay
	}
	if c.MaxConcurrentSeeds < 1 {
		c.MaxConcurrentSeeds = d.MaxConcurrentSeeds
	}
	if c.SeedDebounce <= 0 {
		c.SeedDebounce = d.SeedDebounce
	}
	if c.BandwidthSampleInterval <= 0 {
		c.BandwidthSampleInterval = d.BandwidthSampleInterval
	}
	if c.BandwidthHistory < 1 {
		c.BandwidthHistory = d.BandwidthHistory
	}
	if c.ServeRateLimit <= 0 {
		c.ServeRateLimit = d.ServeRateLimit
	}
	if c.ServeRateBurst < 1 {
		c.ServeRateBurst = d.ServeRateBurst
	}

	return c
}
