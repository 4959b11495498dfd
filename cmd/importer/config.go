package main

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/xrpl-data/ledger-importer/pkg/backfill"
	"github.com/xrpl-data/ledger-importer/pkg/metrics"
	"github.com/xrpl-data/ledger-importer/pkg/validator"
)

// Config holds all configuration for the importer commands. Backend and
// Kafka client settings are read from the environment by their packages.
type Config struct {
	// Application settings
	Verbose bool

	// Store settings
	Store       string
	PostgresURL string

	// Source settings
	RPCURL          string
	WSURL           string
	Genesis         uint64
	BackfillWindow  int
	BackfillStagger time.Duration
	LedgerCacheSize int

	// Backfill command range
	Start uint64
	Stop  uint64

	// Validator settings
	ValidatorInterval   time.Duration
	MaxReimportAttempts int
	StartIndex          uint64
	LagWatchdogInterval time.Duration
	LagWatchdogMaxLag   uint64

	KafkaEnabled bool

	// Metrics settings
	MetricsHost   string
	MetricsPort   int
	Network       string
	Environment   string
	Region        string
	CloudProvider string
}

// MetricsAddr returns the formatted metrics address
func (c *Config) MetricsAddr() string {
	return fmt.Sprintf("%s:%d", c.MetricsHost, c.MetricsPort)
}

// BackfillConfig returns the backfill settings shared by live gap filling
// and the backfill command.
func (c *Config) BackfillConfig() backfill.Config {
	return backfill.Config{
		Genesis:             c.Genesis,
		Window:              c.BackfillWindow,
		Stagger:             c.BackfillStagger,
		IncludeTransactions: true,
	}
}

// ValidatorConfig returns the validator settings. replay selects replay mode
// starting at StartIndex.
func (c *Config) ValidatorConfig(replay bool) validator.Config {
	cfg := validator.DefaultConfig(c.Genesis)
	if c.ValidatorInterval > 0 {
		cfg.Interval = c.ValidatorInterval
	}
	if c.MaxReimportAttempts > 0 {
		cfg.MaxReimportAttempts = c.MaxReimportAttempts
	}
	if replay {
		cfg.Replay = true
		cfg.StartIndex = c.StartIndex
	}
	return cfg
}

// MetricsLabels returns the constant labels for every metric.
func (c *Config) MetricsLabels() metrics.Labels {
	return metrics.Labels{
		Network:       c.Network,
		Environment:   c.Environment,
		Region:        c.Region,
		CloudProvider: c.CloudProvider,
	}
}

// buildConfig builds a Config from CLI context flags
func buildConfig(c *cli.Context) (*Config, error) {
	cfg := &Config{
		Verbose:             c.Bool("verbose"),
		Store:               c.String("store"),
		PostgresURL:         c.String("postgres-url"),
		RPCURL:              c.String("rpc-url"),
		WSURL:               c.String("ws-url"),
		Genesis:             c.Uint64("genesis-index"),
		BackfillWindow:      c.Int("backfill-window"),
		BackfillStagger:     c.Duration("backfill-stagger"),
		LedgerCacheSize:     c.Int("ledger-cache-size"),
		Start:               c.Uint64("start"),
		Stop:                c.Uint64("stop"),
		ValidatorInterval:   c.Duration("validator-interval"),
		MaxReimportAttempts: c.Int("max-reimport-attempts"),
		StartIndex:          c.Uint64("start-index"),
		LagWatchdogInterval: c.Duration("lag-watchdog-interval"),
		LagWatchdogMaxLag:   c.Uint64("lag-watchdog-max-lag"),
		KafkaEnabled:        c.Bool("kafka-enabled"),
		MetricsHost:         c.String("metrics-host"),
		MetricsPort:         c.Int("metrics-port"),
		Network:             c.String("network"),
		Environment:         c.String("environment"),
		Region:              c.String("region"),
		CloudProvider:       c.String("cloud-provider"),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store {
	case storeClickHouse:
	case storePostgres:
		if c.PostgresURL == "" {
			return fmt.Errorf("postgres-url is required when store is %q", storePostgres)
		}
	default:
		return fmt.Errorf("invalid store %q: must be %q or %q", c.Store, storeClickHouse, storePostgres)
	}
	if c.Start != 0 && c.Stop != 0 && c.Stop > c.Start {
		return fmt.Errorf("invalid range: stop %d is above start %d", c.Stop, c.Start)
	}
	if c.StartIndex != 0 && c.StartIndex < c.Genesis {
		return fmt.Errorf("start-index %d is below genesis index %d", c.StartIndex, c.Genesis)
	}
	return nil
}
