package clickhouse

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config holds the connection settings for ClickHouse.
//
// ClickHouse processes data in blocks; MaxBlockSize is the recommended maximum
// number of rows per block when reading. Ledger rows are small, so the
// default favours fewer round trips over memory.
// See https://clickhouse.com/docs/operations/settings/settings
type Config struct {
	Hosts                []string `env:"CLICKHOUSE_HOSTS" envSeparator:"," envDefault:"localhost:9000"`
	Database             string   `env:"CLICKHOUSE_DATABASE" envDefault:"default"`
	Username             string   `env:"CLICKHOUSE_USERNAME" envDefault:"default"`
	Password             string   `env:"CLICKHOUSE_PASSWORD" envDefault:""`
	Debug                bool     `env:"CLICKHOUSE_DEBUG" envDefault:"false"`
	InsecureSkipVerify   bool     `env:"CLICKHOUSE_INSECURE_SKIP_VERIFY" envDefault:"true"`
	MaxExecutionTime     int      `env:"CLICKHOUSE_MAX_EXECUTION_TIME" envDefault:"60"` // seconds
	DialTimeout          int      `env:"CLICKHOUSE_DIAL_TIMEOUT" envDefault:"30"`       // seconds
	MaxOpenConns         int      `env:"CLICKHOUSE_MAX_OPEN_CONNS" envDefault:"5"`
	MaxIdleConns         int      `env:"CLICKHOUSE_MAX_IDLE_CONNS" envDefault:"5"`
	ConnMaxLifetime      int      `env:"CLICKHOUSE_CONN_MAX_LIFETIME" envDefault:"10"` // minutes
	BlockBufferSize      int      `env:"CLICKHOUSE_BLOCK_BUFFER_SIZE" envDefault:"10"`
	MaxBlockSize         int      `env:"CLICKHOUSE_MAX_BLOCK_SIZE" envDefault:"10000"`
	MaxCompressionBuffer int      `env:"CLICKHOUSE_MAX_COMPRESSION_BUFFER" envDefault:"10240"` // bytes
	ClientName           string   `env:"CLICKHOUSE_CLIENT_NAME" envDefault:"ledger-importer"`
	ClientVersion        string   `env:"CLICKHOUSE_CLIENT_VERSION" envDefault:"1.0"`

	LedgersTable      string `env:"CLICKHOUSE_LEDGERS_TABLE" envDefault:"ledgers"`
	TransactionsTable string `env:"CLICKHOUSE_TRANSACTIONS_TABLE" envDefault:"transactions"`
	CheckpointTable   string `env:"CLICKHOUSE_CHECKPOINT_TABLE" envDefault:"validator_checkpoints"`
}

// Load reads the ClickHouse configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse clickhouse config: %w", err)
	}
	if len(cfg.Hosts) == 0 {
		return Config{}, fmt.Errorf("parse clickhouse config: no hosts")
	}
	return cfg, nil
}
