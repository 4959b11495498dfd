package main

import (
	"time"

	"github.com/urfave/cli/v2"

	"github.com/xrpl-data/ledger-importer/pkg/backfill"
	"github.com/xrpl-data/ledger-importer/pkg/validator"
)

const (
	storeClickHouse = "clickhouse"
	storePostgres   = "postgres"
)

func storeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"v"},
			Usage:   "Enable verbose logging",
			EnvVars: []string{"VERBOSE"},
		},
		&cli.StringFlag{
			Name:    "store",
			Usage:   "Ledger store backend (clickhouse or postgres). ClickHouse is configured through CLICKHOUSE_* variables",
			EnvVars: []string{"STORE"},
			Value:   storeClickHouse,
		},
		&cli.StringFlag{
			Name:    "postgres-url",
			Usage:   "PostgreSQL connection URL, required when --store=postgres",
			EnvVars: []string{"POSTGRES_URL"},
		},
	}
}

func sourceFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "rpc-url",
			Aliases:  []string{"r"},
			Usage:    "The rippled JSON-RPC URL to fetch ledgers from",
			EnvVars:  []string{"RPC_URL"},
			Required: true,
		},
		&cli.Uint64Flag{
			Name:    "genesis-index",
			Usage:   "The lowest ledger index available on the network",
			EnvVars: []string{"GENESIS_INDEX"},
			Value:   backfill.DefaultGenesis,
		},
		&cli.IntFlag{
			Name:    "backfill-window",
			Usage:   "Maximum number of ledgers fetched or buffered at once by a backfill",
			EnvVars: []string{"BACKFILL_WINDOW"},
			Value:   backfill.DefaultWindow,
		},
		&cli.DurationFlag{
			Name:    "backfill-stagger",
			Usage:   "Delay per position below the next expected ledger before a backfill request is sent",
			EnvVars: []string{"BACKFILL_STAGGER"},
			Value:   backfill.DefaultStagger,
		},
		&cli.IntFlag{
			Name:    "ledger-cache-size",
			Usage:   "Number of validated ledgers cached by the source; 0 disables the cache",
			EnvVars: []string{"LEDGER_CACHE_SIZE"},
			Value:   256,
		},
	}
}

func kafkaFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:    "kafka-enabled",
			Usage:   "Publish ledgers and alerts to Kafka. The producer is configured through KAFKA_* variables",
			EnvVars: []string{"KAFKA_ENABLED"},
		},
	}
}

func metricsFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "metrics-host",
			Usage:   "Host for the Prometheus metrics server (empty for all interfaces)",
			EnvVars: []string{"METRICS_HOST"},
			Value:   "",
		},
		&cli.IntFlag{
			Name:    "metrics-port",
			Aliases: []string{"m"},
			Usage:   "Port for the Prometheus metrics server",
			EnvVars: []string{"METRICS_PORT"},
			Value:   9090,
		},
		&cli.StringFlag{
			Name:    "network",
			Usage:   "Ledger network label for metrics (e.g., mainnet, testnet)",
			EnvVars: []string{"NETWORK"},
		},
		&cli.StringFlag{
			Name:    "environment",
			Usage:   "Deployment environment label for metrics (e.g., production, staging)",
			EnvVars: []string{"ENVIRONMENT"},
		},
		&cli.StringFlag{
			Name:    "region",
			Usage:   "Cloud region label for metrics (e.g., us-east-1)",
			EnvVars: []string{"REGION"},
		},
		&cli.StringFlag{
			Name:    "cloud-provider",
			Usage:   "Cloud provider label for metrics (e.g., aws, gcp)",
			EnvVars: []string{"CLOUD_PROVIDER"},
		},
	}
}

func validatorFlags() []cli.Flag {
	return []cli.Flag{
		&cli.DurationFlag{
			Name:    "validator-interval",
			Usage:   "Time between validation cycles",
			EnvVars: []string{"VALIDATOR_INTERVAL"},
			Value:   validator.DefaultInterval,
		},
		&cli.IntFlag{
			Name:    "max-reimport-attempts",
			Usage:   "Re-import attempts for a missing or misplaced ledger before the cycle gives up",
			EnvVars: []string{"MAX_REIMPORT_ATTEMPTS"},
			Value:   validator.DefaultMaxReimportAttempts,
		},
		&cli.DurationFlag{
			Name:    "lag-watchdog-interval",
			Usage:   "How often to compare the validation checkpoint with the validated tip",
			EnvVars: []string{"LAG_WATCHDOG_INTERVAL"},
			Value:   time.Minute,
		},
		&cli.Uint64Flag{
			Name:    "lag-watchdog-max-lag",
			Usage:   "Warn when the checkpoint trails the validated tip by more than this many ledgers",
			EnvVars: []string{"LAG_WATCHDOG_MAX_LAG"},
			Value:   1000,
		},
	}
}

func runFlags() []cli.Flag {
	flags := concat(storeFlags(), sourceFlags(), kafkaFlags(), metricsFlags(), validatorFlags())
	return append(flags,
		&cli.StringFlag{
			Name:     "ws-url",
			Aliases:  []string{"w"},
			Usage:    "The rippled websocket URL to subscribe to ledger closes on",
			EnvVars:  []string{"WS_URL"},
			Required: true,
		},
	)
}

func backfillFlags() []cli.Flag {
	flags := concat(storeFlags(), sourceFlags(), kafkaFlags())
	return append(flags,
		&cli.Uint64Flag{
			Name:    "start",
			Aliases: []string{"s"},
			Usage:   "Highest ledger index to import. Defaults to the latest validated ledger",
			EnvVars: []string{"BACKFILL_START"},
		},
		&cli.Uint64Flag{
			Name:    "stop",
			Aliases: []string{"e"},
			Usage:   "Lowest ledger index to import. Defaults to the genesis index",
			EnvVars: []string{"BACKFILL_STOP"},
		},
	)
}

func validateFlags() []cli.Flag {
	return concat(storeFlags(), sourceFlags(), kafkaFlags(), metricsFlags(), validatorFlags())
}

func replayFlags() []cli.Flag {
	flags := concat(storeFlags(), sourceFlags(), kafkaFlags(), validatorFlags())
	return append(flags,
		&cli.Uint64Flag{
			Name:     "start-index",
			Usage:    "First ledger index to validate",
			EnvVars:  []string{"START_INDEX"},
			Required: true,
		},
	)
}

func concat(groups ...[]cli.Flag) []cli.Flag {
	var out []cli.Flag
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}
