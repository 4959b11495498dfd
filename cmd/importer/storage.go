package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xrpl-data/ledger-importer/pkg/checkpointer"
	"github.com/xrpl-data/ledger-importer/pkg/clickhouse"
	"github.com/xrpl-data/ledger-importer/pkg/data/clickhouse/checkpoint"
	"github.com/xrpl-data/ledger-importer/pkg/data/clickhouse/ledgerrepo"
	"github.com/xrpl-data/ledger-importer/pkg/data/postgres"
	"github.com/xrpl-data/ledger-importer/pkg/importer"
)

// storage is the opened ledger store with its checkpoint table.
type storage struct {
	ledgers     importer.LedgerWriter
	reader      checkpointer.LedgerReader
	checkpoints checkpointer.Checkpointer
	close       func()
}

func openStorage(ctx context.Context, cfg *Config, log *zap.SugaredLogger) (*storage, error) {
	switch cfg.Store {
	case storePostgres:
		store, err := postgres.New(ctx, cfg.PostgresURL, log)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return &storage{ledgers: store, reader: store, checkpoints: store, close: store.Close}, nil

	case storeClickHouse:
		chCfg, err := clickhouse.Load()
		if err != nil {
			return nil, fmt.Errorf("failed to load ClickHouse config: %w", err)
		}
		client, err := clickhouse.New(ctx, chCfg, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create ClickHouse client: %w", err)
		}
		closeClient := func() {
			if err := client.Close(); err != nil {
				log.Warnw("failed to close ClickHouse client", "error", err)
			}
		}

		repo, err := ledgerrepo.New(ctx, client, chCfg.Database, chCfg.LedgersTable, chCfg.TransactionsTable)
		if err != nil {
			closeClient()
			return nil, fmt.Errorf("failed to create ledger repository: %w", err)
		}
		cp := checkpoint.NewRepository(client, chCfg.Database, chCfg.CheckpointTable)
		if err := cp.Initialize(ctx); err != nil {
			closeClient()
			return nil, fmt.Errorf("failed to initialize checkpoint table: %w", err)
		}
		log.Infow("ClickHouse store ready",
			"database", chCfg.Database,
			"ledgersTable", chCfg.LedgersTable,
			"transactionsTable", chCfg.TransactionsTable,
			"checkpointTable", chCfg.CheckpointTable,
		)
		return &storage{ledgers: repo, reader: repo, checkpoints: cp, close: closeClient}, nil

	default:
		return nil, fmt.Errorf("invalid store %q", cfg.Store)
	}
}

// validatorStore wraps the checkpoint table with write retries.
func (s *storage) validatorStore(log *zap.SugaredLogger) *checkpointer.Store {
	retrying := checkpointer.NewRetrying(s.checkpoints, checkpointer.DefaultConfig(), log)
	return checkpointer.NewStore(s.reader, retrying)
}
