package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/xrpl-data/ledger-importer/pkg/utils"
)

func remove(c *cli.Context) error {
	ctx := context.Background()

	cfg, err := buildConfig(c)
	if err != nil {
		return fmt.Errorf("failed to build config: %w", err)
	}

	sugar, err := utils.NewSugaredLogger(cfg.Verbose)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer sugar.Desugar().Sync() //nolint:errcheck // best-effort flush; ignore sync errors

	store, err := openStorage(ctx, cfg, sugar)
	if err != nil {
		return err
	}
	defer store.close()

	if err := store.checkpoints.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}

	sugar.Infow("validation checkpoint removed", "store", cfg.Store)
	return nil
}
