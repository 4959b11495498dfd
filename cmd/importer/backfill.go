package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/xrpl-data/ledger-importer/pkg/utils"
)

func backfillAction(c *cli.Context) error {
	cfg, err := buildConfig(c)
	if err != nil {
		return fmt.Errorf("failed to build config: %w", err)
	}

	sugar, err := utils.NewSugaredLogger(cfg.Verbose)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer sugar.Desugar().Sync() //nolint:errcheck // best-effort flush; ignore sync errors

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStorage(ctx, cfg, sugar)
	if err != nil {
		return err
	}
	defer store.close()

	p, err := newPipeline(ctx, cfg, store, nil, nil, sugar)
	if err != nil {
		return err
	}
	defer p.close()

	start := cfg.Start
	if start == 0 {
		start, err = p.importer.LatestValidatedIndex(ctx)
		if err != nil {
			return fmt.Errorf("failed to get latest validated index: %w", err)
		}
		sugar.Infof("start index not specified, using latest validated ledger %d", start)
	}
	stopIndex := cfg.Stop
	if stopIndex == 0 {
		stopIndex = cfg.Genesis
	}
	if stopIndex > start {
		return fmt.Errorf("invalid range: stop %d is above start %d", stopIndex, start)
	}

	sugar.Infow("backfill starting", "start", start, "stop", stopIndex, "window", cfg.BackfillWindow)
	began := time.Now()
	if err := p.importer.RunBackFill(ctx, stopIndex, start); err != nil {
		return fmt.Errorf("backfill [%d..%d] failed: %w", stopIndex, start, err)
	}
	sugar.Infow("backfill complete",
		"start", start,
		"stop", stopIndex,
		"ledgers", start-stopIndex+1,
		"elapsed", time.Since(began),
	)
	return nil
}
