package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"

	"github.com/xrpl-data/ledger-importer/pkg/metrics"
	"github.com/xrpl-data/ledger-importer/pkg/utils"
	"github.com/xrpl-data/ledger-importer/pkg/validator"
)

// validate runs the continuous validator against an existing store. Missing
// ledgers are still re-imported; nothing follows the live tip.
func validate(c *cli.Context) error {
	cfg, err := buildConfig(c)
	if err != nil {
		return fmt.Errorf("failed to build config: %w", err)
	}

	sugar, err := utils.NewSugaredLogger(cfg.Verbose)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer sugar.Desugar().Sync() //nolint:errcheck // best-effort flush; ignore sync errors

	registry := prometheus.NewRegistry()
	m, err := metrics.NewWithLabels(registry, cfg.MetricsLabels())
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStorage(ctx, cfg, sugar)
	if err != nil {
		return err
	}
	defer store.close()

	p, err := newPipeline(ctx, cfg, store, nil, m, sugar)
	if err != nil {
		return err
	}
	defer p.close()

	v, err := validator.New(sugar, store.validatorStore(sugar), p.importer, p.notifier, cfg.ValidatorConfig(false),
		validator.WithMetrics(m))
	if err != nil {
		return fmt.Errorf("failed to create validator: %w", err)
	}

	metricsServer := metrics.NewServer(cfg.MetricsAddr(), registry, v.Healthy)
	metricsErrCh := metricsServer.Start()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			sugar.Warnw("metrics server shutdown error", "error", err)
		}
	}()

	v.Start(ctx)
	defer v.Stop()
	go validator.StartLagWatchdog(ctx, sugar, v, p.importer, cfg.LagWatchdogInterval, cfg.LagWatchdogMaxLag)

	select {
	case <-ctx.Done():
		sugar.Infow("exiting due to context cancellation", "checkpoint", v.Checkpoint().LedgerIndex)
		return nil
	case err := <-metricsErrCh:
		if err != nil {
			return fmt.Errorf("metrics server failed: %w", err)
		}
		return nil
	case err := <-p.producerErrors():
		return err
	}
}

// replay validates from --start-index to the tip once, ignoring and leaving
// untouched the persisted checkpoint. The process exits 0 when the range is
// intact and 1 otherwise.
func replay(c *cli.Context) error {
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

	exitCode := -1
	v, err := validator.New(sugar, store.validatorStore(sugar), p.importer, p.notifier, cfg.ValidatorConfig(true),
		validator.WithExitFunc(func(code int) { exitCode = code }))
	if err != nil {
		return fmt.Errorf("failed to create validator: %w", err)
	}

	sugar.Infow("replay starting", "startIndex", cfg.StartIndex)
	cycleErr := v.RunCycle(ctx)
	switch {
	case exitCode == 0:
		sugar.Infow("replay complete", "checkpoint", v.Checkpoint().LedgerIndex)
		return nil
	case cycleErr == nil:
		cycleErr = errors.New("replay did not complete")
	}
	// Deferred cleanup runs before the process exits with the code.
	return cli.Exit(fmt.Sprintf("replay failed: %v", cycleErr), 1)
}
