package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/xrpl-data/ledger-importer/pkg/metrics"
	"github.com/xrpl-data/ledger-importer/pkg/rippled"
	"github.com/xrpl-data/ledger-importer/pkg/utils"
	"github.com/xrpl-data/ledger-importer/pkg/validator"
)

const shutdownTimeout = 5 * time.Second

func run(c *cli.Context) error {
	cfg, err := buildConfig(c)
	if err != nil {
		return fmt.Errorf("failed to build config: %w", err)
	}

	sugar, err := utils.NewSugaredLogger(cfg.Verbose)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer sugar.Desugar().Sync() //nolint:errcheck // best-effort flush; ignore sync errors

	sugar.Infow("config",
		"verbose", cfg.Verbose,
		"store", cfg.Store,
		"rpcURL", cfg.RPCURL,
		"wsURL", cfg.WSURL,
		"genesis", cfg.Genesis,
		"backfillWindow", cfg.BackfillWindow,
		"backfillStagger", cfg.BackfillStagger,
		"validatorInterval", cfg.ValidatorInterval,
		"maxReimportAttempts", cfg.MaxReimportAttempts,
		"kafkaEnabled", cfg.KafkaEnabled,
		"metricsHost", cfg.MetricsHost,
		"metricsPort", cfg.MetricsPort,
		"network", cfg.Network,
		"environment", cfg.Environment,
	)

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

	stream := rippled.NewStream(cfg.WSURL, sugar)
	p, err := newPipeline(ctx, cfg, store, stream, m, sugar)
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
	sugar.Infow("metrics server listening", "addr", cfg.MetricsAddr())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.importer.RunLive(gctx)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-metricsErrCh:
			if err != nil {
				return fmt.Errorf("metrics server failed: %w", err)
			}
			return nil
		}
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return gctx.Err()
		case err := <-p.producerErrors():
			return err
		}
	})

	catchUp(gctx, p, store, cfg.Genesis, sugar)

	v.Start(gctx)
	defer v.Stop()
	go validator.StartLagWatchdog(gctx, sugar, v, p.importer, cfg.LagWatchdogInterval, cfg.LagWatchdogMaxLag)

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		sugar.Infow("exiting due to context cancellation")
		err = nil
	} else if err != nil {
		sugar.Errorw("run failed", "error", err)
	}

	sugar.Info("shutting down metrics server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		sugar.Warnw("metrics server shutdown error", "error", err)
	}

	sugar.Info("shutdown complete")
	return err
}
