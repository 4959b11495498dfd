package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/xrpl-data/ledger-importer/pkg/ledger"
)

const (
	catchUpAttempts = 5
	catchUpBackoff  = 2 * time.Second
)

type rangeRunner interface {
	RunBackFill(ctx context.Context, stop, start uint64) error
}

// catchUp backfills from the validation checkpoint to the current validated
// tip in the background. The live stream covers everything after the tip.
func catchUp(ctx context.Context, p *pipeline, store *storage, genesis uint64, log *zap.SugaredLogger) {
	cp, err := store.checkpoints.Read(ctx)
	if err != nil {
		log.Warnw("failed to read checkpoint, skipping catch-up", "error", err)
		return
	}
	from := genesis
	if cp != nil {
		from = cp.LedgerIndex + 1
	}
	latest, err := p.importer.LatestValidatedIndex(ctx)
	if err != nil {
		log.Warnw("failed to read validated tip, skipping catch-up", "error", err)
		return
	}
	if from > latest {
		return
	}
	log.Infow("catching up", "from", from, "to", latest)
	go func() {
		_ = runCatchUp(ctx, p.importer, from, latest, catchUpAttempts, catchUpBackoff, log)
	}()
}

// runCatchUp runs [from..to] up to attempts times, doubling backoff after each
// failure. Writes are idempotent by index, so a retry re-runs the whole range.
// A chain integrity failure is returned at once.
func runCatchUp(
	ctx context.Context,
	r rangeRunner,
	from, to uint64,
	attempts int,
	backoff time.Duration,
	log *zap.SugaredLogger,
) error {
	for attempt := 1; ; attempt++ {
		err := r.RunBackFill(ctx, from, to)
		if err == nil {
			log.Infow("catch-up backfill complete", "from", from, "to", to, "attempts", attempt)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if ledger.IsChainIntegrity(err) || attempt >= attempts {
			log.Errorw("catch-up backfill failed", "from", from, "to", to, "attempts", attempt, "error", err)
			return err
		}
		log.Warnw("catch-up backfill failed, retrying",
			"from", from,
			"to", to,
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}
