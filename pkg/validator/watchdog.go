package validator

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// LatestSource reports the upstream node's validated tip.
type LatestSource interface {
	LatestValidatedIndex(ctx context.Context) (uint64, error)
}

// StartLagWatchdog warns whenever the validator's checkpoint falls more than
// maxLag ledgers behind the validated tip. It blocks until ctx is done.
func StartLagWatchdog(ctx context.Context, log *zap.SugaredLogger, v *Validator, source LatestSource, interval time.Duration, maxLag uint64) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			latest, err := source.LatestValidatedIndex(ctx)
			if err != nil {
				log.Debugw("lag watchdog: latest index unavailable", "error", err)
				continue
			}
			checkpoint := v.Checkpoint().LedgerIndex
			// The checkpoint may be ahead when the tip was read before the
			// last cycle advanced.
			var lag uint64
			if latest > checkpoint {
				lag = latest - checkpoint
			}
			if lag > maxLag {
				log.Warnw("validator lag too large",
					"lag", lag,
					"latest", latest,
					"checkpoint", checkpoint,
					"phase", v.Phase(),
				)
			}
		}
	}
}
