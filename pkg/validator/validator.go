package validator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xrpl-data/ledger-importer/pkg/ledger"
	"github.com/xrpl-data/ledger-importer/pkg/metrics"
)

const (
	DefaultInterval            = 30 * time.Second
	DefaultMaxReimportAttempts = 3
)

// Store is the persistent ledger store being validated.
type Store interface {
	// GetLedger returns the stored header with its transactions. It returns
	// an error matching ledger.IsMissing when the ledger or one of its
	// transactions is absent.
	GetLedger(ctx context.Context, index uint64) (*ledger.Header, error)
	// GetLastValidated returns nil, nil when no checkpoint was ever written.
	GetLastValidated(ctx context.Context) (*ledger.Checkpoint, error)
	SetLastValidated(ctx context.Context, cp ledger.Checkpoint) error
}

// Importer re-fetches ledgers from the upstream node.
type Importer interface {
	LatestValidatedIndex(ctx context.Context) (uint64, error)
	// Reimport returns once the ledger has been written back to the store.
	Reimport(ctx context.Context, index uint64) error
}

// Notifier delivers operator alerts.
type Notifier interface {
	Notify(ctx context.Context, index uint64, message string) error
}

// Config holds validator settings.
type Config struct {
	Genesis  uint64
	Interval time.Duration
	// Replay validates from StartIndex without reading or writing the
	// persisted checkpoint, then exits.
	Replay              bool
	StartIndex          uint64
	MaxReimportAttempts int
}

// DefaultConfig returns a continuous-mode configuration.
func DefaultConfig(genesis uint64) Config {
	return Config{
		Genesis:             genesis,
		Interval:            DefaultInterval,
		MaxReimportAttempts: DefaultMaxReimportAttempts,
	}
}

// Validator walks the stored chain forward from its checkpoint, verifying
// each ledger's content hash and parent link.
type Validator struct {
	log      *zap.SugaredLogger
	store    Store
	importer Importer
	notifier Notifier
	cfg      Config
	metrics  *metrics.Metrics // nil if metrics disabled
	exit     func(code int)

	state    state
	notified *NotificationRecord

	mu      sync.Mutex
	last    ledger.Checkpoint // most recent checkpoint reached
	cancel  context.CancelFunc
	running bool
}

// Option configures the Validator.
type Option func(*Validator)

// WithMetrics enables metrics collection.
func WithMetrics(m *metrics.Metrics) Option {
	return func(v *Validator) {
		v.metrics = m
	}
}

// WithExitFunc replaces os.Exit as the replay-mode exit hook.
func WithExitFunc(f func(code int)) Option {
	return func(v *Validator) {
		v.exit = f
	}
}

// WithNotificationRecord shares a notification record between validators.
func WithNotificationRecord(r *NotificationRecord) Option {
	return func(v *Validator) {
		v.notified = r
	}
}

// New creates a Validator.
func New(log *zap.SugaredLogger, store Store, importer Importer, notifier Notifier, cfg Config, opts ...Option) (*Validator, error) {
	if log == nil {
		return nil, errors.New("invalid logger: must not be nil")
	}
	if store == nil {
		return nil, errors.New("invalid store: must not be nil")
	}
	if importer == nil {
		return nil, errors.New("invalid importer: must not be nil")
	}
	if notifier == nil {
		return nil, errors.New("invalid notifier: must not be nil")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("invalid interval %s: must be positive", cfg.Interval)
	}
	if cfg.MaxReimportAttempts <= 0 {
		return nil, fmt.Errorf("invalid max reimport attempts %d: must be positive", cfg.MaxReimportAttempts)
	}
	if cfg.Replay && cfg.StartIndex == 0 {
		return nil, errors.New("invalid start index: replay needs a start index above zero")
	}

	v := &Validator{
		log:      log,
		store:    store,
		importer: importer,
		notifier: notifier,
		cfg:      cfg,
		exit:     os.Exit,
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.notified == nil {
		v.notified = NewNotificationRecord()
	}
	return v, nil
}

// Start runs one cycle immediately and, outside replay mode, another one
// every Interval until Stop is called or ctx is done. It does not block.
func (v *Validator) Start(ctx context.Context) {
	v.mu.Lock()
	if v.running {
		v.mu.Unlock()
		return
	}
	tickCtx, cancel := context.WithCancel(ctx)
	v.cancel = cancel
	v.running = true
	v.mu.Unlock()

	v.log.Infow("validator started",
		"interval", v.cfg.Interval,
		"replay", v.cfg.Replay,
		"startIndex", v.cfg.StartIndex,
	)

	go func() {
		defer v.markStopped()
		// In-flight cycles run on ctx so Stop only cancels future ticks.
		_ = v.RunCycle(ctx)
		if v.cfg.Replay {
			return
		}
		t := time.NewTicker(v.cfg.Interval)
		defer t.Stop()
		for {
			select {
			case <-tickCtx.Done():
				return
			case <-t.C:
				_ = v.RunCycle(ctx)
			}
		}
	}()
}

// Stop cancels future cycles. A cycle already running finishes.
func (v *Validator) Stop() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.cancel != nil {
		v.cancel()
		v.cancel = nil
	}
}

func (v *Validator) markStopped() {
	v.mu.Lock()
	v.running = false
	v.mu.Unlock()
}

// Phase returns the current state machine phase.
func (v *Validator) Phase() Phase {
	return v.state.getPhase()
}

// Working reports whether a cycle is running.
func (v *Validator) Working() bool {
	return v.state.working.Load()
}

// Checkpoint returns the most recent checkpoint this validator reached or
// loaded.
func (v *Validator) Checkpoint() ledger.Checkpoint {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.last
}

// Healthy returns the error that halted the last cycle, or nil.
func (v *Validator) Healthy() error {
	return v.state.halted()
}

func (v *Validator) setLast(cp ledger.Checkpoint) {
	v.mu.Lock()
	v.last = cp
	v.mu.Unlock()
}

// RunCycle runs one validation cycle. It returns nil immediately when
// another cycle is in progress. In replay mode the exit hook is called
// with 0 once the walk reaches the latest closed index, and with 1 on any
// error.
func (v *Validator) RunCycle(ctx context.Context) error {
	if !v.state.working.CompareAndSwap(false, true) {
		v.log.Debugw("validation cycle skipped: previous cycle still running")
		v.metrics.RecordCycle(metrics.CycleSkippedBusy, 0)
		return nil
	}
	defer v.state.working.Store(false)

	start := time.Now()
	result, err := v.cycle(ctx)
	v.metrics.RecordCycle(result, time.Since(start).Seconds())

	if result != metrics.CycleHalted {
		v.state.setPhase(PhaseIdle)
	}

	switch {
	case err != nil && result != metrics.CycleHalted:
		v.metrics.IncError(metrics.ErrTypeCheckpoint)
		v.log.Errorw("validation cycle failed",
			"result", result,
			"checkpoint", v.Checkpoint().LedgerIndex,
			"error", err,
		)
	case err == nil:
		v.log.Debugw("validation cycle finished",
			"result", result,
			"checkpoint", v.Checkpoint().LedgerIndex,
			"duration", time.Since(start),
		)
	}

	if v.cfg.Replay {
		code := 0
		if err != nil {
			code = 1
		}
		v.log.Infow("replay finished",
			"checkpoint", v.Checkpoint().LedgerIndex,
			"exitCode", code,
		)
		v.metrics.RecordCycle(metrics.CycleReplayStopped, 0)
		v.exit(code)
	}
	return err
}

func (v *Validator) cycle(ctx context.Context) (string, error) {
	v.state.setPhase(PhaseChecking)
	v.state.clearHalt()

	lastValid, err := v.lastValidated(ctx)
	if err != nil {
		return metrics.CycleError, err
	}
	v.setLast(lastValid)

	latest, err := v.importer.LatestValidatedIndex(ctx)
	if err != nil {
		return metrics.CycleError, fmt.Errorf("latest validated index: %w", err)
	}
	// The tip itself may still be in flight through the live stream.
	var maxIndex uint64
	if latest > 0 {
		maxIndex = latest - 1
	}
	if maxIndex > lastValid.LedgerIndex {
		v.metrics.SetCheckpointLag(maxIndex - lastValid.LedgerIndex)
	} else {
		v.metrics.SetCheckpointLag(0)
	}
	if lastValid.LedgerIndex >= maxIndex {
		return metrics.CycleUpToDate, nil
	}

	v.state.setPhase(PhaseAdvancing)
	attempts := 0
	for lastValid.LedgerIndex < maxIndex {
		if err := ctx.Err(); err != nil {
			return metrics.CycleError, err
		}
		idx := lastValid.LedgerIndex + 1

		h, err := v.store.GetLedger(ctx, idx)
		if err == nil && h.Index != idx {
			err = &ledger.UnexpectedIndexError{Requested: idx, Got: h.Index}
		}
		var unexpected *ledger.UnexpectedIndexError
		switch {
		case err == nil:
		case ledger.IsMissing(err) || errors.As(err, &unexpected):
			attempts++
			if attempts > v.cfg.MaxReimportAttempts {
				if unexpected != nil {
					return v.haltOn(ctx, idx, unexpected)
				}
				return metrics.CycleError, fmt.Errorf("ledger %d still missing after %d re-imports: %w",
					idx, v.cfg.MaxReimportAttempts, err)
			}
			v.log.Warnw("stored ledger unusable, re-importing",
				"index", idx,
				"attempt", attempts,
				"error", err,
			)
			rerr := v.importer.Reimport(ctx, idx)
			v.metrics.RecordReimport(rerr)
			if rerr != nil {
				return metrics.CycleError, fmt.Errorf("re-import ledger %d: %w", idx, rerr)
			}
			continue
		default:
			return metrics.CycleError, fmt.Errorf("load ledger %d: %w", idx, err)
		}

		if err := verify(lastValid, h); err != nil {
			return v.haltOn(ctx, idx, err)
		}

		next := h.Checkpoint()
		if !v.cfg.Replay {
			if err := v.store.SetLastValidated(ctx, next); err != nil {
				return metrics.CycleError, fmt.Errorf("persist checkpoint %d: %w", idx, err)
			}
		}
		lastValid = next
		attempts = 0
		v.setLast(lastValid)
		v.metrics.RecordValidated(idx)
	}

	v.log.Infow("validator reached latest closed ledger",
		"checkpoint", lastValid.LedgerIndex,
		"hash", lastValid.LedgerHash,
	)
	return metrics.CycleCompleted, nil
}

func (v *Validator) lastValidated(ctx context.Context) (ledger.Checkpoint, error) {
	if v.cfg.Replay {
		return ledger.Checkpoint{LedgerIndex: v.cfg.StartIndex - 1}, nil
	}
	cp, err := v.store.GetLastValidated(ctx)
	if err != nil {
		return ledger.Checkpoint{}, fmt.Errorf("load checkpoint: %w", err)
	}
	if cp == nil {
		return ledger.GenesisCheckpoint(v.cfg.Genesis), nil
	}
	return *cp, nil
}

// verify checks h against the stored content hashes and against the hash of
// the previously validated ledger.
func verify(lastValid ledger.Checkpoint, h *ledger.Header) error {
	root, err := ledger.TransactionTreeHash(h.Transactions)
	if err != nil {
		return &ledger.ChainIntegrityError{Index: h.Index, Reason: "transaction tree: " + err.Error()}
	}
	if root != h.TransactionHash {
		return &ledger.ChainIntegrityError{
			Index:    h.Index,
			Reason:   "transaction tree hash mismatch",
			Expected: h.TransactionHash,
			Actual:   root,
		}
	}
	if computed := h.ComputeHash(); computed != h.Hash {
		return &ledger.ChainIntegrityError{
			Index:    h.Index,
			Reason:   "ledger hash mismatch",
			Expected: h.Hash,
			Actual:   computed,
		}
	}
	if lastValid.HasHash() && h.ParentHash != lastValid.LedgerHash {
		return &ledger.ChainIntegrityError{
			Index:    h.Index,
			Reason:   "parent hash does not match previous ledger",
			Expected: lastValid.LedgerHash,
			Actual:   h.ParentHash,
		}
	}
	return nil
}

func (v *Validator) haltOn(ctx context.Context, index uint64, err error) (string, error) {
	v.metrics.IncChainIntegrityError(metrics.Validator)
	v.log.Errorw("chain integrity violation, halting validation",
		"index", index,
		"checkpoint", v.Checkpoint().LedgerIndex,
		"error", err,
	)
	v.Notify(ctx, index, err.Error())
	v.state.halt(err)
	return metrics.CycleHalted, err
}

// Notify alerts operators about index at most once per process lifetime.
// Delivery failures are logged and not retried.
func (v *Validator) Notify(ctx context.Context, index uint64, message string) {
	if !v.notified.MarkSent(index) {
		v.log.Debugw("notification already sent", "index", index)
		return
	}
	if err := v.notifier.Notify(ctx, index, message); err != nil {
		v.metrics.RecordNotification(metrics.StatusError)
		v.metrics.IncError(metrics.ErrTypeNotify)
		v.log.Errorw("failed to send notification",
			"index", index,
			"error", err,
		)
		return
	}
	v.metrics.RecordNotification(metrics.StatusSuccess)
}
