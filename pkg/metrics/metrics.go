package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	Namespace = "ledger_importer"

	// Status label values for success/error metrics
	StatusSuccess = "success"
	StatusError   = "error"

	Backfill  = "backfill"
	Live      = "live"
	Validator = "validator"
	RPC       = "rpc"
)

// Emission origins used as the "origin" label on emitted ledgers.
const (
	OriginLive     = "live"
	OriginBackfill = "backfill"
	OriginReimport = "reimport"
)

// Validator cycle outcomes used as the "result" label.
const (
	CycleUpToDate      = "up_to_date"
	CycleCompleted     = "completed"
	CycleHalted        = "halted"
	CycleError         = "error"
	CycleSkippedBusy   = "skipped_busy"
	CycleReplayStopped = "replay_stopped"
)

// Labels holds constant labels applied to all metrics.
// These are useful for distinguishing metrics from multiple importer instances.
type Labels struct {
	Network       string // Ledger network name (e.g., "mainnet", "testnet")
	Environment   string // Deployment environment (e.g., "production", "staging", "development")
	Region        string // Cloud region (e.g., "us-east-1", "eu-west-1")
	CloudProvider string // Cloud provider (e.g., "aws", "oci", "gcp")
}

// toPrometheusLabels converts Labels to prometheus.Labels map.
// Only non-empty labels are included to avoid empty label values.
func (l Labels) toPrometheusLabels() prometheus.Labels {
	labels := prometheus.Labels{}
	if l.Network != "" {
		labels["network"] = l.Network
	}
	if l.Environment != "" {
		labels["environment"] = l.Environment
	}
	if l.Region != "" {
		labels["region"] = l.Region
	}
	if l.CloudProvider != "" {
		labels["cloud_provider"] = l.CloudProvider
	}
	return labels
}

type Metrics struct {
	// Ledger emission
	ledgersEmitted *prometheus.CounterVec
	latestEmitted  prometheus.Gauge
	errors         *prometheus.CounterVec

	// RPC metrics
	rpcCalls    *prometheus.CounterVec
	rpcDuration *prometheus.HistogramVec
	rpcInFlight prometheus.Gauge

	// Backfill metrics
	backfillInFlight   prometheus.Gauge
	backfillBuffered   prometheus.Gauge
	backfillRetries    prometheus.Counter
	backfillRuns       *prometheus.CounterVec
	chainIntegrityErrs *prometheus.CounterVec

	// Live stream metrics
	liveNotifications prometheus.Counter
	liveGaps          prometheus.Counter
	liveGapSize       prometheus.Histogram
	liveActive        prometheus.Gauge

	// Validator metrics
	checkpointIndex prometheus.Gauge
	validatedTotal  prometheus.Counter
	cycles          *prometheus.CounterVec
	cycleDuration   prometheus.Histogram
	reimports       *prometheus.CounterVec
	notifications   *prometheus.CounterVec
	checkpointLag   prometheus.Gauge
}

// New creates a new Metrics instance and registers all metrics with the provided registerer.
// Returns an error if any metric registration fails.
// For metrics with constant labels (e.g., network), use NewWithLabels instead.
func New(reg prometheus.Registerer) (*Metrics, error) {
	return NewWithLabels(reg, Labels{})
}

// NewWithLabels creates a new Metrics instance with constant labels applied to all metrics.
func NewWithLabels(reg prometheus.Registerer, labels Labels) (*Metrics, error) {
	promLabels := labels.toPrometheusLabels()
	if len(promLabels) > 0 {
		reg = prometheus.WrapRegistererWith(promLabels, reg)
	}

	return newMetrics(reg)
}

func newMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		ledgersEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "ledgers_emitted_total",
			Help:      "Total ledgers emitted downstream by origin",
		}, []string{"origin"}),
		latestEmitted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "latest_emitted_index",
			Help:      "Highest ledger index emitted downstream",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "errors_total",
			Help:      "Total errors by type",
		}, []string{"type"}),
		rpcCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: RPC,
			Name:      "calls_total",
			Help:      "Total RPC calls by method and status",
		}, []string{"method", "status"}),
		rpcDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: RPC,
			Name:      "duration_seconds",
			Help:      "RPC call duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"method"}),
		rpcInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: RPC,
			Name:      "in_flight",
			Help:      "Number of RPC calls currently in progress",
		}),
		backfillInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Backfill,
			Name:      "fetches_in_flight",
			Help:      "Number of backfill fetches currently in progress",
		}),
		backfillBuffered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Backfill,
			Name:      "buffered_slots",
			Help:      "Number of slots held in the reorder buffer",
		}),
		backfillRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Backfill,
			Name:      "retries_total",
			Help:      "Total backfill fetch retries after transport failures",
		}),
		backfillRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Backfill,
			Name:      "runs_total",
			Help:      "Total backfill runs by status",
		}, []string{"status"}),
		chainIntegrityErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "chain_integrity_errors_total",
			Help:      "Total chain integrity failures by component",
		}, []string{"component"}),
		liveNotifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Live,
			Name:      "notifications_total",
			Help:      "Total ledger closed notifications received",
		}),
		liveGaps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Live,
			Name:      "gaps_total",
			Help:      "Total gaps detected in the live feed",
		}),
		liveGapSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Live,
			Name:      "gap_size",
			Help:      "Number of ledgers missing per detected gap",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 1000},
		}),
		liveActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Live,
			Name:      "active",
			Help:      "1 when the live stream is active, 0 when paused",
		}),
		checkpointIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Validator,
			Name:      "checkpoint_index",
			Help:      "Index of the last validated ledger",
		}),
		validatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Validator,
			Name:      "ledgers_validated_total",
			Help:      "Total ledgers validated against the store",
		}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Validator,
			Name:      "cycles_total",
			Help:      "Total validation cycles by result",
		}, []string{"result"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Validator,
			Name:      "cycle_duration_seconds",
			Help:      "Validation cycle duration in seconds",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300},
		}),
		reimports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Validator,
			Name:      "reimports_total",
			Help:      "Total ledgers re-imported by the validator by status",
		}, []string{"status"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Validator,
			Name:      "notifications_total",
			Help:      "Total operator notifications by status (sent, suppressed, error)",
		}, []string{"status"}),
		checkpointLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Validator,
			Name:      "checkpoint_lag",
			Help:      "Ledgers between the checkpoint and the latest validated ledger",
		}),
	}

	err := errors.Join(
		reg.Register(m.ledgersEmitted),
		reg.Register(m.latestEmitted),
		reg.Register(m.errors),
		reg.Register(m.rpcCalls),
		reg.Register(m.rpcDuration),
		reg.Register(m.rpcInFlight),
		reg.Register(m.backfillInFlight),
		reg.Register(m.backfillBuffered),
		reg.Register(m.backfillRetries),
		reg.Register(m.backfillRuns),
		reg.Register(m.chainIntegrityErrs),
		reg.Register(m.liveNotifications),
		reg.Register(m.liveGaps),
		reg.Register(m.liveGapSize),
		reg.Register(m.liveActive),
		reg.Register(m.checkpointIndex),
		reg.Register(m.validatedTotal),
		reg.Register(m.cycles),
		reg.Register(m.cycleDuration),
		reg.Register(m.reimports),
		reg.Register(m.notifications),
		reg.Register(m.checkpointLag),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Error type constants for non-RPC errors (RPC errors are tracked via rpcCalls{status="error"}).
const (
	ErrTypeEmit       = "emit"
	ErrTypeStore      = "store"
	ErrTypeCheckpoint = "checkpoint"
	ErrTypeNotify     = "notify"
	ErrTypeLiveFetch  = "live_fetch"
)

// IncError increments the error counter for the given error type.
func (m *Metrics) IncError(errType string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(errType).Inc()
}

// RecordEmitted records a ledger emitted downstream.
func (m *Metrics) RecordEmitted(origin string, index uint64) {
	if m == nil {
		return
	}
	m.ledgersEmitted.WithLabelValues(origin).Inc()
	if origin == OriginLive {
		m.latestEmitted.Set(float64(index))
	}
}

// IncRPCInFlight increments the in-flight RPC gauge.
func (m *Metrics) IncRPCInFlight() {
	if m == nil {
		return
	}
	m.rpcInFlight.Inc()
}

// DecRPCInFlight decrements the in-flight RPC gauge.
func (m *Metrics) DecRPCInFlight() {
	if m == nil {
		return
	}
	m.rpcInFlight.Dec()
}

// RecordRPCCall records an RPC call outcome.
func (m *Metrics) RecordRPCCall(method string, err error, durationSeconds float64) {
	if m == nil {
		return
	}
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	m.rpcCalls.WithLabelValues(method, status).Inc()
	m.rpcDuration.WithLabelValues(method).Observe(durationSeconds)
}

// UpdateBackfillWindow sets the backfill in-flight and buffered gauges.
func (m *Metrics) UpdateBackfillWindow(inFlight, buffered int) {
	if m == nil {
		return
	}
	m.backfillInFlight.Set(float64(inFlight))
	m.backfillBuffered.Set(float64(buffered))
}

// IncBackfillRetry records a backfill fetch retry.
func (m *Metrics) IncBackfillRetry() {
	if m == nil {
		return
	}
	m.backfillRetries.Inc()
}

// RecordBackfillRun records the outcome of a backfill run.
func (m *Metrics) RecordBackfillRun(err error) {
	if m == nil {
		return
	}
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	m.backfillRuns.WithLabelValues(status).Inc()
}

// IncChainIntegrityError records a chain integrity failure detected by component.
func (m *Metrics) IncChainIntegrityError(component string) {
	if m == nil {
		return
	}
	m.chainIntegrityErrs.WithLabelValues(component).Inc()
}

// IncLiveNotification records a received ledger closed notification.
func (m *Metrics) IncLiveNotification() {
	if m == nil {
		return
	}
	m.liveNotifications.Inc()
}

// RecordGap records a gap detected in the live feed.
func (m *Metrics) RecordGap(size uint64) {
	if m == nil {
		return
	}
	m.liveGaps.Inc()
	m.liveGapSize.Observe(float64(size))
}

// SetLiveActive sets the live stream activity gauge.
func (m *Metrics) SetLiveActive(active bool) {
	if m == nil {
		return
	}
	if active {
		m.liveActive.Set(1)
		return
	}
	m.liveActive.Set(0)
}

// RecordValidated records a validated ledger and the new checkpoint index.
func (m *Metrics) RecordValidated(index uint64) {
	if m == nil {
		return
	}
	m.validatedTotal.Inc()
	m.checkpointIndex.Set(float64(index))
}

// RecordCycle records a validation cycle outcome with its duration.
func (m *Metrics) RecordCycle(result string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(result).Inc()
	m.cycleDuration.Observe(durationSeconds)
}

// RecordReimport records a validator-triggered re-import outcome.
func (m *Metrics) RecordReimport(err error) {
	if m == nil {
		return
	}
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	m.reimports.WithLabelValues(status).Inc()
}

// RecordNotification records an operator notification outcome.
func (m *Metrics) RecordNotification(status string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(status).Inc()
}

// SetCheckpointLag sets the distance between the checkpoint and the validated tip.
func (m *Metrics) SetCheckpointLag(lag uint64) {
	if m == nil {
		return
	}
	m.checkpointLag.Set(float64(lag))
}
