package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestLabels_toPrometheusLabels(t *testing.T) {
	tests := []struct {
		name     string
		labels   Labels
		expected prometheus.Labels
	}{
		{
			name:     "empty labels",
			labels:   Labels{},
			expected: prometheus.Labels{},
		},
		{
			name: "all labels set",
			labels: Labels{
				Network:       "mainnet",
				Environment:   "production",
				Region:        "us-east-1",
				CloudProvider: "aws",
			},
			expected: prometheus.Labels{
				"network":        "mainnet",
				"environment":    "production",
				"region":         "us-east-1",
				"cloud_provider": "aws",
			},
		},
		{
			name: "partial labels",
			labels: Labels{
				Network:     "testnet",
				Environment: "staging",
			},
			expected: prometheus.Labels{
				"network":     "testnet",
				"environment": "staging",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.labels.toPrometheusLabels()
			require.Equal(t, tt.expected, result)
		})
	}
}

func TestNewWithLabels(t *testing.T) {
	reg := prometheus.NewRegistry()

	m, err := NewWithLabels(reg, Labels{Network: "mainnet", Environment: "test"})
	require.NoError(t, err)
	require.NotNil(t, m)

	m.RecordValidated(500)

	metricFamilies, err := reg.Gather()
	require.NoError(t, err)

	found := false
	for _, mf := range metricFamilies {
		if mf.GetName() != "ledger_importer_validator_checkpoint_index" {
			continue
		}
		found = true
		require.NotEmpty(t, mf.GetMetric())
		labelMap := make(map[string]string)
		for _, label := range mf.GetMetric()[0].GetLabel() {
			labelMap[label.GetName()] = label.GetValue()
		}
		require.Equal(t, "mainnet", labelMap["network"])
		require.Equal(t, "test", labelMap["environment"])
		require.InDelta(t, 500, mf.GetMetric()[0].GetGauge().GetValue(), 0)
	}
	require.True(t, found)
}

func TestNew_RegistrationError(t *testing.T) {
	reg := prometheus.NewRegistry()

	_, err := New(reg)
	require.NoError(t, err)

	// Registering the same collectors twice must fail
	_, err = New(reg)
	require.Error(t, err)
}

func TestRecordEmitted(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.RecordEmitted(OriginLive, 90)
	m.RecordEmitted(OriginBackfill, 89)
	m.RecordEmitted(OriginBackfill, 88)

	require.InDelta(t, 1, testutil.ToFloat64(m.ledgersEmitted.WithLabelValues(OriginLive)), 0)
	require.InDelta(t, 2, testutil.ToFloat64(m.ledgersEmitted.WithLabelValues(OriginBackfill)), 0)
	// Only live emissions move the tip gauge
	require.InDelta(t, 90, testutil.ToFloat64(m.latestEmitted), 0)
}

func TestRecordRPCCall(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.IncRPCInFlight()
	m.IncRPCInFlight()
	m.DecRPCInFlight()
	m.RecordRPCCall("ledger", nil, 0.05)
	m.RecordRPCCall("ledger", errors.New("boom"), 0.1)

	require.InDelta(t, 1, testutil.ToFloat64(m.rpcInFlight), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.rpcCalls.WithLabelValues("ledger", StatusSuccess)), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.rpcCalls.WithLabelValues("ledger", StatusError)), 0)
}

func TestBackfillMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.UpdateBackfillWindow(20, 7)
	m.IncBackfillRetry()
	m.RecordBackfillRun(nil)
	m.RecordBackfillRun(errors.New("chain broken"))
	m.IncChainIntegrityError(Backfill)

	require.InDelta(t, 20, testutil.ToFloat64(m.backfillInFlight), 0)
	require.InDelta(t, 7, testutil.ToFloat64(m.backfillBuffered), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.backfillRetries), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.backfillRuns.WithLabelValues(StatusSuccess)), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.backfillRuns.WithLabelValues(StatusError)), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.chainIntegrityErrs.WithLabelValues(Backfill)), 0)
}

func TestLiveAndValidatorMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.IncLiveNotification()
	m.RecordGap(2)
	m.SetLiveActive(true)
	require.InDelta(t, 1, testutil.ToFloat64(m.liveActive), 0)
	m.SetLiveActive(false)
	require.InDelta(t, 0, testutil.ToFloat64(m.liveActive), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.liveGaps), 0)

	m.RecordValidated(51)
	m.RecordValidated(52)
	m.RecordCycle(CycleCompleted, 0.2)
	m.RecordReimport(nil)
	m.RecordNotification("sent")
	m.SetCheckpointLag(12)

	require.InDelta(t, 52, testutil.ToFloat64(m.checkpointIndex), 0)
	require.InDelta(t, 2, testutil.ToFloat64(m.validatedTotal), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.cycles.WithLabelValues(CycleCompleted)), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.reimports.WithLabelValues(StatusSuccess)), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.notifications.WithLabelValues("sent")), 0)
	require.InDelta(t, 12, testutil.ToFloat64(m.checkpointLag), 0)
}

func TestNilMetrics_NoPanic(t *testing.T) {
	var m *Metrics

	require.NotPanics(t, func() {
		m.IncError(ErrTypeEmit)
		m.RecordEmitted(OriginLive, 1)
		m.IncRPCInFlight()
		m.DecRPCInFlight()
		m.RecordRPCCall("ledger", nil, 0)
		m.UpdateBackfillWindow(1, 1)
		m.IncBackfillRetry()
		m.RecordBackfillRun(nil)
		m.IncChainIntegrityError(Validator)
		m.IncLiveNotification()
		m.RecordGap(1)
		m.SetLiveActive(true)
		m.RecordValidated(1)
		m.RecordCycle(CycleHalted, 0)
		m.RecordReimport(nil)
		m.RecordNotification("sent")
		m.SetCheckpointLag(0)
	})
}
