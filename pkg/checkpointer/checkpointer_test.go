package checkpointer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xrpl-data/ledger-importer/pkg/ledger"
	"github.com/xrpl-data/ledger-importer/pkg/ledger/testutils"
)

type mockCheckpointer struct {
	mock.Mock
}

func (m *mockCheckpointer) Initialize(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockCheckpointer) Write(ctx context.Context, cp ledger.Checkpoint) error {
	return m.Called(ctx, cp).Error(0)
}

func (m *mockCheckpointer) Read(ctx context.Context) (*ledger.Checkpoint, error) {
	args := m.Called(ctx)
	cp, _ := args.Get(0).(*ledger.Checkpoint)
	return cp, args.Error(1)
}

func (m *mockCheckpointer) Delete(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

type mockReader struct {
	mock.Mock
}

func (m *mockReader) GetLedger(ctx context.Context, index uint64) (*ledger.Header, error) {
	args := m.Called(ctx, index)
	h, _ := args.Get(0).(*ledger.Header)
	return h, args.Error(1)
}

func testConfig() Config {
	return Config{
		WriteTimeout: time.Second,
		MaxRetries:   3,
		RetryBackoff: time.Millisecond,
	}
}

func TestRetrying_Write(t *testing.T) {
	t.Parallel()
	cp := testutils.NewHeader(50, ledger.ZeroHash, 1).Checkpoint()
	writeErr := errors.New("write failed")

	tests := []struct {
		name    string
		setup   func(m *mockCheckpointer)
		wantErr bool
	}{
		{
			name: "first attempt succeeds",
			setup: func(m *mockCheckpointer) {
				m.On("Write", mock.Anything, cp).Return(nil).Once()
			},
		},
		{
			name: "succeeds after retries",
			setup: func(m *mockCheckpointer) {
				m.On("Write", mock.Anything, cp).Return(writeErr).Twice()
				m.On("Write", mock.Anything, cp).Return(nil).Once()
			},
		},
		{
			name: "gives up after max retries",
			setup: func(m *mockCheckpointer) {
				// initial try + 3 retries
				m.On("Write", mock.Anything, cp).Return(writeErr).Times(4)
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			inner := &mockCheckpointer{}
			tt.setup(inner)
			r := NewRetrying(inner, testConfig(), zap.NewNop().Sugar())

			err := r.Write(t.Context(), cp)
			if tt.wantErr {
				require.ErrorIs(t, err, writeErr)
				assert.Contains(t, err.Error(), "after 4 attempts")
			} else {
				require.NoError(t, err)
			}
			inner.AssertExpectations(t)
		})
	}
}

func TestRetrying_CancelledContext(t *testing.T) {
	t.Parallel()
	inner := &mockCheckpointer{}
	r := NewRetrying(inner, testConfig(), zap.NewNop().Sugar())

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	require.ErrorIs(t, r.Write(ctx, ledger.Checkpoint{LedgerIndex: 1}), context.Canceled)
	inner.AssertNotCalled(t, "Write", mock.Anything, mock.Anything)
}

func TestRetrying_PassesThrough(t *testing.T) {
	t.Parallel()
	inner := &mockCheckpointer{}
	want := &ledger.Checkpoint{LedgerIndex: 9}
	inner.On("Initialize", mock.Anything).Return(nil).Once()
	inner.On("Read", mock.Anything).Return(want, nil).Once()
	inner.On("Delete", mock.Anything).Return(nil).Once()

	r := NewRetrying(inner, DefaultConfig(), zap.NewNop().Sugar())
	require.NoError(t, r.Initialize(t.Context()))
	got, err := r.Read(t.Context())
	require.NoError(t, err)
	assert.Equal(t, want, got)
	require.NoError(t, r.Delete(t.Context()))
	inner.AssertExpectations(t)
}

func TestStore(t *testing.T) {
	t.Parallel()
	h := testutils.NewHeader(7, ledger.ZeroHash, 2)
	reader := &mockReader{}
	reader.On("GetLedger", mock.Anything, uint64(7)).Return(h, nil).Once()
	cps := &mockCheckpointer{}
	cps.On("Read", mock.Anything).Return(nil, nil).Once()
	cps.On("Write", mock.Anything, h.Checkpoint()).Return(nil).Once()

	s := NewStore(reader, cps)
	got, err := s.GetLedger(t.Context(), 7)
	require.NoError(t, err)
	assert.Equal(t, h, got)

	cp, err := s.GetLastValidated(t.Context())
	require.NoError(t, err)
	assert.Nil(t, cp)
	require.NoError(t, s.SetLastValidated(t.Context(), h.Checkpoint()))

	reader.AssertExpectations(t)
	cps.AssertExpectations(t)
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	assert.Equal(t, 5*time.Second, cfg.WriteTimeout)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 300*time.Millisecond, cfg.RetryBackoff)
}
