package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestNewServer(t *testing.T) {
	reg := prometheus.NewRegistry()
	server := NewServer(":0", reg) // :0 lets OS pick available port

	require.NotNil(t, server)
	require.NotNil(t, server.httpServer)
	require.Equal(t, ":0", server.httpServer.Addr)
}

func httpGet(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return http.DefaultClient.Do(req)
}

func TestServer_StartAndShutdown(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)

	server := NewServer("127.0.0.1:19190", reg)
	errCh := server.Start()

	// Give server time to start
	time.Sleep(50 * time.Millisecond)

	resp, err := httpGet(t.Context(), "http://127.0.0.1:19190/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	require.NoError(t, server.Shutdown(ctx))

	// A clean shutdown closes errCh without sending
	err, ok := <-errCh
	require.False(t, ok)
	require.NoError(t, err)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.RecordEmitted(OriginLive, 77)
	m.IncError(ErrTypeStore)

	server := NewServer(":0", reg)
	ts := httptest.NewServer(server.httpServer.Handler)
	defer ts.Close()

	resp, err := httpGet(t.Context(), ts.URL+"/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	bodyStr := string(body)
	require.Contains(t, bodyStr, "ledger_importer_latest_emitted_index")
	require.Contains(t, bodyStr, "ledger_importer_ledgers_emitted_total")
	require.Contains(t, bodyStr, "ledger_importer_errors_total")
}

func TestServer_HealthEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		checks     []HealthCheck
		wantStatus int
		wantBody   string
	}{
		{
			name:       "no checks",
			wantStatus: http.StatusOK,
			wantBody:   "ok",
		},
		{
			name:       "passing checks",
			checks:     []HealthCheck{func() error { return nil }},
			wantStatus: http.StatusOK,
			wantBody:   "ok",
		},
		{
			name: "first failing check reported",
			checks: []HealthCheck{
				func() error { return nil },
				func() error { return errors.New("validator halted at ledger 51") },
				func() error { return errors.New("unreachable") },
			},
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   "validator halted at ledger 51",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := NewServer(":0", prometheus.NewRegistry(), tt.checks...)
			ts := httptest.NewServer(server.httpServer.Handler)
			defer ts.Close()

			resp, err := httpGet(t.Context(), ts.URL+"/health")
			require.NoError(t, err)
			defer resp.Body.Close()

			require.Equal(t, tt.wantStatus, resp.StatusCode)
			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			require.Equal(t, tt.wantBody, string(body))
		})
	}
}
