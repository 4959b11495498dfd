package rippled

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/xrpl-data/ledger-importer/pkg/ledger"
	"github.com/xrpl-data/ledger-importer/pkg/metrics"
)

const defaultTimeout = 30 * time.Second

// Error codes returned by rippled in the result object.
const (
	errCodeLedgerNotFound = "lgrNotFound"
	errCodeNoCurrent      = "noCurrent"
	errCodeNoNetwork      = "noNetwork"
)

// Client is a minimal rippled JSON-RPC client over HTTP.
type Client struct {
	url     string
	http    *http.Client
	metrics *metrics.Metrics // nil if metrics disabled
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.http = hc
	}
}

// WithClientMetrics enables RPC metrics collection for the client.
func WithClientMetrics(m *metrics.Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

// NewClient creates a client for the JSON-RPC endpoint at url.
func NewClient(url string, opts ...ClientOption) *Client {
	c := &Client{
		url:  url,
		http: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type request struct {
	Method string `json:"method"`
	Params []any  `json:"params"`
}

type response struct {
	Result json.RawMessage `json:"result"`
}

type resultStatus struct {
	Status       string `json:"status"`
	Error        string `json:"error"`
	ErrorMessage string `json:"error_message"`
}

// RPCError is an error status reported by rippled in a well-formed response.
type RPCError struct {
	Method  string
	Code    string
	Message string
}

func (e *RPCError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("rippled %s: %s", e.Method, e.Code)
	}
	return fmt.Sprintf("rippled %s: %s: %s", e.Method, e.Code, e.Message)
}

// Call invokes method with a single params object and decodes the result into out.
func (c *Client) Call(ctx context.Context, method string, params any, out any) error {
	start := time.Now()
	c.metrics.IncRPCInFlight()
	defer c.metrics.DecRPCInFlight()

	err := c.call(ctx, method, params, out)
	c.metrics.RecordRPCCall(method, err, time.Since(start).Seconds())
	return err
}

func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	body, err := json.Marshal(request{Method: method, Params: []any{params}})
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(method, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return transportError(method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return &ledger.TransportError{
			Op:  method,
			Err: fmt.Errorf("unexpected http status %d: %s", resp.StatusCode, truncate(payload, 256)),
		}
	}

	var envelope response
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return &ledger.TransportError{Op: method, Err: fmt.Errorf("decode response: %w", err)}
	}

	var status resultStatus
	if err := json.Unmarshal(envelope.Result, &status); err != nil {
		return &ledger.TransportError{Op: method, Err: fmt.Errorf("decode result status: %w", err)}
	}
	if status.Status == "error" || status.Error != "" {
		return classifyRPCError(&RPCError{Method: method, Code: status.Error, Message: status.ErrorMessage})
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

func classifyRPCError(e *RPCError) error {
	switch e.Code {
	case errCodeLedgerNotFound:
		return fmt.Errorf("%w: %w", ledger.ErrNotFound, e)
	case errCodeNoCurrent, errCodeNoNetwork:
		return &ledger.TransportError{Op: e.Method, Err: e}
	default:
		return e
	}
}

func transportError(op string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &ledger.TransportError{Op: op, Err: fmt.Errorf("%w: %w", ledger.ErrTimeout, err)}
	}
	return &ledger.TransportError{Op: op, Err: err}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
