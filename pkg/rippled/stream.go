package rippled

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultReconnectDelay = 2 * time.Second
	defaultWriteTimeout   = 10 * time.Second

	streamLedger            = "ledger"
	messageTypeLedgerClosed = "ledgerClosed"
)

// Stream subscribes to the rippled "ledger" stream over websocket and
// reports the index of every closed ledger.
type Stream struct {
	url            string
	dialer         *websocket.Dialer
	reconnectDelay time.Duration
	log            *zap.SugaredLogger
}

// StreamOption configures the Stream.
type StreamOption func(*Stream)

// WithReconnectDelay sets the wait between a dropped connection and the next dial.
func WithReconnectDelay(d time.Duration) StreamOption {
	return func(s *Stream) {
		s.reconnectDelay = d
	}
}

// NewStream creates a ledger stream subscriber for the websocket endpoint at url.
func NewStream(url string, log *zap.SugaredLogger, opts ...StreamOption) *Stream {
	s := &Stream{
		url:            url,
		dialer:         websocket.DefaultDialer,
		reconnectDelay: defaultReconnectDelay,
		log:            log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type subscribeCommand struct {
	ID      int      `json:"id"`
	Command string   `json:"command"`
	Streams []string `json:"streams"`
}

type streamMessage struct {
	Type        string   `json:"type"`
	LedgerIndex flexUint `json:"ledger_index"`
	Status      string   `json:"status"`
	Error       string   `json:"error"`
}

// Subscribe delivers closed ledger indexes to out until ctx is done. Dropped
// connections are re-dialed after the reconnect delay. It returns nil when ctx
// is cancelled.
func (s *Stream) Subscribe(ctx context.Context, out chan<- uint64) error {
	for {
		err := s.run(ctx, out)
		if ctx.Err() != nil {
			return nil //nolint:nilerr // cancellation is a clean shutdown
		}
		s.log.Warnw("ledger stream disconnected, reconnecting",
			"url", s.url,
			"error", err,
			"delay", s.reconnectDelay,
		)

		timer := time.NewTimer(s.reconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (s *Stream) run(ctx context.Context, out chan<- uint64) error {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}
	defer conn.Close()

	// Unblock ReadJSON when ctx is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	_ = conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	cmd := subscribeCommand{ID: 1, Command: "subscribe", Streams: []string{streamLedger}}
	if err := conn.WriteJSON(cmd); err != nil {
		return fmt.Errorf("send subscribe: %w", err)
	}
	s.log.Infow("subscribed to ledger stream", "url", s.url)

	for {
		var msg streamMessage
		if err := conn.ReadJSON(&msg); err != nil {
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				s.log.Warnw("skipping malformed stream message", "error", err)
				continue
			}
			return fmt.Errorf("read stream: %w", err)
		}
		if msg.Status == "error" {
			return fmt.Errorf("subscribe rejected: %s", msg.Error)
		}
		if msg.Type != messageTypeLedgerClosed {
			continue
		}

		select {
		case out <- uint64(msg.LedgerIndex):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
