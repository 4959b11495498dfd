package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/xrpl-data/ledger-importer/pkg/ledger"
)

// Header keys set on published messages.
const (
	HeaderLedgerHash = "ledger_hash"
	HeaderKind       = "kind"
)

// LedgerPublisher publishes emitted ledgers keyed by ledger index, so a
// re-imported ledger compacts over its earlier copy.
type LedgerPublisher struct {
	producer MessageProducer
	topic    string
	log      *zap.SugaredLogger
}

// NewLedgerPublisher creates a LedgerPublisher producing to topic.
func NewLedgerPublisher(producer MessageProducer, topic string, log *zap.SugaredLogger) *LedgerPublisher {
	return &LedgerPublisher{producer: producer, topic: topic, log: log}
}

// Publish produces h and waits for the broker to acknowledge it.
func (p *LedgerPublisher) Publish(ctx context.Context, h *ledger.Header) error {
	value, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("marshal ledger %d: %w", h.Index, err)
	}
	err = p.producer.Produce(ctx, Msg{
		Topic: p.topic,
		Key:   LedgerKey(h.Index),
		Value: value,
		Headers: map[string]string{
			HeaderLedgerHash: h.Hash.String(),
			HeaderKind:       "ledger",
		},
	})
	if err != nil {
		return fmt.Errorf("publish ledger %d: %w", h.Index, err)
	}
	p.log.Debugw("ledger published", "topic", p.topic, "index", h.Index, "bytes", len(value))
	return nil
}

// LedgerKey is the message key for ledger index.
func LedgerKey(index uint64) []byte {
	return []byte(strconv.FormatUint(index, 10))
}

// Alert is the payload of an operator alert.
type Alert struct {
	LedgerIndex uint64    `json:"ledger_index"`
	Message     string    `json:"message"`
	RaisedAt    time.Time `json:"raised_at"`
}

// AlertNotifier delivers operator alerts to a Kafka topic.
type AlertNotifier struct {
	producer MessageProducer
	topic    string
	now      func() time.Time
}

// NewAlertNotifier creates an AlertNotifier producing to topic.
func NewAlertNotifier(producer MessageProducer, topic string) *AlertNotifier {
	return &AlertNotifier{producer: producer, topic: topic, now: time.Now}
}

func (n *AlertNotifier) Notify(ctx context.Context, index uint64, message string) error {
	value, err := json.Marshal(Alert{LedgerIndex: index, Message: message, RaisedAt: n.now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	err = n.producer.Produce(ctx, Msg{
		Topic:   n.topic,
		Key:     LedgerKey(index),
		Value:   value,
		Headers: map[string]string{HeaderKind: "alert"},
	})
	if err != nil {
		return fmt.Errorf("publish alert for ledger %d: %w", index, err)
	}
	return nil
}
