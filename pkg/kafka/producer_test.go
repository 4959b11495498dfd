package kafka

import (
	"context"
	"testing"
	"time"

	cKafka "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// No broker is needed: librdkafka connects lazily and every produce below
// ends before delivery.

func TestNewProducer_InvalidConfig(t *testing.T) {
	t.Parallel()
	_, err := NewProducer(t.Context(), &cKafka.ConfigMap{"go.logs.channel.enable": "yes"}, zaptest.NewLogger(t).Sugar())
	require.Error(t, err)
}

func TestProducer_CloseIdempotent(t *testing.T) {
	t.Parallel()
	cfg := ProducerConfig{BootstrapServers: "localhost:9092", ClientID: "test", EnableLogs: true}
	p, err := NewProducer(t.Context(), cfg.ConfigMap(), zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	start := time.Now()
	p.Close(time.Second)
	p.Close(time.Second)
	assert.Less(t, time.Since(start), 5*time.Second)

	// Drains any broker-down error; the loop ends once Close closes the channel.
	for range p.Errors() {
	}
}

func TestProducer_ProduceCancelled(t *testing.T) {
	t.Parallel()
	cfg := ProducerConfig{BootstrapServers: "localhost:1", ClientID: "test"}
	p, err := NewProducer(t.Context(), cfg.ConfigMap(), zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	defer p.Close(100 * time.Millisecond)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	err = p.Produce(ctx, Msg{Topic: "ledgers", Key: LedgerKey(1), Value: []byte("{}")})
	require.ErrorIs(t, err, context.Canceled)
}
