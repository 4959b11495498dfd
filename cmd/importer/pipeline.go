package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xrpl-data/ledger-importer/pkg/importer"
	"github.com/xrpl-data/ledger-importer/pkg/kafka"
	"github.com/xrpl-data/ledger-importer/pkg/livestream"
	"github.com/xrpl-data/ledger-importer/pkg/metrics"
	"github.com/xrpl-data/ledger-importer/pkg/notify"
	"github.com/xrpl-data/ledger-importer/pkg/rippled"
)

// pipeline is the importer with its downstream sinks attached.
type pipeline struct {
	importer *importer.Importer
	notifier notify.Notifier
	// producer is nil unless Kafka is enabled.
	producer *kafka.Producer
	close    func()
}

// newPipeline wires the rippled source into an importer whose ledgers are
// written to store and, when enabled, published to Kafka. sub may be nil
// when the command does not follow the live tip.
func newPipeline(
	ctx context.Context,
	cfg *Config,
	store *storage,
	sub livestream.Subscriber,
	m *metrics.Metrics,
	log *zap.SugaredLogger,
) (*pipeline, error) {
	client := rippled.NewClient(cfg.RPCURL, rippled.WithClientMetrics(m))
	source, err := rippled.NewSource(client, log, rippled.WithCacheSize(cfg.LedgerCacheSize))
	if err != nil {
		return nil, fmt.Errorf("failed to create ledger source: %w", err)
	}

	opts := []importer.Option{importer.WithMetrics(m)}
	if sub != nil {
		opts = append(opts, importer.WithSubscriber(sub))
	}
	imp, err := importer.New(log, source, cfg.BackfillConfig(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create importer: %w", err)
	}
	imp.OnLedger(importer.StoreSink(store.ledgers))

	p := &pipeline{
		importer: imp,
		notifier: notify.NewLogNotifier(log),
		close:    func() {},
	}
	if !cfg.KafkaEnabled {
		return p, nil
	}

	kCfg, err := kafka.LoadProducerConfig()
	if err != nil {
		return nil, err
	}
	producer, err := kafka.NewProducer(ctx, kCfg.ConfigMap(), log)
	if err != nil {
		return nil, err
	}
	if err := ensureTopics(ctx, producer, kCfg, log); err != nil {
		producer.Close(kCfg.FlushTimeout)
		return nil, err
	}

	imp.OnLedger(kafka.NewLedgerPublisher(producer, kCfg.LedgerTopic, log).Publish)
	if kCfg.AlertTopic != "" {
		p.notifier = notify.Multi{p.notifier, kafka.NewAlertNotifier(producer, kCfg.AlertTopic)}
	}
	p.producer = producer
	p.close = func() { producer.Close(kCfg.FlushTimeout) }
	log.Infow("kafka publishing enabled",
		"bootstrapServers", kCfg.BootstrapServers,
		"ledgerTopic", kCfg.LedgerTopic,
		"alertTopic", kCfg.AlertTopic,
	)
	return p, nil
}

func ensureTopics(ctx context.Context, producer *kafka.Producer, cfg kafka.ProducerConfig, log *zap.SugaredLogger) error {
	admin, err := producer.Admin()
	if err != nil {
		return err
	}
	defer admin.Close()

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := kafka.EnsureTopics(ctx, admin, cfg.Topics(), log); err != nil {
		return fmt.Errorf("failed to ensure kafka topics exist: %w", err)
	}
	return nil
}

// producerErrors returns the producer's fatal error channel, or nil (which
// blocks forever) when Kafka is disabled.
func (p *pipeline) producerErrors() <-chan error {
	if p.producer == nil {
		return nil
	}
	return p.producer.Errors()
}
