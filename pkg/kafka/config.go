package kafka

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// ProducerConfig holds the Kafka settings for ledger publication and alerts.
type ProducerConfig struct {
	BootstrapServers  string        `env:"KAFKA_BOOTSTRAP_SERVERS"   envDefault:"localhost:9092"`
	ClientID          string        `env:"KAFKA_CLIENT_ID"           envDefault:"ledger-importer"`
	LedgerTopic       string        `env:"KAFKA_LEDGER_TOPIC"        envDefault:"ledgers"`
	AlertTopic        string        `env:"KAFKA_ALERT_TOPIC"         envDefault:"ledger-alerts"`
	Partitions        int           `env:"KAFKA_TOPIC_PARTITIONS"    envDefault:"1"`
	ReplicationFactor int           `env:"KAFKA_REPLICATION_FACTOR"  envDefault:"1"`
	FlushTimeout      time.Duration `env:"KAFKA_FLUSH_TIMEOUT"       envDefault:"15s"`
	EnableLogs        bool          `env:"KAFKA_ENABLE_LOGS"         envDefault:"false"` // librdkafka client logs
}

// LoadProducerConfig reads the producer configuration from the environment.
func LoadProducerConfig() (ProducerConfig, error) {
	var cfg ProducerConfig
	if err := env.Parse(&cfg); err != nil {
		return ProducerConfig{}, fmt.Errorf("parse kafka config: %w", err)
	}
	return cfg, nil
}

// ConfigMap returns the librdkafka configuration for an idempotent producer.
func (c ProducerConfig) ConfigMap() *kafka.ConfigMap {
	return &kafka.ConfigMap{
		"bootstrap.servers":      c.BootstrapServers,
		"client.id":              c.ClientID,
		"enable.idempotence":     true,
		"acks":                   "all",
		"go.logs.channel.enable": c.EnableLogs,
	}
}

// Topics returns the topics the importer produces to.
func (c ProducerConfig) Topics() []TopicConfig {
	topics := []TopicConfig{{Name: c.LedgerTopic, NumPartitions: c.Partitions, ReplicationFactor: c.ReplicationFactor}}
	if c.AlertTopic != "" {
		topics = append(topics, TopicConfig{Name: c.AlertTopic, NumPartitions: 1, ReplicationFactor: c.ReplicationFactor})
	}
	return topics
}
