package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

const metadataTimeout = 10 * time.Second

// TopicAdmin is the subset of *kafka.AdminClient used to manage topics.
type TopicAdmin interface {
	GetMetadata(topic *string, allTopics bool, timeoutMs int) (*kafka.Metadata, error)
	CreateTopics(ctx context.Context, topics []kafka.TopicSpecification, options ...kafka.CreateTopicsAdminOption) ([]kafka.TopicResult, error)
	CreatePartitions(ctx context.Context, partitions []kafka.PartitionsSpecification, options ...kafka.CreatePartitionsAdminOption) ([]kafka.TopicResult, error)
}

// TopicConfig describes a topic to create or validate.
type TopicConfig struct {
	Name              string
	NumPartitions     int
	ReplicationFactor int
}

// Validate checks that the topic can be created.
func (tc TopicConfig) Validate() error {
	if tc.Name == "" {
		return errors.New("topic name cannot be empty")
	}
	if tc.NumPartitions <= 0 {
		return fmt.Errorf("number of partitions must be > 0, got %d", tc.NumPartitions)
	}
	if tc.ReplicationFactor <= 0 {
		return fmt.Errorf("replication factor must be > 0, got %d", tc.ReplicationFactor)
	}
	return nil
}

// EnsureTopics creates missing topics and grows topics with too few
// partitions. A topic with more partitions than configured is left as is;
// Kafka cannot shrink partitions.
func EnsureTopics(ctx context.Context, admin TopicAdmin, topics []TopicConfig, log *zap.SugaredLogger) error {
	for _, tc := range topics {
		if err := ensureTopic(ctx, admin, tc, log); err != nil {
			return err
		}
	}
	return nil
}

func ensureTopic(ctx context.Context, admin TopicAdmin, tc TopicConfig, log *zap.SugaredLogger) error {
	if err := tc.Validate(); err != nil {
		return fmt.Errorf("invalid topic config: %w", err)
	}

	md, err := admin.GetMetadata(&tc.Name, false, int(metadataTimeout.Milliseconds()))
	if err != nil {
		return fmt.Errorf("failed to get metadata for topic %q: %w", tc.Name, err)
	}
	topic, exists := md.Topics[tc.Name]
	if !exists || topic.Error.Code() == kafka.ErrUnknownTopicOrPart {
		return createTopic(ctx, admin, tc, log)
	}
	if topic.Error.Code() != kafka.ErrNoError {
		return fmt.Errorf("topic %q has error: %w", tc.Name, topic.Error)
	}

	current := len(topic.Partitions)
	if current < tc.NumPartitions {
		results, err := admin.CreatePartitions(ctx, []kafka.PartitionsSpecification{
			{Topic: tc.Name, IncreaseTo: tc.NumPartitions},
		})
		if err != nil {
			return fmt.Errorf("failed to increase partitions for topic %q: %w", tc.Name, err)
		}
		if err := firstResultError(results); err != nil {
			return fmt.Errorf("failed to increase partitions for topic %q: %w", tc.Name, err)
		}
		log.Infow("increased topic partitions", "topic", tc.Name, "from", current, "to", tc.NumPartitions)
		return nil
	}
	if current > tc.NumPartitions {
		log.Warnw("topic has more partitions than configured",
			"topic", tc.Name,
			"current", current,
			"desired", tc.NumPartitions,
		)
	}
	return nil
}

func createTopic(ctx context.Context, admin TopicAdmin, tc TopicConfig, log *zap.SugaredLogger) error {
	results, err := admin.CreateTopics(ctx, []kafka.TopicSpecification{{
		Topic:             tc.Name,
		NumPartitions:     tc.NumPartitions,
		ReplicationFactor: tc.ReplicationFactor,
	}})
	if err != nil {
		return fmt.Errorf("failed to create topic %q: %w", tc.Name, err)
	}
	for _, r := range results {
		switch r.Error.Code() {
		case kafka.ErrNoError:
			log.Infow("created topic",
				"topic", r.Topic,
				"partitions", tc.NumPartitions,
				"replicationFactor", tc.ReplicationFactor,
			)
		case kafka.ErrTopicAlreadyExists:
			log.Infow("topic already exists", "topic", r.Topic)
		default:
			return fmt.Errorf("failed to create topic %q: %w", r.Topic, r.Error)
		}
	}
	return nil
}

func firstResultError(results []kafka.TopicResult) error {
	for _, r := range results {
		if r.Error.Code() != kafka.ErrNoError {
			return r.Error
		}
	}
	return nil
}

// Admin returns an admin client sharing the producer's connection. The
// caller closes it before closing the producer.
func (q *Producer) Admin() (*kafka.AdminClient, error) {
	a, err := kafka.NewAdminClientFromProducer(q.producer)
	if err != nil {
		return nil, fmt.Errorf("failed to create admin client: %w", err)
	}
	return a, nil
}
