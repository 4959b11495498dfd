package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

// Msg is a message to produce.
type Msg struct {
	Topic   string
	Key     []byte
	Value   []byte
	Headers map[string]string
}

// MessageProducer produces a message and waits for its delivery receipt.
type MessageProducer interface {
	Produce(ctx context.Context, msg Msg) error
}

const queueFullRetryDelay = time.Second

var _ MessageProducer = (*Producer)(nil)

// Producer is a synchronous Kafka producer.
//
// Produce blocks until Kafka acknowledges the message. Background goroutines
// drain producer events and, if enabled, librdkafka logs.
//
// Close must be called to stop the goroutines and flush in-flight messages.
type Producer struct {
	producer   *kafka.Producer
	log        *zap.SugaredLogger
	errCh      chan error
	eventsDone chan struct{}
	logsDone   chan struct{}
	closedCh   chan struct{}
	once       sync.Once
}

// NewProducer creates a Producer. ctx bounds the background goroutines.
func NewProducer(ctx context.Context, conf *kafka.ConfigMap, log *zap.SugaredLogger) (*Producer, error) {
	logsEnabled, err := conf.Get("go.logs.channel.enable", false)
	if err != nil {
		return nil, fmt.Errorf("failed to read go.logs.channel.enable: %w", err)
	}
	p, err := kafka.NewProducer(conf)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	q := &Producer{
		producer:   p,
		log:        log,
		errCh:      make(chan error, 1),
		eventsDone: make(chan struct{}),
		logsDone:   make(chan struct{}),
		closedCh:   make(chan struct{}),
	}
	if enabled, _ := logsEnabled.(bool); enabled {
		go q.forwardLogs(ctx)
	} else {
		close(q.logsDone)
	}
	go q.monitorEvents(ctx)
	return q, nil
}

// Produce sends msg and waits for its delivery receipt or ctx. When ctx ends
// first the message may still be delivered later, so consumers must tolerate
// duplicates.
func (q *Producer) Produce(ctx context.Context, msg Msg) error {
	deliveryCh := make(chan kafka.Event, 1)

	kMsg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &msg.Topic,
			Partition: kafka.PartitionAny,
		},
		Key:   msg.Key,
		Value: msg.Value,
	}
	for k, v := range msg.Headers {
		kMsg.Headers = append(kMsg.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	if err := q.produceWithRetry(ctx, kMsg, deliveryCh); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case e := <-deliveryCh:
		return q.handleDelivery(kMsg, e)
	}
}

// Close stops the background goroutines and flushes pending messages for at
// most timeout. Messages still queued after the timeout are lost. Calling
// Close more than once does nothing.
func (q *Producer) Close(timeout time.Duration) {
	q.once.Do(func() {
		q.log.Infow("closing kafka producer")
		defer close(q.errCh)

		close(q.closedCh)
		<-q.eventsDone
		<-q.logsDone

		if pending := q.producer.Flush(int(timeout.Milliseconds())); pending > 0 {
			q.log.Warnw("flush incomplete, messages will be lost", "pending", pending)
		}
		q.producer.Close()
		q.log.Infow("kafka producer closed")
	})
}

// Errors receives at most one fatal producer error. The producer is unusable
// afterwards. The channel is closed by Close.
func (q *Producer) Errors() <-chan error {
	return q.errCh
}

func (q *Producer) produceWithRetry(ctx context.Context, msg *kafka.Message, deliveryCh chan kafka.Event) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := q.producer.Produce(msg, deliveryCh)
		if err == nil {
			return nil
		}

		var kafkaErr kafka.Error
		if !errors.As(err, &kafkaErr) {
			return fmt.Errorf("failed to produce: %w", err)
		}
		switch kafkaErr.Code() {
		case kafka.ErrQueueFull:
			q.log.Warnw("producer queue full, retrying", "delay", queueFullRetryDelay)
			select {
			case <-time.After(queueFullRetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		case kafka.ErrBrokerNotAvailable:
			return fmt.Errorf("broker not available: %w", err)
		case kafka.ErrInvalidMsgSize:
			return fmt.Errorf("invalid message size: %w", err)
		case kafka.ErrUnknownTopicOrPart:
			return fmt.Errorf("unknown topic or partition: %w", err)
		default:
			return fmt.Errorf("failed to produce: %w", err)
		}
	}
}

func (q *Producer) handleDelivery(msg *kafka.Message, ev kafka.Event) error {
	e, ok := ev.(*kafka.Message)
	if !ok {
		return fmt.Errorf("unexpected delivery event: %T", ev)
	}
	if err := e.TopicPartition.Error; err != nil {
		return fmt.Errorf("delivery failed: %w", err)
	}
	q.log.Debugw("message delivered",
		"topic", *msg.TopicPartition.Topic,
		"partition", e.TopicPartition.Partition,
		"offset", e.TopicPartition.Offset,
	)
	return nil
}

func (q *Producer) forwardLogs(ctx context.Context) {
	defer close(q.logsDone)
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.closedCh:
			return
		case l, ok := <-q.producer.Logs():
			if !ok {
				return
			}
			q.log.Debugw("librdkafka", "level", l.Level, "tag", l.Tag, "message", l.Message)
		}
	}
}

func (q *Producer) monitorEvents(ctx context.Context) {
	defer close(q.eventsDone)
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.closedCh:
			return
		case ev, ok := <-q.producer.Events():
			if !ok {
				q.fail(errors.New("kafka producer event channel closed"))
				return
			}
			switch e := ev.(type) {
			case *kafka.Message:
				// Receipts go to the per-message channel; this only sees
				// messages produced without one.
				if e.TopicPartition.Error != nil {
					q.log.Errorw("failed to deliver message", "error", e.TopicPartition.Error)
				}
			case kafka.Error:
				if e.IsFatal() || e.Code() == kafka.ErrAllBrokersDown {
					q.fail(fmt.Errorf("kafka producer failed (code %#x): %w", e.Code(), e))
					return
				}
				q.log.Warnw("ignoring kafka error", "code", e.Code(), "error", e)
			default:
				q.log.Debugw("ignoring kafka event", "event", e.String())
			}
		}
	}
}

func (q *Producer) fail(err error) {
	select {
	case q.errCh <- err:
	default:
		q.log.Warnw("producer error dropped", "error", err)
	}
}
