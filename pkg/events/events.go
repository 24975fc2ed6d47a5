// Package events moves JSON encoded messages through Kafka topics.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/andrej220/rdeploy/internal/lg"
)

const commitTimeout = 5 * time.Second

type Config struct {
	Brokers []string
	Topic   string
	GroupID string
}

func (c Config) validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("events: at least one broker is required")
	}
	if c.Topic == "" {
		return errors.New("events: topic is required")
	}
	return nil
}

type messageWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Producer publishes values of T to one topic.
type Producer[T any] struct {
	writer messageWriter
	topic  string
}

func NewProducer[T any](cfg Config) (*Producer[T], error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Producer[T]{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.Topic,
			Balancer:               &kafka.Hash{},
			Async:                  false,
			AllowAutoTopicCreation: true,
		},
		topic: cfg.Topic,
	}, nil
}

func (p *Producer[T]) Publish(ctx context.Context, key []byte, v T) error {
	message, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("events: marshal: %w", err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   key,
		Value: message,
		Time:  time.Now(),
	})
	if err != nil {
		if errors.Is(err, kafka.UnknownTopicOrPartition) {
			return fmt.Errorf("events: topic %s does not exist: %w", p.topic, err)
		}
		return fmt.Errorf("events: publish to %s: %w", p.topic, err)
	}
	return nil
}

func (p *Producer[T]) Close() error {
	return p.writer.Close()
}

// Consumer reads values of T as a member of a consumer group.
type Consumer[T any] struct {
	reader messageReader
}

func NewConsumer[T any](cfg Config) (*Consumer[T], error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.GroupID == "" {
		return nil, errors.New("events: group id is required")
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		GroupID: cfg.GroupID,
		Topic:   cfg.Topic,
	})
	return &Consumer[T]{reader: r}, nil
}

// Handler processes one message. Its error is logged; the message is committed
// either way so a failing request is not replayed against a host.
type Handler[T any] func(ctx context.Context, v T) error

// Run fetches messages one at a time until ctx is done. Undecodable messages
// are logged and skipped.
func (c *Consumer[T]) Run(ctx context.Context, handle Handler[T]) error {
	logger := lg.FromContext(ctx)
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("fetch failed", lg.Err(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		var payload T
		if err := json.Unmarshal(msg.Value, &payload); err != nil {
			logger.Warn("skipping undecodable message",
				lg.String("topic", msg.Topic), lg.Int("partition", msg.Partition), lg.Any("offset", msg.Offset), lg.Err(err))
		} else if err := handle(ctx, payload); err != nil {
			logger.Error("handler failed", lg.Any("offset", msg.Offset), lg.Err(err))
		}

		// commit even when ctx was cancelled during handle
		commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
		err = c.reader.CommitMessages(commitCtx, msg)
		cancel()
		if err != nil {
			return fmt.Errorf("events: commit: %w", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *Consumer[T]) Close() error {
	return c.reader.Close()
}
