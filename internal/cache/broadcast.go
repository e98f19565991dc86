package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Aidin1998/scriptforge/pkg/logger"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Broadcaster fans tag invalidations out to peer instances whose media are
// process-local.
type Broadcaster interface {
	Publish(ctx context.Context, tag string) error
}

type invalidationEvent struct {
	Tag    string    `json:"tag"`
	Origin string    `json:"origin"`
	At     time.Time `json:"at"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaBroadcaster publishes invalidations to a topic and applies those of
// other instances. Every instance consumes under its own group id so each one
// sees every event.
type KafkaBroadcaster struct {
	writer messageWriter
	reader messageReader
	topic  string
	origin string
	logger *zap.Logger
}

// NewKafkaBroadcaster connects to brokers. groupPrefix is suffixed with a
// random instance id.
func NewKafkaBroadcaster(brokers []string, topic, groupPrefix string, lg *zap.Logger) *KafkaBroadcaster {
	origin := uuid.NewString()
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     groupPrefix + "-" + origin,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    1e6,
	})
	return newKafkaBroadcaster(writer, reader, topic, origin, lg)
}

func newKafkaBroadcaster(w messageWriter, r messageReader, topic, origin string, lg *zap.Logger) *KafkaBroadcaster {
	return &KafkaBroadcaster{writer: w, reader: r, topic: topic, origin: origin, logger: logger.OrNop(lg)}
}

func (k *KafkaBroadcaster) Publish(ctx context.Context, tag string) error {
	body, err := json.Marshal(invalidationEvent{Tag: tag, Origin: k.origin, At: time.Now().UTC()})
	if err != nil {
		return err
	}
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(tag), Value: body, Time: time.Now()}); err != nil {
		return fmt.Errorf("publish invalidation %s: %w", tag, err)
	}
	return nil
}

// Run applies peer invalidations to store until ctx is done. Events published
// by this instance are skipped.
func (k *KafkaBroadcaster) Run(ctx context.Context, store *Store) {
	for {
		msg, err := k.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			k.logger.Warn("Failed to read cache invalidation", zap.String("topic", k.topic), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		var ev invalidationEvent
		if err := json.Unmarshal(msg.Value, &ev); err != nil || ev.Tag == "" {
			k.logger.Warn("Skipping malformed cache invalidation", zap.Int64("offset", msg.Offset))
			continue
		}
		if ev.Origin == k.origin {
			continue
		}
		store.ApplyRemoteInvalidation(ctx, ev.Tag)
	}
}

func (k *KafkaBroadcaster) Close() error {
	return errors.Join(k.writer.Close(), k.reader.Close())
}
