package backbone

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// Kafka keeps one writer per topic. Readers join GroupID, so several bridge
// instances share the intel stream instead of each seeing every message.
type Kafka struct {
	brokers []string
	groupID string
	logger  zerolog.Logger

	mu      sync.Mutex
	writers map[string]*kafka.Writer
	readers map[*kafka.Reader]struct{}
	closed  bool
}

func NewKafka(brokers []string, groupID string, logger zerolog.Logger) *Kafka {
	return &Kafka{
		brokers: brokers,
		groupID: groupID,
		logger:  logger.With().Str("component", "kafka").Logger(),
		writers: make(map[string]*kafka.Writer),
		readers: make(map[*kafka.Reader]struct{}),
	}
}

func (k *Kafka) writer(topic string) (*kafka.Writer, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil, ErrClosed
	}
	w, ok := k.writers[topic]
	if !ok {
		w = &kafka.Writer{
			Addr:                   kafka.TCP(k.brokers...),
			Topic:                  topic,
			Balancer:               &kafka.LeastBytes{},
			BatchTimeout:           10 * time.Millisecond,
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
		}
		k.writers[topic] = w
	}
	return w, nil
}

func (k *Kafka) Publish(ctx context.Context, topic string, payload []byte) error {
	w, err := k.writer(topic)
	if err != nil {
		return err
	}
	if err := w.WriteMessages(ctx, kafka.Message{Value: payload}); err != nil {
		return fmt.Errorf("write to %s: %w", topic, err)
	}
	return nil
}

func (k *Kafka) Consume(ctx context.Context, topic string, fn func(payload []byte)) error {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.brokers,
		Topic:       topic,
		GroupID:     k.groupID,
		MinBytes:    1,
		MaxBytes:    10e6, // 10MB
		MaxAttempts: 10,
		Dialer: &kafka.Dialer{
			Timeout:   10 * time.Second,
			DualStack: true,
		},
	})

	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		r.Close()
		return ErrClosed
	}
	k.readers[r] = struct{}{}
	k.mu.Unlock()

	defer func() {
		k.mu.Lock()
		delete(k.readers, r)
		k.mu.Unlock()
		r.Close()
	}()

	k.logger.Info().Str("topic", topic).Str("group_id", k.groupID).Msg("consuming")
	for {
		msg, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, kafka.ErrGroupClosed) || errors.Is(err, io.EOF) {
				return ErrClosed
			}
			return fmt.Errorf("read from %s: %w", topic, err)
		}
		fn(msg.Value)
	}
}

func (k *Kafka) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil
	}
	k.closed = true
	var errs []error
	for _, w := range k.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for r := range k.readers {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
