// Package backbone carries intel and sightings between the bridge and the
// rest of the bus. The memory and RabbitMQ backbones deliver every message on
// a topic to every consumer. Kafka consumers sharing a group id split the
// topic between them, so each message reaches one bridge of the group.
package backbone

import (
	"context"
	"errors"
	"fmt"

	"threatbus/vast-bridge/internal/config"

	"github.com/rs/zerolog"
)

// ErrClosed is returned by operations on a closed backbone
var ErrClosed = errors.New("backbone closed")

// Backbone publishes raw payloads to topics and delivers them to consumers
type Backbone interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Consume calls fn for every payload on topic. It blocks until ctx is
	// done (returning nil) or the transport fails.
	Consume(ctx context.Context, topic string, fn func(payload []byte)) error
	Close() error
}

// New builds the backbone selected by cfg.Backend
func New(cfg config.BusCfg, logger zerolog.Logger) (Backbone, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemory(), nil
	case "rabbitmq":
		r, err := DialRabbitMQ(cfg.RabbitMQ.URL, cfg.RabbitMQ.ExchangeKind, logger)
		if err != nil {
			return nil, err
		}
		return r, nil
	case "kafka":
		return NewKafka(cfg.Kafka.Brokers, cfg.Kafka.GroupID, logger), nil
	}
	return nil, fmt.Errorf("unknown bus backend %q", cfg.Backend)
}
