// Package broker carries outbox messages between instances.
package broker

import (
	"context"
	"errors"
	"strings"
	"time"

	"mallflow/pkg/logger"

	"go.uber.org/zap"
)

// Message is the unit published to and consumed from a topic.
type Message struct {
	Topic   string
	Tag     string
	Key     string
	Type    string
	Payload []byte
}

// Handler processes one delivered message. A nil return acknowledges it.
type Handler func(ctx context.Context, msg Message) error

type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

type Subscriber interface {
	// Subscribe blocks, delivering messages of topic to h until ctx is done.
	Subscribe(ctx context.Context, topic string, h Handler) error
}

type Broker interface {
	Publisher
	Subscriber
	Close() error
}

var ErrClosed = errors.New("broker closed")

// Redelivery backoff for a message whose handler failed.
var (
	redeliverBase = 100 * time.Millisecond
	redeliverCap  = 5 * time.Second
)

// deliver hands msg to h until h acknowledges it, backing off between
// attempts. It reports false when ctx ends first; the message is then
// still unacknowledged.
func deliver(ctx context.Context, msg Message, h Handler) bool {
	delay := redeliverBase
	for attempt := 1; ; attempt++ {
		err := h(ctx, msg)
		if err == nil {
			return true
		}
		logger.Warn("message handler failed, redelivering",
			zap.String("topic", msg.Topic),
			zap.String("key", msg.Key),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err))

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}
		delay = min(delay*2, redeliverCap)
	}
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
