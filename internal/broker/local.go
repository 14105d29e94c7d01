package broker

import (
	"context"
	"sync"

	"mallflow/pkg/logger"

	"go.uber.org/zap"
)

// LocalBroker is an in-process broker. Subscribers of the same topic compete
// for messages, like members of one consumer group.
type LocalBroker struct {
	mu     sync.Mutex
	queues map[string]chan Message
	buffer int
	done   chan struct{}
	once   sync.Once
}

func NewLocalBroker(buffer int) *LocalBroker {
	if buffer <= 0 {
		buffer = 1024
	}
	return &LocalBroker{
		queues: make(map[string]chan Message),
		buffer: buffer,
		done:   make(chan struct{}),
	}
}

func (b *LocalBroker) queue(topic string) chan Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[topic]
	if !ok {
		q = make(chan Message, b.buffer)
		b.queues[topic] = q
	}
	return q
}

// Publish blocks while the topic buffer is full.
func (b *LocalBroker) Publish(ctx context.Context, msg Message) error {
	select {
	case <-b.done:
		return ErrClosed
	default:
	}

	select {
	case b.queue(msg.Topic) <- msg:
		return nil
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *LocalBroker) Subscribe(ctx context.Context, topic string, h Handler) error {
	q := b.queue(topic)

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-b.done:
			stop()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-ctx.Done():
			select {
			case <-b.done:
				return ErrClosed
			default:
				return nil
			}
		case msg := <-q:
			if !deliver(ctx, msg, h) {
				b.requeue(q, msg)
			}
		}
	}
}

// requeue hands an unacknowledged message back to the topic for the next
// subscriber.
func (b *LocalBroker) requeue(q chan Message, msg Message) {
	select {
	case q <- msg:
		return
	default:
	}
	go func() {
		select {
		case q <- msg:
		case <-b.done:
			logger.Warn("broker closed with unacknowledged message",
				zap.String("topic", msg.Topic), zap.String("key", msg.Key))
		}
	}()
}

func (b *LocalBroker) Close() error {
	b.once.Do(func() { close(b.done) })
	return nil
}
