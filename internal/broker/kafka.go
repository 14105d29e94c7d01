package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mallflow/pkg/logger"

	kgo "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	headerTag  = "tag"
	headerType = "payload-type"
)

type KafkaConfig struct {
	Brokers      string
	GroupID      string
	WriteTimeout time.Duration
}

// KafkaBroker publishes through one shared writer and consumes with one
// group reader per subscription. Offsets are committed only after the
// handler succeeds.
type KafkaBroker struct {
	brokers []string
	groupID string
	writer  *kgo.Writer
	timeout time.Duration
}

func NewKafkaBroker(cfg KafkaConfig) (*KafkaBroker, error) {
	brokers := splitCSV(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	w := &kgo.Writer{
		Addr:                   kgo.TCP(brokers...),
		Balancer:               &kgo.Hash{},
		RequiredAcks:           kgo.RequireAll,
		AllowAutoTopicCreation: true,
		ErrorLogger:            kgo.LoggerFunc(logger.Errorf),
	}

	return &KafkaBroker{
		brokers: brokers,
		groupID: cfg.GroupID,
		writer:  w,
		timeout: timeout,
	}, nil
}

func (b *KafkaBroker) Publish(ctx context.Context, msg Message) error {
	cctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	if err := b.writer.WriteMessages(cctx, toKafkaMessage(msg)); err != nil {
		return fmt.Errorf("kafka publish %s: %w", msg.Topic, err)
	}
	return nil
}

func (b *KafkaBroker) Subscribe(ctx context.Context, topic string, h Handler) error {
	r := kgo.NewReader(kgo.ReaderConfig{
		Brokers:        b.brokers,
		Topic:          topic,
		GroupID:        b.groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commits
		ErrorLogger:    kgo.LoggerFunc(logger.Errorf),
	})
	defer r.Close()

	logger.Info("kafka subscriber started", zap.String("topic", topic), zap.String("group", b.groupID))

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka fetch %s: %w", topic, err)
		}

		// The next message is fetched only once this one is acknowledged, so
		// a failing handler never lets the group offset move past it.
		if !deliver(ctx, fromKafkaMessage(m), h) {
			return nil
		}

		cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err = r.CommitMessages(cctx, m)
		cancel()
		if err != nil {
			logger.Warn("kafka commit failed", zap.String("topic", topic), zap.Int64("offset", m.Offset), zap.Error(err))
		}
	}
}

func (b *KafkaBroker) Close() error {
	return b.writer.Close()
}

func toKafkaMessage(msg Message) kgo.Message {
	return kgo.Message{
		Topic: msg.Topic,
		Key:   []byte(msg.Key),
		Value: msg.Payload,
		Headers: []kgo.Header{
			{Key: headerTag, Value: []byte(msg.Tag)},
			{Key: headerType, Value: []byte(msg.Type)},
		},
		Time: time.Now(),
	}
}

func fromKafkaMessage(m kgo.Message) Message {
	msg := Message{
		Topic:   m.Topic,
		Key:     string(m.Key),
		Payload: m.Value,
	}
	for _, h := range m.Headers {
		switch h.Key {
		case headerTag:
			msg.Tag = string(h.Value)
		case headerType:
			msg.Type = string(h.Value)
		}
	}
	return msg
}
