package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"mallflow/internal/model"
	"mallflow/internal/repository"
	v1 "mallflow/pkg/api/v1"
	"mallflow/pkg/constraints"
)

var ErrUnknownPayload = errors.New("payload type not registered")

// PayloadCodecs maps outbox payload type descriptors to the Go types they
// carry.
type PayloadCodecs struct {
	decoders map[string]func([]byte) (any, error)
	names    map[reflect.Type]string
}

func NewPayloadCodecs() *PayloadCodecs {
	c := &PayloadCodecs{
		decoders: make(map[string]func([]byte) (any, error)),
		names:    make(map[reflect.Type]string),
	}
	RegisterPayload[v1.TaskCreateRequest](c, constraints.PayloadTaskCreate)
	RegisterPayload[v1.TaskEvent](c, constraints.PayloadTaskEvent)
	RegisterPayload[v1.NotifyEvent](c, constraints.PayloadNotifyEvent)
	return c
}

func RegisterPayload[T any](c *PayloadCodecs, name string) {
	c.names[reflect.TypeFor[T]()] = name
	c.decoders[name] = func(b []byte) (any, error) {
		var v T
		if err := json.Unmarshal(b, &v); err != nil {
			return nil, err
		}
		return v, nil
	}
}

func (c *PayloadCodecs) Encode(payload any) (string, []byte, error) {
	name, ok := c.names[reflect.TypeOf(payload)]
	if !ok {
		return "", nil, fmt.Errorf("%w: %T", ErrUnknownPayload, payload)
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", nil, err
	}
	return name, b, nil
}

// Normalize decodes body by its descriptor and re-encodes it for the wire.
// Descriptors nobody registered pass through untouched.
func (c *PayloadCodecs) Normalize(typeName string, body []byte) ([]byte, error) {
	decode, ok := c.decoders[typeName]
	if !ok {
		return body, nil
	}
	v, err := decode(body)
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", typeName, err)
	}
	return json.Marshal(v)
}

// OutboxProducer writes outbox rows through whichever repository the caller
// hands it, normally one bound to the caller's transaction.
type OutboxProducer struct {
	codecs *PayloadCodecs
}

func NewOutboxProducer(codecs *PayloadCodecs) *OutboxProducer {
	return &OutboxProducer{codecs: codecs}
}

func (p *OutboxProducer) Enqueue(ctx context.Context, repo repository.OutboxInterface, actor model.Actor, topic, tag, key string, payload any) (int64, error) {
	typeName, body, err := p.codecs.Encode(payload)
	if err != nil {
		return 0, err
	}
	entry := &model.OutboxEntry{
		Topic:       topic,
		Tag:         tag,
		MsgKey:      key,
		Payload:     string(body),
		PayloadType: typeName,
		Status:      model.OutboxNew,
		TraceID:     TraceIDFromContext(ctx),
		CreatedBy:   actor.Name,
	}
	id, _, err := repo.InsertDedup(ctx, entry)
	if err != nil {
		return 0, fmt.Errorf("enqueue %s/%s/%s: %w", topic, tag, key, err)
	}
	return id, nil
}
