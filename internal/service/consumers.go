package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mallflow/internal/broker"
	v1 "mallflow/pkg/api/v1"
	"mallflow/pkg/constraints"
	"mallflow/pkg/logger"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

const resubscribeDelay = time.Second

// Consumers wires the broker topics to the gate, the executor and the push
// dispatcher.
type Consumers struct {
	sub     broker.Subscriber
	gate    *TaskGate
	execute TaskRunnerFunc
	push    *PushDispatcher
	workers int
}

func NewConsumers(sub broker.Subscriber, gate *TaskGate, execute TaskRunnerFunc, push *PushDispatcher, workers int) *Consumers {
	if workers <= 0 {
		workers = 1
	}
	return &Consumers{sub: sub, gate: gate, execute: execute, push: push, workers: workers}
}

// Run blocks until ctx is done and every in-flight task has returned.
func (c *Consumers) Run(ctx context.Context) {
	tasks := pool.New().WithMaxGoroutines(c.workers)

	var wg conc.WaitGroup
	wg.Go(func() { c.subscribe(ctx, constraints.TopicTaskCreate, c.HandleTaskCreate) })
	wg.Go(func() { c.subscribe(ctx, constraints.TopicTask, c.taskHandler(tasks)) })
	wg.Go(func() { c.subscribe(ctx, constraints.TopicNotification, c.HandleNotify) })
	wg.Wait()

	tasks.Wait()
	logger.Info("consumers stopped")
}

func (c *Consumers) subscribe(ctx context.Context, topic string, h broker.Handler) {
	logger.Info("consumer started", zap.String("topic", topic))
	for {
		err := c.sub.Subscribe(ctx, topic, ack(topic, h))
		if ctx.Err() != nil || errors.Is(err, broker.ErrClosed) {
			return
		}
		logger.Error("subscription ended, resubscribing", zap.String("topic", topic), zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(resubscribeDelay):
		}
	}
}

// ack acknowledges messages that can never succeed so they do not block the
// partition; everything else is returned for redelivery.
func ack(topic string, h broker.Handler) broker.Handler {
	return func(ctx context.Context, msg broker.Message) error {
		err := h(ctx, msg)
		if err != nil && errors.Is(err, ErrMalformedEvent) {
			logger.Error("dropping malformed message",
				zap.String("topic", topic),
				zap.String("key", msg.Key),
				zap.Error(err))
			return nil
		}
		return err
	}
}

func (c *Consumers) HandleTaskCreate(ctx context.Context, msg broker.Message) error {
	var req v1.TaskCreateRequest
	if err := decodeMessage(msg, constraints.PayloadTaskCreate, &req); err != nil {
		return err
	}
	_, _, err := c.gate.CreateFromRequest(ctx, req)
	return err
}

func (c *Consumers) taskHandler(tasks *pool.Pool) broker.Handler {
	return func(ctx context.Context, msg broker.Message) error {
		var ev v1.TaskEvent
		if err := decodeMessage(msg, constraints.PayloadTaskEvent, &ev); err != nil {
			return err
		}
		if ev.TaskID <= 0 {
			return fmt.Errorf("%w: task event without id", ErrMalformedEvent)
		}
		// The row is durable; a run lost to shutdown is picked up by the poller.
		tasks.Go(func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("task execution panicked", zap.Int64("task_id", ev.TaskID), zap.Any("panic", r))
				}
			}()
			if _, err := c.execute(ctx, ev.TaskID); err != nil {
				logger.Error("task execution failed", zap.Int64("task_id", ev.TaskID), zap.Error(err))
			}
		})
		return nil
	}
}

func (c *Consumers) HandleNotify(ctx context.Context, msg broker.Message) error {
	var ev v1.NotifyEvent
	if err := decodeMessage(msg, constraints.PayloadNotifyEvent, &ev); err != nil {
		return err
	}
	return c.push.HandleEvent(ctx, ev)
}

func decodeMessage(msg broker.Message, want string, v any) error {
	if msg.Type != "" && msg.Type != want {
		return fmt.Errorf("%w: payload type %q on %s, want %q", ErrMalformedEvent, msg.Type, msg.Topic, want)
	}
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return nil
}
