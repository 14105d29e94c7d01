package service

import (
	"context"
	"errors"
	"time"

	"mallflow/internal/broker"
	"mallflow/internal/metrics"
	"mallflow/internal/model"
	"mallflow/internal/repository"
	"mallflow/pkg/logger"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

type DispatcherConfig struct {
	Interval  time.Duration
	BatchSize int
	Workers   int
	Policy    RetryPolicy
}

// OutboxDispatcher forwards committed outbox rows to the broker.
type OutboxDispatcher struct {
	outboxRepo repository.OutboxInterface
	publisher  broker.Publisher
	codecs     *PayloadCodecs
	observer   metrics.PipelineObserver
	cfg        DispatcherConfig
	now        func() time.Time
}

func NewOutboxDispatcher(outboxRepo repository.OutboxInterface, publisher broker.Publisher, codecs *PayloadCodecs, observer metrics.PipelineObserver, cfg DispatcherConfig) *OutboxDispatcher {
	return &OutboxDispatcher{
		outboxRepo: outboxRepo,
		publisher:  publisher,
		codecs:     codecs,
		observer:   observer,
		cfg:        cfg,
		now:        time.Now,
	}
}

func (d *OutboxDispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()
	logger.Info("outbox dispatcher started", zap.Duration("interval", d.cfg.Interval))

	for {
		select {
		case <-ctx.Done():
			logger.Info("outbox dispatcher stopped")
			return
		case <-ticker.C:
			d.DispatchOnce(ctx)
		}
	}
}

// DispatchOnce handles one batch of sendable rows and waits for it.
func (d *OutboxDispatcher) DispatchOnce(ctx context.Context) int {
	rows, err := d.outboxRepo.FetchPending(ctx, d.cfg.BatchSize, d.now())
	if err != nil {
		logger.Error("failed to fetch pending outbox rows", zap.Error(err))
		return 0
	}
	if len(rows) == 0 {
		return 0
	}

	workers := d.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	wp := pool.New().WithMaxGoroutines(workers)
	for i := range rows {
		row := rows[i]
		wp.Go(func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("outbox dispatch panicked", zap.Int64("id", row.ID), zap.Any("panic", r))
				}
			}()
			d.dispatch(ctx, &row)
		})
	}
	wp.Wait()
	return len(rows)
}

func (d *OutboxDispatcher) dispatch(ctx context.Context, row *model.OutboxEntry) {
	lock, err := d.outboxRepo.TryLockForSend(ctx, row.ID, d.now())
	if err != nil {
		logger.Error("failed to lock outbox row", zap.Int64("id", row.ID), zap.Error(err))
		return
	}
	if !lock.Acquired() {
		logger.Debug("outbox row taken by another dispatcher", zap.Int64("id", row.ID))
		d.observer.OutboxDispatched("skipped")
		return
	}

	// The scanned copy may be stale; the retry budget comes from the locked row.
	locked, err := d.outboxRepo.GetByID(ctx, row.ID)
	if err != nil || locked == nil {
		logger.Error("failed to reload locked outbox row", zap.Int64("id", row.ID), zap.Error(err))
		return
	}
	row = locked

	logger.Debug("dispatching outbox row",
		zap.Int64("id", row.ID),
		zap.String("topic", row.Topic),
		zap.String("key", row.MsgKey))

	body, err := d.codecs.Normalize(row.PayloadType, []byte(row.Payload))
	if err != nil {
		logger.Error("outbox payload is corrupt", zap.Int64("id", row.ID), zap.Error(err))
		d.settle(ctx, row.ID, "failed", d.outboxRepo.MarkFailed(ctx, row.ID, err.Error()))
		return
	}

	err = d.publisher.Publish(ctx, broker.Message{
		Topic:   row.Topic,
		Tag:     row.Tag,
		Key:     row.MsgKey,
		Type:    row.PayloadType,
		Payload: body,
	})
	if err == nil {
		d.settle(ctx, row.ID, "sent", d.outboxRepo.MarkSent(ctx, row.ID))
		logger.Info("outbox row sent", zap.Int64("id", row.ID), zap.String("topic", row.Topic), zap.String("key", row.MsgKey))
		return
	}

	if d.cfg.Policy.Exhausted(row.RetryCount) {
		logger.Error("outbox row max retries reached",
			zap.Int64("id", row.ID),
			zap.Int("retry_count", row.RetryCount+1),
			zap.Error(err))
		d.settle(ctx, row.ID, "failed", d.outboxRepo.MarkFailed(ctx, row.ID, err.Error()))
		return
	}

	delay := d.cfg.Policy.Delay(row.RetryCount)
	logger.Warn("outbox publish failed, will retry",
		zap.Int64("id", row.ID),
		zap.Int("retry_count", row.RetryCount+1),
		zap.Duration("backoff", delay),
		zap.Error(err))
	d.settle(ctx, row.ID, "retry", d.outboxRepo.MarkRetry(ctx, row.ID, err.Error(), d.now().Add(delay)))
}

func (d *OutboxDispatcher) settle(ctx context.Context, id int64, result string, err error) {
	switch {
	case err == nil:
		d.observer.OutboxDispatched(result)
	case errors.Is(err, repository.ErrLockLost):
		// The reaper requeued the row while we held it; the next pass resends.
		logger.Warn("outbox row lost before it was marked", zap.Int64("id", id), zap.String("result", result))
	default:
		logger.Error("failed to record outbox result", zap.Int64("id", id), zap.String("result", result), zap.Error(err))
	}
}
