package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mallflow/internal/metrics"
	"mallflow/internal/repository"
	v1 "mallflow/pkg/api/v1"
	"mallflow/pkg/constraints"
	"mallflow/pkg/logger"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

// Pusher delivers an envelope to every live connection of a user.
type Pusher interface {
	PushToUser(ctx context.Context, userID int64, env v1.PushEnvelope) error
}

type PushConfig struct {
	RetryInterval time.Duration
	BatchSize     int
	Workers       int
	OrphanAfter   time.Duration
	Policy        RetryPolicy
}

// PushDispatcher pushes notifications to their recipients, either when the
// notify event arrives or later from the retry scan.
type PushDispatcher struct {
	notifRepo repository.NotificationInterface
	pusher    Pusher
	observer  metrics.PipelineObserver
	cfg       PushConfig
	now       func() time.Time
}

func NewPushDispatcher(notifRepo repository.NotificationInterface, pusher Pusher, observer metrics.PipelineObserver, cfg PushConfig) *PushDispatcher {
	return &PushDispatcher{
		notifRepo: notifRepo,
		pusher:    pusher,
		observer:  observer,
		cfg:       cfg,
		now:       time.Now,
	}
}

func (d *PushDispatcher) HandleEvent(ctx context.Context, ev v1.NotifyEvent) error {
	if ev.BusinessKey == "" {
		return fmt.Errorf("%w: notify event without business key", ErrMalformedEvent)
	}
	return d.Push(ctx, ev.BusinessKey)
}

// Push makes one delivery attempt for the notification. Push failures are
// recorded on the row; only store errors are returned.
func (d *PushDispatcher) Push(ctx context.Context, businessKey string) error {
	lock, err := d.notifRepo.TryLockForPush(ctx, businessKey, d.now())
	if err != nil {
		return fmt.Errorf("lock notification %s: %w", businessKey, err)
	}
	if !lock.Acquired() {
		logger.Debug("notification not pushable, dropping", zap.String("business_key", businessKey))
		d.observer.PushAttempted("skipped")
		return nil
	}

	n, err := d.notifRepo.GetByBusinessKey(ctx, businessKey)
	if err != nil {
		return fmt.Errorf("load notification %s: %w", businessKey, err)
	}
	if n == nil {
		return fmt.Errorf("notification %s vanished after lock", businessKey)
	}

	env := v1.PushEnvelope{
		Type:      constraints.EventExportExcel,
		Timestamp: d.now().UnixMilli(),
	}
	if json.Valid([]byte(n.Content)) {
		env.Data = json.RawMessage(n.Content)
	} else {
		env.Data, _ = json.Marshal(n.Content)
	}

	pushErr := d.pusher.PushToUser(ctx, n.ToUserID, env)
	if pushErr == nil {
		logger.Info("notification pushed", zap.String("business_key", businessKey), zap.Int64("user_id", n.ToUserID))
		return d.settle(businessKey, "sent", d.notifRepo.MarkPushSent(ctx, businessKey))
	}

	if d.cfg.Policy.Exhausted(n.PushRetryCount) {
		logger.Error("notification push max retries reached",
			zap.String("business_key", businessKey),
			zap.Int("retry_count", n.PushRetryCount+1),
			zap.Error(pushErr))
		return d.settle(businessKey, "dead", d.notifRepo.MarkPushDead(ctx, businessKey, pushErr.Error()))
	}

	delay := d.cfg.Policy.Delay(n.PushRetryCount)
	logger.Warn("notification push failed, will retry",
		zap.String("business_key", businessKey),
		zap.Int("retry_count", n.PushRetryCount+1),
		zap.Duration("backoff", delay),
		zap.Error(pushErr))
	return d.settle(businessKey, "retry", d.notifRepo.MarkPushRetry(ctx, businessKey, pushErr.Error(), d.now().Add(delay)))
}

func (d *PushDispatcher) settle(businessKey, result string, err error) error {
	if err == nil {
		d.observer.PushAttempted(result)
		return nil
	}
	if errors.Is(err, repository.ErrLockLost) {
		logger.Warn("notification lost before it was marked", zap.String("business_key", businessKey), zap.String("result", result))
		return nil
	}
	return fmt.Errorf("record push %s for %s: %w", result, businessKey, err)
}

func (d *PushDispatcher) RunRetries(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.RetryInterval)
	defer ticker.Stop()
	logger.Info("push retry loop started", zap.Duration("interval", d.cfg.RetryInterval))

	for {
		select {
		case <-ctx.Done():
			logger.Info("push retry loop stopped")
			return
		case <-ticker.C:
			d.RetryOnce(ctx)
		}
	}
}

// RetryOnce re-attempts due retries and orphaned first attempts.
func (d *PushDispatcher) RetryOnce(ctx context.Context) int {
	now := d.now()
	list, err := d.notifRepo.SelectRetryable(ctx, now, now.Add(-d.cfg.OrphanAfter), d.cfg.BatchSize)
	if err != nil {
		logger.Error("failed to select retryable notifications", zap.Error(err))
		return 0
	}
	if len(list) == 0 {
		return 0
	}

	workers := d.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	wp := pool.New().WithMaxGoroutines(workers)
	for _, n := range list {
		key := n.BusinessKey
		wp.Go(func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("push retry panicked", zap.String("business_key", key), zap.Any("panic", r))
				}
			}()
			if err := d.Push(ctx, key); err != nil {
				logger.Error("push retry failed", zap.String("business_key", key), zap.Error(err))
			}
		})
	}
	wp.Wait()
	return len(list)
}
