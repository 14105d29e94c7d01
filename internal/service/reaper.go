package service

import (
	"context"
	"errors"
	"time"

	"mallflow/internal/model"
	"mallflow/internal/repository"
	"mallflow/pkg/logger"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"
)

type ExpiredTaskReclaimer interface {
	ReclaimExpired(ctx context.Context, task *model.Task) (Outcome, error)
}

type ReaperConfig struct {
	Interval         time.Duration
	BatchSize        int
	LockKey          string
	LockTTL          int
	OutboxStaleAfter time.Duration
	OutboxRetention  time.Duration
	NotifyStaleAfter time.Duration
}

// Reaper repairs rows abandoned by crashed instances: tasks whose lease ran
// out, and outbox or notification rows stuck mid-send. One instance at a time
// runs it, elected through an etcd mutex.
type Reaper struct {
	etcdClient *clientv3.Client
	taskRepo   repository.TaskInterface
	outboxRepo repository.OutboxInterface
	notifRepo  repository.NotificationInterface
	reclaimer  ExpiredTaskReclaimer
	cfg        ReaperConfig
	now        func() time.Time
}

func NewReaper(
	client *clientv3.Client,
	taskRepo repository.TaskInterface,
	outboxRepo repository.OutboxInterface,
	notifRepo repository.NotificationInterface,
	reclaimer ExpiredTaskReclaimer,
	cfg ReaperConfig,
) *Reaper {
	return &Reaper{
		etcdClient: client,
		taskRepo:   taskRepo,
		outboxRepo: outboxRepo,
		notifRepo:  notifRepo,
		reclaimer:  reclaimer,
		cfg:        cfg,
		now:        time.Now,
	}
}

func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	session, err := concurrency.NewSession(r.etcdClient, concurrency.WithTTL(r.cfg.LockTTL), concurrency.WithContext(ctx))
	if err != nil {
		logger.Error("failed to create etcd concurrency session", zap.Error(err))
		return
	}
	defer session.Close()

	mutex := concurrency.NewMutex(session, r.cfg.LockKey)
	logger.Info("reaper started", zap.Duration("interval", r.cfg.Interval))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lockCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := mutex.Lock(lockCtx)
			cancel()
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					logger.Debug("reaper skipped, another instance holds the lock")
				} else {
					logger.Error("failed to acquire reaper lock", zap.Error(err))
				}
				continue
			}

			r.Sweep(ctx)

			if err := mutex.Unlock(context.Background()); err != nil {
				logger.Warn("failed to release reaper lock", zap.Error(err))
			}
		}
	}
}

// SweepStats counts what one sweep repaired.
type SweepStats struct {
	TasksReclaimed       int
	OutboxRequeued       int64
	NotificationRequeued int64
	OutboxPurged         int64
}

func (r *Reaper) Sweep(ctx context.Context) SweepStats {
	var stats SweepStats
	now := r.now()

	tasks, err := r.taskRepo.SelectExpiredRunning(ctx, now, r.cfg.BatchSize)
	if err != nil {
		logger.Error("reaper: failed to select expired tasks", zap.Error(err))
	}
	for i := range tasks {
		outcome, err := r.reclaimer.ReclaimExpired(ctx, &tasks[i])
		if err != nil {
			logger.Error("reaper: failed to reclaim task", zap.Int64("task_id", tasks[i].ID), zap.Error(err))
			continue
		}
		if outcome != OutcomeSkipped {
			stats.TasksReclaimed++
		}
	}

	if r.cfg.OutboxStaleAfter > 0 {
		stats.OutboxRequeued, err = r.outboxRepo.RequeueStaleSending(ctx, now.Add(-r.cfg.OutboxStaleAfter))
		if err != nil {
			logger.Error("reaper: failed to requeue outbox rows", zap.Error(err))
		}
	}
	if r.cfg.NotifyStaleAfter > 0 {
		stats.NotificationRequeued, err = r.notifRepo.RequeueStaleProcessing(ctx, now.Add(-r.cfg.NotifyStaleAfter))
		if err != nil {
			logger.Error("reaper: failed to requeue notifications", zap.Error(err))
		}
	}
	if r.cfg.OutboxRetention > 0 {
		stats.OutboxPurged, err = r.outboxRepo.DeleteSentBefore(ctx, now.Add(-r.cfg.OutboxRetention))
		if err != nil {
			logger.Error("reaper: failed to purge sent outbox rows", zap.Error(err))
		}
	}

	if stats != (SweepStats{}) {
		logger.Warn("reaper repaired rows",
			zap.Int("tasks", stats.TasksReclaimed),
			zap.Int64("outbox_requeued", stats.OutboxRequeued),
			zap.Int64("notifications_requeued", stats.NotificationRequeued),
			zap.Int64("outbox_purged", stats.OutboxPurged))
	}
	return stats
}
