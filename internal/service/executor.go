package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"mallflow/internal/export"
	"mallflow/internal/metrics"
	"mallflow/internal/model"
	"mallflow/internal/repository"
	v1 "mallflow/pkg/api/v1"
	"mallflow/pkg/constraints"
	"mallflow/pkg/logger"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrVersionConflict = errors.New("task version changed underneath")

type Outcome int

const (
	OutcomeSkipped Outcome = iota
	OutcomeSucceeded
	OutcomeRetrying
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeRetrying:
		return "retrying"
	case OutcomeFailed:
		return "failed"
	default:
		return "skipped"
	}
}

const (
	finishAttempts = 3
	finishDelay    = 100 * time.Millisecond
	saveTimeout    = 10 * time.Second
)

type ExecutorConfig struct {
	MaxFailureCount int
	Lease           time.Duration
}

type TaskExecutor struct {
	db         *gorm.DB
	taskRepo   repository.TaskInterface
	outboxRepo repository.OutboxInterface
	notifRepo  repository.NotificationInterface
	producer   *OutboxProducer
	runners    RunnerRegistry
	observer   metrics.PipelineObserver
	cfg        ExecutorConfig
	now        func() time.Time
}

func NewTaskExecutor(
	db *gorm.DB,
	taskRepo repository.TaskInterface,
	outboxRepo repository.OutboxInterface,
	notifRepo repository.NotificationInterface,
	producer *OutboxProducer,
	runners RunnerRegistry,
	observer metrics.PipelineObserver,
	cfg ExecutorConfig,
) *TaskExecutor {
	return &TaskExecutor{
		db:         db,
		taskRepo:   taskRepo,
		outboxRepo: outboxRepo,
		notifRepo:  notifRepo,
		producer:   producer,
		runners:    runners,
		observer:   observer,
		cfg:        cfg,
		now:        time.Now,
	}
}

// Execute runs one WAITING task. Tasks that are gone, no longer WAITING, or
// claimed first by another executor are skipped without error.
func (e *TaskExecutor) Execute(ctx context.Context, id int64) (Outcome, error) {
	task, err := e.taskRepo.GetByID(ctx, id)
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("load task %d: %w", id, err)
	}
	if task == nil {
		logger.Warn("task not found, skipping", zap.Int64("task_id", id))
		return OutcomeSkipped, nil
	}
	if task.Status != model.TaskWaiting {
		logger.Debug("task not waiting, skipping", zap.Int64("task_id", id), zap.Stringer("status", task.Status))
		return OutcomeSkipped, nil
	}

	lease := e.now().Add(e.cfg.Lease)
	rows, err := e.taskRepo.CASUpdate(ctx, task.ID, task.Version, map[string]any{
		"status":           model.TaskRunning,
		"lease_expires_at": lease,
	})
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("claim task %d: %w", id, err)
	}
	if rows == 0 {
		logger.Debug("task claimed elsewhere", zap.Int64("task_id", id))
		return OutcomeSkipped, nil
	}
	task.Version++
	task.Status = model.TaskRunning
	task.LeaseExpiresAt = &lease

	logger.Info("task started", zap.Int64("task_id", task.ID), zap.Stringer("biz_type", task.BizType))

	runCtx, cancel := context.WithCancel(ctx)
	var lost atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.heartbeat(runCtx, task.ID, task.Version, cancel, &lost)
	}()

	ref, runErr := e.run(runCtx, task)
	cancel()
	wg.Wait()

	if lost.Load() {
		logger.Warn("task lease lost during run, dropping result", zap.Int64("task_id", task.ID))
		e.observer.TaskFinished("lease_lost")
		return OutcomeSkipped, nil
	}

	// The result is saved even when ctx was cancelled during the run.
	saveCtx, cancelSave := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancelSave()
	if runErr != nil && ctx.Err() != nil {
		return e.release(saveCtx, task, runErr)
	}
	return e.finish(saveCtx, task, ref, runErr)
}

// release returns a task whose run was interrupted by cancellation to
// WAITING. No failure is charged and the fingerprint stays in flight.
func (e *TaskExecutor) release(ctx context.Context, task *model.Task, runErr error) (Outcome, error) {
	rows, err := e.taskRepo.CASUpdate(ctx, task.ID, task.Version, map[string]any{
		"status":           model.TaskWaiting,
		"lease_expires_at": nil,
		"update_user_id":   model.SystemActor.UserID,
		"update_user_name": model.SystemActor.Name,
	})
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("release task %d: %w", task.ID, err)
	}
	if rows == 0 {
		logger.Warn("task changed before release, leaving it", zap.Int64("task_id", task.ID))
		e.observer.TaskFinished("lease_lost")
		return OutcomeSkipped, nil
	}
	logger.Info("task run interrupted, released", zap.Int64("task_id", task.ID), zap.NamedError("cause", runErr))
	e.observer.TaskFinished("released")
	return OutcomeRetrying, nil
}

// heartbeat extends the lease until ctx ends. Losing the lease cancels the run.
func (e *TaskExecutor) heartbeat(ctx context.Context, id int64, version int, cancel context.CancelFunc, lost *atomic.Bool) {
	interval := e.cfg.Lease / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rows, err := e.taskRepo.ExtendLease(ctx, id, version, e.now().Add(e.cfg.Lease))
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("lease heartbeat failed", zap.Int64("task_id", id), zap.Error(err))
				}
				continue
			}
			if rows == 0 {
				lost.Store(true)
				cancel()
				return
			}
		}
	}
}

func (e *TaskExecutor) run(ctx context.Context, task *model.Task) (ref string, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("task runner panicked", zap.Int64("task_id", task.ID), zap.Any("panic", r))
			err = fmt.Errorf("runner panic: %v", r)
		}
	}()

	runner, ok := e.runners.Lookup(task.BizType)
	if !ok {
		return "", export.Permanent(fmt.Errorf("no runner for business type %d", task.BizType))
	}
	return runner.Run(ctx, task)
}

// finish persists the run result. Transient store errors and spurious
// conflicts are retried a few times; a task that has left RUNNING at our
// version belongs to someone else and the result is dropped.
func (e *TaskExecutor) finish(ctx context.Context, task *model.Task, ref string, runErr error) (Outcome, error) {
	var lastErr error
	for attempt := 1; attempt <= finishAttempts; attempt++ {
		outcome, err := e.applyResult(ctx, task, ref, runErr, "", casUpdate)
		if err == nil {
			e.observer.TaskFinished(outcome.String())
			return outcome, nil
		}
		lastErr = err

		if errors.Is(err, ErrVersionConflict) {
			fresh, gerr := e.taskRepo.GetByID(ctx, task.ID)
			if gerr == nil && (fresh == nil || fresh.Status != model.TaskRunning || fresh.Version != task.Version) {
				logger.Warn("task changed before result was saved, dropping result", zap.Int64("task_id", task.ID))
				e.observer.TaskFinished("lease_lost")
				return OutcomeSkipped, nil
			}
		}

		logger.Warn("saving task result failed",
			zap.Int64("task_id", task.ID),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt < finishAttempts {
			select {
			case <-ctx.Done():
				return OutcomeSkipped, ctx.Err()
			case <-time.After(finishDelay):
			}
		}
	}
	return OutcomeSkipped, fmt.Errorf("save result of task %d: %w", task.ID, lastErr)
}

// ReclaimExpired fails a RUNNING task whose lease ran out, exactly as if its
// run had returned an error.
func (e *TaskExecutor) ReclaimExpired(ctx context.Context, task *model.Task) (Outcome, error) {
	now := e.now()
	cas := func(ctx context.Context, repo repository.TaskInterface, id int64, version int, fields map[string]any) (int64, error) {
		return repo.ReclaimExpired(ctx, id, version, now, fields)
	}
	outcome, err := e.applyResult(ctx, task, "", errors.New("lease expired"), "reaper", cas)
	if errors.Is(err, ErrVersionConflict) {
		return OutcomeSkipped, nil
	}
	if err != nil {
		return OutcomeSkipped, err
	}
	logger.Warn("expired task reclaimed", zap.Int64("task_id", task.ID), zap.Stringer("outcome", outcome))
	e.observer.TaskFinished(outcome.String())
	return outcome, nil
}

type casFunc func(ctx context.Context, repo repository.TaskInterface, id int64, version int, fields map[string]any) (int64, error)

func casUpdate(ctx context.Context, repo repository.TaskInterface, id int64, version int, fields map[string]any) (int64, error) {
	return repo.CASUpdate(ctx, id, version, fields)
}

// applyResult writes the transition for one run result and, when terminal,
// the notification and its outbox event, all in one transaction.
func (e *TaskExecutor) applyResult(ctx context.Context, task *model.Task, ref string, runErr error, updater string, cas casFunc) (Outcome, error) {
	fields := map[string]any{
		"lease_expires_at": nil,
		"update_user_id":   model.SystemActor.UserID,
		"update_user_name": model.SystemActor.Name,
	}
	if updater != "" {
		fields["update_user_name"] = updater
	}

	var outcome Outcome
	if runErr == nil {
		outcome = OutcomeSucceeded
		fields["status"] = model.TaskSuccess
		fields["result_ref"] = ref
		fields["error_msg"] = ""
		fields["inflight_fingerprint"] = nil
	} else {
		failures := task.FailureCount + 1
		fields["failure_count"] = failures
		fields["error_msg"] = repository.TruncateError(runErr.Error())
		if failures >= e.cfg.MaxFailureCount || export.IsPermanent(runErr) {
			outcome = OutcomeFailed
			fields["status"] = model.TaskFail
			fields["inflight_fingerprint"] = nil
		} else {
			outcome = OutcomeRetrying
			fields["status"] = model.TaskWaiting
		}
	}

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rows, err := cas(ctx, e.taskRepo.WithTx(tx), task.ID, task.Version, fields)
		if err != nil {
			return err
		}
		if rows == 0 {
			return ErrVersionConflict
		}
		if outcome == OutcomeRetrying {
			return nil
		}
		return e.emitTerminal(ctx, tx, task, outcome, ref, runErr)
	})
	if err != nil {
		return OutcomeSkipped, err
	}

	fieldsLog := []zap.Field{zap.Int64("task_id", task.ID), zap.Stringer("outcome", outcome)}
	if runErr != nil {
		fieldsLog = append(fieldsLog, zap.Error(runErr))
		logger.Warn("task run failed", fieldsLog...)
	} else {
		logger.Info("task finished", fieldsLog...)
	}
	return outcome, nil
}

func (e *TaskExecutor) emitTerminal(ctx context.Context, tx *gorm.DB, task *model.Task, outcome Outcome, ref string, runErr error) error {
	result := v1.ExportResult{
		TaskID: task.ID,
		UserID: task.CreateUserID,
		Status: model.TaskSuccess.String(),
	}
	if outcome == OutcomeFailed {
		result.Status = model.TaskFail.String()
		result.Error = repository.TruncateError(runErr.Error())
	} else {
		result.FileURL = ref
		result.FileName = fileNameOf(ref)
	}
	content, err := json.Marshal(result)
	if err != nil {
		return err
	}

	businessKey := strconv.FormatInt(task.ID, 10)
	title := "Export finished"
	if outcome == OutcomeFailed {
		title = "Export failed"
	}
	n := &model.Notification{
		BusinessKey:    businessKey,
		Title:          title,
		Content:        string(content),
		ToUserID:       task.CreateUserID,
		PushStatus:     model.PushNew,
		ReadStatus:     model.Unread,
		CreateUserID:   model.SystemActor.UserID,
		CreateUserName: model.SystemActor.Name,
	}
	if _, err := e.notifRepo.WithTx(tx).Create(ctx, n); err != nil {
		return fmt.Errorf("create notification: %w", err)
	}

	_, err = e.producer.Enqueue(ctx, e.outboxRepo.WithTx(tx), model.SystemActor,
		constraints.TopicNotification, constraints.TagNotify, businessKey,
		v1.NotifyEvent{EventType: constraints.EventExportExcel, BusinessKey: businessKey, Content: string(content)})
	return err
}

func fileNameOf(ref string) string {
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil || u.Path == "" {
		return path.Base(ref)
	}
	return path.Base(u.Path)
}
