package service

import (
	"context"
	"sync"
	"time"

	"mallflow/internal/repository"
	"mallflow/pkg/logger"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

type TaskRunnerFunc func(ctx context.Context, id int64) (Outcome, error)

type PollerConfig struct {
	Interval   time.Duration
	BatchSize  int
	Workers    int
	StaleAfter time.Duration
}

// TaskPoller rescans WAITING tasks so that tasks whose event was lost, or
// which failed and went back to WAITING, are picked up again. Runs share one
// long-lived worker pool; a task already in flight is not dispatched again.
type TaskPoller struct {
	taskRepo repository.TaskInterface
	execute  TaskRunnerFunc
	cfg      PollerConfig
	now      func() time.Time

	workers  int
	pool     *pool.Pool
	mu       sync.Mutex
	inflight map[int64]struct{}
}

func NewTaskPoller(taskRepo repository.TaskInterface, execute TaskRunnerFunc, cfg PollerConfig) *TaskPoller {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	return &TaskPoller{
		taskRepo: taskRepo,
		execute:  execute,
		cfg:      cfg,
		now:      time.Now,
		workers:  workers,
		pool:     pool.New().WithMaxGoroutines(workers),
		inflight: make(map[int64]struct{}),
	}
}

// Run polls on every tick until ctx is done, then waits for in-flight runs.
func (p *TaskPoller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	logger.Info("task poller started",
		zap.Duration("interval", p.cfg.Interval),
		zap.Int("workers", p.workers))

	for {
		select {
		case <-ctx.Done():
			p.Wait()
			logger.Info("task poller stopped")
			return
		case <-ticker.C:
			p.PollOnce(ctx)
		}
	}
}

// PollOnce hands one batch to the worker pool and returns the number of
// tasks dispatched. It does not wait for them; tasks still in flight are
// skipped and dispatch stops once every worker is busy.
func (p *TaskPoller) PollOnce(ctx context.Context) int {
	free := p.free()
	if free == 0 {
		return 0
	}

	var before time.Time
	if p.cfg.StaleAfter > 0 {
		before = p.now().Add(-p.cfg.StaleAfter)
	}
	tasks, err := p.taskRepo.SelectWaiting(ctx, p.cfg.BatchSize, before)
	if err != nil {
		logger.Error("failed to select waiting tasks", zap.Error(err))
		return 0
	}

	dispatched := 0
	for _, t := range tasks {
		if dispatched == free {
			break
		}
		id := t.ID
		if !p.claim(id) {
			continue
		}
		dispatched++
		p.pool.Go(func() {
			defer p.release(id)
			defer func() {
				if r := recover(); r != nil {
					logger.Error("task execution panicked", zap.Int64("task_id", id), zap.Any("panic", r))
				}
			}()
			if _, err := p.execute(ctx, id); err != nil {
				logger.Error("task execution failed", zap.Int64("task_id", id), zap.Error(err))
			}
		})
	}

	if dispatched > 0 {
		logger.Debug("poll batch dispatched", zap.Int("count", dispatched), zap.Int("selected", len(tasks)))
	}
	return dispatched
}

// Wait blocks until every dispatched run has returned.
func (p *TaskPoller) Wait() {
	p.pool.Wait()
}

func (p *TaskPoller) free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers - len(p.inflight)
}

func (p *TaskPoller) claim(id int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inflight[id]; ok {
		return false
	}
	p.inflight[id] = struct{}{}
	return true
}

func (p *TaskPoller) release(id int64) {
	p.mu.Lock()
	delete(p.inflight, id)
	p.mu.Unlock()
}
