package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mallflow/internal/model"
)

func TestTaskPoller_PollOnceRunsEveryWaitingTask(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.waitingTask(t, model.BizUser, `{"page":`+string(rune('0'+i))+`}`)
	}

	var mu sync.Mutex
	seen := make(map[int64]int)
	run := func(ctx context.Context, id int64) (Outcome, error) {
		mu.Lock()
		defer mu.Unlock()
		seen[id]++
		if id%2 == 0 {
			panic("boom")
		}
		return OutcomeSucceeded, nil
	}
	p := NewTaskPoller(f.tasks, run, PollerConfig{Interval: time.Second, BatchSize: 10, Workers: 8})

	if n := p.PollOnce(context.Background()); n != 5 {
		t.Fatalf("expected 5 tasks, got %d", n)
	}
	p.Wait()
	if len(seen) != 5 {
		t.Errorf("a panicking task must not abort the batch, ran %d", len(seen))
	}
}

func TestTaskPoller_SaturatedPoolSkipsDispatch(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.waitingTask(t, model.BizUser, `{"page":`+string(rune('0'+i))+`}`)
	}

	release := make(chan struct{})
	var mu sync.Mutex
	seen := make(map[int64]int)
	run := func(ctx context.Context, id int64) (Outcome, error) {
		mu.Lock()
		seen[id]++
		mu.Unlock()
		<-release
		return OutcomeSucceeded, nil
	}
	p := NewTaskPoller(f.tasks, run, PollerConfig{Interval: time.Second, BatchSize: 10, Workers: 2})
	ctx := context.Background()

	if n := p.PollOnce(ctx); n != 2 {
		t.Fatalf("expected one task per worker, got %d", n)
	}
	for i := 0; i < 3; i++ {
		if n := p.PollOnce(ctx); n != 0 {
			t.Fatalf("busy pool must not take more work, got %d", n)
		}
	}
	close(release)
	p.Wait()

	if len(seen) != 2 {
		t.Fatalf("expected 2 tasks run, got %d", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("task %d dispatched %d times", id, n)
		}
	}
}

// A slow run holds one worker; the loop keeps polling and other tasks are
// still picked up.
func TestTaskPoller_SlowTaskDoesNotStallPolling(t *testing.T) {
	f := newFixture(t)
	slow := f.waitingTask(t, model.BizUser, `{"page":1}`)

	release := make(chan struct{})
	var slowRuns atomic.Int32
	fastRan := make(chan int64, 16)
	run := func(ctx context.Context, id int64) (Outcome, error) {
		if id == slow.ID {
			slowRuns.Add(1)
			<-release
			return OutcomeSucceeded, nil
		}
		select {
		case fastRan <- id:
		default:
		}
		return OutcomeSucceeded, nil
	}
	p := NewTaskPoller(f.tasks, run, PollerConfig{Interval: 10 * time.Millisecond, BatchSize: 10, Workers: 4})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(stopped)
	}()

	time.Sleep(50 * time.Millisecond)
	fast := f.waitingTask(t, model.BizUser, `{"page":2}`)

	select {
	case id := <-fastRan:
		if id != fast.ID {
			t.Errorf("expected task %d, got %d", fast.ID, id)
		}
	case <-time.After(time.Second):
		t.Fatal("new task not picked up while a slow task was running")
	}
	if n := slowRuns.Load(); n != 1 {
		t.Errorf("in-flight task dispatched %d times", n)
	}

	cancel()
	close(release)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}
}

func TestTaskPoller_StaleAfterSkipsFreshTasks(t *testing.T) {
	f := newFixture(t)
	f.waitingTask(t, model.BizUser, "")

	var calls atomic.Int32
	run := func(ctx context.Context, id int64) (Outcome, error) {
		calls.Add(1)
		return OutcomeSucceeded, nil
	}
	p := NewTaskPoller(f.tasks, run, PollerConfig{Interval: time.Second, BatchSize: 10, Workers: 1, StaleAfter: time.Minute})
	p.now = f.clock.Now

	if n := p.PollOnce(context.Background()); n != 0 {
		t.Fatalf("fresh task must be left to the event path, got %d", n)
	}
	f.clock.Advance(2 * time.Minute)
	n := p.PollOnce(context.Background())
	p.Wait()
	if n != 1 || calls.Load() != 1 {
		t.Fatalf("expected stale task to be polled, got n=%d calls=%d", n, calls.Load())
	}
}

func TestTaskPoller_WithExecutorRetriesByRescan(t *testing.T) {
	f := newFixture(t)
	attempts := 0
	f.registry.Register(model.BizUser, runnerFailingTimes(&attempts, 2))
	exec := f.executor(3)
	task := f.waitingTask(t, model.BizUser, "")

	p := NewTaskPoller(f.tasks, exec.Execute, PollerConfig{Interval: time.Second, BatchSize: 10, Workers: 2})
	for i := 0; i < 3; i++ {
		p.PollOnce(context.Background())
		p.Wait()
	}

	got := f.reload(t, task.ID)
	if got.Status != model.TaskSuccess || got.FailureCount != 2 {
		t.Errorf("expected SUCCESS after two failures, got %s/%d", got.Status, got.FailureCount)
	}
	if p.PollOnce(context.Background()) != 0 {
		t.Error("finished task must not be polled again")
	}
}
