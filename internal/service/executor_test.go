package service

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"mallflow/internal/export"
	"mallflow/internal/model"
	v1 "mallflow/pkg/api/v1"
	"mallflow/pkg/constraints"
)

func TestTaskExecutor_Success(t *testing.T) {
	f := newFixture(t)
	f.registry.Register(model.BizUser, succeedWith("https://bucket.local/exports/user/1-20240101000000.csv?X-Amz-Signature=abc"))
	exec := f.executor(3)
	task := f.waitingTask(t, model.BizUser, `{"status":1}`)

	outcome, err := exec.Execute(context.Background(), task.ID)
	if err != nil || outcome != OutcomeSucceeded {
		t.Fatalf("expected success, got %s err=%v", outcome, err)
	}

	got := f.reload(t, task.ID)
	if got.Status != model.TaskSuccess {
		t.Errorf("expected SUCCESS, got %s", got.Status)
	}
	if got.InflightFingerprint != nil || got.LeaseExpiresAt != nil {
		t.Error("terminal task must release its fingerprint and lease")
	}
	if got.Version != task.Version+2 {
		t.Errorf("expected two version bumps, got %d -> %d", task.Version, got.Version)
	}

	n, err := f.notifs.GetByBusinessKey(context.Background(), strconv.FormatInt(task.ID, 10))
	if err != nil || n == nil {
		t.Fatalf("expected notification, got %v", err)
	}
	if n.ToUserID != 1 || n.PushStatus != model.PushNew || n.ReadStatus != model.Unread {
		t.Errorf("unexpected notification %+v", n)
	}
	var result v1.ExportResult
	if err := json.Unmarshal([]byte(n.Content), &result); err != nil {
		t.Fatalf("decode content: %v", err)
	}
	if result.Status != "SUCCESS" || result.FileName != "1-20240101000000.csv" || result.TaskID != task.ID {
		t.Errorf("unexpected result %+v", result)
	}
	if c := f.countOutbox(t, constraints.TopicNotification, model.OutboxNew); c != 1 {
		t.Errorf("expected one notify event, got %d", c)
	}
	if f.obs.Tasks("succeeded") != 1 {
		t.Error("expected succeeded outcome to be observed")
	}
}

func TestTaskExecutor_FailureBudget(t *testing.T) {
	f := newFixture(t)
	f.registry.Register(model.BizUser, export.RunnerFunc(func(ctx context.Context, task *model.Task) (string, error) {
		return "", errors.New("db timeout")
	}))
	exec := f.executor(3)
	task := f.waitingTask(t, model.BizUser, "")
	ctx := context.Background()

	for attempt := 1; attempt <= 2; attempt++ {
		outcome, err := exec.Execute(ctx, task.ID)
		if err != nil || outcome != OutcomeRetrying {
			t.Fatalf("attempt %d: expected retrying, got %s err=%v", attempt, outcome, err)
		}
		got := f.reload(t, task.ID)
		if got.Status != model.TaskWaiting || got.FailureCount != attempt {
			t.Fatalf("attempt %d: status=%s failures=%d", attempt, got.Status, got.FailureCount)
		}
		if got.InflightFingerprint == nil {
			t.Fatal("retrying task must keep its fingerprint")
		}
		if got.ErrorMsg != "db timeout" {
			t.Errorf("unexpected error message %q", got.ErrorMsg)
		}
	}

	outcome, err := exec.Execute(ctx, task.ID)
	if err != nil || outcome != OutcomeFailed {
		t.Fatalf("third attempt: expected failed, got %s err=%v", outcome, err)
	}
	got := f.reload(t, task.ID)
	if got.Status != model.TaskFail || got.FailureCount != 3 {
		t.Errorf("expected FAIL with 3 failures, got %s/%d", got.Status, got.FailureCount)
	}

	n, _ := f.notifs.GetByBusinessKey(ctx, strconv.FormatInt(task.ID, 10))
	if n == nil || !strings.Contains(n.Content, `"status":"FAIL"`) {
		t.Fatalf("expected failure notification, got %+v", n)
	}

	if outcome, _ := exec.Execute(ctx, task.ID); outcome != OutcomeSkipped {
		t.Errorf("terminal task must be skipped, got %s", outcome)
	}
}

func TestTaskExecutor_PermanentErrorFailsImmediately(t *testing.T) {
	f := newFixture(t)
	f.registry.Register(model.BizUser, export.RunnerFunc(func(ctx context.Context, task *model.Task) (string, error) {
		return "", export.Permanent(export.ErrNoBucket)
	}))
	exec := f.executor(3)

	task := f.waitingTask(t, model.BizUser, "")
	if outcome, _ := exec.Execute(context.Background(), task.ID); outcome != OutcomeFailed {
		t.Fatalf("expected failed, got %s", outcome)
	}
	if got := f.reload(t, task.ID); got.FailureCount != 1 || got.Status != model.TaskFail {
		t.Errorf("expected FAIL after one failure, got %s/%d", got.Status, got.FailureCount)
	}

	// No runner for the type is a configuration error.
	orphan := f.waitingTask(t, model.BizBrand, "")
	if outcome, _ := exec.Execute(context.Background(), orphan.ID); outcome != OutcomeFailed {
		t.Fatalf("expected failed for missing runner, got %s", outcome)
	}
}

func TestTaskExecutor_RecoversRunnerPanic(t *testing.T) {
	f := newFixture(t)
	f.registry.Register(model.BizUser, export.RunnerFunc(func(ctx context.Context, task *model.Task) (string, error) {
		panic("nil map")
	}))
	exec := f.executor(3)
	task := f.waitingTask(t, model.BizUser, "")

	outcome, err := exec.Execute(context.Background(), task.ID)
	if err != nil || outcome != OutcomeRetrying {
		t.Fatalf("expected retrying, got %s err=%v", outcome, err)
	}
	if got := f.reload(t, task.ID); !strings.Contains(got.ErrorMsg, "nil map") {
		t.Errorf("expected panic in error message, got %q", got.ErrorMsg)
	}
}

func TestTaskExecutor_SkipsClaimedTask(t *testing.T) {
	f := newFixture(t)
	runs := 0
	f.registry.Register(model.BizUser, export.RunnerFunc(func(ctx context.Context, task *model.Task) (string, error) {
		runs++
		return "ok", nil
	}))
	exec := f.executor(3)
	task := f.waitingTask(t, model.BizUser, "")

	if _, err := f.tasks.CASUpdate(context.Background(), task.ID, task.Version, map[string]any{"status": model.TaskRunning}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	outcome, err := exec.Execute(context.Background(), task.ID)
	if err != nil || outcome != OutcomeSkipped {
		t.Fatalf("expected skipped, got %s err=%v", outcome, err)
	}
	if runs != 0 {
		t.Error("runner must not run for a claimed task")
	}

	if outcome, err := exec.Execute(context.Background(), 9999); err != nil || outcome != OutcomeSkipped {
		t.Errorf("missing task: expected skipped, got %s err=%v", outcome, err)
	}
}

func TestTaskExecutor_DropsResultWhenTaskReclaimed(t *testing.T) {
	f := newFixture(t)
	exec := f.executor(3)
	var taskID int64
	f.registry.Register(model.BizUser, export.RunnerFunc(func(ctx context.Context, task *model.Task) (string, error) {
		// Another party moves the task on while the run is in progress.
		if _, err := f.tasks.CASUpdate(ctx, taskID, task.Version, map[string]any{"status": model.TaskWaiting}); err != nil {
			return "", err
		}
		return "late", nil
	}))
	task := f.waitingTask(t, model.BizUser, "")
	taskID = task.ID

	outcome, err := exec.Execute(context.Background(), task.ID)
	if err != nil || outcome != OutcomeSkipped {
		t.Fatalf("expected stale result to be dropped, got %s err=%v", outcome, err)
	}
	if got := f.reload(t, task.ID); got.Status != model.TaskWaiting || got.ResultRef != "" {
		t.Errorf("stale result must not be written, got %s %q", got.Status, got.ResultRef)
	}
}

func TestTaskExecutor_ReclaimExpired(t *testing.T) {
	f := newFixture(t)
	exec := f.executor(1)
	task := f.waitingTask(t, model.BizUser, "")
	ctx := context.Background()

	lease := f.clock.Now().Add(time.Minute)
	if _, err := f.tasks.CASUpdate(ctx, task.ID, task.Version, map[string]any{
		"status":           model.TaskRunning,
		"lease_expires_at": lease,
	}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	running := f.reload(t, task.ID)

	if outcome, err := exec.ReclaimExpired(ctx, running); err != nil || outcome != OutcomeSkipped {
		t.Fatalf("live lease must not be reclaimed, got %s err=%v", outcome, err)
	}

	f.clock.Advance(2 * time.Minute)
	outcome, err := exec.ReclaimExpired(ctx, running)
	if err != nil || outcome != OutcomeFailed {
		t.Fatalf("expected failed with budget 1, got %s err=%v", outcome, err)
	}
	got := f.reload(t, task.ID)
	if got.Status != model.TaskFail || got.ErrorMsg != "lease expired" || got.UpdateUserName != "reaper" {
		t.Errorf("unexpected reclaimed task %+v", got)
	}
	if n, _ := f.notifs.GetByBusinessKey(ctx, strconv.FormatInt(task.ID, 10)); n == nil {
		t.Error("reclaimed terminal task must notify its creator")
	}
}

// A run cut short by shutdown goes back to WAITING without using up one of
// its attempts, and runs again later.
func TestTaskExecutor_CancelledRunIsReleased(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	var runs int
	f.registry.Register(model.BizUser, export.RunnerFunc(func(ctx context.Context, task *model.Task) (string, error) {
		runs++
		if runs == 1 {
			close(started)
			<-ctx.Done()
			return "", ctx.Err()
		}
		return "s3://exports/user/1.csv", nil
	}))
	exec := f.executor(3)
	task := f.waitingTask(t, model.BizUser, "")

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		outcome Outcome
		err     error
	}
	done := make(chan result, 1)
	go func() {
		outcome, err := exec.Execute(ctx, task.ID)
		done <- result{outcome, err}
	}()

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("runner not started")
	}
	cancel()

	var res result
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("execute did not return after cancel")
	}
	if res.err != nil || res.outcome != OutcomeRetrying {
		t.Fatalf("expected released task, got %s err=%v", res.outcome, res.err)
	}

	got := f.reload(t, task.ID)
	if got.Status != model.TaskWaiting {
		t.Errorf("expected WAITING, got %s", got.Status)
	}
	if got.FailureCount != 0 {
		t.Errorf("cancellation must not count as a failure, got %d", got.FailureCount)
	}
	if got.LeaseExpiresAt != nil {
		t.Error("released task must not keep its lease")
	}
	if got.InflightFingerprint == nil {
		t.Error("released task must keep its fingerprint in flight")
	}
	if f.obs.Tasks("released") != 1 {
		t.Errorf("expected one released outcome, got %d", f.obs.Tasks("released"))
	}

	outcome, err := exec.Execute(context.Background(), task.ID)
	if err != nil || outcome != OutcomeSucceeded {
		t.Fatalf("expected rerun to succeed, got %s err=%v", outcome, err)
	}
	if got := f.reload(t, task.ID); got.Status != model.TaskSuccess || got.FailureCount != 0 {
		t.Errorf("expected SUCCESS with no failures, got %s/%d", got.Status, got.FailureCount)
	}
}
