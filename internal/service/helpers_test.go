package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"mallflow/internal/broker"
	"mallflow/internal/export"
	"mallflow/internal/model"
	"mallflow/internal/repository"
	"mallflow/internal/testutil"
	v1 "mallflow/pkg/api/v1"
	"mallflow/pkg/logger"

	"gorm.io/gorm"
)

func init() {
	logger.InitLogger("test", "")
}

type MockObserver struct {
	mu     sync.Mutex
	online int
	tasks  map[string]int
	outbox map[string]int
	pushes map[string]int
}

func (m *MockObserver) IncOnline() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.online++
}

func (m *MockObserver) DecOnline() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.online--
}

func (m *MockObserver) RecordPush() {}

func (m *MockObserver) TaskFinished(outcome string) { m.inc(&m.tasks, outcome) }

func (m *MockObserver) OutboxDispatched(result string) { m.inc(&m.outbox, result) }

func (m *MockObserver) PushAttempted(result string) { m.inc(&m.pushes, result) }

func (m *MockObserver) inc(counts *map[string]int, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if *counts == nil {
		*counts = make(map[string]int)
	}
	(*counts)[key]++
}

func (m *MockObserver) Online() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *MockObserver) Outbox(result string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outbox[result]
}

func (m *MockObserver) Pushes(result string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pushes[result]
}

func (m *MockObserver) Tasks(outcome string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks[outcome]
}

var errBrokerDown = errors.New("broker unavailable")

// fakePublisher records published messages and fails the first failures
// calls, or every call when failures is negative.
type fakePublisher struct {
	mu       sync.Mutex
	failures int
	sent     []broker.Message
	attempts int
}

func (p *fakePublisher) Publish(ctx context.Context, msg broker.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts++
	if p.failures < 0 {
		return errBrokerDown
	}
	if p.failures > 0 {
		p.failures--
		return errBrokerDown
	}
	p.sent = append(p.sent, msg)
	return nil
}

func (p *fakePublisher) Sent() []broker.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]broker.Message(nil), p.sent...)
}

// take returns and forgets the messages published so far.
func (p *fakePublisher) take() []broker.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.sent
	p.sent = nil
	return out
}

type pushCall struct {
	userID int64
	env    v1.PushEnvelope
}

type fakePusher struct {
	mu    sync.Mutex
	err   error
	calls []pushCall
}

func (p *fakePusher) PushToUser(ctx context.Context, userID int64, env v1.PushEnvelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, pushCall{userID: userID, env: env})
	return p.err
}

func (p *fakePusher) Calls() []pushCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]pushCall(nil), p.calls...)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock { return &fakeClock{t: testutil.Now()} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	db       *gorm.DB
	tasks    *repository.TaskRepository
	outbox   *repository.OutboxRepository
	notifs   *repository.NotificationRepository
	codecs   *PayloadCodecs
	producer *OutboxProducer
	registry *export.Registry
	obs      *MockObserver
	clock    *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	codecs := NewPayloadCodecs()
	return &fixture{
		db:       db,
		tasks:    repository.NewTaskRepository(db),
		outbox:   repository.NewOutboxRepository(db),
		notifs:   repository.NewNotificationRepository(db),
		codecs:   codecs,
		producer: NewOutboxProducer(codecs),
		registry: export.NewRegistry(),
		obs:      &MockObserver{},
		clock:    newClock(),
	}
}

func (f *fixture) gate() *TaskGate {
	return NewTaskGate(f.db, f.tasks, f.outbox, f.producer, f.registry)
}

func (f *fixture) executor(maxFailures int) *TaskExecutor {
	e := NewTaskExecutor(f.db, f.tasks, f.outbox, f.notifs, f.producer, f.registry, f.obs,
		ExecutorConfig{MaxFailureCount: maxFailures, Lease: time.Minute})
	e.now = f.clock.Now
	return e
}

func (f *fixture) dispatcher(pub broker.Publisher, maxRetry int) *OutboxDispatcher {
	d := NewOutboxDispatcher(f.outbox, pub, f.codecs, f.obs, DispatcherConfig{
		Interval:  time.Second,
		BatchSize: 100,
		Workers:   4,
		Policy:    RetryPolicy{MaxRetry: maxRetry, Base: 5 * time.Second, Cap: time.Hour},
	})
	d.now = f.clock.Now
	return d
}

func (f *fixture) pushDispatcher(p Pusher, maxRetry int) *PushDispatcher {
	d := NewPushDispatcher(f.notifs, p, f.obs, PushConfig{
		RetryInterval: time.Second,
		BatchSize:     100,
		Workers:       4,
		OrphanAfter:   10 * time.Minute,
		Policy:        RetryPolicy{MaxRetry: maxRetry, Base: 5 * time.Second, Cap: time.Hour},
	})
	d.now = f.clock.Now
	return d
}

// waitingTask creates a WAITING task for user 1 through the gate.
func (f *fixture) waitingTask(t *testing.T, biz model.BizType, params string) *model.Task {
	t.Helper()
	fp, err := Fingerprint(1, biz, params, "")
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	task, created, err := f.gate().CreateFromRequest(context.Background(), v1.TaskCreateRequest{
		DedupKey:    "task:" + fp + ":test",
		Fingerprint: fp,
		BizType:     int(biz),
		ParamJSON:   params,
		UserID:      1,
		UserName:    "alice",
	})
	if err != nil || !created {
		t.Fatalf("create task: created=%v err=%v", created, err)
	}
	return task
}

func (f *fixture) reload(t *testing.T, id int64) *model.Task {
	t.Helper()
	task, err := f.tasks.GetByID(context.Background(), id)
	if err != nil || task == nil {
		t.Fatalf("reload task %d: %v", id, err)
	}
	return task
}

func (f *fixture) countOutbox(t *testing.T, topic string, status model.OutboxStatus) int64 {
	t.Helper()
	var n int64
	if err := f.db.Model(&model.OutboxEntry{}).Where("topic = ? AND status = ?", topic, status).Count(&n).Error; err != nil {
		t.Fatalf("count outbox: %v", err)
	}
	return n
}

func succeedWith(ref string) export.RunnerFunc {
	return func(ctx context.Context, task *model.Task) (string, error) {
		return ref, nil
	}
}

// runnerFailingTimes fails the first n runs and then succeeds.
func runnerFailingTimes(attempts *int, n int) export.RunnerFunc {
	return func(ctx context.Context, task *model.Task) (string, error) {
		*attempts++
		if *attempts <= n {
			return "", errors.New("transient")
		}
		return "s3://exports/ok.csv", nil
	}
}
