package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"mallflow/internal/model"
	v1 "mallflow/pkg/api/v1"
	"mallflow/pkg/constraints"
)

func TestFingerprint(t *testing.T) {
	a, err := Fingerprint(1, model.BizUser, `{"status":1,"dept_id":7}`, "")
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	b, _ := Fingerprint(1, model.BizUser, ` {"dept_id":7, "status":1} `, "")
	if a != b {
		t.Error("key order or whitespace must not change the fingerprint")
	}
	if len(a) != 64 {
		t.Errorf("expected hex sha256, got %q", a)
	}

	otherUser, _ := Fingerprint(2, model.BizUser, `{"status":1,"dept_id":7}`, "")
	otherBiz, _ := Fingerprint(1, model.BizProduct, `{"status":1,"dept_id":7}`, "")
	otherParams, _ := Fingerprint(1, model.BizUser, `{"status":0,"dept_id":7}`, "")
	for name, fp := range map[string]string{"user": otherUser, "biz": otherBiz, "params": otherParams} {
		if fp == a {
			t.Errorf("different %s must change the fingerprint", name)
		}
	}

	idem1, _ := Fingerprint(1, model.BizUser, `{"status":1}`, "click-1")
	idem2, _ := Fingerprint(1, model.BizProduct, `{"status":0}`, "click-1")
	if idem1 != idem2 {
		t.Error("idempotency key must take precedence over params")
	}

	if _, err := Fingerprint(1, model.BizUser, `{"status":`, ""); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("expected ErrInvalidParams, got %v", err)
	}
}

func TestNormalizeParams(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"null", ""},
		{`{"b":2,"a":1}`, `{"a":1,"b":2}`},
		{`{"id":12345678901234567890}`, `{"id":12345678901234567890}`},
		{`{"q":"<a&b>"}`, `{"q":"<a&b>"}`},
	}
	for _, tt := range tests {
		got, err := NormalizeParams(tt.in)
		if err != nil {
			t.Fatalf("NormalizeParams(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("NormalizeParams(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if _, err := NormalizeParams(`{"a":1} {"b":2}`); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("expected trailing data to be rejected, got %v", err)
	}
}

func TestTaskGate_SubmitEnqueuesCreateRequest(t *testing.T) {
	f := newFixture(t)
	f.registry.Register(model.BizUser, succeedWith("s3://x"))
	gate := f.gate()
	actor := model.Actor{UserID: 1, Name: "alice"}

	r1, err := gate.Submit(context.Background(), actor, model.BizUser, `{"status":1}`, "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	r2, err := gate.Submit(context.Background(), actor, model.BizUser, `{"status":1}`, "")
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}

	if r1.Fingerprint != r2.Fingerprint {
		t.Error("identical requests must share a fingerprint")
	}
	if r1.RequestKey == r2.RequestKey {
		t.Error("each request gets its own request key")
	}
	if !strings.HasPrefix(r1.RequestKey, "task:"+r1.Fingerprint+":") {
		t.Errorf("unexpected request key %q", r1.RequestKey)
	}

	if n := f.countOutbox(t, constraints.TopicTaskCreate, model.OutboxNew); n != 2 {
		t.Errorf("expected 2 create requests queued, got %d", n)
	}
	var tasks int64
	f.db.Model(&model.Task{}).Count(&tasks)
	if tasks != 0 {
		t.Errorf("request path must not create tasks, got %d", tasks)
	}
}

func TestTaskGate_SubmitRejectsUnknownBizType(t *testing.T) {
	f := newFixture(t)
	_, err := f.gate().Submit(context.Background(), model.Actor{UserID: 1}, model.BizOrderTrade, "", "")
	if !errors.Is(err, ErrUnknownBizType) {
		t.Fatalf("expected ErrUnknownBizType, got %v", err)
	}
}

func TestTaskGate_CreateFromRequestDedups(t *testing.T) {
	f := newFixture(t)
	gate := f.gate()
	ctx := context.Background()

	req := v1.TaskCreateRequest{DedupKey: "task:fp:1", Fingerprint: "fp", BizType: int(model.BizUser), UserID: 1, UserName: "alice"}
	first, created, err := gate.CreateFromRequest(ctx, req)
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}
	if first.Status != model.TaskWaiting || first.CreateUserID != 1 || first.CreateUserName != "alice" {
		t.Errorf("unexpected task %+v", first)
	}

	req.DedupKey = "task:fp:2"
	second, created, err := gate.CreateFromRequest(ctx, req)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if created || second.ID != first.ID {
		t.Errorf("expected existing task %d, got %d created=%v", first.ID, second.ID, created)
	}
	if n := f.countOutbox(t, constraints.TopicTask, model.OutboxNew); n != 1 {
		t.Errorf("expected one task event, got %d", n)
	}

	// Once terminal, the fingerprint is free again.
	if _, err := f.tasks.CASUpdate(ctx, first.ID, first.Version, map[string]any{
		"status":               model.TaskSuccess,
		"inflight_fingerprint": nil,
	}); err != nil {
		t.Fatalf("finish task: %v", err)
	}
	third, created, err := gate.CreateFromRequest(ctx, req)
	if err != nil || !created || third.ID == first.ID {
		t.Fatalf("expected a new task after completion, got created=%v err=%v", created, err)
	}
}

func TestTaskGate_CreateFromRequestConcurrent(t *testing.T) {
	f := newFixture(t)
	gate := f.gate()

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	ids := make(map[int64]bool)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task, ok, err := gate.CreateFromRequest(context.Background(), v1.TaskCreateRequest{
				DedupKey:    "task:same",
				Fingerprint: "same",
				BizType:     int(model.BizUser),
				UserID:      1,
			})
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if ok {
				created++
			}
			ids[task.ID] = true
		}()
	}
	wg.Wait()

	if created != 1 || len(ids) != 1 {
		t.Errorf("expected one task, got created=%d distinct=%d", created, len(ids))
	}
}

func TestTaskGate_CreateFromRequestRejectsMissingFingerprint(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.gate().CreateFromRequest(context.Background(), v1.TaskCreateRequest{DedupKey: "x"})
	if !errors.Is(err, ErrMalformedEvent) {
		t.Fatalf("expected ErrMalformedEvent, got %v", err)
	}
}
