package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mallflow/pkg/logger"
)

func init() {
	logger.InitLogger("test", "")
}

func TestLocalBroker_PublishSubscribe(t *testing.T) {
	b := NewLocalBroker(8)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Message, 1)
	go b.Subscribe(ctx, "notification", func(ctx context.Context, msg Message) error {
		got <- msg
		return nil
	})

	want := Message{Topic: "notification", Tag: "notify", Key: "42", Type: "notify.event.v1", Payload: []byte(`{}`)}
	if err := b.Publish(ctx, want); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-got:
		if msg.Key != "42" || msg.Tag != "notify" || msg.Type != "notify.event.v1" {
			t.Errorf("unexpected message: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestLocalBroker_CompetingConsumers(t *testing.T) {
	b := NewLocalBroker(256)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const total = 100
	var delivered atomic.Int32
	var wg sync.WaitGroup
	wg.Add(total)
	for i := 0; i < 3; i++ {
		go b.Subscribe(ctx, "task", func(ctx context.Context, msg Message) error {
			delivered.Add(1)
			wg.Done()
			return nil
		})
	}

	for i := 0; i < total; i++ {
		if err := b.Publish(ctx, Message{Topic: "task", Key: "k"}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("only %d of %d delivered", delivered.Load(), total)
	}
	if delivered.Load() != total {
		t.Errorf("expected each message once, got %d deliveries", delivered.Load())
	}
}

func TestLocalBroker_PublishAfterClose(t *testing.T) {
	b := NewLocalBroker(1)
	b.Close()

	err := b.Publish(context.Background(), Message{Topic: "task"})
	if !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestLocalBroker_PublishHonorsContext(t *testing.T) {
	b := NewLocalBroker(1)
	defer b.Close()

	ctx := context.Background()
	if err := b.Publish(ctx, Message{Topic: "task"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := b.Publish(tctx, Message{Topic: "task"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline on full buffer, got %v", err)
	}
}

func TestLocalBroker_RedeliversFailedMessage(t *testing.T) {
	b := NewLocalBroker(8)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	got := make(chan string, 4)
	go b.Subscribe(ctx, "task-create", func(ctx context.Context, msg Message) error {
		if calls.Add(1) == 1 {
			return errors.New("database unavailable")
		}
		got <- msg.Key
		return nil
	})

	for _, key := range []string{"1", "2"} {
		if err := b.Publish(ctx, Message{Topic: "task-create", Key: key}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	// The failed message is retried before the next one is handled.
	for _, want := range []string{"1", "2"} {
		select {
		case key := <-got:
			if key != want {
				t.Errorf("expected key %s, got %s", want, key)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("key %s not delivered after %d calls", want, calls.Load())
		}
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 handler calls, got %d", calls.Load())
	}
}

func TestLocalBroker_RequeuesUnacknowledgedOnCancel(t *testing.T) {
	b := NewLocalBroker(8)
	defer b.Close()

	failing, stopFailing := context.WithCancel(context.Background())
	attempted := make(chan struct{}, 1)
	returned := make(chan error, 1)
	go func() {
		returned <- b.Subscribe(failing, "task-create", func(ctx context.Context, msg Message) error {
			select {
			case attempted <- struct{}{}:
			default:
			}
			return errors.New("database unavailable")
		})
	}()

	if err := b.Publish(context.Background(), Message{Topic: "task-create", Key: "7"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-attempted:
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
	stopFailing()
	if err := <-returned; err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan string, 1)
	go b.Subscribe(ctx, "task-create", func(ctx context.Context, msg Message) error {
		got <- msg.Key
		return nil
	})

	select {
	case key := <-got:
		if key != "7" {
			t.Errorf("expected key 7, got %s", key)
		}
	case <-time.After(time.Second):
		t.Fatal("unacknowledged message was dropped")
	}
}

func TestLocalBroker_SubscribeReturnsOnClose(t *testing.T) {
	b := NewLocalBroker(1)

	returned := make(chan error, 1)
	go func() {
		returned <- b.Subscribe(context.Background(), "task", func(ctx context.Context, msg Message) error {
			return nil
		})
	}()
	time.Sleep(10 * time.Millisecond)
	b.Close()

	select {
	case err := <-returned:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("subscribe did not return after close")
	}
}
