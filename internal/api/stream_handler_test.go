package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"mallflow/internal/service"
	v1 "mallflow/pkg/api/v1"
	"mallflow/pkg/constraints"
)

// streamRecorder adds the CloseNotifier that gin's Stream requires.
type streamRecorder struct {
	*httptest.ResponseRecorder
	closed chan bool
}

func (r *streamRecorder) CloseNotify() <-chan bool { return r.closed }

func TestStreamHandler_ForwardsPushes(t *testing.T) {
	s := newTestServer(t)
	hubCtx, stopHub := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		s.hub.Run(hubCtx)
		close(hubDone)
	}()
	defer func() {
		stopHub()
		<-hubDone
	}()

	w := &streamRecorder{ResponseRecorder: httptest.NewRecorder(), closed: make(chan bool, 1)}
	req, _ := http.NewRequest("GET", "/v1/notifications/stream", nil)
	req.Header.Set("X-Dev-Pass", "true")
	req.Header.Set("X-Dev-User", "1")

	served := make(chan struct{})
	go func() {
		s.engine.ServeHTTP(w, req)
		close(served)
	}()

	env := v1.PushEnvelope{Type: constraints.EventExportExcel, Timestamp: 1, Data: []byte(`{"task_id":7}`)}
	deadline := time.Now().Add(2 * time.Second)
	for {
		err := s.hub.PushToUser(context.Background(), 1, env)
		if err == nil {
			break
		}
		if !errors.Is(err, service.ErrUserOffline) || time.Now().After(deadline) {
			t.Fatalf("push: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Stopping the hub closes the connection after the buffered envelope.
	stopHub()
	select {
	case <-served:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end")
	}

	body := w.Body.String()
	if w.Header().Get("Content-Type") != "text/event-stream" {
		t.Errorf("unexpected content type %q", w.Header().Get("Content-Type"))
	}
	if !strings.Contains(body, "event:message") || !strings.Contains(body, `"task_id":7`) {
		t.Errorf("push not forwarded, body %q", body)
	}
}
