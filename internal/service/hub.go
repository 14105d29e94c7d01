package service

import (
	"context"
	"errors"
	"time"

	"mallflow/internal/metrics"
	v1 "mallflow/pkg/api/v1"
	"mallflow/pkg/constraints"
	"mallflow/pkg/logger"

	"go.uber.org/zap"
)

var (
	ErrUserOffline = errors.New("user has no live connection")
	ErrClientBusy  = errors.New("every connection of the user is backed up")
)

// Client is one live stream connection. The hub closes Send when the client
// is unregistered or dropped.
type Client struct {
	UserID int64
	Send   chan v1.PushEnvelope
}

type pushRequest struct {
	userID int64
	env    v1.PushEnvelope
	result chan error
}

// Hub routes envelopes to the stream connections of a user. All state is
// owned by the Run goroutine.
type Hub struct {
	clients    map[int64]map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	pushes     chan pushRequest
	done       chan struct{}

	observer   metrics.HubObserver
	heartbeat  time.Duration
	bufferSize int
}

func NewHub(observer metrics.HubObserver, heartbeat time.Duration, bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Hub{
		clients:    make(map[int64]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		pushes:     make(chan pushRequest),
		done:       make(chan struct{}),
		observer:   observer,
		heartbeat:  heartbeat,
		bufferSize: bufferSize,
	}
}

func (h *Hub) NewClient(userID int64) *Client {
	return &Client{UserID: userID, Send: make(chan v1.PushEnvelope, h.bufferSize)}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		close(c.Send)
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// PushToUser hands env to every connection of the user. It fails with
// ErrUserOffline when the user has none and ErrClientBusy when none could
// take it.
func (h *Hub) PushToUser(ctx context.Context, userID int64, env v1.PushEnvelope) error {
	req := pushRequest{userID: userID, env: env, result: make(chan error, 1)}
	select {
	case h.pushes <- req:
	case <-h.done:
		return ErrUserOffline
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) Run(ctx context.Context) {
	var tick <-chan time.Time
	if h.heartbeat > 0 {
		ticker := time.NewTicker(h.heartbeat)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case c := <-h.register:
			set, ok := h.clients[c.UserID]
			if !ok {
				set = make(map[*Client]struct{})
				h.clients[c.UserID] = set
			}
			set[c] = struct{}{}
			h.observer.IncOnline()
			logger.Debug("stream client registered", zap.Int64("user_id", c.UserID), zap.Int("connections", len(set)))
		case c := <-h.unregister:
			h.remove(c)
		case req := <-h.pushes:
			req.result <- h.deliver(req.userID, req.env)
		case <-tick:
			ping := v1.PushEnvelope{Type: constraints.EventPing, Timestamp: time.Now().UnixMilli()}
			for _, set := range h.clients {
				for c := range set {
					select {
					case c.Send <- ping:
					default:
					}
				}
			}
		}
	}
}

func (h *Hub) deliver(userID int64, env v1.PushEnvelope) error {
	set := h.clients[userID]
	if len(set) == 0 {
		return ErrUserOffline
	}
	delivered := 0
	for c := range set {
		select {
		case c.Send <- env:
			delivered++
		default:
			logger.Warn("stream client backed up, disconnecting", zap.Int64("user_id", userID))
			h.remove(c)
		}
	}
	if delivered == 0 {
		return ErrClientBusy
	}
	h.observer.RecordPush()
	return nil
}

func (h *Hub) remove(c *Client) {
	set, ok := h.clients[c.UserID]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.UserID)
	}
	close(c.Send)
	h.observer.DecOnline()
}

func (h *Hub) shutdown() {
	close(h.done)
	for _, set := range h.clients {
		for c := range set {
			close(c.Send)
			h.observer.DecOnline()
		}
	}
	h.clients = make(map[int64]map[*Client]struct{})
	logger.Info("hub stopped")
}
