package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	v1 "mallflow/pkg/api/v1"
	"mallflow/pkg/constraints"
	"mallflow/pkg/logger"

	"go.uber.org/zap"
)

type Handler func(env v1.PushEnvelope)

type Options struct {
	// HeartbeatTimeout reconnects when nothing, pings included, arrives for
	// this long.
	HeartbeatTimeout time.Duration
	MinBackoff       time.Duration
	MaxBackoff       time.Duration
}

func defaultOptions() Options {
	return Options{
		HeartbeatTimeout: 45 * time.Second,
		MinBackoff:       time.Second,
		MaxBackoff:       30 * time.Second,
	}
}

// NotifyClient holds a notification stream open and hands every pushed
// envelope to the handler, reconnecting with jittered backoff.
type NotifyClient struct {
	addr       string
	token      string
	opts       Options
	handler    Handler
	httpClient *http.Client

	connects atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewNotifyClient(addr, token string, handler Handler, opts *Options) *NotifyClient {
	o := defaultOptions()
	if opts != nil {
		if opts.HeartbeatTimeout > 0 {
			o.HeartbeatTimeout = opts.HeartbeatTimeout
		}
		if opts.MinBackoff > 0 {
			o.MinBackoff = opts.MinBackoff
		}
		if opts.MaxBackoff > 0 {
			o.MaxBackoff = opts.MaxBackoff
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &NotifyClient{
		addr:       strings.TrimRight(addr, "/"),
		token:      token,
		opts:       o,
		handler:    handler,
		httpClient: &http.Client{Timeout: 0},
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

func (c *NotifyClient) Start() {
	go c.runWatchLoop()
}

func (c *NotifyClient) Close() {
	c.cancel()
	<-c.done
}

// Connects reports how many streams have been opened so far.
func (c *NotifyClient) Connects() int64 {
	return c.connects.Load()
}

func (c *NotifyClient) runWatchLoop() {
	defer close(c.done)
	backoff := c.opts.MinBackoff
	for {
		if c.ctx.Err() != nil {
			return
		}
		err := c.watchOnce()
		if c.ctx.Err() != nil {
			return
		}
		if err == nil {
			backoff = c.opts.MinBackoff
		}

		jitter := time.Duration(rand.Int63n(int64(backoff/2) + 1))
		logger.Warn("notification stream disconnected", zap.Error(err), zap.Duration("retry_in", backoff+jitter))
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(backoff + jitter):
		}
		backoff *= 2
		if backoff > c.opts.MaxBackoff {
			backoff = c.opts.MaxBackoff
		}
	}
}

// watchOnce returns nil when an established stream ended and an error when
// the connection could not be set up.
func (c *NotifyClient) watchOnce() error {
	reqCtx, reqCancel := context.WithCancel(c.ctx)
	defer reqCancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.addr+"/v1/notifications/stream", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	c.connects.Add(1)

	var lastActivity atomic.Int64
	lastActivity.Store(time.Now().UnixNano())
	go func() {
		ticker := time.NewTicker(c.opts.HeartbeatTimeout / 5)
		defer ticker.Stop()
		for {
			select {
			case <-reqCtx.Done():
				return
			case <-ticker.C:
				if time.Since(time.Unix(0, lastActivity.Load())) > c.opts.HeartbeatTimeout {
					logger.Warn("stream heartbeat timeout, reconnecting")
					reqCancel()
					return
				}
			}
		}
	}()

	scanner := bufio.NewScanner(resp.Body)
	var eventType string
	var data bytes.Buffer
	for scanner.Scan() {
		lastActivity.Store(time.Now().UnixNano())
		line := scanner.Text()
		if line == "" {
			c.dispatch(eventType, data.Bytes())
			eventType = ""
			data.Reset()
			continue
		}
		if v, ok := strings.CutPrefix(line, "event:"); ok {
			eventType = strings.TrimSpace(v)
		} else if v, ok := strings.CutPrefix(line, "data:"); ok {
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(v))
		}
	}
	return nil
}

func (c *NotifyClient) dispatch(eventType string, data []byte) {
	if eventType == constraints.SSEPing || len(data) == 0 {
		return
	}
	var env v1.PushEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		logger.Error("failed to decode push envelope", zap.Error(err))
		return
	}
	c.handler(env)
}
