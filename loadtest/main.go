package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"mallflow/client"
	"mallflow/internal/service"
	v1 "mallflow/pkg/api/v1"
	"mallflow/pkg/logger"

	"github.com/sourcegraph/conc/pool"
)

// Configuration
var (
	baseURL  = flag.String("url", "http://localhost:8080", "Server base URL")
	secret   = flag.String("secret", "mallflow-dev-secret", "JWT secret used to mint the test token")
	userID   = flag.Int64("user", 4242, "User the burst is sent as")
	biz      = flag.String("biz", "user", "Business type to export")
	params   = flag.String("params", `{"status":1}`, "Export params, identical for every request")
	burst    = flag.Int("n", 200, "Requests in the burst")
	workers  = flag.Int("c", 50, "Concurrent senders")
	waitPush = flag.Duration("wait", 60*time.Second, "How long to wait for the completion push")
)

// Metrics
var (
	accepted  int64
	conflicts int64
	limited   int64
	failures  int64
)

func main() {
	flag.Parse()
	logger.InitLogger("dev", "")

	token, err := service.IssueToken([]byte(*secret), service.OperatorInfo{UserID: *userID, Name: "loadtest"}, time.Hour)
	if err != nil {
		fmt.Printf("mint token: %v\n", err)
		return
	}

	fmt.Printf("Starting duplicate export burst\n")
	fmt.Printf("   Target: %s\n", *baseURL)
	fmt.Printf("   Requests: %d over %d senders\n", *burst, *workers)

	var mu sync.Mutex
	var pushes []v1.PushEnvelope
	pushed := make(chan struct{}, 1)
	stream := client.NewNotifyClient(*baseURL, token, func(env v1.PushEnvelope) {
		mu.Lock()
		pushes = append(pushes, env)
		mu.Unlock()
		select {
		case pushed <- struct{}{}:
		default:
		}
	}, nil)
	stream.Start()
	defer stream.Close()
	time.Sleep(500 * time.Millisecond)

	fingerprints := make(map[string]int)
	var fpMu sync.Mutex

	start := time.Now()
	p := pool.New().WithMaxGoroutines(*workers)
	for i := 0; i < *burst; i++ {
		p.Go(func() {
			fp, code, err := submit(token)
			switch {
			case err != nil:
				atomic.AddInt64(&failures, 1)
			case code == http.StatusAccepted:
				atomic.AddInt64(&accepted, 1)
				fpMu.Lock()
				fingerprints[fp]++
				fpMu.Unlock()
			case code == http.StatusConflict:
				atomic.AddInt64(&conflicts, 1)
			case code == http.StatusTooManyRequests:
				atomic.AddInt64(&limited, 1)
			default:
				atomic.AddInt64(&failures, 1)
			}
		})
	}
	p.Wait()

	fmt.Printf("[%s] burst done in %v | accepted: %d | conflict: %d | limited: %d | errors: %d | fingerprints: %d\n",
		time.Now().Format("15:04:05"), time.Since(start),
		atomic.LoadInt64(&accepted), atomic.LoadInt64(&conflicts),
		atomic.LoadInt64(&limited), atomic.LoadInt64(&failures), len(fingerprints))

	select {
	case <-pushed:
		fmt.Printf("first push after %v\n", time.Since(start))
	case <-time.After(*waitPush):
		fmt.Println("no push received")
		return
	}

	// Late duplicates would show up here.
	time.Sleep(3 * time.Second)
	mu.Lock()
	defer mu.Unlock()
	fmt.Printf("pushes received: %d (expected 1)\n", len(pushes))
}

func submit(token string) (string, int, error) {
	body, _ := json.Marshal(map[string]json.RawMessage{"params": json.RawMessage(*params)})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/v1/exports/%s", *baseURL, *biz), bytes.NewReader(body))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	var receipt service.SubmitReceipt
	if resp.StatusCode == http.StatusAccepted {
		if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
			return "", resp.StatusCode, err
		}
	}
	return receipt.Fingerprint, resp.StatusCode, nil
}
