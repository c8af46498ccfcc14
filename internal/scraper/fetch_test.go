package scraper

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// newTestClient 返回一个不真正睡眠、抖动恒为 0 的客户端，重试节奏可精确断言
func newTestClient(sleeps *[]time.Duration) *FetchClient {
	c := NewFetchClient(5 * time.Second)
	c.sleep = func(d time.Duration) {
		if sleeps != nil {
			*sleeps = append(*sleeps, d)
		}
	}
	c.rnd = func() float64 { return 0 }
	return c
}

func TestFetchRetriesUntilSuccess(t *testing.T) {
	var hits int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok payload"))
	}))
	defer ts.Close()

	var sleeps []time.Duration
	c := newTestClient(&sleeps)

	body, err := c.Fetch(context.Background(), ts.URL)
	if err != nil {
		t.Fatalf("Fetch should succeed after retries: %v", err)
	}
	if string(body) != "ok payload" {
		t.Fatalf("unexpected body: %q", body)
	}
	if got := atomic.LoadInt32(&hits); got != 3 {
		t.Fatalf("expected 3 requests, got %d", got)
	}

	// 节奏应为：节流 500ms、退避 1s、节流、退避 2s、节流
	want := []time.Duration{
		500 * time.Millisecond,
		time.Second,
		500 * time.Millisecond,
		2 * time.Second,
		500 * time.Millisecond,
	}
	if len(sleeps) != len(want) {
		t.Fatalf("expected %d sleeps, got %d: %v", len(want), len(sleeps), sleeps)
	}
	for i, d := range want {
		if sleeps[i] != d {
			t.Fatalf("sleep[%d] = %v, want %v", i, sleeps[i], d)
		}
	}
}

func TestFetchGivesUpAfterMaxAttempts(t *testing.T) {
	var hits int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	c := newTestClient(nil)
	_, err := c.Fetch(context.Background(), ts.URL)
	if err == nil {
		t.Fatalf("Fetch should fail when server keeps erroring")
	}
	if got := atomic.LoadInt32(&hits); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}

	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("error should be *FetchError, got %T: %v", err, err)
	}
	if !fe.Transient {
		t.Fatalf("exhausted retries on 503 should be transient: %+v", fe)
	}
	if fe.Status != http.StatusServiceUnavailable {
		t.Fatalf("FetchError.Status = %d, want 503", fe.Status)
	}
	if fe.Attempts != 3 {
		t.Fatalf("FetchError.Attempts = %d, want 3", fe.Attempts)
	}
}

func TestFetchDoesNotRetryClientErrors(t *testing.T) {
	var hits int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.NotFound(w, r)
	}))
	defer ts.Close()

	c := newTestClient(nil)
	_, err := c.Fetch(context.Background(), ts.URL)
	if err == nil {
		t.Fatalf("Fetch should report 404")
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("404 must not be retried, got %d requests", got)
	}

	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("error should be *FetchError, got %T: %v", err, err)
	}
	if fe.Transient {
		t.Fatalf("404 should not be marked transient")
	}
	if fe.Status != http.StatusNotFound {
		t.Fatalf("FetchError.Status = %d, want 404", fe.Status)
	}
}

func TestFetchSendsBrowserHeaders(t *testing.T) {
	var ua, accept string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua = r.Header.Get("User-Agent")
		accept = r.Header.Get("Accept")
		w.Write([]byte("ok"))
	}))
	defer ts.Close()

	c := newTestClient(nil)
	if _, err := c.Fetch(context.Background(), ts.URL); err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if ua != browserUA {
		t.Fatalf("User-Agent = %q, want browser UA", ua)
	}
	if accept == "" {
		t.Fatalf("Accept header should be set")
	}
}

func TestFetchStopsWhenContextCancelled(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c := NewFetchClient(5 * time.Second)
	c.rnd = func() float64 { return 0 }
	// 第一次退避时取消上下文，循环应在下一次尝试前退出
	c.sleep = func(time.Duration) { cancel() }

	_, err := c.Fetch(ctx, ts.URL)
	if err == nil {
		t.Fatalf("Fetch should fail after cancellation")
	}
	if !errors.Is(err, context.Canceled) {
		var fe *FetchError
		if !errors.As(err, &fe) {
			t.Fatalf("unexpected error type %T: %v", err, err)
		}
	}
}

func TestBudgetCoversRetriesAndBackoff(t *testing.T) {
	c := NewFetchClient(5 * time.Second)
	// 3 次尝试 + 节流上限 + 1s/2s 退避上限
	floor := 3*(5*time.Second) + 3*throttleMax
	if got := c.Budget(); got <= floor {
		t.Fatalf("Budget = %v, should exceed attempts*timeout+throttle = %v", got, floor)
	}
}
