package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func okBody(content string) string {
	return fmt.Sprintf(`{"choices":[{"message":{"role":"assistant","content":%q}}]}`, content)
}

func noBackoff(c *Client, calls *int32) {
	c.backoff = func(int) time.Duration {
		atomic.AddInt32(calls, 1)
		return 0
	}
}

func TestComplete_Success(t *testing.T) {
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer k1" {
			t.Errorf("Authorization = %q", auth)
		}
		json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprint(w, okBody("  hello  "))
	}))
	defer srv.Close()

	c := NewClientWithBaseURL([]string{"k1"}, srv.URL+"/")
	out, err := c.Complete(context.Background(), Request{
		Model:       "m",
		Messages:    []Message{{Role: "user", Content: "hi"}},
		Temperature: 0.1,
		MaxTokens:   512,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out != "hello" {
		t.Errorf("out = %q", out)
	}
	if got.Model != "m" || got.MaxTokens != 512 || got.Temperature != 0.1 {
		t.Errorf("request = %+v", got)
	}
}

func TestComplete_RotatesKeyOn429WithoutBackoff(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		mu.Lock()
		seen = append(seen, key)
		first := len(seen) == 1
		mu.Unlock()
		if first {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, okBody("ok"))
	}))
	defer srv.Close()

	var backoffs int32
	c := NewClientWithBaseURL([]string{"a", "b", "c"}, srv.URL)
	noBackoff(c, &backoffs)

	out, err := c.Complete(context.Background(), Request{Model: "m"})
	if err != nil || out != "ok" {
		t.Fatalf("Complete = %q, %v", out, err)
	}
	if len(seen) != 2 || seen[0] == seen[1] {
		t.Errorf("keys used = %v, want two distinct keys", seen)
	}
	if backoffs != 0 {
		t.Errorf("backoff used %d times while untried keys remained", backoffs)
	}
}

func TestComplete_BacksOffWhenKeysExhausted(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, okBody("finally"))
	}))
	defer srv.Close()

	var backoffs int32
	c := NewClientWithBaseURL([]string{"only"}, srv.URL)
	noBackoff(c, &backoffs)

	out, err := c.Complete(context.Background(), Request{Model: "m"})
	if err != nil || out != "finally" {
		t.Fatalf("Complete = %q, %v", out, err)
	}
	if backoffs != 2 {
		t.Errorf("backoffs = %d, want 2", backoffs)
	}
}

func TestComplete_RateLimitedAfterMaxAttempts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	var backoffs int32
	c := NewClientWithBaseURL([]string{"a", "b"}, srv.URL, WithMaxAttempts(3))
	noBackoff(c, &backoffs)

	_, err := c.Complete(context.Background(), Request{Model: "m"})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if backoffs != 1 {
		t.Errorf("backoffs = %d, want 1", backoffs)
	}
}

func TestComplete_ClientErrorNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad model", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClientWithBaseURL([]string{"a", "b"}, srv.URL)
	_, err := c.Complete(context.Background(), Request{Model: "nope"})
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrRateLimited) {
		t.Errorf("400 reported as rate limit: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestComplete_NoKeys(t *testing.T) {
	c := NewClientWithBaseURL(nil, "http://unused")
	if _, err := c.Complete(context.Background(), Request{}); !errors.Is(err, ErrNoKeys) {
		t.Errorf("err = %v, want ErrNoKeys", err)
	}
}

func TestComplete_TimeoutFromContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
		fmt.Fprint(w, okBody("late"))
	}))
	defer srv.Close()

	c := NewClientWithBaseURL([]string{"a"}, srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.Complete(ctx, Request{Model: "m"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("Complete did not honor the context deadline")
	}
}
