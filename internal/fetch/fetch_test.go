package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testClient() *Client {
	return NewClient(Config{
		Timeout:   2 * time.Second,
		RetryBase: time.Millisecond,
		RetryCap:  5 * time.Millisecond,
	})
}

func TestFetchReturnsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") == "" {
			t.Error("expected a user agent header")
		}
		w.Write([]byte("<html><body>listing</body></html>"))
	}))
	defer srv.Close()

	res, err := testClient().Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != http.StatusOK {
		t.Errorf("expected status 200, got %d", res.Status)
	}
	if res.HTML == "" {
		t.Error("expected non-empty body")
	}
}

func TestFetchRetriesOn500ThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	res, err := testClient().Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if res.HTML != "ok" {
		t.Errorf("unexpected body: %q", res.HTML)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestFetchRetriesOn429(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	if _, err := testClient().Fetch(context.Background(), srv.URL); err != nil {
		t.Fatalf("expected success after 429 retry, got %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 attempts, got %d", calls.Load())
	}
}

func TestFetchDoesNotRetry404(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := testClient().Fetch(context.Background(), srv.URL)
	if err == nil {
		t.Fatal("expected error for 404")
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusNotFound {
		t.Errorf("expected HTTPError 404, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("404 should not be retried, got %d attempts", calls.Load())
	}
}

func TestFetchGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := testClient().Fetch(context.Background(), srv.URL)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	// initial attempt + DefaultMaxRetries retries
	if calls.Load() != DefaultMaxRetries+1 {
		t.Errorf("expected %d attempts, got %d", DefaultMaxRetries+1, calls.Load())
	}
}

func TestFetchCancellationResolvesToError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Second)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := testClient().Fetch(ctx, srv.URL)
		done <- err
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected error on cancellation")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("fetch hung instead of resolving on cancellation")
	}
}

func TestBackOffScheduleNonDecreasingAndCapped(t *testing.T) {
	bo := newBackOff(100*time.Millisecond, time.Second)
	bo.RandomizationFactor = 0 // deterministic for the schedule assertion
	bo.Reset()

	var prev time.Duration
	for i := 0; i < 8; i++ {
		d := bo.NextBackOff()
		if d < prev {
			t.Errorf("delay decreased at attempt %d: %v < %v", i, d, prev)
		}
		if d > time.Second {
			t.Errorf("delay %v exceeds cap", d)
		}
		prev = d
	}
	if prev != time.Second {
		t.Errorf("expected schedule to reach the cap, got %v", prev)
	}
}

func TestUserAgentRotation(t *testing.T) {
	c := testClient()
	first := c.nextUserAgent()
	second := c.nextUserAgent()
	if first == second {
		t.Error("expected user agent to rotate between requests")
	}
	for i := 0; i < len(userAgents)-2; i++ {
		c.nextUserAgent()
	}
	if c.nextUserAgent() != first {
		t.Error("expected rotation to wrap around")
	}
}
