package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dandantas/dcm/internal/model"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Options{
		BaseURL: srv.URL + "/",
		Timeout: 5 * time.Second,
		Auth:    Auth{Token: "secret"},
		Retry:   RetryConfig{InitialDelayMs: 1},
	})
}

func TestSubmitJob(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/curator/job" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.URL.Query().Get("id"); got != "cfg-1" {
			t.Errorf("expected id=cfg-1, got %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("expected bearer auth, got %q", got)
		}
		if got := r.Header.Get("User-Agent"); got != UserAgent {
			t.Errorf("expected user agent %q, got %q", UserAgent, got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"value":"tok-1","expires":false}`))
	})

	token, err := c.SubmitJob(context.Background(), "cfg-1")
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	if token != "tok-1" {
		t.Fatalf("expected tok-1, got %q", token)
	}
}

func TestFetchJobInfoRetriesOn503(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"token":"tok","status":"running","report":{"data":{"records":{}}}}`))
	})

	info, err := c.FetchJobInfo(context.Background(), "tok")
	if err != nil {
		t.Fatalf("FetchJobInfo: %v", err)
	}
	if info.Status != model.JobStatusRunning {
		t.Fatalf("expected running, got %s", info.Status)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 calls, got %d", got)
	}
}

func TestFetchJobInfoGivesUpAfterRetries(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "busy", http.StatusServiceUnavailable)
	})

	_, err := c.FetchJobInfo(context.Background(), "tok")

	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 StatusError, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 4 {
		t.Fatalf("expected 1 attempt plus 3 retries, got %d", got)
	}
}

func TestForbiddenMapsToSentinel(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Forbidden", http.StatusForbidden)
	})

	_, err := c.FetchJobConfig(context.Background(), "cfg")
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown token", http.StatusNotFound)
	})

	_, err := c.FetchJobInfo(context.Background(), "tok")
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if errors.Is(err, ErrForbidden) {
		t.Fatal("404 must not match ErrForbidden")
	}
}

func TestAbortJobSendsToken(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/api/curator/job" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		if body["token"] != "tok" {
			t.Errorf("expected token in body, got %v", body)
		}
		_, _ = w.Write([]byte("OK"))
	})

	if err := c.AbortJob(context.Background(), "tok"); err != nil {
		t.Fatalf("AbortJob: %v", err)
	}
}

func TestWidgetLayoutRoundTrip(t *testing.T) {
	var stored []byte
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPut && r.URL.Path == "/api/user/widgets":
			stored, _ = io.ReadAll(r.Body)
			_, _ = w.Write([]byte("OK"))
		case r.Method == http.MethodGet && r.URL.Path == "/api/user/config":
			_, _ = w.Write([]byte(`{"id":"u","widgetConfig":` + string(stored) + `}`))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	})

	layout := model.Layout{"1700000000000": {ID: "demo", X: 3, Y: 6, Props: map[string]interface{}{"title": "T"}}}
	if err := c.PersistWidgetLayout(context.Background(), layout); err != nil {
		t.Fatalf("PersistWidgetLayout: %v", err)
	}

	got, err := c.FetchWidgetLayout(context.Background())
	if err != nil {
		t.Fatalf("FetchWidgetLayout: %v", err)
	}
	if !got.Equal(layout) {
		t.Fatalf("expected %v, got %v", layout, got)
	}
}

func TestCalculateDelay(t *testing.T) {
	rs := NewRetryStrategy(RetryConfig{})
	if d := rs.CalculateDelay(1); d != 50*time.Millisecond {
		t.Fatalf("expected 50ms default delay, got %s", d)
	}
	if d := rs.CalculateDelay(3); d != 50*time.Millisecond {
		t.Fatalf("expected constant delay without multiplier, got %s", d)
	}

	rs = NewRetryStrategy(RetryConfig{InitialDelayMs: 100, Multiplier: 2, MaxDelayMs: 300})
	if d := rs.CalculateDelay(3); d != 300*time.Millisecond {
		t.Fatalf("expected delay capped at 300ms, got %s", d)
	}
	if rs.ShouldRetry(0, http.StatusInternalServerError, nil) {
		t.Fatal("expected only 503 to be retried")
	}
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(Options{
		BaseURL: srv.URL,
		Timeout: 5 * time.Second,
		Breaker: BreakerConfig{FailureThreshold: 2, OpenTimeout: time.Hour},
	})

	for i := 0; i < 2; i++ {
		if _, err := c.FetchJobInfo(context.Background(), "tok"); err == nil {
			t.Fatal("expected failure")
		}
	}
	if c.BreakerState() != BreakerOpen {
		t.Fatalf("expected open breaker, got %s", c.BreakerState())
	}

	_, err := c.FetchJobInfo(context.Background(), "tok")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected no request while open, got %d calls", got)
	}
}

func TestBreakerHalfOpenCloses(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, SuccessThreshold: 2, OpenTimeout: time.Minute})
	now := time.Now()
	b.now = func() time.Time { return now }

	b.Failure()
	if b.Allow() {
		t.Fatal("expected open breaker to reject")
	}

	now = now.Add(time.Minute)
	if !b.Allow() || b.State() != BreakerHalfOpen {
		t.Fatalf("expected half-open after timeout, got %s", b.State())
	}
	b.Success()
	if b.State() != BreakerHalfOpen {
		t.Fatalf("expected half-open after one success, got %s", b.State())
	}
	b.Success()
	if b.State() != BreakerClosed {
		t.Fatalf("expected closed, got %s", b.State())
	}
}

func TestDisabledBreakerIsNil(t *testing.T) {
	b := NewBreaker(BreakerConfig{})
	if b != nil || !b.Allow() || b.State() != BreakerClosed {
		t.Fatal("expected a nil breaker that always allows")
	}
}
