package ocr

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paperlane/paperlane/ratelimit"
)

func testLearner(t *testing.T) *ratelimit.Learner {
	t.Helper()
	l, err := ratelimit.New(ratelimit.Config{
		Path: filepath.Join(t.TempDir(), "history.json"),
		CooldownSteps: []time.Duration{
			time.Millisecond, 2 * time.Millisecond, 3 * time.Millisecond,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func testCaller(t *testing.T, srv *httptest.Server) *Caller {
	t.Helper()
	return NewCaller(CallerConfig{
		Endpoint:   srv.URL,
		APIKey:     "test-key",
		RetryDelay: time.Millisecond,
	}, testLearner(t))
}

func chunkFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chunk_000.pdf")
	if err := os.WriteFile(path, []byte("%PDF-1.4 fake"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCallSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("auth header = %q", got)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		if r.FormValue("model") != "document-parse" {
			t.Errorf("model = %q", r.FormValue("model"))
		}
		if _, _, err := r.FormFile("document"); err != nil {
			t.Errorf("document part: %v", err)
		}
		w.Write([]byte(`{"content":{"html":"<p>ocr output</p>"}}`))
	}))
	defer srv.Close()

	html, err := testCaller(t, srv).Call(context.Background(), chunkFile(t))
	if err != nil {
		t.Fatal(err)
	}
	if html != "<p>ocr output</p>" {
		t.Errorf("html = %q", html)
	}
}

func TestCallRateLimitedThenSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"content":{"html":"<p>finally</p>"}}`))
	}))
	defer srv.Close()

	learner := testLearner(t)
	c := NewCaller(CallerConfig{
		Endpoint:   srv.URL,
		RetryDelay: time.Millisecond,
	}, learner)

	html, err := c.Call(context.Background(), chunkFile(t))
	if err != nil {
		t.Fatal(err)
	}
	if html != "<p>finally</p>" {
		t.Errorf("html = %q", html)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
	// The success cleared the cooldown.
	if rem := learner.CheckCooldown(); rem != 0 {
		t.Errorf("cooldown after success = %v, want 0", rem)
	}
}

func TestCallClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message":"unsupported file format"}`))
	}))
	defer srv.Close()

	_, err := testCaller(t, srv).Call(context.Background(), chunkFile(t))
	if !errors.Is(err, ErrClient) {
		t.Fatalf("err = %v, want ErrClient", err)
	}
	if got := err.Error(); !strings.Contains(got, "unsupported file format") {
		t.Errorf("error lost the provider message: %q", got)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (no retry)", calls.Load())
	}
}

func TestCallServerErrorBoundedRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := testCaller(t, srv).Call(context.Background(), chunkFile(t))
	if !errors.Is(err, ErrServer) {
		t.Fatalf("err = %v, want ErrServer", err)
	}
	if calls.Load() != 4 { // initial attempt + 3 retries
		t.Errorf("calls = %d, want 4", calls.Load())
	}
}

func TestCallServerErrorThenRecovers(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"html":"<p>second try</p>"}`))
	}))
	defer srv.Close()

	html, err := testCaller(t, srv).Call(context.Background(), chunkFile(t))
	if err != nil {
		t.Fatal(err)
	}
	if html != "<p>second try</p>" {
		t.Errorf("html = %q", html)
	}
}

func TestCallTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse all connections

	_, err := testCaller(t, srv).Call(context.Background(), chunkFile(t))
	if !errors.Is(err, ErrServer) {
		t.Fatalf("err = %v, want ErrServer", err)
	}
}

func TestCallContextCancelledDuringCooldown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	learner, err := ratelimit.New(ratelimit.Config{
		Path:          filepath.Join(t.TempDir(), "history.json"),
		CooldownSteps: []time.Duration{time.Hour},
	})
	if err != nil {
		t.Fatal(err)
	}
	c := NewCaller(CallerConfig{Endpoint: srv.URL}, learner)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = c.Call(ctx, chunkFile(t))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context deadline", err)
	}
}

func TestCallOversizedFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("oversized file must be rejected before any call")
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "big.pdf")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Truncate(MaxFileSize + 1); err != nil {
		t.Fatal(err)
	}
	f.Close()

	_, err = testCaller(t, srv).Call(context.Background(), path)
	if !errors.Is(err, ErrClient) {
		t.Fatalf("err = %v, want ErrClient", err)
	}
}
