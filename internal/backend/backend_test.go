package backend

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestFileBackend_RoundTrip(t *testing.T) {
	b, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	ctx := context.Background()

	if _, err := b.GetSnapshot(ctx); !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("empty get err = %v, want ErrNoSnapshot", err)
	}

	payload := []byte(`{"meetings":[]}`)
	if err := b.PutSnapshot(ctx, "dev-a", payload); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := b.GetSnapshot(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("got %q", got)
	}

	// Overwrite replaces, never appends.
	second := []byte(`{"meetings":[{"id":"m1"}]}`)
	if err := b.PutSnapshot(ctx, "dev-a", second); err != nil {
		t.Fatalf("second put: %v", err)
	}
	got, err = b.GetSnapshot(ctx)
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	if string(got) != string(second) {
		t.Fatalf("got %q", got)
	}
}

func TestRelayBackend_RoundTrip(t *testing.T) {
	var mu sync.Mutex
	var stored []byte
	var gotDevice string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch r.Method {
		case http.MethodPut:
			gotDevice = r.Header.Get("X-Device-ID")
			buf := make([]byte, r.ContentLength)
			r.Body.Read(buf)
			stored = buf
			w.WriteHeader(http.StatusNoContent)
		case http.MethodGet:
			if stored == nil {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Write(stored)
		}
	}))
	defer srv.Close()

	b, err := NewRelayBackend(srv.URL, 5*time.Second)
	if err != nil {
		t.Fatalf("NewRelayBackend: %v", err)
	}
	ctx := context.Background()

	if _, err := b.GetSnapshot(ctx); !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("empty get err = %v, want ErrNoSnapshot", err)
	}
	if err := b.PutSnapshot(ctx, "dev-a", []byte(`{"x":1}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if gotDevice != "dev-a" {
		t.Fatalf("device header = %q", gotDevice)
	}
	got, err := b.GetSnapshot(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != `{"x":1}` {
		t.Fatalf("got %q", got)
	}
}

func TestRelayBackend_ServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	b, err := NewRelayBackend(srv.URL, 5*time.Second)
	if err != nil {
		t.Fatalf("NewRelayBackend: %v", err)
	}
	err = b.PutSnapshot(context.Background(), "dev-a", []byte("{}"))
	var se *StatusError
	if !errors.As(err, &se) || se.Status != http.StatusBadGateway {
		t.Fatalf("err = %v, want *StatusError with 502", err)
	}
	if !IsRetryable(err) {
		t.Fatalf("502 err = %v, want retryable", err)
	}
}

func TestRelayBackend_RejectionIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	b, err := NewRelayBackend(srv.URL, 5*time.Second)
	if err != nil {
		t.Fatalf("NewRelayBackend: %v", err)
	}
	err = b.PutSnapshot(context.Background(), "dev-a", []byte("{}"))
	var se *StatusError
	if !errors.As(err, &se) || se.Status != http.StatusUnauthorized {
		t.Fatalf("err = %v, want *StatusError with 401", err)
	}
	if IsRetryable(err) {
		t.Fatalf("401 err = %v reported retryable", err)
	}
}

func TestRelayBackend_Unreachable(t *testing.T) {
	b, err := NewRelayBackend("http://127.0.0.1:1", time.Second)
	if err != nil {
		t.Fatalf("NewRelayBackend: %v", err)
	}
	_, err = b.GetSnapshot(context.Background())
	var ne *NetworkError
	if !errors.As(err, &ne) {
		t.Fatalf("err = %v, want *NetworkError", err)
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(errors.New("plain")) {
		t.Fatal("plain error reported retryable")
	}
	if !IsRetryable(&NetworkError{Backend: "relay", Op: "put", Err: errors.New("refused")}) {
		t.Fatal("network error not retryable")
	}
	if !IsRetryable(&TimeoutError{NetworkError{Backend: "relay", Op: "get", Err: context.DeadlineExceeded}}) {
		t.Fatal("timeout error not retryable")
	}
	if !IsRetryable(&StatusError{Backend: "gist", Op: "put", Status: http.StatusTooManyRequests}) {
		t.Fatal("429 not retryable")
	}
	if IsRetryable(&StatusError{Backend: "gist", Op: "put", Status: http.StatusForbidden}) {
		t.Fatal("403 reported retryable")
	}
}
