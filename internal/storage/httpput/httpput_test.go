package httpput

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestStore_Put(t *testing.T) {
	t.Parallel()

	var gotPath, gotType string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %s, want PUT", r.Method)
		}
		gotPath = r.URL.Path
		gotType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	s := New(Config{UploadURL: server.URL + "/upload", PublicURL: "https://cdn.example"})
	url, err := s.Put(context.Background(), "records/r/slot-000.png", []byte("img"), "image/png")
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if url != "https://cdn.example/records/r/slot-000.png" {
		t.Errorf("url = %q", url)
	}
	if gotPath != "/upload/records/r/slot-000.png" {
		t.Errorf("path = %q", gotPath)
	}
	if gotType != "image/png" {
		t.Errorf("Content-Type = %q", gotType)
	}
	if string(gotBody) != "img" {
		t.Errorf("body = %q", gotBody)
	}
}

func TestStore_Put_RetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	s := New(Config{UploadURL: server.URL, MaxRetries: 3})
	if _, err := s.Put(context.Background(), "k", []byte("x"), ""); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestStore_Put_NoRetryOnClientError(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer server.Close()

	s := New(Config{UploadURL: server.URL, MaxRetries: 3})
	if _, err := s.Put(context.Background(), "k", []byte("x"), ""); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestStore_Put_ContextCancelled(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := New(Config{UploadURL: server.URL, MaxRetries: 5})
	if _, err := s.Put(ctx, "k", []byte("x"), ""); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestStore_Ready(t *testing.T) {
	t.Parallel()

	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
	}))
	defer up.Close()
	if err := New(Config{UploadURL: up.URL}).Ready(context.Background()); err != nil {
		t.Errorf("Ready() error = %v", err)
	}

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()
	if err := New(Config{UploadURL: down.URL}).Ready(context.Background()); err == nil {
		t.Error("Ready() should fail on 5xx")
	}
}

func TestStore_Put_ThrottledUploadIsRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	s := New(Config{UploadURL: server.URL, MaxRetries: 1})
	if _, err := s.Put(context.Background(), "records/r/slot-000.png", []byte("x"), "image/png"); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", 0},
		{"3", 3 * time.Second},
		{"-4", 0},
		{now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second},
		{now.Add(-time.Minute).Format(http.TimeFormat), 0},
		{"soon", 0},
	}

	for _, tt := range tests {
		if got := parseRetryAfter(tt.value, now); got != tt.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}

	err := &uploadError{statusCode: http.StatusServiceUnavailable, retryAfter: 2 * time.Second}
	if err.RetryAfter() != 2*time.Second || isClientError(err) {
		t.Errorf("unexpected classification for %v", err)
	}
}
