package fs

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestStore_PutOverwrites(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, "http://localhost:8080/objects/")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()

	url, err := s.Put(ctx, "records/r1/slot-000.png", []byte("first"), "image/png")
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if url != "http://localhost:8080/objects/records/r1/slot-000.png" {
		t.Errorf("url = %q", url)
	}

	again, err := s.Put(ctx, "records/r1/slot-000.png", []byte("second"), "image/png")
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if again != url {
		t.Errorf("same key must yield the same url, got %q and %q", url, again)
	}

	data, err := os.ReadFile(filepath.Join(dir, "records", "r1", "slot-000.png"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(data) != "second" {
		t.Errorf("content = %q, want second", data)
	}

	entries, _ := os.ReadDir(filepath.Join(dir, "records", "r1"))
	if len(entries) != 1 {
		t.Errorf("expected no temp files left behind, got %d entries", len(entries))
	}
}

func TestStore_PutRejectsTraversal(t *testing.T) {
	s, _ := New(t.TempDir(), "http://x")
	for _, key := range []string{"../escape", "/abs/path", "a/../../b", ""} {
		if _, err := s.Put(context.Background(), key, []byte("x"), ""); err == nil {
			t.Errorf("Put(%q) should fail", key)
		}
	}
}

func TestStore_Handler(t *testing.T) {
	s, _ := New(t.TempDir(), "http://x")
	if _, err := s.Put(context.Background(), "records/r/slot-001.txt", []byte("hello"), "text/plain"); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /objects/{key...}", s.Handler())
	server := httptest.NewServer(mux)
	defer server.Close()

	tests := []struct {
		path   string
		status int
		body   string
	}{
		{"/objects/records/r/slot-001.txt", http.StatusOK, "hello"},
		{"/objects/records/r/missing.txt", http.StatusNotFound, ""},
		{"/objects/records/r", http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		resp, err := http.Get(server.URL + tt.path)
		if err != nil {
			t.Fatalf("GET %s error = %v", tt.path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != tt.status {
			t.Errorf("GET %s status = %d, want %d", tt.path, resp.StatusCode, tt.status)
		}
		if tt.body != "" && string(body) != tt.body {
			t.Errorf("GET %s body = %q, want %q", tt.path, body, tt.body)
		}
	}
}

func TestStore_Ready(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "objects")
	s, err := New(dir, "http://x")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := s.Ready(context.Background()); err != nil {
		t.Errorf("Ready() error = %v", err)
	}
	os.RemoveAll(dir)
	if err := s.Ready(context.Background()); err == nil {
		t.Error("Ready() should fail once the directory is gone")
	}
}
