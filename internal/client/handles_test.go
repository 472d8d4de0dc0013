package client

import (
	"os"
	"path/filepath"
	"testing"
)

func testHandleStore(t *testing.T, s HandleStore) {
	t.Helper()

	got, err := s.Load("rec-1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no handles, got %v", got)
	}

	if err := s.Save("rec-1", map[int]string{0: "h0", 3: "h3"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := s.Save("rec-2", map[int]string{1: "other"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err = s.Load("rec-1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(got) != 2 || got[0] != "h0" || got[3] != "h3" {
		t.Errorf("unexpected handles: %v", got)
	}

	// The returned map is a copy.
	got[0] = "mutated"
	again, _ := s.Load("rec-1")
	if again[0] != "h0" {
		t.Error("Load should return a copy")
	}

	if err := s.Save("rec-1", nil); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	got, _ = s.Load("rec-1")
	if len(got) != 0 {
		t.Errorf("expected handles cleared, got %v", got)
	}
	other, _ := s.Load("rec-2")
	if other[1] != "other" {
		t.Errorf("other record affected: %v", other)
	}
}

func TestMemoryHandleStore(t *testing.T) {
	testHandleStore(t, NewMemoryHandleStore())
}

func TestFileHandleStore(t *testing.T) {
	testHandleStore(t, NewFileHandleStore(filepath.Join(t.TempDir(), "state", "handles.json")))
}

func TestFileHandleStore_SurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "handles.json")

	if err := NewFileHandleStore(path).Save("rec", map[int]string{2: "h2"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := NewFileHandleStore(path).Load("rec")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got[2] != "h2" {
		t.Errorf("expected handle to survive, got %v", got)
	}

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file should not remain after save")
	}
}

func TestFileHandleStore_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "handles.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := NewFileHandleStore(path).Load("rec"); err == nil {
		t.Error("expected error for corrupt state file")
	}
}
