package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sync"
)

// HandleStore keeps the in-flight job handle of each slot so a restarted
// client resumes polling instead of submitting again.
type HandleStore interface {
	Load(recordID string) (map[int]string, error)
	Save(recordID string, handles map[int]string) error
}

// MemoryHandleStore keeps handles for the life of the process.
type MemoryHandleStore struct {
	mu      sync.Mutex
	records map[string]map[int]string
}

// NewMemoryHandleStore creates an empty store.
func NewMemoryHandleStore() *MemoryHandleStore {
	return &MemoryHandleStore{records: make(map[string]map[int]string)}
}

// Load returns a copy of the saved handles.
func (s *MemoryHandleStore) Load(recordID string) (map[int]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]string, len(s.records[recordID]))
	maps.Copy(out, s.records[recordID])
	return out, nil
}

// Save replaces the saved handles.
func (s *MemoryHandleStore) Save(recordID string, handles map[int]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(handles) == 0 {
		delete(s.records, recordID)
		return nil
	}
	s.records[recordID] = maps.Clone(handles)
	return nil
}

// FileHandleStore keeps handles for every record in one JSON file. Each Save
// rewrites the file through a rename so a crash never leaves it torn.
type FileHandleStore struct {
	mu   sync.Mutex
	path string
}

// NewFileHandleStore uses the file at path, which need not exist yet.
func NewFileHandleStore(path string) *FileHandleStore {
	return &FileHandleStore{path: path}
}

type handleFile struct {
	Records map[string]map[int]string `json:"records"`
}

// Load returns the saved handles for recordID.
func (s *FileHandleStore) Load(recordID string) (map[int]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.read()
	if err != nil {
		return nil, err
	}
	out := make(map[int]string, len(f.Records[recordID]))
	maps.Copy(out, f.Records[recordID])
	return out, nil
}

// Save replaces the saved handles for recordID.
func (s *FileHandleStore) Save(recordID string, handles map[int]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.read()
	if err != nil {
		return err
	}
	if len(handles) == 0 {
		delete(f.Records, recordID)
	} else {
		f.Records[recordID] = maps.Clone(handles)
	}
	return s.write(f)
}

func (s *FileHandleStore) read() (*handleFile, error) {
	f := &handleFile{Records: make(map[string]map[int]string)}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("handle store: read %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return f, nil
	}
	if err := json.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("handle store: parse %s: %w", s.path, err)
	}
	if f.Records == nil {
		f.Records = make(map[string]map[int]string)
	}
	return f, nil
}

func (s *FileHandleStore) write(f *handleFile) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("handle store: marshal: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("handle store: ensure dir for %s: %w", s.path, err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("handle store: write temp file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("handle store: replace %s: %w", s.path, err)
	}
	return nil
}
