package itercache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileStore keeps one JSON file per entry under
// <dir>/<workflow>/<key>.json
type FileStore struct {
	dir string
}

// NewFileStore creates a workspace-local store rooted at dir
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Get implements Store
func (s *FileStore) Get(_ context.Context, workflow, key string) (*Entry, bool, error) {
	data, err := os.ReadFile(s.path(workflow, key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read cache entry: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		// A corrupt entry counts as a miss; it is rewritten on success
		return nil, false, nil
	}
	return &entry, true, nil
}

// Put implements Store
func (s *FileStore) Put(_ context.Context, workflow, key string, entry *Entry) error {
	dir := filepath.Join(s.dir, sanitize(workflow))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	// Write-then-rename keeps readers from seeing partial entries
	tmp := filepath.Join(dir, key+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	return os.Rename(tmp, s.path(workflow, key))
}

// Close implements Store
func (s *FileStore) Close() error { return nil }

// Clear removes every entry for a workflow
func (s *FileStore) Clear(workflow string) error {
	return os.RemoveAll(filepath.Join(s.dir, sanitize(workflow)))
}

func (s *FileStore) path(workflow, key string) string {
	return filepath.Join(s.dir, sanitize(workflow), key+".json")
}

func sanitize(name string) string {
	if name == "" {
		return "unnamed"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, name)
}
