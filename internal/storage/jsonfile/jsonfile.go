// Package jsonfile implements storage.Store as one JSON file per document.
// Every Save rewrites the file atomically (write temp file, fsync, rename) so
// a crash leaves either the old or the new document, never a torn one.
package jsonfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/snehjoshi/leadflow/internal/storage"
)

// nameRe restricts document names to safe file names.
var nameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_\-]{0,63}$`)

// Store keeps documents under dir as <name>.json.
type Store struct {
	mu     sync.Mutex
	dir    string
	closed bool
}

var _ storage.Store = (*Store)(nil)

// Open creates dir if needed and returns a Store rooted there.
func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("jsonfile: dir must not be empty")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("jsonfile: create dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Path returns the file backing the named document.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, name+".json")
}

// Load reads the named document. A missing file yields storage.ErrNotFound.
func (s *Store) Load(name string, v any) error {
	if !nameRe.MatchString(name) {
		return fmt.Errorf("jsonfile: invalid document name %q", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}

	data, err := os.ReadFile(s.Path(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("jsonfile: read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("jsonfile: parse %s: %w", name, err)
	}
	return nil
}

// Save writes the named document atomically.
func (s *Store) Save(name string, v any) error {
	if !nameRe.MatchString(name) {
		return fmt.Errorf("jsonfile: invalid document name %q", name)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("jsonfile: marshal %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}

	path := s.Path(name)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("jsonfile: open %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("jsonfile: write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("jsonfile: sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("jsonfile: close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("jsonfile: rename to %s: %w", path, err)
	}
	return nil
}

// Close marks the store closed. There are no open handles between calls.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
