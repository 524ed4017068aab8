package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileStore persists blobs as individual files under a root directory.
// Keys map directly to file names, so the permitted key charset is
// restricted to block path traversal.
type FileStore struct {
	root string
	mu   sync.RWMutex
}

// NewFileStore creates the root directory if needed and returns the store.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	return &FileStore{root: root}, nil
}

// Root returns the backing directory (primarily for logging and tests).
func (s *FileStore) Root() string {
	return s.root
}

// Read fetches a blob by key.
func (s *FileStore) Read(key string) ([]byte, error) {
	if !validKey(key) {
		return nil, fmt.Errorf("read %q: %w", key, ErrInvalidKey)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(s.root, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read blob %s: %w", key, err)
	}
	return data, nil
}

// Write stores a blob, overwriting any previous value.
func (s *FileStore) Write(key string, data []byte) error {
	if !validKey(key) {
		return fmt.Errorf("write %q: %w", key, ErrInvalidKey)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.WriteFile(filepath.Join(s.root, key), data, 0o600); err != nil {
		return fmt.Errorf("write blob %s: %w", key, err)
	}
	return nil
}

// Delete removes a blob; deleting an absent key is not an error.
func (s *FileStore) Delete(key string) error {
	if !validKey(key) {
		return fmt.Errorf("delete %q: %w", key, ErrInvalidKey)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(filepath.Join(s.root, key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob %s: %w", key, err)
	}
	return nil
}

// List returns the sorted keys beginning with the given prefix.
func (s *FileStore) List(prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("list blobs: %w", err)
	}

	var keys []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if name := entry.Name(); strings.HasPrefix(name, prefix) {
			keys = append(keys, name)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// validKey permits word characters, dots and dashes only; anything that
// could escape the root directory is rejected.
func validKey(key string) bool {
	if key == "" || strings.HasPrefix(key, ".") {
		return false
	}
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '.' || r == '-':
		default:
			return false
		}
	}
	return true
}
