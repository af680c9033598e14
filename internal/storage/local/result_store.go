// Package local implements a filesystem-backed result store.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/pageaudit/internal/audit"
)

// Config captures the parameters for the local filesystem result store.
type Config struct {
	// BaseDir is the directory holding one <id>.json file per tested URL.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// ResultStore writes cache entries to the local filesystem.
type ResultStore struct {
	baseDir string
}

// New creates a new filesystem-backed result store, creating BaseDir when needed.
func New(cfg Config) (*ResultStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if err := ensureDir(cfg.BaseDir); err != nil {
		return nil, err
	}

	// Check for write permissions.
	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &ResultStore{baseDir: cfg.BaseDir}, nil
}

func ensureDir(dir string) error {
	info, err := os.Stat(dir)
	switch {
	case err == nil && !info.IsDir():
		return fmt.Errorf("base directory path is not a directory")
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrNotExist):
		if mkErr := os.MkdirAll(dir, 0o750); mkErr != nil {
			return fmt.Errorf("failed to create base directory: %w", mkErr)
		}
		return nil
	default:
		return fmt.Errorf("failed to stat base directory: %w", err)
	}
}

// Dir returns the directory entries are written to.
func (s *ResultStore) Dir() string {
	return s.baseDir
}

// Put writes the entry under the content address of its URL and returns the id.
// The file is written to a temporary name and renamed into place so readers
// never observe a partial entry.
func (s *ResultStore) Put(_ context.Context, entry audit.Entry) (string, error) {
	if strings.TrimSpace(entry.URL) == "" {
		return "", fmt.Errorf("entry url is required")
	}
	id := audit.ID(entry.URL)
	entry.ID = id
	fullPath, err := s.pathFor(id)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("marshal entry: %w", err)
	}

	tmp, err := os.CreateTemp(s.baseDir, ".entry-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, fullPath); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("rename entry: %w", err)
	}
	return id, nil
}

// Get loads the entry for the lookup, returning audit.ErrNotFound when absent.
func (s *ResultStore) Get(_ context.Context, lookup audit.Lookup) (audit.Entry, error) {
	id, err := lookup.Key()
	if err != nil {
		return audit.Entry{}, err
	}
	fullPath, err := s.pathFor(id)
	if err != nil {
		return audit.Entry{}, err
	}
	// #nosec G304 -- path is derived from a validated content address inside baseDir.
	data, err := os.ReadFile(fullPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return audit.Entry{}, fmt.Errorf("%w: %s", audit.ErrNotFound, id)
		}
		return audit.Entry{}, fmt.Errorf("read entry: %w", err)
	}
	var entry audit.Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return audit.Entry{}, fmt.Errorf("decode entry %s: %w", id, err)
	}
	return entry, nil
}

// Exists reports whether an entry has been written for id.
func (s *ResultStore) Exists(_ context.Context, id string) (bool, error) {
	fullPath, err := s.pathFor(id)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(fullPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat entry: %w", err)
	}
	return true, nil
}

// Reset deletes every stored entry and recreates the empty directory.
func (s *ResultStore) Reset(_ context.Context) error {
	if err := os.RemoveAll(s.baseDir); err != nil {
		return fmt.Errorf("remove base directory: %w", err)
	}
	return ensureDir(s.baseDir)
}

func (s *ResultStore) pathFor(id string) (string, error) {
	if err := audit.ValidateID(id); err != nil {
		return "", err
	}
	fullPath := filepath.Join(s.baseDir, id+".json")

	// Clean the path and verify it's within baseDir to prevent path traversal.
	cleanBaseDir := filepath.Clean(s.baseDir)
	cleanFullPath := filepath.Clean(fullPath)
	if !strings.HasPrefix(cleanFullPath, cleanBaseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	return fullPath, nil
}
