// Package memories persists which citation files are open and which were
// opened recently, so a restart reopens the same set.
package memories

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/natefinch/atomic"
	"gopkg.in/yaml.v3"
)

// DefaultRecentLimit bounds the recent list.
const DefaultRecentLimit = 10

type state struct {
	Open   []string `yaml:"open"`
	Recent []string `yaml:"recent"`
}

// Store is a YAML-backed list of open and recent files. Every change is
// written through immediately.
type Store struct {
	path   string
	limit  int
	logger *slog.Logger

	mu    sync.Mutex
	state state
}

// Load reads the store at path. A missing file yields an empty store.
func Load(path string, limit int, logger *slog.Logger) (*Store, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	s := &Store{path: path, limit: limit, logger: logger}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("memories: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &s.state); err != nil {
		return nil, fmt.Errorf("memories: parse %s: %w", path, err)
	}
	return s, nil
}

// Opened records path as open and most recent.
func (s *Store) Opened(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !slices.Contains(s.state.Open, path) {
		s.state.Open = append(s.state.Open, path)
	}
	recent := slices.DeleteFunc(s.state.Recent, func(p string) bool { return p == path })
	recent = slices.Insert(recent, 0, path)
	if len(recent) > s.limit {
		recent = recent[:s.limit]
	}
	s.state.Recent = recent
	s.persist()
}

// Closed records path as no longer open. It stays in the recent list.
func (s *Store) Closed(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Open = slices.DeleteFunc(s.state.Open, func(p string) bool { return p == path })
	s.persist()
}

// OpenFiles returns the files open at the last write, in open order.
func (s *Store) OpenFiles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.state.Open)
}

// Recent returns recently opened files, most recent first.
func (s *Store) Recent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.state.Recent)
}

// persist writes the store; failures are logged because callers cannot act
// on them.
func (s *Store) persist() {
	data, err := yaml.Marshal(&s.state)
	if err == nil {
		err = os.MkdirAll(filepath.Dir(s.path), 0o755)
	}
	if err == nil {
		err = atomic.WriteFile(s.path, bytes.NewReader(data))
	}
	if err != nil {
		s.logger.Warn("memories: write failed", slog.String("path", s.path), slog.String("error", err.Error()))
	}
}
