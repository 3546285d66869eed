package config

import (
	"errors"
	"fmt"
	"sync"
)

// Store holds the active configuration and persists every change.
//
// Design decision: Update writes the file before it returns instead of
// batching writes in the background. Settings change rarely and a change
// the user saw applied must survive a crash.
type Store struct {
	mu   sync.RWMutex
	path string
	cfg  *Config
}

// OpenStore loads the configuration at path. A missing file yields the
// defaults; the file is created on the first Update.
func OpenStore(path string) (*Store, error) {
	cfg, err := LoadFile(path)
	if errors.Is(err, ErrConfigNotFound) {
		cfg = NewConfig()
	} else if err != nil {
		return nil, err
	}
	return &Store{path: path, cfg: cfg}, nil
}

// NewMemoryStore returns a Store that never touches disk.
func NewMemoryStore(cfg *Config) *Store {
	if cfg == nil {
		cfg = NewConfig()
	}
	return &Store{cfg: cfg.Clone()}
}

// Path returns the backing file path, empty for memory stores.
func (s *Store) Path() string {
	return s.path
}

// Snapshot returns a copy of the current configuration.
func (s *Store) Snapshot() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Clone()
}

// Update applies fn to a copy of the configuration, validates the result
// and persists it. The in-memory configuration only changes when every
// step succeeds.
func (s *Store) Update(fn func(*Config) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cfg.Clone()
	if err := fn(next); err != nil {
		return err
	}
	if err := next.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if s.path != "" {
		if err := SaveFile(s.path, next); err != nil {
			return err
		}
	}
	s.cfg = next
	return nil
}

// Save writes the current configuration to disk.
func (s *Store) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.path == "" {
		return nil
	}
	return SaveFile(s.path, s.cfg)
}

// Reload replaces the configuration with the file's current content, so a
// long-running command sees changes made by another invocation. Memory
// stores and missing files keep the current configuration, and so does a
// file that fails to parse or validate.
func (s *Store) Reload() error {
	if s.path == "" {
		return nil
	}
	cfg, err := LoadFile(s.path)
	if errors.Is(err, ErrConfigNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return nil
}
