package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Mirrors hands out the per-account mirror database handles, opening each
// at most once for the life of the process.
type Mirrors struct {
	dir string

	mu   sync.Mutex
	open map[string]*Mirror
}

func NewMirrors(dir string) *Mirrors {
	return &Mirrors{dir: dir, open: make(map[string]*Mirror)}
}

// Path returns where the account's mirror database lives on disk.
func (m *Mirrors) Path(accountID string) string {
	return filepath.Join(m.dir, accountID+".db")
}

// Get returns the mirror for accountID, opening it on first use.
func (m *Mirrors) Get(accountID string) (*Mirror, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mirror, ok := m.open[accountID]; ok {
		return mirror, nil
	}
	if err := os.MkdirAll(m.dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	mirror, err := OpenMirror(m.Path(accountID), accountID)
	if err != nil {
		return nil, err
	}
	m.open[accountID] = mirror
	return mirror, nil
}

// Drop closes the account's mirror handle if open. Used at account
// teardown before the database file is removed.
func (m *Mirrors) Drop(accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mirror, ok := m.open[accountID]
	if !ok {
		return nil
	}
	delete(m.open, accountID)
	return mirror.Close()
}

// Close closes every open mirror.
func (m *Mirrors) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for id, mirror := range m.open {
		if err := mirror.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.open, id)
	}
	return firstErr
}
