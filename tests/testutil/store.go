package testutil

import (
	"path/filepath"
	"testing"

	"github.com/nhle/mailmirror/internal/store"
)

// NewTestMirror creates a mirror database in a test temp dir with all
// migrations applied. It is closed automatically when the test completes.
func NewTestMirror(t *testing.T, accountID string) *store.Mirror {
	t.Helper()

	m, err := store.OpenMirror(filepath.Join(t.TempDir(), "mirror.db"), accountID)
	if err != nil {
		t.Fatalf("creating test mirror: %v", err)
	}

	t.Cleanup(func() {
		if err := m.Close(); err != nil {
			t.Errorf("closing test mirror: %v", err)
		}
	})

	return m
}

// NewTestShared creates a shared database in a test temp dir with all
// migrations applied. It is closed automatically when the test completes.
func NewTestShared(t *testing.T) *store.Shared {
	t.Helper()

	s, err := store.OpenShared(filepath.Join(t.TempDir(), "shared.db"))
	if err != nil {
		t.Fatalf("creating test shared store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test shared store: %v", err)
		}
	})

	return s
}
