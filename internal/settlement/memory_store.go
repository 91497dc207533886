package settlement

import (
	"context"
	"fmt"
	"sync"
)

// MemorySnapshotStore keeps the latest encoded snapshot in memory. It is
// intended for unit tests and single-process usage and is safe for concurrent use.
type MemorySnapshotStore struct {
	mu       sync.Mutex
	encoded  []byte
	revision uint64
	saved    bool
}

func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{}
}

func (s *MemorySnapshotStore) Load(_ context.Context) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.saved {
		return Snapshot{}, ErrNotFound
	}
	return DecodeSnapshot(s.encoded)
}

func (s *MemorySnapshotStore) Save(_ context.Context, snap Snapshot) error {
	b, err := EncodeSnapshot(snap)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.saved && snap.Revision != s.revision+1 {
		return fmt.Errorf("%w: stored %d, saving %d", ErrRevisionConflict, s.revision, snap.Revision)
	}
	s.encoded = b
	s.revision = snap.Revision
	s.saved = true
	return nil
}
