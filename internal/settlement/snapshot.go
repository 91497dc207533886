package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
)

const SnapshotVersion = 1

var ErrInvalidSnapshot = errors.New("settlement: invalid snapshot")

// Snapshot is the logical persisted layout: the deposit queue as an ordered
// sequence of fixed-size records, the batch store as ordered (number, info)
// pairs, and the two watermarks.
//
// Revision increases by one on every accepted mutation.
type Snapshot struct {
	Version       uint64
	Revision      uint64
	QueueCapacity uint64
	BatchCapacity uint64

	Deposits []DepositRecord
	Batches  []BatchInfo

	LastCommitted uint64
	LastFinalized uint64

	TotalAppended uint64
	TotalDrained  uint64

	// PrunedThrough is the highest batch number removed by pruning.
	PrunedThrough uint64 `rlp:"optional"`
}

// SnapshotStore persists whole-state snapshots. Save must be atomic: either the
// new snapshot becomes durable or the previously saved one remains.
type SnapshotStore interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, snap Snapshot) error
}

func EncodeSnapshot(s Snapshot) ([]byte, error) {
	s.Version = SnapshotVersion
	b, err := rlp.EncodeToBytes(&s)
	if err != nil {
		return nil, fmt.Errorf("settlement: encode snapshot: %w", err)
	}
	return b, nil
}

func DecodeSnapshot(b []byte) (Snapshot, error) {
	var s Snapshot
	if err := rlp.DecodeBytes(b, &s); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	if err := s.Validate(); err != nil {
		return Snapshot{}, err
	}
	return s, nil
}

// Validate checks the structural invariants of a snapshot.
func (s Snapshot) Validate() error {
	if s.Version != SnapshotVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidSnapshot, s.Version)
	}
	if s.LastFinalized > s.LastCommitted {
		return fmt.Errorf("%w: last finalized %d > last committed %d", ErrInvalidSnapshot, s.LastFinalized, s.LastCommitted)
	}
	if s.TotalDrained > s.TotalAppended || s.TotalAppended-s.TotalDrained != uint64(len(s.Deposits)) {
		return fmt.Errorf("%w: appended %d drained %d queued %d", ErrInvalidSnapshot, s.TotalAppended, s.TotalDrained, len(s.Deposits))
	}
	if s.PrunedThrough > s.LastFinalized {
		return fmt.Errorf("%w: pruned through %d > last finalized %d", ErrInvalidSnapshot, s.PrunedThrough, s.LastFinalized)
	}
	prev := s.PrunedThrough
	for i, b := range s.Batches {
		if b.BatchNumber == 0 || b.BatchNumber <= prev {
			return fmt.Errorf("%w: batch %d out of order at index %d", ErrInvalidSnapshot, b.BatchNumber, i)
		}
		if b.BatchNumber > s.LastCommitted {
			return fmt.Errorf("%w: batch %d above last committed %d", ErrInvalidSnapshot, b.BatchNumber, s.LastCommitted)
		}
		prev = b.BatchNumber
	}
	// Pruning never removes the last committed batch.
	if s.LastCommitted > 0 && prev != s.LastCommitted {
		return fmt.Errorf("%w: last committed batch %d missing", ErrInvalidSnapshot, s.LastCommitted)
	}
	return nil
}

type state struct {
	revision uint64
	ledger   *DepositLedger
	batches  *BatchStore
}

func newState(queueCapacity, batchCapacity int) *state {
	return &state{
		ledger:  NewDepositLedger(queueCapacity),
		batches: NewBatchStore(batchCapacity),
	}
}

func (s *state) clone() *state {
	return &state{
		revision: s.revision,
		ledger:   s.ledger.clone(),
		batches:  s.batches.clone(),
	}
}

func (s *state) snapshot() Snapshot {
	return Snapshot{
		Version:       SnapshotVersion,
		Revision:      s.revision,
		QueueCapacity: uint64(s.ledger.Cap()),
		BatchCapacity: uint64(s.batches.Cap()),
		Deposits:      s.ledger.Records(),
		Batches:       s.batches.Batches(),
		LastCommitted: s.batches.LastCommitted(),
		LastFinalized: s.batches.LastFinalized(),
		TotalAppended: s.ledger.TotalAppended(),
		TotalDrained:  s.ledger.TotalDrained(),
		PrunedThrough: s.batches.PrunedThrough(),
	}
}

// stateFromSnapshot rebuilds state using the configured capacities. A queue
// capacity below the persisted backlog is raised to fit it, so appends are
// rejected until finalization drains the excess.
func stateFromSnapshot(snap Snapshot, queueCapacity, batchCapacity int) (*state, error) {
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	if queueCapacity <= 0 {
		queueCapacity = DefaultMaxQueueSize
	}
	if n := len(snap.Deposits); n > queueCapacity {
		queueCapacity = n
	}
	if batchCapacity > 0 && len(snap.Batches) > batchCapacity {
		batchCapacity = len(snap.Batches)
	}

	ledger := NewDepositLedger(queueCapacity)
	ledger.records = append(ledger.records, snap.Deposits...)
	ledger.totalAppended = snap.TotalAppended
	ledger.totalDrained = snap.TotalDrained

	store := NewBatchStore(batchCapacity)
	for _, b := range snap.Batches {
		store.batches[b.BatchNumber] = b.clone()
		store.order = append(store.order, b.BatchNumber)
	}
	store.lastCommitted = snap.LastCommitted
	store.lastFinalized = snap.LastFinalized
	store.prunedThrough = snap.PrunedThrough

	return &state{
		revision: snap.Revision,
		ledger:   ledger,
		batches:  store,
	}, nil
}
