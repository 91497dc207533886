package settlement

import (
	"fmt"
	"sort"
)

// BatchStore is an ordered collection of committed batches keyed by batch
// number, plus the committed and finalized watermarks.
//
// Invariants:
//   - committed batch numbers are strictly increasing
//   - lastFinalized <= lastCommitted
//   - finalization never removes an entry; only PruneFinalized does
//   - prunedThrough < every retained batch number and <= lastFinalized
type BatchStore struct {
	capacity int // 0 = unbounded

	batches map[uint64]BatchInfo
	order   []uint64

	lastCommitted uint64
	lastFinalized uint64
	// prunedThrough is the highest batch number PruneFinalized removed.
	prunedThrough uint64
}

// NewBatchStore creates an empty store with both watermarks at 0.
func NewBatchStore(capacity int) *BatchStore {
	if capacity < 0 {
		capacity = 0
	}
	return &BatchStore{
		capacity: capacity,
		batches:  make(map[uint64]BatchInfo),
	}
}

func (s *BatchStore) LastCommitted() uint64 { return s.lastCommitted }

func (s *BatchStore) LastFinalized() uint64 { return s.lastFinalized }

func (s *BatchStore) PrunedThrough() uint64 { return s.prunedThrough }

func (s *BatchStore) Len() int { return len(s.order) }

func (s *BatchStore) Cap() int { return s.capacity }

func (s *BatchStore) Commit(info BatchInfo) error {
	if info.BatchNumber <= s.lastCommitted {
		return fmt.Errorf("%w: got %d, last committed %d", ErrNonMonotonicBatchNumber, info.BatchNumber, s.lastCommitted)
	}
	if s.capacity > 0 && len(s.order) >= s.capacity {
		return fmt.Errorf("%w: batch store holds %d of %d", ErrCapacityExceeded, len(s.order), s.capacity)
	}
	s.batches[info.BatchNumber] = info.clone()
	s.order = append(s.order, info.BatchNumber)
	s.lastCommitted = info.BatchNumber
	return nil
}

func (s *BatchStore) Lookup(batchNumber uint64) (BatchInfo, bool) {
	info, ok := s.batches[batchNumber]
	if !ok {
		return BatchInfo{}, false
	}
	return info.clone(), true
}

func (s *BatchStore) MarkFinalized(batchNumber uint64) error {
	if err := s.checkFinalizable(batchNumber); err != nil {
		return err
	}
	s.lastFinalized = batchNumber
	return nil
}

// Pruned reports whether batchNumber lies in the range PruneFinalized has
// removed. Numbers there are settled history: a gap that was never committed
// can no longer be told apart from a pruned batch.
func (s *BatchStore) Pruned(batchNumber uint64) bool {
	_, ok := s.batches[batchNumber]
	return !ok && batchNumber != 0 && batchNumber <= s.prunedThrough
}

func (s *BatchStore) checkFinalizable(batchNumber uint64) error {
	if s.Pruned(batchNumber) {
		return fmt.Errorf("%w: batch %d finalized and pruned", ErrNonMonotonicFinalization, batchNumber)
	}
	if _, ok := s.batches[batchNumber]; !ok {
		return fmt.Errorf("%w: %d", ErrBatchNotCommitted, batchNumber)
	}
	if batchNumber <= s.lastFinalized {
		return fmt.Errorf("%w: got %d, last finalized %d", ErrNonMonotonicFinalization, batchNumber, s.lastFinalized)
	}
	return nil
}

// Stage reports where batchNumber is in its lifecycle. Batches removed by
// PruneFinalized stay StageFinalized.
func (s *BatchStore) Stage(batchNumber uint64) Stage {
	if s.Pruned(batchNumber) {
		return StageFinalized
	}
	if _, ok := s.batches[batchNumber]; !ok {
		return StageUncommitted
	}
	if batchNumber <= s.lastFinalized {
		return StageFinalized
	}
	return StageCommitted
}

// Batches returns all stored batches ordered by batch number.
func (s *BatchStore) Batches() []BatchInfo {
	out := make([]BatchInfo, 0, len(s.order))
	for _, n := range s.order {
		out = append(out, s.batches[n].clone())
	}
	return out
}

// PruneFinalized removes finalized entries strictly below the finalized
// watermark and returns how many were removed. The latest finalized entry is
// kept.
func (s *BatchStore) PruneFinalized() int {
	i := sort.Search(len(s.order), func(i int) bool { return s.order[i] >= s.lastFinalized })
	if i == 0 {
		return 0
	}
	for _, n := range s.order[:i] {
		delete(s.batches, n)
	}
	s.prunedThrough = s.order[i-1]
	s.order = append([]uint64(nil), s.order[i:]...)
	return i
}

func (s *BatchStore) clone() *BatchStore {
	out := &BatchStore{
		capacity:      s.capacity,
		batches:       make(map[uint64]BatchInfo, len(s.batches)),
		order:         append([]uint64(nil), s.order...),
		lastCommitted: s.lastCommitted,
		lastFinalized: s.lastFinalized,
		prunedThrough: s.prunedThrough,
	}
	for n, info := range s.batches {
		out.batches[n] = info.clone()
	}
	return out
}
