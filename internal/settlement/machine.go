package settlement

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/twinelabs/settlement/internal/idempotency"
)

// Verifier checks a proof against a public input and verification key.
// It must be deterministic. A returned error is treated as a rejection.
type Verifier interface {
	Verify(proof, publicInput, verificationKey []byte) (bool, error)
}

type Config struct {
	// MaxQueueSize bounds the deposit ledger. Defaults to DefaultMaxQueueSize.
	MaxQueueSize int
	// MaxBatches bounds the batch store. 0 means unbounded.
	MaxBatches int

	VerificationKey []byte

	// EnforceRootContinuity rejects commits whose previous state root does not
	// match the state root of the last committed batch (or GenesisStateRoot
	// for the first batch, when set).
	EnforceRootContinuity bool
	GenesisStateRoot      common.Hash

	// PruneFinalized drops superseded finalized batches after each finalization.
	PruneFinalized bool

	// MaxBatchNumber is the largest batch number CommitBatch accepts, for
	// stores with a narrower key range. 0 means no bound.
	MaxBatchNumber uint64
}

// Machine is the settlement state machine. It exclusively owns one
// DepositLedger and one BatchStore and drives the per-batch lifecycle
// Uncommitted -> Committed -> Finalized.
//
// Every call is atomic: it mutates a copy of the state, persists the copy
// when a SnapshotStore is configured, and only then makes it live. Calls are
// serialized.
type Machine struct {
	cfg Config

	log      *slog.Logger
	verifier Verifier
	sink     EventSink
	store    SnapshotStore

	mu sync.Mutex
	st *state
}

func New(cfg Config, verifier Verifier, sink EventSink, store SnapshotStore, log *slog.Logger) (*Machine, error) {
	if verifier == nil {
		return nil, fmt.Errorf("%w: nil verifier", ErrInvalidConfig)
	}
	if len(cfg.VerificationKey) == 0 {
		return nil, fmt.Errorf("%w: VerificationKey must be non-empty", ErrInvalidConfig)
	}
	if cfg.MaxQueueSize < 0 || cfg.MaxBatches < 0 {
		return nil, fmt.Errorf("%w: capacities must be >= 0", ErrInvalidConfig)
	}
	if cfg.MaxQueueSize == 0 {
		cfg.MaxQueueSize = DefaultMaxQueueSize
	}
	cfg.VerificationKey = append([]byte(nil), cfg.VerificationKey...)
	if sink == nil {
		sink = nopSink{}
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	return &Machine{
		cfg:      cfg,
		log:      log,
		verifier: verifier,
		sink:     sink,
		store:    store,
		st:       newState(cfg.MaxQueueSize, cfg.MaxBatches),
	}, nil
}

// Restore replaces the live state with the persisted snapshot. When nothing
// has been persisted yet the machine keeps its empty state.
func (m *Machine) Restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	snap, err := m.store.Load(ctx)
	if errors.Is(err, ErrNotFound) {
		m.log.Info("no persisted settlement state; starting empty")
		return nil
	}
	if err != nil {
		return fmt.Errorf("settlement: load snapshot: %w", err)
	}
	st, err := stateFromSnapshot(snap, m.cfg.MaxQueueSize, m.cfg.MaxBatches)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.st = st
	m.mu.Unlock()

	m.log.Info("restored settlement state",
		"revision", snap.Revision,
		"queued", len(snap.Deposits),
		"batches", len(snap.Batches),
		"lastCommitted", snap.LastCommitted,
		"lastFinalized", snap.LastFinalized,
	)
	return nil
}

func (m *Machine) AppendDeposit(ctx context.Context, from, to Address, amount uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.appendDeposit(ctx, DepositRecord{From: from, To: to, Amount: amount})
}

// AppendDepositAt appends a deposit that the source chain assigned to lifetime
// position index. Resubmitting an already appended deposit returns
// ErrDuplicateDeposit and changes nothing; a different deposit claiming an
// appended position returns ErrDepositConflict, and a position past the next
// free one returns ErrDepositOutOfOrder.
func (m *Machine) AppendDepositAt(ctx context.Context, index uint64, from, to Address, amount uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := DepositRecord{From: from, To: to, Amount: amount}
	ledger := m.st.ledger
	switch next := ledger.TotalAppended(); {
	case index < ledger.TotalDrained():
		return fmt.Errorf("%w: position %d already drained", ErrDuplicateDeposit, index)
	case index < next:
		queued, _ := ledger.At(index)
		if queued != rec {
			return fmt.Errorf("%w: position %d holds %s, got %s", ErrDepositConflict, index, queued, rec)
		}
		return fmt.Errorf("%w: position %d id %s", ErrDuplicateDeposit, index, idempotency.DepositIDV1(index, from, to, amount))
	case index > next:
		return fmt.Errorf("%w: got position %d, next is %d", ErrDepositOutOfOrder, index, next)
	}
	return m.appendDeposit(ctx, rec)
}

// appendDeposit is called with m.mu held.
func (m *Machine) appendDeposit(ctx context.Context, rec DepositRecord) error {
	next, err := m.apply(ctx, func(next *state) error {
		return next.ledger.Append(rec)
	})
	if err != nil {
		return err
	}

	index := next.ledger.TotalAppended() - 1
	m.sink.Emit(ctx, DepositAppended{
		Index:  index,
		ID:     idempotency.DepositIDV1(index, rec.From, rec.To, rec.Amount),
		From:   rec.From,
		To:     rec.To,
		Amount: rec.Amount,
	})
	return nil
}

func (m *Machine) CommitBatch(ctx context.Context, batchNumber uint64, batchHash, previousStateRoot, stateRoot common.Hash) error {
	if m.cfg.MaxBatchNumber > 0 && batchNumber > m.cfg.MaxBatchNumber {
		return fmt.Errorf("%w: %d above %d", ErrBatchNumberOutOfRange, batchNumber, m.cfg.MaxBatchNumber)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	info := BatchInfo{
		BatchNumber:       batchNumber,
		BatchHash:         batchHash,
		PreviousStateRoot: previousStateRoot,
		StateRoot:         stateRoot,
		PublicInput:       DerivePublicInput(batchNumber, batchHash, previousStateRoot, stateRoot),
	}
	_, err := m.apply(ctx, func(next *state) error {
		if m.cfg.EnforceRootContinuity {
			if err := m.checkContinuity(next.batches, info); err != nil {
				return err
			}
		}
		return next.batches.Commit(info)
	})
	if err != nil {
		return err
	}

	m.log.Info("batch committed", "batchNumber", batchNumber, "stateRoot", stateRoot)
	m.sink.Emit(ctx, BatchCommitted{
		BatchNumber:       batchNumber,
		BatchHash:         batchHash,
		PreviousStateRoot: previousStateRoot,
		StateRoot:         stateRoot,
	})
	return nil
}

func (m *Machine) checkContinuity(store *BatchStore, info BatchInfo) error {
	if info.BatchNumber <= store.LastCommitted() {
		// Let Commit report the ordering error.
		return nil
	}
	last := store.LastCommitted()
	if last == 0 {
		if m.cfg.GenesisStateRoot != (common.Hash{}) && info.PreviousStateRoot != m.cfg.GenesisStateRoot {
			return fmt.Errorf("%w: batch %d builds on %s, genesis root is %s", ErrStateRootMismatch, info.BatchNumber, info.PreviousStateRoot, m.cfg.GenesisStateRoot)
		}
		return nil
	}
	prev, ok := store.Lookup(last)
	if !ok {
		// Pruned entries are always below the finalized watermark, and the
		// last committed batch is never pruned.
		return fmt.Errorf("%w: last committed batch %d missing", ErrStateRootMismatch, last)
	}
	if prev.StateRoot != info.PreviousStateRoot {
		return fmt.Errorf("%w: batch %d builds on %s, batch %d ends at %s", ErrStateRootMismatch, info.BatchNumber, info.PreviousStateRoot, last, prev.StateRoot)
	}
	return nil
}

// FinalizeBatch verifies proof against the public input fixed when the batch
// was committed and, on success, marks the batch finalized and drains the
// first numberOfDeposits records from the deposit queue as one unit. It
// returns the drained records.
//
// Checks run in this order: the batch must be known (ErrBatchNotCommitted),
// the proof must verify (ErrInvalidProof), the batch must be above the
// finalized watermark (ErrNonMonotonicFinalization) and enough deposits must
// be queued (ErrInsufficientDeposits).
func (m *Machine) FinalizeBatch(ctx context.Context, batchNumber uint64, proof []byte, numberOfDeposits uint64) ([]DepositRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.st.batches.Lookup(batchNumber)
	if !ok {
		if m.st.batches.Pruned(batchNumber) {
			return nil, fmt.Errorf("%w: batch %d finalized and pruned", ErrNonMonotonicFinalization, batchNumber)
		}
		return nil, fmt.Errorf("%w: %d", ErrBatchNotCommitted, batchNumber)
	}

	valid, err := m.verifier.Verify(proof, info.PublicInput, m.cfg.VerificationKey)
	if err != nil {
		return nil, fmt.Errorf("%w: batch %d: verifier: %v", ErrInvalidProof, batchNumber, err)
	}
	if !valid {
		return nil, fmt.Errorf("%w: batch %d", ErrInvalidProof, batchNumber)
	}

	var (
		drained []DepositRecord
		first   = m.st.ledger.TotalDrained()
		pruned  int
	)
	_, err = m.apply(ctx, func(next *state) error {
		if err := next.batches.MarkFinalized(batchNumber); err != nil {
			return err
		}
		out, err := next.ledger.DrainPrefix(numberOfDeposits)
		if err != nil {
			return fmt.Errorf("batch %d: %w", batchNumber, err)
		}
		drained = out
		if m.cfg.PruneFinalized {
			pruned = next.batches.PruneFinalized()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.log.Info("batch finalized",
		"batchNumber", batchNumber,
		"deposits", numberOfDeposits,
		"pruned", pruned,
	)
	m.sink.Emit(ctx, BatchFinalized{
		BatchNumber:  batchNumber,
		StateRoot:    info.StateRoot,
		Deposits:     numberOfDeposits,
		FirstDeposit: first,
	})
	return drained, nil
}

// apply runs fn against a copy of the live state, persists the result and
// swaps it in. Callers hold m.mu.
func (m *Machine) apply(ctx context.Context, fn func(next *state) error) (*state, error) {
	next := m.st.clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.revision++
	if m.store != nil {
		if err := m.store.Save(ctx, next.snapshot()); err != nil {
			return nil, fmt.Errorf("settlement: persist revision %d: %w", next.revision, err)
		}
	}
	m.st = next
	return next, nil
}

func (m *Machine) LastCommitted() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.batches.LastCommitted()
}

func (m *Machine) LastFinalized() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.batches.LastFinalized()
}

func (m *Machine) Batch(batchNumber uint64) (BatchInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.batches.Lookup(batchNumber)
}

func (m *Machine) Stage(batchNumber uint64) Stage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.batches.Stage(batchNumber)
}

func (m *Machine) Deposits() []DepositRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.ledger.Records()
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.snapshot()
}
