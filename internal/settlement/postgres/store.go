package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/twinelabs/settlement/internal/settlement"
)

// MaxBatchNumber is the largest batch number the BIGINT key column holds.
// Machines backed by this store must set Config.MaxBatchNumber to it.
const MaxBatchNumber uint64 = math.MaxInt64

var ErrInvalidConfig = errors.New("settlement/postgres: invalid config")

// Store keeps the settlement snapshot in three tables: a singleton state row,
// one row per queued deposit keyed by its absolute position, and one row per
// retained batch. Save rewrites only what changed since the stored revision.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	_, err := s.pool.Exec(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("settlement/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context) (settlement.Snapshot, error) {
	if s == nil || s.pool == nil {
		return settlement.Snapshot{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return settlement.Snapshot{}, fmt.Errorf("settlement/postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		version, revision            int64
		queueCap, batchCap           int64
		lastCommitted, lastFinalized int64
		totalAppended, totalDrained  int64
		prunedThrough                int64
	)
	err = tx.QueryRow(ctx, `
		SELECT
			version,
			revision,
			queue_capacity,
			batch_capacity,
			last_committed,
			last_finalized,
			total_appended,
			total_drained,
			pruned_through
		FROM settlement_state
		WHERE id = 1
	`).Scan(&version, &revision, &queueCap, &batchCap, &lastCommitted, &lastFinalized, &totalAppended, &totalDrained, &prunedThrough)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return settlement.Snapshot{}, settlement.ErrNotFound
		}
		return settlement.Snapshot{}, fmt.Errorf("settlement/postgres: select state: %w", err)
	}

	snap := settlement.Snapshot{
		Version:       uint64(version),
		Revision:      uint64(revision),
		QueueCapacity: uint64(queueCap),
		BatchCapacity: uint64(batchCap),
		LastCommitted: uint64(lastCommitted),
		LastFinalized: uint64(lastFinalized),
		TotalAppended: uint64(totalAppended),
		TotalDrained:  uint64(totalDrained),
		PrunedThrough: uint64(prunedThrough),
	}

	snap.Deposits, err = loadDeposits(ctx, tx, totalDrained)
	if err != nil {
		return settlement.Snapshot{}, err
	}
	snap.Batches, err = loadBatches(ctx, tx)
	if err != nil {
		return settlement.Snapshot{}, err
	}

	if err := snap.Validate(); err != nil {
		return settlement.Snapshot{}, err
	}
	return snap, nil
}

func loadDeposits(ctx context.Context, tx pgx.Tx, firstPosition int64) ([]settlement.DepositRecord, error) {
	rows, err := tx.Query(ctx, `
		SELECT position, from_address, to_address, amount::text
		FROM settlement_deposits
		WHERE position >= $1
		ORDER BY position
	`, firstPosition)
	if err != nil {
		return nil, fmt.Errorf("settlement/postgres: select deposits: %w", err)
	}
	defer rows.Close()

	var out []settlement.DepositRecord
	next := firstPosition
	for rows.Next() {
		var (
			position       int64
			fromRaw, toRaw []byte
			amountText     string
		)
		if err := rows.Scan(&position, &fromRaw, &toRaw, &amountText); err != nil {
			return nil, fmt.Errorf("settlement/postgres: scan deposit: %w", err)
		}
		if position != next {
			return nil, fmt.Errorf("%w: deposit position %d, want %d", settlement.ErrInvalidSnapshot, position, next)
		}
		from, err := to20(fromRaw)
		if err != nil {
			return nil, err
		}
		to, err := to20(toRaw)
		if err != nil {
			return nil, err
		}
		amount, err := strconv.ParseUint(amountText, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: deposit %d amount %q", settlement.ErrInvalidSnapshot, position, amountText)
		}
		out = append(out, settlement.DepositRecord{From: from, To: to, Amount: amount})
		next++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("settlement/postgres: iterate deposits: %w", err)
	}
	return out, nil
}

func loadBatches(ctx context.Context, tx pgx.Tx) ([]settlement.BatchInfo, error) {
	rows, err := tx.Query(ctx, `
		SELECT batch_number, batch_hash, previous_state_root, state_root, public_input
		FROM settlement_batches
		ORDER BY batch_number
	`)
	if err != nil {
		return nil, fmt.Errorf("settlement/postgres: select batches: %w", err)
	}
	defer rows.Close()

	var out []settlement.BatchInfo
	for rows.Next() {
		var (
			n                         int64
			hashRaw, prevRaw, rootRaw []byte
			publicInput               []byte
		)
		if err := rows.Scan(&n, &hashRaw, &prevRaw, &rootRaw, &publicInput); err != nil {
			return nil, fmt.Errorf("settlement/postgres: scan batch: %w", err)
		}
		info := settlement.BatchInfo{BatchNumber: uint64(n), PublicInput: publicInput}
		if info.BatchHash, err = to32(hashRaw); err != nil {
			return nil, err
		}
		if info.PreviousStateRoot, err = to32(prevRaw); err != nil {
			return nil, err
		}
		if info.StateRoot, err = to32(rootRaw); err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("settlement/postgres: iterate batches: %w", err)
	}
	return out, nil
}

// Save applies snap in one transaction. The state row is locked and its
// revision must be exactly one below snap.Revision, otherwise another writer
// got there first and ErrRevisionConflict is returned.
func (s *Store) Save(ctx context.Context, snap settlement.Snapshot) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	snap.Version = settlement.SnapshotVersion
	if err := snap.Validate(); err != nil {
		return err
	}
	for _, v := range []uint64{snap.Revision, snap.QueueCapacity, snap.BatchCapacity, snap.LastCommitted, snap.TotalAppended} {
		if v > math.MaxInt64 {
			return fmt.Errorf("%w: value %d too large", settlement.ErrInvalidSnapshot, v)
		}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("settlement/postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		storedRevision      int64
		storedCommitted     int64
		storedTotalAppended int64
		exists              = true
	)
	err = tx.QueryRow(ctx, `
		SELECT revision, last_committed, total_appended
		FROM settlement_state
		WHERE id = 1
		FOR UPDATE
	`).Scan(&storedRevision, &storedCommitted, &storedTotalAppended)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("settlement/postgres: lock state: %w", err)
		}
		exists = false
	}

	if exists {
		if snap.Revision != uint64(storedRevision)+1 {
			return fmt.Errorf("%w: stored %d, saving %d", settlement.ErrRevisionConflict, storedRevision, snap.Revision)
		}
		_, err = tx.Exec(ctx, `
			UPDATE settlement_state
			SET
				version = $1,
				revision = $2,
				queue_capacity = $3,
				batch_capacity = $4,
				last_committed = $5,
				last_finalized = $6,
				total_appended = $7,
				total_drained = $8,
				pruned_through = $9,
				updated_at = now()
			WHERE id = 1
		`, int64(snap.Version), int64(snap.Revision), int64(snap.QueueCapacity), int64(snap.BatchCapacity),
			int64(snap.LastCommitted), int64(snap.LastFinalized), int64(snap.TotalAppended), int64(snap.TotalDrained),
			int64(snap.PrunedThrough))
		if err != nil {
			return fmt.Errorf("settlement/postgres: update state: %w", err)
		}
	} else {
		storedCommitted, storedTotalAppended = 0, 0
		_, err = tx.Exec(ctx, `
			INSERT INTO settlement_state (
				id,
				version,
				revision,
				queue_capacity,
				batch_capacity,
				last_committed,
				last_finalized,
				total_appended,
				total_drained,
				pruned_through,
				updated_at
			) VALUES (1,$1,$2,$3,$4,$5,$6,$7,$8,$9,now())
		`, int64(snap.Version), int64(snap.Revision), int64(snap.QueueCapacity), int64(snap.BatchCapacity),
			int64(snap.LastCommitted), int64(snap.LastFinalized), int64(snap.TotalAppended), int64(snap.TotalDrained),
			int64(snap.PrunedThrough))
		if err != nil {
			return fmt.Errorf("settlement/postgres: insert state: %w", err)
		}
		// A fresh state row owns no earlier rows.
		if _, err := tx.Exec(ctx, `DELETE FROM settlement_deposits`); err != nil {
			return fmt.Errorf("settlement/postgres: reset deposits: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM settlement_batches`); err != nil {
			return fmt.Errorf("settlement/postgres: reset batches: %w", err)
		}
	}

	if err := saveDeposits(ctx, tx, snap, storedTotalAppended); err != nil {
		return err
	}
	if err := saveBatches(ctx, tx, snap, storedCommitted); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("settlement/postgres: commit: %w", err)
	}
	return nil
}

func saveDeposits(ctx context.Context, tx pgx.Tx, snap settlement.Snapshot, storedTotalAppended int64) error {
	if _, err := tx.Exec(ctx, `DELETE FROM settlement_deposits WHERE position < $1`, int64(snap.TotalDrained)); err != nil {
		return fmt.Errorf("settlement/postgres: drain deposits: %w", err)
	}

	batch := &pgx.Batch{}
	for i, d := range snap.Deposits {
		position := int64(snap.TotalDrained) + int64(i)
		if position < storedTotalAppended {
			continue
		}
		batch.Queue(`
			INSERT INTO settlement_deposits (position, from_address, to_address, amount, created_at)
			VALUES ($1,$2,$3,$4::numeric,now())
		`, position, d.From[:], d.To[:], strconv.FormatUint(d.Amount, 10))
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("settlement/postgres: insert deposits: %w", err)
	}
	return nil
}

func saveBatches(ctx context.Context, tx pgx.Tx, snap settlement.Snapshot, storedCommitted int64) error {
	keep := make([]int64, 0, len(snap.Batches))
	for _, b := range snap.Batches {
		keep = append(keep, int64(b.BatchNumber))
	}
	if _, err := tx.Exec(ctx, `DELETE FROM settlement_batches WHERE NOT (batch_number = ANY($1))`, keep); err != nil {
		return fmt.Errorf("settlement/postgres: prune batches: %w", err)
	}

	batch := &pgx.Batch{}
	for _, b := range snap.Batches {
		if int64(b.BatchNumber) <= storedCommitted {
			continue
		}
		batch.Queue(`
			INSERT INTO settlement_batches (batch_number, batch_hash, previous_state_root, state_root, public_input, created_at)
			VALUES ($1,$2,$3,$4,$5,now())
		`, int64(b.BatchNumber), b.BatchHash[:], b.PreviousStateRoot[:], b.StateRoot[:], b.PublicInput)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("settlement/postgres: insert batches: %w", err)
	}
	return nil
}

func to32(b []byte) (common.Hash, error) {
	if len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("%w: expected 32 bytes, got %d", settlement.ErrInvalidSnapshot, len(b))
	}
	return common.BytesToHash(b), nil
}

func to20(b []byte) (common.Address, error) {
	if len(b) != common.AddressLength {
		return common.Address{}, fmt.Errorf("%w: expected 20 bytes, got %d", settlement.ErrInvalidSnapshot, len(b))
	}
	return common.BytesToAddress(b), nil
}

var _ settlement.SnapshotStore = (*Store)(nil)
