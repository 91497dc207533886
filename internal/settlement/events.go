package settlement

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

const (
	EventDepositAppended = "deposit_appended"
	EventBatchCommitted  = "batch_committed"
	EventBatchFinalized  = "batch_finalized"
)

// Event is a notification handed to the EventSink after a call's effects are applied.
type Event interface {
	Kind() string
}

// DepositAppended is emitted for every accepted deposit. Index is the
// lifetime position of the deposit (0-based, never reused) and ID its
// idempotency.DepositIDV1.
type DepositAppended struct {
	Index  uint64
	ID     common.Hash
	From   Address
	To     Address
	Amount uint64
}

func (DepositAppended) Kind() string { return EventDepositAppended }

type BatchCommitted struct {
	BatchNumber       uint64
	BatchHash         common.Hash
	PreviousStateRoot common.Hash
	StateRoot         common.Hash
}

func (BatchCommitted) Kind() string { return EventBatchCommitted }

type BatchFinalized struct {
	BatchNumber uint64
	StateRoot   common.Hash
	// Deposits is the number drained; FirstDeposit is the lifetime index of
	// the first drained record.
	Deposits     uint64
	FirstDeposit uint64
}

func (BatchFinalized) Kind() string { return EventBatchFinalized }

// EventSink accepts append-only notifications. Delivery is fire-and-forget:
// sinks handle their own failures.
type EventSink interface {
	Emit(ctx context.Context, ev Event)
}

type nopSink struct{}

func (nopSink) Emit(context.Context, Event) {}
