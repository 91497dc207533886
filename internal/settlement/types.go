package settlement

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// DefaultMaxQueueSize matches the slot count the deposit account is pre-sized for.
const DefaultMaxQueueSize = 100

var (
	ErrCapacityExceeded         = errors.New("settlement: capacity exceeded")
	ErrInsufficientDeposits     = errors.New("settlement: insufficient deposits")
	ErrNonMonotonicBatchNumber  = errors.New("settlement: non-monotonic batch number")
	ErrBatchNotCommitted        = errors.New("settlement: batch not committed")
	ErrNonMonotonicFinalization = errors.New("settlement: non-monotonic finalization")
	ErrInvalidProof             = errors.New("settlement: invalid proof")
	ErrStateRootMismatch        = errors.New("settlement: previous state root mismatch")
	ErrBatchNumberOutOfRange    = errors.New("settlement: batch number out of range")
	ErrDuplicateDeposit         = errors.New("settlement: duplicate deposit")
	ErrDepositConflict          = errors.New("settlement: conflicting deposit")
	ErrDepositOutOfOrder        = errors.New("settlement: deposit out of order")

	ErrInvalidConfig    = errors.New("settlement: invalid config")
	ErrNotFound         = errors.New("settlement: snapshot not found")
	ErrRevisionConflict = errors.New("settlement: snapshot revision conflict")
)

type Address = common.Address

// DepositRecord is immutable once appended. Its identity is its queue position.
type DepositRecord struct {
	From   Address
	To     Address
	Amount uint64
}

func (d DepositRecord) String() string {
	return fmt.Sprintf("%s->%s:%d", d.From.Hex(), d.To.Hex(), d.Amount)
}

// BatchInfo is a committed, unverified claim about a state transition.
//
// PublicInput is fixed when the batch is committed and is exactly what the
// proof is checked against at finalization.
type BatchInfo struct {
	BatchNumber       uint64
	BatchHash         common.Hash
	PreviousStateRoot common.Hash
	StateRoot         common.Hash
	PublicInput       []byte
}

func (b BatchInfo) clone() BatchInfo {
	if b.PublicInput != nil {
		b.PublicInput = append([]byte(nil), b.PublicInput...)
	}
	return b
}

// Stage is the lifecycle stage of a batch number. It is derived from the
// watermarks and the store contents, never stored.
type Stage uint8

const (
	StageUncommitted Stage = iota
	StageCommitted
	StageFinalized
)

func (s Stage) String() string {
	switch s {
	case StageUncommitted:
		return "uncommitted"
	case StageCommitted:
		return "committed"
	case StageFinalized:
		return "finalized"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}
