// Package command defines the JSON envelopes that drive a settlement machine
// over a queue, one envelope per message.
package command

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/twinelabs/settlement/internal/settlement"
)

const (
	VersionDeposit  = "settlement.deposit.v1"
	VersionCommit   = "settlement.commit.v1"
	VersionFinalize = "settlement.finalize.v1"

	DefaultTopic = "settlement.commands.v1"
)

// PartitionKey is the queue key for every command. Commands are only valid in
// submission order, so they must share one partition.
var PartitionKey = []byte("settlement")

var (
	ErrInvalidCommand  = errors.New("command: invalid command")
	ErrUnknownVersion  = errors.New("command: unknown version")
	ErrUnsupportedType = errors.New("command: unsupported command type")
)

// Command is one decoded envelope.
type Command interface {
	Version() string
}

// Deposit carries the lifetime ledger position the source chain assigned, so
// a redelivered deposit is recognized instead of appended twice.
type Deposit struct {
	Index  uint64
	From   common.Address
	To     common.Address
	Amount uint64
}

func (Deposit) Version() string { return VersionDeposit }

type Commit struct {
	BatchNumber       uint64
	BatchHash         common.Hash
	PreviousStateRoot common.Hash
	StateRoot         common.Hash
}

func (Commit) Version() string { return VersionCommit }

type Finalize struct {
	BatchNumber uint64
	Proof       []byte
	Deposits    uint64
}

func (Finalize) Version() string { return VersionFinalize }

type envelope struct {
	Version string `json:"version"`
}

type depositV1 struct {
	Version string  `json:"version"`
	Index   *uint64 `json:"index"`
	From    string  `json:"from"`
	To      string  `json:"to"`
	Amount  uint64  `json:"amount"`
}

type commitV1 struct {
	Version           string `json:"version"`
	BatchNumber       uint64 `json:"batchNumber"`
	BatchHash         string `json:"batchHash"`
	PreviousStateRoot string `json:"previousStateRoot"`
	StateRoot         string `json:"stateRoot"`
}

type finalizeV1 struct {
	Version     string `json:"version"`
	BatchNumber uint64 `json:"batchNumber"`
	Proof       string `json:"proof"`
	Deposits    uint64 `json:"deposits"`
}

// Decode parses one envelope. Surrounding whitespace is ignored.
func Decode(line []byte) (Command, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrInvalidCommand)
	}
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}

	switch env.Version {
	case VersionDeposit:
		var msg depositV1
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, fmt.Errorf("%w: deposit: %v", ErrInvalidCommand, err)
		}
		if msg.Index == nil {
			return nil, fmt.Errorf("%w: deposit index missing", ErrInvalidCommand)
		}
		from, err := ParseAddress(msg.From)
		if err != nil {
			return nil, fmt.Errorf("%w: deposit from: %v", ErrInvalidCommand, err)
		}
		to, err := ParseAddress(msg.To)
		if err != nil {
			return nil, fmt.Errorf("%w: deposit to: %v", ErrInvalidCommand, err)
		}
		return Deposit{Index: *msg.Index, From: from, To: to, Amount: msg.Amount}, nil

	case VersionCommit:
		var msg commitV1
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, fmt.Errorf("%w: commit: %v", ErrInvalidCommand, err)
		}
		cmd := Commit{BatchNumber: msg.BatchNumber}
		var err error
		if cmd.BatchHash, err = ParseHash32Strict(msg.BatchHash); err != nil {
			return nil, fmt.Errorf("%w: commit batchHash: %v", ErrInvalidCommand, err)
		}
		if cmd.PreviousStateRoot, err = ParseHash32Strict(msg.PreviousStateRoot); err != nil {
			return nil, fmt.Errorf("%w: commit previousStateRoot: %v", ErrInvalidCommand, err)
		}
		if cmd.StateRoot, err = ParseHash32Strict(msg.StateRoot); err != nil {
			return nil, fmt.Errorf("%w: commit stateRoot: %v", ErrInvalidCommand, err)
		}
		return cmd, nil

	case VersionFinalize:
		var msg finalizeV1
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, fmt.Errorf("%w: finalize: %v", ErrInvalidCommand, err)
		}
		proof, err := DecodeHexBytesOptional(msg.Proof)
		if err != nil {
			return nil, fmt.Errorf("%w: finalize proof: %v", ErrInvalidCommand, err)
		}
		return Finalize{BatchNumber: msg.BatchNumber, Proof: proof, Deposits: msg.Deposits}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownVersion, env.Version)
	}
}

// Encode renders cmd as a single-line envelope.
func Encode(cmd Command) ([]byte, error) {
	switch c := cmd.(type) {
	case Deposit:
		index := c.Index
		return json.Marshal(depositV1{
			Version: VersionDeposit,
			Index:   &index,
			From:    c.From.Hex(),
			To:      c.To.Hex(),
			Amount:  c.Amount,
		})
	case Commit:
		return json.Marshal(commitV1{
			Version:           VersionCommit,
			BatchNumber:       c.BatchNumber,
			BatchHash:         c.BatchHash.Hex(),
			PreviousStateRoot: c.PreviousStateRoot.Hex(),
			StateRoot:         c.StateRoot.Hex(),
		})
	case Finalize:
		return json.Marshal(finalizeV1{
			Version:     VersionFinalize,
			BatchNumber: c.BatchNumber,
			Proof:       hexutil.Encode(c.Proof),
			Deposits:    c.Deposits,
		})
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedType, cmd)
	}
}

// Machine is the subset of *settlement.Machine that commands drive.
type Machine interface {
	AppendDepositAt(ctx context.Context, index uint64, from, to settlement.Address, amount uint64) error
	CommitBatch(ctx context.Context, batchNumber uint64, batchHash, previousStateRoot, stateRoot common.Hash) error
	FinalizeBatch(ctx context.Context, batchNumber uint64, proof []byte, numberOfDeposits uint64) ([]settlement.DepositRecord, error)
}

// Apply runs cmd against m. Drained is set only for Finalize.
func Apply(ctx context.Context, m Machine, cmd Command) (drained []settlement.DepositRecord, err error) {
	switch c := cmd.(type) {
	case Deposit:
		return nil, m.AppendDepositAt(ctx, c.Index, c.From, c.To, c.Amount)
	case Commit:
		return nil, m.CommitBatch(ctx, c.BatchNumber, c.BatchHash, c.PreviousStateRoot, c.StateRoot)
	case Finalize:
		return m.FinalizeBatch(ctx, c.BatchNumber, c.Proof, c.Deposits)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedType, cmd)
	}
}

// IsRejection reports whether err is a settlement precondition failure, as
// opposed to a persistence or transport fault that may succeed on retry.
func IsRejection(err error) bool {
	for _, target := range []error{
		settlement.ErrCapacityExceeded,
		settlement.ErrInsufficientDeposits,
		settlement.ErrNonMonotonicBatchNumber,
		settlement.ErrBatchNotCommitted,
		settlement.ErrNonMonotonicFinalization,
		settlement.ErrInvalidProof,
		settlement.ErrStateRootMismatch,
		settlement.ErrBatchNumberOutOfRange,
		settlement.ErrDuplicateDeposit,
		settlement.ErrDepositConflict,
		settlement.ErrDepositOutOfOrder,
		ErrInvalidCommand,
		ErrUnknownVersion,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func ParseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid hex address %q", s)
	}
	return common.HexToAddress(s), nil
}

// ParseHash32Strict accepts exactly 32 bytes of hex, with or without 0x.
func ParseHash32Strict(s string) (common.Hash, error) {
	s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if len(s) != 64 {
		return common.Hash{}, fmt.Errorf("expected 32-byte hex, got len %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return common.Hash{}, fmt.Errorf("decode hex: %w", err)
	}
	return common.BytesToHash(b), nil
}

func DecodeHexBytes(s string) ([]byte, error) {
	b, err := DecodeHexBytesOptional(s)
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, errors.New("empty hex")
	}
	return b, nil
}

// DecodeHexBytesOptional returns nil for an empty string.
func DecodeHexBytesOptional(s string) ([]byte, error) {
	s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if s == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode hex: %w", err)
	}
	return b, nil
}
