package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/twinelabs/settlement/internal/command"
	"github.com/twinelabs/settlement/internal/events"
	"github.com/twinelabs/settlement/internal/queue"
	"github.com/twinelabs/settlement/internal/settlement"
	"github.com/twinelabs/settlement/internal/verifier"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustEncode(t *testing.T, cmd command.Command) string {
	t.Helper()
	b, err := command.Encode(cmd)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return string(b)
}

func TestServe_StdioCommands(t *testing.T) {
	t.Parallel()

	sink := &events.MemorySink{}
	m, err := settlement.New(settlement.Config{VerificationKey: []byte{0x01}, EnforceRootContinuity: true}, verifier.Static{OK: true}, sink, settlement.NewMemorySnapshotStore(), nil)
	if err != nil {
		t.Fatalf("settlement.New: %v", err)
	}

	alice := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob := common.HexToAddress("0x00000000000000000000000000000000000000b0")
	root1 := common.HexToHash("0x11")

	lines := []string{
		mustEncode(t, command.Deposit{Index: 0, From: alice, To: bob, Amount: 10}),
		"",
		// Redelivered: same position and contents.
		mustEncode(t, command.Deposit{Index: 0, From: alice, To: bob, Amount: 10}),
		"not json",
		mustEncode(t, command.Commit{BatchNumber: 1, BatchHash: common.HexToHash("0xb1"), StateRoot: root1}),
		// Rejected: previous root does not extend batch 1.
		mustEncode(t, command.Commit{BatchNumber: 2, BatchHash: common.HexToHash("0xb2"), PreviousStateRoot: common.HexToHash("0x99"), StateRoot: common.HexToHash("0x22")}),
		mustEncode(t, command.Finalize{BatchNumber: 1, Proof: []byte{0x01}, Deposits: 1}),
	}

	ctx := context.Background()
	consumer, err := queue.NewConsumer(ctx, queue.ConsumerConfig{
		Driver: queue.DriverStdio,
		Reader: strings.NewReader(strings.Join(lines, "\n") + "\n"),
	})
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	defer func() { _ = consumer.Close() }()

	if err := serve(ctx, m, consumer, time.Second, time.Second, discardLogger()); err != nil {
		t.Fatalf("serve: %v", err)
	}

	if m.LastCommitted() != 1 || m.LastFinalized() != 1 || len(m.Deposits()) != 0 {
		t.Fatalf("state: committed=%d finalized=%d queued=%d", m.LastCommitted(), m.LastFinalized(), len(m.Deposits()))
	}
	got := sink.Events()
	if len(got) != 3 {
		t.Fatalf("events: %v", got)
	}
	wantKinds := []string{settlement.EventDepositAppended, settlement.EventBatchCommitted, settlement.EventBatchFinalized}
	for i, k := range wantKinds {
		if got[i].Kind() != k {
			t.Fatalf("event %d: got %s want %s", i, got[i].Kind(), k)
		}
	}
}

type failingMachine struct{}

func (failingMachine) AppendDepositAt(context.Context, uint64, settlement.Address, settlement.Address, uint64) error {
	return errors.New("settlement: persist revision 1: connection refused")
}

func (failingMachine) CommitBatch(context.Context, uint64, common.Hash, common.Hash, common.Hash) error {
	return settlement.ErrNonMonotonicBatchNumber
}

func (failingMachine) FinalizeBatch(context.Context, uint64, []byte, uint64) ([]settlement.DepositRecord, error) {
	return nil, settlement.ErrInvalidProof
}

func TestHandleMessage_FaultStopsRejectionContinues(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	log := discardLogger()

	commit := mustEncode(t, command.Commit{BatchNumber: 1})
	if err := handleMessage(ctx, failingMachine{}, []byte(commit), time.Second, log); err != nil {
		t.Fatalf("rejection surfaced as fault: %v", err)
	}
	finalize := mustEncode(t, command.Finalize{BatchNumber: 1})
	if err := handleMessage(ctx, failingMachine{}, []byte(finalize), time.Second, log); err != nil {
		t.Fatalf("rejection surfaced as fault: %v", err)
	}

	deposit := mustEncode(t, command.Deposit{})
	if err := handleMessage(ctx, failingMachine{}, []byte(deposit), time.Second, log); err == nil {
		t.Fatalf("expected persistence fault to stop the node")
	}
}

func TestHandleMessage_RedeliveredDepositAppliedOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, err := settlement.New(settlement.Config{VerificationKey: []byte{0x01}}, verifier.Static{OK: true}, nil, settlement.NewMemorySnapshotStore(), nil)
	if err != nil {
		t.Fatalf("settlement.New: %v", err)
	}

	line := []byte(mustEncode(t, command.Deposit{
		Index:  0,
		From:   common.HexToAddress("0x00000000000000000000000000000000000000a1"),
		To:     common.HexToAddress("0x00000000000000000000000000000000000000b0"),
		Amount: 25,
	}))
	for i := 0; i < 2; i++ {
		if err := handleMessage(ctx, m, line, time.Second, discardLogger()); err != nil {
			t.Fatalf("handleMessage #%d: %v", i+1, err)
		}
	}
	if got := len(m.Deposits()); got != 1 {
		t.Fatalf("queued deposits: got %d want 1", got)
	}
	if rev := m.Snapshot().Revision; rev != 1 {
		t.Fatalf("revision: got %d want 1", rev)
	}
}

// int64KeyStore rejects snapshots whose batch numbers do not fit a BIGINT
// column, like the Postgres store.
type int64KeyStore struct {
	settlement.MemorySnapshotStore
}

func (s *int64KeyStore) Save(ctx context.Context, snap settlement.Snapshot) error {
	if snap.LastCommitted > math.MaxInt64 {
		return fmt.Errorf("%w: value %d too large", settlement.ErrInvalidSnapshot, snap.LastCommitted)
	}
	return s.MemorySnapshotStore.Save(ctx, snap)
}

func TestHandleMessage_BatchNumberAboveStoreRangeIsRejected(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, err := settlement.New(settlement.Config{
		VerificationKey: []byte{0x01},
		MaxBatchNumber:  maxBatchNumber("postgres"),
	}, verifier.Static{OK: true}, nil, &int64KeyStore{}, nil)
	if err != nil {
		t.Fatalf("settlement.New: %v", err)
	}

	huge := mustEncode(t, command.Commit{BatchNumber: 1 << 63, BatchHash: common.HexToHash("0xb1")})
	if err := handleMessage(ctx, m, []byte(huge), time.Second, discardLogger()); err != nil {
		t.Fatalf("out-of-range commit stopped the node: %v", err)
	}
	if m.LastCommitted() != 0 {
		t.Fatalf("out-of-range commit applied: %d", m.LastCommitted())
	}

	next := mustEncode(t, command.Commit{BatchNumber: 1, BatchHash: common.HexToHash("0xb1")})
	if err := handleMessage(ctx, m, []byte(next), time.Second, discardLogger()); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}
	if m.LastCommitted() != 1 {
		t.Fatalf("last committed: got %d want 1", m.LastCommitted())
	}
}

func TestMaxBatchNumber(t *testing.T) {
	t.Parallel()

	if got := maxBatchNumber(" Postgres "); got != math.MaxInt64 {
		t.Fatalf("postgres bound: got %d", got)
	}
	for _, d := range []string{"blob", "memory"} {
		if got := maxBatchNumber(d); got != 0 {
			t.Fatalf("%s bound: got %d want 0", d, got)
		}
	}
}

func TestNewVerifier(t *testing.T) {
	t.Parallel()

	for _, d := range []string{"signature", " Accept ", "reject"} {
		if _, err := newVerifier(d); err != nil {
			t.Fatalf("newVerifier(%q): %v", d, err)
		}
	}
	if _, err := newVerifier("groth16"); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
}

func TestVerificationKeyFromFlags(t *testing.T) {
	t.Parallel()

	key, err := verificationKeyFromFlags("signature", "", "0x00000000000000000000000000000000000000a1, 0x00000000000000000000000000000000000000b0")
	if err != nil {
		t.Fatalf("verificationKeyFromFlags: %v", err)
	}
	if len(key) != 40 || key[19] != 0xa1 || key[39] != 0xb0 {
		t.Fatalf("key: %x", key)
	}

	key, err = verificationKeyFromFlags("accept", "0xdeadbeef", "")
	if err != nil {
		t.Fatalf("verificationKeyFromFlags hex: %v", err)
	}
	if len(key) != 4 {
		t.Fatalf("key: %x", key)
	}

	key, err = verificationKeyFromFlags("signature", "0x00000000000000000000000000000000000000a1", "")
	if err != nil {
		t.Fatalf("verificationKeyFromFlags signature hex: %v", err)
	}
	if len(key) != 20 {
		t.Fatalf("key: %x", key)
	}

	for _, tc := range []struct{ driver, key, attesters string }{
		{"accept", "", ""},
		{"accept", "0xzz", ""},
		{"signature", "0x01", "0x00000000000000000000000000000000000000a1"},
		{"signature", "", "0x01"},
		{"signature", "", "0x0000000000000000000000000000000000000000"},
		{"signature", "0xdead", ""},
		{"Signature", "0x" + strings.Repeat("00", 20), ""},
	} {
		_, err := verificationKeyFromFlags(tc.driver, tc.key, tc.attesters)
		if err == nil {
			t.Fatalf("expected error for driver=%q key=%q attesters=%q", tc.driver, tc.key, tc.attesters)
		}
	}
	if _, err := verificationKeyFromFlags("signature", "0xdead", ""); !errors.Is(err, verifier.ErrInvalidKey) {
		t.Fatalf("short signature key: got %v want %v", err, verifier.ErrInvalidKey)
	}
}

func TestNewEventSink(t *testing.T) {
	t.Parallel()

	sink, cleanup, err := newEventSink("none", queue.DriverStdio, nil, "", discardLogger())
	if err != nil || sink != nil {
		t.Fatalf("none: sink=%v err=%v", sink, err)
	}
	cleanup()

	sink, cleanup, err = newEventSink("queue", queue.DriverStdio, nil, "", discardLogger())
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	defer cleanup()
	if _, ok := sink.(events.Multi); !ok {
		t.Fatalf("queue sink type %T", sink)
	}

	if _, _, err := newEventSink("kafka-direct", queue.DriverStdio, nil, "", discardLogger()); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
}
