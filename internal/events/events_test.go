package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/twinelabs/settlement/internal/queue"
	"github.com/twinelabs/settlement/internal/settlement"
)

type published struct {
	topic   string
	key     []byte
	payload []byte
}

type fakeProducer struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *fakeProducer) Publish(ctx context.Context, topic string, key, payload []byte) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{topic: topic, key: key, payload: payload})
	return nil
}

func (p *fakeProducer) Close() error { return nil }

var _ queue.Producer = (*fakeProducer)(nil)

func fixedNow() time.Time {
	return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
}

func TestNewQueueSinkValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewQueueSink(QueueSinkConfig{}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("got %v want %v", err, ErrInvalidConfig)
	}
	s, err := NewQueueSink(QueueSinkConfig{Producer: &fakeProducer{}})
	if err != nil {
		t.Fatalf("NewQueueSink: %v", err)
	}
	if s.cfg.Topic != DefaultTopic {
		t.Fatalf("topic: got %q want %q", s.cfg.Topic, DefaultTopic)
	}
}

func TestQueueSink_PublishesDepositAppended(t *testing.T) {
	t.Parallel()

	p := &fakeProducer{}
	s, err := NewQueueSink(QueueSinkConfig{Producer: p, Topic: "events", Now: fixedNow})
	if err != nil {
		t.Fatalf("NewQueueSink: %v", err)
	}

	from := common.HexToAddress("0x0000000000000000000000000000000000000001")
	to := common.HexToAddress("0x0000000000000000000000000000000000000002")
	id := common.HexToHash("0xd1")
	s.Emit(context.Background(), settlement.DepositAppended{Index: 4, ID: id, From: from, To: to, Amount: 100})

	if len(p.msgs) != 1 {
		t.Fatalf("published: got %d want 1", len(p.msgs))
	}
	msg := p.msgs[0]
	if msg.topic != "events" || !bytes.Equal(msg.key, []byte(settlement.EventDepositAppended)) {
		t.Fatalf("topic/key: %q/%q", msg.topic, msg.key)
	}

	var env Envelope
	if err := json.Unmarshal(msg.payload, &env); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if env.Version != EnvelopeVersion || env.Kind != settlement.EventDepositAppended {
		t.Fatalf("envelope header: %+v", env)
	}
	if env.Index == nil || *env.Index != 4 || env.ID == nil || *env.ID != id || *env.From != from || *env.To != to || *env.Amount != 100 {
		t.Fatalf("envelope body: %s", msg.payload)
	}
	if env.BatchNumber != nil {
		t.Fatalf("deposit envelope carries batch fields")
	}
	if !env.EmitAt.Equal(fixedNow()) {
		t.Fatalf("emittedAt: %v", env.EmitAt)
	}
}

func TestQueueSink_PublishesAfterCallerCancels(t *testing.T) {
	t.Parallel()

	p := &fakeProducer{}
	s, _ := NewQueueSink(QueueSinkConfig{Producer: p})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Emit(ctx, settlement.BatchFinalized{BatchNumber: 2, Deposits: 3})
	if len(p.msgs) != 1 {
		t.Fatalf("notification dropped after caller cancellation")
	}
}

func TestQueueSink_SwallowsPublishErrors(t *testing.T) {
	t.Parallel()

	p := &fakeProducer{err: errors.New("broker down")}
	s, _ := NewQueueSink(QueueSinkConfig{Producer: p})

	// Must not panic or block.
	s.Emit(context.Background(), settlement.BatchCommitted{BatchNumber: 1})
}

func TestNewEnvelope_BatchEvents(t *testing.T) {
	t.Parallel()

	root := common.HexToHash("0x05")
	env, err := NewEnvelope(settlement.BatchFinalized{BatchNumber: 9, StateRoot: root, Deposits: 2, FirstDeposit: 7}, fixedNow())
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if env.Kind != settlement.EventBatchFinalized || *env.BatchNumber != 9 || *env.StateRoot != root || *env.FirstDeposit != 7 {
		t.Fatalf("envelope: %+v", env)
	}

	env, err = NewEnvelope(settlement.BatchCommitted{BatchNumber: 3, StateRoot: root}, fixedNow())
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if env.Kind != settlement.EventBatchCommitted || env.Deposits != nil {
		t.Fatalf("envelope: %+v", env)
	}
}

func TestMultiAndMemorySink(t *testing.T) {
	t.Parallel()

	a, b := &MemorySink{}, &MemorySink{}
	m := Multi{a, nil, b, LogSink{}}
	m.Emit(context.Background(), settlement.BatchCommitted{BatchNumber: 1})
	m.Emit(context.Background(), settlement.BatchFinalized{BatchNumber: 1})

	for _, s := range []*MemorySink{a, b} {
		got := s.Events()
		if len(got) != 2 || got[0].Kind() != settlement.EventBatchCommitted || got[1].Kind() != settlement.EventBatchFinalized {
			t.Fatalf("events: %v", got)
		}
	}
}
