package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/twinelabs/settlement/internal/queue"
	"github.com/twinelabs/settlement/internal/settlement"
)

const (
	EnvelopeVersion = "settlement.event.v1"
	DefaultTopic    = "settlement.events.v1"
)

var ErrInvalidConfig = errors.New("events: invalid config")

// Envelope is the JSON form of a settlement notification.
type Envelope struct {
	Version string    `json:"version"`
	Kind    string    `json:"kind"`
	EmitAt  time.Time `json:"emittedAt"`

	Index  *uint64         `json:"index,omitempty"`
	ID     *common.Hash    `json:"depositId,omitempty"`
	From   *common.Address `json:"from,omitempty"`
	To     *common.Address `json:"to,omitempty"`
	Amount *uint64         `json:"amount,omitempty"`

	BatchNumber       *uint64      `json:"batchNumber,omitempty"`
	BatchHash         *common.Hash `json:"batchHash,omitempty"`
	PreviousStateRoot *common.Hash `json:"previousStateRoot,omitempty"`
	StateRoot         *common.Hash `json:"stateRoot,omitempty"`
	Deposits          *uint64      `json:"deposits,omitempty"`
	FirstDeposit      *uint64      `json:"firstDeposit,omitempty"`
}

// NewEnvelope converts a settlement event into its wire form.
func NewEnvelope(ev settlement.Event, now time.Time) (Envelope, error) {
	env := Envelope{Version: EnvelopeVersion, EmitAt: now.UTC()}
	switch e := ev.(type) {
	case settlement.DepositAppended:
		env.Kind = e.Kind()
		env.Index, env.ID, env.From, env.To, env.Amount = &e.Index, &e.ID, &e.From, &e.To, &e.Amount
	case settlement.BatchCommitted:
		env.Kind = e.Kind()
		env.BatchNumber = &e.BatchNumber
		env.BatchHash, env.PreviousStateRoot, env.StateRoot = &e.BatchHash, &e.PreviousStateRoot, &e.StateRoot
	case settlement.BatchFinalized:
		env.Kind = e.Kind()
		env.BatchNumber, env.StateRoot = &e.BatchNumber, &e.StateRoot
		env.Deposits, env.FirstDeposit = &e.Deposits, &e.FirstDeposit
	default:
		return Envelope{}, fmt.Errorf("events: unsupported event %T", ev)
	}
	return env, nil
}

type QueueSinkConfig struct {
	Producer queue.Producer
	Topic    string
	// PublishTimeout bounds each publish so a slow broker cannot stall the
	// state machine. Defaults to 5s.
	PublishTimeout time.Duration
	Now            func() time.Time
	Log            *slog.Logger
}

// QueueSink publishes notifications as JSON envelopes keyed by event kind.
// Publish failures are logged and dropped.
type QueueSink struct {
	cfg QueueSinkConfig
}

func NewQueueSink(cfg QueueSinkConfig) (*QueueSink, error) {
	if cfg.Producer == nil {
		return nil, fmt.Errorf("%w: nil producer", ErrInvalidConfig)
	}
	cfg.Topic = strings.TrimSpace(cfg.Topic)
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &QueueSink{cfg: cfg}, nil
}

func (s *QueueSink) Emit(ctx context.Context, ev settlement.Event) {
	env, err := NewEnvelope(ev, s.cfg.Now())
	if err != nil {
		s.cfg.Log.Error("encode event", "err", err)
		return
	}
	payload, err := json.Marshal(env)
	if err != nil {
		s.cfg.Log.Error("marshal event", "kind", env.Kind, "err", err)
		return
	}

	// Notifications outlive the call that produced them.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.PublishTimeout)
	defer cancel()
	if err := s.cfg.Producer.Publish(pctx, s.cfg.Topic, []byte(env.Kind), payload); err != nil {
		s.cfg.Log.Error("publish event", "kind", env.Kind, "topic", s.cfg.Topic, "err", err)
	}
}

// LogSink writes notifications to a structured logger.
type LogSink struct {
	Log *slog.Logger
}

func (s LogSink) Emit(ctx context.Context, ev settlement.Event) {
	if s.Log == nil {
		return
	}
	switch e := ev.(type) {
	case settlement.DepositAppended:
		s.Log.InfoContext(ctx, "deposit appended", "index", e.Index, "depositId", e.ID, "from", e.From, "to", e.To, "amount", e.Amount)
	case settlement.BatchCommitted:
		s.Log.InfoContext(ctx, "batch committed", "batchNumber", e.BatchNumber, "batchHash", e.BatchHash, "stateRoot", e.StateRoot)
	case settlement.BatchFinalized:
		s.Log.InfoContext(ctx, "batch finalized", "batchNumber", e.BatchNumber, "deposits", e.Deposits, "firstDeposit", e.FirstDeposit)
	default:
		s.Log.InfoContext(ctx, "settlement event", "kind", ev.Kind())
	}
}

// MemorySink records notifications. It is safe for concurrent use.
type MemorySink struct {
	mu     sync.Mutex
	events []settlement.Event
}

func (s *MemorySink) Emit(_ context.Context, ev settlement.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *MemorySink) Events() []settlement.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]settlement.Event(nil), s.events...)
}

// Multi fans a notification out to every sink in order.
type Multi []settlement.EventSink

func (m Multi) Emit(ctx context.Context, ev settlement.Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ctx, ev)
		}
	}
}

var (
	_ settlement.EventSink = (*QueueSink)(nil)
	_ settlement.EventSink = LogSink{}
	_ settlement.EventSink = (*MemorySink)(nil)
	_ settlement.EventSink = Multi(nil)
)
