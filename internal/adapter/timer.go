package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/roach88/worldline/internal/ir"
	"github.com/roach88/worldline/internal/kernel"
	"github.com/roach88/worldline/internal/manifest"
	"github.com/roach88/worldline/internal/schema"
)

// Timer effect identifiers.
const (
	KindTimerSet = "timer.set"
	CapTimer     = "timer"
)

// TimerEffect is the catalog entry for timer.set, executed by adapterID.
// Params: {deliver_at_ns}. Receipt payload: {fired_at_ns}.
func TimerEffect(adapterID string) manifest.Effect {
	at := schema.Field{Type: schema.TypeInt, Required: true}
	return manifest.Effect{
		Kind:    KindTimerSet,
		CapType: CapTimer,
		Adapter: adapterID,
		Params:  schema.Schema{Fields: map[string]schema.Field{"deliver_at_ns": at}},
		Receipt: schema.Schema{Fields: map[string]schema.Field{"fired_at_ns": at}},
	}
}

// Timer executes timer.set against logical time. Deadlines fire only when
// Advance moves past them, so the same sequence of Advance calls always
// produces the same receipts.
//
// Thread-safety: all methods are safe for concurrent use.
type Timer struct {
	mu     sync.Mutex
	signer *Signer
	sink   Sink
	logger *slog.Logger
	armed  map[string]int64
}

// NewTimer returns a timer that signs with signer and delivers to sink.
func NewTimer(signer *Signer, sink Sink, logger *slog.Logger) *Timer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{signer: signer, sink: sink, logger: logger, armed: make(map[string]int64)}
}

// Dispatch implements effects.Dispatcher. Re-dispatching an armed intent is
// a no-op.
func (t *Timer) Dispatch(_ context.Context, intent ir.EffectIntent) error {
	if intent.Kind != KindTimerSet {
		return fmt.Errorf("timer: unsupported kind %q", intent.Kind)
	}
	params, err := ir.UnmarshalIRObject(intent.Params)
	if err != nil {
		return fmt.Errorf("timer: params: %w", err)
	}
	at, ok := params.Int("deliver_at_ns")
	if !ok {
		return fmt.Errorf("timer: deliver_at_ns missing")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, dup := t.armed[intent.IntentHash]; dup {
		return nil
	}
	t.armed[intent.IntentHash] = at
	t.logger.Debug("timer armed", "intent_hash", intent.IntentHash, "deliver_at_ns", at)
	return nil
}

// Advance fires every timer due at or before now, earliest first, and
// returns how many fired. Ties break on intent hash.
func (t *Timer) Advance(now int64) (int, error) {
	t.mu.Lock()
	type due struct {
		hash string
		at   int64
	}
	var fire []due
	for hash, at := range t.armed {
		if at <= now {
			fire = append(fire, due{hash, at})
		}
	}
	sort.Slice(fire, func(i, j int) bool {
		if fire[i].at != fire[j].at {
			return fire[i].at < fire[j].at
		}
		return fire[i].hash < fire[j].hash
	})
	for _, d := range fire {
		delete(t.armed, d.hash)
	}
	t.mu.Unlock()

	for i, d := range fire {
		r, err := t.signer.OK(d.hash, map[string]int64{"fired_at_ns": d.at}, 0)
		if err != nil {
			return i, err
		}
		if err := t.sink.Enqueue(kernel.ReceiptInput(r)); err != nil {
			return i, fmt.Errorf("timer: deliver %s: %w", d.hash, err)
		}
		t.logger.Debug("timer fired", "intent_hash", d.hash, "deliver_at_ns", d.at)
	}
	return len(fire), nil
}

// Next returns the earliest armed deadline.
func (t *Timer) Next() (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var next int64
	found := false
	for _, at := range t.armed {
		if !found || at < next {
			next, found = at, true
		}
	}
	return next, found
}

// Len returns the number of armed timers.
func (t *Timer) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.armed)
}
