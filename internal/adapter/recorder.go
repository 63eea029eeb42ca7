package adapter

import (
	"context"
	"sync"

	"github.com/roach88/worldline/internal/ir"
)

// Recorder is a dispatcher that only remembers what it was given. Tests and
// the harness answer its intents by hand.
type Recorder struct {
	mu      sync.Mutex
	intents []ir.EffectIntent
}

// Dispatch implements effects.Dispatcher.
func (r *Recorder) Dispatch(_ context.Context, intent ir.EffectIntent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.intents = append(r.intents, intent)
	return nil
}

// Intents returns everything dispatched so far, oldest first.
func (r *Recorder) Intents() []ir.EffectIntent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ir.EffectIntent(nil), r.intents...)
}

// Last returns the most recent intent of kind.
func (r *Recorder) Last(kind string) (ir.EffectIntent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.intents) - 1; i >= 0; i-- {
		if r.intents[i].Kind == kind {
			return r.intents[i], true
		}
	}
	return ir.EffectIntent{}, false
}

// Reset forgets all recorded intents.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.intents = nil
}
