package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/roach88/worldline/internal/effects"
	"github.com/roach88/worldline/internal/ir"
	"github.com/roach88/worldline/internal/kernel"
)

// ErrNoRoute is returned by Mux for an intent kind nobody handles.
var ErrNoRoute = errors.New("adapter: no dispatcher for effect kind")

// Sink accepts inputs produced by adapters. *kernel.World implements it.
type Sink interface {
	Enqueue(in kernel.Input) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(in kernel.Input) error

// Enqueue implements Sink.
func (f SinkFunc) Enqueue(in kernel.Input) error { return f(in) }

// DispatcherFunc adapts a function to effects.Dispatcher.
type DispatcherFunc func(ctx context.Context, intent ir.EffectIntent) error

// Dispatch implements effects.Dispatcher.
func (f DispatcherFunc) Dispatch(ctx context.Context, intent ir.EffectIntent) error {
	return f(ctx, intent)
}

// Mux routes intents to dispatchers by effect kind. A pattern ending in
// ".*" matches every kind with that prefix and "*" matches any kind; exact
// patterns win, then the longest prefix.
type Mux struct {
	mu       sync.RWMutex
	exact    map[string]effects.Dispatcher
	prefixes []prefixRoute
	fallback effects.Dispatcher
}

type prefixRoute struct {
	prefix string
	d      effects.Dispatcher
}

// NewMux returns an empty mux.
func NewMux() *Mux {
	return &Mux{exact: make(map[string]effects.Dispatcher)}
}

// Handle registers d for pattern.
func (m *Mux) Handle(pattern string, d effects.Dispatcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pattern == "*" {
		m.fallback = d
		return
	}
	if p, ok := strings.CutSuffix(pattern, ".*"); ok {
		m.prefixes = append(m.prefixes, prefixRoute{prefix: p + ".", d: d})
		return
	}
	m.exact[pattern] = d
}

// Dispatch implements effects.Dispatcher.
func (m *Mux) Dispatch(ctx context.Context, intent ir.EffectIntent) error {
	d := m.lookup(intent.Kind)
	if d == nil {
		return fmt.Errorf("%w: %s", ErrNoRoute, intent.Kind)
	}
	return d.Dispatch(ctx, intent)
}

func (m *Mux) lookup(kind string) effects.Dispatcher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if d, ok := m.exact[kind]; ok {
		return d
	}
	var best prefixRoute
	for _, r := range m.prefixes {
		if strings.HasPrefix(kind, r.prefix) && len(r.prefix) > len(best.prefix) {
			best = r
		}
	}
	if best.d == nil {
		return m.fallback
	}
	return best.d
}
