package module

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/worldline/internal/ir"
)

// Stepper is the module contract: one envelope in, one envelope out.
// Implementations must be deterministic functions of their input.
type Stepper interface {
	Step(ctx context.Context, input []byte) ([]byte, error)
}

// Func adapts a Go function over decoded envelopes into a Stepper.
type Func func(ctx context.Context, in Input) (Output, error)

// Step implements Stepper.
func (f Func) Step(ctx context.Context, input []byte) ([]byte, error) {
	in, err := DecodeInput(input)
	if err != nil {
		return nil, err
	}
	out, err := f(ctx, in)
	if err != nil {
		return nil, err
	}
	return EncodeOutput(out)
}

// Registry resolves module hashes (or names, for manifests that omit the
// hash) to steppers. Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	byHash map[string]Stepper
	byName map[string]Stepper
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byHash: make(map[string]Stepper),
		byName: make(map[string]Stepper),
	}
}

// Register stores s under the content hash of code and returns the hash.
func (r *Registry) Register(code []byte, s Stepper) string {
	hash := ir.BlobHash(code)
	r.Bind(hash, s)
	return hash
}

// Bind stores s under an existing hash.
func (r *Registry) Bind(hash string, s Stepper) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byHash[hash] = s
}

// BindName stores s under a module name.
func (r *Registry) BindName(name string, s Stepper) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[name] = s
}

// Resolve finds the stepper for a module. A declared hash must resolve by
// hash; only hashless modules fall back to the name.
func (r *Registry) Resolve(name, hash string) (Stepper, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if hash != "" {
		if s, ok := r.byHash[hash]; ok {
			return s, nil
		}
		return nil, fmt.Errorf("module %s: no code registered for hash %s", name, hash)
	}
	if s, ok := r.byName[name]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("module %s: not registered", name)
}
