// Package workflow hosts workflow instances: the per-instance state machine,
// keyed cells, per-tick limits, and the content-addressed cell index.
//
// A delivery is processed in two phases. Invoke runs the module exactly once
// and validates everything it produced without touching runtime state. The
// kernel then submits the tick's intents and calls Apply, which persists the
// new state and computes the instance's next status.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/roach88/worldline/internal/effects"
	"github.com/roach88/worldline/internal/ingress"
	"github.com/roach88/worldline/internal/ir"
	"github.com/roach88/worldline/internal/manifest"
	"github.com/roach88/worldline/internal/module"
)

// Preparer validates an effect request and computes its identity without
// side effects. The effect manager implements it.
type Preparer interface {
	Prepare(man *manifest.Manifest, origin ir.Origin, req effects.Request) (ir.EffectIntent, error)
}

// Delivery is one event addressed to one instance.
type Delivery struct {
	Module string
	// Key is the canonical cell key, nil for unkeyed modules.
	Key   json.RawMessage
	Event module.Event
	// Seq is the journal seq of the record that caused this delivery.
	Seq   int64
	NowNs int64
}

// Tick is the validated result of one module invocation.
type Tick struct {
	Delivery Delivery
	// Skipped is set when the target instance is terminal; nothing ran.
	Skipped bool
	// Fault is set when the tick failed; Events and Intents are then empty.
	Fault   *RuntimeError
	State   []byte
	Events  []ir.DomainEvent
	Intents []ir.EffectIntent
	Status  string
}

// Runtime owns all instances. Not safe for concurrent use.
type Runtime struct {
	registry  *module.Registry
	blobs     BlobStore
	preparer  Preparer
	limits    Limits
	logger    *slog.Logger
	instances map[string]*Instance
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLimits overrides DefaultLimits.
func WithLimits(l Limits) Option {
	return func(r *Runtime) { r.limits = l }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) { r.logger = l }
}

// NewRuntime creates an empty runtime.
func NewRuntime(registry *module.Registry, blobs BlobStore, preparer Preparer, opts ...Option) *Runtime {
	r := &Runtime{
		registry:  registry,
		blobs:     blobs,
		preparer:  preparer,
		limits:    DefaultLimits,
		logger:    slog.Default(),
		instances: make(map[string]*Instance),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetBlobs swaps the blob store, used when switching to verification.
func (r *Runtime) SetBlobs(b BlobStore) { r.blobs = b }

// Get returns a copy of an instance's metadata.
func (r *Runtime) Get(moduleName string, key json.RawMessage) (Instance, bool) {
	in, ok := r.instances[instanceID(moduleName, keyHashOf(key))]
	if !ok {
		return Instance{}, false
	}
	return in.clone(), true
}

// State returns the current state bytes of an instance.
func (r *Runtime) State(moduleName string, key json.RawMessage) ([]byte, error) {
	in, ok := r.instances[instanceID(moduleName, keyHashOf(key))]
	if !ok {
		return nil, fmt.Errorf("instance %s not found", ir.Origin{Module: moduleName, Key: key})
	}
	if in.StateHash == "" {
		return nil, nil
	}
	return r.blobs.GetBlob(in.StateHash)
}

// Instances returns all instances sorted by module then key hash.
func (r *Runtime) Instances() []Instance {
	out := make([]Instance, 0, len(r.instances))
	for _, in := range r.instances {
		out = append(out, in.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Module != out[j].Module {
			return out[i].Module < out[j].Module
		}
		return out[i].KeyHash < out[j].KeyHash
	})
	return out
}

// Blocked returns instances that are Waiting with at least one inflight intent.
func (r *Runtime) Blocked() []Instance {
	var out []Instance
	for _, in := range r.Instances() {
		if in.Status == ir.StatusWaiting && len(in.Inflight) > 0 {
			out = append(out, in)
		}
	}
	return out
}

// Invoke runs the module for a delivery once and validates its output.
// Runtime state is not modified.
func (r *Runtime) Invoke(ctx context.Context, man *manifest.Manifest, d Delivery) (*Tick, error) {
	tick := &Tick{Delivery: d}

	mod, ok := man.Module(d.Module)
	if !ok {
		return nil, fmt.Errorf("invoke: module %q is not declared", d.Module)
	}

	var state []byte
	if in, ok := r.instances[instanceID(d.Module, keyHashOf(d.Key))]; ok {
		if in.Status.Terminal() {
			tick.Skipped = true
			return tick, nil
		}
		if in.StateHash != "" {
			b, err := r.blobs.GetBlob(in.StateHash)
			if err != nil {
				return nil, fmt.Errorf("invoke %s: load state: %w", in.Origin(), err)
			}
			state = b
		}
	}

	stepper, err := r.registry.Resolve(mod.Name, mod.Hash)
	if err != nil {
		tick.Fault = fault(ErrCodeModuleFault, mod.Name, "%v", err)
		return tick, nil
	}

	input, err := module.EncodeInput(module.Input{
		State: state,
		Event: d.Event,
		Ctx:   module.Context{Key: d.Key, CellMode: mod.Keyed(), NowNs: d.NowNs},
	})
	if err != nil {
		return nil, err
	}

	raw, err := stepper.Step(ctx, input)
	if err != nil {
		tick.Fault = fault(ErrCodeModuleFault, mod.Name, "step: %v", err)
		return tick, nil
	}
	if f := r.limits.checkSize(mod.Name, len(raw)); f != nil {
		tick.Fault = f
		return tick, nil
	}
	out, err := module.DecodeOutput(raw)
	if err != nil {
		tick.Fault = fault(ErrCodeInvalidOutput, mod.Name, "%v", err)
		return tick, nil
	}
	if f := r.limits.checkCounts(mod.Name, len(out.Effects), len(out.DomainEvents)); f != nil {
		tick.Fault = f
		return tick, nil
	}

	events := make([]ir.DomainEvent, 0, len(out.DomainEvents))
	for i, ev := range out.DomainEvents {
		canonical, err := ingress.Validate(man, ev.Schema, ev.Value)
		if err != nil {
			tick.Fault = fault(ErrCodeInvalidOutput, mod.Name, "domain_events[%d]: %v", i, err)
			return tick, nil
		}
		event := ir.DomainEvent{Schema: ev.Schema, Value: canonical}
		if _, err := ingress.Route(man, event); err != nil {
			tick.Fault = fault(ErrCodeInvalidOutput, mod.Name, "domain_events[%d]: %v", i, err)
			return tick, nil
		}
		events = append(events, event)
	}

	origin := ir.Origin{Module: mod.Name, Key: d.Key}
	intents := make([]ir.EffectIntent, 0, len(out.Effects))
	for i, req := range out.Effects {
		intent, err := r.preparer.Prepare(man, origin, req)
		if err != nil {
			code := ErrCodeInvalidOutput
			if effects.IsAuthorityError(err) {
				code = ErrCodeAuthority
			}
			tick.Fault = fault(code, mod.Name, "effects[%d]: %v", i, err)
			return tick, nil
		}
		intents = append(intents, intent)
	}

	tick.State = out.State
	tick.Events = events
	tick.Intents = intents
	tick.Status = out.Status
	return tick, nil
}

// Apply commits a tick. admitted lists the intent hashes the gate admitted
// (or that were already pending) from the tick's intents.
//
// Status rules: an explicit module status makes the instance terminal; a
// nil state deletes it; otherwise it is Waiting while any intent is
// inflight and Running when none are. Terminal and deleted instances drain
// every inflight intent; the drained hashes are returned on the record.
func (r *Runtime) Apply(t *Tick, admitted []string) (StepRecord, error) {
	d := t.Delivery
	keyHash := keyHashOf(d.Key)
	id := instanceID(d.Module, keyHash)

	in, ok := r.instances[id]
	if !ok {
		in = &Instance{Module: d.Module, Key: d.Key, KeyHash: keyHash, Status: ir.StatusRunning}
	}
	next := in.clone()
	next.LastEventSeq = d.Seq
	next.LastActiveNs = d.NowNs
	next.Reason = ""

	var drained []string
	switch {
	case t.Fault != nil:
		drained = next.Inflight
		next.Inflight = nil
		next.Status = ir.StatusFailed
		next.Reason = t.Fault.Error()

	case t.State == nil:
		drained = sortedUnion(next.Inflight, admitted)
		next.Inflight = nil
		next.Status = StatusDeleted
		next.StateHash = ""
		next.Size = 0

	default:
		hash, err := r.blobs.PutBlob(t.State)
		if err != nil {
			return StepRecord{}, fmt.Errorf("apply %s: store state: %w", next.Origin(), err)
		}
		next.StateHash = hash
		next.Size = int64(len(t.State))
		next.Inflight = sortedUnion(next.Inflight, admitted)

		switch t.Status {
		case module.StatusCompleted:
			next.Status = ir.StatusCompleted
		case module.StatusFailed:
			next.Status = ir.StatusFailed
			next.Reason = "module signalled failure"
		default:
			if len(next.Inflight) > 0 {
				next.Status = ir.StatusWaiting
			} else {
				next.Status = ir.StatusRunning
			}
		}
		if next.Status.Terminal() {
			drained = next.Inflight
			next.Inflight = nil
		}
	}

	rec := stepRecordOf(next, d.Seq, drained)
	r.ApplyStep(rec)
	return rec, nil
}

// Settle removes a settled intent from its origin's inflight set. The
// instance status is recomputed by the step that processes the receipt.
func (r *Runtime) Settle(origin ir.Origin, intentHash string) {
	if in, ok := r.instances[instanceID(origin.Module, keyHashOf(origin.Key))]; ok {
		in.Inflight = without(in.Inflight, intentHash)
	}
}

// Fail marks an instance Failed outside of a tick and drains its inflight
// intents. Returns false if the instance is missing or already terminal.
func (r *Runtime) Fail(origin ir.Origin, seq, nowNs int64, cause *RuntimeError) (StepRecord, bool) {
	in, ok := r.instances[instanceID(origin.Module, keyHashOf(origin.Key))]
	if !ok || in.Status.Terminal() {
		return StepRecord{}, false
	}
	next := in.clone()
	drained := next.Inflight
	next.Inflight = nil
	next.Status = ir.StatusFailed
	next.Reason = cause.Error()
	next.LastEventSeq = seq
	next.LastActiveNs = nowNs

	rec := stepRecordOf(next, seq, drained)
	r.ApplyStep(rec)
	return rec, true
}

// ApplyStep folds a step record: the instance metadata is set exactly as
// recorded. Used both by Apply and by journal replay.
func (r *Runtime) ApplyStep(rec StepRecord) {
	id := instanceID(rec.Module, rec.KeyHash)
	if rec.Status == StatusDeleted {
		delete(r.instances, id)
		return
	}
	r.instances[id] = &Instance{
		Module:       rec.Module,
		Key:          rec.Key,
		KeyHash:      rec.KeyHash,
		Status:       rec.Status,
		StateHash:    rec.StateHash,
		Size:         rec.Size,
		Inflight:     append([]string(nil), rec.Inflight...),
		LastEventSeq: rec.EventSeq,
		LastActiveNs: rec.LastActiveNs,
		Reason:       rec.Reason,
	}
}

// Restore replaces all instances, as loaded from a snapshot.
func (r *Runtime) Restore(instances []Instance) {
	r.instances = make(map[string]*Instance, len(instances))
	for i := range instances {
		cp := instances[i].clone()
		r.instances[instanceID(cp.Module, cp.KeyHash)] = &cp
	}
}

// CellRoots returns the root hash of each module's cell index.
func (r *Runtime) CellRoots() (map[string]string, error) {
	byModule := map[string][]CellEntry{}
	for _, in := range r.Instances() {
		byModule[in.Module] = append(byModule[in.Module], CellEntry{
			KeyHash:      in.KeyHash,
			StateHash:    in.StateHash,
			Size:         in.Size,
			LastActiveNs: in.LastActiveNs,
		})
	}
	roots := make(map[string]string, len(byModule))
	for mod, entries := range byModule {
		b, err := ir.CanonicalJSON(entries)
		if err != nil {
			return nil, fmt.Errorf("cell root %s: %w", mod, err)
		}
		roots[mod] = ir.CellRootHash(b)
	}
	return roots, nil
}

func stepRecordOf(in Instance, seq int64, drained []string) StepRecord {
	return StepRecord{
		Module:       in.Module,
		Key:          in.Key,
		KeyHash:      in.KeyHash,
		EventSeq:     seq,
		Status:       in.Status,
		StateHash:    in.StateHash,
		Size:         in.Size,
		Inflight:     in.Inflight,
		Drained:      drained,
		LastActiveNs: in.LastActiveNs,
		Reason:       in.Reason,
	}
}
