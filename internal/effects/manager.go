package effects

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/metric"

	"github.com/roach88/worldline/internal/continuation"
	"github.com/roach88/worldline/internal/gate"
	"github.com/roach88/worldline/internal/ir"
	"github.com/roach88/worldline/internal/manifest"
	"github.com/roach88/worldline/internal/schema"
)

// Recorder appends one record to the current commit and returns its seq.
type Recorder interface {
	Record(kind string, body any) (int64, error)
}

// Dispatcher hands an admitted intent to the adapter boundary. It must not
// block on the adapter's work or re-enter the kernel synchronously.
type Dispatcher interface {
	Dispatch(ctx context.Context, intent ir.EffectIntent) error
}

// Request is an effect request as emitted by a module.
type Request struct {
	Kind           string          `json:"kind"`
	Params         json.RawMessage `json:"params"`
	CapName        string          `json:"cap_name"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// Admission is the result of Submit.
type Admission struct {
	IntentHash string
	Decision   gate.Decision
	Duplicate  bool
	Seq        int64
}

// DecisionRecord is the body of a policy_decision record.
type DecisionRecord struct {
	IntentHash string        `json:"intent_hash"`
	Kind       string        `json:"kind"`
	CapName    string        `json:"cap_name"`
	Origin     ir.Origin     `json:"origin"`
	Decision   gate.Decision `json:"decision"`
}

// Manager is the effect manager. Not safe for concurrent use.
type Manager struct {
	index      *continuation.Index
	recorder   Recorder
	dispatcher Dispatcher
	logger     *slog.Logger
	metrics    *metrics
	outbox     []ir.EffectIntent
}

// Option configures a Manager.
type Option func(*Manager)

// WithDispatcher sets the adapter boundary. Without one, admitted intents
// stay pending until Redispatch is given a dispatcher.
func WithDispatcher(d Dispatcher) Option {
	return func(m *Manager) { m.dispatcher = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMeterProvider sets the otel meter provider for counters.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(m *Manager) { m.metrics = newMetrics(mp) }
}

// NewManager creates a manager over a pending index and a record sink.
func NewManager(index *continuation.Index, recorder Recorder, opts ...Option) *Manager {
	m := &Manager{
		index:    index,
		recorder: recorder,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = newMetrics(nil)
	}
	return m
}

// Index exposes the pending-intent index.
func (m *Manager) Index() *continuation.Index { return m.index }

// Prepare validates a request from origin and computes its identity.
// Authority is checked before anything else, so a pure module's request
// never reaches schema validation or the gate.
func (m *Manager) Prepare(man *manifest.Manifest, origin ir.Origin, req Request) (ir.EffectIntent, error) {
	mod, ok := man.Module(origin.Module)
	if !ok {
		return ir.EffectIntent{}, &AuthorityError{Module: origin.Module, Kind: req.Kind, Reason: "module is not declared"}
	}
	if mod.Kind != manifest.KindWorkflow {
		return ir.EffectIntent{}, &AuthorityError{Module: origin.Module, Kind: req.Kind, Reason: "only workflow modules may emit effects"}
	}
	if !mod.AllowsEffect(req.Kind) {
		return ir.EffectIntent{}, &AuthorityError{Module: origin.Module, Kind: req.Kind, Reason: "kind is not in the module's effect allowlist"}
	}

	effect, ok := man.Effect(req.Kind)
	if !ok {
		return ir.EffectIntent{}, schema.ValidationError{Code: schema.ErrMalformed, Message: fmt.Sprintf("effect kind %q is not in the catalog", req.Kind)}
	}
	_, params, err := effect.Params.Canonicalize(req.Params)
	if err != nil {
		return ir.EffectIntent{}, fmt.Errorf("params for %s: %w", req.Kind, err)
	}

	hash, err := ir.IntentHash(req.Kind, params, req.CapName, req.IdempotencyKey, origin.Module, origin.Key)
	if err != nil {
		return ir.EffectIntent{}, err
	}
	return ir.EffectIntent{
		IntentHash:     hash,
		Kind:           req.Kind,
		Params:         params,
		CapName:        req.CapName,
		IdempotencyKey: req.IdempotencyKey,
		Origin:         origin,
	}, nil
}

// Submit gates a prepared intent and journals the outcome.
//
// An intent whose hash is already pending is a no-op: nothing is journaled
// and the existing pending entry stands. A hash that already settled is
// denied at StageSettled without consulting the gate. A denial is journaled
// and returned as an Admission with Decision.Allowed false and a nil error.
func (m *Manager) Submit(ctx context.Context, man *manifest.Manifest, intent ir.EffectIntent, nowNs int64) (Admission, error) {
	if m.index.Has(intent.IntentHash) {
		m.logger.Debug("intent already pending", "intent_hash", intent.IntentHash, "origin", intent.Origin.String())
		m.metrics.intent(ctx, intent.Kind, "duplicate")
		return Admission{IntentHash: intent.IntentHash, Duplicate: true, Decision: gate.Decision{Allowed: true}}, nil
	}

	decision, err := m.decide(man, intent, nowNs)
	if err != nil {
		return Admission{}, err
	}

	if _, err := m.recorder.Record(ir.RecordPolicyDecision, DecisionRecord{
		IntentHash: intent.IntentHash,
		Kind:       intent.Kind,
		CapName:    intent.CapName,
		Origin:     intent.Origin,
		Decision:   decision,
	}); err != nil {
		return Admission{}, fmt.Errorf("record decision: %w", err)
	}

	adm := Admission{IntentHash: intent.IntentHash, Decision: decision}
	if !decision.Allowed {
		m.logger.Warn("effect denied",
			"intent_hash", intent.IntentHash,
			"kind", intent.Kind,
			"origin", intent.Origin.String(),
			"code", decision.Code,
			"reason", decision.Reason)
		m.metrics.intent(ctx, intent.Kind, "denied")
		return adm, nil
	}

	seq, err := m.recorder.Record(ir.RecordEffectIntent, intent)
	if err != nil {
		return Admission{}, fmt.Errorf("record intent: %w", err)
	}
	if err := m.index.Add(ir.PendingIntent{
		IntentHash:   intent.IntentHash,
		Kind:         intent.Kind,
		Origin:       intent.Origin,
		EmittedAtSeq: seq,
	}); err != nil {
		return Admission{}, err
	}
	m.outbox = append(m.outbox, intent)
	m.metrics.intent(ctx, intent.Kind, "admitted")
	m.logger.Debug("effect admitted", "intent_hash", intent.IntentHash, "kind", intent.Kind, "seq", seq)

	adm.Seq = seq
	return adm, nil
}

// decide denies a hash that already settled or drained and otherwise asks
// the gate.
func (m *Manager) decide(man *manifest.Manifest, intent ir.EffectIntent, nowNs int64) (gate.Decision, error) {
	if m.index.Closed(intent.IntentHash) {
		return gate.Decision{
			Stage:  StageSettled,
			Code:   IntentSettled,
			Reason: "intent already settled; a new request needs a new idempotency key",
		}, nil
	}
	params, err := ir.UnmarshalIRObject(intent.Params)
	if err != nil {
		return gate.Decision{}, fmt.Errorf("submit %s: %w", intent.IntentHash, err)
	}
	mod, _ := man.Module(intent.Origin.Module)
	return gate.Evaluate(gate.Request{
		Manifest:   man,
		Origin:     intent.Origin,
		OriginKind: mod.Kind,
		Kind:       intent.Kind,
		CapName:    intent.CapName,
		Params:     params,
		NowNs:      nowNs,
	}), nil
}

// Enqueue is Prepare followed by Submit. It returns the intent hash, or an
// AuthorityError, schema validation error, or gate.DenialError.
func (m *Manager) Enqueue(ctx context.Context, man *manifest.Manifest, origin ir.Origin, req Request, nowNs int64) (string, error) {
	intent, err := m.Prepare(man, origin, req)
	if err != nil {
		return "", err
	}
	adm, err := m.Submit(ctx, man, intent, nowNs)
	if err != nil {
		return "", err
	}
	if err := adm.Decision.Err(); err != nil {
		return "", err
	}
	return adm.IntentHash, nil
}

// Flush dispatches every intent admitted since the last Flush. Dispatch
// errors are logged; the intent stays pending and can be re-dispatched.
func (m *Manager) Flush(ctx context.Context) {
	outbox := m.outbox
	m.outbox = nil
	if m.dispatcher == nil {
		return
	}
	for _, intent := range outbox {
		if !m.index.Has(intent.IntentHash) {
			// drained by a terminal step in the same commit
			continue
		}
		if err := m.dispatcher.Dispatch(ctx, intent); err != nil {
			m.logger.Error("dispatch failed", "intent_hash", intent.IntentHash, "kind", intent.Kind, "error", err)
		}
	}
}

// Discard drops queued dispatches. Used when records are being verified
// rather than committed.
func (m *Manager) Discard() {
	m.outbox = nil
}

// Outcome of a receipt.
const (
	OutcomeSettled  = "settled"
	OutcomeRejected = "rejected"
	OutcomeDropped  = "dropped"
)

// Settlement is the decoded result of an inbound receipt.
type Settlement struct {
	Outcome string
	Pending ir.PendingIntent
	// Payload is the canonical payload when settled.
	Payload []byte
	Reason  string
}

// CheckReceipt verifies and decodes a receipt without mutating state.
//
// Unknown intents yield OutcomeDropped. A bad signature or adapter mismatch
// is an error: such a receipt is not a fact and must not be journaled. A
// payload that fails to decode yields OutcomeRejected, which still settles
// the intent.
func (m *Manager) CheckReceipt(man *manifest.Manifest, r ir.Receipt) (Settlement, error) {
	p, ok := m.index.Get(r.IntentHash)
	if !ok {
		reason := "unknown intent"
		if m.index.Closed(r.IntentHash) {
			reason = "already settled"
		}
		return Settlement{Outcome: OutcomeDropped, Reason: reason}, nil
	}
	effect, ok := man.Effect(p.Kind)
	if !ok {
		return Settlement{Outcome: OutcomeRejected, Pending: p, Reason: fmt.Sprintf("effect kind %q no longer declared", p.Kind)}, nil
	}
	if r.AdapterID != effect.Adapter {
		return Settlement{}, fmt.Errorf("%w: got %q, want %q", ErrAdapterMismatch, r.AdapterID, effect.Adapter)
	}
	adapter, ok := man.Adapter(effect.Adapter)
	if !ok {
		return Settlement{}, fmt.Errorf("%w: adapter %q not declared", ErrInvalidSignature, effect.Adapter)
	}
	key, err := adapter.Key()
	if err != nil {
		return Settlement{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !ed25519.Verify(ed25519.PublicKey(key), r.SigningBytes(), r.Signature) {
		return Settlement{}, ErrInvalidSignature
	}

	if !r.Status.Valid() {
		return Settlement{Outcome: OutcomeRejected, Pending: p, Reason: fmt.Sprintf("invalid status %q", r.Status)}, nil
	}
	shape := schema.Open
	raw := r.Payload
	if r.Status == ir.ReceiptOK {
		shape = effect.Receipt
	} else if len(raw) == 0 {
		// error and timeout receipts may carry no detail at all
		raw = []byte("{}")
	}
	_, payload, err := shape.Canonicalize(raw)
	if err != nil {
		return Settlement{Outcome: OutcomeRejected, Pending: p, Reason: err.Error()}, nil
	}
	return Settlement{Outcome: OutcomeSettled, Pending: p, Payload: payload}, nil
}

// Settle consumes the pending entry for a terminal receipt. Settling twice
// is impossible: the second receipt finds no pending entry and is dropped.
func (m *Manager) Settle(ctx context.Context, s Settlement) {
	m.metrics.receipt(ctx, s.Outcome)
	if s.Outcome == OutcomeDropped {
		return
	}
	m.index.Remove(s.Pending.IntentHash)
}

// CheckFrame fences a stream frame and canonicalizes its payload, which must
// be a JSON object. It does not mutate state.
func (m *Manager) CheckFrame(f ir.StreamFrame) (continuation.FrameVerdict, []byte, error) {
	v := m.index.CheckFrame(f)
	if !v.Accepted {
		return v, nil, nil
	}
	_, payload, err := schema.Open.Canonicalize(f.Payload)
	if err != nil {
		return v, nil, fmt.Errorf("frame payload: %w", err)
	}
	return v, payload, nil
}

// AcceptFrame advances the stream seq after the frame has been recorded.
func (m *Manager) AcceptFrame(ctx context.Context, f ir.StreamFrame) {
	m.index.Advance(f.IntentID, f.Seq)
	m.metrics.frame(ctx, "accepted")
}

// DropFrame counts a fenced-out frame.
func (m *Manager) DropFrame(ctx context.Context, reason string) {
	m.metrics.frame(ctx, reason)
}

// Redispatch hands every pending intent to the dispatcher again, in hash
// order. Used after restore; adapters dedupe by intent hash.
func (m *Manager) Redispatch(ctx context.Context, intents []ir.EffectIntent) int {
	if m.dispatcher == nil {
		return 0
	}
	n := 0
	for _, intent := range intents {
		if !m.index.Has(intent.IntentHash) {
			continue
		}
		if err := m.dispatcher.Dispatch(ctx, intent); err != nil {
			m.logger.Error("redispatch failed", "intent_hash", intent.IntentHash, "error", err)
			continue
		}
		n++
	}
	return n
}
