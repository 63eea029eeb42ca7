package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/roach88/worldline/internal/adapter"
	"github.com/roach88/worldline/internal/ir"
	"github.com/roach88/worldline/internal/journal"
	"github.com/roach88/worldline/internal/kernel"
	"github.com/roach88/worldline/internal/manifest"
	"github.com/roach88/worldline/internal/module"
	"github.com/roach88/worldline/internal/testutil"
)

// DefaultStartNs is the logical time a scenario starts at.
const DefaultStartNs = 1000

// Option configures Run.
type Option func(*Harness)

// WithLogger sets the logger passed to the kernel. Run discards logs by
// default.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// Harness runs one scenario against a fresh in-memory journal. Receipts
// are signed with the fixed test keys from testutil; timer.set intents are
// executed by a logical timer and everything else is recorded.
type Harness struct {
	scenario *Scenario
	registry *module.Registry
	logger   *slog.Logger

	journal  *journal.Journal
	world    *kernel.World
	clock    *testutil.LogicalTime
	timer    *adapter.Timer
	recorder *adapter.Recorder
	mux      *adapter.Mux
	inbox    []kernel.Input
}

// Run executes scenario with module code from registry.
//
// Step failures and assertion failures are reported in the Result; the
// returned error is reserved for scenarios that cannot start at all.
// After the last step the journal is re-executed with kernel.Verify.
func Run(ctx context.Context, scenario *Scenario, registry *module.Registry, opts ...Option) (*Result, error) {
	h := &Harness{
		scenario: scenario,
		registry: registry,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		recorder: &adapter.Recorder{},
		mux:      adapter.NewMux(),
	}
	for _, opt := range opts {
		opt(h)
	}

	genesis, err := manifest.Parse(scenario.Name+".cue", []byte(scenario.Manifest))
	if err != nil {
		return nil, fmt.Errorf("genesis manifest: %w", err)
	}

	start := scenario.StartNs
	if start == 0 {
		start = DefaultStartNs
	}
	h.clock = testutil.NewLogicalTime(start)

	timerID := "timer"
	if eff, ok := genesis.Effect(adapter.KindTimerSet); ok {
		timerID = eff.Adapter
	}
	signer := adapter.NewSigner(timerID, testutil.AdapterKey(timerID))
	h.timer = adapter.NewTimer(signer, adapter.SinkFunc(func(in kernel.Input) error {
		h.inbox = append(h.inbox, in)
		return nil
	}), h.logger)
	h.mux.Handle(adapter.KindTimerSet, h.timer)
	h.mux.Handle("*", h.recorder)

	j, err := journal.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory journal: %w", err)
	}
	defer j.Close()
	h.journal = j

	if err := h.open(ctx, genesis); err != nil {
		return nil, fmt.Errorf("open world: %w", err)
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		h.runStep(ctx, i, step, result)
	}

	state, err := h.world.StateHash()
	if err != nil {
		return nil, fmt.Errorf("state hash: %w", err)
	}
	result.StateHash = state

	records, err := j.Records(ctx, 1, "")
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	for _, r := range records {
		result.Trace = append(result.Trace, traceEvent(r))
	}

	for _, msg := range EvaluateAssertions(result, scenario.Assertions, h.world) {
		result.AddError("%s", msg)
	}

	if _, err := kernel.Verify(ctx, j, h.registry, kernel.WithLogger(h.logger)); err != nil {
		result.AddError("verify: %v", err)
	} else {
		result.Verified = true
	}
	return result, nil
}

// open starts (or restarts) the world over the harness journal. Pending
// intents are re-dispatched so armed timers survive a restart.
func (h *Harness) open(ctx context.Context, genesis *manifest.Manifest) error {
	opts := []kernel.Option{
		kernel.WithClock(h.clock),
		kernel.WithDispatcher(h.mux),
		kernel.WithLogger(h.logger),
		kernel.WithRedispatch(true),
	}
	if genesis != nil {
		opts = append(opts, kernel.WithGenesis(genesis))
	}
	w, err := kernel.Open(ctx, h.journal, h.registry, opts...)
	if err != nil {
		return err
	}
	h.world = w
	return nil
}

func (h *Harness) runStep(ctx context.Context, i int, step Step, result *Result) {
	res, err := h.execute(ctx, step, result)
	switch {
	case err != nil && step.ExpectError != "":
		if !strings.Contains(err.Error(), step.ExpectError) {
			result.AddError("steps[%d]: error %q does not contain %q", i, err, step.ExpectError)
		}
		return
	case err != nil:
		result.AddError("steps[%d]: %v", i, err)
		return
	case step.ExpectError != "":
		result.AddError("steps[%d]: expected error containing %q, got none", i, step.ExpectError)
		return
	}
	if res.Dropped != step.ExpectDropped {
		result.AddError("steps[%d]: dropped=%v (%s), want %v", i, res.Dropped, res.DropReason, step.ExpectDropped)
	}
	h.logger.Debug("scenario step done", "step", i, "seq", res.Seq, "head", res.LastSeq)
}

func (h *Harness) execute(ctx context.Context, step Step, result *Result) (kernel.Result, error) {
	switch {
	case step.Event != nil:
		value, err := canonicalObject(step.Event.Value)
		if err != nil {
			return kernel.Result{}, fmt.Errorf("event value: %w", err)
		}
		return h.world.Submit(ctx, kernel.EventInput(step.Event.Schema, value))

	case step.Receipt != nil:
		r, err := h.receipt(ctx, step.Receipt)
		if err != nil {
			return kernel.Result{}, err
		}
		return h.world.Submit(ctx, kernel.ReceiptInput(r))

	case step.Frame != nil:
		f, err := h.frame(ctx, step.Frame)
		if err != nil {
			return kernel.Result{}, err
		}
		return h.world.Submit(ctx, kernel.FrameInput(f))

	case step.Snapshot:
		if _, err := h.world.TakeSnapshot(ctx); err != nil {
			return kernel.Result{}, err
		}
		head := h.world.Head().Seq
		return kernel.Result{Seq: head, LastSeq: head}, nil

	case step.Restart:
		return h.restart(ctx, result)

	case step.Apply != "":
		m, err := manifest.Parse(h.scenario.Name+"-apply.cue", []byte(step.Apply))
		if err != nil {
			return kernel.Result{}, err
		}
		return h.world.ApplyManifest(ctx, m)

	case step.Advance > 0:
		return h.advance(ctx, step.Advance)
	}
	return kernel.Result{}, errors.New("empty step")
}

// restart drops the live world and restores a new one from the journal.
// The restored state must hash the same as the live one.
func (h *Harness) restart(ctx context.Context, result *Result) (kernel.Result, error) {
	before, err := h.world.StateHash()
	if err != nil {
		return kernel.Result{}, err
	}
	h.world.Stop()
	if err := h.open(ctx, nil); err != nil {
		return kernel.Result{}, err
	}
	after, err := h.world.StateHash()
	if err != nil {
		return kernel.Result{}, err
	}
	if before != after {
		result.AddError("restart: restored state %s differs from live state %s", after, before)
	}
	head := h.world.Head().Seq
	return kernel.Result{LastSeq: head}, nil
}

// advance moves logical time and submits the receipts of timers that came
// due. The last submission's result is returned.
func (h *Harness) advance(ctx context.Context, d int64) (kernel.Result, error) {
	now := h.clock.Advance(d)
	if _, err := h.timer.Advance(now); err != nil {
		return kernel.Result{}, err
	}
	inbox := h.inbox
	h.inbox = nil
	res := kernel.Result{LastSeq: h.world.Head().Seq}
	for _, in := range inbox {
		r, err := h.world.Submit(ctx, in)
		if err != nil {
			return kernel.Result{}, err
		}
		res = r
	}
	return res, nil
}

func (h *Harness) receipt(ctx context.Context, step *ReceiptStep) (ir.Receipt, error) {
	target, err := h.resolve(ctx, step.IntentRef)
	if err != nil {
		return ir.Receipt{}, err
	}
	id := step.Adapter
	if id == "" {
		eff, ok := h.world.Manifest().Effect(target.Kind)
		if !ok {
			return ir.Receipt{}, fmt.Errorf("effect %q is not in the manifest", target.Kind)
		}
		id = eff.Adapter
	}
	signer := adapter.NewSigner(id, testutil.AdapterKey(id))

	status := ir.ReceiptStatus(step.Status)
	if status == "" {
		status = ir.ReceiptOK
	}
	if status != ir.ReceiptOK {
		return signer.Fail(target.IntentHash, status, step.Message)
	}
	payload, err := ir.ObjectFromGo(step.Payload)
	if err != nil {
		return ir.Receipt{}, fmt.Errorf("receipt payload: %w", err)
	}
	return signer.OK(target.IntentHash, payload, step.Cost)
}

func (h *Harness) frame(ctx context.Context, step *FrameStep) (ir.StreamFrame, error) {
	target, err := h.resolve(ctx, step.IntentRef)
	if err != nil {
		return ir.StreamFrame{}, err
	}
	payload, err := canonicalObject(step.Payload)
	if err != nil {
		return ir.StreamFrame{}, fmt.Errorf("frame payload: %w", err)
	}
	fence := target.EmittedAtSeq
	if step.Fence != 0 {
		fence = step.Fence
	}
	return ir.StreamFrame{
		IntentID:     target.IntentHash,
		Seq:          step.Seq,
		EmittedAtSeq: fence,
		Kind:         step.Kind,
		Payload:      payload,
	}, nil
}

// resolve finds the intent a receipt or frame step refers to: the oldest
// pending match, or failing that the newest journaled one, so steps can
// replay answers to intents that already settled.
func (h *Harness) resolve(ctx context.Context, ref IntentRef) (ir.PendingIntent, error) {
	var best *ir.PendingIntent
	for _, p := range h.world.PendingIntents() {
		if p.Kind != ref.Intent || (ref.Module != "" && p.Origin.Module != ref.Module) {
			continue
		}
		if best == nil || p.EmittedAtSeq < best.EmittedAtSeq {
			best = &p
		}
	}
	if best != nil {
		return *best, nil
	}

	records, err := h.journal.Records(ctx, 1, ir.RecordEffectIntent)
	if err != nil {
		return ir.PendingIntent{}, err
	}
	for i := len(records) - 1; i >= 0; i-- {
		var intent ir.EffectIntent
		if err := json.Unmarshal(records[i].Body, &intent); err != nil {
			return ir.PendingIntent{}, err
		}
		if intent.Kind != ref.Intent || (ref.Module != "" && intent.Origin.Module != ref.Module) {
			continue
		}
		return ir.PendingIntent{
			IntentHash:   intent.IntentHash,
			Kind:         intent.Kind,
			Origin:       intent.Origin,
			EmittedAtSeq: records[i].Seq,
		}, nil
	}
	return ir.PendingIntent{}, fmt.Errorf("no intent of kind %q", ref.Intent)
}

func canonicalObject(m map[string]any) (json.RawMessage, error) {
	obj, err := ir.ObjectFromGo(m)
	if err != nil {
		return nil, err
	}
	return ir.MarshalCanonical(obj)
}
