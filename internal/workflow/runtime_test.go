package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/worldline/internal/continuation"
	"github.com/roach88/worldline/internal/effects"
	"github.com/roach88/worldline/internal/ir"
	"github.com/roach88/worldline/internal/manifest"
	"github.com/roach88/worldline/internal/module"
	"github.com/roach88/worldline/internal/schema"
	"github.com/roach88/worldline/internal/testutil"
)

func testManifest() *manifest.Manifest {
	return &manifest.Manifest{
		Version: 1,
		Modules: []manifest.Module{
			{Name: "echo", Kind: manifest.KindPure},
			{Name: "writer", Kind: manifest.KindWorkflow, Effects: []string{"llm.generate"},
				Caps: map[string]string{"llm": "llm_basic"}, Key: &schema.Field{Type: schema.TypeString}},
		},
		Effects: []manifest.Effect{{
			Kind: "llm.generate", CapType: "llm", Adapter: "llm",
			Params:  schema.Schema{Fields: map[string]schema.Field{"prompt": {Type: schema.TypeString, Required: true}}},
			Receipt: schema.Schema{Fields: map[string]schema.Field{"text": {Type: schema.TypeString, Required: true}}},
		}},
		Grants:   []manifest.Grant{{Name: "llm_basic", CapType: "llm"}},
		Adapters: []manifest.Adapter{{ID: "llm", PublicKey: testutil.PublicKeyBase64("llm")}},
		Policy:   []manifest.Rule{{Name: "allow-llm", Decision: manifest.DecisionAllow}},
		Events: []manifest.Event{
			{Schema: "demo/Done@1", Fields: schema.Schema{Fields: map[string]schema.Field{"n": {Type: schema.TypeInt, Required: true}}}},
		},
	}
}

type harness struct {
	rt      *Runtime
	reg     *module.Registry
	manager *effects.Manager
	man     *manifest.Manifest
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := module.NewRegistry()
	mgr := effects.NewManager(continuation.NewIndex(), &testutil.RecordSink{}, effects.WithLogger(logger))
	opts = append([]Option{WithLogger(logger)}, opts...)
	return &harness{
		rt:      NewRuntime(reg, NewMemBlobs(nil), mgr, opts...),
		reg:     reg,
		manager: mgr,
		man:     testManifest(),
	}
}

func key(s string) json.RawMessage { return json.RawMessage(`"` + s + `"`) }

func delivery(mod string, k json.RawMessage, seq int64) Delivery {
	return Delivery{
		Module: mod,
		Key:    k,
		Event:  module.Event{Schema: "demo/Start@1", Value: json.RawMessage(`{}`), Key: k},
		Seq:    seq,
		NowNs:  seq * 1000,
	}
}

// run invokes, submits admitted intents and applies, the way the kernel does.
func (h *harness) run(t *testing.T, d Delivery) (*Tick, StepRecord) {
	t.Helper()
	ctx := context.Background()
	tick, err := h.rt.Invoke(ctx, h.man, d)
	require.NoError(t, err)
	if tick.Skipped {
		return tick, StepRecord{}
	}
	var admitted []string
	for _, intent := range tick.Intents {
		adm, err := h.manager.Submit(ctx, h.man, intent, d.NowNs)
		require.NoError(t, err)
		if adm.Decision.Allowed {
			admitted = append(admitted, adm.IntentHash)
		}
	}
	rec, err := h.rt.Apply(tick, admitted)
	require.NoError(t, err)
	return tick, rec
}

func counter(effectsPerTick int) module.Func {
	return func(_ context.Context, in module.Input) (module.Output, error) {
		var st struct{ N int64 }
		if in.State != nil {
			if err := json.Unmarshal(in.State, &st); err != nil {
				return module.Output{}, err
			}
		}
		st.N++
		state, _ := json.Marshal(st)
		out := module.Output{State: state}
		for i := 0; i < effectsPerTick; i++ {
			out.Effects = append(out.Effects, effects.Request{
				Kind:    "llm.generate",
				CapName: "llm",
				Params:  json.RawMessage(`{"prompt":"p` + string(rune('a'+i)) + `"}`),
			})
		}
		return out, nil
	}
}

func TestInvokeFirstDeliveryCreatesInstance(t *testing.T) {
	h := newHarness(t)
	h.reg.BindName("writer", counter(0))

	_, rec := h.run(t, delivery("writer", key("A"), 1))
	assert.Equal(t, ir.StatusRunning, rec.Status)
	assert.NotEmpty(t, rec.StateHash)

	in, ok := h.rt.Get("writer", key("A"))
	require.True(t, ok)
	assert.Equal(t, int64(1), in.LastEventSeq)
	assert.Equal(t, int64(1000), in.LastActiveNs)

	state, err := h.rt.State("writer", key("A"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"N":1}`, string(state))
}

func TestCellsAreIsolated(t *testing.T) {
	h := newHarness(t)
	h.reg.BindName("writer", counter(0))

	h.run(t, delivery("writer", key("A"), 1))
	h.run(t, delivery("writer", key("A"), 2))
	h.run(t, delivery("writer", key("B"), 3))

	a, err := h.rt.State("writer", key("A"))
	require.NoError(t, err)
	b, err := h.rt.State("writer", key("B"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"N":2}`, string(a))
	assert.JSONEq(t, `{"N":1}`, string(b))
	assert.Len(t, h.rt.Instances(), 2)
}

func TestEffectsMakeInstanceWaiting(t *testing.T) {
	h := newHarness(t)
	h.reg.BindName("writer", counter(2))

	tick, rec := h.run(t, delivery("writer", key("A"), 1))
	require.Len(t, tick.Intents, 2)
	assert.Equal(t, ir.StatusWaiting, rec.Status)
	assert.Len(t, rec.Inflight, 2)
	assert.IsIncreasing(t, rec.Inflight)

	blocked := h.rt.Blocked()
	require.Len(t, blocked, 1)
	assert.Equal(t, "writer", blocked[0].Module)

	for _, hash := range rec.Inflight {
		h.rt.Settle(ir.Origin{Module: "writer", Key: key("A")}, hash)
	}
	in, _ := h.rt.Get("writer", key("A"))
	assert.Empty(t, in.Inflight)
}

func TestPureModuleEffectIsAuthorityFault(t *testing.T) {
	h := newHarness(t)
	h.reg.BindName("echo", counter(1))

	tick, rec := h.run(t, delivery("echo", nil, 1))
	require.NotNil(t, tick.Fault)
	assert.Equal(t, ErrCodeAuthority, tick.Fault.Code)
	assert.Empty(t, tick.Intents)
	assert.Equal(t, ir.StatusFailed, rec.Status)
	assert.Contains(t, rec.Reason, "AUTHORITY")
}

func TestTickFaults(t *testing.T) {
	tests := []struct {
		name string
		step module.Stepper
		want RuntimeErrorCode
	}{
		{
			name: "step error",
			step: module.Func(func(context.Context, module.Input) (module.Output, error) {
				return module.Output{}, errors.New("boom")
			}),
			want: ErrCodeModuleFault,
		},
		{
			name: "too many effects",
			step: counter(3),
			want: ErrCodeLimitExceeded,
		},
		{
			name: "undeclared event",
			step: module.Func(func(context.Context, module.Input) (module.Output, error) {
				return module.Output{State: []byte(`1`), DomainEvents: []module.DomainEvent{{Schema: "demo/Nope@1", Value: json.RawMessage(`{}`)}}}, nil
			}),
			want: ErrCodeInvalidOutput,
		},
		{
			name: "invalid event value",
			step: module.Func(func(context.Context, module.Input) (module.Output, error) {
				return module.Output{State: []byte(`1`), DomainEvents: []module.DomainEvent{{Schema: "demo/Done@1", Value: json.RawMessage(`{"n":"x"}`)}}}, nil
			}),
			want: ErrCodeInvalidOutput,
		},
		{
			name: "invalid params",
			step: module.Func(func(context.Context, module.Input) (module.Output, error) {
				return module.Output{State: []byte(`1`), Effects: []effects.Request{{Kind: "llm.generate", CapName: "llm", Params: json.RawMessage(`{"prompt":1}`)}}}, nil
			}),
			want: ErrCodeInvalidOutput,
		},
		{
			name: "malformed envelope",
			step: stepperFunc(func([]byte) ([]byte, error) { return []byte(`{"status":"sleeping"}`), nil }),
			want: ErrCodeInvalidOutput,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, WithLimits(Limits{MaxEffects: 2, MaxDomainEvents: 4, MaxOutputBytes: 4096}))
			h.reg.BindName("writer", tt.step)

			tick, rec := h.run(t, delivery("writer", key("A"), 1))
			require.NotNil(t, tick.Fault)
			assert.Equal(t, tt.want, tick.Fault.Code)
			assert.Equal(t, ir.StatusFailed, rec.Status)
		})
	}
}

type stepperFunc func([]byte) ([]byte, error)

func (f stepperFunc) Step(_ context.Context, in []byte) ([]byte, error) { return f(in) }

func TestUnresolvedModuleIsFault(t *testing.T) {
	h := newHarness(t)
	h.man.Modules[1].Hash = ir.BlobHash([]byte("missing"))

	tick, _ := h.run(t, delivery("writer", key("A"), 1))
	require.NotNil(t, tick.Fault)
	assert.Equal(t, ErrCodeModuleFault, tick.Fault.Code)
}

func TestOutputSizeLimit(t *testing.T) {
	h := newHarness(t, WithLimits(Limits{MaxOutputBytes: 8}))
	h.reg.BindName("writer", counter(0))

	tick, _ := h.run(t, delivery("writer", key("A"), 1))
	require.NotNil(t, tick.Fault)
	assert.Equal(t, ErrCodeLimitExceeded, tick.Fault.Code)
}

func TestTerminalInstanceSkipsDeliveries(t *testing.T) {
	h := newHarness(t)
	calls := 0
	h.reg.BindName("writer", module.Func(func(context.Context, module.Input) (module.Output, error) {
		calls++
		return module.Output{State: []byte(`"done"`), Status: module.StatusCompleted}, nil
	}))

	_, rec := h.run(t, delivery("writer", key("A"), 1))
	assert.Equal(t, ir.StatusCompleted, rec.Status)

	tick, _ := h.run(t, delivery("writer", key("A"), 2))
	assert.True(t, tick.Skipped)
	assert.Equal(t, 1, calls)
}

func TestCompletedDrainsInflight(t *testing.T) {
	h := newHarness(t)
	h.reg.BindName("writer", module.Func(func(_ context.Context, in module.Input) (module.Output, error) {
		if in.State == nil {
			return counter(1)(context.Background(), in)
		}
		return module.Output{State: in.State, Status: module.StatusCompleted}, nil
	}))

	_, first := h.run(t, delivery("writer", key("A"), 1))
	require.Len(t, first.Inflight, 1)

	_, second := h.run(t, delivery("writer", key("A"), 2))
	assert.Equal(t, ir.StatusCompleted, second.Status)
	assert.Empty(t, second.Inflight)
	assert.Equal(t, first.Inflight, second.Drained)
}

func TestNilStateDeletesInstance(t *testing.T) {
	h := newHarness(t)
	h.reg.BindName("writer", module.Func(func(_ context.Context, in module.Input) (module.Output, error) {
		if in.State == nil {
			return module.Output{State: []byte(`1`)}, nil
		}
		return module.Output{}, nil
	}))

	h.run(t, delivery("writer", key("A"), 1))
	_, rec := h.run(t, delivery("writer", key("A"), 2))
	assert.Equal(t, StatusDeleted, rec.Status)

	_, ok := h.rt.Get("writer", key("A"))
	assert.False(t, ok)
	assert.Empty(t, h.rt.Instances())
}

func TestFail(t *testing.T) {
	h := newHarness(t)
	h.reg.BindName("writer", counter(1))
	_, first := h.run(t, delivery("writer", key("A"), 1))

	origin := ir.Origin{Module: "writer", Key: key("A")}
	rec, ok := h.rt.Fail(origin, 5, 5000, fault(ErrCodeMalformedReceipt, "writer", "bad payload"))
	require.True(t, ok)
	assert.Equal(t, ir.StatusFailed, rec.Status)
	assert.Equal(t, first.Inflight, rec.Drained)

	_, ok = h.rt.Fail(origin, 6, 6000, fault(ErrCodeMalformedReceipt, "writer", "again"))
	assert.False(t, ok, "already terminal")
}

func TestApplyStepRebuildsSameState(t *testing.T) {
	h := newHarness(t)
	h.reg.BindName("writer", counter(1))

	var recs []StepRecord
	for i, k := range []string{"A", "B", "A"} {
		_, rec := h.run(t, delivery("writer", key(k), int64(i+1)))
		recs = append(recs, rec)
	}
	want, err := h.rt.CellRoots()
	require.NoError(t, err)

	fresh := NewRuntime(module.NewRegistry(), NewMemBlobs(nil), h.manager)
	for _, rec := range recs {
		fresh.ApplyStep(rec)
	}
	got, err := fresh.CellRoots()
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, h.rt.Instances(), fresh.Instances())
}

func TestRestore(t *testing.T) {
	h := newHarness(t)
	h.reg.BindName("writer", counter(0))
	h.run(t, delivery("writer", key("A"), 1))

	fresh := NewRuntime(h.reg, NewMemBlobs(nil), h.manager)
	fresh.Restore(h.rt.Instances())
	assert.Equal(t, h.rt.Instances(), fresh.Instances())
}

func TestCellRootChangesWithState(t *testing.T) {
	h := newHarness(t)
	h.reg.BindName("writer", counter(0))

	h.run(t, delivery("writer", key("A"), 1))
	r1, err := h.rt.CellRoots()
	require.NoError(t, err)
	h.run(t, delivery("writer", key("A"), 2))
	r2, err := h.rt.CellRoots()
	require.NoError(t, err)

	assert.Len(t, r1["writer"], 64)
	assert.NotEqual(t, r1["writer"], r2["writer"])
}

func TestMemBlobsDrainFallsThrough(t *testing.T) {
	base := NewMemBlobs(nil)
	overlay := NewMemBlobs(base)

	hash, err := overlay.PutBlob([]byte("s"))
	require.NoError(t, err)
	_, err = base.GetBlob(hash)
	assert.ErrorIs(t, err, ErrBlobNotFound)

	drained := overlay.Drain()
	require.Len(t, drained, 1)
	for h, data := range drained {
		_, err := base.PutBlob(data)
		require.NoError(t, err)
		assert.Equal(t, hash, h)
	}
	assert.Empty(t, overlay.Drain())

	got, err := overlay.GetBlob(hash)
	require.NoError(t, err)
	assert.Equal(t, []byte("s"), got)
}
