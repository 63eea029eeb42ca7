package adapter

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/worldline/internal/effects"
	"github.com/roach88/worldline/internal/ir"
	"github.com/roach88/worldline/internal/journal"
	"github.com/roach88/worldline/internal/kernel"
	"github.com/roach88/worldline/internal/manifest"
	"github.com/roach88/worldline/internal/module"
	"github.com/roach88/worldline/internal/schema"
	"github.com/roach88/worldline/internal/testutil"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func intent(kind, hash string) ir.EffectIntent {
	return ir.EffectIntent{IntentHash: hash, Kind: kind, Params: json.RawMessage(`{}`)}
}

func TestMuxRouting(t *testing.T) {
	var got []string
	record := func(name string) effects.Dispatcher {
		return DispatcherFunc(func(_ context.Context, in ir.EffectIntent) error {
			got = append(got, name+":"+in.Kind)
			return nil
		})
	}
	m := NewMux()
	m.Handle("llm.*", record("llm"))
	m.Handle("llm.embed", record("embed"))
	m.Handle("http.get", record("http"))

	ctx := context.Background()
	require.NoError(t, m.Dispatch(ctx, intent("llm.generate", "a")))
	require.NoError(t, m.Dispatch(ctx, intent("llm.embed", "b")))
	require.NoError(t, m.Dispatch(ctx, intent("http.get", "c")))
	assert.Equal(t, []string{"llm:llm.generate", "embed:llm.embed", "http:http.get"}, got)

	err := m.Dispatch(ctx, intent("blob.put", "d"))
	assert.True(t, errors.Is(err, ErrNoRoute))
	assert.Error(t, m.Dispatch(ctx, intent("llmx", "e")), "prefix needs the dot")

	m.Handle("*", record("any"))
	require.NoError(t, m.Dispatch(ctx, intent("blob.put", "f")))
	require.NoError(t, m.Dispatch(ctx, intent("llm.chat", "g")))
	assert.Equal(t, "any:blob.put", got[3])
	assert.Equal(t, "llm:llm.chat", got[4], "prefix beats the fallback")
}

func TestRecorder(t *testing.T) {
	var r Recorder
	ctx := context.Background()
	require.NoError(t, r.Dispatch(ctx, intent("a.x", "1")))
	require.NoError(t, r.Dispatch(ctx, intent("b.x", "2")))
	require.NoError(t, r.Dispatch(ctx, intent("a.x", "3")))

	assert.Len(t, r.Intents(), 3)
	last, ok := r.Last("a.x")
	require.True(t, ok)
	assert.Equal(t, "3", last.IntentHash)
	_, ok = r.Last("c.x")
	assert.False(t, ok)

	r.Reset()
	assert.Empty(t, r.Intents())
}

func TestSignerProducesVerifiableReceipts(t *testing.T) {
	s := NewSigner("llm", testutil.AdapterKey("llm"))
	assert.Equal(t, testutil.PublicKeyBase64("llm"), s.PublicKeyBase64())

	pub, err := base64.StdEncoding.DecodeString(s.PublicKeyBase64())
	require.NoError(t, err)

	ok, err := s.OK("h1", map[string]string{"text": "hi"}, 3)
	require.NoError(t, err)
	assert.Equal(t, "llm", ok.AdapterID)
	assert.Equal(t, `{"text":"hi"}`, string(ok.Payload))
	assert.True(t, ed25519.Verify(pub, ok.SigningBytes(), ok.Signature))

	fail, err := s.Fail("h2", ir.ReceiptTimeout, "")
	require.NoError(t, err)
	assert.Empty(t, fail.Payload)
	assert.True(t, ed25519.Verify(pub, fail.SigningBytes(), fail.Signature))

	_, err = s.Fail("h3", ir.ReceiptOK, "nope")
	assert.Error(t, err)

	_, err = s.OK("h4", map[string]any{"x": 1.5}, 0)
	assert.Error(t, err, "floats are not canonical")
}

func TestTimerFiresInDeadlineOrder(t *testing.T) {
	var fired []string
	sink := SinkFunc(func(in kernel.Input) error {
		fired = append(fired, in.Receipt.IntentHash)
		return nil
	})
	tm := NewTimer(NewSigner("timer", testutil.AdapterKey("timer")), sink, quiet)
	ctx := context.Background()

	arm := func(hash string, at int64) {
		in := ir.EffectIntent{IntentHash: hash, Kind: KindTimerSet, Params: json.RawMessage(`{"deliver_at_ns":` + itoa(at) + `}`)}
		require.NoError(t, tm.Dispatch(ctx, in))
	}
	arm("c", 300)
	arm("b", 100)
	arm("a", 100)
	arm("b", 100)
	assert.Equal(t, 3, tm.Len())

	next, ok := tm.Next()
	require.True(t, ok)
	assert.Equal(t, int64(100), next)

	n, err := tm.Advance(99)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = tm.Advance(200)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"a", "b"}, fired)

	n, err = tm.Advance(1_000)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, tm.Len())

	assert.Error(t, tm.Dispatch(ctx, intent("llm.generate", "x")))
}

func itoa(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

// A timer-driven workflow end to end: arm, advance, settle, restore.
func TestTimerDrivesWorkflow(t *testing.T) {
	ctx := context.Background()
	signer := NewSigner("timer", testutil.AdapterKey("timer"))

	man := &manifest.Manifest{
		Version: 1,
		Modules: []manifest.Module{{
			Name: "alarm", Kind: manifest.KindWorkflow, Effects: []string{KindTimerSet},
			Caps: map[string]string{CapTimer: "timers"}, Key: &schema.Field{Type: schema.TypeString},
		}},
		Routing:  []manifest.Route{{Event: "demo/Arm@1", Module: "alarm", KeyField: "id"}},
		Effects:  []manifest.Effect{TimerEffect("timer")},
		Grants:   []manifest.Grant{{Name: "timers", CapType: CapTimer}},
		Adapters: []manifest.Adapter{{ID: "timer", PublicKey: signer.PublicKeyBase64()}},
		Policy:   []manifest.Rule{{Name: "timers", EffectKind: KindTimerSet, Decision: manifest.DecisionAllow}},
		Events: []manifest.Event{{Schema: "demo/Arm@1", Fields: schema.Schema{Fields: map[string]schema.Field{
			"id": {Type: schema.TypeString, Required: true},
			"at": {Type: schema.TypeInt, Required: true},
		}}}},
	}

	reg := module.NewRegistry()
	reg.BindName("alarm", module.Func(func(_ context.Context, in module.Input) (module.Output, error) {
		if in.Event.Schema == ir.SchemaEffectReceipt {
			return module.Output{State: []byte(`{"rang":true}`), Status: module.StatusCompleted}, nil
		}
		var ev struct {
			At int64 `json:"at"`
		}
		if err := json.Unmarshal(in.Event.Value, &ev); err != nil {
			return module.Output{}, err
		}
		params, _ := json.Marshal(map[string]int64{"deliver_at_ns": ev.At})
		return module.Output{
			State:   []byte(`{"rang":false}`),
			Effects: []effects.Request{{Kind: KindTimerSet, CapName: CapTimer, Params: params}},
		}, nil
	}))

	var inbox []kernel.Input
	tm := NewTimer(signer, SinkFunc(func(in kernel.Input) error {
		inbox = append(inbox, in)
		return nil
	}), quiet)

	j, err := journal.Open(":memory:")
	require.NoError(t, err)
	defer j.Close()
	clock := testutil.NewLogicalTime(0)
	w, err := kernel.Open(ctx, j, reg,
		kernel.WithGenesis(man),
		kernel.WithDispatcher(tm),
		kernel.WithClock(clock),
		kernel.WithLogger(quiet))
	require.NoError(t, err)

	clock.Set(10)
	_, err = w.Submit(ctx, kernel.EventInput("demo/Arm@1", json.RawMessage(`{"id":"wake","at":500}`)))
	require.NoError(t, err)
	require.Equal(t, 1, tm.Len())

	n, err := tm.Advance(400)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Set(600)
	n, err = tm.Advance(clock.Now())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	for _, in := range inbox {
		_, err := w.Submit(ctx, in)
		require.NoError(t, err)
	}

	inst, ok := w.Instance("alarm", json.RawMessage(`"wake"`))
	require.True(t, ok)
	assert.Equal(t, ir.StatusCompleted, inst.Status)
	assert.Empty(t, w.PendingIntents())

	_, err = kernel.Verify(ctx, j, reg, kernel.WithLogger(quiet))
	assert.NoError(t, err)
}
