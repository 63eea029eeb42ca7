package effects

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/worldline/internal/continuation"
	"github.com/roach88/worldline/internal/gate"
	"github.com/roach88/worldline/internal/ir"
	"github.com/roach88/worldline/internal/manifest"
	"github.com/roach88/worldline/internal/schema"
	"github.com/roach88/worldline/internal/testutil"
)

type fakeDispatcher struct {
	sent []ir.EffectIntent
}

func (d *fakeDispatcher) Dispatch(_ context.Context, intent ir.EffectIntent) error {
	d.sent = append(d.sent, intent)
	return nil
}

func testManifest() *manifest.Manifest {
	return &manifest.Manifest{
		Version: 1,
		Modules: []manifest.Module{
			{Name: "writer", Kind: manifest.KindWorkflow, Effects: []string{"llm.generate"},
				Caps: map[string]string{"llm": "llm_basic"}, Key: &schema.Field{Type: schema.TypeString}},
			{Name: "summarizer", Kind: manifest.KindPure},
		},
		Effects: []manifest.Effect{{
			Kind: "llm.generate", CapType: "llm", Adapter: "llm",
			Params:  schema.Schema{Fields: map[string]schema.Field{"prompt": {Type: schema.TypeString, Required: true}}},
			Receipt: schema.Schema{Fields: map[string]schema.Field{"text": {Type: schema.TypeString, Required: true}}},
		}},
		Grants:   []manifest.Grant{{Name: "llm_basic", CapType: "llm"}},
		Adapters: []manifest.Adapter{{ID: "llm", PublicKey: testutil.PublicKeyBase64("llm")}},
		Policy:   []manifest.Rule{{Name: "allow-llm", EffectKind: "llm.generate", Decision: manifest.DecisionAllow}},
	}
}

func newTestManager(t *testing.T) (*Manager, *testutil.RecordSink, *fakeDispatcher) {
	t.Helper()
	sink := &testutil.RecordSink{}
	disp := &fakeDispatcher{}
	m := NewManager(continuation.NewIndex(), sink,
		WithDispatcher(disp),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	return m, sink, disp
}

func origin(key string) ir.Origin {
	return ir.Origin{Module: "writer", Key: json.RawMessage(`"` + key + `"`)}
}

func llmRequest() Request {
	return Request{Kind: "llm.generate", CapName: "llm", Params: json.RawMessage(`{"prompt": "hello"}`)}
}

func TestEnqueueAdmits(t *testing.T) {
	m, sink, disp := newTestManager(t)
	ctx := context.Background()

	hash, err := m.Enqueue(ctx, testManifest(), origin("A"), llmRequest(), 0)
	require.NoError(t, err)
	assert.Len(t, hash, 64)

	assert.Equal(t, []string{ir.RecordPolicyDecision, ir.RecordEffectIntent}, sink.Kinds())

	p, ok := m.Index().Get(hash)
	require.True(t, ok)
	assert.Equal(t, int64(2), p.EmittedAtSeq, "fence is the seq of the intent record")

	assert.Empty(t, disp.sent, "dispatch waits for Flush")
	m.Flush(ctx)
	require.Len(t, disp.sent, 1)
	assert.Equal(t, `{"prompt":"hello"}`, string(disp.sent[0].Params))
}

func TestEnqueueDistinctOriginsNoCrossTalk(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	hA, err := m.Enqueue(ctx, testManifest(), origin("A"), llmRequest(), 0)
	require.NoError(t, err)
	hB, err := m.Enqueue(ctx, testManifest(), origin("B"), llmRequest(), 0)
	require.NoError(t, err)

	assert.NotEqual(t, hA, hB)
	assert.Equal(t, 2, m.Index().Len())
}

func TestEnqueueDuplicateIsNoop(t *testing.T) {
	m, sink, _ := newTestManager(t)
	ctx := context.Background()

	h1, err := m.Enqueue(ctx, testManifest(), origin("A"), llmRequest(), 0)
	require.NoError(t, err)
	h2, err := m.Enqueue(ctx, testManifest(), origin("A"), llmRequest(), 0)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Len(t, sink.Records, 2, "second enqueue journals nothing")
}

func TestEnqueueAuthorityBeforeGate(t *testing.T) {
	tests := []struct {
		name   string
		origin ir.Origin
		kind   string
	}{
		{"pure module", ir.Origin{Module: "summarizer"}, "llm.generate"},
		{"undeclared module", ir.Origin{Module: "ghost"}, "llm.generate"},
		{"kind not allowlisted", origin("A"), "http.request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, sink, _ := newTestManager(t)
			req := llmRequest()
			req.Kind = tt.kind
			_, err := m.Enqueue(context.Background(), testManifest(), tt.origin, req, 0)
			require.Error(t, err)
			assert.True(t, IsAuthorityError(err))
			assert.Empty(t, sink.Records, "authority failures never reach the gate")
		})
	}
}

func TestEnqueueInvalidParams(t *testing.T) {
	m, sink, _ := newTestManager(t)
	req := llmRequest()
	req.Params = json.RawMessage(`{"prompt": 3}`)

	_, err := m.Enqueue(context.Background(), testManifest(), origin("A"), req, 0)
	require.Error(t, err)
	assert.True(t, schema.IsValidationError(err))
	assert.Empty(t, sink.Records)
}

func TestEnqueueDeniedIsJournaled(t *testing.T) {
	m, sink, disp := newTestManager(t)
	man := testManifest()
	man.Policy = nil

	_, err := m.Enqueue(context.Background(), man, origin("A"), llmRequest(), 0)
	require.Error(t, err)
	assert.True(t, gate.IsDenied(err))

	assert.Equal(t, []string{ir.RecordPolicyDecision}, sink.Kinds())
	assert.Contains(t, string(sink.Records[0].Body), `"code":"PolicyDenied"`)
	assert.Equal(t, 0, m.Index().Len())

	m.Flush(context.Background())
	assert.Empty(t, disp.sent)
}

func admit(t *testing.T, m *Manager, key string) string {
	t.Helper()
	h, err := m.Enqueue(context.Background(), testManifest(), origin(key), llmRequest(), 0)
	require.NoError(t, err)
	return h
}

func TestCheckReceipt(t *testing.T) {
	m, _, _ := newTestManager(t)
	man := testManifest()
	hash := admit(t, m, "A")

	tests := []struct {
		name    string
		receipt ir.Receipt
		outcome string
		wantErr error
	}{
		{
			name:    "ok",
			receipt: testutil.SignReceipt("llm", ir.Receipt{IntentHash: hash, Status: ir.ReceiptOK, Payload: []byte(`{"text":"hi"}`)}),
			outcome: OutcomeSettled,
		},
		{
			name:    "error status accepts any object",
			receipt: testutil.SignReceipt("llm", ir.Receipt{IntentHash: hash, Status: ir.ReceiptError, Payload: []byte(`{"message":"boom"}`)}),
			outcome: OutcomeSettled,
		},
		{
			name:    "malformed payload",
			receipt: testutil.SignReceipt("llm", ir.Receipt{IntentHash: hash, Status: ir.ReceiptOK, Payload: []byte(`{"text":1.5}`)}),
			outcome: OutcomeRejected,
		},
		{
			name:    "schema mismatch",
			receipt: testutil.SignReceipt("llm", ir.Receipt{IntentHash: hash, Status: ir.ReceiptOK, Payload: []byte(`{"other":"x"}`)}),
			outcome: OutcomeRejected,
		},
		{
			name:    "unknown intent",
			receipt: testutil.SignReceipt("llm", ir.Receipt{IntentHash: "nope", Status: ir.ReceiptOK, Payload: []byte(`{"text":"hi"}`)}),
			outcome: OutcomeDropped,
		},
		{
			name:    "wrong key",
			receipt: testutil.SignReceipt("intruder", ir.Receipt{IntentHash: hash, Status: ir.ReceiptOK, Payload: []byte(`{"text":"hi"}`)}),
			wantErr: ErrAdapterMismatch,
		},
		{
			name: "tampered",
			receipt: func() ir.Receipt {
				r := testutil.SignReceipt("llm", ir.Receipt{IntentHash: hash, Status: ir.ReceiptOK, Payload: []byte(`{"text":"hi"}`)})
				r.Payload = []byte(`{"text":"bye"}`)
				return r
			}(),
			wantErr: ErrInvalidSignature,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := m.CheckReceipt(man, tt.receipt)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.outcome, s.Outcome)
		})
	}
	assert.True(t, m.Index().Has(hash), "CheckReceipt never mutates")
}

func TestSettleAtMostOnce(t *testing.T) {
	m, _, _ := newTestManager(t)
	man := testManifest()
	hash := admit(t, m, "A")
	r := testutil.SignReceipt("llm", ir.Receipt{IntentHash: hash, Status: ir.ReceiptOK, Payload: []byte(`{"text":"hi"}`)})

	s, err := m.CheckReceipt(man, r)
	require.NoError(t, err)
	require.Equal(t, OutcomeSettled, s.Outcome)
	assert.Equal(t, `{"text":"hi"}`, string(s.Payload))
	m.Settle(context.Background(), s)

	s, err = m.CheckReceipt(man, r)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDropped, s.Outcome)
	assert.Equal(t, "already settled", s.Reason)
}

func TestSettledIntentCannotBeReadmitted(t *testing.T) {
	m, sink, disp := newTestManager(t)
	man := testManifest()
	ctx := context.Background()
	hash := admit(t, m, "A")
	m.Flush(ctx)

	s, err := m.CheckReceipt(man, testutil.SignReceipt("llm", ir.Receipt{IntentHash: hash, Status: ir.ReceiptOK, Payload: []byte(`{"text":"hi"}`)}))
	require.NoError(t, err)
	m.Settle(ctx, s)
	before := len(sink.Records)

	_, err = m.Enqueue(ctx, man, origin("A"), llmRequest(), 0)
	var denial *gate.DenialError
	require.ErrorAs(t, err, &denial)
	assert.Equal(t, IntentSettled, denial.Code)

	require.Len(t, sink.Records, before+1, "only the denial is journaled")
	last := sink.Records[len(sink.Records)-1]
	assert.Equal(t, ir.RecordPolicyDecision, last.Kind)
	var dec DecisionRecord
	require.NoError(t, json.Unmarshal(last.Body, &dec))
	assert.Equal(t, hash, dec.IntentHash)
	assert.False(t, dec.Decision.Allowed)
	assert.Equal(t, StageSettled, dec.Decision.Stage)

	assert.False(t, m.Index().Has(hash))
	m.Flush(ctx)
	assert.Len(t, disp.sent, 1)

	s, err = m.CheckReceipt(man, testutil.SignReceipt("llm", ir.Receipt{IntentHash: hash, Status: ir.ReceiptOK, Payload: []byte(`{"text":"again"}`)}))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDropped, s.Outcome)
}

func TestFrames(t *testing.T) {
	m, _, _ := newTestManager(t)
	hash := admit(t, m, "A")
	p, _ := m.Index().Get(hash)

	f := ir.StreamFrame{IntentID: hash, Seq: 1, EmittedAtSeq: p.EmittedAtSeq, Kind: "token", Payload: json.RawMessage(`{"t": "h"}`)}
	v, payload, err := m.CheckFrame(f)
	require.NoError(t, err)
	require.True(t, v.Accepted)
	assert.Equal(t, `{"t":"h"}`, string(payload))
	m.AcceptFrame(context.Background(), f)

	v, _, err = m.CheckFrame(f)
	require.NoError(t, err)
	assert.False(t, v.Accepted)

	bad := f
	bad.Seq = 2
	bad.Payload = json.RawMessage(`[1]`)
	_, _, err = m.CheckFrame(bad)
	require.Error(t, err)
}

func TestRedispatchOnlyPending(t *testing.T) {
	m, _, disp := newTestManager(t)
	hash := admit(t, m, "A")
	m.Discard()

	n := m.Redispatch(context.Background(), []ir.EffectIntent{{IntentHash: hash}, {IntentHash: "settled"}})
	assert.Equal(t, 1, n)
	assert.Len(t, disp.sent, 1)
}
