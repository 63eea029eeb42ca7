package module

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/worldline/internal/effects"
)

func TestFuncRoundTrip(t *testing.T) {
	var seen Input
	f := Func(func(_ context.Context, in Input) (Output, error) {
		seen = in
		return Output{
			State:        []byte("s1"),
			DomainEvents: []DomainEvent{{Schema: "demo/Done@1", Value: json.RawMessage(`{"ok":true}`)}},
			Effects:      []effects.Request{{Kind: "timer.set", CapName: "timer", Params: json.RawMessage(`{"deliver_at_ns":5}`)}},
		}, nil
	})

	in, err := EncodeInput(Input{
		Event: Event{Schema: "demo/Start@1", Value: json.RawMessage(`{}`), Key: json.RawMessage(`"K"`)},
		Ctx:   Context{Key: json.RawMessage(`"K"`), CellMode: true, NowNs: 9},
	})
	require.NoError(t, err)
	assert.Contains(t, string(in), `"state":null`)

	outBytes, err := f.Step(context.Background(), in)
	require.NoError(t, err)

	assert.Nil(t, seen.State)
	assert.True(t, seen.Ctx.CellMode)
	assert.Equal(t, int64(9), seen.Ctx.NowNs)

	out, err := DecodeOutput(outBytes)
	require.NoError(t, err)
	assert.Equal(t, []byte("s1"), out.State)
	require.Len(t, out.Effects, 1)
	assert.Equal(t, "timer.set", out.Effects[0].Kind)
}

func TestDecodeOutputNullStateDeletes(t *testing.T) {
	out, err := DecodeOutput([]byte(`{"state":null}`))
	require.NoError(t, err)
	assert.Nil(t, out.State)

	out, err = DecodeOutput([]byte(`{"state":""}`))
	require.NoError(t, err)
	assert.NotNil(t, out.State, "empty state is not deletion")
}

func TestDecodeOutputRejectsUnknownStatus(t *testing.T) {
	_, err := DecodeOutput([]byte(`{"state":null,"status":"paused"}`))
	require.Error(t, err)

	_, err = DecodeOutput([]byte(`not json`))
	require.Error(t, err)
}

func TestFuncPropagatesError(t *testing.T) {
	f := Func(func(context.Context, Input) (Output, error) { return Output{}, errors.New("boom") })
	in, err := EncodeInput(Input{Event: Event{Schema: "x", Value: json.RawMessage(`{}`)}})
	require.NoError(t, err)
	_, err = f.Step(context.Background(), in)
	require.EqualError(t, err, "boom")
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	noop := Func(func(context.Context, Input) (Output, error) { return Output{}, nil })

	hash := r.Register([]byte("module code v1"), noop)
	assert.Len(t, hash, 64)

	s, err := r.Resolve("m", hash)
	require.NoError(t, err)
	assert.NotNil(t, s)

	_, err = r.Resolve("m", "deadbeef")
	require.Error(t, err, "declared hash never falls back to name")

	r.BindName("m", noop)
	_, err = r.Resolve("m", "")
	require.NoError(t, err)

	_, err = r.Resolve("other", "")
	require.Error(t, err)
}
