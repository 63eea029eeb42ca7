package continuation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/worldline/internal/ir"
)

func pending(hash, module, key string, fence int64) ir.PendingIntent {
	o := ir.Origin{Module: module}
	if key != "" {
		o.Key = json.RawMessage(`"` + key + `"`)
	}
	return ir.PendingIntent{IntentHash: hash, Kind: "http.request", Origin: o, EmittedAtSeq: fence}
}

func TestIndexLifecycle(t *testing.T) {
	x := NewIndex()
	require.NoError(t, x.Add(pending("b", "m", "K1", 3)))
	require.NoError(t, x.Add(pending("a", "m", "K2", 4)))
	require.Error(t, x.Add(pending("a", "m", "K2", 4)), "duplicate hash")

	assert.Equal(t, 2, x.Len())
	assert.True(t, x.Has("a"))

	entries := x.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].IntentHash, "entries sorted by hash")

	p, ok := x.Remove("b")
	require.True(t, ok)
	assert.Equal(t, int64(3), p.EmittedAtSeq)

	_, ok = x.Remove("b")
	assert.False(t, ok, "second removal is a no-op")
}

func TestRemovedHashesStayClosed(t *testing.T) {
	x := NewIndex()
	require.NoError(t, x.Add(pending("settled", "m", "A", 1)))
	require.NoError(t, x.Add(pending("drained", "m", "A", 2)))
	assert.False(t, x.Closed("settled"))

	_, ok := x.Remove("settled")
	require.True(t, ok)
	assert.Equal(t, 1, x.RemoveAll([]string{"drained", "never-added"}))

	assert.True(t, x.Closed("settled"))
	assert.True(t, x.Closed("drained"))
	assert.False(t, x.Closed("never-added"))
	assert.Equal(t, []string{"drained", "settled"}, x.ClosedHashes())

	err := x.Add(pending("settled", "m", "A", 7))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already settled")
	assert.Zero(t, x.Len())
}

func TestForOriginSeparatesKeys(t *testing.T) {
	x := NewIndex()
	require.NoError(t, x.Add(pending("h1", "m", "A", 1)))
	require.NoError(t, x.Add(pending("h2", "m", "B", 2)))
	require.NoError(t, x.Add(pending("h3", "m", "A", 3)))
	require.NoError(t, x.Add(pending("h4", "other", "A", 4)))

	got := x.ForOrigin(ir.Origin{Module: "m", Key: json.RawMessage(`"A"`)})
	require.Len(t, got, 2)
	assert.Equal(t, "h1", got[0].IntentHash)
	assert.Equal(t, "h3", got[1].IntentHash)

	assert.Equal(t, 2, x.RemoveAll([]string{"h1", "h3", "missing"}))
	assert.Equal(t, 2, x.Len())
}

func TestRestore(t *testing.T) {
	x := NewIndex()
	require.NoError(t, x.Add(pending("old", "m", "", 1)))

	x.Remove("old")

	require.NoError(t, x.Restore([]ir.PendingIntent{pending("new", "m", "", 9)}, []string{"gone"}))
	assert.False(t, x.Has("old"))
	assert.False(t, x.Closed("old"))
	assert.True(t, x.Has("new"))
	assert.True(t, x.Closed("gone"))

	assert.Error(t, x.Restore([]ir.PendingIntent{pending("gone", "m", "", 9)}, []string{"gone"}))
}

func TestFrameFencing(t *testing.T) {
	x := NewIndex()
	require.NoError(t, x.Add(pending("h", "m", "K", 5)))

	frame := func(seq, fence int64) ir.StreamFrame {
		return ir.StreamFrame{IntentID: "h", Seq: seq, EmittedAtSeq: fence, Kind: "progress", Payload: json.RawMessage(`{}`)}
	}

	v := x.AcceptFrame(ir.StreamFrame{IntentID: "nope", Seq: 1, EmittedAtSeq: 5})
	assert.False(t, v.Accepted)
	assert.Equal(t, DropUnknownIntent, v.DropReason)

	v = x.AcceptFrame(frame(1, 4))
	assert.False(t, v.Accepted)
	assert.Equal(t, DropFenceMismatch, v.DropReason)

	v = x.AcceptFrame(frame(1, 5))
	assert.True(t, v.Accepted)
	assert.False(t, v.Gap)

	v = x.AcceptFrame(frame(1, 5))
	assert.False(t, v.Accepted)
	assert.Equal(t, DropStaleSeq, v.DropReason)

	v = x.AcceptFrame(frame(4, 5))
	assert.True(t, v.Accepted)
	assert.True(t, v.Gap)
	assert.Equal(t, int64(2), v.Expected)

	v = x.AcceptFrame(frame(3, 5))
	assert.False(t, v.Accepted, "seq behind last accepted is stale")

	p, _ := x.Get("h")
	assert.Equal(t, int64(4), p.LastStreamSeq)
}

func TestCheckFrameDoesNotMutate(t *testing.T) {
	x := NewIndex()
	require.NoError(t, x.Add(pending("h", "m", "", 1)))

	v := x.CheckFrame(ir.StreamFrame{IntentID: "h", Seq: 1, EmittedAtSeq: 1})
	assert.True(t, v.Accepted)
	p, _ := x.Get("h")
	assert.Equal(t, int64(0), p.LastStreamSeq)

	assert.False(t, x.Advance("h", 0), "never moves backwards")
	assert.True(t, x.Advance("h", 2))
}

func TestFrameSeqsStartAtOne(t *testing.T) {
	x := NewIndex()
	require.NoError(t, x.Add(pending("h", "m", "K", 5)))

	v := x.AcceptFrame(ir.StreamFrame{IntentID: "h", Seq: 0, EmittedAtSeq: 5, Kind: "progress"})
	assert.False(t, v.Accepted)
	assert.Equal(t, DropStaleSeq, v.DropReason)

	v = x.AcceptFrame(ir.StreamFrame{IntentID: "h", Seq: 1, EmittedAtSeq: 5, Kind: "progress"})
	assert.True(t, v.Accepted)
	assert.False(t, v.Gap)
}
