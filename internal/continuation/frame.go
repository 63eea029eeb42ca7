package continuation

import "github.com/roach88/worldline/internal/ir"

// Frame drop reasons.
const (
	DropUnknownIntent = "unknown_intent"
	DropFenceMismatch = "fence_mismatch"
	DropStaleSeq      = "stale_seq"
)

// FrameVerdict is the outcome of fencing one stream frame.
//
// Gaps (seq > last+1) are accepted. The verdict carries Gap and the Expected
// seq so the frame record documents the skip; replay reproduces the same
// verdict from the same journal.
type FrameVerdict struct {
	Accepted   bool
	DropReason string
	Gap        bool
	Expected   int64
	Pending    ir.PendingIntent
}

// CheckFrame applies the fencing rules without mutating the index:
//
//  1. no pending intent for intent_id: drop
//  2. emitted_at_seq differs from the recorded fence: drop
//  3. seq <= last_stream_seq: drop (last_stream_seq starts at 0, so seqs are 1-based)
//  4. otherwise accept
func (x *Index) CheckFrame(f ir.StreamFrame) FrameVerdict {
	p, ok := x.entries[f.IntentID]
	if !ok {
		return FrameVerdict{DropReason: DropUnknownIntent}
	}
	v := FrameVerdict{Pending: *p, Expected: p.LastStreamSeq + 1}
	switch {
	case f.EmittedAtSeq != p.EmittedAtSeq:
		v.DropReason = DropFenceMismatch
	case f.Seq <= p.LastStreamSeq:
		v.DropReason = DropStaleSeq
	default:
		v.Accepted = true
		v.Gap = f.Seq > v.Expected
	}
	return v
}

// Advance moves last_stream_seq forward. It never moves backwards.
func (x *Index) Advance(hash string, seq int64) bool {
	p, ok := x.entries[hash]
	if !ok || seq <= p.LastStreamSeq {
		return false
	}
	p.LastStreamSeq = seq
	return true
}

// AcceptFrame checks a frame and, when accepted, advances the stream seq.
func (x *Index) AcceptFrame(f ir.StreamFrame) FrameVerdict {
	v := x.CheckFrame(f)
	if v.Accepted {
		x.Advance(f.IntentID, f.Seq)
		v.Pending.LastStreamSeq = f.Seq
	}
	return v
}
