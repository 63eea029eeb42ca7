package kernel

import (
	"encoding/json"

	"github.com/roach88/worldline/internal/ir"
)

// EventRecord is the body of a domain_event record. Emitter is nil for
// external events, which are inputs; emitted events are derived.
type EventRecord struct {
	Schema   string          `json:"schema"`
	Value    json.RawMessage `json:"value"`
	Emitter  *ir.Origin      `json:"emitter,omitempty"`
	CauseSeq int64           `json:"cause_seq,omitempty"`
	NowNs    int64           `json:"now_ns"`
}

// ReceiptRecord is the body of a receipt record. The raw payload and the
// signature are kept so that the receipt can be re-verified on replay.
type ReceiptRecord struct {
	IntentHash string           `json:"intent_hash"`
	AdapterID  string           `json:"adapter_id"`
	Status     ir.ReceiptStatus `json:"status"`
	Payload    []byte           `json:"payload"`
	Cost       int64            `json:"cost,omitempty"`
	Signature  []byte           `json:"signature"`
	Outcome    string           `json:"outcome"`
	Reason     string           `json:"reason,omitempty"`
	NowNs      int64            `json:"now_ns"`
}

// Receipt rebuilds the inbound receipt.
func (r ReceiptRecord) Receipt() ir.Receipt {
	return ir.Receipt{
		IntentHash: r.IntentHash,
		AdapterID:  r.AdapterID,
		Status:     r.Status,
		Payload:    r.Payload,
		Cost:       r.Cost,
		Signature:  r.Signature,
	}
}

// FrameRecord is the body of a stream_frame record. Gap and Expected
// document a skipped stream seq; gaps are accepted.
type FrameRecord struct {
	IntentID     string          `json:"intent_id"`
	Seq          int64           `json:"seq"`
	EmittedAtSeq int64           `json:"emitted_at_seq"`
	Kind         string          `json:"kind"`
	Payload      json.RawMessage `json:"payload"`
	Gap          bool            `json:"gap,omitempty"`
	Expected     int64           `json:"expected,omitempty"`
	NowNs        int64           `json:"now_ns"`
}

// Frame rebuilds the inbound frame.
func (r FrameRecord) Frame() ir.StreamFrame {
	return ir.StreamFrame{
		IntentID:     r.IntentID,
		Seq:          r.Seq,
		EmittedAtSeq: r.EmittedAtSeq,
		Kind:         r.Kind,
		Payload:      r.Payload,
	}
}

// ManifestSwapRecord is the body of a manifest_swap record. Blob is the
// content address of the canonical manifest encoding.
type ManifestSwapRecord struct {
	ManifestHash string `json:"manifest_hash"`
	Blob         string `json:"blob"`
	Version      int64  `json:"version"`
	NowNs        int64  `json:"now_ns"`
}

// ReceiptEvent is the value of a sys/EffectReceipt@1 delivery.
type ReceiptEvent struct {
	IntentHash string           `json:"intent_hash"`
	Kind       string           `json:"kind"`
	AdapterID  string           `json:"adapter_id"`
	Status     ir.ReceiptStatus `json:"status"`
	Payload    json.RawMessage  `json:"payload"`
	Cost       int64            `json:"cost"`
}

// RejectedEvent is the value of a sys/ReceiptRejected@1 delivery.
type RejectedEvent struct {
	IntentHash string           `json:"intent_hash"`
	Kind       string           `json:"kind"`
	AdapterID  string           `json:"adapter_id"`
	Status     ir.ReceiptStatus `json:"status"`
	Reason     string           `json:"reason"`
}

// FrameEvent is the value of a sys/StreamFrame@1 delivery.
type FrameEvent struct {
	IntentHash string          `json:"intent_hash"`
	EffectKind string          `json:"effect_kind"`
	Kind       string          `json:"kind"`
	Seq        int64           `json:"seq"`
	Payload    json.RawMessage `json:"payload"`
	Gap        bool            `json:"gap,omitempty"`
}

// isInput reports whether a record is an input to the world rather than a
// consequence of one. Verify re-submits inputs and compares everything else.
func isInput(kind string, body []byte) bool {
	switch kind {
	case ir.RecordReceipt, ir.RecordStreamFrame, ir.RecordManifestSwap, ir.RecordSnapshot:
		return true
	case ir.RecordDomainEvent:
		var ev struct {
			Emitter *ir.Origin `json:"emitter"`
		}
		return json.Unmarshal(body, &ev) == nil && ev.Emitter == nil
	}
	return false
}
