package ir

import (
	"encoding/json"
	"fmt"
)

// Origin identifies the instance that emitted an intent.
// Key is the canonical JSON of the cell key, empty for unkeyed modules.
type Origin struct {
	Module string          `json:"module"`
	Key    json.RawMessage `json:"key,omitempty"`
}

// String renders module or module[key] for logs and error messages.
func (o Origin) String() string {
	if len(o.Key) == 0 {
		return o.Module
	}
	return fmt.Sprintf("%s[%s]", o.Module, o.Key)
}

// EffectIntent is an admitted or candidate request to perform one external effect.
// Params is canonical JSON. Immutable once hashed.
type EffectIntent struct {
	IntentHash     string          `json:"intent_hash"`
	Kind           string          `json:"kind"`
	Params         json.RawMessage `json:"params"`
	CapName        string          `json:"cap_name"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Origin         Origin          `json:"origin"`
}

// PendingIntent routes receipts and stream frames back to the emitter.
// EmittedAtSeq is the journal seq of the intent record and acts as the
// stream fence.
type PendingIntent struct {
	IntentHash    string `json:"intent_hash"`
	Kind          string `json:"kind"`
	Origin        Origin `json:"origin"`
	EmittedAtSeq  int64  `json:"emitted_at_seq"`
	LastStreamSeq int64  `json:"last_stream_seq"`
}

// ReceiptStatus is the adapter-reported outcome of an intent.
type ReceiptStatus string

const (
	ReceiptOK      ReceiptStatus = "ok"
	ReceiptError   ReceiptStatus = "error"
	ReceiptTimeout ReceiptStatus = "timeout"
)

// Valid reports whether s is one of the three terminal statuses.
func (s ReceiptStatus) Valid() bool {
	switch s {
	case ReceiptOK, ReceiptError, ReceiptTimeout:
		return true
	}
	return false
}

// Receipt is the signed terminal outcome of one intent.
// Payload holds the adapter's raw JSON bytes; it is only trusted after it
// decodes against the effect's receipt schema.
type Receipt struct {
	IntentHash string        `json:"intent_hash"`
	AdapterID  string        `json:"adapter_id"`
	Status     ReceiptStatus `json:"status"`
	Payload    []byte        `json:"payload"`
	Cost       int64         `json:"cost,omitempty"`
	Signature  []byte        `json:"signature,omitempty"`
}

// SigningBytes returns the canonical preimage an adapter signs.
// The payload is covered as raw bytes so malformed payloads still verify.
func (r Receipt) SigningBytes() []byte {
	payload := r.Payload
	if payload == nil {
		payload = []byte{}
	}
	return MustCanonicalJSON(struct {
		IntentHash string        `json:"intent_hash"`
		AdapterID  string        `json:"adapter_id"`
		Status     ReceiptStatus `json:"status"`
		Payload    []byte        `json:"payload"`
		Cost       int64         `json:"cost"`
	}{r.IntentHash, r.AdapterID, r.Status, payload, r.Cost})
}

// StreamFrame is a non-terminal progress update for a pending intent.
type StreamFrame struct {
	IntentID string `json:"intent_id"`
	// Seq numbers frames per intent starting at 1. A pending intent starts
	// with last_stream_seq 0, so a frame with seq 0 is always stale.
	Seq          int64           `json:"seq"`
	EmittedAtSeq int64           `json:"emitted_at_seq"`
	Kind         string          `json:"kind"`
	Payload      json.RawMessage `json:"payload"`
}

// InstanceStatus is the workflow instance state machine position.
type InstanceStatus string

const (
	StatusRunning   InstanceStatus = "running"
	StatusWaiting   InstanceStatus = "waiting"
	StatusCompleted InstanceStatus = "completed"
	StatusFailed    InstanceStatus = "failed"
)

// Terminal reports whether no further deliveries are accepted.
func (s InstanceStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// DomainEvent is a schema-tagged value flowing through the event router.
// Value is canonical JSON of an object.
type DomainEvent struct {
	Schema string          `json:"schema"`
	Value  json.RawMessage `json:"value"`
}

// System event schemas delivered to workflow instances by the kernel.
const (
	SchemaEffectReceipt   = "sys/EffectReceipt@1"
	SchemaStreamFrame     = "sys/StreamFrame@1"
	SchemaReceiptRejected = "sys/ReceiptRejected@1"
)
