// Package module defines the step contract between the kernel and module
// code, the JSON envelope it speaks, and a content-addressed registry that
// resolves module hashes to implementations.
package module

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/worldline/internal/effects"
)

// Terminal statuses a module may signal.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Input is the envelope passed to Step.
type Input struct {
	// State is nil on the first delivery to an instance.
	State []byte `json:"state"`
	Event Event  `json:"event"`
	Ctx   Context `json:"ctx"`
}

// Event is the delivered event. Key is set for keyed deliveries.
type Event struct {
	Schema string          `json:"schema"`
	Value  json.RawMessage `json:"value"`
	Key    json.RawMessage `json:"key,omitempty"`
}

// Context carries instance addressing and logical time.
type Context struct {
	Key      json.RawMessage `json:"key,omitempty"`
	CellMode bool            `json:"cell_mode"`
	NowNs    int64           `json:"now_ns"`
}

// Output is the envelope returned by Step.
//
// A nil State (JSON null or absent) deletes the instance. Status, when set,
// ends the instance as completed or failed.
type Output struct {
	State        []byte            `json:"state"`
	DomainEvents []DomainEvent     `json:"domain_events,omitempty"`
	Effects      []effects.Request `json:"effects,omitempty"`
	Status       string            `json:"status,omitempty"`
}

// DomainEvent is an event emitted by a module.
type DomainEvent struct {
	Schema string          `json:"schema"`
	Value  json.RawMessage `json:"value"`
}

// EncodeInput serializes an input envelope.
func EncodeInput(in Input) ([]byte, error) {
	b, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encode input: %w", err)
	}
	return b, nil
}

// DecodeInput parses an input envelope.
func DecodeInput(data []byte) (Input, error) {
	var in Input
	if err := json.Unmarshal(data, &in); err != nil {
		return Input{}, fmt.Errorf("decode input: %w", err)
	}
	return in, nil
}

// EncodeOutput serializes an output envelope.
func EncodeOutput(out Output) ([]byte, error) {
	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode output: %w", err)
	}
	return b, nil
}

// DecodeOutput parses an output envelope and checks the status field.
func DecodeOutput(data []byte) (Output, error) {
	var out Output
	if err := json.Unmarshal(data, &out); err != nil {
		return Output{}, fmt.Errorf("decode output: %w", err)
	}
	switch out.Status {
	case "", StatusCompleted, StatusFailed:
	default:
		return Output{}, fmt.Errorf("decode output: unknown status %q", out.Status)
	}
	return out, nil
}
