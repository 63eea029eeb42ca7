package workflow

import (
	"encoding/json"
	"sort"

	"github.com/roach88/worldline/internal/ir"
)

// StatusDeleted marks a step that garbage-collected the instance. It only
// appears on step records, never on a live instance.
const StatusDeleted ir.InstanceStatus = "deleted"

// Instance is the metadata of one workflow instance (a cell for keyed
// modules). State bytes live in the blob store under StateHash.
type Instance struct {
	Module       string            `json:"module"`
	Key          json.RawMessage   `json:"key,omitempty"`
	KeyHash      string            `json:"key_hash"`
	Status       ir.InstanceStatus `json:"status"`
	StateHash    string            `json:"state_hash,omitempty"`
	Size         int64             `json:"size"`
	Inflight     []string          `json:"inflight,omitempty"`
	LastEventSeq int64             `json:"last_event_seq"`
	LastActiveNs int64             `json:"last_active_ns"`
	Reason       string            `json:"reason,omitempty"`
}

// Origin returns the identity used as the origin of the instance's intents.
func (in *Instance) Origin() ir.Origin {
	return ir.Origin{Module: in.Module, Key: in.Key}
}

func (in *Instance) clone() Instance {
	cp := *in
	cp.Inflight = append([]string(nil), in.Inflight...)
	return cp
}

// StepRecord is the body of an instance_step record: the complete metadata of
// the instance after the step, plus the intents drained by it. Folding a step
// record sets the instance exactly, without re-running the module.
type StepRecord struct {
	Module       string            `json:"module"`
	Key          json.RawMessage   `json:"key,omitempty"`
	KeyHash      string            `json:"key_hash"`
	EventSeq     int64             `json:"event_seq"`
	Status       ir.InstanceStatus `json:"status"`
	StateHash    string            `json:"state_hash,omitempty"`
	Size         int64             `json:"size"`
	Inflight     []string          `json:"inflight,omitempty"`
	Drained      []string          `json:"drained,omitempty"`
	LastActiveNs int64             `json:"last_active_ns"`
	Reason       string            `json:"reason,omitempty"`
}

// CellEntry is one row of a module's cell index.
type CellEntry struct {
	KeyHash      string `json:"key_hash"`
	StateHash    string `json:"state_hash,omitempty"`
	Size         int64  `json:"size"`
	LastActiveNs int64  `json:"last_active_ns"`
}

func instanceID(module, keyHash string) string {
	return module + "\x00" + keyHash
}

// keyHashOf returns the cell index key. Unkeyed instances hash the empty key.
func keyHashOf(key json.RawMessage) string {
	return ir.KeyHash(key)
}

func sortedUnion(a, b []string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for _, s := range a {
		set[s] = struct{}{}
	}
	for _, s := range b {
		set[s] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func without(list []string, drop string) []string {
	out := list[:0:0]
	for _, s := range list {
		if s != drop {
			out = append(out, s)
		}
	}
	return out
}
