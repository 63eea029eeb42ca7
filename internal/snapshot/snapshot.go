// Package snapshot encodes the derived state of a world at a journal seq.
//
// A snapshot is a cache: restoring from it and folding the journal tail must
// give the same state as folding the whole journal. Its hash doubles as the
// world state hash.
package snapshot

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/roach88/worldline/internal/ir"
	"github.com/roach88/worldline/internal/workflow"
)

// Snapshot is the derived state of a world after the record at Seq.
type Snapshot struct {
	Seq          int64               `json:"seq"`
	ManifestHash string              `json:"manifest_hash"`
	NowNs        int64               `json:"now_ns"`
	Instances    []workflow.Instance `json:"instances,omitempty"`
	Pending      []ir.PendingIntent  `json:"pending,omitempty"`
	// Settled lists every intent hash that was settled or drained. Such a
	// hash can never be admitted again.
	Settled   []string          `json:"settled,omitempty"`
	CellRoots map[string]string `json:"cell_roots,omitempty"`
}

// Record is the body of a snapshot journal record.
type Record struct {
	Hash string `json:"hash"`
}

// normalize sorts every collection so that equal states encode equally.
func (s *Snapshot) normalize() {
	sort.Slice(s.Instances, func(i, j int) bool {
		if s.Instances[i].Module != s.Instances[j].Module {
			return s.Instances[i].Module < s.Instances[j].Module
		}
		return s.Instances[i].KeyHash < s.Instances[j].KeyHash
	})
	sort.Slice(s.Pending, func(i, j int) bool {
		return s.Pending[i].IntentHash < s.Pending[j].IntentHash
	})
	sort.Strings(s.Settled)
	if len(s.Settled) == 0 {
		s.Settled = nil
	}
	if len(s.CellRoots) == 0 {
		s.CellRoots = nil
	}
}

// Encode returns the canonical encoding and its hash.
func (s Snapshot) Encode() ([]byte, string, error) {
	s.Instances = append([]workflow.Instance(nil), s.Instances...)
	s.Pending = append([]ir.PendingIntent(nil), s.Pending...)
	s.Settled = append([]string(nil), s.Settled...)
	s.normalize()
	body, err := ir.CanonicalJSON(s)
	if err != nil {
		return nil, "", fmt.Errorf("encode snapshot: %w", err)
	}
	return body, ir.SnapshotHash(body), nil
}

// Hash returns the snapshot hash without keeping the body.
func (s Snapshot) Hash() (string, error) {
	_, h, err := s.Encode()
	return h, err
}

// Decode parses a snapshot body and checks it against its expected hash.
// An empty want skips the check.
func Decode(body []byte, want string) (Snapshot, error) {
	if want != "" {
		if got := ir.SnapshotHash(body); got != want {
			return Snapshot{}, fmt.Errorf("snapshot hash mismatch: stored %s, computed %s", want, got)
		}
	}
	var s Snapshot
	if err := json.Unmarshal(body, &s); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return s, nil
}
