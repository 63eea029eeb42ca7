package kernel

import (
	"fmt"

	"github.com/roach88/worldline/internal/effects"
	"github.com/roach88/worldline/internal/ir"
	"github.com/roach88/worldline/internal/journal"
)

// sink buffers the records of one input. It assigns seqs and chains hashes
// as records arrive, so seqs handed out (intent fences, event causes) are
// final once the batch commits.
type sink struct {
	head      journal.Head
	records   []journal.Record
	snapshots []journal.Snapshot
}

var _ effects.Recorder = (*sink)(nil)

// Record implements effects.Recorder.
func (s *sink) Record(kind string, body any) (int64, error) {
	b, err := ir.CanonicalJSON(body)
	if err != nil {
		return 0, fmt.Errorf("record %s: %w", kind, err)
	}
	r := s.head.Next(kind, b)
	s.records = append(s.records, r)
	s.head = r.After()
	return r.Seq, nil
}

// nextSeq is the seq the next record will get.
func (s *sink) nextSeq() int64 {
	return s.head.Seq + 1
}

// take returns the buffered batch and clears the buffer.
func (s *sink) take() journal.Batch {
	b := journal.Batch{Records: s.records, Snapshots: s.snapshots}
	s.records = nil
	s.snapshots = nil
	return b
}

// rewind drops buffered records and resets the head.
func (s *sink) rewind(head journal.Head) {
	s.head = head
	s.records = nil
	s.snapshots = nil
}
