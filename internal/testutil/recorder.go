package testutil

import (
	"fmt"

	"github.com/roach88/worldline/internal/ir"
)

// Record is one captured record.
type Record struct {
	Seq  int64
	Kind string
	Body []byte
}

// RecordSink captures records in memory with contiguous seqs starting at 1.
// It stands in for the kernel's journal sink in package tests.
type RecordSink struct {
	Records []Record
	// FailOn makes Record return an error for the given kind.
	FailOn string
}

// Record canonically encodes body and appends it.
func (s *RecordSink) Record(kind string, body any) (int64, error) {
	if kind == s.FailOn {
		return 0, fmt.Errorf("record %s: injected failure", kind)
	}
	b, err := ir.CanonicalJSON(body)
	if err != nil {
		return 0, err
	}
	seq := int64(len(s.Records) + 1)
	s.Records = append(s.Records, Record{Seq: seq, Kind: kind, Body: b})
	return seq, nil
}

// Kinds returns the recorded kinds in order.
func (s *RecordSink) Kinds() []string {
	out := make([]string, len(s.Records))
	for i, r := range s.Records {
		out[i] = r.Kind
	}
	return out
}
