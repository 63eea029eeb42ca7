package harness

import "fmt"

// TraceEvent is one journal record reduced to what scenarios assert on.
// Hashes, timestamps and payload bytes are left out so traces stay readable
// and stable across changes to hashing domains.
type TraceEvent struct {
	Seq    int64  `json:"seq"`
	Kind   string `json:"kind"`
	Detail string `json:"detail,omitempty"`
}

// String renders "kind detail", the form trace_order assertions use.
func (e TraceEvent) String() string {
	if e.Detail == "" {
		return e.Kind
	}
	return fmt.Sprintf("%s %s", e.Kind, e.Detail)
}

// Result is the outcome of running a scenario.
type Result struct {
	// Pass is true when every step behaved as declared and every assertion
	// held.
	Pass bool `json:"pass"`

	// Trace lists the journal records in seq order.
	Trace []TraceEvent `json:"trace"`

	// Errors holds one message per failed step or assertion.
	Errors []string `json:"errors,omitempty"`

	// StateHash is the world state hash after the last step.
	StateHash string `json:"state_hash"`

	// Verified is set when re-executing the journal reproduced it.
	Verified bool `json:"verified"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError records a failure.
func (r *Result) AddError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	r.Pass = false
}
