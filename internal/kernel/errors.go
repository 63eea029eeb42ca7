package kernel

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoGenesis is returned by Open for an empty journal without WithGenesis.
var ErrNoGenesis = errors.New("kernel: empty journal and no genesis manifest")

// ErrClosed is returned by inputs submitted after Stop.
var ErrClosed = errors.New("kernel: world is stopped")

// PoisonedError is returned for every input after a commit failed. The
// in-memory state no longer matches the journal; reopen the world.
type PoisonedError struct {
	Cause error
}

// Error implements the error interface.
func (e *PoisonedError) Error() string {
	return fmt.Sprintf("world poisoned by failed commit: %v", e.Cause)
}

// Unwrap returns the commit error.
func (e *PoisonedError) Unwrap() error { return e.Cause }

// ReplayDivergenceError reports the first record where re-execution did not
// reproduce the journal.
type ReplayDivergenceError struct {
	Seq      int64
	Kind     string
	WantHash string
	GotHash  string
	Reason   string
}

// Error implements the error interface.
func (e *ReplayDivergenceError) Error() string {
	msg := fmt.Sprintf("replay diverged at seq %d (%s)", e.Seq, e.Kind)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.WantHash != "" || e.GotHash != "" {
		msg += fmt.Sprintf(" want=%s got=%s", short(e.WantHash), short(e.GotHash))
	}
	return msg
}

// IsReplayDivergence reports whether err is a ReplayDivergenceError.
func IsReplayDivergence(err error) bool {
	var de *ReplayDivergenceError
	return errors.As(err, &de)
}

// QuiescenceError lists what blocks a manifest swap.
type QuiescenceError struct {
	// Instances are origins of Waiting instances, as "module" or "module[key]".
	Instances []string
	// Intents are pending intent hashes.
	Intents []string
}

// Error implements the error interface.
func (e *QuiescenceError) Error() string {
	var parts []string
	if len(e.Instances) > 0 {
		parts = append(parts, fmt.Sprintf("%d waiting instance(s): %s", len(e.Instances), strings.Join(e.Instances, ", ")))
	}
	if len(e.Intents) > 0 {
		shorts := make([]string, len(e.Intents))
		for i, h := range e.Intents {
			shorts[i] = short(h)
		}
		parts = append(parts, fmt.Sprintf("%d pending intent(s): %s", len(e.Intents), strings.Join(shorts, ", ")))
	}
	return "world is not quiescent: " + strings.Join(parts, "; ")
}

// IsQuiescenceError reports whether err is a QuiescenceError.
func IsQuiescenceError(err error) bool {
	var qe *QuiescenceError
	return errors.As(err, &qe)
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
