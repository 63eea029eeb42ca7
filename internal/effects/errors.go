package effects

import (
	"errors"
	"fmt"
)

// AuthorityError reports a structural authority violation: the origin is not
// a workflow module, or the effect kind is not in its allowlist. It is raised
// before the gate is consulted.
type AuthorityError struct {
	Module string
	Kind   string
	Reason string
}

func (e *AuthorityError) Error() string {
	return fmt.Sprintf("authority: module %q may not emit %q: %s", e.Module, e.Kind, e.Reason)
}

// IsAuthorityError reports whether err is an AuthorityError.
func IsAuthorityError(err error) bool {
	var ae *AuthorityError
	return errors.As(err, &ae)
}

// ErrInvalidSignature is returned for receipts whose signature does not verify
// against the adapter key. Nothing is journaled for such receipts.
var ErrInvalidSignature = errors.New("receipt signature invalid")

// ErrAdapterMismatch is returned when a receipt names a different adapter than
// the one the intent's effect is declared on.
var ErrAdapterMismatch = errors.New("receipt adapter does not match effect adapter")

// A re-emitted intent whose hash already settled or drained is denied with
// this stage and code.
const (
	StageSettled  = "settled"
	IntentSettled = "IntentSettled"
)
