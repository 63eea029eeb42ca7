package schema

import (
	"errors"
	"fmt"
	"strings"
)

// Validation error codes.
const (
	ErrMissingField = "S201" // required field absent
	ErrUnknownField = "S202" // field not declared and schema is closed
	ErrTypeMismatch = "S203" // value type differs from declared type
	ErrNullValue    = "S204" // explicit null
	ErrMalformed    = "S205" // not decodable as canonical JSON
	ErrUnknownType  = "S206" // schema declares an unknown type
	ErrInvalidKey   = "S207" // cell key is not a valid scalar
)

// ValidationError is one schema violation at a field path.
type ValidationError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Path, e.Message)
}

// ValidationErrors aggregates every violation found in one value.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (errs ValidationErrors) Error() string {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

func (errs *ValidationErrors) add(path, code, msg string) {
	*errs = append(*errs, ValidationError{Path: path, Code: code, Message: msg})
}

// IsValidationError reports whether err is or wraps a schema violation.
func IsValidationError(err error) bool {
	var one ValidationError
	var many ValidationErrors
	return errors.As(err, &one) || errors.As(err, &many)
}
