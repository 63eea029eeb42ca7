package workflow

import (
	"errors"
	"fmt"
)

// RuntimeErrorCode categorizes instance faults.
type RuntimeErrorCode string

const (
	// ErrCodeAuthority: a module emitted an effect it has no structural authority for.
	ErrCodeAuthority RuntimeErrorCode = "AUTHORITY"

	// ErrCodeLimitExceeded: a tick produced more effects, events or bytes than allowed.
	ErrCodeLimitExceeded RuntimeErrorCode = "LIMIT_EXCEEDED"

	// ErrCodeInvalidOutput: the output envelope or an item in it failed validation.
	ErrCodeInvalidOutput RuntimeErrorCode = "INVALID_OUTPUT"

	// ErrCodeModuleFault: the module could not be resolved or its step returned an error.
	ErrCodeModuleFault RuntimeErrorCode = "MODULE_FAULT"

	// ErrCodeMalformedReceipt: a receipt for the instance failed to decode and
	// the module declares no rejection handler.
	ErrCodeMalformedReceipt RuntimeErrorCode = "MALFORMED_RECEIPT"
)

// RuntimeError records why an instance failed. Its string form is journaled
// on the instance_step record, so messages must be deterministic.
type RuntimeError struct {
	Code    RuntimeErrorCode
	Message string
	Module  string
}

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	if e.Module != "" {
		return fmt.Sprintf("%s: %s (module=%s)", e.Code, e.Message, e.Module)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// CodeOf returns the fault code of err, or "" if err is not a RuntimeError.
// Uses errors.As to handle wrapped errors.
func CodeOf(err error) RuntimeErrorCode {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}

func fault(code RuntimeErrorCode, module, format string, args ...any) *RuntimeError {
	return &RuntimeError{Code: code, Module: module, Message: fmt.Sprintf(format, args...)}
}
