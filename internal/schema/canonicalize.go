package schema

import (
	"fmt"

	"github.com/roach88/worldline/internal/ir"
)

// Canonicalize decodes raw JSON strictly (no floats, no null), validates it
// against s, and returns the decoded object with its canonical bytes.
func (s Schema) Canonicalize(raw []byte) (ir.IRObject, []byte, error) {
	obj, err := ir.UnmarshalIRObject(raw)
	if err != nil {
		return nil, nil, ValidationError{Code: ErrMalformed, Message: err.Error()}
	}
	return s.CanonicalizeObject(obj)
}

// CanonicalizeObject validates an already decoded object and encodes it.
func (s Schema) CanonicalizeObject(obj ir.IRObject) (ir.IRObject, []byte, error) {
	if err := s.Validate(obj); err != nil {
		return nil, nil, err
	}
	canonical, err := ir.MarshalCanonical(obj)
	if err != nil {
		return nil, nil, ValidationError{Code: ErrMalformed, Message: err.Error()}
	}
	return obj, canonical, nil
}

// ValidateKey checks a cell key against its declared key field type and
// returns the key's canonical bytes. Keys are scalar: string or int.
func ValidateKey(f Field, v ir.IRValue) ([]byte, error) {
	switch v.(type) {
	case ir.IRString, ir.IRInt:
	default:
		return nil, ValidationError{Code: ErrInvalidKey, Message: fmt.Sprintf("key must be string or int, got %s", ir.TypeName(v))}
	}
	if f.Type != "" && f.Type != TypeAny && string(f.Type) != ir.TypeName(v) {
		return nil, ValidationError{Code: ErrInvalidKey, Message: fmt.Sprintf("key must be %s, got %s", f.Type, ir.TypeName(v))}
	}
	if s, ok := v.(ir.IRString); ok && s == "" {
		return nil, ValidationError{Code: ErrInvalidKey, Message: "key must not be empty"}
	}
	return ir.MarshalCanonical(v)
}
