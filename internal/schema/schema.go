// Package schema validates and canonicalizes values against declared shapes.
//
// Schemas cover effect params, receipt payloads, domain events and cell keys.
// Canonicalization is always decode → validate → re-encode, so a value that
// passes has exactly one byte representation.
package schema

import (
	"fmt"
	"sort"

	"github.com/roach88/worldline/internal/ir"
)

// Type is a declared field type.
type Type string

const (
	TypeString Type = "string"
	TypeInt    Type = "int"
	TypeBool   Type = "bool"
	TypeArray  Type = "array"
	TypeObject Type = "object"
	TypeAny    Type = "any"
)

// Valid reports whether t is a known type name. "float" is deliberately absent.
func (t Type) Valid() bool {
	switch t {
	case TypeString, TypeInt, TypeBool, TypeArray, TypeObject, TypeAny:
		return true
	}
	return false
}

// Field describes one member of an object schema.
// Items applies to arrays; Fields applies to nested objects and, when set,
// rejects unknown members.
type Field struct {
	Type     Type             `json:"type"`
	Required bool             `json:"required,omitempty"`
	Items    *Field           `json:"items,omitempty"`
	Fields   map[string]Field `json:"fields,omitempty"`
}

// Schema is an object schema. Unknown members are rejected unless AllowUnknown.
type Schema struct {
	Fields       map[string]Field `json:"fields,omitempty"`
	AllowUnknown bool             `json:"allow_unknown,omitempty"`
}

// Open accepts any object.
var Open = Schema{AllowUnknown: true}

// Validate checks obj against the schema and returns every violation found
// as ValidationErrors, or nil.
func (s Schema) Validate(obj ir.IRObject) error {
	var errs ValidationErrors
	s.validateObject("", obj, &errs)
	if len(errs) == 0 {
		return nil
	}
	return errs
}

func (s Schema) validateObject(path string, obj ir.IRObject, errs *ValidationErrors) {
	names := make([]string, 0, len(s.Fields))
	for name := range s.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		f := s.Fields[name]
		v, ok := obj[name]
		if !ok {
			if f.Required {
				errs.add(join(path, name), ErrMissingField, "required field is missing")
			}
			continue
		}
		f.validate(join(path, name), v, errs)
	}

	if s.AllowUnknown {
		return
	}
	for _, k := range obj.SortedKeys() {
		if _, declared := s.Fields[k]; !declared {
			errs.add(join(path, k), ErrUnknownField, "field is not declared")
		}
	}
}

func (f Field) validate(path string, v ir.IRValue, errs *ValidationErrors) {
	if _, isNull := v.(ir.IRNull); isNull {
		errs.add(path, ErrNullValue, "null is not a valid value")
		return
	}
	if f.Type == TypeAny || f.Type == "" {
		return
	}
	got := ir.TypeName(v)
	if got != string(f.Type) {
		errs.add(path, ErrTypeMismatch, fmt.Sprintf("expected %s, got %s", f.Type, got))
		return
	}
	switch val := v.(type) {
	case ir.IRArray:
		if f.Items == nil {
			return
		}
		for i, elem := range val {
			f.Items.validate(fmt.Sprintf("%s[%d]", path, i), elem, errs)
		}
	case ir.IRObject:
		if f.Fields == nil {
			return
		}
		Schema{Fields: f.Fields}.validateObject(path, val, errs)
	}
}

// Check validates the shape of the schema itself: every type must be known.
func (s Schema) Check() error {
	var errs ValidationErrors
	for name, f := range s.Fields {
		f.check(name, &errs)
	}
	if len(errs) == 0 {
		return nil
	}
	sort.Slice(errs, func(i, j int) bool { return errs[i].Path < errs[j].Path })
	return errs
}

func (f Field) check(path string, errs *ValidationErrors) {
	if f.Type != "" && !f.Type.Valid() {
		errs.add(path, ErrUnknownType, fmt.Sprintf("unknown type %q", f.Type))
	}
	if f.Items != nil {
		if f.Type != TypeArray {
			errs.add(path, ErrUnknownType, "items is only valid on array fields")
		}
		f.Items.check(path+"[]", errs)
	}
	for name, sub := range f.Fields {
		if f.Type != TypeObject {
			errs.add(path, ErrUnknownType, "fields is only valid on object fields")
			break
		}
		sub.check(join(path, name), errs)
	}
}

func join(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}
