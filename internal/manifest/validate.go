package manifest

import (
	"fmt"
	"strings"
)

// Validation error codes (M300-M399).
const (
	ErrDuplicateName    = "M301" // two entries share a name
	ErrInvalidKind      = "M302" // module kind or policy decision invalid
	ErrUnknownModule    = "M303" // route references an undeclared module
	ErrUnknownEffect    = "M304" // allowlist references an undeclared effect
	ErrUnknownGrant     = "M305" // cap binding references an undeclared grant
	ErrUnknownAdapter   = "M306" // effect references an undeclared adapter
	ErrKeyedRoute       = "M307" // key_field / key schema mismatch
	ErrInvalidSchema    = "M308" // embedded schema is malformed
	ErrInvalidPublicKey = "M309" // adapter public key is not ed25519
	ErrPureEffects      = "M310" // pure module declares effects
	ErrMissingField     = "M311" // required manifest field empty
)

// ValidationError is one structural problem in a manifest.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// Errors aggregates validation errors into a single error value.
type Errors []ValidationError

// Error implements the error interface.
func (errs Errors) Error() string {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return "invalid manifest: " + strings.Join(msgs, "; ")
}

// Validate checks cross-references and shapes.
// Returns all errors found (does not fail-fast).
func (m *Manifest) Validate() []ValidationError {
	var errs []ValidationError
	add := func(field, code, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Code: code, Message: fmt.Sprintf(format, args...)})
	}

	seen := map[string]bool{}
	for _, e := range m.Effects {
		field := "effects." + e.Kind
		if e.Kind == "" {
			add("effects", ErrMissingField, "effect kind is required")
		}
		if seen[e.Kind] {
			add(field, ErrDuplicateName, "duplicate effect kind")
		}
		seen[e.Kind] = true
		if e.CapType == "" {
			add(field+".cap_type", ErrMissingField, "cap_type is required")
		}
		if _, ok := m.Adapter(e.Adapter); !ok {
			add(field+".adapter", ErrUnknownAdapter, "unknown adapter %q", e.Adapter)
		}
		if err := e.Params.Check(); err != nil {
			add(field+".params", ErrInvalidSchema, "%v", err)
		}
		if err := e.Receipt.Check(); err != nil {
			add(field+".receipt", ErrInvalidSchema, "%v", err)
		}
	}

	seen = map[string]bool{}
	for _, g := range m.Grants {
		field := "grants." + g.Name
		if seen[g.Name] {
			add(field, ErrDuplicateName, "duplicate grant")
		}
		seen[g.Name] = true
		if g.CapType == "" {
			add(field+".cap_type", ErrMissingField, "cap_type is required")
		}
		if g.ExpiresAtNs < 0 {
			add(field+".expires_at_ns", ErrMissingField, "expires_at_ns must be >= 0")
		}
	}

	seen = map[string]bool{}
	for _, a := range m.Adapters {
		field := "adapters." + a.ID
		if seen[a.ID] {
			add(field, ErrDuplicateName, "duplicate adapter")
		}
		seen[a.ID] = true
		if _, err := a.Key(); err != nil {
			add(field+".public_key", ErrInvalidPublicKey, "%v", err)
		}
	}

	seen = map[string]bool{}
	for _, mod := range m.Modules {
		field := "modules." + mod.Name
		if seen[mod.Name] {
			add(field, ErrDuplicateName, "duplicate module")
		}
		seen[mod.Name] = true
		switch mod.Kind {
		case KindWorkflow:
		case KindPure:
			if len(mod.Effects) > 0 || len(mod.Caps) > 0 {
				add(field, ErrPureEffects, "pure modules cannot declare effects or caps")
			}
		default:
			add(field+".kind", ErrInvalidKind, "kind must be %q or %q, got %q", KindWorkflow, KindPure, mod.Kind)
		}
		for _, kind := range mod.Effects {
			if _, ok := m.Effect(kind); !ok {
				add(field+".effects", ErrUnknownEffect, "unknown effect %q", kind)
			}
		}
		for slot, grant := range mod.Caps {
			if _, ok := m.Grant(grant); !ok {
				add(field+".caps."+slot, ErrUnknownGrant, "unknown grant %q", grant)
			}
		}
		if mod.Key != nil {
			switch mod.Key.Type {
			case "string", "int":
			default:
				add(field+".key", ErrKeyedRoute, "key type must be string or int, got %q", mod.Key.Type)
			}
		}
	}

	for i, r := range m.Routing {
		field := fmt.Sprintf("routing[%d]", i)
		if r.Event == "" {
			add(field+".event", ErrMissingField, "event is required")
		}
		mod, ok := m.Module(r.Module)
		if !ok {
			add(field+".module", ErrUnknownModule, "unknown module %q", r.Module)
			continue
		}
		if r.KeyField != "" && !mod.Keyed() {
			add(field+".key_field", ErrKeyedRoute, "module %q has no key schema", r.Module)
		}
		if r.KeyField == "" && mod.Keyed() {
			add(field+".key_field", ErrKeyedRoute, "keyed module %q needs key_field", r.Module)
		}
	}

	seen = map[string]bool{}
	for i, rule := range m.Policy {
		field := fmt.Sprintf("policy[%d]", i)
		if rule.Name != "" {
			if seen[rule.Name] {
				add(field, ErrDuplicateName, "duplicate rule name %q", rule.Name)
			}
			seen[rule.Name] = true
		}
		if rule.Decision != DecisionAllow && rule.Decision != DecisionDeny {
			add(field+".decision", ErrInvalidKind, "decision must be allow or deny, got %q", rule.Decision)
		}
	}

	seen = map[string]bool{}
	for _, e := range m.Events {
		if seen[e.Schema] {
			add("events."+e.Schema, ErrDuplicateName, "duplicate event schema")
		}
		seen[e.Schema] = true
		if err := e.Fields.Check(); err != nil {
			add("events."+e.Schema, ErrInvalidSchema, "%v", err)
		}
	}

	return errs
}
