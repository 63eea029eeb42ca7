// Package ingress maps domain events to the workflow instances subscribed
// to them.
//
// Routing is a pure function of the manifest and the event: routes are
// visited in declaration order, and keyed routes address a cell by the
// canonical value of the event's key field.
package ingress

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/worldline/internal/ir"
	"github.com/roach88/worldline/internal/manifest"
	"github.com/roach88/worldline/internal/schema"
)

// Target is one delivery address.
type Target struct {
	Module string
	// Key is the canonical cell key, nil for unkeyed modules.
	Key json.RawMessage
}

// Origin returns the target as an instance identity.
func (t Target) Origin() ir.Origin {
	return ir.Origin{Module: t.Module, Key: t.Key}
}

// RouteError reports an event that cannot be delivered to one of its routes.
type RouteError struct {
	Event  string
	Module string
	Reason string
}

// Error implements the error interface.
func (e *RouteError) Error() string {
	return fmt.Sprintf("route %s -> %s: %s", e.Event, e.Module, e.Reason)
}

// Validate checks an external event against its declared schema and returns
// the canonical value. Events without a declared schema are rejected.
func Validate(man *manifest.Manifest, name string, value []byte) (json.RawMessage, error) {
	s, ok := man.EventSchema(name)
	if !ok {
		return nil, fmt.Errorf("event schema %q is not declared", name)
	}
	_, canonical, err := s.Canonicalize(value)
	if err != nil {
		return nil, fmt.Errorf("event %s: %w", name, err)
	}
	return canonical, nil
}

// Route returns the targets of an event in route declaration order.
// The event value must already be canonical. Either every route resolves or
// an error is returned; no partial target list is produced.
func Route(man *manifest.Manifest, ev ir.DomainEvent) ([]Target, error) {
	routes := man.RoutesFor(ev.Schema)
	if len(routes) == 0 {
		return nil, nil
	}

	value, err := ir.UnmarshalIRObject(ev.Value)
	if err != nil {
		return nil, fmt.Errorf("event %s: %w", ev.Schema, err)
	}

	targets := make([]Target, 0, len(routes))
	for _, r := range routes {
		mod, ok := man.Module(r.Module)
		if !ok {
			return nil, &RouteError{Event: ev.Schema, Module: r.Module, Reason: "module is not declared"}
		}
		if r.KeyField == "" {
			if mod.Keyed() {
				return nil, &RouteError{Event: ev.Schema, Module: r.Module, Reason: "keyed module routed without key_field"}
			}
			targets = append(targets, Target{Module: r.Module})
			continue
		}
		key, err := extractKey(mod, r.KeyField, value)
		if err != nil {
			return nil, &RouteError{Event: ev.Schema, Module: r.Module, Reason: err.Error()}
		}
		targets = append(targets, Target{Module: r.Module, Key: key})
	}
	return targets, nil
}

func extractKey(mod manifest.Module, field string, value ir.IRObject) (json.RawMessage, error) {
	if !mod.Keyed() {
		return nil, fmt.Errorf("module has no key schema")
	}
	v, ok := value[field]
	if !ok {
		return nil, fmt.Errorf("key field %q is missing", field)
	}
	key, err := schema.ValidateKey(*mod.Key, v)
	if err != nil {
		return nil, fmt.Errorf("key field %q: %w", field, err)
	}
	return key, nil
}
