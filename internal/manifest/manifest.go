// Package manifest defines the read-only world manifest: modules, event
// routing, the effect catalog, capability grants, adapters and policy.
//
// A Manifest is an immutable value once loaded. The kernel holds one by
// pointer per tick and swaps it only at a manifest_swap journal record.
package manifest

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/roach88/worldline/internal/ir"
	"github.com/roach88/worldline/internal/schema"
)

// Module kinds.
const (
	KindWorkflow = "workflow"
	KindPure     = "pure"
)

// Policy decisions.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// Manifest is the complete declarative configuration of a world.
// Named collections are kept sorted by name; Routing and Policy keep
// declaration order because order is meaningful for both.
type Manifest struct {
	Version  int64     `json:"version"`
	Modules  []Module  `json:"modules,omitempty"`
	Routing  []Route   `json:"routing,omitempty"`
	Effects  []Effect  `json:"effects,omitempty"`
	Grants   []Grant   `json:"grants,omitempty"`
	Adapters []Adapter `json:"adapters,omitempty"`
	Policy   []Rule    `json:"policy,omitempty"`
	Events   []Event   `json:"events,omitempty"`
}

// Module declares one workflow or pure module.
type Module struct {
	Name string `json:"name,omitempty"`
	Kind string `json:"kind"`
	// Hash is the content hash of the module code. Empty means the module is
	// resolved by name.
	Hash    string   `json:"hash,omitempty"`
	Effects []string `json:"effects,omitempty"`
	// Caps binds capability slot names (as used in intents) to grant names.
	Caps map[string]string `json:"caps,omitempty"`
	// Key is the cell key schema; non-nil makes the module keyed.
	Key               *schema.Field `json:"key,omitempty"`
	OnRejectedReceipt bool          `json:"on_rejected_receipt,omitempty"`
}

// Keyed reports whether instances are addressed by a cell key.
func (m Module) Keyed() bool { return m.Key != nil }

// AllowsEffect reports whether kind is in the module's effect allowlist.
func (m Module) AllowsEffect(kind string) bool {
	for _, k := range m.Effects {
		if k == kind {
			return true
		}
	}
	return false
}

// Route subscribes a module to an event schema.
type Route struct {
	Event    string `json:"event"`
	Module   string `json:"module"`
	KeyField string `json:"key_field,omitempty"`
}

// Effect is one entry in the effect catalog.
type Effect struct {
	Kind    string        `json:"kind,omitempty"`
	CapType string        `json:"cap_type"`
	Adapter string        `json:"adapter"`
	Params  schema.Schema `json:"params"`
	Receipt schema.Schema `json:"receipt"`
}

// Grant is a named, constrained capability.
type Grant struct {
	Name    string `json:"name,omitempty"`
	CapType string `json:"cap_type"`
	// ExpiresAtNs is compared against logical time. 0 never expires.
	ExpiresAtNs int64                 `json:"expires_at_ns,omitempty"`
	Constraints map[string]Constraint `json:"constraints,omitempty"`
}

// Constraint restricts one effect param.
type Constraint struct {
	Allow  []string `json:"allow,omitempty"`
	Max    *int64   `json:"max,omitempty"`
	Prefix []string `json:"prefix,omitempty"`
}

// Adapter identifies an effect executor and the key its receipts are signed with.
type Adapter struct {
	ID        string `json:"id,omitempty"`
	PublicKey string `json:"public_key"`
}

// Key decodes the adapter's ed25519 public key.
func (a Adapter) Key() ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(a.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("adapter %s: public key: %w", a.ID, err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("adapter %s: public key must be 32 bytes, got %d", a.ID, len(key))
	}
	return key, nil
}

// Rule is one ordered policy rule. Empty match fields are wildcards.
type Rule struct {
	Name       string `json:"name"`
	EffectKind string `json:"effect_kind,omitempty"`
	CapName    string `json:"cap_name,omitempty"`
	OriginKind string `json:"origin_kind,omitempty"`
	OriginName string `json:"origin_name,omitempty"`
	Decision   string `json:"decision"`
}

// Matches reports whether the rule applies to the given intent coordinates.
func (r Rule) Matches(effectKind, capName, originKind, originName string) bool {
	return wild(r.EffectKind, effectKind) &&
		wild(r.CapName, capName) &&
		wild(r.OriginKind, originKind) &&
		wild(r.OriginName, originName)
}

func wild(pattern, v string) bool {
	return pattern == "" || pattern == "*" || pattern == v
}

// Event declares the schema of a domain event.
type Event struct {
	Schema string        `json:"schema"`
	Fields schema.Schema `json:"fields"`
}

// Module returns the named module.
func (m *Manifest) Module(name string) (Module, bool) {
	for _, mod := range m.Modules {
		if mod.Name == name {
			return mod, true
		}
	}
	return Module{}, false
}

// Effect returns the catalog entry for kind.
func (m *Manifest) Effect(kind string) (Effect, bool) {
	for _, e := range m.Effects {
		if e.Kind == kind {
			return e, true
		}
	}
	return Effect{}, false
}

// Grant returns the named grant.
func (m *Manifest) Grant(name string) (Grant, bool) {
	for _, g := range m.Grants {
		if g.Name == name {
			return g, true
		}
	}
	return Grant{}, false
}

// Adapter returns the adapter with the given id.
func (m *Manifest) Adapter(id string) (Adapter, bool) {
	for _, a := range m.Adapters {
		if a.ID == id {
			return a, true
		}
	}
	return Adapter{}, false
}

// EventSchema returns the declared schema for an event.
func (m *Manifest) EventSchema(name string) (schema.Schema, bool) {
	for _, e := range m.Events {
		if e.Schema == name {
			return e.Fields, true
		}
	}
	return schema.Schema{}, false
}

// RoutesFor returns routes subscribed to an event, in declaration order.
func (m *Manifest) RoutesFor(event string) []Route {
	var out []Route
	for _, r := range m.Routing {
		if r.Event == event {
			out = append(out, r)
		}
	}
	return out
}

// Encode returns the canonical JSON encoding of the manifest.
func (m *Manifest) Encode() ([]byte, error) {
	return ir.CanonicalJSON(m)
}

// Hash returns the content hash of the canonical encoding.
func (m *Manifest) Hash() (string, error) {
	b, err := m.Encode()
	if err != nil {
		return "", fmt.Errorf("manifest hash: %w", err)
	}
	return ir.ManifestHash(b), nil
}

// Decode parses a canonical manifest encoding produced by Encode.
func Decode(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}
