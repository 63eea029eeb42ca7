// Package gate is the stateless capability and policy evaluator consulted for
// every effect intent before it may be journaled as admitted.
//
// Checks run in a fixed order: grant binding and existence, expiry against
// logical time, capability type, param constraints, then ordered policy
// rules (first match wins, default deny). The first failing check decides.
package gate

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/roach88/worldline/internal/ir"
	"github.com/roach88/worldline/internal/manifest"
)

// Denial codes.
const (
	CapabilityDenied = "CapabilityDenied"
	PolicyDenied     = "PolicyDenied"
)

// Evaluation stages, in order.
const (
	StageGrant      = "grant"
	StageExpiry     = "expiry"
	StageCapType    = "cap_type"
	StageConstraint = "constraint"
	StagePolicy     = "policy"
)

// Request carries everything the gate needs. Params is the already
// canonicalized param object.
type Request struct {
	Manifest   *manifest.Manifest
	Origin     ir.Origin
	OriginKind string
	Kind       string
	CapName    string
	Params     ir.IRObject
	NowNs      int64
}

// Decision is the journaled outcome of one evaluation.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Stage   string `json:"stage"`
	Code    string `json:"code,omitempty"`
	Grant   string `json:"grant,omitempty"`
	Rule    string `json:"rule,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Err converts a denial into a DenialError, or nil when allowed.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &DenialError{Code: d.Code, Grant: d.Grant, Rule: d.Rule, Reason: d.Reason}
}

// DenialError reports a capability or policy denial.
type DenialError struct {
	Code   string
	Grant  string
	Rule   string
	Reason string
}

func (e *DenialError) Error() string {
	var b strings.Builder
	b.WriteString(e.Code)
	if e.Grant != "" {
		fmt.Fprintf(&b, " grant=%s", e.Grant)
	}
	if e.Rule != "" {
		fmt.Fprintf(&b, " rule=%s", e.Rule)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	return b.String()
}

// IsDenied reports whether err is a gate denial.
func IsDenied(err error) bool {
	var de *DenialError
	return errors.As(err, &de)
}

// Evaluate runs the full check sequence.
func Evaluate(req Request) Decision {
	m := req.Manifest

	mod, ok := m.Module(req.Origin.Module)
	if !ok {
		return deny(StageGrant, CapabilityDenied, "", fmt.Sprintf("unknown origin module %q", req.Origin.Module))
	}
	grantName, ok := mod.Caps[req.CapName]
	if !ok {
		return deny(StageGrant, CapabilityDenied, "", fmt.Sprintf("module %q has no binding for cap %q", mod.Name, req.CapName))
	}
	grant, ok := m.Grant(grantName)
	if !ok {
		return deny(StageGrant, CapabilityDenied, grantName, "grant does not exist")
	}
	if grant.ExpiresAtNs > 0 && req.NowNs >= grant.ExpiresAtNs {
		return deny(StageExpiry, CapabilityDenied, grantName,
			fmt.Sprintf("grant expired at %d (now %d)", grant.ExpiresAtNs, req.NowNs))
	}

	effect, ok := m.Effect(req.Kind)
	if !ok {
		return deny(StageCapType, CapabilityDenied, grantName, fmt.Sprintf("unknown effect kind %q", req.Kind))
	}
	if effect.CapType != grant.CapType {
		return deny(StageCapType, CapabilityDenied, grantName,
			fmt.Sprintf("effect %q needs cap type %q, grant is %q", req.Kind, effect.CapType, grant.CapType))
	}

	if reason := checkConstraints(grant.Constraints, req.Params); reason != "" {
		return deny(StageConstraint, CapabilityDenied, grantName, reason)
	}

	for i, rule := range m.Policy {
		if !rule.Matches(req.Kind, req.CapName, req.OriginKind, req.Origin.Module) {
			continue
		}
		name := rule.Name
		if name == "" {
			name = "#" + strconv.Itoa(i)
		}
		if rule.Decision == manifest.DecisionAllow {
			return Decision{Allowed: true, Stage: StagePolicy, Grant: grantName, Rule: name}
		}
		return Decision{Stage: StagePolicy, Code: PolicyDenied, Grant: grantName, Rule: name, Reason: "denied by rule"}
	}
	return Decision{Stage: StagePolicy, Code: PolicyDenied, Grant: grantName, Reason: "no policy rule matched"}
}

func deny(stage, code, grant, reason string) Decision {
	return Decision{Stage: stage, Code: code, Grant: grant, Reason: reason}
}

// checkConstraints returns the first violation in param-name order, or "".
func checkConstraints(cs map[string]manifest.Constraint, params ir.IRObject) string {
	names := make([]string, 0, len(cs))
	for name := range cs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		c := cs[name]
		v, present := params[name]
		if !present {
			if len(c.Allow) > 0 || len(c.Prefix) > 0 {
				return fmt.Sprintf("param %q is constrained but missing", name)
			}
			continue
		}
		if len(c.Allow) > 0 {
			s, ok := scalarString(v)
			if !ok || !contains(c.Allow, s) {
				return fmt.Sprintf("param %q not in allowlist", name)
			}
		}
		if len(c.Prefix) > 0 {
			s, ok := v.(ir.IRString)
			if !ok || !hasAnyPrefix(string(s), c.Prefix) {
				return fmt.Sprintf("param %q does not match an allowed prefix", name)
			}
		}
		if c.Max != nil {
			n, ok := v.(ir.IRInt)
			if !ok {
				return fmt.Sprintf("param %q must be int for ceiling check", name)
			}
			if int64(n) > *c.Max {
				return fmt.Sprintf("param %q=%d exceeds ceiling %d", name, n, *c.Max)
			}
		}
	}
	return ""
}

func scalarString(v ir.IRValue) (string, bool) {
	switch val := v.(type) {
	case ir.IRString:
		return string(val), true
	case ir.IRInt:
		return strconv.FormatInt(int64(val), 10), true
	case ir.IRBool:
		return strconv.FormatBool(bool(val)), true
	}
	return "", false
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
