package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario is a scripted run of one world: a genesis manifest, a list of
// inputs and lifecycle steps, and assertions on the final state.
type Scenario struct {
	// Name identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario demonstrates.
	Description string `yaml:"description"`

	// Manifest is the genesis manifest as inline CUE with a top-level
	// manifest field.
	Manifest string `yaml:"manifest"`

	// StartNs is the initial logical time. Defaults to 1000.
	StartNs int64 `yaml:"start_ns,omitempty"`

	// Steps run in order against the world.
	Steps []Step `yaml:"steps"`

	// Assertions are checked after the last step.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one scenario action. Exactly one of the action fields is set.
type Step struct {
	Event    *EventStep   `yaml:"event,omitempty"`
	Receipt  *ReceiptStep `yaml:"receipt,omitempty"`
	Frame    *FrameStep   `yaml:"frame,omitempty"`
	Snapshot bool         `yaml:"snapshot,omitempty"`
	Restart  bool         `yaml:"restart,omitempty"`
	// Apply swaps in the inline CUE manifest.
	Apply string `yaml:"apply,omitempty"`
	// Advance moves logical time forward and fires due timers.
	Advance int64 `yaml:"advance,omitempty"`

	// ExpectError makes the step pass only if it fails with an error
	// containing this text.
	ExpectError string `yaml:"expect_error,omitempty"`
	// ExpectDropped makes a receipt or frame step pass only if the kernel
	// dropped it.
	ExpectDropped bool `yaml:"expect_dropped,omitempty"`
}

// EventStep submits an external domain event.
type EventStep struct {
	Schema string         `yaml:"schema"`
	Value  map[string]any `yaml:"value"`
}

// IntentRef picks a pending intent: the oldest one of Kind, optionally
// restricted to one origin module.
type IntentRef struct {
	Intent string `yaml:"intent"`
	Module string `yaml:"module,omitempty"`
}

// ReceiptStep answers a pending intent with a signed receipt.
type ReceiptStep struct {
	IntentRef `yaml:",inline"`
	// Status is ok, error or timeout. Defaults to ok.
	Status  string         `yaml:"status,omitempty"`
	Payload map[string]any `yaml:"payload,omitempty"`
	// Message is the payload of an error or timeout receipt.
	Message string `yaml:"message,omitempty"`
	Cost    int64  `yaml:"cost,omitempty"`
	// Adapter overrides the adapter that signs; defaults to the one the
	// manifest names for the effect.
	Adapter string `yaml:"adapter,omitempty"`
}

// FrameStep delivers a stream frame for a pending intent.
type FrameStep struct {
	IntentRef `yaml:",inline"`
	Seq       int64          `yaml:"seq"`
	Kind      string         `yaml:"kind"`
	Payload   map[string]any `yaml:"payload,omitempty"`
	// Fence overrides the emitted_at_seq the frame carries.
	Fence int64 `yaml:"fence,omitempty"`
}

// Assertion checks the final world or its journal trace.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Kind and Detail select trace events (trace_contains, trace_count).
	Kind   string `yaml:"kind,omitempty"`
	Detail string `yaml:"detail,omitempty"`
	// Count is the expected number of matches (trace_count, pending).
	Count int `yaml:"count,omitempty"`
	// Order lists trace events in "kind detail" form (trace_order).
	Order []string `yaml:"order,omitempty"`

	// Module, Key, Status and State describe an instance (instance).
	// State is matched as a subset of the instance's JSON state.
	Module string         `yaml:"module,omitempty"`
	Key    any            `yaml:"key,omitempty"`
	Status string         `yaml:"status,omitempty"`
	State  map[string]any `yaml:"state,omitempty"`

	// Value is the expected answer of a quiescent assertion.
	Value *bool `yaml:"value,omitempty"`
}

// Assertion types.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertInstance      = "instance"
	AssertPending       = "pending"
	AssertQuiescent     = "quiescent"
)

// LoadScenario reads and validates a scenario file. Unknown YAML fields
// are rejected so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Manifest == "" {
		return fmt.Errorf("manifest is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	for i, step := range s.Steps {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(s Step) error {
	n := 0
	for _, set := range []bool{s.Event != nil, s.Receipt != nil, s.Frame != nil, s.Snapshot, s.Restart, s.Apply != "", s.Advance != 0} {
		if set {
			n++
		}
	}
	if n != 1 {
		return fmt.Errorf("exactly one action is required, got %d", n)
	}
	switch {
	case s.Event != nil && s.Event.Schema == "":
		return fmt.Errorf("event: schema is required")
	case s.Receipt != nil && s.Receipt.Intent == "":
		return fmt.Errorf("receipt: intent is required")
	case s.Frame != nil && s.Frame.Intent == "":
		return fmt.Errorf("frame: intent is required")
	case s.Advance < 0:
		return fmt.Errorf("advance must be positive")
	case s.ExpectDropped && s.Receipt == nil && s.Frame == nil:
		return fmt.Errorf("expect_dropped applies only to receipts and frames")
	}
	return nil
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertTraceContains:
		if a.Kind == "" {
			return fmt.Errorf("kind is required for trace_contains")
		}
	case AssertTraceCount:
		if a.Kind == "" {
			return fmt.Errorf("kind is required for trace_count")
		}
		if a.Count < 0 {
			return fmt.Errorf("count must be non-negative for trace_count")
		}
	case AssertTraceOrder:
		if len(a.Order) == 0 {
			return fmt.Errorf("order list is required for trace_order")
		}
	case AssertInstance:
		if a.Module == "" {
			return fmt.Errorf("module is required for instance")
		}
	case AssertPending:
		if a.Count < 0 {
			return fmt.Errorf("count must be non-negative for pending")
		}
	case AssertQuiescent:
		if a.Value == nil {
			return fmt.Errorf("value is required for quiescent")
		}
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
