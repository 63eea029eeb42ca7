package harness

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/roach88/worldline/internal/ir"
	"github.com/roach88/worldline/internal/kernel"
)

// AssertionError is a failed assertion with enough context to debug it.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s\n", ev.Seq, ev)
		}
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion and returns one message per
// failure. w is the world after the last step.
func EvaluateAssertions(result *Result, assertions []Assertion, w *kernel.World) []string {
	var msgs []string
	for i, a := range assertions {
		if err := evaluate(result.Trace, a, w); err != nil {
			msgs = append(msgs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return msgs
}

func evaluate(trace []TraceEvent, a Assertion, w *kernel.World) error {
	switch a.Type {
	case AssertTraceContains:
		return assertTraceContains(trace, a)
	case AssertTraceOrder:
		return assertTraceOrder(trace, a)
	case AssertTraceCount:
		return assertTraceCount(trace, a)
	case AssertInstance:
		return assertInstance(w, a)
	case AssertPending:
		if n := len(w.PendingIntents()); n != a.Count {
			return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("%d pending intent(s)", a.Count), Actual: fmt.Sprintf("%d", n)}
		}
		return nil
	case AssertQuiescent:
		err := w.Quiescence()
		if got := err == nil; got != *a.Value {
			actual := "quiescent"
			if err != nil {
				actual = err.Error()
			}
			return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("quiescent=%v", *a.Value), Actual: actual}
		}
		return nil
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

func matches(ev TraceEvent, a Assertion) bool {
	return ev.Kind == a.Kind && (a.Detail == "" || ev.Detail == a.Detail)
}

func describe(a Assertion) string {
	if a.Detail == "" {
		return a.Kind
	}
	return a.Kind + " " + a.Detail
}

func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, ev := range trace {
		if matches(ev, a) {
			return nil
		}
	}
	return &AssertionError{Type: a.Type, Expected: describe(a), Actual: "not found in trace", Trace: trace}
}

func assertTraceCount(trace []TraceEvent, a Assertion) error {
	n := 0
	for _, ev := range trace {
		if matches(ev, a) {
			n++
		}
	}
	if n != a.Count {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%d occurrences of %s", a.Count, describe(a)),
			Actual:   fmt.Sprintf("%d occurrences", n),
			Trace:    trace,
		}
	}
	return nil
}

// assertTraceOrder checks that the listed events occur in order. Other
// events may appear between them.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	next := 0
	for _, ev := range trace {
		if next < len(a.Order) && ev.String() == a.Order[next] {
			next++
		}
	}
	if next < len(a.Order) {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("events in order: %v", a.Order),
			Actual:   fmt.Sprintf("%q not found after %v", a.Order[next], a.Order[:next]),
			Trace:    trace,
		}
	}
	return nil
}

func assertInstance(w *kernel.World, a Assertion) error {
	var key []byte
	if a.Key != nil {
		v, err := ir.FromGo(a.Key)
		if err != nil {
			return fmt.Errorf("key: %w", err)
		}
		if key, err = ir.MarshalCanonical(v); err != nil {
			return fmt.Errorf("key: %w", err)
		}
	}
	origin := ir.Origin{Module: a.Module, Key: key}.String()

	inst, ok := w.Instance(a.Module, key)
	if !ok {
		return &AssertionError{Type: a.Type, Expected: "instance " + origin, Actual: "no such instance"}
	}
	if a.Status != "" && string(inst.Status) != a.Status {
		return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("%s status %s", origin, a.Status), Actual: string(inst.Status)}
	}
	if len(a.State) == 0 {
		return nil
	}

	raw, err := w.State(a.Module, key)
	if err != nil {
		return fmt.Errorf("state of %s: %w", origin, err)
	}
	state, err := ir.UnmarshalIRObject(raw)
	if err != nil {
		return fmt.Errorf("state of %s: %w", origin, err)
	}
	for field, want := range a.State {
		wantVal, err := ir.FromGo(want)
		if err != nil {
			return fmt.Errorf("state.%s: %w", field, err)
		}
		got, present := state[field]
		if !present || !reflect.DeepEqual(ir.ToGo(wantVal), ir.ToGo(got)) {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprintf("%s state.%s = %v", origin, field, ir.ToGo(wantVal)),
				Actual:   fmt.Sprintf("%v", ir.ToGo(got)),
			}
		}
	}
	return nil
}
