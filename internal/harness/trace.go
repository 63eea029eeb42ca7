package harness

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/worldline/internal/effects"
	"github.com/roach88/worldline/internal/ir"
	"github.com/roach88/worldline/internal/journal"
	"github.com/roach88/worldline/internal/kernel"
	"github.com/roach88/worldline/internal/workflow"
)

// traceEvent summarizes a record. Bodies that fail to decode keep an empty
// detail; the journal itself was already checked by the kernel.
func traceEvent(r journal.Record) TraceEvent {
	ev := TraceEvent{Seq: r.Seq, Kind: r.Kind}
	switch r.Kind {
	case ir.RecordDomainEvent:
		var b kernel.EventRecord
		if json.Unmarshal(r.Body, &b) == nil {
			ev.Detail = b.Schema
			if b.Emitter != nil {
				ev.Detail += " from " + b.Emitter.String()
			}
		}
	case ir.RecordEffectIntent:
		var b ir.EffectIntent
		if json.Unmarshal(r.Body, &b) == nil {
			ev.Detail = b.Kind + " by " + b.Origin.String()
		}
	case ir.RecordPolicyDecision:
		var b effects.DecisionRecord
		if json.Unmarshal(r.Body, &b) == nil {
			if b.Decision.Allowed {
				ev.Detail = "allow " + b.Kind
			} else {
				ev.Detail = fmt.Sprintf("deny %s at %s", b.Kind, b.Decision.Stage)
			}
		}
	case ir.RecordReceipt:
		var b kernel.ReceiptRecord
		if json.Unmarshal(r.Body, &b) == nil {
			ev.Detail = fmt.Sprintf("%s %s", b.Status, b.Outcome)
		}
	case ir.RecordStreamFrame:
		var b kernel.FrameRecord
		if json.Unmarshal(r.Body, &b) == nil {
			ev.Detail = fmt.Sprintf("%s #%d", b.Kind, b.Seq)
			if b.Gap {
				ev.Detail += " gap"
			}
		}
	case ir.RecordInstanceStep:
		var b workflow.StepRecord
		if json.Unmarshal(r.Body, &b) == nil {
			ev.Detail = fmt.Sprintf("%s %s", ir.Origin{Module: b.Module, Key: b.Key}, b.Status)
		}
	case ir.RecordManifestSwap:
		var b kernel.ManifestSwapRecord
		if json.Unmarshal(r.Body, &b) == nil {
			ev.Detail = fmt.Sprintf("v%d", b.Version)
		}
	}
	return ev
}
