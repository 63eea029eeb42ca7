package ir

// Journal record kinds. Input kinds are facts from outside the world; the
// rest are derived deterministically from inputs and are re-derived on replay.
const (
	RecordDomainEvent    = "domain_event"
	RecordEffectIntent   = "effect_intent"
	RecordPolicyDecision = "policy_decision"
	RecordReceipt        = "receipt"
	RecordStreamFrame    = "stream_frame"
	RecordInstanceStep   = "instance_step"
	RecordManifestSwap   = "manifest_swap"
	RecordSnapshot       = "snapshot"
)

// RecordKinds lists every kind in a stable order.
var RecordKinds = []string{
	RecordDomainEvent,
	RecordEffectIntent,
	RecordPolicyDecision,
	RecordReceipt,
	RecordStreamFrame,
	RecordInstanceStep,
	RecordManifestSwap,
	RecordSnapshot,
}

// ValidRecordKind reports whether kind is a known record kind.
func ValidRecordKind(kind string) bool {
	for _, k := range RecordKinds {
		if k == kind {
			return true
		}
	}
	return false
}
