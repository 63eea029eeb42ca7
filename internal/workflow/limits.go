package workflow

// Limits bounds what a single tick may produce. Limits are enforced by
// counting, never by measuring time, so a replayed tick hits the same limit.
type Limits struct {
	MaxEffects      int
	MaxDomainEvents int
	MaxOutputBytes  int
}

// DefaultLimits are used when no configuration overrides them.
var DefaultLimits = Limits{
	MaxEffects:      16,
	MaxDomainEvents: 64,
	MaxOutputBytes:  1 << 20,
}

// checkSize rejects an oversized raw output before it is decoded.
func (l Limits) checkSize(module string, n int) *RuntimeError {
	if l.MaxOutputBytes > 0 && n > l.MaxOutputBytes {
		return fault(ErrCodeLimitExceeded, module, "output is %d bytes, limit %d", n, l.MaxOutputBytes)
	}
	return nil
}

// checkCounts rejects a decoded output with too many items.
func (l Limits) checkCounts(module string, effects, events int) *RuntimeError {
	if l.MaxEffects > 0 && effects > l.MaxEffects {
		return fault(ErrCodeLimitExceeded, module, "tick emitted %d effects, limit %d", effects, l.MaxEffects)
	}
	if l.MaxDomainEvents > 0 && events > l.MaxDomainEvents {
		return fault(ErrCodeLimitExceeded, module, "tick emitted %d domain events, limit %d", events, l.MaxDomainEvents)
	}
	return nil
}
