package sequence

// Verdict is the three-way classification of an incoming event against a
// session's last-applied sequence.
type Verdict int

const (
	// VerdictApply: the event is exactly the next contiguous slot(s); apply
	// it and advance the cursor to the event's sequence.
	VerdictApply Verdict = iota

	// VerdictSkip: the event's range lies entirely at or before the cursor;
	// a duplicate or replay, dropped without mutating state.
	VerdictSkip

	// VerdictGap: one or more events are missing; the event must not be
	// applied until the half-open range (local, incoming] is recovered.
	VerdictGap
)

func (v Verdict) String() string {
	switch v {
	case VerdictApply:
		return "apply"
	case VerdictSkip:
		return "skip"
	case VerdictGap:
		return "gap"
	}
	return "unknown"
}

// Classify compares a session's last-applied sequence with an incoming
// event's sequence and step count. This three-way split, rather than a plain
// equality check, is what makes delivery replay-safe and reconnect-safe: a
// redelivered old event is a Skip, an early future event is a Gap, and
// neither is ambiguous.
func Classify(local, incoming, stepCount uint64) Verdict {
	expected := local + stepCount
	switch {
	case expected == incoming:
		return VerdictApply
	case expected > incoming:
		return VerdictSkip
	default:
		return VerdictGap
	}
}
