package types

// Memory and fact provenance labels. Source is free text; unknown labels rank
// lowest.
const (
	// SourceAuto marks items the planner extracted on its own.
	SourceAuto = "auto"
	// SourceExplicit marks items the user asked to be remembered.
	SourceExplicit = "explicit"
	// SourceManual marks items an operator entered by hand.
	SourceManual = "manual"
	// SourceSystem marks items written by internal services.
	SourceSystem = "system"
)

// SourcePriority ranks sources for merge and overwrite decisions: a write may
// replace an existing value only when its priority is not lower. Ties favor
// the newer write.
func SourcePriority(source string) int {
	switch source {
	case SourceManual, SourceSystem:
		return 2
	case SourceExplicit:
		return 1
	default:
		return 0
	}
}

// HigherPrioritySource picks the surviving source label for a merged row.
// Ties go to the incoming label, so a fresh write refreshes provenance.
func HigherPrioritySource(existing, incoming string) string {
	if SourcePriority(existing) > SourcePriority(incoming) {
		return existing
	}
	return incoming
}
