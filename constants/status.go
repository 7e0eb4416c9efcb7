package constants

// PrescriptionStatus is the authoritative status of a prescription record.
// It is mutated only by pipeline completion/failure handlers and operator reset.
type PrescriptionStatus string

// Stable values (store these exact strings in DB).
const (
	StatusPending          PrescriptionStatus = "pending"
	StatusExtractionDone   PrescriptionStatus = "extraction_done"
	StatusExtractionFailed PrescriptionStatus = "extraction_failed"
	StatusAnalysisDone     PrescriptionStatus = "analysis_done"
	StatusAnalysisFailed   PrescriptionStatus = "analysis_failed"
)

// Stage names one pipeline step; each stage owns a dedicated queue.
type Stage string

const (
	StageExtraction   Stage = "extraction"
	StageAnalysis     Stage = "analysis"
	StageNotification Stage = "notification"
)

// transitions is the full set of valid status transitions. Operator reset
// (failed -> pending) is the only manual edge; everything else is driven by
// worker outcomes.
var transitions = map[PrescriptionStatus][]PrescriptionStatus{
	StatusPending:          {StatusExtractionDone, StatusExtractionFailed},
	StatusExtractionDone:   {StatusAnalysisDone, StatusAnalysisFailed},
	StatusExtractionFailed: {StatusPending},
	StatusAnalysisFailed:   {StatusPending},
	StatusAnalysisDone:     {},
}

// CanTransition reports whether from -> to is a valid status transition.
func CanTransition(from, to PrescriptionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the automated pipeline takes no further action
// from the given status without operator intervention.
func IsTerminal(s PrescriptionStatus) bool {
	switch s {
	case StatusExtractionFailed, StatusAnalysisFailed, StatusAnalysisDone:
		return true
	}
	return false
}

// NotesEditable reports whether the free-text notes field may be modified
// while the record is in the given status.
func NotesEditable(s PrescriptionStatus) bool {
	switch s {
	case StatusPending, StatusExtractionFailed, StatusAnalysisFailed:
		return true
	}
	return false
}

// FailureStatusFor maps a pipeline stage to the status recorded when its
// retries exhaust.
func FailureStatusFor(stage Stage) PrescriptionStatus {
	if stage == StageAnalysis {
		return StatusAnalysisFailed
	}
	return StatusExtractionFailed
}
