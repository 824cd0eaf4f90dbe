// Package contracts defines the shared domain types: pipeline stages, the
// evaluation entities, and the reconciliation vocabulary. Everything that
// crosses a package boundary or lands in a ledger payload lives here.
package contracts

// Stage is one position in the per-sheet pipeline state machine.
type Stage string

const (
	StageIngested        Stage = "INGESTED"
	StageQualityAssessed Stage = "QUALITY_ASSESSED"
	StageReconstructed   Stage = "RECONSTRUCTED"
	StageBubblesRead     Stage = "BUBBLES_READ"
	StageAISolved        Stage = "AI_SOLVED"
	StageManualEntered   Stage = "MANUAL_ENTERED"
	StageReconciled      Stage = "RECONCILED"
	StageScored          Stage = "SCORED"
	StageFinalized       Stage = "FINALIZED"
	StageRejected        Stage = "REJECTED"
)

// stageRanks orders stages so observed per-sheet transitions stay monotone.
var stageRanks = map[Stage]int{
	StageIngested:        0,
	StageQualityAssessed: 1,
	StageReconstructed:   2,
	StageBubblesRead:     3,
	StageAISolved:        4,
	StageManualEntered:   5,
	StageReconciled:      6,
	StageScored:          7,
	StageFinalized:       8,
	StageRejected:        8, // terminal alternative, same rank as FINALIZED
}

// Rank returns the stage's position in the machine; unknown stages rank -1.
func (s Stage) Rank() int {
	r, ok := stageRanks[s]
	if !ok {
		return -1
	}
	return r
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	_, ok := stageRanks[s]
	return ok
}

// Terminal reports whether no further transitions are possible.
func (s Stage) Terminal() bool {
	return s == StageFinalized || s == StageRejected
}

// After reports whether s is strictly past other in the machine.
func (s Stage) After(other Stage) bool {
	return s.Rank() > other.Rank()
}
