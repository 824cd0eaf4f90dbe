package contracts

import "time"

// Answer sentinels emitted by the vision detector. "X" is accepted as an
// operator alias for NONE at the API edge and normalized before it gets here.
const (
	AnswerNone     = "NONE"
	AnswerMultiple = "MULTIPLE"
)

// QualityDecision is the gate outcome of the quality stage.
type QualityDecision string

const (
	DecisionProceed     QualityDecision = "proceed"
	DecisionReconstruct QualityDecision = "reconstruct"
	DecisionReject      QualityDecision = "reject"
	DecisionHumanReview QualityDecision = "human_review"
)

// Valid reports whether d is a known decision.
func (d QualityDecision) Valid() bool {
	switch d {
	case DecisionProceed, DecisionReconstruct, DecisionReject, DecisionHumanReview:
		return true
	}
	return false
}

// DamageRegion is one damaged area reported by the quality service.
type DamageRegion struct {
	Kind     string `json:"kind"`
	Severity string `json:"severity"` // minor | moderate | severe
}

// QualityRecord is 1:1 with a Sheet.
type QualityRecord struct {
	SheetID           string          `json:"sheet_id"`
	Score             float64         `json:"score"`
	Damage            []DamageRegion  `json:"damage,omitempty"`
	Recoverable       bool            `json:"recoverable"`
	Decision          QualityDecision `json:"decision"`
	ReconstructedHash string          `json:"reconstructed_hash,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// SevereCount counts regions the quality service graded severe.
func (q *QualityRecord) SevereCount() int {
	n := 0
	for _, d := range q.Damage {
		if d.Severity == "severe" {
			n++
		}
	}
	return n
}

// DetectedAnswer is one bubble detection with its confidence.
type DetectedAnswer struct {
	Answer     string  `json:"answer"`
	Confidence float64 `json:"confidence"`
}

// BubbleReading is 1:1 with a Sheet: the vision detector's output.
type BubbleReading struct {
	SheetID   string                 `json:"sheet_id"`
	Answers   map[int]DetectedAnswer `json:"answers"`
	Source    string                 `json:"source,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// SolverAnswer is the independent AI solver's answer for one question.
type SolverAnswer struct {
	Answer      string  `json:"answer"`
	Confidence  float64 `json:"confidence"`
	Explanation string  `json:"explanation,omitempty"`
}

// AISolverVerdict is 1:1 with a Sheet, optional.
type AISolverVerdict struct {
	SheetID   string               `json:"sheet_id"`
	Answers   map[int]SolverAnswer `json:"answers"`
	CreatedAt time.Time            `json:"created_at"`
}

// ManualEntry is 1:1 with a Sheet, optional: a human operator's typed-in
// answers.
type ManualEntry struct {
	SheetID   string         `json:"sheet_id"`
	Answers   map[int]string `json:"answers"`
	EnteredBy string         `json:"entered_by"`
	EnteredAt time.Time      `json:"entered_at"`
}

// AnswerStatus classifies one reconciled question.
type AnswerStatus string

const (
	StatusMatched        AnswerStatus = "matched"
	StatusDisputedAI     AnswerStatus = "disputed_ai"
	StatusDisputedManual AnswerStatus = "disputed_manual"
	StatusThreeWaySplit  AnswerStatus = "three_way_split"
	StatusNeedsReview    AnswerStatus = "needs_review"
	StatusResolved       AnswerStatus = "resolved"
)

// Decided reports whether the status carries a usable final answer.
func (s AnswerStatus) Decided() bool {
	switch s {
	case StatusMatched, StatusDisputedAI, StatusDisputedManual, StatusResolved:
		return true
	}
	return false
}

// ReconRow is the per-question reconciliation tuple.
type ReconRow struct {
	OMR    *string      `json:"omr"`
	AI     *string      `json:"ai"`
	Manual *string      `json:"manual"`
	Final  *string      `json:"final"`
	Status AnswerStatus `json:"status"`
}

// Reconciliation is 1:1 with a Sheet.
type Reconciliation struct {
	SheetID   string           `json:"sheet_id"`
	Rows      map[int]ReconRow `json:"rows"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// QuestionScore is the per-question scoring breakdown.
type QuestionScore struct {
	Final     *string `json:"final"`
	KeyAnswer string  `json:"key_answer"`
	KeyMarks  float64 `json:"key_marks"`
	Awarded   float64 `json:"awarded"`
	Correct   bool    `json:"correct"`
}

// ScoreResult is 1:1 with a Sheet.
type ScoreResult struct {
	SheetID             string                `json:"sheet_id"`
	AutomatedMarks      float64               `json:"automated_marks"`
	ManualMarks         *float64              `json:"manual_marks,omitempty"`
	MaxMarks            float64               `json:"max_marks"`
	Percentage          float64               `json:"percentage"`
	MarksMatch          bool                  `json:"marks_match"`
	IsPerfectEvaluation bool                  `json:"is_perfect_evaluation"`
	Grade               string                `json:"grade"`
	Breakdown           map[int]QuestionScore `json:"breakdown"`
	CreatedAt           time.Time             `json:"created_at"`
	UpdatedAt           time.Time             `json:"updated_at"`
}
