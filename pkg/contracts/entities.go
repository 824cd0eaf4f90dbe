package contracts

import "time"

// QuestionPaper is created once per exam and immutable afterwards except for
// answer-key links.
type QuestionPaper struct {
	ID             string    `json:"id"`
	ExamID         string    `json:"exam_id"`
	Subject        string    `json:"subject"`
	TotalQuestions int       `json:"total_questions"`
	MaxMarks       float64   `json:"max_marks"`
	ContentHash    string    `json:"content_hash"`
	LastBlockHash  string    `json:"last_block_hash,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// KeyStatus is the answer-key lifecycle. Only locked keys may score sheets.
type KeyStatus string

const (
	KeyDraft         KeyStatus = "draft"
	KeyAIVerified    KeyStatus = "ai_verified"
	KeyFlagged       KeyStatus = "flagged"
	KeyHumanApproved KeyStatus = "human_approved"
	KeyLocked        KeyStatus = "locked"
)

// KeyEntry is one question's expected answer and its marks.
type KeyEntry struct {
	Answer string  `json:"answer"`
	Marks  float64 `json:"marks"`
}

// KeyFlag carries optional per-question verification metadata.
type KeyFlag struct {
	Confidence float64 `json:"confidence,omitempty"`
	Note       string  `json:"note,omitempty"`
}

// AnswerKey belongs to one QuestionPaper.
type AnswerKey struct {
	ID            string           `json:"id"`
	PaperID       string           `json:"paper_id"`
	Status        KeyStatus        `json:"status"`
	Entries       map[int]KeyEntry `json:"entries"`
	Flags         map[int]KeyFlag  `json:"flags,omitempty"`
	LastBlockHash string           `json:"last_block_hash,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// TotalMarks sums the key's marks.
func (k *AnswerKey) TotalMarks() float64 {
	var sum float64
	for _, e := range k.Entries {
		sum += e.Marks
	}
	return sum
}

// Sheet is one student's answer sheet moving through the pipeline.
// GateWaitNS accumulates the time spent blocked on interventions; the
// processing deadline excludes it.
type Sheet struct {
	ID                string    `json:"id"`
	PaperID           string    `json:"paper_id"`
	ExamID            string    `json:"exam_id"`
	Roll              string    `json:"roll"`
	ImageHash         string    `json:"image_hash"`
	ReconstructedHash string    `json:"reconstructed_hash,omitempty"`
	Stage             Stage     `json:"stage"`
	Cancelled         bool      `json:"cancelled,omitempty"`
	GateWaitNS        int64     `json:"gate_wait_ns,omitempty"`
	LastBlockHash     string    `json:"last_block_hash,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// SheetAggregate is a sheet with all of its 1:1 relations resolved.
type SheetAggregate struct {
	Sheet          Sheet            `json:"sheet"`
	Quality        *QualityRecord   `json:"quality,omitempty"`
	Bubbles        *BubbleReading   `json:"bubbles,omitempty"`
	AIVerdict      *AISolverVerdict `json:"ai_verdict,omitempty"`
	Manual         *ManualEntry     `json:"manual,omitempty"`
	Reconciliation *Reconciliation  `json:"reconciliation,omitempty"`
	Score          *ScoreResult     `json:"score,omitempty"`
}
