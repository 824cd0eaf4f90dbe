// Wire types mirroring the node's JSON surface. Question-keyed maps use
// int keys; encoding/json converts them to and from the string keys the
// node speaks.

package client

// ErrorCode is the stable code carried in every error envelope. Clients
// branch on the code, not the message.
type ErrorCode string

const (
	CodeValidation            ErrorCode = "VALIDATION"
	CodeNotFound              ErrorCode = "NOT_FOUND"
	CodePreconditionFailed    ErrorCode = "PRECONDITION_FAILED"
	CodeConflict              ErrorCode = "CONFLICT"
	CodeCancelled             ErrorCode = "CANCELLED"
	CodeGateBlocked           ErrorCode = "GATE_BLOCKED"
	CodeAdapterUnavailable    ErrorCode = "ADAPTER_UNAVAILABLE"
	CodeSignatureInsufficient ErrorCode = "SIGNATURE_INSUFFICIENT"
	CodeChainIntegrity        ErrorCode = "CHAIN_INTEGRITY"
	CodeRateLimited           ErrorCode = "RATE_LIMITED"
	CodeInternal              ErrorCode = "INTERNAL"
)

// errorEnvelope is the body of every non-2xx response.
type errorEnvelope struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Stage is a sheet's position in the evaluation pipeline.
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

// Outcome classifies a stage attempt in a 2xx response.
type Outcome string

const (
	OutcomeOK                 Outcome = "ok"
	OutcomePreconditionFailed Outcome = "precondition_failed"
	OutcomeGateBlocked        Outcome = "gate_blocked"
	OutcomeAdapterUnavailable Outcome = "adapter_unavailable"
	OutcomeCancelled          Outcome = "cancelled"
)

// KeyStatus is the answer-key lifecycle. Only locked keys score sheets.
type KeyStatus string

const (
	KeyDraft         KeyStatus = "draft"
	KeyAIVerified    KeyStatus = "ai_verified"
	KeyFlagged       KeyStatus = "flagged"
	KeyHumanApproved KeyStatus = "human_approved"
	KeyLocked        KeyStatus = "locked"
)

// InterventionStatus is the lifecycle of a queued piece of human work.
type InterventionStatus string

const (
	InterventionOpen      InterventionStatus = "open"
	InterventionClaimed   InterventionStatus = "claimed"
	InterventionResolved  InterventionStatus = "resolved"
	InterventionCancelled InterventionStatus = "cancelled"
)

type QuestionPaper struct {
	ID             string  `json:"id"`
	ExamID         string  `json:"exam_id"`
	Subject        string  `json:"subject"`
	TotalQuestions int     `json:"total_questions"`
	MaxMarks       float64 `json:"max_marks"`
	ContentHash    string  `json:"content_hash"`
	LastBlockHash  string  `json:"last_block_hash,omitempty"`
	CreatedAt      string  `json:"created_at"`
	UpdatedAt      string  `json:"updated_at"`
}

type KeyEntry struct {
	Answer string  `json:"answer"`
	Marks  float64 `json:"marks"`
}

type KeyFlag struct {
	Confidence float64 `json:"confidence,omitempty"`
	Note       string  `json:"note,omitempty"`
}

type AnswerKey struct {
	ID            string           `json:"id"`
	PaperID       string           `json:"paper_id"`
	Status        KeyStatus        `json:"status"`
	Entries       map[int]KeyEntry `json:"entries"`
	Flags         map[int]KeyFlag  `json:"flags,omitempty"`
	LastBlockHash string           `json:"last_block_hash,omitempty"`
	CreatedAt     string           `json:"created_at"`
	UpdatedAt     string           `json:"updated_at"`
}

type Sheet struct {
	ID                string `json:"id"`
	PaperID           string `json:"paper_id"`
	ExamID            string `json:"exam_id"`
	Roll              string `json:"roll"`
	ImageHash         string `json:"image_hash"`
	ReconstructedHash string `json:"reconstructed_hash,omitempty"`
	Stage             Stage  `json:"stage"`
	Cancelled         bool   `json:"cancelled,omitempty"`
	GateWaitNS        int64  `json:"gate_wait_ns,omitempty"`
	LastBlockHash     string `json:"last_block_hash,omitempty"`
	CreatedAt         string `json:"created_at"`
	UpdatedAt         string `json:"updated_at"`
}

type DamageRegion struct {
	Kind     string `json:"kind"`
	Severity string `json:"severity"`
}

type QualityRecord struct {
	SheetID           string         `json:"sheet_id"`
	Score             float64        `json:"score"`
	Damage            []DamageRegion `json:"damage,omitempty"`
	Recoverable       bool           `json:"recoverable"`
	Decision          string         `json:"decision"`
	ReconstructedHash string         `json:"reconstructed_hash,omitempty"`
}

type DetectedAnswer struct {
	Answer     string  `json:"answer"`
	Confidence float64 `json:"confidence"`
}

type BubbleReading struct {
	SheetID string                 `json:"sheet_id"`
	Answers map[int]DetectedAnswer `json:"answers"`
	Source  string                 `json:"source,omitempty"`
}

type SolverAnswer struct {
	Answer      string  `json:"answer"`
	Confidence  float64 `json:"confidence"`
	Explanation string  `json:"explanation,omitempty"`
}

type AISolverVerdict struct {
	SheetID string               `json:"sheet_id"`
	Answers map[int]SolverAnswer `json:"answers"`
}

type ManualEntry struct {
	SheetID   string         `json:"sheet_id"`
	Answers   map[int]string `json:"answers"`
	EnteredBy string         `json:"entered_by"`
}

type ReconRow struct {
	OMR    *string `json:"omr"`
	AI     *string `json:"ai"`
	Manual *string `json:"manual"`
	Final  *string `json:"final"`
	Status string  `json:"status"`
}

type Reconciliation struct {
	SheetID string           `json:"sheet_id"`
	Rows    map[int]ReconRow `json:"rows"`
}

type QuestionScore struct {
	Final     *string `json:"final"`
	KeyAnswer string  `json:"key_answer"`
	KeyMarks  float64 `json:"key_marks"`
	Awarded   float64 `json:"awarded"`
	Correct   bool    `json:"correct"`
}

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
}

// SheetAggregate is a sheet with every per-stage record the node holds
// for it.
type SheetAggregate struct {
	Sheet          Sheet            `json:"sheet"`
	Quality        *QualityRecord   `json:"quality,omitempty"`
	Bubbles        *BubbleReading   `json:"bubbles,omitempty"`
	AIVerdict      *AISolverVerdict `json:"ai_verdict,omitempty"`
	Manual         *ManualEntry     `json:"manual,omitempty"`
	Reconciliation *Reconciliation  `json:"reconciliation,omitempty"`
	Score          *ScoreResult     `json:"score,omitempty"`
}

// PayloadEntry is one hashed key/value pair inside a block payload.
type PayloadEntry struct {
	Key       string `json:"key"`
	ValueHash string `json:"value_hash"`
}

// Signature is a detached Ed25519 signature over a block's merkle root.
type Signature struct {
	SignerKind string `json:"signer_kind"`
	KeyID      string `json:"key_id,omitempty"`
	PublicKey  string `json:"public_key"`
	Sig        string `json:"signature"`
}

// Block is one record in the node's hash-chained audit ledger.
type Block struct {
	Index      uint64         `json:"index"`
	Timestamp  int64          `json:"timestamp"` // UTC nanoseconds
	Kind       string         `json:"kind"`
	Payload    []PayloadEntry `json:"payload"`
	MerkleRoot string         `json:"merkle_root"`
	PrevHash   string         `json:"prev_hash"`
	Signatures []Signature    `json:"signatures"`
	Nonce      uint64         `json:"nonce"`
	SelfHash   string         `json:"self_hash,omitempty"`
}

// Proof ties a block to the chain head, enough for a holder of the
// block hash to check inclusion.
type Proof struct {
	BlockIndex  uint64 `json:"block_index"`
	BlockHash   string `json:"block_hash"`
	MerkleRoot  string `json:"merkle_root"`
	PrevHash    string `json:"prev_hash"`
	Timestamp   int64  `json:"timestamp"`
	ChainLength int    `json:"chain_length"`
	HeadHash    string `json:"head_hash"`
}

type EntityRef struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

type InterventionItem struct {
	ID             string             `json:"id"`
	Entity         EntityRef          `json:"entity"`
	SheetID        string             `json:"sheet_id,omitempty"`
	Reason         string             `json:"reason"`
	Detail         string             `json:"detail,omitempty"`
	Priority       string             `json:"priority"`
	Status         InterventionStatus `json:"status"`
	Assignee       *string            `json:"assignee,omitempty"`
	ResolutionNote string             `json:"resolution_note,omitempty"`
	OpenedBlock    string             `json:"opened_block,omitempty"`
	ResolvedBlock  string             `json:"resolved_block,omitempty"`
}

// InterventionDecision is the payload supplied when resolving an item.
type InterventionDecision struct {
	Note     string `json:"note,omitempty"`
	Outcome  string `json:"outcome,omitempty"`
	Question int    `json:"question,omitempty"`
	Answer   string `json:"answer,omitempty"`
}

// ResultSummary is the published result for one roll number.
type ResultSummary struct {
	Roll                string   `json:"roll"`
	SheetID             string   `json:"sheet_id"`
	ExamID              string   `json:"exam_id"`
	Subject             string   `json:"subject"`
	Stage               Stage    `json:"stage"`
	AutomatedMarks      float64  `json:"automated_marks"`
	ManualMarks         *float64 `json:"manual_marks,omitempty"`
	MaxMarks            float64  `json:"max_marks"`
	Percentage          float64  `json:"percentage"`
	Grade               string   `json:"grade"`
	IsPerfectEvaluation bool     `json:"is_perfect_evaluation"`
	Finalized           bool     `json:"finalized"`
	BlockHash           string   `json:"block_hash,omitempty"`
	UpdatedAt           string   `json:"updated_at"`
}

type CreatePaperRequest struct {
	ExamID         string  `json:"exam_id"`
	Subject        string  `json:"subject"`
	TotalQuestions int     `json:"total_questions"`
	MaxMarks       float64 `json:"max_marks"`
	ContentHash    string  `json:"content_hash"`
}

type PaperResponse struct {
	Paper *QuestionPaper `json:"paper"`
	Block *Block         `json:"block,omitempty"`
}

type SubmitKeyRequest struct {
	PaperID string           `json:"paper_id"`
	Entries map[int]KeyEntry `json:"entries"`
}

type ApproveKeyRequest struct {
	ApprovedBy  string           `json:"approved_by"`
	Corrections map[int]KeyEntry `json:"corrections,omitempty"`
}

type KeyResponse struct {
	Key           *AnswerKey `json:"key"`
	Block         *Block     `json:"block,omitempty"`
	Interventions []string   `json:"interventions,omitempty"`
}

type IngestRequest struct {
	PaperID   string `json:"paper_id"`
	Roll      string `json:"roll"`
	Image     []byte `json:"image,omitempty"`
	ImageHash string `json:"image_hash,omitempty"`
}

type IngestResponse struct {
	Outcome Outcome `json:"outcome"`
	Sheet   *Sheet  `json:"sheet"`
	Block   *Block  `json:"block,omitempty"`
	Queued  bool    `json:"queued,omitempty"`
}

type BubblesRequest struct {
	Answers map[int]DetectedAnswer `json:"answers"`
	Source  string                 `json:"source,omitempty"`
}

type ManualRequest struct {
	Answers   map[int]string `json:"answers"`
	EnteredBy string         `json:"entered_by"`
}

type FinalizeRequest struct {
	// Kinds names the signer kinds the node should sign with itself;
	// Signatures carries externally produced ones. Either or both.
	Kinds      []string    `json:"kinds,omitempty"`
	Signatures []Signature `json:"signatures,omitempty"`
}

// StageResponse is the committed-transition shape shared by every
// stage trigger.
type StageResponse struct {
	Outcome       Outcome  `json:"outcome"`
	Sheet         *Sheet   `json:"sheet"`
	Block         *Block   `json:"block,omitempty"`
	Interventions []string `json:"interventions,omitempty"`
}

type WorkflowResponse struct {
	Sheet         *Sheet   `json:"sheet,omitempty"`
	Outcome       Outcome  `json:"outcome,omitempty"`
	Interventions []string `json:"interventions,omitempty"`
	Waiting       string   `json:"waiting,omitempty"`
	Queued        bool     `json:"queued,omitempty"`
}

type LedgerStatus struct {
	Blocks     int    `json:"blocks"`
	HeadHash   string `json:"head_hash,omitempty"`
	HeadIndex  uint64 `json:"head_index"`
	Difficulty int    `json:"difficulty"`
	ReadOnly   bool   `json:"read_only"`
}

type LedgerStats struct {
	TotalBlocks int            `json:"total_blocks"`
	Kinds       map[string]int `json:"block_kinds"`
	Difficulty  int            `json:"difficulty"`
	HeadHash    string         `json:"head_hash,omitempty"`
	GenesisHash string         `json:"genesis_hash,omitempty"`
	ReadOnly    bool           `json:"read_only"`
}

type BlocksPage struct {
	Blocks []Block `json:"blocks"`
	Count  int     `json:"count"`
}

type BlockWithProof struct {
	Block Block `json:"block"`
	Proof Proof `json:"proof"`
}

type ValidateReport struct {
	Valid    bool   `json:"valid"`
	Blocks   int    `json:"blocks"`
	ReadOnly bool   `json:"read_only"`
	Block    uint64 `json:"block,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type ResolveRequest struct {
	Assignee string               `json:"assignee"`
	Decision InterventionDecision `json:"decision"`
}

type InterventionPage struct {
	Items []InterventionItem `json:"items"`
	Count int                `json:"count"`
}

type Health struct {
	Status        string  `json:"status"`
	Blocks        int     `json:"blocks"`
	ReadOnly      bool    `json:"read_only"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}
