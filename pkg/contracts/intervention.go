package contracts

import "time"

// Priority orders intervention items in the queue.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// priorityRanks: higher number drains first.
var priorityRanks = map[Priority]int{
	PriorityLow:      0,
	PriorityNormal:   1,
	PriorityHigh:     2,
	PriorityCritical: 3,
}

// Rank maps a priority to its ordering weight; unknown priorities rank -1.
func (p Priority) Rank() int {
	r, ok := priorityRanks[p]
	if !ok {
		return -1
	}
	return r
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	_, ok := priorityRanks[p]
	return ok
}

// InterventionStatus is the item lifecycle: open → claimed → resolved, with
// cancelled terminal from any non-terminal state.
type InterventionStatus string

const (
	InterventionOpen      InterventionStatus = "open"
	InterventionClaimed   InterventionStatus = "claimed"
	InterventionResolved  InterventionStatus = "resolved"
	InterventionCancelled InterventionStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s InterventionStatus) Terminal() bool {
	return s == InterventionResolved || s == InterventionCancelled
}

// Reason kinds for intervention items.
const (
	ReasonQualityReview    = "quality_review"
	ReasonKeyDisagreement  = "key_disagreement"
	ReasonReconDispute     = "reconciliation_dispute"
	ReasonLowConfidence    = "low_confidence"
	ReasonAdapterFailure   = "adapter_failure"
	ReasonDeadlineExceeded = "deadline_exceeded"
	ReasonCancelled        = "cancelled"
	ReasonRecheckRequest   = "recheck_request"
)

// EntityRef points an intervention at the entity it blocks.
type EntityRef struct {
	Kind string `json:"kind"` // sheet | answer_key | reconciliation_row
	ID   string `json:"id"`
}

// InterventionItem is one queued piece of human work.
type InterventionItem struct {
	ID             string             `json:"id"`
	Entity         EntityRef          `json:"entity"`
	SheetID        string             `json:"sheet_id,omitempty"` // set when the item pins a sheet
	Reason         string             `json:"reason"`
	Detail         string             `json:"detail,omitempty"`
	Priority       Priority           `json:"priority"`
	Status         InterventionStatus `json:"status"`
	Assignee       *string            `json:"assignee,omitempty"`
	ResolutionNote string             `json:"resolution_note,omitempty"`
	OpenedBlock    string             `json:"opened_block,omitempty"`
	ResolvedBlock  string             `json:"resolved_block,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// InterventionDecision is the payload supplied when resolving an item.
type InterventionDecision struct {
	Note string `json:"note,omitempty"`
	// Outcome routes post-resolution behavior: for quality gates it can be
	// proceed | reconstruct | reject; for reconciliation rows it carries the
	// chosen final answer in Answer.
	Outcome  string `json:"outcome,omitempty"`
	Question int    `json:"question,omitempty"`
	Answer   string `json:"answer,omitempty"`
}
