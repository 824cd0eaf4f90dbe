// Package store persists the evaluation entities in SQLite and pairs
// every state transition with a ledger append through a write-ahead
// intent journal: record intent, mutate rows, append the block, clear
// the intent. Recovery rolls half-done transitions back from their
// before-images unless the block made it to the chain.
package store

import (
	"errors"
	"time"

	"github.com/Scrutineer-Labs/omrchain/pkg/contracts"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record already exists")
)

// InterventionFilter narrows ListInterventions. Zero values match all.
type InterventionFilter struct {
	Status   contracts.InterventionStatus
	Priority contracts.Priority
	Assignee *string
	SheetID  string
	Limit    int
}

// Intent is one journaled transition: enough before-image to put every
// row the transition touches back the way it was. Exactly one entity
// group is populated per intent in practice, plus the optional sheet
// stage move that accompanies record writes.
type Intent struct {
	ID        string    `json:"id"`
	SheetID   string    `json:"sheet_id,omitempty"`
	Op        string    `json:"op"`
	CreatedAt time.Time `json:"created_at"`

	// Sheet row: restore SheetBefore, or delete when the transition
	// created the sheet.
	SheetBefore  *contracts.Sheet `json:"sheet_before,omitempty"`
	SheetCreated bool             `json:"sheet_created,omitempty"`

	// 1:1 record row inserted by the transition; rollback deletes it.
	RecordTable string `json:"record_table,omitempty"`

	// Answer key row.
	KeyPaperID string               `json:"key_paper_id,omitempty"`
	KeyBefore  *contracts.AnswerKey `json:"key_before,omitempty"`
	KeyCreated bool                 `json:"key_created,omitempty"`

	// Question paper row.
	PaperID      string                   `json:"paper_id,omitempty"`
	PaperBefore  *contracts.QuestionPaper `json:"paper_before,omitempty"`
	PaperCreated bool                     `json:"paper_created,omitempty"`

	// Intervention row.
	ItemID      string                      `json:"item_id,omitempty"`
	ItemBefore  *contracts.InterventionItem `json:"item_before,omitempty"`
	ItemCreated bool                        `json:"item_created,omitempty"`
}

// RecoveryReport summarizes what startup recovery did with the journal.
type RecoveryReport struct {
	Completed  int // block on chain; mutation kept, intent cleared
	RolledBack int // block absent; mutation undone, intent cleared
}
