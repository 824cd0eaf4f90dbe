package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Scrutineer-Labs/omrchain/pkg/contracts"
	"github.com/Scrutineer-Labs/omrchain/pkg/ledger"
)

// Outcome classifies one stage attempt. Stage functions return a
// StageResult for domain outcomes instead of an error, so the workflow
// driver and the HTTP layer branch on the outcome directly.
type Outcome string

const (
	OutcomeOK                 Outcome = "ok"
	OutcomePreconditionFailed Outcome = "precondition_failed"
	OutcomeGateBlocked        Outcome = "gate_blocked"
	OutcomeAdapterUnavailable Outcome = "adapter_unavailable"
	OutcomeCancelled          Outcome = "cancelled"
)

// StageResult is the outcome of one stage attempt. Block is set only
// on OutcomeOK. Interventions carries the ids gating the sheet, or the
// ids the attempt itself opened.
type StageResult struct {
	Outcome       Outcome
	Sheet         *contracts.Sheet
	Block         *ledger.Block
	Interventions []string
	Err           error
}

// OK reports whether the attempt committed its transition.
func (r *StageResult) OK() bool { return r.Outcome == OutcomeOK }

var (
	// ErrInvalid wraps malformed-input failures. They have no ledger
	// effect.
	ErrInvalid = errors.New("invalid request")

	// ErrCancelled marks a cooperative cancel observed mid-stage; the
	// stage unwinds without committing.
	ErrCancelled = errors.New("sheet cancelled")
)

// PreconditionError reports a stage or status guard that did not hold.
// ID names the sheet or key; Stage carries the sheet stage or key
// status the guard saw.
type PreconditionError struct {
	ID     string
	Stage  string
	Reason string
}

func (e *PreconditionError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s at %s: %s", e.ID, e.Stage, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.ID, e.Reason)
}

// GateBlockedError reports open interventions pinning a sheet.
type GateBlockedError struct {
	SheetID       string
	Interventions []string
}

func (e *GateBlockedError) Error() string {
	return fmt.Sprintf("sheet %s gated by open interventions: %s",
		e.SheetID, strings.Join(e.Interventions, ", "))
}

func okResult(sh *contracts.Sheet, b ledger.Block, ids ...string) *StageResult {
	return &StageResult{Outcome: OutcomeOK, Sheet: sh, Block: &b, Interventions: ids}
}

func precondition(sh *contracts.Sheet, reason string) *StageResult {
	return &StageResult{
		Outcome: OutcomePreconditionFailed,
		Sheet:   sh,
		Err:     &PreconditionError{ID: sh.ID, Stage: string(sh.Stage), Reason: reason},
	}
}

func gateBlocked(sh *contracts.Sheet, ids []string) *StageResult {
	return &StageResult{
		Outcome:       OutcomeGateBlocked,
		Sheet:         sh,
		Interventions: ids,
		Err:           &GateBlockedError{SheetID: sh.ID, Interventions: ids},
	}
}

func adapterDown(sh *contracts.Sheet, cause error, ids ...string) *StageResult {
	return &StageResult{Outcome: OutcomeAdapterUnavailable, Sheet: sh, Interventions: ids, Err: cause}
}

func cancelledResult(sh *contracts.Sheet) *StageResult {
	return &StageResult{Outcome: OutcomeCancelled, Sheet: sh, Err: ErrCancelled}
}
