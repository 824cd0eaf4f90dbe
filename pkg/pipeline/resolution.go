package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/Scrutineer-Labs/omrchain/pkg/canonical"
	"github.com/Scrutineer-Labs/omrchain/pkg/contracts"
	"github.com/Scrutineer-Labs/omrchain/pkg/intervention"
	"github.com/Scrutineer-Labs/omrchain/pkg/ledger"
	"github.com/Scrutineer-Labs/omrchain/pkg/reconcile"
)

// Outcomes for deadline-exceeded items. Quality-review items reuse the
// gate decision values proceed, reconstruct and reject.
const (
	ResolutionResume = "resume"
	ResolutionCancel = "cancel"
)

// CancelSheet raises the sheet's cancel token and persists the flag.
// Cancelled sheets keep their stage and never advance again; their open
// interventions are withdrawn. Cancelling appends no block of its own.
func (p *Pipeline) CancelSheet(ctx context.Context, sheetID, reason string) (*contracts.Sheet, error) {
	// Token first, so a stage mid-flight on this sheet unwinds at its
	// next poll instead of committing after we persist the flag.
	st := p.state(sheetID)
	st.cancel.Store(true)

	st.mu.Lock()
	defer st.mu.Unlock()

	sheet, err := p.loadSheet(ctx, sheetID)
	if err != nil {
		st.cancel.Store(false)
		return nil, err
	}
	if sheet.Stage.Terminal() {
		st.cancel.Store(false)
		return nil, &PreconditionError{ID: sheet.ID, Stage: string(sheet.Stage), Reason: "terminal sheets cannot be cancelled"}
	}
	if sheet.Cancelled {
		return sheet, nil
	}

	sheet.Cancelled = true
	sheet.UpdatedAt = p.clock().UTC()
	if err := p.st.SaveSheet(ctx, sheet); err != nil {
		return nil, err
	}
	if err := p.withdrawOpenItems(ctx, sheet.ID, fmt.Sprintf("sheet cancelled: %s", reason), ""); err != nil {
		return nil, err
	}
	p.forget(sheet.ID)
	p.log.Info("sheet cancelled", "sheet", sheet.ID, "stage", sheet.Stage, "reason", reason)
	return sheet, nil
}

// RequestRecheck opens a recheck intervention on a scored or finalized
// sheet. On a scored sheet the item pins finalization until an operator
// resolves it; on a finalized sheet it records the request for audit.
func (p *Pipeline) RequestRecheck(ctx context.Context, sheetID, reason, requestedBy string) (*contracts.InterventionItem, error) {
	if requestedBy == "" {
		return nil, fmt.Errorf("recheck: requested_by required: %w", ErrInvalid)
	}
	sheet, err := p.loadSheet(ctx, sheetID)
	if err != nil {
		return nil, err
	}
	switch sheet.Stage {
	case contracts.StageScored, contracts.StageFinalized:
	default:
		return nil, &PreconditionError{ID: sheet.ID, Stage: string(sheet.Stage), Reason: "recheck applies to scored or finalized sheets"}
	}
	return p.queue.Enqueue(ctx, intervention.OpenRequest{
		Entity:   contracts.EntityRef{Kind: entitySheet, ID: sheet.ID},
		SheetID:  sheet.ID,
		Reason:   contracts.ReasonRecheckRequest,
		Detail:   fmt.Sprintf("%s (requested by %s)", reason, requestedBy),
		Priority: contracts.PriorityNormal,
	})
}

// ResolveIntervention resolves a claimed item and routes its decision
// back into the sheet: quality outcomes change the gate decision or
// reject the sheet, row answers settle reconciliation disputes,
// deadline outcomes resume or cancel. The resolution itself commits
// first; if routing then fails, the item stays resolved and the error
// reports the unapplied decision.
func (p *Pipeline) ResolveIntervention(ctx context.Context, id, assignee string, dec contracts.InterventionDecision) (*contracts.InterventionItem, error) {
	item, err := p.queue.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := p.validateDecision(ctx, item, dec); err != nil {
		return nil, err
	}

	item, err = p.queue.Resolve(ctx, id, assignee, dec)
	if err != nil {
		return nil, err
	}

	if err := p.applyResolution(ctx, item, dec); err != nil {
		p.log.Error("resolution not applied", "intervention", item.ID, "reason", item.Reason, "err", err)
		return item, fmt.Errorf("intervention %s resolved, decision not applied: %w", item.ID, err)
	}
	return item, nil
}

// validateDecision rejects malformed decisions before the item is
// consumed, since a resolve cannot be retried.
func (p *Pipeline) validateDecision(ctx context.Context, item *contracts.InterventionItem, dec contracts.InterventionDecision) error {
	switch item.Reason {
	case contracts.ReasonQualityReview:
		switch contracts.QualityDecision(dec.Outcome) {
		case contracts.DecisionProceed, contracts.DecisionReconstruct, contracts.DecisionReject:
			return nil
		}
		return fmt.Errorf("quality review outcome %q: %w", dec.Outcome, ErrInvalid)

	case contracts.ReasonReconDispute, contracts.ReasonLowConfidence:
		if canonical.NormalizeAnswer(dec.Answer) == "" {
			return fmt.Errorf("row resolution needs an answer: %w", ErrInvalid)
		}
		if _, _, err := splitRowEntity(item.Entity.ID); err != nil {
			return err
		}
		return nil

	case contracts.ReasonDeadlineExceeded:
		switch dec.Outcome {
		case ResolutionResume, ResolutionCancel:
			return nil
		}
		return fmt.Errorf("deadline outcome %q: %w", dec.Outcome, ErrInvalid)

	default:
		// Key disagreements, adapter failures and recheck requests
		// carry notes only; resolving them just lifts the pin.
		return nil
	}
}

func (p *Pipeline) applyResolution(ctx context.Context, item *contracts.InterventionItem, dec contracts.InterventionDecision) error {
	switch item.Reason {
	case contracts.ReasonQualityReview:
		return p.applyQualityOutcome(ctx, item, dec)
	case contracts.ReasonReconDispute, contracts.ReasonLowConfidence:
		return p.applyRowAnswer(ctx, item, dec)
	case contracts.ReasonDeadlineExceeded:
		if dec.Outcome == ResolutionCancel {
			_, err := p.CancelSheet(ctx, item.SheetID, fmt.Sprintf("deadline intervention %s", item.ID))
			return err
		}
		return p.restartDeadline(ctx, item)
	default:
		// Nothing to route: closing the item lifted the pin, and the
		// queue accrued its open span onto the sheet's gate wait.
		return nil
	}
}

// applyQualityOutcome routes a quality-review decision. reject moves
// the sheet to REJECTED with the resolution block as its last link;
// proceed and reconstruct rewrite the gate decision so the workflow
// takes the chosen branch.
func (p *Pipeline) applyQualityOutcome(ctx context.Context, item *contracts.InterventionItem, dec contracts.InterventionDecision) error {
	st := p.state(item.SheetID)
	st.mu.Lock()
	defer st.mu.Unlock()

	sheet, err := p.loadSheet(ctx, item.SheetID)
	if err != nil {
		return err
	}
	if sheet.Stage != contracts.StageQualityAssessed {
		return &PreconditionError{ID: sheet.ID, Stage: string(sheet.Stage), Reason: "quality outcome applies at QUALITY_ASSESSED"}
	}
	now := p.clock().UTC()

	if contracts.QualityDecision(dec.Outcome) == contracts.DecisionReject {
		sheet.Stage = contracts.StageRejected
		sheet.LastBlockHash = item.ResolvedBlock
		sheet.UpdatedAt = now
		if err := p.st.SaveSheet(ctx, sheet); err != nil {
			return err
		}
		p.forget(sheet.ID)
		return nil
	}

	rec, err := p.st.GetQualityRecord(ctx, sheet.ID)
	if err != nil {
		return err
	}
	rec.Decision = contracts.QualityDecision(dec.Outcome)
	rec.UpdatedAt = now
	recHash, err := ledger.HashPayloadValue(rec)
	if err != nil {
		return err
	}
	return p.st.PutQualityRecord(ctx, rec, recHash)
}

// applyRowAnswer settles one disputed reconciliation row with the
// operator's answer. The answer itself is on the chain in the
// INTERVENTION_RESOLVED block this routing follows.
func (p *Pipeline) applyRowAnswer(ctx context.Context, item *contracts.InterventionItem, dec contracts.InterventionDecision) error {
	sheetID, q, err := splitRowEntity(item.Entity.ID)
	if err != nil {
		return err
	}

	st := p.state(sheetID)
	st.mu.Lock()
	defer st.mu.Unlock()

	recon, err := p.st.GetReconciliation(ctx, sheetID)
	if err != nil {
		return err
	}
	row, ok := recon.Rows[q]
	if !ok {
		return fmt.Errorf("sheet %s has no reconciliation row %d: %w", sheetID, q, ErrInvalid)
	}

	recon.Rows[q] = reconcile.Resolve(row, canonical.NormalizeAnswer(dec.Answer))
	recon.UpdatedAt = p.clock().UTC()
	reconHash, err := ledger.HashPayloadValue(recon)
	if err != nil {
		return err
	}
	return p.st.PutReconciliation(ctx, recon, reconHash)
}

// restartDeadline grants the sheet a full deadline window from the
// moment the deadline intervention is resolved. Crediting only the
// item's open duration would leave the window already spent and the
// next workflow pass would halt again immediately.
func (p *Pipeline) restartDeadline(ctx context.Context, item *contracts.InterventionItem) error {
	st := p.state(item.SheetID)
	st.mu.Lock()
	defer st.mu.Unlock()

	sheet, err := p.loadSheet(ctx, item.SheetID)
	if err != nil {
		return err
	}
	now := p.clock().UTC()
	if since := int64(now.Sub(sheet.CreatedAt)); since > sheet.GateWaitNS {
		sheet.GateWaitNS = since
	}
	sheet.UpdatedAt = now
	return p.st.SaveSheet(ctx, sheet)
}

// withdrawOpenItems cancels the open interventions on a sheet, except
// the one named by skip.
func (p *Pipeline) withdrawOpenItems(ctx context.Context, sheetID, note, skip string) error {
	ids, err := p.queue.OpenForSheet(ctx, sheetID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if id == skip {
			continue
		}
		if _, err := p.queue.Cancel(ctx, id, note); err != nil {
			return fmt.Errorf("withdraw %s: %w", id, err)
		}
	}
	return nil
}

// splitRowEntity parses a reconciliation-row entity id of the form
// "<sheet-id>:<question>".
func splitRowEntity(id string) (string, int, error) {
	i := strings.LastIndex(id, ":")
	if i <= 0 || i == len(id)-1 {
		return "", 0, fmt.Errorf("row entity %q: %w", id, ErrInvalid)
	}
	q, err := strconv.Atoi(id[i+1:])
	if err != nil || q < 1 {
		return "", 0, fmt.Errorf("row entity %q: %w", id, ErrInvalid)
	}
	return id[:i], q, nil
}
