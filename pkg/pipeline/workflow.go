package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Scrutineer-Labs/omrchain/pkg/contracts"
	"github.com/Scrutineer-Labs/omrchain/pkg/crypto"
	"github.com/Scrutineer-Labs/omrchain/pkg/intervention"
	"github.com/Scrutineer-Labs/omrchain/pkg/store"
)

// WorkflowResult is where a complete-workflow pass left the sheet.
// Interventions carries the gating item ids when the run stopped at a
// gate; Waiting names the external input the sheet is parked on.
type WorkflowResult struct {
	Sheet         *contracts.Sheet
	Outcome       Outcome
	Interventions []string
	Waiting       string
}

// CompleteWorkflow runs every stage the sheet is ready for, stopping
// at the first human gate, missing external input or terminal stage.
// The per-sheet mutex is taken per stage, never across the whole run,
// so a gate leaves the sheet free for the resolving operator.
func (p *Pipeline) CompleteWorkflow(ctx context.Context, sheetID string) (*WorkflowResult, error) {
	for {
		sheet, err := p.loadSheet(ctx, sheetID)
		if err != nil {
			return nil, err
		}
		if sheet.Stage.Terminal() {
			return &WorkflowResult{Sheet: sheet, Outcome: OutcomeOK}, nil
		}
		if p.cancelled(sheet) {
			return &WorkflowResult{Sheet: sheet, Outcome: OutcomeCancelled}, nil
		}
		if p.deadlineExceeded(sheet) {
			return p.deadlineHalt(ctx, sheet)
		}

		res, waiting, err := p.advance(ctx, sheet)
		if err != nil {
			return nil, err
		}
		if res == nil {
			return &WorkflowResult{Sheet: sheet, Outcome: OutcomeOK, Waiting: waiting}, nil
		}

		switch res.Outcome {
		case OutcomeOK:
			continue
		case OutcomePreconditionFailed:
			var pe *PreconditionError
			if errors.As(res.Err, &pe) {
				waiting = pe.Reason
			}
			return &WorkflowResult{Sheet: res.Sheet, Outcome: res.Outcome, Waiting: waiting}, nil
		default:
			return &WorkflowResult{
				Sheet:         res.Sheet,
				Outcome:       res.Outcome,
				Interventions: res.Interventions,
			}, nil
		}
	}
}

// advance runs the one stage the sheet's position calls for. A nil
// result with a waiting reason means nothing can run until an outside
// party delivers that input.
func (p *Pipeline) advance(ctx context.Context, sheet *contracts.Sheet) (*StageResult, string, error) {
	switch sheet.Stage {
	case contracts.StageIngested:
		res, err := p.AssessQuality(ctx, sheet.ID)
		return res, "", err

	case contracts.StageQualityAssessed:
		rec, err := p.st.GetQualityRecord(ctx, sheet.ID)
		if err != nil {
			return nil, "", err
		}
		switch rec.Decision {
		case contracts.DecisionReconstruct:
			res, err := p.Reconstruct(ctx, sheet.ID)
			return res, "", err
		case contracts.DecisionProceed:
			return nil, "bubble detections", nil
		case contracts.DecisionHumanReview:
			ids, err := p.queue.OpenForSheet(ctx, sheet.ID)
			if err != nil {
				return nil, "", err
			}
			if len(ids) > 0 {
				return gateBlocked(sheet, ids), "", nil
			}
			return nil, "quality review resolution", nil
		default:
			return nil, "", fmt.Errorf("sheet %s: quality decision %s at %s", sheet.ID, rec.Decision, sheet.Stage)
		}

	case contracts.StageReconstructed:
		return nil, "bubble detections", nil

	case contracts.StageBubblesRead:
		res, err := p.SolveAI(ctx, sheet.ID, nil)
		return res, "", err

	case contracts.StageAISolved:
		res, err := p.Reconcile(ctx, sheet.ID)
		return res, "", err

	case contracts.StageManualEntered:
		if _, err := p.st.GetSolverVerdict(ctx, sheet.ID); errors.Is(err, store.ErrNotFound) {
			res, err := p.SolveAI(ctx, sheet.ID, nil)
			return res, "", err
		} else if err != nil {
			return nil, "", err
		}
		res, err := p.Reconcile(ctx, sheet.ID)
		return res, "", err

	case contracts.StageReconciled:
		res, err := p.Score(ctx, sheet.ID)
		return res, "", err

	case contracts.StageScored:
		if !p.canSelfFinalize() {
			return nil, "finalize signatures", nil
		}
		res, err := p.Finalize(ctx, sheet.ID, FinalizeRequest{Kinds: crypto.RequiredKinds})
		return res, "", err

	default:
		return nil, "", nil
	}
}

// canSelfFinalize reports whether this node holds signers for all
// required kinds and can finalize without an external payload.
func (p *Pipeline) canSelfFinalize() bool {
	for _, kind := range crypto.RequiredKinds {
		if _, ok := p.signers[kind]; !ok {
			return false
		}
	}
	return true
}

// deadlineHalt parks an over-budget sheet behind one critical deadline
// intervention. Repeat passes reuse the open item.
func (p *Pipeline) deadlineHalt(ctx context.Context, sheet *contracts.Sheet) (*WorkflowResult, error) {
	open, err := p.st.OpenInterventionsForSheet(ctx, sheet.ID)
	if err != nil {
		return nil, err
	}
	for i := range open {
		if open[i].Reason == contracts.ReasonDeadlineExceeded {
			return &WorkflowResult{Sheet: sheet, Outcome: OutcomeGateBlocked, Interventions: []string{open[i].ID}}, nil
		}
	}
	item, err := p.queue.Enqueue(ctx, intervention.OpenRequest{
		Entity:   contracts.EntityRef{Kind: entitySheet, ID: sheet.ID},
		SheetID:  sheet.ID,
		Reason:   contracts.ReasonDeadlineExceeded,
		Detail:   fmt.Sprintf("deadline %s exhausted at %s", p.cfg.SheetDeadline, sheet.Stage),
		Priority: contracts.PriorityCritical,
	})
	if err != nil {
		return nil, err
	}
	p.log.Warn("sheet deadline exceeded", "sheet", sheet.ID, "stage", sheet.Stage, "intervention", item.ID)
	return &WorkflowResult{Sheet: sheet, Outcome: OutcomeGateBlocked, Interventions: []string{item.ID}}, nil
}

// Pool runs complete-workflow passes for submitted sheets on a fixed
// worker set. Workers are reentrant: every pass re-reads the sheet and
// stops wherever progress stops, so a crash loses nothing but the
// in-flight pass.
type Pool struct {
	pipe   *Pipeline
	jobs   chan string
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// NewPool sizes the job buffer from the configured worker count.
func NewPool(pipe *Pipeline) *Pool {
	return &Pool{
		pipe:   pipe,
		jobs:   make(chan string, 64*pipe.cfg.Workers),
		stopCh: make(chan struct{}),
	}
}

// Start launches the workers. The context bounds every pass they run.
func (w *Pool) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("pool already running")
	}
	w.running = true
	for i := 0; i < w.pipe.cfg.Workers; i++ {
		w.wg.Add(1)
		go w.worker(ctx)
	}
	return nil
}

func (w *Pool) worker(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case id := <-w.jobs:
			res, err := w.pipe.CompleteWorkflow(ctx, id)
			if err != nil {
				w.pipe.log.Error("workflow pass failed", "sheet", id, "err", err)
				continue
			}
			w.pipe.log.Info("workflow pass",
				"sheet", id, "stage", res.Sheet.Stage, "outcome", res.Outcome,
				"gated_by", res.Interventions, "waiting", res.Waiting)
		}
	}
}

// Submit queues one workflow pass. It reports false when the buffer is
// full; the sheet is picked up by a later Requeue in that case.
func (w *Pool) Submit(sheetID string) bool {
	select {
	case w.jobs <- sheetID:
		return true
	default:
		return false
	}
}

// Requeue submits every unfinished, uncancelled sheet. Called at
// startup after journal recovery.
func (w *Pool) Requeue(ctx context.Context) (int, error) {
	sheets, err := w.pipe.st.ListUnfinishedSheets(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range sheets {
		if sheets[i].Cancelled {
			continue
		}
		if w.Submit(sheets[i].ID) {
			n++
		}
	}
	return n, nil
}

// Stop halts the workers and waits for in-flight passes to finish.
func (w *Pool) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()
	w.wg.Wait()
}
