package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/Scrutineer-Labs/omrchain/pkg/adapters"
	"github.com/Scrutineer-Labs/omrchain/pkg/canonical"
	"github.com/Scrutineer-Labs/omrchain/pkg/contracts"
	"github.com/Scrutineer-Labs/omrchain/pkg/crypto"
	"github.com/Scrutineer-Labs/omrchain/pkg/intervention"
	"github.com/Scrutineer-Labs/omrchain/pkg/ledger"
	"github.com/Scrutineer-Labs/omrchain/pkg/quality"
	"github.com/Scrutineer-Labs/omrchain/pkg/reconcile"
	"github.com/Scrutineer-Labs/omrchain/pkg/store"
)

// bubbleColumns is the answer-grid width the reconstructor expects,
// one column per option A through D.
const bubbleColumns = 4

// IngestRequest creates a sheet from uploaded image bytes or from a
// content hash already present in the image store.
type IngestRequest struct {
	PaperID   string
	Roll      string
	Image     []byte
	ImageHash string
}

// Ingest registers a sheet at INGESTED and appends its SHEET_INGESTED
// block.
func (p *Pipeline) Ingest(ctx context.Context, req IngestRequest) (*StageResult, error) {
	if req.PaperID == "" {
		return nil, fmt.Errorf("ingest: paper id required: %w", ErrInvalid)
	}
	if req.Roll == "" {
		return nil, fmt.Errorf("ingest: roll required: %w", ErrInvalid)
	}
	if len(req.Image) == 0 && req.ImageHash == "" {
		return nil, fmt.Errorf("ingest: image bytes or image hash required: %w", ErrInvalid)
	}

	paper, err := p.st.GetQuestionPaper(ctx, req.PaperID)
	if err != nil {
		return nil, fmt.Errorf("ingest: paper %s: %w", req.PaperID, err)
	}

	hash := req.ImageHash
	if len(req.Image) > 0 {
		if hash, err = p.images.Put(ctx, req.Image); err != nil {
			return nil, fmt.Errorf("ingest: store image: %w", err)
		}
	} else {
		stored, err := p.images.Has(ctx, hash)
		if err != nil {
			return nil, fmt.Errorf("ingest: image %s: %w", hash, err)
		}
		if !stored {
			return nil, fmt.Errorf("ingest: image %s not stored: %w", hash, ErrInvalid)
		}
	}

	now := p.clock().UTC()
	sheet := &contracts.Sheet{
		ID:        uuid.New().String(),
		PaperID:   paper.ID,
		ExamID:    paper.ExamID,
		Roll:      req.Roll,
		ImageHash: hash,
		Stage:     contracts.StageIngested,
		CreatedAt: now,
		UpdatedAt: now,
	}

	in := &store.Intent{ID: uuid.New().String(), SheetID: sheet.ID, Op: "sheet_ingest", SheetCreated: true}
	var pb ledger.PayloadBuilder
	pb.Add("sheet", sheet.ID).
		Add("paper", paper.ID).
		Add("roll", sheet.Roll).
		Add("image", hash)

	block, err := p.commit(ctx, &stageCommit{
		intent:  in,
		kind:    ledger.KindSheetIngested,
		payload: &pb,
		sheet:   sheet,
		mutate:  func(ctx context.Context) error { return p.st.CreateSheet(ctx, sheet) },
	})
	if err != nil {
		return nil, err
	}
	return okResult(sheet, block), nil
}

// AssessQuality runs the quality gate: the recovery service scores the
// image, the rule policy turns the assessment into a decision, and one
// QUALITY_ASSESSED block records both. A reject decision lands the
// sheet in REJECTED in the same transition; human_review opens a
// quality gate item.
func (p *Pipeline) AssessQuality(ctx context.Context, sheetID string) (*StageResult, error) {
	st := p.state(sheetID)
	st.mu.Lock()
	defer st.mu.Unlock()

	sheet, err := p.loadSheet(ctx, sheetID)
	if err != nil {
		return nil, err
	}
	if sheet.Stage != contracts.StageIngested {
		return precondition(sheet, "quality gate runs once from INGESTED"), nil
	}
	if p.cancelled(sheet) {
		return cancelledResult(sheet), nil
	}

	img, err := p.images.Get(ctx, sheet.ImageHash)
	if err != nil {
		return nil, fmt.Errorf("load image %s: %w", sheet.ImageHash, err)
	}
	res, err := p.ad.Quality.AssessQuality(ctx, adapters.QualityRequest{SheetID: sheet.ID, Image: img})
	if err != nil {
		return p.adapterFailure(ctx, sheet, "assess_quality", err)
	}
	if p.cancelled(sheet) {
		return cancelledResult(sheet), nil
	}

	decision, err := p.gate.Decide(quality.AssessmentFrom(res.Score, res.Damage, res.Recoverable))
	if err != nil {
		return nil, fmt.Errorf("quality policy: %w", err)
	}

	now := p.clock().UTC()
	rec := &contracts.QualityRecord{
		SheetID:     sheet.ID,
		Score:       res.Score,
		Damage:      res.Damage,
		Recoverable: res.Recoverable,
		Decision:    decision,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	recHash, err := ledger.HashPayloadValue(rec)
	if err != nil {
		return nil, err
	}

	before := *sheet
	sheet.Stage = contracts.StageQualityAssessed
	if decision == contracts.DecisionReject {
		sheet.Stage = contracts.StageRejected
	}
	sheet.UpdatedAt = now

	in := &store.Intent{
		ID:          uuid.New().String(),
		SheetID:     sheet.ID,
		Op:          "quality_assess",
		SheetBefore: &before,
		RecordTable: store.TableQuality,
	}
	var pb ledger.PayloadBuilder
	pb.Add("sheet", sheet.ID).
		Add("quality", rec).
		Add("decision", string(decision)).
		Add("stage", string(sheet.Stage))

	block, err := p.commit(ctx, &stageCommit{
		intent:  in,
		kind:    ledger.KindQualityAssessed,
		payload: &pb,
		sheet:   sheet,
		mutate: func(ctx context.Context) error {
			if err := p.st.PutQualityRecord(ctx, rec, recHash); err != nil {
				return err
			}
			return p.st.SaveSheet(ctx, sheet)
		},
	})
	if err != nil {
		return nil, err
	}

	if sheet.Stage.Terminal() {
		p.forget(sheet.ID)
		return okResult(sheet, block), nil
	}
	if decision == contracts.DecisionHumanReview {
		item, err := p.queue.Enqueue(ctx, intervention.OpenRequest{
			Entity:   contracts.EntityRef{Kind: entitySheet, ID: sheet.ID},
			SheetID:  sheet.ID,
			Reason:   contracts.ReasonQualityReview,
			Detail:   fmt.Sprintf("score %.2f with %d damage regions", res.Score, len(res.Damage)),
			Priority: contracts.PriorityHigh,
		})
		if err != nil {
			return nil, fmt.Errorf("open quality review: %w", err)
		}
		return okResult(sheet, block, item.ID), nil
	}
	return okResult(sheet, block), nil
}

// Reconstruct rebuilds a damaged sheet image through the recovery
// service. Valid only while the quality decision is reconstruct.
func (p *Pipeline) Reconstruct(ctx context.Context, sheetID string) (*StageResult, error) {
	st := p.state(sheetID)
	st.mu.Lock()
	defer st.mu.Unlock()

	sheet, err := p.loadSheet(ctx, sheetID)
	if err != nil {
		return nil, err
	}
	if sheet.Stage != contracts.StageQualityAssessed {
		return precondition(sheet, "reconstruction runs from QUALITY_ASSESSED"), nil
	}
	rec, err := p.st.GetQualityRecord(ctx, sheet.ID)
	if err != nil {
		return nil, err
	}
	if rec.Decision != contracts.DecisionReconstruct {
		return precondition(sheet, fmt.Sprintf("quality decision is %s", rec.Decision)), nil
	}
	if p.cancelled(sheet) {
		return cancelledResult(sheet), nil
	}

	paper, err := p.st.GetQuestionPaper(ctx, sheet.PaperID)
	if err != nil {
		return nil, err
	}
	img, err := p.images.Get(ctx, sheet.ImageHash)
	if err != nil {
		return nil, fmt.Errorf("load image %s: %w", sheet.ImageHash, err)
	}
	res, err := p.ad.Reconstruct.Reconstruct(ctx, adapters.ReconstructRequest{
		SheetID: sheet.ID,
		Image:   img,
		Rows:    paper.TotalQuestions,
		Cols:    bubbleColumns,
	})
	if err != nil {
		return p.adapterFailure(ctx, sheet, "reconstruct", err)
	}
	if p.cancelled(sheet) {
		return cancelledResult(sheet), nil
	}

	hash, err := p.images.Put(ctx, res.Image)
	if err != nil {
		return nil, fmt.Errorf("store reconstructed image: %w", err)
	}

	now := p.clock().UTC()
	before := *sheet
	sheet.ReconstructedHash = hash
	sheet.Stage = contracts.StageReconstructed
	sheet.UpdatedAt = now
	rec.ReconstructedHash = hash
	rec.UpdatedAt = now
	recHash, err := ledger.HashPayloadValue(rec)
	if err != nil {
		return nil, err
	}

	// The quality row is updated in place; rollback restores the sheet
	// and leaves the extra hash on the row for the retry to overwrite.
	in := &store.Intent{ID: uuid.New().String(), SheetID: sheet.ID, Op: "sheet_reconstruct", SheetBefore: &before}
	var pb ledger.PayloadBuilder
	pb.Add("sheet", sheet.ID).
		Add("reconstructed", hash).
		Add("confidence", res.Confidence)

	block, err := p.commit(ctx, &stageCommit{
		intent:  in,
		kind:    ledger.KindReconstructed,
		payload: &pb,
		sheet:   sheet,
		mutate: func(ctx context.Context) error {
			if err := p.st.PutQualityRecord(ctx, rec, recHash); err != nil {
				return err
			}
			return p.st.SaveSheet(ctx, sheet)
		},
	})
	if err != nil {
		return nil, err
	}
	return okResult(sheet, block), nil
}

// ReadBubbles accepts the vision detector's output for a sheet that
// cleared the quality gate directly or through reconstruction.
func (p *Pipeline) ReadBubbles(ctx context.Context, sheetID string, answers map[int]contracts.DetectedAnswer, source string) (*StageResult, error) {
	st := p.state(sheetID)
	st.mu.Lock()
	defer st.mu.Unlock()

	sheet, err := p.loadSheet(ctx, sheetID)
	if err != nil {
		return nil, err
	}
	switch sheet.Stage {
	case contracts.StageReconstructed:
	case contracts.StageQualityAssessed:
		rec, err := p.st.GetQualityRecord(ctx, sheet.ID)
		if err != nil {
			return nil, err
		}
		switch rec.Decision {
		case contracts.DecisionProceed:
		case contracts.DecisionHumanReview:
			ids, err := p.queue.OpenForSheet(ctx, sheet.ID)
			if err != nil {
				return nil, err
			}
			if len(ids) > 0 {
				return gateBlocked(sheet, ids), nil
			}
			return precondition(sheet, "quality review unresolved"), nil
		default:
			return precondition(sheet, fmt.Sprintf("quality decision is %s", rec.Decision)), nil
		}
	default:
		return precondition(sheet, "bubble reading needs a quality-cleared sheet"), nil
	}

	if len(answers) == 0 {
		return nil, fmt.Errorf("bubbles: at least one detection required: %w", ErrInvalid)
	}
	paper, err := p.st.GetQuestionPaper(ctx, sheet.PaperID)
	if err != nil {
		return nil, err
	}
	detections := make(map[int]contracts.DetectedAnswer, len(answers))
	for q, det := range answers {
		if q < 1 || q > paper.TotalQuestions {
			return nil, fmt.Errorf("bubbles: question %d outside paper of %d: %w", q, paper.TotalQuestions, ErrInvalid)
		}
		det.Answer = canonical.NormalizeAnswer(det.Answer)
		if det.Answer == "" {
			return nil, fmt.Errorf("bubbles: question %d: empty answer: %w", q, ErrInvalid)
		}
		if det.Confidence < 0 || det.Confidence > 1 {
			return nil, fmt.Errorf("bubbles: question %d: confidence %.2f out of range: %w", q, det.Confidence, ErrInvalid)
		}
		detections[q] = det
	}
	if p.cancelled(sheet) {
		return cancelledResult(sheet), nil
	}

	now := p.clock().UTC()
	reading := &contracts.BubbleReading{SheetID: sheet.ID, Answers: detections, Source: source, CreatedAt: now}
	readingHash, err := ledger.HashPayloadValue(reading)
	if err != nil {
		return nil, err
	}

	before := *sheet
	sheet.Stage = contracts.StageBubblesRead
	sheet.UpdatedAt = now

	in := &store.Intent{
		ID:          uuid.New().String(),
		SheetID:     sheet.ID,
		Op:          "bubbles_read",
		SheetBefore: &before,
		RecordTable: store.TableBubbleReading,
	}
	var pb ledger.PayloadBuilder
	pb.Add("sheet", sheet.ID).
		Add("bubbles", reading).
		Add("questions", len(answers))

	block, err := p.commit(ctx, &stageCommit{
		intent:  in,
		kind:    ledger.KindBubblesRead,
		payload: &pb,
		sheet:   sheet,
		mutate: func(ctx context.Context) error {
			if err := p.st.PutBubbleReading(ctx, reading, readingHash); err != nil {
				return err
			}
			return p.st.SaveSheet(ctx, sheet)
		},
	})
	if err != nil {
		return nil, err
	}
	return okResult(sheet, block), nil
}

// SolveAI collects the independent solver's answers. From BUBBLES_READ
// the stage pointer moves to AI_SOLVED; a verdict arriving after manual
// entry is recorded without moving the pointer back. Under the
// disputed_only scope the target set may be empty, and the empty
// verdict still counts as a second answer source.
func (p *Pipeline) SolveAI(ctx context.Context, sheetID string, texts map[int]string) (*StageResult, error) {
	st := p.state(sheetID)
	st.mu.Lock()
	defer st.mu.Unlock()

	sheet, err := p.loadSheet(ctx, sheetID)
	if err != nil {
		return nil, err
	}
	switch sheet.Stage {
	case contracts.StageBubblesRead, contracts.StageManualEntered:
	default:
		return precondition(sheet, "AI solve runs from BUBBLES_READ or MANUAL_ENTERED"), nil
	}
	if _, err := p.st.GetSolverVerdict(ctx, sheet.ID); err == nil {
		return precondition(sheet, "solver verdict already recorded"), nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if p.cancelled(sheet) {
		return cancelledResult(sheet), nil
	}

	paper, err := p.st.GetQuestionPaper(ctx, sheet.PaperID)
	if err != nil {
		return nil, err
	}
	bubbles, err := p.st.GetBubbleReading(ctx, sheet.ID)
	if err != nil {
		return nil, err
	}

	targets := p.solveTargets(ctx, paper, bubbles)
	answers := make(map[int]contracts.SolverAnswer, len(targets))
	for _, q := range targets {
		if p.cancelled(sheet) {
			return cancelledResult(sheet), nil
		}
		res, err := p.ad.Solve.SolveQuestion(ctx, adapters.SolveRequest{
			SheetID:  sheet.ID,
			Question: q,
			Text:     texts[q],
			Subject:  paper.Subject,
		})
		if err != nil {
			return p.adapterFailure(ctx, sheet, "solve_question", err)
		}
		answers[q] = contracts.SolverAnswer{
			Answer:      canonical.NormalizeAnswer(res.Answer),
			Confidence:  res.Confidence,
			Explanation: res.Explanation,
		}
	}

	now := p.clock().UTC()
	verdict := &contracts.AISolverVerdict{SheetID: sheet.ID, Answers: answers, CreatedAt: now}
	verdictHash, err := ledger.HashPayloadValue(verdict)
	if err != nil {
		return nil, err
	}

	before := *sheet
	if sheet.Stage == contracts.StageBubblesRead {
		sheet.Stage = contracts.StageAISolved
	}
	sheet.UpdatedAt = now

	in := &store.Intent{
		ID:          uuid.New().String(),
		SheetID:     sheet.ID,
		Op:          "ai_solve",
		SheetBefore: &before,
		RecordTable: store.TableSolverVerdict,
	}
	var pb ledger.PayloadBuilder
	pb.Add("sheet", sheet.ID).
		Add("verdict", verdict).
		Add("questions", len(answers))

	block, err := p.commit(ctx, &stageCommit{
		intent:  in,
		kind:    ledger.KindAISolved,
		payload: &pb,
		sheet:   sheet,
		mutate: func(ctx context.Context) error {
			if err := p.st.PutSolverVerdict(ctx, verdict, verdictHash); err != nil {
				return err
			}
			return p.st.SaveSheet(ctx, sheet)
		},
	})
	if err != nil {
		return nil, err
	}
	return okResult(sheet, block), nil
}

// solveTargets picks the questions to send the solver. The full scope
// covers the paper; disputed_only narrows to detections the merge
// cannot settle from the bubble alone. Without a submitted key the
// off-key comparison is impossible and the scope widens back to all.
func (p *Pipeline) solveTargets(ctx context.Context, paper *contracts.QuestionPaper, bubbles *contracts.BubbleReading) []int {
	all := p.cfg.AISolveScope != SolveDisputedOnly
	var key *contracts.AnswerKey
	if !all {
		k, err := p.st.GetAnswerKeyByPaper(ctx, paper.ID)
		if err != nil {
			all = true
		} else {
			key = k
		}
	}

	threshold := p.cfg.Reconcile.LowConfidenceThreshold
	if threshold <= 0 {
		threshold = reconcile.DefaultLowConfidence
	}

	targets := make([]int, 0, paper.TotalQuestions)
	for q := 1; q <= paper.TotalQuestions; q++ {
		if all {
			targets = append(targets, q)
			continue
		}
		det, ok := bubbles.Answers[q]
		disputed := !ok ||
			det.Answer == contracts.AnswerNone ||
			det.Answer == contracts.AnswerMultiple ||
			det.Confidence < threshold
		if !disputed {
			disputed = det.Answer != key.Entries[q].Answer
		}
		if disputed {
			targets = append(targets, q)
		}
	}
	return targets
}

// ManualRequest is a human operator's typed-in answer set.
type ManualRequest struct {
	Answers   map[int]string
	EnteredBy string
}

// EnterManual records the operator's answers. Entries are accepted any
// time before reconciliation; the stage pointer moves to MANUAL_ENTERED
// only from BUBBLES_READ or AI_SOLVED so observed stages stay monotone.
// Re-entry before reconciliation replaces the record and appends a
// fresh block.
func (p *Pipeline) EnterManual(ctx context.Context, sheetID string, req ManualRequest) (*StageResult, error) {
	if req.EnteredBy == "" {
		return nil, fmt.Errorf("manual entry: entered_by required: %w", ErrInvalid)
	}
	if len(req.Answers) == 0 {
		return nil, fmt.Errorf("manual entry: at least one answer required: %w", ErrInvalid)
	}

	st := p.state(sheetID)
	st.mu.Lock()
	defer st.mu.Unlock()

	sheet, err := p.loadSheet(ctx, sheetID)
	if err != nil {
		return nil, err
	}
	if sheet.Stage.Terminal() || sheet.Stage.Rank() >= contracts.StageReconciled.Rank() {
		return precondition(sheet, "manual entry closes at reconciliation"), nil
	}

	paper, err := p.st.GetQuestionPaper(ctx, sheet.PaperID)
	if err != nil {
		return nil, err
	}
	typed := make(map[int]string, len(req.Answers))
	for q, ans := range req.Answers {
		if q < 1 || q > paper.TotalQuestions {
			return nil, fmt.Errorf("manual entry: question %d outside paper of %d: %w", q, paper.TotalQuestions, ErrInvalid)
		}
		ans = canonical.NormalizeAnswer(ans)
		if ans == "" {
			return nil, fmt.Errorf("manual entry: question %d: empty answer: %w", q, ErrInvalid)
		}
		typed[q] = ans
	}
	if p.cancelled(sheet) {
		return cancelledResult(sheet), nil
	}

	_, err = p.st.GetManualEntry(ctx, sheet.ID)
	fresh := errors.Is(err, store.ErrNotFound)
	if err != nil && !fresh {
		return nil, err
	}

	now := p.clock().UTC()
	entry := &contracts.ManualEntry{SheetID: sheet.ID, Answers: typed, EnteredBy: req.EnteredBy, EnteredAt: now}
	entryHash, err := ledger.HashPayloadValue(entry)
	if err != nil {
		return nil, err
	}

	before := *sheet
	if sheet.Stage == contracts.StageBubblesRead || sheet.Stage == contracts.StageAISolved {
		sheet.Stage = contracts.StageManualEntered
	}
	sheet.UpdatedAt = now

	in := &store.Intent{ID: uuid.New().String(), SheetID: sheet.ID, Op: "manual_entry", SheetBefore: &before}
	if fresh {
		// Re-entry keeps the replaced row on rollback.
		in.RecordTable = store.TableManualEntry
	}
	var pb ledger.PayloadBuilder
	pb.Add("sheet", sheet.ID).
		Add("manual", entry).
		Add("entered_by", req.EnteredBy).
		Add("questions", len(req.Answers))

	block, err := p.commit(ctx, &stageCommit{
		intent:  in,
		kind:    ledger.KindManualEntered,
		payload: &pb,
		sheet:   sheet,
		mutate: func(ctx context.Context) error {
			if err := p.st.PutManualEntry(ctx, entry, entryHash); err != nil {
				return err
			}
			return p.st.SaveSheet(ctx, sheet)
		},
	})
	if err != nil {
		return nil, err
	}
	return okResult(sheet, block), nil
}

// Reconcile merges the collected sources into per-question verdicts.
// The bubble reading anchors the merge and needs at least one more
// source beside it; undecidable rows open interventions that pin the
// sheet.
func (p *Pipeline) Reconcile(ctx context.Context, sheetID string) (*StageResult, error) {
	st := p.state(sheetID)
	st.mu.Lock()
	defer st.mu.Unlock()

	sheet, err := p.loadSheet(ctx, sheetID)
	if err != nil {
		return nil, err
	}
	switch sheet.Stage {
	case contracts.StageBubblesRead, contracts.StageAISolved, contracts.StageManualEntered:
	default:
		return precondition(sheet, "reconciliation runs after bubble reading"), nil
	}

	key, err := p.st.GetAnswerKeyByPaper(ctx, sheet.PaperID)
	if errors.Is(err, store.ErrNotFound) {
		return precondition(sheet, "no answer key for paper"), nil
	}
	if err != nil {
		return nil, err
	}
	bubbles, err := p.st.GetBubbleReading(ctx, sheet.ID)
	if err != nil {
		return nil, err
	}
	ai, err := p.st.GetSolverVerdict(ctx, sheet.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	manual, err := p.st.GetManualEntry(ctx, sheet.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if ai == nil && manual == nil {
		return precondition(sheet, "need a second source beside the bubble reading"), nil
	}
	if p.cancelled(sheet) {
		return cancelledResult(sheet), nil
	}

	out, err := reconcile.Reconcile(key, bubbles, ai, manual, p.cfg.Reconcile)
	if err != nil {
		return nil, err
	}

	now := p.clock().UTC()
	recon := &contracts.Reconciliation{SheetID: sheet.ID, Rows: out.Rows, CreatedAt: now, UpdatedAt: now}
	reconHash, err := ledger.HashPayloadValue(recon)
	if err != nil {
		return nil, err
	}

	before := *sheet
	sheet.Stage = contracts.StageReconciled
	sheet.UpdatedAt = now

	in := &store.Intent{
		ID:          uuid.New().String(),
		SheetID:     sheet.ID,
		Op:          "reconcile",
		SheetBefore: &before,
		RecordTable: store.TableReconciliation,
	}
	var pb ledger.PayloadBuilder
	pb.Add("sheet", sheet.ID).
		Add("reconciliation", recon).
		Add("questions", len(out.Rows)).
		Add("disputes", len(out.Needs))

	block, err := p.commit(ctx, &stageCommit{
		intent:  in,
		kind:    ledger.KindReconciled,
		payload: &pb,
		sheet:   sheet,
		mutate: func(ctx context.Context) error {
			if err := p.st.PutReconciliation(ctx, recon, reconHash); err != nil {
				return err
			}
			return p.st.SaveSheet(ctx, sheet)
		},
	})
	if err != nil {
		return nil, err
	}

	// Each undecidable row gets its own item and block after the
	// transition committed; the openings pin the sheet for scoring.
	ids := make([]string, 0, len(out.Needs))
	for _, need := range out.Needs {
		item, err := p.queue.Enqueue(ctx, intervention.OpenRequest{
			Entity:   contracts.EntityRef{Kind: entityReconRow, ID: fmt.Sprintf("%s:%d", sheet.ID, need.Question)},
			SheetID:  sheet.ID,
			Reason:   need.Reason,
			Detail:   fmt.Sprintf("question %d", need.Question),
			Priority: need.Priority,
		})
		if err != nil {
			return nil, fmt.Errorf("open row intervention: %w", err)
		}
		ids = append(ids, item.ID)
	}
	return okResult(sheet, block, ids...), nil
}

// Score evaluates the reconciled rows against the locked key. Open
// interventions gate it; undecided rows whose items were lost re-open
// them before blocking.
func (p *Pipeline) Score(ctx context.Context, sheetID string) (*StageResult, error) {
	st := p.state(sheetID)
	st.mu.Lock()
	defer st.mu.Unlock()

	sheet, err := p.loadSheet(ctx, sheetID)
	if err != nil {
		return nil, err
	}
	if sheet.Stage != contracts.StageReconciled {
		return precondition(sheet, "scoring runs from RECONCILED"), nil
	}

	key, err := p.st.GetAnswerKeyByPaper(ctx, sheet.PaperID)
	if errors.Is(err, store.ErrNotFound) {
		return precondition(sheet, "no answer key for paper"), nil
	}
	if err != nil {
		return nil, err
	}
	if key.Status != contracts.KeyLocked {
		return precondition(sheet, fmt.Sprintf("answer key is %s, not locked", key.Status)), nil
	}

	ids, err := p.queue.OpenForSheet(ctx, sheet.ID)
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		return gateBlocked(sheet, ids), nil
	}

	recon, err := p.st.GetReconciliation(ctx, sheet.ID)
	if err != nil {
		return nil, err
	}
	if undecided := undecidedRows(recon); len(undecided) > 0 {
		reopened, err := p.reopenRows(ctx, sheet, recon, undecided)
		if err != nil {
			return nil, err
		}
		return gateBlocked(sheet, reopened), nil
	}

	qrec, err := p.st.GetQualityRecord(ctx, sheet.ID)
	if err != nil {
		return nil, err
	}
	bubbles, err := p.st.GetBubbleReading(ctx, sheet.ID)
	if err != nil {
		return nil, err
	}
	manual, err := p.st.GetManualEntry(ctx, sheet.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	now := p.clock().UTC()
	eval, err := reconcile.Evaluate(reconcile.EvalInput{
		SheetID:              sheet.ID,
		Key:                  key,
		Rows:                 recon.Rows,
		Manual:               manual,
		Bubbles:              bubbles,
		QualityScore:         qrec.Score,
		HasOpenInterventions: false,
		Now:                  now,
	}, p.cfg.Scoring)
	if err != nil {
		return nil, err
	}
	if p.cancelled(sheet) {
		return cancelledResult(sheet), nil
	}

	evalHash, err := ledger.HashPayloadValue(eval)
	if err != nil {
		return nil, err
	}

	before := *sheet
	sheet.Stage = contracts.StageScored
	sheet.UpdatedAt = now

	in := &store.Intent{
		ID:          uuid.New().String(),
		SheetID:     sheet.ID,
		Op:          "score",
		SheetBefore: &before,
		RecordTable: store.TableScoreResult,
	}
	var pb ledger.PayloadBuilder
	pb.Add("sheet", sheet.ID).
		Add("score", eval).
		Add("marks", eval.AutomatedMarks).
		Add("grade", eval.Grade)

	block, err := p.commit(ctx, &stageCommit{
		intent:  in,
		kind:    ledger.KindScored,
		payload: &pb,
		sheet:   sheet,
		mutate: func(ctx context.Context) error {
			if err := p.st.PutScoreResult(ctx, eval, evalHash); err != nil {
				return err
			}
			return p.st.SaveSheet(ctx, sheet)
		},
	})
	if err != nil {
		return nil, err
	}
	return okResult(sheet, block), nil
}

func undecidedRows(r *contracts.Reconciliation) []int {
	var out []int
	for q, row := range r.Rows {
		if !row.Status.Decided() {
			out = append(out, q)
		}
	}
	sort.Ints(out)
	return out
}

// reopenRows restores the interventions for undecided rows, for the
// case where a crash separated the reconcile commit from its enqueues.
func (p *Pipeline) reopenRows(ctx context.Context, sheet *contracts.Sheet, recon *contracts.Reconciliation, rows []int) ([]string, error) {
	ids := make([]string, 0, len(rows))
	for _, q := range rows {
		prio := contracts.PriorityNormal
		if recon.Rows[q].Status == contracts.StatusThreeWaySplit {
			prio = contracts.PriorityHigh
		}
		item, err := p.queue.Enqueue(ctx, intervention.OpenRequest{
			Entity:   contracts.EntityRef{Kind: entityReconRow, ID: fmt.Sprintf("%s:%d", sheet.ID, q)},
			SheetID:  sheet.ID,
			Reason:   contracts.ReasonReconDispute,
			Detail:   fmt.Sprintf("question %d undecided", q),
			Priority: prio,
		})
		if err != nil {
			return nil, fmt.Errorf("reopen row intervention: %w", err)
		}
		ids = append(ids, item.ID)
	}
	return ids, nil
}

// FinalizeRequest names the signatures for the RESULT_FINALIZED block.
// Kinds asks the node's own signers to endorse the payload root;
// Signatures attaches externally computed endorsements verbatim.
type FinalizeRequest struct {
	Kinds      []string
	Signatures []ledger.Signature
}

// Finalize appends the multi-signed RESULT_FINALIZED block and moves
// the sheet to FINALIZED. The append runs optimistically against the
// chain head observed before the pin check, so an intervention opened
// while the block was being prepared forces a fresh pin check instead
// of slipping through the gate.
func (p *Pipeline) Finalize(ctx context.Context, sheetID string, req FinalizeRequest) (*StageResult, error) {
	for _, kind := range req.Kinds {
		if !crypto.KnownKind(kind) {
			return nil, fmt.Errorf("finalize: unknown signer kind %q: %w", kind, ErrInvalid)
		}
		if _, ok := p.signers[kind]; !ok {
			return nil, fmt.Errorf("finalize: no signer held for kind %q: %w", kind, ErrInvalid)
		}
	}

	st := p.state(sheetID)
	st.mu.Lock()
	defer st.mu.Unlock()

	for attempt := 0; ; attempt++ {
		sheet, err := p.loadSheet(ctx, sheetID)
		if err != nil {
			return nil, err
		}
		if sheet.Stage != contracts.StageScored {
			return precondition(sheet, "finalization runs from SCORED"), nil
		}
		if p.cancelled(sheet) {
			return cancelledResult(sheet), nil
		}

		head := ledger.ZeroHash
		if h, ok := p.led.Head(); ok {
			head = h.SelfHash
		}
		ids, err := p.queue.OpenForSheet(ctx, sheet.ID)
		if err != nil {
			return nil, err
		}
		if len(ids) > 0 {
			return gateBlocked(sheet, ids), nil
		}

		score, err := p.st.GetScoreResult(ctx, sheet.ID)
		if err != nil {
			return nil, err
		}

		now := p.clock().UTC()
		before := *sheet
		sheet.Stage = contracts.StageFinalized
		sheet.UpdatedAt = now

		in := &store.Intent{ID: uuid.New().String(), SheetID: sheet.ID, Op: "finalize", SheetBefore: &before}
		var pb ledger.PayloadBuilder
		pb.Add("sheet", sheet.ID).
			Add("roll", sheet.Roll).
			Add("score", score).
			Add("grade", score.Grade)

		block, err := p.commit(ctx, &stageCommit{
			intent:     in,
			kind:       ledger.KindResultFinalized,
			payload:    &pb,
			sheet:      sheet,
			expectHead: head,
			sign: func(root string) ([]ledger.Signature, error) {
				sigs := append([]ledger.Signature(nil), req.Signatures...)
				for _, kind := range req.Kinds {
					sig, err := ledger.SignRoot(kind, p.signers[kind], root)
					if err != nil {
						return nil, err
					}
					sigs = append(sigs, sig)
				}
				return sigs, nil
			},
			mutate: func(ctx context.Context) error { return p.st.SaveSheet(ctx, sheet) },
		})
		if errors.Is(err, ledger.ErrChainStale) {
			if attempt < p.cfg.ChainRetries {
				continue
			}
			return nil, fmt.Errorf("finalize %s: retries exhausted: %w", sheetID, err)
		}
		if err != nil {
			return nil, err
		}

		p.forget(sheet.ID)
		return okResult(sheet, block), nil
	}
}

// adapterFailure handles an upstream call that failed past the
// client's retry budget: one critical intervention so an operator sees
// the stalled sheet, stage unchanged. Repeat failures reuse the open
// item.
func (p *Pipeline) adapterFailure(ctx context.Context, sheet *contracts.Sheet, op string, cause error) (*StageResult, error) {
	if !errors.Is(cause, adapters.ErrUnavailable) {
		return nil, cause
	}
	open, err := p.st.OpenInterventionsForSheet(ctx, sheet.ID)
	if err != nil {
		return nil, err
	}
	for i := range open {
		if open[i].Reason == contracts.ReasonAdapterFailure {
			return adapterDown(sheet, cause, open[i].ID), nil
		}
	}
	item, err := p.queue.Enqueue(ctx, intervention.OpenRequest{
		Entity:   contracts.EntityRef{Kind: entitySheet, ID: sheet.ID},
		SheetID:  sheet.ID,
		Reason:   contracts.ReasonAdapterFailure,
		Detail:   fmt.Sprintf("%s: %v", op, cause),
		Priority: contracts.PriorityCritical,
	})
	if err != nil {
		return nil, fmt.Errorf("open adapter-failure intervention: %w", err)
	}
	p.log.Warn("adapter unavailable", "sheet", sheet.ID, "op", op, "intervention", item.ID, "err", cause)
	return adapterDown(sheet, cause, item.ID), nil
}
