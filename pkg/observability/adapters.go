package observability

import (
	"context"

	"github.com/Scrutineer-Labs/omrchain/pkg/adapters"
)

// InstrumentAdapters wraps each wired adapter with a span and RED
// metrics per call. Nil fields stay nil so partially wired sets keep
// working.
func InstrumentAdapters(p *Provider, set *adapters.Set) *adapters.Set {
	if set == nil {
		return nil
	}
	out := &adapters.Set{}
	if set.Quality != nil {
		out.Quality = &tracedQuality{p: p, next: set.Quality}
	}
	if set.Reconstruct != nil {
		out.Reconstruct = &tracedReconstructor{p: p, next: set.Reconstruct}
	}
	if set.KeyVerify != nil {
		out.KeyVerify = &tracedVerifier{p: p, next: set.KeyVerify}
	}
	if set.Solve != nil {
		out.Solve = &tracedSolver{p: p, next: set.Solve}
	}
	return out
}

type tracedQuality struct {
	p    *Provider
	next adapters.QualityAssessor
}

func (t *tracedQuality) AssessQuality(ctx context.Context, req adapters.QualityRequest) (*adapters.QualityResult, error) {
	attrs := append(AdapterOperation("recovery", "assess_quality"), AttrSheetID.String(req.SheetID))
	ctx, finish := t.p.TrackOperation(ctx, "adapter.assess_quality", attrs...)
	res, err := t.next.AssessQuality(ctx, req)
	finish(err)
	return res, err
}

type tracedReconstructor struct {
	p    *Provider
	next adapters.Reconstructor
}

func (t *tracedReconstructor) Reconstruct(ctx context.Context, req adapters.ReconstructRequest) (*adapters.ReconstructResult, error) {
	attrs := append(AdapterOperation("recovery", "reconstruct"), AttrSheetID.String(req.SheetID))
	ctx, finish := t.p.TrackOperation(ctx, "adapter.reconstruct", attrs...)
	res, err := t.next.Reconstruct(ctx, req)
	finish(err)
	return res, err
}

type tracedVerifier struct {
	p    *Provider
	next adapters.KeyVerifier
}

func (t *tracedVerifier) VerifyAnswerKey(ctx context.Context, req adapters.VerifyRequest) (*adapters.VerifyResult, error) {
	attrs := append(AdapterOperation("ai", "verify_answer_key"),
		AttrPaperID.String(req.PaperID),
		AttrQuestion.Int(req.Question),
	)
	ctx, finish := t.p.TrackOperation(ctx, "adapter.verify_answer_key", attrs...)
	res, err := t.next.VerifyAnswerKey(ctx, req)
	finish(err)
	return res, err
}

type tracedSolver struct {
	p    *Provider
	next adapters.QuestionSolver
}

func (t *tracedSolver) SolveQuestion(ctx context.Context, req adapters.SolveRequest) (*adapters.SolveResult, error) {
	attrs := append(AdapterOperation("ai", "solve_question"),
		AttrSheetID.String(req.SheetID),
		AttrQuestion.Int(req.Question),
	)
	ctx, finish := t.p.TrackOperation(ctx, "adapter.solve_question", attrs...)
	res, err := t.next.SolveQuestion(ctx, req)
	finish(err)
	return res, err
}
