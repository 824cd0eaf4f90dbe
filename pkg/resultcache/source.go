package resultcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Scrutineer-Labs/omrchain/pkg/canonical"
	"github.com/Scrutineer-Labs/omrchain/pkg/contracts"
	"github.com/Scrutineer-Labs/omrchain/pkg/store"
)

// Source resolves roll numbers to summaries: cache first, store on a
// miss, write-through on the way out. A nil cache degrades to
// store-only lookups, so the node runs the same code path with and
// without Redis configured.
type Source struct {
	st    *store.SQLite
	cache *Cache
	log   *slog.Logger
}

func NewSource(st *store.SQLite, cache *Cache) *Source {
	return &Source{
		st:    st,
		cache: cache,
		log:   slog.Default().With("component", "resultcache"),
	}
}

// Result returns the published summary for roll. Cache failures are
// logged and fall through to the store; a roll with no scored or
// finalized sheet reports store.ErrNotFound.
func (s *Source) Result(ctx context.Context, roll string) (*Summary, error) {
	roll = canonical.NormalizeRoll(roll)
	if roll == "" {
		return nil, fmt.Errorf("result lookup: empty roll: %w", store.ErrNotFound)
	}

	if s.cache != nil {
		sum, err := s.cache.Get(ctx, roll)
		if err == nil {
			return sum, nil
		}
		if !errors.Is(err, ErrMiss) {
			s.log.Warn("result cache read failed, serving from store", "roll", roll, "err", err)
		}
	}

	sum, err := s.build(ctx, roll)
	if err != nil {
		return nil, err
	}
	s.writeThrough(ctx, sum)
	return sum, nil
}

// Refresh rebuilds and re-caches the summary for the sheet's roll.
// Called after score and finalize commits.
func (s *Source) Refresh(ctx context.Context, sheetID string) (*Summary, error) {
	sheet, err := s.st.GetSheet(ctx, sheetID)
	if err != nil {
		return nil, err
	}
	sum, err := s.build(ctx, canonical.NormalizeRoll(sheet.Roll))
	if err != nil {
		return nil, err
	}
	s.writeThrough(ctx, sum)
	return sum, nil
}

// Invalidate drops the cached summary for roll, forcing the next
// lookup through the store. Called when a recheck opens.
func (s *Source) Invalidate(ctx context.Context, roll string) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Invalidate(ctx, canonical.NormalizeRoll(roll))
}

func (s *Source) writeThrough(ctx context.Context, sum *Summary) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Put(ctx, sum); err != nil {
		s.log.Warn("result cache write failed", "roll", sum.Roll, "err", err)
	}
}

// build joins the best sheet for the roll with its score result and
// paper. Finalized sheets beat scored ones; ties go to the most
// recently updated. Cancelled sheets never publish.
func (s *Source) build(ctx context.Context, roll string) (*Summary, error) {
	sheets, err := s.st.ListSheetsByRoll(ctx, roll)
	if err != nil {
		return nil, err
	}

	var best *contracts.Sheet
	for i := range sheets {
		sh := &sheets[i]
		if sh.Cancelled || publishRank(sh.Stage) == 0 {
			continue
		}
		if best == nil || publishRank(sh.Stage) > publishRank(best.Stage) ||
			(publishRank(sh.Stage) == publishRank(best.Stage) && sh.UpdatedAt.After(best.UpdatedAt)) {
			best = sh
		}
	}
	if best == nil {
		return nil, fmt.Errorf("roll %s: no scored result: %w", roll, store.ErrNotFound)
	}

	score, err := s.st.GetScoreResult(ctx, best.ID)
	if err != nil {
		return nil, err
	}
	paper, err := s.st.GetQuestionPaper(ctx, best.PaperID)
	if err != nil {
		return nil, err
	}

	return &Summary{
		Roll:                roll,
		SheetID:             best.ID,
		ExamID:              best.ExamID,
		Subject:             paper.Subject,
		Stage:               best.Stage,
		AutomatedMarks:      score.AutomatedMarks,
		ManualMarks:         score.ManualMarks,
		MaxMarks:            score.MaxMarks,
		Percentage:          score.Percentage,
		Grade:               score.Grade,
		IsPerfectEvaluation: score.IsPerfectEvaluation,
		Finalized:           best.Stage == contracts.StageFinalized,
		BlockHash:           best.LastBlockHash,
		UpdatedAt:           best.UpdatedAt,
	}, nil
}

func publishRank(st contracts.Stage) int {
	switch st {
	case contracts.StageFinalized:
		return 2
	case contracts.StageScored:
		return 1
	default:
		return 0
	}
}
