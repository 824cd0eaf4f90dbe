package resultcache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Scrutineer-Labs/omrchain/pkg/contracts"
	"github.com/Scrutineer-Labs/omrchain/pkg/store"
)

func newTestCache(t *testing.T) (*miniredis.Miniredis, *Cache) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, NewCache(rdb, WithTTL(time.Minute))
}

func sampleSummary(roll string) *Summary {
	manual := 18.0
	return &Summary{
		Roll:           roll,
		SheetID:        "sh-1",
		ExamID:         "board-2026-summer",
		Subject:        "physics",
		Stage:          contracts.StageFinalized,
		AutomatedMarks: 18,
		ManualMarks:    &manual,
		MaxMarks:       20,
		Percentage:     90,
		Grade:          "A+",
		Finalized:      true,
		BlockHash:      "sha256:deadbeef",
		UpdatedAt:      time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
	}
}

func TestCacheRoundTrip(t *testing.T) {
	mr, c := newTestCache(t)
	ctx := context.Background()

	_, err := c.Get(ctx, "R-42")
	require.ErrorIs(t, err, ErrMiss)

	want := sampleSummary("R-42")
	require.NoError(t, c.Put(ctx, want))

	got, err := c.Get(ctx, "R-42")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// Roll numbers normalize before keying, so lookups are
	// whitespace- and case-insensitive.
	got, err = c.Get(ctx, "  r-42 ")
	require.NoError(t, err)
	assert.Equal(t, want.SheetID, got.SheetID)

	require.NoError(t, c.Invalidate(ctx, "R-42"))
	_, err = c.Get(ctx, "R-42")
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, c.Put(ctx, want))
	mr.FastForward(2 * time.Minute)
	_, err = c.Get(ctx, "R-42")
	assert.ErrorIs(t, err, ErrMiss, "entry must expire with the TTL")
}

func seedResult(t *testing.T, st *store.SQLite, sheetID, roll string, stage contracts.Stage, marks float64, updated time.Time) {
	t.Helper()
	ctx := context.Background()
	sh := &contracts.Sheet{
		ID:        sheetID,
		PaperID:   "paper-1",
		ExamID:    "board-2026-summer",
		Roll:      roll,
		ImageHash: "sha256:img",
		Stage:     stage,
		CreatedAt: updated.Add(-time.Hour),
		UpdatedAt: updated,
	}
	require.NoError(t, st.CreateSheet(ctx, sh))
	r := &contracts.ScoreResult{
		SheetID:        sheetID,
		AutomatedMarks: marks,
		MaxMarks:       20,
		Percentage:     marks / 20 * 100,
		MarksMatch:     true,
		Grade:          "A",
		CreatedAt:      updated,
		UpdatedAt:      updated,
	}
	require.NoError(t, st.PutScoreResult(ctx, r, "hash-"+sheetID))
}

func newTestStore(t *testing.T) *store.SQLite {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.CreateQuestionPaper(context.Background(), &contracts.QuestionPaper{
		ID:             "paper-1",
		ExamID:         "board-2026-summer",
		Subject:        "physics",
		TotalQuestions: 10,
		MaxMarks:       20,
		ContentHash:    "sha256:paper",
		CreatedAt:      time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC),
		UpdatedAt:      time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC),
	}))
	return st
}

func TestSourceServesAndCaches(t *testing.T) {
	mr, c := newTestCache(t)
	st := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	seedResult(t, st, "sh-1", "R-100", contracts.StageScored, 16, base)

	src := NewSource(st, c)
	sum, err := src.Result(ctx, "R-100")
	require.NoError(t, err)
	assert.Equal(t, "sh-1", sum.SheetID)
	assert.Equal(t, "physics", sum.Subject)
	assert.InDelta(t, 16.0, sum.AutomatedMarks, 1e-9)
	assert.False(t, sum.Finalized)
	assert.True(t, mr.Exists(keyPrefix+"R-100"), "lookup must write through to the cache")

	// Served from cache until invalidated: a store update alone does
	// not change the answer.
	seedResult(t, st, "sh-2", "R-100", contracts.StageFinalized, 18, base.Add(time.Minute))
	sum, err = src.Result(ctx, "R-100")
	require.NoError(t, err)
	assert.Equal(t, "sh-1", sum.SheetID)

	require.NoError(t, src.Invalidate(ctx, "R-100"))
	sum, err = src.Result(ctx, "R-100")
	require.NoError(t, err)
	assert.Equal(t, "sh-2", sum.SheetID)
	assert.True(t, sum.Finalized)
}

func TestSourcePrefersFinalizedSheet(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	// A newer scored sheet does not shadow an older finalized one.
	seedResult(t, st, "sh-old", "R-200", contracts.StageFinalized, 14, base)
	seedResult(t, st, "sh-new", "R-200", contracts.StageScored, 17, base.Add(time.Hour))

	src := NewSource(st, nil)
	sum, err := src.Result(ctx, "R-200")
	require.NoError(t, err)
	assert.Equal(t, "sh-old", sum.SheetID)
	assert.True(t, sum.Finalized)
}

func TestSourceSkipsCancelledAndUnscored(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	seedResult(t, st, "sh-c", "R-300", contracts.StageScored, 12, base)
	cancelled, err := st.GetSheet(ctx, "sh-c")
	require.NoError(t, err)
	cancelled.Cancelled = true
	require.NoError(t, st.SaveSheet(ctx, cancelled))

	require.NoError(t, st.CreateSheet(ctx, &contracts.Sheet{
		ID: "sh-p", PaperID: "paper-1", ExamID: "board-2026-summer",
		Roll: "R-300", ImageHash: "sha256:img", Stage: contracts.StageBubblesRead,
		CreatedAt: base, UpdatedAt: base,
	}))

	src := NewSource(st, nil)
	_, err = src.Result(ctx, "R-300")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = src.Result(ctx, "R-999")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSourceRefresh(t *testing.T) {
	mr, c := newTestCache(t)
	st := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	seedResult(t, st, "sh-9", "R-400", contracts.StageScored, 19, base)

	src := NewSource(st, c)
	sum, err := src.Refresh(ctx, "sh-9")
	require.NoError(t, err)
	assert.Equal(t, "sh-9", sum.SheetID)
	assert.True(t, mr.Exists(keyPrefix+"R-400"))

	_, err = src.Refresh(ctx, "sh-missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
