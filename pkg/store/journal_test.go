package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Scrutineer-Labs/omrchain/pkg/contracts"
)

func TestJournalIntentLifecycle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	in := &Intent{
		ID:      "txn-1",
		SheetID: "sh-1",
		Op:      "quality_assessed",
	}
	require.NoError(t, s.BeginIntent(ctx, in))
	assert.False(t, in.CreatedAt.IsZero(), "BeginIntent should stamp CreatedAt")

	// The intent id doubles as the ledger transaction id, so reuse is a
	// conflict.
	err := s.BeginIntent(ctx, &Intent{ID: "txn-1", Op: "quality_assessed"})
	assert.ErrorIs(t, err, ErrConflict)

	pending, err := s.PendingIntents(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "txn-1", pending[0].ID)
	assert.Equal(t, "quality_assessed", pending[0].Op)

	require.NoError(t, s.ClearIntent(ctx, "txn-1"))
	pending, err = s.PendingIntents(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Clearing an absent intent is a no-op.
	require.NoError(t, s.ClearIntent(ctx, "txn-1"))
}

func TestRollbackRestoresBeforeImages(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	before := testSheet("sh-1", "R001", contracts.StageBubblesRead, 1)
	require.NoError(t, s.CreateSheet(ctx, before))

	// The transition moved the sheet forward and inserted its record.
	after := *before
	after.Stage = contracts.StageReconciled
	after.UpdatedAt = testTime(2)
	require.NoError(t, s.SaveSheet(ctx, &after))
	recon := &contracts.Reconciliation{SheetID: "sh-1", Rows: map[int]contracts.ReconRow{}, CreatedAt: testTime(2)}
	require.NoError(t, s.PutReconciliation(ctx, recon, "hash-r"))

	in := &Intent{
		ID:          "txn-1",
		SheetID:     "sh-1",
		Op:          "reconciled",
		SheetBefore: before,
		RecordTable: TableReconciliation,
	}
	require.NoError(t, s.Rollback(ctx, in))

	got, err := s.GetSheet(ctx, "sh-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.StageBubblesRead, got.Stage, "stage should revert")

	_, err = s.GetReconciliation(ctx, "sh-1")
	assert.ErrorIs(t, err, ErrNotFound, "inserted record should be gone")
}

func TestRollbackDeletesCreatedRows(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	sh := testSheet("sh-1", "R001", contracts.StageIngested, 1)
	require.NoError(t, s.CreateSheet(ctx, sh))
	it := &contracts.InterventionItem{
		ID:        "it-1",
		Entity:    contracts.EntityRef{Kind: "sheet", ID: "sh-1"},
		SheetID:   "sh-1",
		Reason:    contracts.ReasonQualityReview,
		Priority:  contracts.PriorityHigh,
		Status:    contracts.InterventionOpen,
		CreatedAt: testTime(1),
		UpdatedAt: testTime(1),
	}
	require.NoError(t, s.CreateIntervention(ctx, it))

	in := &Intent{
		ID:           "txn-1",
		SheetID:      "sh-1",
		Op:           "sheet_ingested",
		SheetCreated: true,
		ItemID:       "it-1",
		ItemCreated:  true,
	}
	require.NoError(t, s.Rollback(ctx, in))

	_, err := s.GetSheet(ctx, "sh-1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetIntervention(ctx, "it-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecoverKeepsAppendedRollsBackRest(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	// txn-a committed: its block reached the chain before the crash.
	shA := testSheet("sh-a", "R001", contracts.StageQualityAssessed, 1)
	require.NoError(t, s.CreateSheet(ctx, shA))
	require.NoError(t, s.BeginIntent(ctx, &Intent{ID: "txn-a", SheetID: "sh-a", Op: "quality_assessed"}))

	// txn-b crashed between the row write and the ledger append.
	beforeB := testSheet("sh-b", "R002", contracts.StageIngested, 2)
	require.NoError(t, s.CreateSheet(ctx, beforeB))
	afterB := *beforeB
	afterB.Stage = contracts.StageQualityAssessed
	require.NoError(t, s.SaveSheet(ctx, &afterB))
	require.NoError(t, s.BeginIntent(ctx, &Intent{
		ID:          "txn-b",
		SheetID:     "sh-b",
		Op:          "quality_assessed",
		SheetBefore: beforeB,
	}))

	appended := func(txnID string) bool { return txnID == "txn-a" }
	rep, err := s.Recover(ctx, appended, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Completed)
	assert.Equal(t, 1, rep.RolledBack)

	// sh-a kept its advance, sh-b reverted.
	gotA, err := s.GetSheet(ctx, "sh-a")
	require.NoError(t, err)
	assert.Equal(t, contracts.StageQualityAssessed, gotA.Stage)
	gotB, err := s.GetSheet(ctx, "sh-b")
	require.NoError(t, err)
	assert.Equal(t, contracts.StageIngested, gotB.Stage)

	// Journal drained either way.
	pending, err := s.PendingIntents(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// A second recovery pass is a no-op.
	rep, err = s.Recover(ctx, appended, nil)
	require.NoError(t, err)
	assert.Zero(t, rep.Completed)
	assert.Zero(t, rep.RolledBack)
}

func TestRecoverRestoresAnswerKeyBeforeImage(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	before := &contracts.AnswerKey{
		ID:      "key-1",
		PaperID: "paper-1",
		Status:  contracts.KeyAIVerified,
		Entries: map[int]contracts.KeyEntry{1: {Answer: "A", Marks: 4}},
	}
	require.NoError(t, s.SaveAnswerKey(ctx, before))

	locked := *before
	locked.Status = contracts.KeyLocked
	require.NoError(t, s.SaveAnswerKey(ctx, &locked))
	require.NoError(t, s.BeginIntent(ctx, &Intent{
		ID:         "txn-lock",
		Op:         "answer_key_locked",
		KeyPaperID: "paper-1",
		KeyBefore:  before,
	}))

	rep, err := s.Recover(ctx, func(string) bool { return false }, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.RolledBack)

	got, err := s.GetAnswerKeyByPaper(ctx, "paper-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.KeyAIVerified, got.Status, "lock should be undone")
}
