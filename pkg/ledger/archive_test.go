package ledger

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func archiveBlock(index uint64, prev string) Block {
	b := Block{
		Index:      index,
		Timestamp:  1700000000000000000 + int64(index),
		Kind:       KindSheetIngested,
		Payload:    []PayloadEntry{{Key: "sheet_id", ValueHash: "sha256:aa"}},
		PrevHash:   prev,
		Signatures: []Signature{},
	}
	b.MerkleRoot = PayloadRoot(b.Payload)
	h, _ := b.ComputeSelfHash()
	b.SelfHash = h
	return b
}

func TestArchiveRecord(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	a := NewArchive(db)
	b := archiveBlock(0, ZeroHash)

	mock.ExpectExec("INSERT INTO ledger_block").
		WithArgs(int64(0), b.SelfHash, ZeroHash, "SHEET_INGESTED", b.MerkleRoot,
			b.Timestamp, int64(0), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, a.Record(context.Background(), b))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestArchiveInit(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS ledger_block").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, NewArchive(db).Init(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestArchiveBackfillSkipsMirrored(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	a := NewArchive(db)

	b0 := archiveBlock(0, ZeroHash)
	b1 := archiveBlock(1, b0.SelfHash)

	// Block 0 is already mirrored; only block 1 should be inserted.
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(block_index\), -1\) FROM ledger_block`).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(int64(0)))
	mock.ExpectExec("INSERT INTO ledger_block").
		WithArgs(int64(1), b1.SelfHash, b0.SelfHash, "SHEET_INGESTED", b1.MerkleRoot,
			b1.Timestamp, int64(0), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, a.Backfill(context.Background(), []Block{b0, b1}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestArchiveLatestIndexEmpty(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery(`SELECT COALESCE\(MAX\(block_index\), -1\) FROM ledger_block`).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(int64(-1)))

	latest, err := NewArchive(db).LatestIndex(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(-1), latest)
}
