package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// Archive mirrors fsynced blocks into a relational table for offsite
// retention and SQL reporting. The record file stays the source of
// truth; a mirror failure never fails an append, it is logged and
// caught up by Backfill on the next start.
type Archive struct {
	db *sql.DB
}

func NewArchive(db *sql.DB) *Archive {
	return &Archive{db: db}
}

const archiveSchema = `
CREATE TABLE IF NOT EXISTS ledger_block (
	block_index BIGINT PRIMARY KEY,
	self_hash   TEXT NOT NULL UNIQUE,
	prev_hash   TEXT NOT NULL,
	kind        TEXT NOT NULL,
	merkle_root TEXT NOT NULL,
	ts_ns       BIGINT NOT NULL,
	nonce       BIGINT NOT NULL,
	payload     TEXT NOT NULL,
	signatures  TEXT NOT NULL
)`

func (a *Archive) Init(ctx context.Context) error {
	_, err := a.db.ExecContext(ctx, archiveSchema)
	return err
}

// Record mirrors one block. Replays are ignored so Backfill and the
// per-append mirror can overlap.
func (a *Archive) Record(ctx context.Context, b Block) error {
	payload, err := json.Marshal(b.Payload)
	if err != nil {
		return fmt.Errorf("archive block %d: %w", b.Index, err)
	}
	sigs, err := json.Marshal(b.Signatures)
	if err != nil {
		return fmt.Errorf("archive block %d: %w", b.Index, err)
	}

	query := `
		INSERT INTO ledger_block (block_index, self_hash, prev_hash, kind, merkle_root, ts_ns, nonce, payload, signatures)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (block_index) DO NOTHING
	`
	_, err = a.db.ExecContext(ctx, query,
		int64(b.Index), b.SelfHash, b.PrevHash, string(b.Kind), b.MerkleRoot,
		b.Timestamp, int64(b.Nonce), string(payload), string(sigs),
	)
	if err != nil {
		return fmt.Errorf("archive block %d: %w", b.Index, err)
	}
	return nil
}

// LatestIndex returns the highest mirrored block index, or -1 when the
// archive is empty.
func (a *Archive) LatestIndex(ctx context.Context) (int64, error) {
	var latest int64
	row := a.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(block_index), -1) FROM ledger_block`)
	if err := row.Scan(&latest); err != nil {
		return -1, fmt.Errorf("archive latest index: %w", err)
	}
	return latest, nil
}

func (a *Archive) Count(ctx context.Context) (int64, error) {
	var n int64
	row := a.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger_block`)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("archive count: %w", err)
	}
	return n, nil
}

// Backfill mirrors every block the archive has not seen yet.
func (a *Archive) Backfill(ctx context.Context, blocks []Block) error {
	latest, err := a.LatestIndex(ctx)
	if err != nil {
		return err
	}
	for _, b := range blocks {
		if int64(b.Index) <= latest {
			continue
		}
		if err := a.Record(ctx, b); err != nil {
			return err
		}
	}
	return nil
}
