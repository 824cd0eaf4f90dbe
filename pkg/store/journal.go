package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// BeginIntent journals an intent before its mutations run. The intent id
// doubles as the transaction id carried in the matching ledger block.
func (s *SQLite) BeginIntent(ctx context.Context, in *Intent) error {
	if in.ID == "" {
		return fmt.Errorf("intent missing id")
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode intent: %w", err)
	}
	query := `INSERT INTO journal (id, sheet_id, op, intent, created_at) VALUES (?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, in.ID, in.SheetID, in.Op, string(body), ts(in.CreatedAt)); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("intent %s: %w", in.ID, ErrConflict)
		}
		return fmt.Errorf("journal intent: %w", err)
	}
	return nil
}

// ClearIntent removes a journaled intent after its block is on the chain.
func (s *SQLite) ClearIntent(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM journal WHERE id = ?`, id); err != nil {
		return fmt.Errorf("clear intent: %w", err)
	}
	return nil
}

// PendingIntents returns journaled intents oldest first.
func (s *SQLite) PendingIntents(ctx context.Context) ([]Intent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT intent FROM journal ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("pending intents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Intent
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan intent: %w", err)
		}
		var in Intent
		if err := json.Unmarshal([]byte(body), &in); err != nil {
			return nil, fmt.Errorf("decode intent: %w", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// Rollback undoes the mutations an intent describes, restoring each
// touched row from its before-image or deleting rows the transition
// created.
func (s *SQLite) Rollback(ctx context.Context, in *Intent) error {
	if in.RecordTable != "" && in.SheetID != "" {
		if err := s.DeleteRecord(ctx, in.RecordTable, in.SheetID); err != nil {
			return fmt.Errorf("rollback %s: %w", in.RecordTable, err)
		}
	}
	if in.SheetCreated {
		if err := s.DeleteSheet(ctx, in.SheetID); err != nil {
			return fmt.Errorf("rollback sheet create: %w", err)
		}
	} else if in.SheetBefore != nil {
		if err := s.SaveSheet(ctx, in.SheetBefore); err != nil {
			return fmt.Errorf("rollback sheet: %w", err)
		}
	}
	if in.KeyCreated {
		if err := s.DeleteAnswerKey(ctx, in.KeyPaperID); err != nil {
			return fmt.Errorf("rollback key create: %w", err)
		}
	} else if in.KeyBefore != nil {
		if err := s.SaveAnswerKey(ctx, in.KeyBefore); err != nil {
			return fmt.Errorf("rollback answer key: %w", err)
		}
	}
	if in.PaperCreated {
		if err := s.DeleteQuestionPaper(ctx, in.PaperID); err != nil {
			return fmt.Errorf("rollback paper create: %w", err)
		}
	} else if in.PaperBefore != nil {
		if err := s.SaveQuestionPaper(ctx, in.PaperBefore); err != nil {
			return fmt.Errorf("rollback question paper: %w", err)
		}
	}
	if in.ItemCreated {
		if err := s.DeleteIntervention(ctx, in.ItemID); err != nil {
			return fmt.Errorf("rollback intervention create: %w", err)
		}
	} else if in.ItemBefore != nil {
		if err := s.SaveIntervention(ctx, in.ItemBefore); err != nil {
			return fmt.Errorf("rollback intervention: %w", err)
		}
	}
	return nil
}

// Recover drains the journal at startup. appended reports whether the
// block carrying the given transaction id made it onto the chain: if it
// did, the mutation is kept; otherwise it is rolled back. Either way the
// intent is cleared.
func (s *SQLite) Recover(ctx context.Context, appended func(txnID string) bool, logger *slog.Logger) (RecoveryReport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var rep RecoveryReport
	intents, err := s.PendingIntents(ctx)
	if err != nil {
		return rep, err
	}
	for i := range intents {
		in := &intents[i]
		if appended != nil && appended(in.ID) {
			logger.Info("journal intent completed", "intent", in.ID, "op", in.Op)
			rep.Completed++
		} else {
			if err := s.Rollback(ctx, in); err != nil {
				return rep, fmt.Errorf("recover intent %s: %w", in.ID, err)
			}
			logger.Warn("journal intent rolled back", "intent", in.ID, "op", in.Op, "sheet", in.SheetID)
			rep.RolledBack++
		}
		if err := s.ClearIntent(ctx, in.ID); err != nil {
			return rep, err
		}
	}
	return rep, nil
}

