package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Scrutineer-Labs/omrchain/pkg/contracts"
	"github.com/Scrutineer-Labs/omrchain/pkg/crypto"

	_ "modernc.org/sqlite"
)

// Record tables hold the 1:1 stage outputs keyed by sheet id.
const (
	TableQuality        = "quality_record"
	TableBubbleReading  = "bubble_reading"
	TableSolverVerdict  = "ai_solver_verdict"
	TableManualEntry    = "manual_entry"
	TableReconciliation = "reconciliation"
	TableScoreResult    = "score_result"
)

var recordTables = map[string]bool{
	TableQuality:        true,
	TableBubbleReading:  true,
	TableSolverVerdict:  true,
	TableManualEntry:    true,
	TableReconciliation: true,
	TableScoreResult:    true,
}

// SQLite is the entity store.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(db *sql.DB) (*SQLite, error) {
	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Open opens (and migrates) the store at path.
func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// The driver is in-process; a single connection avoids writer lock
	// contention between worker goroutines.
	db.SetMaxOpenConns(1)
	return NewSQLite(db)
}

func (s *SQLite) DB() *sql.DB { return s.db }

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS question_paper (
			id TEXT PRIMARY KEY,
			exam_id TEXT NOT NULL,
			subject TEXT NOT NULL DEFAULT '',
			total_questions INTEGER NOT NULL,
			max_marks TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			last_block_hash TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS answer_key (
			paper_id TEXT PRIMARY KEY,
			id TEXT NOT NULL,
			status TEXT NOT NULL,
			entries JSON NOT NULL,
			flags JSON,
			last_block_hash TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sheet (
			id TEXT PRIMARY KEY,
			paper_id TEXT NOT NULL,
			exam_id TEXT NOT NULL,
			roll TEXT NOT NULL,
			image_hash TEXT NOT NULL,
			reconstructed_hash TEXT NOT NULL DEFAULT '',
			stage TEXT NOT NULL,
			cancelled INTEGER NOT NULL DEFAULT 0,
			gate_wait_ns INTEGER NOT NULL DEFAULT 0,
			last_block_hash TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sheet_stage ON sheet(stage)`,
		`CREATE INDEX IF NOT EXISTS idx_sheet_roll ON sheet(roll)`,
		`CREATE TABLE IF NOT EXISTS quality_record (
			sheet_id TEXT PRIMARY KEY, body JSON NOT NULL, content_hash TEXT NOT NULL, created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS bubble_reading (
			sheet_id TEXT PRIMARY KEY, body JSON NOT NULL, content_hash TEXT NOT NULL, created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ai_solver_verdict (
			sheet_id TEXT PRIMARY KEY, body JSON NOT NULL, content_hash TEXT NOT NULL, created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS manual_entry (
			sheet_id TEXT PRIMARY KEY, body JSON NOT NULL, content_hash TEXT NOT NULL, created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS reconciliation (
			sheet_id TEXT PRIMARY KEY, body JSON NOT NULL, content_hash TEXT NOT NULL, created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS score_result (
			sheet_id TEXT PRIMARY KEY,
			automated_marks TEXT NOT NULL,
			manual_marks TEXT,
			grade TEXT NOT NULL DEFAULT '',
			body JSON NOT NULL,
			content_hash TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS intervention (
			id TEXT PRIMARY KEY,
			entity_kind TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			sheet_id TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			priority TEXT NOT NULL,
			status TEXT NOT NULL,
			assignee TEXT,
			resolution_note TEXT NOT NULL DEFAULT '',
			opened_block TEXT NOT NULL DEFAULT '',
			resolved_block TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_intervention_status ON intervention(status)`,
		`CREATE INDEX IF NOT EXISTS idx_intervention_sheet ON intervention(sheet_id)`,
		`CREATE TABLE IF NOT EXISTS signer_key (
			kind TEXT PRIMARY KEY,
			key_id TEXT NOT NULL DEFAULT '',
			public_key TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS journal (
			id TEXT PRIMARY KEY,
			sheet_id TEXT NOT NULL DEFAULT '',
			op TEXT NOT NULL,
			intent JSON NOT NULL,
			created_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(context.Background(), stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func dec2(f float64) string {
	return strconv.FormatFloat(f, 'f', 2, 64)
}

func parseDec(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// ---- question papers ----

func (s *SQLite) CreateQuestionPaper(ctx context.Context, p *contracts.QuestionPaper) error {
	query := `INSERT INTO question_paper (id, exam_id, subject, total_questions, max_marks, content_hash, last_block_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		p.ID, p.ExamID, p.Subject, p.TotalQuestions, dec2(p.MaxMarks), p.ContentHash, p.LastBlockHash, ts(p.CreatedAt), ts(p.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("question paper %s: %w", p.ID, ErrConflict)
		}
		return fmt.Errorf("insert question paper: %w", err)
	}
	return nil
}

func (s *SQLite) SaveQuestionPaper(ctx context.Context, p *contracts.QuestionPaper) error {
	query := `INSERT INTO question_paper (id, exam_id, subject, total_questions, max_marks, content_hash, last_block_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			exam_id = excluded.exam_id,
			subject = excluded.subject,
			total_questions = excluded.total_questions,
			max_marks = excluded.max_marks,
			content_hash = excluded.content_hash,
			last_block_hash = excluded.last_block_hash,
			updated_at = excluded.updated_at`
	_, err := s.db.ExecContext(ctx, query,
		p.ID, p.ExamID, p.Subject, p.TotalQuestions, dec2(p.MaxMarks), p.ContentHash, p.LastBlockHash, ts(p.CreatedAt), ts(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save question paper: %w", err)
	}
	return nil
}

func (s *SQLite) GetQuestionPaper(ctx context.Context, id string) (*contracts.QuestionPaper, error) {
	query := `SELECT id, exam_id, subject, total_questions, max_marks, content_hash, last_block_hash, created_at, updated_at
		FROM question_paper WHERE id = ?`
	row := s.db.QueryRowContext(ctx, query, id)

	var p contracts.QuestionPaper
	var maxMarks, created, updated string
	err := row.Scan(&p.ID, &p.ExamID, &p.Subject, &p.TotalQuestions, &maxMarks, &p.ContentHash, &p.LastBlockHash, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("question paper %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get question paper: %w", err)
	}
	p.MaxMarks = parseDec(maxMarks)
	p.CreatedAt = parseTS(created)
	p.UpdatedAt = parseTS(updated)
	return &p, nil
}

func (s *SQLite) DeleteQuestionPaper(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM question_paper WHERE id = ?`, id)
	return err
}

// ---- answer keys ----

func (s *SQLite) SaveAnswerKey(ctx context.Context, k *contracts.AnswerKey) error {
	entries, err := json.Marshal(k.Entries)
	if err != nil {
		return fmt.Errorf("encode key entries: %w", err)
	}
	flags, err := json.Marshal(k.Flags)
	if err != nil {
		return fmt.Errorf("encode key flags: %w", err)
	}
	query := `INSERT INTO answer_key (paper_id, id, status, entries, flags, last_block_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(paper_id) DO UPDATE SET
			id = excluded.id,
			status = excluded.status,
			entries = excluded.entries,
			flags = excluded.flags,
			last_block_hash = excluded.last_block_hash,
			updated_at = excluded.updated_at`
	_, err = s.db.ExecContext(ctx, query,
		k.PaperID, k.ID, string(k.Status), string(entries), string(flags), k.LastBlockHash, ts(k.CreatedAt), ts(k.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save answer key: %w", err)
	}
	return nil
}

func (s *SQLite) GetAnswerKeyByPaper(ctx context.Context, paperID string) (*contracts.AnswerKey, error) {
	query := `SELECT paper_id, id, status, entries, flags, last_block_hash, created_at, updated_at
		FROM answer_key WHERE paper_id = ?`
	row := s.db.QueryRowContext(ctx, query, paperID)
	k, err := scanAnswerKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("answer key for paper %s: %w", paperID, ErrNotFound)
	}
	return k, err
}

func (s *SQLite) GetAnswerKey(ctx context.Context, id string) (*contracts.AnswerKey, error) {
	query := `SELECT paper_id, id, status, entries, flags, last_block_hash, created_at, updated_at
		FROM answer_key WHERE id = ?`
	row := s.db.QueryRowContext(ctx, query, id)
	k, err := scanAnswerKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("answer key %s: %w", id, ErrNotFound)
	}
	return k, err
}

func scanAnswerKey(row *sql.Row) (*contracts.AnswerKey, error) {
	var k contracts.AnswerKey
	var status, entries, created, updated string
	var flags sql.NullString
	err := row.Scan(&k.PaperID, &k.ID, &status, &entries, &flags, &k.LastBlockHash, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get answer key: %w", err)
	}
	k.Status = contracts.KeyStatus(status)
	if err := json.Unmarshal([]byte(entries), &k.Entries); err != nil {
		return nil, fmt.Errorf("decode key entries: %w", err)
	}
	if flags.Valid && flags.String != "" && flags.String != "null" {
		if err := json.Unmarshal([]byte(flags.String), &k.Flags); err != nil {
			return nil, fmt.Errorf("decode key flags: %w", err)
		}
	}
	k.CreatedAt = parseTS(created)
	k.UpdatedAt = parseTS(updated)
	return &k, nil
}

func (s *SQLite) DeleteAnswerKey(ctx context.Context, paperID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM answer_key WHERE paper_id = ?`, paperID)
	return err
}

// ---- sheets ----

func (s *SQLite) CreateSheet(ctx context.Context, sh *contracts.Sheet) error {
	query := `INSERT INTO sheet (id, paper_id, exam_id, roll, image_hash, reconstructed_hash, stage, cancelled, gate_wait_ns, last_block_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		sh.ID, sh.PaperID, sh.ExamID, sh.Roll, sh.ImageHash, sh.ReconstructedHash,
		string(sh.Stage), boolInt(sh.Cancelled), sh.GateWaitNS, sh.LastBlockHash, ts(sh.CreatedAt), ts(sh.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("sheet %s: %w", sh.ID, ErrConflict)
		}
		return fmt.Errorf("insert sheet: %w", err)
	}
	return nil
}

func (s *SQLite) SaveSheet(ctx context.Context, sh *contracts.Sheet) error {
	query := `INSERT INTO sheet (id, paper_id, exam_id, roll, image_hash, reconstructed_hash, stage, cancelled, gate_wait_ns, last_block_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			paper_id = excluded.paper_id,
			exam_id = excluded.exam_id,
			roll = excluded.roll,
			image_hash = excluded.image_hash,
			reconstructed_hash = excluded.reconstructed_hash,
			stage = excluded.stage,
			cancelled = excluded.cancelled,
			gate_wait_ns = excluded.gate_wait_ns,
			last_block_hash = excluded.last_block_hash,
			updated_at = excluded.updated_at`
	_, err := s.db.ExecContext(ctx, query,
		sh.ID, sh.PaperID, sh.ExamID, sh.Roll, sh.ImageHash, sh.ReconstructedHash,
		string(sh.Stage), boolInt(sh.Cancelled), sh.GateWaitNS, sh.LastBlockHash, ts(sh.CreatedAt), ts(sh.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save sheet: %w", err)
	}
	return nil
}

const sheetColumns = `id, paper_id, exam_id, roll, image_hash, reconstructed_hash, stage, cancelled, gate_wait_ns, last_block_hash, created_at, updated_at`

func scanSheet(row interface{ Scan(...any) error }) (*contracts.Sheet, error) {
	var sh contracts.Sheet
	var stage, created, updated string
	var cancelled int
	err := row.Scan(&sh.ID, &sh.PaperID, &sh.ExamID, &sh.Roll, &sh.ImageHash, &sh.ReconstructedHash,
		&stage, &cancelled, &sh.GateWaitNS, &sh.LastBlockHash, &created, &updated)
	if err != nil {
		return nil, err
	}
	sh.Stage = contracts.Stage(stage)
	sh.Cancelled = cancelled != 0
	sh.CreatedAt = parseTS(created)
	sh.UpdatedAt = parseTS(updated)
	return &sh, nil
}

func (s *SQLite) GetSheet(ctx context.Context, id string) (*contracts.Sheet, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sheetColumns+` FROM sheet WHERE id = ?`, id)
	sh, err := scanSheet(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("sheet %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get sheet: %w", err)
	}
	return sh, nil
}

func (s *SQLite) ListSheetsByStage(ctx context.Context, stage contracts.Stage) ([]contracts.Sheet, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sheetColumns+` FROM sheet WHERE stage = ? ORDER BY created_at ASC`, string(stage))
	if err != nil {
		return nil, fmt.Errorf("list sheets by stage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Sheet
	for rows.Next() {
		sh, err := scanSheet(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sheet: %w", err)
		}
		out = append(out, *sh)
	}
	return out, rows.Err()
}

func (s *SQLite) ListSheetsByRoll(ctx context.Context, roll string) ([]contracts.Sheet, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sheetColumns+` FROM sheet WHERE roll = ? ORDER BY created_at ASC`, roll)
	if err != nil {
		return nil, fmt.Errorf("list sheets by roll: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Sheet
	for rows.Next() {
		sh, err := scanSheet(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sheet: %w", err)
		}
		out = append(out, *sh)
	}
	return out, rows.Err()
}

// ListUnfinishedSheets returns sheets in non-terminal stages for
// re-scheduling after a restart.
func (s *SQLite) ListUnfinishedSheets(ctx context.Context) ([]contracts.Sheet, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sheetColumns+` FROM sheet WHERE stage NOT IN (?, ?) AND cancelled = 0 ORDER BY created_at ASC`,
		string(contracts.StageFinalized), string(contracts.StageRejected))
	if err != nil {
		return nil, fmt.Errorf("list unfinished sheets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Sheet
	for rows.Next() {
		sh, err := scanSheet(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sheet: %w", err)
		}
		out = append(out, *sh)
	}
	return out, rows.Err()
}

func (s *SQLite) DeleteSheet(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sheet WHERE id = ?`, id)
	return err
}

// ---- 1:1 stage records ----

func (s *SQLite) putRecord(ctx context.Context, table, sheetID string, v any, contentHash string, at time.Time) error {
	if !recordTables[table] {
		return fmt.Errorf("unknown record table %q", table)
	}
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", table, err)
	}
	query := `INSERT INTO ` + table + ` (sheet_id, body, content_hash, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(sheet_id) DO UPDATE SET body = excluded.body, content_hash = excluded.content_hash`
	if _, err := s.db.ExecContext(ctx, query, sheetID, string(body), contentHash, ts(at)); err != nil {
		return fmt.Errorf("put %s: %w", table, err)
	}
	return nil
}

func (s *SQLite) getRecord(ctx context.Context, table, sheetID string, v any) error {
	if !recordTables[table] {
		return fmt.Errorf("unknown record table %q", table)
	}
	var body string
	row := s.db.QueryRowContext(ctx, `SELECT body FROM `+table+` WHERE sheet_id = ?`, sheetID)
	if err := row.Scan(&body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%s for sheet %s: %w", table, sheetID, ErrNotFound)
		}
		return fmt.Errorf("get %s: %w", table, err)
	}
	if err := json.Unmarshal([]byte(body), v); err != nil {
		return fmt.Errorf("decode %s: %w", table, err)
	}
	return nil
}

// DeleteRecord removes a 1:1 stage record; journal rollback uses it.
func (s *SQLite) DeleteRecord(ctx context.Context, table, sheetID string) error {
	if !recordTables[table] {
		return fmt.Errorf("unknown record table %q", table)
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE sheet_id = ?`, sheetID)
	return err
}

func (s *SQLite) PutQualityRecord(ctx context.Context, q *contracts.QualityRecord, contentHash string) error {
	return s.putRecord(ctx, TableQuality, q.SheetID, q, contentHash, q.CreatedAt)
}

func (s *SQLite) GetQualityRecord(ctx context.Context, sheetID string) (*contracts.QualityRecord, error) {
	var q contracts.QualityRecord
	if err := s.getRecord(ctx, TableQuality, sheetID, &q); err != nil {
		return nil, err
	}
	return &q, nil
}

func (s *SQLite) PutBubbleReading(ctx context.Context, b *contracts.BubbleReading, contentHash string) error {
	return s.putRecord(ctx, TableBubbleReading, b.SheetID, b, contentHash, b.CreatedAt)
}

func (s *SQLite) GetBubbleReading(ctx context.Context, sheetID string) (*contracts.BubbleReading, error) {
	var b contracts.BubbleReading
	if err := s.getRecord(ctx, TableBubbleReading, sheetID, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *SQLite) PutSolverVerdict(ctx context.Context, v *contracts.AISolverVerdict, contentHash string) error {
	return s.putRecord(ctx, TableSolverVerdict, v.SheetID, v, contentHash, v.CreatedAt)
}

func (s *SQLite) GetSolverVerdict(ctx context.Context, sheetID string) (*contracts.AISolverVerdict, error) {
	var v contracts.AISolverVerdict
	if err := s.getRecord(ctx, TableSolverVerdict, sheetID, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *SQLite) PutManualEntry(ctx context.Context, m *contracts.ManualEntry, contentHash string) error {
	return s.putRecord(ctx, TableManualEntry, m.SheetID, m, contentHash, m.EnteredAt)
}

func (s *SQLite) GetManualEntry(ctx context.Context, sheetID string) (*contracts.ManualEntry, error) {
	var m contracts.ManualEntry
	if err := s.getRecord(ctx, TableManualEntry, sheetID, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *SQLite) PutReconciliation(ctx context.Context, r *contracts.Reconciliation, contentHash string) error {
	return s.putRecord(ctx, TableReconciliation, r.SheetID, r, contentHash, r.CreatedAt)
}

func (s *SQLite) GetReconciliation(ctx context.Context, sheetID string) (*contracts.Reconciliation, error) {
	var r contracts.Reconciliation
	if err := s.getRecord(ctx, TableReconciliation, sheetID, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *SQLite) PutScoreResult(ctx context.Context, r *contracts.ScoreResult, contentHash string) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode score result: %w", err)
	}
	var manual sql.NullString
	if r.ManualMarks != nil {
		manual = sql.NullString{String: dec2(*r.ManualMarks), Valid: true}
	}
	query := `INSERT INTO score_result (sheet_id, automated_marks, manual_marks, grade, body, content_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(sheet_id) DO UPDATE SET
			automated_marks = excluded.automated_marks,
			manual_marks = excluded.manual_marks,
			grade = excluded.grade,
			body = excluded.body,
			content_hash = excluded.content_hash`
	_, err = s.db.ExecContext(ctx, query,
		r.SheetID, dec2(r.AutomatedMarks), manual, r.Grade, string(body), contentHash, ts(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("put score result: %w", err)
	}
	return nil
}

func (s *SQLite) GetScoreResult(ctx context.Context, sheetID string) (*contracts.ScoreResult, error) {
	var r contracts.ScoreResult
	if err := s.getRecord(ctx, TableScoreResult, sheetID, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// GetRecordHash returns the stored content hash of a 1:1 record.
func (s *SQLite) GetRecordHash(ctx context.Context, table, sheetID string) (string, error) {
	if !recordTables[table] {
		return "", fmt.Errorf("unknown record table %q", table)
	}
	var h string
	row := s.db.QueryRowContext(ctx, `SELECT content_hash FROM `+table+` WHERE sheet_id = ?`, sheetID)
	if err := row.Scan(&h); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%s for sheet %s: %w", table, sheetID, ErrNotFound)
		}
		return "", fmt.Errorf("get %s hash: %w", table, err)
	}
	return h, nil
}

// GetSheetAggregate fetches a sheet and every 1:1 relation it has.
func (s *SQLite) GetSheetAggregate(ctx context.Context, id string) (*contracts.SheetAggregate, error) {
	sh, err := s.GetSheet(ctx, id)
	if err != nil {
		return nil, err
	}
	agg := &contracts.SheetAggregate{Sheet: *sh}

	if q, err := s.GetQualityRecord(ctx, id); err == nil {
		agg.Quality = q
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if b, err := s.GetBubbleReading(ctx, id); err == nil {
		agg.Bubbles = b
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if v, err := s.GetSolverVerdict(ctx, id); err == nil {
		agg.AIVerdict = v
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if m, err := s.GetManualEntry(ctx, id); err == nil {
		agg.Manual = m
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if r, err := s.GetReconciliation(ctx, id); err == nil {
		agg.Reconciliation = r
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if sc, err := s.GetScoreResult(ctx, id); err == nil {
		agg.Score = sc
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return agg, nil
}

// ---- interventions ----

func (s *SQLite) CreateIntervention(ctx context.Context, it *contracts.InterventionItem) error {
	query := `INSERT INTO intervention (id, entity_kind, entity_id, sheet_id, reason, detail, priority, status, assignee, resolution_note, opened_block, resolved_block, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		it.ID, it.Entity.Kind, it.Entity.ID, it.SheetID, it.Reason, it.Detail,
		string(it.Priority), string(it.Status), it.Assignee, it.ResolutionNote,
		it.OpenedBlock, it.ResolvedBlock, ts(it.CreatedAt), ts(it.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("intervention %s: %w", it.ID, ErrConflict)
		}
		return fmt.Errorf("insert intervention: %w", err)
	}
	return nil
}

func (s *SQLite) SaveIntervention(ctx context.Context, it *contracts.InterventionItem) error {
	query := `INSERT INTO intervention (id, entity_kind, entity_id, sheet_id, reason, detail, priority, status, assignee, resolution_note, opened_block, resolved_block, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			entity_kind = excluded.entity_kind,
			entity_id = excluded.entity_id,
			sheet_id = excluded.sheet_id,
			reason = excluded.reason,
			detail = excluded.detail,
			priority = excluded.priority,
			status = excluded.status,
			assignee = excluded.assignee,
			resolution_note = excluded.resolution_note,
			opened_block = excluded.opened_block,
			resolved_block = excluded.resolved_block,
			updated_at = excluded.updated_at`
	_, err := s.db.ExecContext(ctx, query,
		it.ID, it.Entity.Kind, it.Entity.ID, it.SheetID, it.Reason, it.Detail,
		string(it.Priority), string(it.Status), it.Assignee, it.ResolutionNote,
		it.OpenedBlock, it.ResolvedBlock, ts(it.CreatedAt), ts(it.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save intervention: %w", err)
	}
	return nil
}

const interventionColumns = `id, entity_kind, entity_id, sheet_id, reason, detail, priority, status, assignee, resolution_note, opened_block, resolved_block, created_at, updated_at`

func scanIntervention(row interface{ Scan(...any) error }) (*contracts.InterventionItem, error) {
	var it contracts.InterventionItem
	var priority, status, created, updated string
	var assignee sql.NullString
	err := row.Scan(&it.ID, &it.Entity.Kind, &it.Entity.ID, &it.SheetID, &it.Reason, &it.Detail,
		&priority, &status, &assignee, &it.ResolutionNote, &it.OpenedBlock, &it.ResolvedBlock, &created, &updated)
	if err != nil {
		return nil, err
	}
	it.Priority = contracts.Priority(priority)
	it.Status = contracts.InterventionStatus(status)
	if assignee.Valid {
		it.Assignee = &assignee.String
	}
	it.CreatedAt = parseTS(created)
	it.UpdatedAt = parseTS(updated)
	return &it, nil
}

func (s *SQLite) GetIntervention(ctx context.Context, id string) (*contracts.InterventionItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+interventionColumns+` FROM intervention WHERE id = ?`, id)
	it, err := scanIntervention(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("intervention %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get intervention: %w", err)
	}
	return it, nil
}

// ClaimIntervention moves an open item to claimed in one statement, so
// two racing claimants cannot both win. ErrConflict when the item exists
// but is not open.
func (s *SQLite) ClaimIntervention(ctx context.Context, id, assignee string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE intervention SET status = ?, assignee = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(contracts.InterventionClaimed), assignee, ts(at), id, string(contracts.InterventionOpen))
	if err != nil {
		return fmt.Errorf("claim intervention: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("claim intervention: %w", err)
	}
	if n == 0 {
		if _, err := s.GetIntervention(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("intervention %s not open: %w", id, ErrConflict)
	}
	return nil
}

// ListInterventions applies the filter and returns items in queue
// order: critical first, then oldest first.
func (s *SQLite) ListInterventions(ctx context.Context, f InterventionFilter) ([]contracts.InterventionItem, error) {
	query := `SELECT ` + interventionColumns + ` FROM intervention WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.Priority != "" {
		query += ` AND priority = ?`
		args = append(args, string(f.Priority))
	}
	if f.Assignee != nil {
		query += ` AND assignee = ?`
		args = append(args, *f.Assignee)
	}
	if f.SheetID != "" {
		query += ` AND sheet_id = ?`
		args = append(args, f.SheetID)
	}
	query += ` ORDER BY CASE priority
			WHEN 'critical' THEN 0
			WHEN 'high' THEN 1
			WHEN 'normal' THEN 2
			ELSE 3
		END, created_at ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list interventions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.InterventionItem
	for rows.Next() {
		it, err := scanIntervention(rows)
		if err != nil {
			return nil, fmt.Errorf("scan intervention: %w", err)
		}
		out = append(out, *it)
	}
	return out, rows.Err()
}

// OpenInterventionsForSheet returns non-terminal items pinning a sheet.
func (s *SQLite) OpenInterventionsForSheet(ctx context.Context, sheetID string) ([]contracts.InterventionItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+interventionColumns+` FROM intervention
		 WHERE sheet_id = ? AND status IN (?, ?) ORDER BY created_at ASC`,
		sheetID, string(contracts.InterventionOpen), string(contracts.InterventionClaimed))
	if err != nil {
		return nil, fmt.Errorf("open interventions for sheet: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.InterventionItem
	for rows.Next() {
		it, err := scanIntervention(rows)
		if err != nil {
			return nil, fmt.Errorf("scan intervention: %w", err)
		}
		out = append(out, *it)
	}
	return out, rows.Err()
}

func (s *SQLite) DeleteIntervention(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM intervention WHERE id = ?`, id)
	return err
}

// ---- signer keys ----

func (s *SQLite) PutSignerKey(ctx context.Context, k crypto.RegisteredKey, at time.Time) error {
	query := `INSERT INTO signer_key (kind, key_id, public_key, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(kind) DO UPDATE SET key_id = excluded.key_id, public_key = excluded.public_key, updated_at = excluded.updated_at`
	_, err := s.db.ExecContext(ctx, query, k.Kind, k.KeyID, k.PublicKey, ts(at))
	if err != nil {
		return fmt.Errorf("put signer key: %w", err)
	}
	return nil
}

func (s *SQLite) ListSignerKeys(ctx context.Context) ([]crypto.RegisteredKey, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, key_id, public_key FROM signer_key ORDER BY kind ASC`)
	if err != nil {
		return nil, fmt.Errorf("list signer keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []crypto.RegisteredKey
	for rows.Next() {
		var k crypto.RegisteredKey
		if err := rows.Scan(&k.Kind, &k.KeyID, &k.PublicKey); err != nil {
			return nil, fmt.Errorf("scan signer key: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// modernc.org/sqlite surfaces SQLITE_CONSTRAINT through the error
	// string; there is no exported errno type to match on.
	return strings.Contains(err.Error(), "constraint failed")
}
