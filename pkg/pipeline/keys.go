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
	"github.com/Scrutineer-Labs/omrchain/pkg/intervention"
	"github.com/Scrutineer-Labs/omrchain/pkg/ledger"
	"github.com/Scrutineer-Labs/omrchain/pkg/store"
)

// PaperRequest describes a question paper to register.
type PaperRequest struct {
	ExamID         string
	Subject        string
	TotalQuestions int
	MaxMarks       float64
	ContentHash    string
}

// CreatePaper registers a question paper and appends its
// QUESTION_PAPER_UPLOAD block. Papers are immutable afterwards.
func (p *Pipeline) CreatePaper(ctx context.Context, req PaperRequest) (*contracts.QuestionPaper, ledger.Block, error) {
	switch {
	case req.ExamID == "":
		return nil, ledger.Block{}, fmt.Errorf("paper: exam id required: %w", ErrInvalid)
	case req.Subject == "":
		return nil, ledger.Block{}, fmt.Errorf("paper: subject required: %w", ErrInvalid)
	case req.TotalQuestions < 1:
		return nil, ledger.Block{}, fmt.Errorf("paper: total questions %d: %w", req.TotalQuestions, ErrInvalid)
	case req.MaxMarks <= 0:
		return nil, ledger.Block{}, fmt.Errorf("paper: max marks %.2f: %w", req.MaxMarks, ErrInvalid)
	case req.ContentHash == "":
		return nil, ledger.Block{}, fmt.Errorf("paper: content hash required: %w", ErrInvalid)
	}

	now := p.clock().UTC()
	paper := &contracts.QuestionPaper{
		ID:             uuid.New().String(),
		ExamID:         req.ExamID,
		Subject:        req.Subject,
		TotalQuestions: req.TotalQuestions,
		MaxMarks:       req.MaxMarks,
		ContentHash:    req.ContentHash,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	in := &store.Intent{ID: uuid.New().String(), Op: "paper_upload", PaperID: paper.ID, PaperCreated: true}
	var pb ledger.PayloadBuilder
	pb.Add("paper", paper.ID).
		Add("exam", paper.ExamID).
		Add("subject", paper.Subject).
		Add("questions", paper.TotalQuestions).
		Add("max_marks", paper.MaxMarks).
		Add("content", paper.ContentHash)

	block, err := p.commit(ctx, &stageCommit{
		intent:  in,
		kind:    ledger.KindQuestionPaperUpload,
		payload: &pb,
		mutate:  func(ctx context.Context) error { return p.st.CreateQuestionPaper(ctx, paper) },
		after: func(ctx context.Context, b ledger.Block) error {
			paper.LastBlockHash = b.SelfHash
			return p.st.SaveQuestionPaper(ctx, paper)
		},
	})
	if err != nil {
		return nil, ledger.Block{}, err
	}
	return paper, block, nil
}

// KeyRequest is an answer-key draft for one paper.
type KeyRequest struct {
	PaperID string
	Entries map[int]contracts.KeyEntry
}

// SubmitKey stores an answer-key draft. Drafts append no block; the key
// joins the chain at verification. Resubmission replaces the draft
// until a human approves it.
func (p *Pipeline) SubmitKey(ctx context.Context, req KeyRequest) (*contracts.AnswerKey, error) {
	if req.PaperID == "" {
		return nil, fmt.Errorf("key: paper id required: %w", ErrInvalid)
	}
	paper, err := p.st.GetQuestionPaper(ctx, req.PaperID)
	if err != nil {
		return nil, fmt.Errorf("key: paper %s: %w", req.PaperID, err)
	}
	if len(req.Entries) != paper.TotalQuestions {
		return nil, fmt.Errorf("key: %d entries for paper of %d: %w", len(req.Entries), paper.TotalQuestions, ErrInvalid)
	}
	entries := make(map[int]contracts.KeyEntry, len(req.Entries))
	for q, e := range req.Entries {
		if q < 1 || q > paper.TotalQuestions {
			return nil, fmt.Errorf("key: question %d outside paper of %d: %w", q, paper.TotalQuestions, ErrInvalid)
		}
		e.Answer = canonical.NormalizeAnswer(e.Answer)
		if e.Answer == "" {
			return nil, fmt.Errorf("key: question %d: empty answer: %w", q, ErrInvalid)
		}
		if e.Marks <= 0 {
			return nil, fmt.Errorf("key: question %d: marks %.2f: %w", q, e.Marks, ErrInvalid)
		}
		entries[q] = e
	}

	st := p.state(paper.ID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if existing, err := p.st.GetAnswerKeyByPaper(ctx, paper.ID); err == nil {
		if existing.Status == contracts.KeyHumanApproved || existing.Status == contracts.KeyLocked {
			return nil, fmt.Errorf("key for paper %s is %s: %w", paper.ID, existing.Status, store.ErrConflict)
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	now := p.clock().UTC()
	key := &contracts.AnswerKey{
		ID:        uuid.New().String(),
		PaperID:   paper.ID,
		Status:    contracts.KeyDraft,
		Entries:   entries,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := p.st.SaveAnswerKey(ctx, key); err != nil {
		return nil, err
	}
	return key, nil
}

// VerifyKey runs the AI verifier over every key entry and appends one
// ANSWER_KEY_AI_VERIFIED block. Full agreement moves the key to
// ai_verified; any disagreement lands it in flagged with one
// intervention per disputed question. texts supplies the question text
// the verifier reasons over, keyed by question number.
func (p *Pipeline) VerifyKey(ctx context.Context, keyID string, texts map[int]string) (*contracts.AnswerKey, ledger.Block, []string, error) {
	key, err := p.st.GetAnswerKey(ctx, keyID)
	if err != nil {
		return nil, ledger.Block{}, nil, err
	}

	st := p.state(key.PaperID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if key, err = p.st.GetAnswerKey(ctx, keyID); err != nil {
		return nil, ledger.Block{}, nil, err
	}
	switch key.Status {
	case contracts.KeyDraft, contracts.KeyFlagged:
	default:
		return nil, ledger.Block{}, nil, &PreconditionError{ID: key.ID, Stage: string(key.Status), Reason: "verification runs on draft or flagged keys"}
	}
	paper, err := p.st.GetQuestionPaper(ctx, key.PaperID)
	if err != nil {
		return nil, ledger.Block{}, nil, err
	}

	questions := make([]int, 0, len(key.Entries))
	for q := range key.Entries {
		questions = append(questions, q)
	}
	sort.Ints(questions)

	flags := make(map[int]contracts.KeyFlag)
	var disputed []int
	for _, q := range questions {
		res, err := p.ad.KeyVerify.VerifyAnswerKey(ctx, adapters.VerifyRequest{
			PaperID:  paper.ID,
			Question: q,
			Text:     texts[q],
			Proposed: key.Entries[q].Answer,
		})
		if err != nil {
			return nil, ledger.Block{}, nil, fmt.Errorf("verify question %d: %w", q, err)
		}
		if !res.Agree {
			disputed = append(disputed, q)
			flags[q] = contracts.KeyFlag{Confidence: res.Confidence, Note: res.Notes}
		}
	}

	now := p.clock().UTC()
	before := cloneKey(key)
	key.Status = contracts.KeyAIVerified
	if len(disputed) > 0 {
		key.Status = contracts.KeyFlagged
	}
	key.Flags = flags
	key.UpdatedAt = now

	in := &store.Intent{ID: uuid.New().String(), Op: "key_verify", KeyPaperID: key.PaperID, KeyBefore: before}
	var pb ledger.PayloadBuilder
	pb.Add("key", key.ID).
		Add("paper", key.PaperID).
		Add("status", string(key.Status)).
		Add("questions", len(key.Entries)).
		Add("disagreements", len(disputed))

	block, err := p.commit(ctx, &stageCommit{
		intent:  in,
		kind:    ledger.KindAnswerKeyAIVerified,
		payload: &pb,
		mutate:  func(ctx context.Context) error { return p.st.SaveAnswerKey(ctx, key) },
		after: func(ctx context.Context, b ledger.Block) error {
			key.LastBlockHash = b.SelfHash
			return p.st.SaveAnswerKey(ctx, key)
		},
	})
	if err != nil {
		return nil, ledger.Block{}, nil, err
	}

	ids := make([]string, 0, len(disputed))
	for _, q := range disputed {
		f := flags[q]
		item, err := p.queue.Enqueue(ctx, intervention.OpenRequest{
			Entity:   contracts.EntityRef{Kind: entityKey, ID: key.ID},
			Reason:   contracts.ReasonKeyDisagreement,
			Detail:   fmt.Sprintf("question %d: verifier disagrees with %s (%.2f) %s", q, key.Entries[q].Answer, f.Confidence, f.Note),
			Priority: contracts.PriorityHigh,
		})
		if err != nil {
			return nil, ledger.Block{}, nil, fmt.Errorf("open key disagreement: %w", err)
		}
		ids = append(ids, item.ID)
	}
	return key, block, ids, nil
}

// ApproveRequest is the human reviewer's sign-off, with optional
// per-question corrections overriding the submitted entries.
type ApproveRequest struct {
	Corrections map[int]contracts.KeyEntry
	ApprovedBy  string
}

// ApproveKey records human approval, applies corrections and appends
// the ANSWER_KEY_HUMAN_APPROVED block. Open disagreement items on the
// key are cancelled: the approval supersedes them.
func (p *Pipeline) ApproveKey(ctx context.Context, keyID string, req ApproveRequest) (*contracts.AnswerKey, ledger.Block, error) {
	if req.ApprovedBy == "" {
		return nil, ledger.Block{}, fmt.Errorf("approve: approved_by required: %w", ErrInvalid)
	}
	key, err := p.st.GetAnswerKey(ctx, keyID)
	if err != nil {
		return nil, ledger.Block{}, err
	}

	st := p.state(key.PaperID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if key, err = p.st.GetAnswerKey(ctx, keyID); err != nil {
		return nil, ledger.Block{}, err
	}
	switch key.Status {
	case contracts.KeyAIVerified, contracts.KeyFlagged:
	default:
		return nil, ledger.Block{}, &PreconditionError{ID: key.ID, Stage: string(key.Status), Reason: "approval runs on ai_verified or flagged keys"}
	}

	paper, err := p.st.GetQuestionPaper(ctx, key.PaperID)
	if err != nil {
		return nil, ledger.Block{}, err
	}
	corr := make(map[int]contracts.KeyEntry, len(req.Corrections))
	for q, e := range req.Corrections {
		if q < 1 || q > paper.TotalQuestions {
			return nil, ledger.Block{}, fmt.Errorf("approve: question %d outside paper of %d: %w", q, paper.TotalQuestions, ErrInvalid)
		}
		e.Answer = canonical.NormalizeAnswer(e.Answer)
		if e.Answer == "" {
			return nil, ledger.Block{}, fmt.Errorf("approve: question %d: empty answer: %w", q, ErrInvalid)
		}
		if e.Marks <= 0 {
			return nil, ledger.Block{}, fmt.Errorf("approve: question %d: marks %.2f: %w", q, e.Marks, ErrInvalid)
		}
		corr[q] = e
	}

	now := p.clock().UTC()
	before := cloneKey(key)

	// Corrections land in a fresh map so the journaled before-image
	// keeps the submitted entries.
	entries := make(map[int]contracts.KeyEntry, len(key.Entries))
	for q, e := range key.Entries {
		entries[q] = e
	}
	for q, e := range corr {
		entries[q] = e
	}
	key.Entries = entries
	key.Status = contracts.KeyHumanApproved
	key.UpdatedAt = now

	in := &store.Intent{ID: uuid.New().String(), Op: "key_approve", KeyPaperID: key.PaperID, KeyBefore: before}
	var pb ledger.PayloadBuilder
	pb.Add("key", key.ID).
		Add("paper", key.PaperID).
		Add("approved_by", req.ApprovedBy).
		Add("corrections", len(req.Corrections)).
		Add("entries", key.Entries)

	block, err := p.commit(ctx, &stageCommit{
		intent:  in,
		kind:    ledger.KindAnswerKeyHumanApproved,
		payload: &pb,
		mutate:  func(ctx context.Context) error { return p.st.SaveAnswerKey(ctx, key) },
		after: func(ctx context.Context, b ledger.Block) error {
			key.LastBlockHash = b.SelfHash
			return p.st.SaveAnswerKey(ctx, key)
		},
	})
	if err != nil {
		return nil, ledger.Block{}, err
	}

	open, err := p.st.ListInterventions(ctx, store.InterventionFilter{Status: contracts.InterventionOpen})
	if err != nil {
		return nil, ledger.Block{}, err
	}
	for i := range open {
		if open[i].Entity.Kind != entityKey || open[i].Entity.ID != key.ID {
			continue
		}
		if _, err := p.queue.Cancel(ctx, open[i].ID, fmt.Sprintf("superseded by key approval from %s", req.ApprovedBy)); err != nil {
			return nil, ledger.Block{}, fmt.Errorf("cancel key item %s: %w", open[i].ID, err)
		}
	}
	return key, block, nil
}

// LockKey freezes a human-approved key for scoring and appends the
// ANSWER_KEY_LOCKED block. Locked keys never change again.
func (p *Pipeline) LockKey(ctx context.Context, keyID string) (*contracts.AnswerKey, ledger.Block, error) {
	key, err := p.st.GetAnswerKey(ctx, keyID)
	if err != nil {
		return nil, ledger.Block{}, err
	}

	st := p.state(key.PaperID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if key, err = p.st.GetAnswerKey(ctx, keyID); err != nil {
		return nil, ledger.Block{}, err
	}
	if key.Status != contracts.KeyHumanApproved {
		return nil, ledger.Block{}, &PreconditionError{ID: key.ID, Stage: string(key.Status), Reason: "only human_approved keys lock"}
	}

	before := cloneKey(key)
	key.Status = contracts.KeyLocked
	key.UpdatedAt = p.clock().UTC()

	in := &store.Intent{ID: uuid.New().String(), Op: "key_lock", KeyPaperID: key.PaperID, KeyBefore: before}
	var pb ledger.PayloadBuilder
	pb.Add("key", key.ID).
		Add("paper", key.PaperID).
		Add("entries", key.Entries).
		Add("total_marks", key.TotalMarks())

	block, err := p.commit(ctx, &stageCommit{
		intent:  in,
		kind:    ledger.KindAnswerKeyLocked,
		payload: &pb,
		mutate:  func(ctx context.Context) error { return p.st.SaveAnswerKey(ctx, key) },
		after: func(ctx context.Context, b ledger.Block) error {
			key.LastBlockHash = b.SelfHash
			return p.st.SaveAnswerKey(ctx, key)
		},
	})
	if err != nil {
		return nil, ledger.Block{}, err
	}
	p.forget(key.PaperID)
	return key, block, nil
}

// cloneKey deep-copies a key so the journaled before-image does not
// share maps with the mutated row.
func cloneKey(k *contracts.AnswerKey) *contracts.AnswerKey {
	c := *k
	c.Entries = make(map[int]contracts.KeyEntry, len(k.Entries))
	for q, e := range k.Entries {
		c.Entries[q] = e
	}
	if k.Flags != nil {
		c.Flags = make(map[int]contracts.KeyFlag, len(k.Flags))
		for q, f := range k.Flags {
			c.Flags[q] = f
		}
	}
	return &c
}
