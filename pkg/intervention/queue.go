// Package intervention tracks the human work items that block pipeline
// progression: flag, claim, resolve, with priority-ordered draining.
//
// Every open and every close lands on the audit chain; the close block
// references the block that opened the item. An item carrying a sheet id
// pins that sheet: the pipeline refuses to finalize while any pinning
// item is non-terminal, and the pinned time is accrued onto the sheet so
// the processing deadline excludes it.
package intervention

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Scrutineer-Labs/omrchain/pkg/contracts"
	"github.com/Scrutineer-Labs/omrchain/pkg/ledger"
	"github.com/Scrutineer-Labs/omrchain/pkg/store"
)

var (
	// ErrNotClaimed rejects a resolve on an item nobody has claimed.
	ErrNotClaimed = errors.New("intervention not claimed")
	// ErrNotAssignee rejects a resolve by anyone but the claimant.
	ErrNotAssignee = errors.New("intervention claimed by someone else")
	// ErrTerminal rejects transitions on resolved or cancelled items.
	ErrTerminal = errors.New("intervention already terminal")
)

// Recorder appends to the audit chain and resolves payload references.
// *ledger.Ledger satisfies it.
type Recorder interface {
	Append(ctx context.Context, kind ledger.Kind, payload []ledger.PayloadEntry, sigs []ledger.Signature) (ledger.Block, error)
	ByPayloadValue(key, valueHash string) []ledger.Block
}

// DefaultIndexCap bounds the in-memory sheet-pinning index. Beyond it
// the index spills and pin checks fall back to the store.
const DefaultIndexCap = 4096

// Queue is the intervention lifecycle service. The mutex guards only
// the in-memory index; row mutations rely on the store and the journal.
type Queue struct {
	store *store.SQLite
	rec   Recorder
	clock func() time.Time

	mu          sync.Mutex
	openBySheet map[string]map[string]struct{}
	indexed     int
	indexCap    int
	spilled     bool
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(q *Queue) { q.clock = clock }
}

// WithIndexCap bounds the in-memory index.
func WithIndexCap(n int) Option {
	return func(q *Queue) { q.indexCap = n }
}

// New builds a queue over the store and the chain recorder. The index
// starts spilled: the store answers pin checks until Rebuild warms it.
func New(st *store.SQLite, rec Recorder, opts ...Option) *Queue {
	q := &Queue{
		store:    st,
		rec:      rec,
		clock:    time.Now,
		indexCap: DefaultIndexCap,
		spilled:  true,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Rebuild reloads the sheet-pinning index from the store. Call once at
// startup before workers run.
func (q *Queue) Rebuild(ctx context.Context) error {
	q.mu.Lock()
	q.openBySheet = make(map[string]map[string]struct{})
	q.indexed = 0
	q.spilled = false
	q.mu.Unlock()

	for _, st := range []contracts.InterventionStatus{contracts.InterventionOpen, contracts.InterventionClaimed} {
		items, err := q.store.ListInterventions(ctx, store.InterventionFilter{Status: st})
		if err != nil {
			return fmt.Errorf("rebuild intervention index: %w", err)
		}
		for i := range items {
			q.index(&items[i])
		}
	}
	return nil
}

// OpenRequest describes a new work item.
type OpenRequest struct {
	Entity   contracts.EntityRef
	SheetID  string
	Reason   string
	Detail   string
	Priority contracts.Priority
}

// Enqueue opens an item: journal intent, intervention row, an
// INTERVENTION_OPENED block, then the block hash written back onto the
// row.
func (q *Queue) Enqueue(ctx context.Context, req OpenRequest) (*contracts.InterventionItem, error) {
	if req.Entity.Kind == "" || req.Entity.ID == "" {
		return nil, fmt.Errorf("enqueue: entity reference required")
	}
	if req.Reason == "" {
		return nil, fmt.Errorf("enqueue: reason required")
	}
	if !req.Priority.Valid() {
		return nil, fmt.Errorf("enqueue: unknown priority %q", req.Priority)
	}

	now := q.clock().UTC()
	item := &contracts.InterventionItem{
		ID:        uuid.New().String(),
		Entity:    req.Entity,
		SheetID:   req.SheetID,
		Reason:    req.Reason,
		Detail:    req.Detail,
		Priority:  req.Priority,
		Status:    contracts.InterventionOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}

	in := &store.Intent{
		ID:          uuid.New().String(),
		SheetID:     req.SheetID,
		Op:          "intervention_open",
		ItemID:      item.ID,
		ItemCreated: true,
	}
	if err := q.store.BeginIntent(ctx, in); err != nil {
		return nil, err
	}
	if err := q.store.CreateIntervention(ctx, item); err != nil {
		return nil, q.abort(ctx, in, err)
	}

	var pb ledger.PayloadBuilder
	pb.Add("intervention", item.ID).
		Add("entity", item.Entity.Kind+":"+item.Entity.ID).
		Add("reason", item.Reason).
		Add("priority", string(item.Priority)).
		Add("txn", in.ID)
	if item.SheetID != "" {
		pb.Add("sheet", item.SheetID)
	}
	payload, err := pb.Entries()
	if err != nil {
		return nil, q.abort(ctx, in, err)
	}

	block, err := q.rec.Append(ctx, ledger.KindInterventionOpened, payload, nil)
	if err != nil {
		return nil, q.abort(ctx, in, err)
	}
	item.OpenedBlock = block.SelfHash
	if err := q.store.SaveIntervention(ctx, item); err != nil {
		return nil, err // block is on the chain; recovery keeps the row
	}
	if err := q.store.ClearIntent(ctx, in.ID); err != nil {
		return nil, err
	}
	q.index(item)
	return item, nil
}

// Claim atomically assigns an open item. Re-claiming an item you already
// hold is a no-op; any other non-open state is a conflict.
func (q *Queue) Claim(ctx context.Context, id, assignee string) (*contracts.InterventionItem, error) {
	if assignee == "" {
		return nil, fmt.Errorf("claim: assignee required")
	}
	err := q.store.ClaimIntervention(ctx, id, assignee, q.clock().UTC())
	if errors.Is(err, store.ErrConflict) {
		item, getErr := q.store.GetIntervention(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if item.Status == contracts.InterventionClaimed && item.Assignee != nil && *item.Assignee == assignee {
			return item, nil
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	return q.store.GetIntervention(ctx, id)
}

// Resolve closes a claimed item with the assignee's decision.
func (q *Queue) Resolve(ctx context.Context, id, assignee string, dec contracts.InterventionDecision) (*contracts.InterventionItem, error) {
	item, err := q.store.GetIntervention(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.Status.Terminal() {
		return nil, fmt.Errorf("intervention %s is %s: %w", id, item.Status, ErrTerminal)
	}
	if item.Status != contracts.InterventionClaimed {
		return nil, fmt.Errorf("intervention %s is %s: %w", id, item.Status, ErrNotClaimed)
	}
	if item.Assignee == nil || *item.Assignee != assignee {
		return nil, fmt.Errorf("intervention %s: %w", id, ErrNotAssignee)
	}
	if dec.Outcome == "" {
		dec.Outcome = string(contracts.InterventionResolved)
	}
	return q.close(ctx, item, contracts.InterventionResolved, dec)
}

// Cancel terminates an item from any non-terminal state, recording the
// close with outcome "cancelled".
func (q *Queue) Cancel(ctx context.Context, id, note string) (*contracts.InterventionItem, error) {
	item, err := q.store.GetIntervention(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.Status.Terminal() {
		return nil, fmt.Errorf("intervention %s is %s: %w", id, item.Status, ErrTerminal)
	}
	dec := contracts.InterventionDecision{Note: note, Outcome: string(contracts.InterventionCancelled)}
	return q.close(ctx, item, contracts.InterventionCancelled, dec)
}

// close drives open/claimed to a terminal status: journal intent, item
// row, gate-wait accrual on the pinned sheet, INTERVENTION_RESOLVED
// block referencing the opening block.
func (q *Queue) close(ctx context.Context, item *contracts.InterventionItem, to contracts.InterventionStatus, dec contracts.InterventionDecision) (*contracts.InterventionItem, error) {
	now := q.clock().UTC()
	before := *item

	in := &store.Intent{
		ID:         uuid.New().String(),
		Op:         "intervention_close",
		ItemID:     item.ID,
		ItemBefore: &before,
	}

	var sheet *contracts.Sheet
	if item.SheetID != "" {
		s, err := q.store.GetSheet(ctx, item.SheetID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			// item outlived its sheet; nothing to accrue
		case err != nil:
			return nil, err
		default:
			sheet = s
			sheetBefore := *s
			in.SheetID = s.ID
			in.SheetBefore = &sheetBefore
		}
	}

	if err := q.store.BeginIntent(ctx, in); err != nil {
		return nil, err
	}

	item.Status = to
	if dec.Note != "" {
		item.ResolutionNote = dec.Note
	}
	item.UpdatedAt = now
	if err := q.store.SaveIntervention(ctx, item); err != nil {
		return nil, q.abort(ctx, in, err)
	}

	if sheet != nil {
		if wait := now.Sub(item.CreatedAt); wait > 0 {
			sheet.GateWaitNS += wait.Nanoseconds()
		}
		sheet.UpdatedAt = now
		if err := q.store.SaveSheet(ctx, sheet); err != nil {
			return nil, q.abort(ctx, in, err)
		}
	}

	var pb ledger.PayloadBuilder
	pb.Add("intervention", item.ID).
		Add("opened_block", q.openedBlock(item)).
		Add("outcome", dec.Outcome).
		Add("decision", dec).
		Add("txn", in.ID)
	payload, err := pb.Entries()
	if err != nil {
		return nil, q.abort(ctx, in, err)
	}

	block, err := q.rec.Append(ctx, ledger.KindInterventionResolved, payload, nil)
	if err != nil {
		return nil, q.abort(ctx, in, err)
	}
	item.ResolvedBlock = block.SelfHash
	if err := q.store.SaveIntervention(ctx, item); err != nil {
		return nil, err // block is on the chain; recovery keeps the rows
	}
	if err := q.store.ClearIntent(ctx, in.ID); err != nil {
		return nil, err
	}
	q.unindex(item)
	return item, nil
}

// openedBlock prefers the hash cached on the row and falls back to a
// chain lookup for rows persisted before the write-back completed.
func (q *Queue) openedBlock(item *contracts.InterventionItem) string {
	if item.OpenedBlock != "" {
		return item.OpenedBlock
	}
	h, err := ledger.HashPayloadValue(item.ID)
	if err != nil {
		return ""
	}
	for _, b := range q.rec.ByPayloadValue("intervention", h) {
		if b.Kind == ledger.KindInterventionOpened {
			return b.SelfHash
		}
	}
	return ""
}

// abort rolls the intent's mutations back after a pre-append failure. A
// rollback failure leaves the intent journaled for startup recovery.
func (q *Queue) abort(ctx context.Context, in *store.Intent, cause error) error {
	if err := q.store.Rollback(ctx, in); err == nil {
		_ = q.store.ClearIntent(ctx, in.ID)
	}
	return cause
}

// Filter narrows Next. Zero values match every open item.
type Filter struct {
	Priority contracts.Priority
	SheetID  string
}

// Next returns the highest-priority open item matching f, oldest first
// on ties, or nil when nothing matches.
func (q *Queue) Next(ctx context.Context, f Filter) (*contracts.InterventionItem, error) {
	items, err := q.store.ListInterventions(ctx, store.InterventionFilter{
		Status:   contracts.InterventionOpen,
		Priority: f.Priority,
		SheetID:  f.SheetID,
		Limit:    1,
	})
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

// Get returns one item by id.
func (q *Queue) Get(ctx context.Context, id string) (*contracts.InterventionItem, error) {
	return q.store.GetIntervention(ctx, id)
}

// OpenForSheet returns the ids of non-terminal items pinning a sheet,
// from the index when it is intact and from the store once spilled.
func (q *Queue) OpenForSheet(ctx context.Context, sheetID string) ([]string, error) {
	q.mu.Lock()
	if !q.spilled {
		set := q.openBySheet[sheetID]
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		q.mu.Unlock()
		sort.Strings(ids)
		return ids, nil
	}
	q.mu.Unlock()

	items, err := q.store.OpenInterventionsForSheet(ctx, sheetID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(items))
	for i := range items {
		ids[i] = items[i].ID
	}
	return ids, nil
}

// SheetPinned reports whether any non-terminal item references the sheet.
func (q *Queue) SheetPinned(ctx context.Context, sheetID string) (bool, error) {
	ids, err := q.OpenForSheet(ctx, sheetID)
	if err != nil {
		return false, err
	}
	return len(ids) > 0, nil
}

func (q *Queue) index(item *contracts.InterventionItem) {
	if item.SheetID == "" {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.spilled {
		return
	}
	if q.indexed >= q.indexCap {
		// Incomplete from here on; the store answers pin checks until
		// the next Rebuild.
		q.spilled = true
		q.openBySheet = nil
		return
	}
	set, ok := q.openBySheet[item.SheetID]
	if !ok {
		set = make(map[string]struct{})
		q.openBySheet[item.SheetID] = set
	}
	set[item.ID] = struct{}{}
	q.indexed++
}

func (q *Queue) unindex(item *contracts.InterventionItem) {
	if item.SheetID == "" {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.spilled {
		return
	}
	set, ok := q.openBySheet[item.SheetID]
	if !ok {
		return
	}
	if _, present := set[item.ID]; present {
		delete(set, item.ID)
		q.indexed--
	}
	if len(set) == 0 {
		delete(q.openBySheet, item.SheetID)
	}
}
