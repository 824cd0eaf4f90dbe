// Package pipeline drives answer sheets through the evaluation state
// machine: the quality gate, optional reconstruction, bubble reading,
// the optional AI solve and manual entry, reconciliation, scoring and
// the multi-signed finalization. Every advancing transition pairs one
// set of store mutations with exactly one ledger block through the
// intent journal, so a crash between the two leaves no half-applied
// state behind.
//
// Stage functions serialize per sheet on a mutex that is never held
// across a human gate. CompleteWorkflow interprets their StageResults
// and runs a sheet forward until something needs a human.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Scrutineer-Labs/omrchain/pkg/adapters"
	"github.com/Scrutineer-Labs/omrchain/pkg/contracts"
	"github.com/Scrutineer-Labs/omrchain/pkg/crypto"
	"github.com/Scrutineer-Labs/omrchain/pkg/intervention"
	"github.com/Scrutineer-Labs/omrchain/pkg/ledger"
	"github.com/Scrutineer-Labs/omrchain/pkg/quality"
	"github.com/Scrutineer-Labs/omrchain/pkg/reconcile"
	"github.com/Scrutineer-Labs/omrchain/pkg/store"
)

// SolveScope selects which questions the independent solver is asked.
type SolveScope string

const (
	// SolveAll solves every question on the paper.
	SolveAll SolveScope = "all"
	// SolveDisputedOnly solves only questions whose bubble detection is
	// blank, multiple-marked, low-confidence or off the answer key.
	SolveDisputedOnly SolveScope = "disputed_only"
)

// Defaults for Config zero values.
const (
	DefaultSheetDeadline = 10 * time.Minute
	DefaultChainRetries  = 5
)

// DefaultWorkers sizes the worker pool at four per core.
func DefaultWorkers() int { return 4 * runtime.NumCPU() }

// Entity kinds referenced by intervention items.
const (
	entitySheet    = "sheet"
	entityKey      = "answer_key"
	entityReconRow = "reconciliation_row"
)

// ImageStore is the content-addressed image storage behind ingest,
// quality assessment and reconstruction. Put returns a sha256-prefixed
// content hash.
type ImageStore interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, hash string) ([]byte, error)
	Has(ctx context.Context, hash string) (bool, error)
}

// Config tunes the orchestrator. Zero values take the defaults.
type Config struct {
	Workers       int
	SheetDeadline time.Duration
	AISolveScope  SolveScope
	ChainRetries  int
	Reconcile     reconcile.Config
	Scoring       reconcile.ScorePolicy
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers()
	}
	if c.SheetDeadline <= 0 {
		c.SheetDeadline = DefaultSheetDeadline
	}
	if c.AISolveScope == "" {
		c.AISolveScope = SolveAll
	}
	if c.ChainRetries <= 0 {
		c.ChainRetries = DefaultChainRetries
	}
	return c
}

// Deps are the wired components the orchestrator coordinates. Signers
// is optional: a node holding signers for all three required kinds can
// finalize sheets without an external signature payload.
type Deps struct {
	Store    *store.SQLite
	Ledger   *ledger.Ledger
	Queue    *intervention.Queue
	Adapters *adapters.Set
	Quality  *quality.Policy
	Images   ImageStore
	Signers  map[string]crypto.Signer
}

// Pipeline is the stage orchestrator.
type Pipeline struct {
	st      *store.SQLite
	led     *ledger.Ledger
	queue   *intervention.Queue
	ad      *adapters.Set
	gate    *quality.Policy
	images  ImageStore
	signers map[string]crypto.Signer
	cfg     Config
	log     *slog.Logger
	clock   func() time.Time

	mu     sync.Mutex
	sheets map[string]*sheetState
}

// sheetState serializes stage execution for one sheet and carries its
// cooperative cancel token.
type sheetState struct {
	mu     sync.Mutex
	cancel atomic.Bool
}

type Option func(*Pipeline)

func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(p *Pipeline) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// New wires the orchestrator. All Deps except Signers are required.
func New(d Deps, cfg Config, opts ...Option) (*Pipeline, error) {
	switch {
	case d.Store == nil:
		return nil, fmt.Errorf("pipeline: store required")
	case d.Ledger == nil:
		return nil, fmt.Errorf("pipeline: ledger required")
	case d.Queue == nil:
		return nil, fmt.Errorf("pipeline: intervention queue required")
	case d.Adapters == nil:
		return nil, fmt.Errorf("pipeline: adapters required")
	case d.Quality == nil:
		return nil, fmt.Errorf("pipeline: quality policy required")
	case d.Images == nil:
		return nil, fmt.Errorf("pipeline: image store required")
	}
	p := &Pipeline{
		st:      d.Store,
		led:     d.Ledger,
		queue:   d.Queue,
		ad:      d.Adapters,
		gate:    d.Quality,
		images:  d.Images,
		signers: d.Signers,
		cfg:     cfg.withDefaults(),
		log:     slog.Default(),
		clock:   time.Now,
		sheets:  make(map[string]*sheetState),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// state returns the per-sheet lock and cancel token, creating them on
// first use.
func (p *Pipeline) state(sheetID string) *sheetState {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.sheets[sheetID]
	if !ok {
		st = &sheetState{}
		p.sheets[sheetID] = st
	}
	return st
}

// forget drops the per-sheet state once the sheet is terminal.
func (p *Pipeline) forget(sheetID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sheets, sheetID)
}

func (p *Pipeline) loadSheet(ctx context.Context, id string) (*contracts.Sheet, error) {
	return p.st.GetSheet(ctx, id)
}

// cancelled reports whether the sheet's cancel token is raised. Stage
// functions poll it on entry, after every adapter return and before
// commit.
func (p *Pipeline) cancelled(sh *contracts.Sheet) bool {
	return sh.Cancelled || p.state(sh.ID).cancel.Load()
}

// deadlineExceeded reports whether the sheet used up its processing
// budget. Gate wait accrued on the sheet extends the budget.
func (p *Pipeline) deadlineExceeded(sh *contracts.Sheet) bool {
	if sh.Stage.Terminal() {
		return false
	}
	budget := p.cfg.SheetDeadline + time.Duration(sh.GateWaitNS)
	return p.clock().UTC().Sub(sh.CreatedAt) > budget
}

// Recover drains the store's intent journal against the chain and
// rebuilds the intervention pin index. Call once at startup before
// serving traffic.
func (p *Pipeline) Recover(ctx context.Context) (store.RecoveryReport, error) {
	rep, err := p.st.Recover(ctx, func(txnID string) bool {
		h, hashErr := ledger.HashPayloadValue(txnID)
		if hashErr != nil {
			return false
		}
		return len(p.led.ByPayloadValue("txn", h)) > 0
	}, p.log)
	if err != nil {
		return rep, err
	}
	return rep, p.queue.Rebuild(ctx)
}
