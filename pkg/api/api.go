// Package api is the HTTP surface of the evaluation node. Handlers
// translate requests into pipeline calls and domain errors into a
// stable {code, message, details} envelope; every mutation answers
// with the ledger block that recorded it, so clients can hold the
// node to its own audit trail.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Scrutineer-Labs/omrchain/pkg/intervention"
	"github.com/Scrutineer-Labs/omrchain/pkg/ledger"
	"github.com/Scrutineer-Labs/omrchain/pkg/observability"
	"github.com/Scrutineer-Labs/omrchain/pkg/pipeline"
	"github.com/Scrutineer-Labs/omrchain/pkg/resultcache"
	"github.com/Scrutineer-Labs/omrchain/pkg/store"
)

// Body limits. Sheet ingestion carries base64 scan images and gets a
// larger allowance than control-plane requests.
const (
	maxBodyBytes   = 1 << 20
	maxIngestBytes = 8 << 20
)

// Config tunes the HTTP layer. Zero values disable rate limiting and
// idempotency replay and leave auto-advance off.
type Config struct {
	// RateRPS and RateBurst bound per-client request rates. Zero RPS
	// disables the limiter.
	RateRPS   int
	RateBurst int

	// IdempotencyTTL is how long replayed responses stay valid. Zero
	// disables the Idempotency-Key middleware.
	IdempotencyTTL time.Duration

	// AutoAdvance queues a workflow pass after each accepted sheet, so
	// ingestion answers 202 and the pool drives the stages.
	AutoAdvance bool
}

// Server holds the wired components handlers reach for.
type Server struct {
	pipe    *pipeline.Pipeline
	pool    *pipeline.Pool
	st      *store.SQLite
	led     *ledger.Ledger
	queue   *intervention.Queue
	results *resultcache.Source
	obs     *observability.Provider
	cfg     Config
	log     *slog.Logger
	started time.Time
}

type Option func(*Server)

// WithPool attaches the worker pool used for queued workflow passes.
func WithPool(p *pipeline.Pool) Option {
	return func(s *Server) { s.pool = p }
}

// WithTelemetry attaches the tracing provider; requests then run
// inside spans named after their route.
func WithTelemetry(p *observability.Provider) Option {
	return func(s *Server) { s.obs = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// NewServer wires the handler set. results may be built over a nil
// cache; the pool is optional and only gates the queued-pass paths.
func NewServer(pipe *pipeline.Pipeline, st *store.SQLite, led *ledger.Ledger,
	queue *intervention.Queue, results *resultcache.Source, cfg Config, opts ...Option) (*Server, error) {
	switch {
	case pipe == nil:
		return nil, fmt.Errorf("api: pipeline required")
	case st == nil:
		return nil, fmt.Errorf("api: store required")
	case led == nil:
		return nil, fmt.Errorf("api: ledger required")
	case queue == nil:
		return nil, fmt.Errorf("api: intervention queue required")
	case results == nil:
		return nil, fmt.Errorf("api: result source required")
	}
	s := &Server{
		pipe:    pipe,
		st:      st,
		led:     led,
		queue:   queue,
		results: results,
		cfg:     cfg,
		log:     slog.Default().With("component", "api"),
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Handler assembles the route table and the middleware chain:
// telemetry outermost, then rate limiting, idempotency replay and
// request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /papers", s.handleCreatePaper)
	mux.HandleFunc("GET /papers/{id}", s.handleGetPaper)

	mux.HandleFunc("POST /keys", s.handleSubmitKey)
	mux.HandleFunc("GET /keys/{id}", s.handleGetKey)
	mux.HandleFunc("POST /keys/{id}/verify", s.handleVerifyKey)
	mux.HandleFunc("POST /keys/{id}/approve", s.handleApproveKey)
	mux.HandleFunc("POST /keys/{id}/lock", s.handleLockKey)

	mux.HandleFunc("POST /sheets", s.handleIngest)
	mux.HandleFunc("GET /sheets/{id}", s.handleGetSheet)
	mux.HandleFunc("POST /sheets/{id}/quality", s.stageHandler(s.pipe.AssessQuality))
	mux.HandleFunc("POST /sheets/{id}/reconstruct", s.stageHandler(s.pipe.Reconstruct))
	mux.HandleFunc("POST /sheets/{id}/bubbles", s.handleBubbles)
	mux.HandleFunc("POST /sheets/{id}/ai-solve", s.handleAISolve)
	mux.HandleFunc("POST /sheets/{id}/manual", s.handleManual)
	mux.HandleFunc("POST /sheets/{id}/reconcile", s.stageHandler(s.pipe.Reconcile))
	mux.HandleFunc("POST /sheets/{id}/score", s.stageHandler(s.pipe.Score))
	mux.HandleFunc("POST /sheets/{id}/finalize", s.handleFinalize)
	mux.HandleFunc("POST /sheets/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /sheets/{id}/recheck", s.handleRecheck)

	mux.HandleFunc("POST /workflow/complete", s.handleCompleteWorkflow)

	mux.HandleFunc("GET /ledger/status", s.handleLedgerStatus)
	mux.HandleFunc("GET /ledger/stats", s.handleLedgerStats)
	mux.HandleFunc("GET /ledger/blocks", s.handleLedgerBlocks)
	mux.HandleFunc("GET /ledger/block/{hash}", s.handleLedgerBlock)
	mux.HandleFunc("GET /ledger/validate", s.handleLedgerValidate)
	mux.HandleFunc("GET /ledger/export", s.handleLedgerExport)

	mux.HandleFunc("GET /interventions", s.handleListInterventions)
	mux.HandleFunc("GET /interventions/{id}", s.handleGetIntervention)
	mux.HandleFunc("POST /interventions/{id}/claim", s.handleClaimIntervention)
	mux.HandleFunc("POST /interventions/{id}/resolve", s.handleResolveIntervention)

	mux.HandleFunc("GET /results/{roll}", s.handleResult)
	mux.HandleFunc("GET /health", s.handleHealth)

	var h http.Handler = mux
	h = s.logRequests(h)
	if s.cfg.IdempotencyTTL > 0 {
		h = IdempotencyMiddleware(NewIdempotencyStore(s.cfg.IdempotencyTTL))(h)
	}
	if s.cfg.RateRPS > 0 {
		h = NewRateLimiter(s.cfg.RateRPS, s.cfg.RateBurst).Middleware(h)
	}
	if s.obs != nil {
		h = s.traceRequests(mux, h)
	}
	return h
}

// decode reads a JSON body into v under the given byte limit. An
// empty body leaves v at its zero value, so bodyless stage triggers
// and bodied ones share one path.
func decode(w http.ResponseWriter, r *http.Request, v any, limit int64) error {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("%w: %w", pipeline.ErrInvalid, err)
}

// intKeyed converts JSON object keys into question numbers.
func intKeyed[T any](in map[string]T) (map[int]T, error) {
	if in == nil {
		return nil, nil
	}
	out := make(map[int]T, len(in))
	for k, v := range in {
		q, err := strconv.Atoi(k)
		if err != nil || q < 1 {
			return nil, fmt.Errorf("%w: question %q is not a positive number", pipeline.ErrInvalid, k)
		}
		out[q] = v
	}
	return out, nil
}
