package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Scrutineer-Labs/omrchain/pkg/adapters"
	"github.com/Scrutineer-Labs/omrchain/pkg/canonical"
	"github.com/Scrutineer-Labs/omrchain/pkg/contracts"
	"github.com/Scrutineer-Labs/omrchain/pkg/crypto"
	"github.com/Scrutineer-Labs/omrchain/pkg/imagestore"
	"github.com/Scrutineer-Labs/omrchain/pkg/intervention"
	"github.com/Scrutineer-Labs/omrchain/pkg/ledger"
	"github.com/Scrutineer-Labs/omrchain/pkg/pipeline"
	"github.com/Scrutineer-Labs/omrchain/pkg/quality"
	"github.com/Scrutineer-Labs/omrchain/pkg/resultcache"
	"github.com/Scrutineer-Labs/omrchain/pkg/store"
)

const testSeed = "9c1f2e3d4c5b6a798ad0b1c2d3e4f5061728394a5b6c7d8e9fa0b1c2d3e4f506"

type fakeQuality struct {
	res adapters.QualityResult
	err error
}

func (f *fakeQuality) AssessQuality(_ context.Context, _ adapters.QualityRequest) (*adapters.QualityResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	res := f.res
	return &res, nil
}

type fakeReconstructor struct {
	confidence float64
}

func (f *fakeReconstructor) Reconstruct(_ context.Context, req adapters.ReconstructRequest) (*adapters.ReconstructResult, error) {
	return &adapters.ReconstructResult{
		Image:      append([]byte("rebuilt:"), req.Image...),
		Confidence: f.confidence,
	}, nil
}

type fakeVerifier struct{}

func (fakeVerifier) VerifyAnswerKey(_ context.Context, _ adapters.VerifyRequest) (*adapters.VerifyResult, error) {
	return &adapters.VerifyResult{Agree: true, Confidence: 0.98}, nil
}

type fakeSolver struct {
	answers map[int]string
}

func (f *fakeSolver) SolveQuestion(_ context.Context, req adapters.SolveRequest) (*adapters.SolveResult, error) {
	ans, ok := f.answers[req.Question]
	if !ok {
		ans = "A"
	}
	return &adapters.SolveResult{Answer: ans, Confidence: 0.92}, nil
}

// env is a full node behind an in-process handler: real store, chain,
// queue and image store, faked upstream services.
type env struct {
	t       *testing.T
	handler http.Handler
	srv     *Server
	pipe    *pipeline.Pipeline
	st      *store.SQLite
	led     *ledger.Ledger
	queue   *intervention.Queue
	qa      *fakeQuality
	solver  *fakeSolver
}

func newEnv(t *testing.T, cfg Config, opts ...Option) *env {
	t.Helper()

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	reg, err := crypto.RegistryFromSeed(testSeed)
	require.NoError(t, err)

	led, err := ledger.Open(filepath.Join(t.TempDir(), "chain.dat"),
		ledger.WithPolicy(ledger.NewFinalizePolicy(reg)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = led.Close() })

	gate, err := quality.NewPolicy()
	require.NoError(t, err)

	signers := make(map[string]crypto.Signer, len(crypto.RequiredKinds))
	for _, kind := range crypto.RequiredKinds {
		signer, err := crypto.DeriveSigner(testSeed, kind)
		require.NoError(t, err)
		signers[kind] = signer
	}

	images, err := imagestore.NewDiskStore(filepath.Join(t.TempDir(), "images"))
	require.NoError(t, err)

	e := &env{
		t:      t,
		st:     st,
		led:    led,
		qa:     &fakeQuality{res: adapters.QualityResult{Score: 0.95, Recoverable: true}},
		solver: &fakeSolver{},
	}
	e.queue = intervention.New(st, led)

	e.pipe, err = pipeline.New(pipeline.Deps{
		Store:  st,
		Ledger: led,
		Queue:  e.queue,
		Adapters: &adapters.Set{
			Quality:     e.qa,
			Reconstruct: &fakeReconstructor{confidence: 0.9},
			KeyVerify:   fakeVerifier{},
			Solve:       e.solver,
		},
		Quality: gate,
		Images:  images,
		Signers: signers,
	}, pipeline.Config{}, pipeline.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)

	results := resultcache.NewSource(st, nil)
	e.srv, err = NewServer(e.pipe, st, led, e.queue, results, cfg, opts...)
	require.NoError(t, err)
	e.srv.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	e.handler = e.srv.Handler()
	return e
}

func (e *env) do(method, path string, body any) *httptest.ResponseRecorder {
	e.t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(e.t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func (e *env) doRaw(method, path, body string) *httptest.ResponseRecorder {
	e.t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decodeAs[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), "body: %s", w.Body.String())
	return v
}

// lockedKey drives paper + key setup over HTTP and returns the paper
// id. Each question is worth two marks.
func (e *env) lockedKey(answers map[int]string) string {
	e.t.Helper()

	w := e.do("POST", "/papers", map[string]any{
		"exam_id":         "board-2026-summer",
		"subject":         "physics",
		"total_questions": len(answers),
		"max_marks":       float64(2 * len(answers)),
		"content_hash":    canonical.ContentHash([]byte("paper-pdf")),
	})
	require.Equal(e.t, http.StatusOK, w.Code, w.Body.String())
	paper := decodeAs[paperResponse](e.t, w)
	require.NotNil(e.t, paper.Paper)
	require.NotNil(e.t, paper.Block)

	entries := make(map[string]any, len(answers))
	for q, a := range answers {
		entries[strconv.Itoa(q)] = map[string]any{"answer": a, "marks": 2.0}
	}
	w = e.do("POST", "/keys", map[string]any{"paper_id": paper.Paper.ID, "entries": entries})
	require.Equal(e.t, http.StatusOK, w.Code, w.Body.String())
	key := decodeAs[keyResponse](e.t, w)

	w = e.do("POST", "/keys/"+key.Key.ID+"/verify", map[string]any{})
	require.Equal(e.t, http.StatusOK, w.Code, w.Body.String())
	w = e.do("POST", "/keys/"+key.Key.ID+"/approve", map[string]any{"approved_by": "chief-examiner"})
	require.Equal(e.t, http.StatusOK, w.Code, w.Body.String())
	w = e.do("POST", "/keys/"+key.Key.ID+"/lock", nil)
	require.Equal(e.t, http.StatusOK, w.Code, w.Body.String())

	return paper.Paper.ID
}

func (e *env) ingest(paperID, roll string) string {
	e.t.Helper()
	w := e.do("POST", "/sheets", map[string]any{
		"paper_id": paperID,
		"roll":     roll,
		"image":    []byte("scan:" + roll),
	})
	require.Equal(e.t, http.StatusOK, w.Code, w.Body.String())
	res := decodeAs[ingestResponse](e.t, w)
	require.NotNil(e.t, res.Sheet)
	return res.Sheet.ID
}

func bubbleBody(answers map[int]string) map[string]any {
	out := make(map[string]any, len(answers))
	for q, a := range answers {
		out[strconv.Itoa(q)] = map[string]any{"answer": a, "confidence": 0.97}
	}
	return map[string]any{"answers": out, "source": "omr"}
}

func TestSheetLifecycleOverHTTP(t *testing.T) {
	e := newEnv(t, Config{})
	answers := map[int]string{1: "A", 2: "B", 3: "C"}
	e.solver.answers = answers
	paperID := e.lockedKey(answers)

	sheetID := e.ingest(paperID, "R-1001")

	w := e.do("POST", "/sheets/"+sheetID+"/quality", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	stage := decodeAs[stageBody](t, w)
	assert.Equal(t, pipeline.OutcomeOK, stage.Outcome)
	assert.Equal(t, contracts.StageQualityAssessed, stage.Sheet.Stage)
	require.NotNil(t, stage.Block)
	assert.Equal(t, ledger.KindQualityAssessed, stage.Block.Kind)

	w = e.do("POST", "/sheets/"+sheetID+"/bubbles", bubbleBody(answers))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = e.do("POST", "/workflow/complete", map[string]any{"sheet_id": sheetID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	flow := decodeAs[workflowResponse](t, w)
	assert.Equal(t, pipeline.OutcomeOK, flow.Outcome)
	require.NotNil(t, flow.Sheet)
	assert.Equal(t, contracts.StageFinalized, flow.Sheet.Stage)

	w = e.do("GET", "/results/R-1001", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	sum := decodeAs[resultcache.Summary](t, w)
	assert.Equal(t, sheetID, sum.SheetID)
	assert.Equal(t, 100.0, sum.Percentage)
	assert.True(t, sum.Finalized)
	assert.NotEmpty(t, sum.BlockHash)

	w = e.do("GET", "/sheets/"+sheetID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	agg := decodeAs[contracts.SheetAggregate](t, w)
	assert.Equal(t, contracts.StageFinalized, agg.Sheet.Stage)
	require.NotNil(t, agg.Score)
	assert.Equal(t, 6.0, agg.Score.AutomatedMarks)

	w = e.do("GET", "/ledger/validate", nil)
	require.Equal(t, http.StatusOK, w.Code)
	report := decodeAs[validateReport](t, w)
	assert.True(t, report.Valid)
	assert.False(t, report.ReadOnly)

	// Every sheet transition left a block behind.
	w = e.do("GET", "/ledger/blocks?sheet="+sheetID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page struct {
		Blocks []ledger.Block `json:"blocks"`
		Count  int            `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Equal(t, 7, page.Count)
	assert.Equal(t, ledger.KindSheetIngested, page.Blocks[0].Kind)
	assert.Equal(t, ledger.KindResultFinalized, page.Blocks[len(page.Blocks)-1].Kind)
}

func TestNotFoundAndPreconditionMapping(t *testing.T) {
	e := newEnv(t, Config{})

	w := e.do("GET", "/sheets/no-such-sheet", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, CodeNotFound, decodeAs[errorBody](t, w).Code)

	w = e.do("GET", "/papers/no-such-paper", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	paperID := e.lockedKey(map[int]string{1: "A", 2: "B"})
	sheetID := e.ingest(paperID, "R-2001")

	// Scoring straight after ingest skips every stage in between.
	w = e.do("POST", "/sheets/"+sheetID+"/score", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	body := decodeAs[errorBody](t, w)
	assert.Equal(t, CodePreconditionFailed, body.Code)
	assert.Equal(t, string(contracts.StageIngested), body.Details["stage"])
}

func TestKeySchemaValidation(t *testing.T) {
	e := newEnv(t, Config{})

	cases := []struct {
		name string
		body string
	}{
		{"missing paper id", `{"entries": {"1": {"answer": "A", "marks": 2}}}`},
		{"empty entries", `{"paper_id": "p", "entries": {}}`},
		{"empty answer", `{"paper_id": "p", "entries": {"1": {"answer": "", "marks": 2}}}`},
		{"zero marks", `{"paper_id": "p", "entries": {"1": {"answer": "A", "marks": 0}}}`},
		{"question zero", `{"paper_id": "p", "entries": {"0": {"answer": "A", "marks": 2}}}`},
		{"question not numeric", `{"paper_id": "p", "entries": {"q1": {"answer": "A", "marks": 2}}}`},
		{"stray field", `{"paper_id": "p", "entries": {"1": {"answer": "A", "marks": 2}}, "extra": true}`},
		{"malformed json", `{"paper_id": `},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := e.doRaw("POST", "/keys", tc.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, CodeValidation, decodeAs[errorBody](t, w).Code)
		})
	}
}

func TestQualityGateOverHTTP(t *testing.T) {
	e := newEnv(t, Config{})
	answers := map[int]string{1: "A", 2: "B"}
	e.solver.answers = answers
	paperID := e.lockedKey(answers)
	sheetID := e.ingest(paperID, "R-3001")

	// A poor scan routes to human review; the stage itself commits.
	e.qa.res = adapters.QualityResult{Score: 0.3, Recoverable: true}
	w := e.do("POST", "/sheets/"+sheetID+"/quality", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	stage := decodeAs[stageBody](t, w)
	require.Len(t, stage.Interventions, 1)
	itemID := stage.Interventions[0]

	// The open review pins the sheet.
	w = e.do("POST", "/sheets/"+sheetID+"/bubbles", bubbleBody(answers))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	body := decodeAs[errorBody](t, w)
	assert.Equal(t, CodeGateBlocked, body.Code)
	ids, ok := body.Details["interventions"].([]any)
	require.True(t, ok, "details: %v", body.Details)
	assert.Equal(t, itemID, ids[0])

	// Resolving before claiming is a conflict.
	w = e.do("POST", "/interventions/"+itemID+"/resolve",
		map[string]any{"assignee": "reviewer-7", "decision": map[string]any{"outcome": "proceed"}})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, CodeConflict, decodeAs[errorBody](t, w).Code)

	w = e.do("POST", "/interventions/"+itemID+"/claim", map[string]any{"assignee": "reviewer-7"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Claimed by reviewer-7, so another operator cannot resolve it.
	w = e.do("POST", "/interventions/"+itemID+"/resolve",
		map[string]any{"assignee": "reviewer-9", "decision": map[string]any{"outcome": "proceed"}})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = e.do("POST", "/interventions/"+itemID+"/resolve",
		map[string]any{"assignee": "reviewer-7", "decision": map[string]any{"outcome": "proceed", "note": "legible enough"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	item := decodeAs[contracts.InterventionItem](t, w)
	assert.Equal(t, contracts.InterventionResolved, item.Status)

	w = e.do("POST", "/sheets/"+sheetID+"/bubbles", bubbleBody(answers))
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestAdapterUnavailableMapping(t *testing.T) {
	e := newEnv(t, Config{})
	paperID := e.lockedKey(map[int]string{1: "A"})
	sheetID := e.ingest(paperID, "R-4001")

	e.qa.err = adapters.ErrUnavailable
	w := e.do("POST", "/sheets/"+sheetID+"/quality", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	body := decodeAs[errorBody](t, w)
	assert.Equal(t, CodeAdapterUnavailable, body.Code)
	ids, ok := body.Details["interventions"].([]any)
	require.True(t, ok)
	assert.Len(t, ids, 1)

	// The stage is retryable once the service recovers.
	e.qa.err = nil
	w = e.do("POST", "/sheets/"+sheetID+"/quality", nil)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestCancelledSheetMapping(t *testing.T) {
	e := newEnv(t, Config{})
	paperID := e.lockedKey(map[int]string{1: "A"})
	sheetID := e.ingest(paperID, "R-5001")

	w := e.do("POST", "/sheets/"+sheetID+"/cancel", map[string]any{"reason": "duplicate scan"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = e.do("POST", "/sheets/"+sheetID+"/quality", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, CodeCancelled, decodeAs[errorBody](t, w).Code)
}

func TestFinalizeSignatureMapping(t *testing.T) {
	e := newEnv(t, Config{})
	answers := map[int]string{1: "A", 2: "B"}
	e.solver.answers = answers
	paperID := e.lockedKey(answers)
	sheetID := e.ingest(paperID, "R-6001")

	w := e.do("POST", "/sheets/"+sheetID+"/quality", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = e.do("POST", "/sheets/"+sheetID+"/bubbles", bubbleBody(answers))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	for _, step := range []string{"ai-solve", "reconcile", "score"} {
		w = e.do("POST", "/sheets/"+sheetID+"/"+step, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	// One endorsement is not a quorum.
	w = e.do("POST", "/sheets/"+sheetID+"/finalize", map[string]any{"kinds": []string{crypto.KindAIVerifier}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, CodeSignatureInsufficient, decodeAs[errorBody](t, w).Code)

	// An unknown kind never reaches the chain.
	w = e.do("POST", "/sheets/"+sheetID+"/finalize", map[string]any{"kinds": []string{"auditor"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, CodeValidation, decodeAs[errorBody](t, w).Code)

	w = e.do("POST", "/sheets/"+sheetID+"/finalize",
		map[string]any{"kinds": crypto.RequiredKinds})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	stage := decodeAs[stageBody](t, w)
	assert.Equal(t, contracts.StageFinalized, stage.Sheet.Stage)
	require.NotNil(t, stage.Block)
	assert.Len(t, stage.Block.Signatures, len(crypto.RequiredKinds))
}

func TestLedgerEndpoints(t *testing.T) {
	e := newEnv(t, Config{})
	e.lockedKey(map[int]string{1: "A", 2: "B"})

	w := e.do("GET", "/ledger/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	status := decodeAs[ledgerStatus](t, w)
	assert.Equal(t, 4, status.Blocks)
	assert.NotEmpty(t, status.HeadHash)
	assert.False(t, status.ReadOnly)

	w = e.do("GET", "/ledger/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decodeAs[ledger.Stats](t, w)
	assert.Equal(t, 4, stats.TotalBlocks)
	assert.Equal(t, 1, stats.Kinds[ledger.KindQuestionPaperUpload])
	assert.Equal(t, 1, stats.Kinds[ledger.KindAnswerKeyLocked])

	var page struct {
		Blocks []ledger.Block `json:"blocks"`
		Count  int            `json:"count"`
	}
	w = e.do("GET", "/ledger/blocks?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Equal(t, 2, page.Count)
	assert.Equal(t, uint64(0), page.Blocks[0].Index)

	w = e.do("GET", "/ledger/blocks?limit=2&after=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Equal(t, 2, page.Count)
	assert.Equal(t, uint64(2), page.Blocks[0].Index)

	for _, bad := range []string{"limit=0", "limit=x", "after=-2"} {
		w = e.do("GET", "/ledger/blocks?"+bad, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, bad)
	}

	head, ok := e.led.Head()
	require.True(t, ok)
	w = e.do("GET", "/ledger/block/"+head.SelfHash, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var detail struct {
		Block ledger.Block `json:"block"`
		Proof ledger.Proof `json:"proof"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &detail))
	assert.Equal(t, head.SelfHash, detail.Block.SelfHash)
	assert.Equal(t, head.SelfHash, detail.Proof.HeadHash)
	assert.Equal(t, 4, detail.Proof.ChainLength)

	w = e.do("GET", "/ledger/block/deadbeef", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = e.do("GET", "/ledger/export", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/x-ndjson", w.Header().Get("Content-Type"))
	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	require.Len(t, lines, 4)
	var first ledger.Block
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, ledger.KindQuestionPaperUpload, first.Kind)
}

func TestWorkflowQueuedResponses(t *testing.T) {
	e := newEnv(t, Config{AutoAdvance: true})
	pool := pipeline.NewPool(e.pipe)
	e.srv.pool = pool

	paperID := e.lockedKey(map[int]string{1: "A"})

	// Workers never started: submissions sit in the buffer, which is
	// exactly what the 202 contract promises.
	w := e.do("POST", "/sheets", map[string]any{
		"paper_id": paperID,
		"roll":     "R-7001",
		"image":    []byte("scan:R-7001"),
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	res := decodeAs[ingestResponse](t, w)
	assert.True(t, res.Queued)
	require.NotNil(t, res.Sheet)

	w = e.do("POST", "/workflow/complete", map[string]any{"sheet_id": res.Sheet.ID, "async": true})
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.True(t, decodeAs[workflowResponse](t, w).Queued)

	w = e.do("POST", "/workflow/complete", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestResultsUnknownRoll(t *testing.T) {
	e := newEnv(t, Config{})
	w := e.do("GET", "/results/NO-SUCH-ROLL", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, CodeNotFound, decodeAs[errorBody](t, w).Code)
}

func TestInterventionListFilters(t *testing.T) {
	e := newEnv(t, Config{})
	paperID := e.lockedKey(map[int]string{1: "A"})
	sheetID := e.ingest(paperID, "R-8001")

	e.qa.res = adapters.QualityResult{Score: 0.2, Recoverable: false}
	w := e.do("POST", "/sheets/"+sheetID+"/quality", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var listing struct {
		Items []contracts.InterventionItem `json:"items"`
		Count int                          `json:"count"`
	}
	w = e.do("GET", "/interventions?status=open&priority=high", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listing))
	require.Equal(t, 1, listing.Count)
	assert.Equal(t, contracts.ReasonQualityReview, listing.Items[0].Reason)
	assert.Equal(t, sheetID, listing.Items[0].SheetID)

	w = e.do("GET", "/interventions?status=resolved", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listing))
	assert.Equal(t, 0, listing.Count)

	w = e.do("GET", "/interventions?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = e.do("GET", "/interventions?priority=urgent", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do("GET", "/interventions/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = e.do("GET", "/interventions?status=open", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listing))
	require.Equal(t, 1, listing.Count)
	w = e.do("GET", "/interventions/"+listing.Items[0].ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRecheckReopensAndHealthReports(t *testing.T) {
	e := newEnv(t, Config{})
	answers := map[int]string{1: "A"}
	e.solver.answers = answers
	paperID := e.lockedKey(answers)
	sheetID := e.ingest(paperID, "R-9001")

	w := e.do("POST", "/sheets/"+sheetID+"/quality", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = e.do("POST", "/sheets/"+sheetID+"/bubbles", bubbleBody(answers))
	require.Equal(t, http.StatusOK, w.Code)
	w = e.do("POST", "/workflow/complete", map[string]any{"sheet_id": sheetID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = e.do("POST", "/sheets/"+sheetID+"/recheck",
		map[string]any{"reason": "marks disputed", "requested_by": "R-9001"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body struct {
		Intervention contracts.InterventionItem `json:"intervention"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, contracts.ReasonRecheckRequest, body.Intervention.Reason)
	assert.Equal(t, contracts.InterventionOpen, body.Intervention.Status)

	w = e.do("GET", "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	health := decodeAs[healthBody](t, w)
	assert.Equal(t, "ok", health.Status)
	assert.Greater(t, health.Blocks, 0)
}
