// Package client is a typed Go client for the omrchain evaluation node.
// Zero external dependencies — uses net/http and encoding/json only, so
// importing it does not pull in the node's stack.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// APIError is returned when the node responds with a non-2xx status.
type APIError struct {
	Status  int
	Code    ErrorCode
	Message string
	Details map[string]any
}

func (e *APIError) Error() string {
	return fmt.Sprintf("omrchain api %d: %s (%s)", e.Status, e.Message, e.Code)
}

// Client talks to one evaluation node.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// New creates a client for the node at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Option configures the client.
type Option func(*Client)

// WithToken sets a bearer token for deployments behind an
// authenticating proxy. The node itself ignores it.
func WithToken(token string) Option {
	return func(c *Client) { c.Token = token }
}

// WithTimeout sets the HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.HTTPClient.Timeout = d }
}

func (c *Client) do(method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var env errorEnvelope
		if err := json.NewDecoder(resp.Body).Decode(&env); err == nil && env.Code != "" {
			return &APIError{
				Status:  resp.StatusCode,
				Code:    env.Code,
				Message: env.Message,
				Details: env.Details,
			}
		}
		return &APIError{Status: resp.StatusCode, Code: CodeInternal, Message: "unknown error"}
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// CreatePaper calls POST /papers.
func (c *Client) CreatePaper(req CreatePaperRequest) (*PaperResponse, error) {
	var out PaperResponse
	err := c.do("POST", "/papers", req, &out)
	return &out, err
}

// GetPaper calls GET /papers/{id}.
func (c *Client) GetPaper(id string) (*QuestionPaper, error) {
	var out QuestionPaper
	err := c.do("GET", "/papers/"+id, nil, &out)
	return &out, err
}

// SubmitKey calls POST /keys. The key starts in draft status.
func (c *Client) SubmitKey(req SubmitKeyRequest) (*KeyResponse, error) {
	var out KeyResponse
	err := c.do("POST", "/keys", req, &out)
	return &out, err
}

// GetKey calls GET /keys/{id}.
func (c *Client) GetKey(id string) (*AnswerKey, error) {
	var out AnswerKey
	err := c.do("GET", "/keys/"+id, nil, &out)
	return &out, err
}

// VerifyKey calls POST /keys/{id}/verify. texts optionally carries
// question texts keyed by number for the AI pass.
func (c *Client) VerifyKey(id string, texts map[int]string) (*KeyResponse, error) {
	var out KeyResponse
	err := c.do("POST", "/keys/"+id+"/verify", map[string]any{"texts": texts}, &out)
	return &out, err
}

// ApproveKey calls POST /keys/{id}/approve.
func (c *Client) ApproveKey(id string, req ApproveKeyRequest) (*KeyResponse, error) {
	var out KeyResponse
	err := c.do("POST", "/keys/"+id+"/approve", req, &out)
	return &out, err
}

// LockKey calls POST /keys/{id}/lock. A locked key is immutable and
// scoring may begin.
func (c *Client) LockKey(id string) (*KeyResponse, error) {
	var out KeyResponse
	err := c.do("POST", "/keys/"+id+"/lock", nil, &out)
	return &out, err
}

// IngestSheet calls POST /sheets. With auto-advance enabled on the node
// the response reports Queued and the pool drives the stages.
func (c *Client) IngestSheet(req IngestRequest) (*IngestResponse, error) {
	var out IngestResponse
	err := c.do("POST", "/sheets", req, &out)
	return &out, err
}

// GetSheet calls GET /sheets/{id}.
func (c *Client) GetSheet(id string) (*SheetAggregate, error) {
	var out SheetAggregate
	err := c.do("GET", "/sheets/"+id, nil, &out)
	return &out, err
}

func (c *Client) stage(id, name string, body any) (*StageResponse, error) {
	var out StageResponse
	err := c.do("POST", "/sheets/"+id+"/"+name, body, &out)
	return &out, err
}

// AssessQuality calls POST /sheets/{id}/quality.
func (c *Client) AssessQuality(id string) (*StageResponse, error) {
	return c.stage(id, "quality", nil)
}

// Reconstruct calls POST /sheets/{id}/reconstruct.
func (c *Client) Reconstruct(id string) (*StageResponse, error) {
	return c.stage(id, "reconstruct", nil)
}

// ReadBubbles calls POST /sheets/{id}/bubbles.
func (c *Client) ReadBubbles(id string, req BubblesRequest) (*StageResponse, error) {
	return c.stage(id, "bubbles", req)
}

// SolveAI calls POST /sheets/{id}/ai-solve.
func (c *Client) SolveAI(id string, texts map[int]string) (*StageResponse, error) {
	return c.stage(id, "ai-solve", map[string]any{"texts": texts})
}

// EnterManual calls POST /sheets/{id}/manual.
func (c *Client) EnterManual(id string, req ManualRequest) (*StageResponse, error) {
	return c.stage(id, "manual", req)
}

// Reconcile calls POST /sheets/{id}/reconcile.
func (c *Client) Reconcile(id string) (*StageResponse, error) {
	return c.stage(id, "reconcile", nil)
}

// Score calls POST /sheets/{id}/score.
func (c *Client) Score(id string) (*StageResponse, error) {
	return c.stage(id, "score", nil)
}

// Finalize calls POST /sheets/{id}/finalize.
func (c *Client) Finalize(id string, req FinalizeRequest) (*StageResponse, error) {
	return c.stage(id, "finalize", req)
}

// CancelSheet calls POST /sheets/{id}/cancel.
func (c *Client) CancelSheet(id, reason string) (*Sheet, error) {
	var out struct {
		Sheet *Sheet `json:"sheet"`
	}
	err := c.do("POST", "/sheets/"+id+"/cancel", map[string]string{"reason": reason}, &out)
	return out.Sheet, err
}

// RequestRecheck calls POST /sheets/{id}/recheck and returns the opened
// intervention.
func (c *Client) RequestRecheck(id, reason, requestedBy string) (*InterventionItem, error) {
	var out struct {
		Intervention *InterventionItem `json:"intervention"`
	}
	body := map[string]string{"reason": reason, "requested_by": requestedBy}
	err := c.do("POST", "/sheets/"+id+"/recheck", body, &out)
	return out.Intervention, err
}

// CompleteWorkflow calls POST /workflow/complete. A halt at a gate or
// on missing input is a normal outcome, not an error; inspect Waiting
// and Interventions. With async the node answers once the pass is
// queued.
func (c *Client) CompleteWorkflow(sheetID string, async bool) (*WorkflowResponse, error) {
	var out WorkflowResponse
	err := c.do("POST", "/workflow/complete", map[string]any{"sheet_id": sheetID, "async": async}, &out)
	return &out, err
}

// LedgerStatus calls GET /ledger/status.
func (c *Client) LedgerStatus() (*LedgerStatus, error) {
	var out LedgerStatus
	err := c.do("GET", "/ledger/status", nil, &out)
	return &out, err
}

// LedgerStats calls GET /ledger/stats.
func (c *Client) LedgerStats() (*LedgerStats, error) {
	var out LedgerStats
	err := c.do("GET", "/ledger/stats", nil, &out)
	return &out, err
}

// ListBlocks calls GET /ledger/blocks. sheetID narrows the listing to
// one sheet's trail; pass -1 for after to start at the genesis block.
func (c *Client) ListBlocks(sheetID string, after int64, limit int) (*BlocksPage, error) {
	q := url.Values{}
	q.Set("after", strconv.FormatInt(after, 10))
	if sheetID != "" {
		q.Set("sheet", sheetID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out BlocksPage
	err := c.do("GET", "/ledger/blocks?"+q.Encode(), nil, &out)
	return &out, err
}

// GetBlock calls GET /ledger/block/{hash} and returns the block with
// its inclusion proof.
func (c *Client) GetBlock(hash string) (*BlockWithProof, error) {
	var out BlockWithProof
	err := c.do("GET", "/ledger/block/"+hash, nil, &out)
	return &out, err
}

// ValidateLedger calls GET /ledger/validate. A corrupt chain is a
// finding carried in the report, not an APIError.
func (c *Client) ValidateLedger() (*ValidateReport, error) {
	var out ValidateReport
	err := c.do("GET", "/ledger/validate", nil, &out)
	return &out, err
}

// ExportLedger calls GET /ledger/export and returns the raw NDJSON
// stream, one block per line.
func (c *Client) ExportLedger() ([]byte, error) {
	req, err := http.NewRequest("GET", c.BaseURL+"/ledger/export", nil)
	if err != nil {
		return nil, err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, &APIError{Status: resp.StatusCode, Code: CodeInternal, Message: "export failed"}
	}
	return io.ReadAll(resp.Body)
}

// InterventionQuery filters GET /interventions.
type InterventionQuery struct {
	Sheet    string
	Status   InterventionStatus
	Priority string
	Assignee string
	Limit    int
}

// ListInterventions calls GET /interventions.
func (c *Client) ListInterventions(query InterventionQuery) (*InterventionPage, error) {
	q := url.Values{}
	if query.Sheet != "" {
		q.Set("sheet", query.Sheet)
	}
	if query.Status != "" {
		q.Set("status", string(query.Status))
	}
	if query.Priority != "" {
		q.Set("priority", query.Priority)
	}
	if query.Assignee != "" {
		q.Set("assignee", query.Assignee)
	}
	if query.Limit > 0 {
		q.Set("limit", strconv.Itoa(query.Limit))
	}
	path := "/interventions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out InterventionPage
	err := c.do("GET", path, nil, &out)
	return &out, err
}

// GetIntervention calls GET /interventions/{id}.
func (c *Client) GetIntervention(id string) (*InterventionItem, error) {
	var out InterventionItem
	err := c.do("GET", "/interventions/"+id, nil, &out)
	return &out, err
}

// ClaimIntervention calls POST /interventions/{id}/claim.
func (c *Client) ClaimIntervention(id, assignee string) (*InterventionItem, error) {
	var out InterventionItem
	err := c.do("POST", "/interventions/"+id+"/claim", map[string]string{"assignee": assignee}, &out)
	return &out, err
}

// ResolveIntervention calls POST /interventions/{id}/resolve.
func (c *Client) ResolveIntervention(id string, req ResolveRequest) (*InterventionItem, error) {
	var out InterventionItem
	err := c.do("POST", "/interventions/"+id+"/resolve", req, &out)
	return &out, err
}

// Result calls GET /results/{roll}.
func (c *Client) Result(roll string) (*ResultSummary, error) {
	var out ResultSummary
	err := c.do("GET", "/results/"+url.PathEscape(roll), nil, &out)
	return &out, err
}

// Health calls GET /health.
func (c *Client) Health() (*Health, error) {
	var out Health
	err := c.do("GET", "/health", nil, &out)
	return &out, err
}
