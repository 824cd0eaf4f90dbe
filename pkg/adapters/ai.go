package adapters

import (
	"context"
	"strconv"
)

// VerifyRequest asks the AI service whether a proposed key answer holds.
type VerifyRequest struct {
	PaperID  string `json:"paper_id"`
	Question int    `json:"question"`
	Text     string `json:"text"`
	Proposed string `json:"proposed"`
}

// VerifyResult is the verifier's opinion on one key entry.
type VerifyResult struct {
	Agree      bool    `json:"agree"`
	Confidence float64 `json:"confidence"`
	Notes      string  `json:"notes,omitempty"`
}

// SolveRequest asks the AI service to answer a question from scratch.
type SolveRequest struct {
	SheetID  string `json:"sheet_id,omitempty"`
	Question int    `json:"question"`
	Text     string `json:"text"`
	Subject  string `json:"subject,omitempty"`
}

// SolveResult is the solver's independent answer.
type SolveResult struct {
	Answer      string  `json:"answer"`
	Confidence  float64 `json:"confidence"`
	Explanation string  `json:"explanation,omitempty"`
}

// AIClient talks to the AI service.
type AIClient struct {
	c *client
}

func NewAIClient(cfg Config) *AIClient {
	if cfg.Name == "" {
		cfg.Name = "ai"
	}
	return &AIClient{c: newClient(cfg)}
}

// Handshake verifies the AI service's version at startup.
func (a *AIClient) Handshake(ctx context.Context) error {
	return a.c.Handshake(ctx)
}

func (a *AIClient) VerifyAnswerKey(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	var out VerifyResult
	key := req.PaperID + ":" + strconv.Itoa(req.Question)
	if err := a.c.postJSON(ctx, "/v1/key/verify", key, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *AIClient) SolveQuestion(ctx context.Context, req SolveRequest) (*SolveResult, error) {
	var out SolveResult
	key := req.SheetID + ":" + strconv.Itoa(req.Question)
	if err := a.c.postJSON(ctx, "/v1/solve", key, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
