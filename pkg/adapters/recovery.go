package adapters

import (
	"context"

	"github.com/Scrutineer-Labs/omrchain/pkg/contracts"
)

// QualityRequest carries the raw sheet image to the recovery service.
// Image bytes travel base64-encoded inside the JSON body.
type QualityRequest struct {
	SheetID string `json:"sheet_id"`
	Image   []byte `json:"image"`
}

// QualityResult is the recovery service's assessment. Decision is the
// upstream's raw proposal; the quality policy decides what actually
// happens to the sheet.
type QualityResult struct {
	Score       float64                  `json:"score"`
	Damage      []contracts.DamageRegion `json:"damage"`
	Recoverable bool                     `json:"recoverable"`
	Decision    string                   `json:"decision"`
}

// ReconstructRequest asks for a rebuild of a damaged sheet image.
type ReconstructRequest struct {
	SheetID string `json:"sheet_id"`
	Image   []byte `json:"image"`
	Rows    int    `json:"rows"`
	Cols    int    `json:"cols"`
}

// ReconstructResult is the rebuilt image and the model's confidence in it.
type ReconstructResult struct {
	Image      []byte  `json:"image"`
	Confidence float64 `json:"confidence"`
}

// RecoveryClient talks to the recovery service.
type RecoveryClient struct {
	c *client
}

func NewRecoveryClient(cfg Config) *RecoveryClient {
	if cfg.Name == "" {
		cfg.Name = "recovery"
	}
	return &RecoveryClient{c: newClient(cfg)}
}

// Handshake verifies the recovery service's version at startup.
func (r *RecoveryClient) Handshake(ctx context.Context) error {
	return r.c.Handshake(ctx)
}

func (r *RecoveryClient) AssessQuality(ctx context.Context, req QualityRequest) (*QualityResult, error) {
	var out QualityResult
	if err := r.c.postJSON(ctx, "/v1/quality/assess", req.SheetID, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *RecoveryClient) Reconstruct(ctx context.Context, req ReconstructRequest) (*ReconstructResult, error) {
	var out ReconstructResult
	if err := r.c.postJSON(ctx, "/v1/quality/reconstruct", req.SheetID, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
