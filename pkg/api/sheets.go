package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/Scrutineer-Labs/omrchain/pkg/contracts"
	"github.com/Scrutineer-Labs/omrchain/pkg/ledger"
	"github.com/Scrutineer-Labs/omrchain/pkg/pipeline"
)

type ingestRequest struct {
	PaperID   string `json:"paper_id"`
	Roll      string `json:"roll"`
	Image     []byte `json:"image"`
	ImageHash string `json:"image_hash"`
}

type ingestResponse struct {
	Outcome pipeline.Outcome `json:"outcome"`
	Sheet   *contracts.Sheet `json:"sheet"`
	Block   *ledger.Block    `json:"block,omitempty"`
	Queued  bool             `json:"queued,omitempty"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := decode(w, r, &req, maxIngestBytes); err != nil {
		s.writeMapped(w, err)
		return
	}
	res, err := s.pipe.Ingest(r.Context(), pipeline.IngestRequest{
		PaperID:   req.PaperID,
		Roll:      req.Roll,
		Image:     req.Image,
		ImageHash: req.ImageHash,
	})
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	if !res.OK() {
		s.writeStage(w, res)
		return
	}

	queued := false
	if s.cfg.AutoAdvance && s.pool != nil {
		queued = s.pool.Submit(res.Sheet.ID)
	}
	status := http.StatusOK
	if queued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, ingestResponse{
		Outcome: res.Outcome,
		Sheet:   res.Sheet,
		Block:   res.Block,
		Queued:  queued,
	})
}

func (s *Server) handleGetSheet(w http.ResponseWriter, r *http.Request) {
	agg, err := s.st.GetSheetAggregate(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

// stageHandler adapts a bodyless stage trigger into a handler.
func (s *Server) stageHandler(fn func(context.Context, string) (*pipeline.StageResult, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := fn(r.Context(), r.PathValue("id"))
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		s.afterStage(r.Context(), res)
		s.writeStage(w, res)
	}
}

// afterStage refreshes the published result once a sheet reaches a
// servable stage. The cache is advisory; failures only log.
func (s *Server) afterStage(ctx context.Context, res *pipeline.StageResult) {
	if res != nil && res.OK() {
		s.refreshServable(ctx, res.Sheet)
	}
}

func (s *Server) refreshServable(ctx context.Context, sheet *contracts.Sheet) {
	if sheet == nil {
		return
	}
	switch sheet.Stage {
	case contracts.StageScored, contracts.StageFinalized:
		if _, err := s.results.Refresh(ctx, sheet.ID); err != nil {
			s.log.Warn("result refresh failed", "sheet", sheet.ID, "err", err)
		}
	}
}

type bubblesRequest struct {
	Answers map[string]contracts.DetectedAnswer `json:"answers"`
	Source  string                              `json:"source"`
}

func (s *Server) handleBubbles(w http.ResponseWriter, r *http.Request) {
	var req bubblesRequest
	if err := decodeValidated(w, r, bubbleSchema, &req, maxBodyBytes); err != nil {
		s.writeMapped(w, err)
		return
	}
	answers, err := intKeyed(req.Answers)
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	res, err := s.pipe.ReadBubbles(r.Context(), r.PathValue("id"), answers, req.Source)
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	s.writeStage(w, res)
}

type aiSolveRequest struct {
	Texts map[string]string `json:"texts"`
}

func (s *Server) handleAISolve(w http.ResponseWriter, r *http.Request) {
	var req aiSolveRequest
	if err := decode(w, r, &req, maxBodyBytes); err != nil {
		s.writeMapped(w, err)
		return
	}
	texts, err := intKeyed(req.Texts)
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	res, err := s.pipe.SolveAI(r.Context(), r.PathValue("id"), texts)
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	s.writeStage(w, res)
}

type manualRequest struct {
	Answers   map[string]string `json:"answers"`
	EnteredBy string            `json:"entered_by"`
}

func (s *Server) handleManual(w http.ResponseWriter, r *http.Request) {
	var req manualRequest
	if err := decode(w, r, &req, maxBodyBytes); err != nil {
		s.writeMapped(w, err)
		return
	}
	answers, err := intKeyed(req.Answers)
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	res, err := s.pipe.EnterManual(r.Context(), r.PathValue("id"), pipeline.ManualRequest{
		Answers:   answers,
		EnteredBy: req.EnteredBy,
	})
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	s.writeStage(w, res)
}

type finalizeRequest struct {
	Kinds      []string           `json:"kinds"`
	Signatures []ledger.Signature `json:"signatures"`
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	var req finalizeRequest
	if err := decode(w, r, &req, maxBodyBytes); err != nil {
		s.writeMapped(w, err)
		return
	}
	res, err := s.pipe.Finalize(r.Context(), r.PathValue("id"), pipeline.FinalizeRequest{
		Kinds:      req.Kinds,
		Signatures: req.Signatures,
	})
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	s.afterStage(r.Context(), res)
	s.writeStage(w, res)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decode(w, r, &req, maxBodyBytes); err != nil {
		s.writeMapped(w, err)
		return
	}
	sheet, err := s.pipe.CancelSheet(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	s.invalidateResult(r.Context(), sheet.Roll)
	writeJSON(w, http.StatusOK, map[string]*contracts.Sheet{"sheet": sheet})
}

type recheckRequest struct {
	Reason      string `json:"reason"`
	RequestedBy string `json:"requested_by"`
}

func (s *Server) handleRecheck(w http.ResponseWriter, r *http.Request) {
	var req recheckRequest
	if err := decode(w, r, &req, maxBodyBytes); err != nil {
		s.writeMapped(w, err)
		return
	}
	sheetID := r.PathValue("id")
	item, err := s.pipe.RequestRecheck(r.Context(), sheetID, req.Reason, req.RequestedBy)
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	if sheet, err := s.st.GetSheet(r.Context(), sheetID); err == nil {
		s.invalidateResult(r.Context(), sheet.Roll)
	}
	writeJSON(w, http.StatusOK, map[string]*contracts.InterventionItem{"intervention": item})
}

// invalidateResult drops the cached summary for roll so rechecks and
// cancels stop serving the superseded result.
func (s *Server) invalidateResult(ctx context.Context, roll string) {
	if err := s.results.Invalidate(ctx, roll); err != nil {
		s.log.Warn("result invalidate failed", "roll", roll, "err", err)
	}
}

type workflowRequest struct {
	SheetID string `json:"sheet_id"`
	Async   bool   `json:"async"`
}

type workflowResponse struct {
	Sheet         *contracts.Sheet `json:"sheet,omitempty"`
	Outcome       pipeline.Outcome `json:"outcome,omitempty"`
	Interventions []string         `json:"interventions,omitempty"`
	Waiting       string           `json:"waiting,omitempty"`
	Queued        bool             `json:"queued,omitempty"`
}

// handleCompleteWorkflow drives a sheet as far as it can go. A halt
// at a gate or on missing input is a normal driver outcome, so the
// response is 200 with the stop recorded in the body.
func (s *Server) handleCompleteWorkflow(w http.ResponseWriter, r *http.Request) {
	var req workflowRequest
	if err := decode(w, r, &req, maxBodyBytes); err != nil {
		s.writeMapped(w, err)
		return
	}
	if req.SheetID == "" {
		s.writeMapped(w, fmt.Errorf("%w: sheet_id required", pipeline.ErrInvalid))
		return
	}

	if req.Async && s.pool != nil {
		if s.pool.Submit(req.SheetID) {
			writeJSON(w, http.StatusAccepted, workflowResponse{Queued: true})
			return
		}
	}

	res, err := s.pipe.CompleteWorkflow(r.Context(), req.SheetID)
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	s.refreshServable(r.Context(), res.Sheet)
	writeJSON(w, http.StatusOK, workflowResponse{
		Sheet:         res.Sheet,
		Outcome:       res.Outcome,
		Interventions: res.Interventions,
		Waiting:       res.Waiting,
	})
}
