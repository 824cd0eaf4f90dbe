package api

import (
	"net/http"

	"github.com/Scrutineer-Labs/omrchain/pkg/contracts"
	"github.com/Scrutineer-Labs/omrchain/pkg/ledger"
	"github.com/Scrutineer-Labs/omrchain/pkg/pipeline"
)

type createPaperRequest struct {
	ExamID         string  `json:"exam_id"`
	Subject        string  `json:"subject"`
	TotalQuestions int     `json:"total_questions"`
	MaxMarks       float64 `json:"max_marks"`
	ContentHash    string  `json:"content_hash"`
}

type paperResponse struct {
	Paper *contracts.QuestionPaper `json:"paper"`
	Block *ledger.Block            `json:"block,omitempty"`
}

func (s *Server) handleCreatePaper(w http.ResponseWriter, r *http.Request) {
	var req createPaperRequest
	if err := decode(w, r, &req, maxBodyBytes); err != nil {
		s.writeMapped(w, err)
		return
	}
	paper, block, err := s.pipe.CreatePaper(r.Context(), pipeline.PaperRequest{
		ExamID:         req.ExamID,
		Subject:        req.Subject,
		TotalQuestions: req.TotalQuestions,
		MaxMarks:       req.MaxMarks,
		ContentHash:    req.ContentHash,
	})
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, paperResponse{Paper: paper, Block: &block})
}

func (s *Server) handleGetPaper(w http.ResponseWriter, r *http.Request) {
	paper, err := s.st.GetQuestionPaper(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, paper)
}

type submitKeyRequest struct {
	PaperID string                        `json:"paper_id"`
	Entries map[string]contracts.KeyEntry `json:"entries"`
}

type keyResponse struct {
	Key           *contracts.AnswerKey `json:"key"`
	Block         *ledger.Block        `json:"block,omitempty"`
	Interventions []string             `json:"interventions,omitempty"`
}

func (s *Server) handleSubmitKey(w http.ResponseWriter, r *http.Request) {
	var req submitKeyRequest
	if err := decodeValidated(w, r, keySchema, &req, maxBodyBytes); err != nil {
		s.writeMapped(w, err)
		return
	}
	entries, err := intKeyed(req.Entries)
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	key, err := s.pipe.SubmitKey(r.Context(), pipeline.KeyRequest{PaperID: req.PaperID, Entries: entries})
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, keyResponse{Key: key})
}

func (s *Server) handleGetKey(w http.ResponseWriter, r *http.Request) {
	key, err := s.st.GetAnswerKey(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, key)
}

type verifyKeyRequest struct {
	// Texts carries optional question texts keyed by number; questions
	// without text are verified from the key entries alone.
	Texts map[string]string `json:"texts"`
}

func (s *Server) handleVerifyKey(w http.ResponseWriter, r *http.Request) {
	var req verifyKeyRequest
	if err := decode(w, r, &req, maxBodyBytes); err != nil {
		s.writeMapped(w, err)
		return
	}
	texts, err := intKeyed(req.Texts)
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	key, block, interventions, err := s.pipe.VerifyKey(r.Context(), r.PathValue("id"), texts)
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, keyResponse{Key: key, Block: &block, Interventions: interventions})
}

type approveKeyRequest struct {
	ApprovedBy  string                        `json:"approved_by"`
	Corrections map[string]contracts.KeyEntry `json:"corrections"`
}

func (s *Server) handleApproveKey(w http.ResponseWriter, r *http.Request) {
	var req approveKeyRequest
	if err := decode(w, r, &req, maxBodyBytes); err != nil {
		s.writeMapped(w, err)
		return
	}
	corrections, err := intKeyed(req.Corrections)
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	key, block, err := s.pipe.ApproveKey(r.Context(), r.PathValue("id"), pipeline.ApproveRequest{
		Corrections: corrections,
		ApprovedBy:  req.ApprovedBy,
	})
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, keyResponse{Key: key, Block: &block})
}

func (s *Server) handleLockKey(w http.ResponseWriter, r *http.Request) {
	key, block, err := s.pipe.LockKey(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, keyResponse{Key: key, Block: &block})
}
