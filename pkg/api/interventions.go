package api

import (
	"net/http"
	"strconv"

	"github.com/Scrutineer-Labs/omrchain/pkg/contracts"
	"github.com/Scrutineer-Labs/omrchain/pkg/store"
)

func (s *Server) handleListInterventions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.InterventionFilter{SheetID: q.Get("sheet")}

	if v := q.Get("status"); v != "" {
		status := contracts.InterventionStatus(v)
		switch status {
		case contracts.InterventionOpen, contracts.InterventionClaimed,
			contracts.InterventionResolved, contracts.InterventionCancelled:
			filter.Status = status
		default:
			writeError(w, http.StatusBadRequest, CodeValidation, "unknown status "+strconv.Quote(v), nil)
			return
		}
	}
	if v := q.Get("priority"); v != "" {
		p := contracts.Priority(v)
		if !p.Valid() {
			writeError(w, http.StatusBadRequest, CodeValidation, "unknown priority "+strconv.Quote(v), nil)
			return
		}
		filter.Priority = p
	}
	if v := q.Get("assignee"); v != "" {
		filter.Assignee = &v
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, CodeValidation, "limit must be a positive number", nil)
			return
		}
		filter.Limit = n
	}

	items, err := s.st.ListInterventions(r.Context(), filter)
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	if items == nil {
		items = []contracts.InterventionItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func (s *Server) handleGetIntervention(w http.ResponseWriter, r *http.Request) {
	item, err := s.queue.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

type claimRequest struct {
	Assignee string `json:"assignee"`
}

func (s *Server) handleClaimIntervention(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := decode(w, r, &req, maxBodyBytes); err != nil {
		s.writeMapped(w, err)
		return
	}
	item, err := s.queue.Claim(r.Context(), r.PathValue("id"), req.Assignee)
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

type resolveRequest struct {
	Assignee string                         `json:"assignee"`
	Decision contracts.InterventionDecision `json:"decision"`
}

func (s *Server) handleResolveIntervention(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decode(w, r, &req, maxBodyBytes); err != nil {
		s.writeMapped(w, err)
		return
	}
	item, err := s.pipe.ResolveIntervention(r.Context(), r.PathValue("id"), req.Assignee, req.Decision)
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}
