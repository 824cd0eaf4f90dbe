package api

import (
	"net/http"
	"time"
)

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	sum, err := s.results.Result(r.Context(), r.PathValue("roll"))
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

type healthBody struct {
	Status        string  `json:"status"`
	Blocks        int     `json:"blocks"`
	ReadOnly      bool    `json:"read_only"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// handleHealth reports liveness. A read-only ledger degrades the
// status but keeps the endpoint green: reads still work.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := healthBody{
		Status:        "ok",
		Blocks:        s.led.Len(),
		ReadOnly:      s.led.ReadOnly(),
		UptimeSeconds: time.Since(s.started).Seconds(),
	}
	if body.ReadOnly {
		body.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, body)
}
