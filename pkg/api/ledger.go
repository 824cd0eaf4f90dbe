package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/Scrutineer-Labs/omrchain/pkg/ledger"
)

// Paging bounds for GET /ledger/blocks.
const (
	defaultBlockPage = 50
	maxBlockPage     = 500
)

type ledgerStatus struct {
	Blocks     int    `json:"blocks"`
	HeadHash   string `json:"head_hash,omitempty"`
	HeadIndex  uint64 `json:"head_index"`
	Difficulty int    `json:"difficulty"`
	ReadOnly   bool   `json:"read_only"`
}

func (s *Server) handleLedgerStatus(w http.ResponseWriter, r *http.Request) {
	st := ledgerStatus{
		Blocks:     s.led.Len(),
		Difficulty: s.led.Difficulty(),
		ReadOnly:   s.led.ReadOnly(),
	}
	if head, ok := s.led.Head(); ok {
		st.HeadHash = head.SelfHash
		st.HeadIndex = head.Index
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleLedgerStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.led.Stats())
}

func (s *Server) handleLedgerBlocks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := defaultBlockPage
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, CodeValidation, "limit must be a positive number", nil)
			return
		}
		limit = min(n, maxBlockPage)
	}

	after := int64(-1)
	if v := q.Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < -1 {
			writeError(w, http.StatusBadRequest, CodeValidation, "after must be a block index or -1", nil)
			return
		}
		after = n
	}

	var blocks []ledger.Block
	if sheetID := q.Get("sheet"); sheetID != "" {
		var err error
		blocks, err = s.sheetBlocks(sheetID, after, limit)
		if err != nil {
			writeError(w, http.StatusBadRequest, CodeValidation, "sheet filter not hashable", nil)
			return
		}
	} else {
		blocks = s.led.Range(after, limit)
	}
	if blocks == nil {
		blocks = []ledger.Block{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"blocks": blocks, "count": len(blocks)})
}

// sheetBlocks filters the chain down to one sheet's history via the
// payload index, then applies the same paging as the plain listing.
func (s *Server) sheetBlocks(sheetID string, after int64, limit int) ([]ledger.Block, error) {
	valueHash, err := ledger.HashPayloadValue(sheetID)
	if err != nil {
		return nil, err
	}
	matched := s.led.ByPayloadValue("sheet", valueHash)
	out := make([]ledger.Block, 0, len(matched))
	for _, b := range matched {
		if int64(b.Index) <= after {
			continue
		}
		out = append(out, b)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Server) handleLedgerBlock(w http.ResponseWriter, r *http.Request) {
	b, err := s.led.GetByHash(r.PathValue("hash"))
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	proof, err := s.led.Proof(b.Index)
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"block": b, "proof": proof})
}

type validateReport struct {
	Valid    bool   `json:"valid"`
	Blocks   int    `json:"blocks"`
	ReadOnly bool   `json:"read_only"`
	Block    uint64 `json:"block,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// handleLedgerValidate replays the whole chain. A corrupt chain is a
// finding, not a failed request: the report carries the first bad
// block and the node's resulting read-only state.
func (s *Server) handleLedgerValidate(w http.ResponseWriter, r *http.Request) {
	report := validateReport{Valid: true, Blocks: s.led.Len()}
	if err := s.led.Validate(); err != nil {
		report.Valid = false
		var corrupt *ledger.CorruptError
		if errors.As(err, &corrupt) {
			report.Block = corrupt.Index
			report.Reason = corrupt.Reason
		} else {
			report.Reason = err.Error()
		}
	}
	report.ReadOnly = s.led.ReadOnly()
	writeJSON(w, http.StatusOK, report)
}

// handleLedgerExport streams the chain as NDJSON, one block per line,
// for offline audit tooling.
func (s *Server) handleLedgerExport(w http.ResponseWriter, r *http.Request) {
	blocks := s.led.Snapshot()
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Disposition", `attachment; filename="ledger.ndjson"`)
	enc := json.NewEncoder(w)
	for i := range blocks {
		if err := enc.Encode(&blocks[i]); err != nil {
			s.log.Warn("ledger export aborted", "block", blocks[i].Index, "err", err)
			return
		}
	}
}
