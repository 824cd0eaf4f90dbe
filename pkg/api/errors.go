package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/Scrutineer-Labs/omrchain/pkg/contracts"
	"github.com/Scrutineer-Labs/omrchain/pkg/intervention"
	"github.com/Scrutineer-Labs/omrchain/pkg/ledger"
	"github.com/Scrutineer-Labs/omrchain/pkg/pipeline"
	"github.com/Scrutineer-Labs/omrchain/pkg/store"
)

// Error codes carried in the response envelope. Clients branch on the
// code, not the message.
const (
	CodeValidation            = "VALIDATION"
	CodeNotFound              = "NOT_FOUND"
	CodePreconditionFailed    = "PRECONDITION_FAILED"
	CodeConflict              = "CONFLICT"
	CodeCancelled             = "CANCELLED"
	CodeGateBlocked           = "GATE_BLOCKED"
	CodeAdapterUnavailable    = "ADAPTER_UNAVAILABLE"
	CodeSignatureInsufficient = "SIGNATURE_INSUFFICIENT"
	CodeChainIntegrity        = "CHAIN_INTEGRITY"
	CodeRateLimited           = "RATE_LIMITED"
	CodeInternal              = "INTERNAL"
)

// errorBody is the envelope every non-2xx response carries.
type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response encode failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	writeJSON(w, status, errorBody{Code: code, Message: message, Details: details})
}

// writeMapped translates domain errors into the envelope. Unrecognized
// errors become an opaque 500 so internals never leak to clients.
func (s *Server) writeMapped(w http.ResponseWriter, err error) {
	var (
		tooBig  *http.MaxBytesError
		pre     *pipeline.PreconditionError
		gate    *pipeline.GateBlockedError
		corrupt *ledger.CorruptError
	)
	switch {
	case errors.As(err, &tooBig):
		writeError(w, http.StatusRequestEntityTooLarge, CodeValidation, "request body too large", nil)
	case errors.As(err, &corrupt):
		writeError(w, http.StatusInternalServerError, CodeChainIntegrity, "ledger integrity failure, node is read-only",
			map[string]any{"block": corrupt.Index, "reason": corrupt.Reason})
	case errors.Is(err, ledger.ErrReadOnly):
		writeError(w, http.StatusInternalServerError, CodeChainIntegrity, "ledger is read-only after an integrity failure", nil)
	case errors.As(err, &gate):
		writeError(w, http.StatusUnprocessableEntity, CodeGateBlocked, gate.Error(),
			map[string]any{"sheet": gate.SheetID, "interventions": gate.Interventions})
	case errors.As(err, &pre):
		details := map[string]any{"id": pre.ID, "reason": pre.Reason}
		if pre.Stage != "" {
			details["stage"] = pre.Stage
		}
		writeError(w, http.StatusConflict, CodePreconditionFailed, pre.Error(), details)
	case errors.Is(err, ledger.ErrSignatureInsufficient),
		errors.Is(err, ledger.ErrSignatureInvalid),
		errors.Is(err, ledger.ErrUnknownKind):
		writeError(w, http.StatusBadRequest, CodeSignatureInsufficient, err.Error(), nil)
	case errors.Is(err, pipeline.ErrInvalid):
		writeError(w, http.StatusBadRequest, CodeValidation, err.Error(), nil)
	case errors.Is(err, pipeline.ErrCancelled):
		writeError(w, http.StatusConflict, CodeCancelled, err.Error(), nil)
	case errors.Is(err, store.ErrNotFound), errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, CodeNotFound, err.Error(), nil)
	case errors.Is(err, intervention.ErrNotClaimed),
		errors.Is(err, intervention.ErrNotAssignee),
		errors.Is(err, intervention.ErrTerminal),
		errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, CodeConflict, err.Error(), nil)
	default:
		s.log.Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, CodeInternal, "internal error", nil)
	}
}

// writeStage renders a stage attempt. Committed transitions answer
// with the sheet and its block; domain halts reuse the error mapping
// so a gate looks the same whether it was hit directly or mid-stage.
func (s *Server) writeStage(w http.ResponseWriter, res *pipeline.StageResult) {
	if res.OK() {
		writeJSON(w, http.StatusOK, stageBody{
			Outcome:       res.Outcome,
			Sheet:         res.Sheet,
			Block:         res.Block,
			Interventions: res.Interventions,
		})
		return
	}

	switch res.Outcome {
	case pipeline.OutcomeAdapterUnavailable:
		details := map[string]any{}
		if res.Sheet != nil {
			details["sheet"] = res.Sheet.ID
		}
		if len(res.Interventions) > 0 {
			details["interventions"] = res.Interventions
		}
		writeError(w, http.StatusServiceUnavailable, CodeAdapterUnavailable, res.Err.Error(), details)
	default:
		s.writeMapped(w, res.Err)
	}
}

// stageBody is the committed-transition response shape.
type stageBody struct {
	Outcome       pipeline.Outcome `json:"outcome"`
	Sheet         *contracts.Sheet `json:"sheet"`
	Block         *ledger.Block    `json:"block,omitempty"`
	Interventions []string         `json:"interventions,omitempty"`
}
