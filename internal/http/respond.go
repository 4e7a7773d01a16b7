package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/TNLegend/SMIA/internal/broker"
	"github.com/TNLegend/SMIA/internal/repository"
	"github.com/TNLegend/SMIA/internal/service/artifacts"
	"github.com/TNLegend/SMIA/internal/service/quota"
	"github.com/TNLegend/SMIA/internal/service/runs"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps service sentinels onto status codes. Unknown errors
// are logged and reported as 500 without detail.
func (r *Router) writeServiceError(w http.ResponseWriter, req *http.Request, err error) {
	switch {
	case errors.Is(err, runs.ErrInvalidRequest), errors.Is(err, runs.ErrInvalidReference):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, quota.ErrQuotaExceeded):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, artifacts.ErrForbidden):
		writeError(w, http.StatusForbidden, "artifact path not permitted")
	case errors.Is(err, runs.ErrRunFinished):
		writeError(w, http.StatusNotFound, "run finished")
	case errors.Is(err, runs.ErrRunPending):
		writeError(w, http.StatusNotFound, "run not started")
	case errors.Is(err, broker.ErrNotFound):
		writeError(w, http.StatusNotFound, "run not found")
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	default:
		r.logger.Error("request failed", "method", req.Method, "path", req.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
