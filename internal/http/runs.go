package httpx

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/TNLegend/SMIA/internal/domain"
	"github.com/TNLegend/SMIA/internal/service/runs"
)

const maxSubmitBody = 1 << 20

// referenceID accepts a record id given either as a JSON string or a number.
type referenceID string

func (id *referenceID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = referenceID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or integer")
	}
	if _, err := n.Int64(); err != nil {
		return fmt.Errorf("id must be a string or integer")
	}
	*id = referenceID(n.String())
	return nil
}

type submitResponse struct {
	RunID  string           `json:"run_id"`
	Status domain.RunStatus `json:"status"`
}

func (r *Router) handleSubmitTraining(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		DatasetID referenceID     `json:"dataset_id"`
		Config    json.RawMessage `json:"config"`
	}
	if !decodeBody(w, req, &payload) {
		return
	}
	overrides := domain.Null()
	if len(bytes.TrimSpace(payload.Config)) > 0 {
		parsed, err := domain.ParseValue(payload.Config)
		if err != nil {
			writeError(w, http.StatusBadRequest, "config must be valid JSON")
			return
		}
		overrides = parsed
	}
	run, err := r.runs.SubmitTraining(req.Context(), runs.TrainingRequest{
		ProjectID: req.PathValue("projectID"),
		DatasetID: string(payload.DatasetID),
		Config:    overrides,
	})
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	r.writeAccepted(w, req, run)
}

func (r *Router) handleSubmitEvaluation(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		ModelRunID   referenceID `json:"model_run_id"`
		DataConfigID referenceID `json:"data_config_id"`
	}
	if !decodeBody(w, req, &payload) {
		return
	}
	run, err := r.runs.SubmitEvaluation(req.Context(), runs.EvaluationRequest{
		ProjectID:    req.PathValue("projectID"),
		ModelRunID:   string(payload.ModelRunID),
		DataConfigID: string(payload.DataConfigID),
	})
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	r.writeAccepted(w, req, run)
}

func (r *Router) writeAccepted(w http.ResponseWriter, req *http.Request, run *domain.Run) {
	w.Header().Set("Location", fmt.Sprintf("/projects/%s/runs/%s", run.ProjectID, run.ID))
	writeJSON(w, http.StatusAccepted, submitResponse{RunID: run.ID, Status: run.Status})
}

func (r *Router) handleListRuns(w http.ResponseWriter, req *http.Request) {
	kind := domain.RunKind(strings.TrimSpace(req.URL.Query().Get("kind")))
	list, err := r.runs.List(req.Context(), req.PathValue("projectID"), kind)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	if list == nil {
		list = []domain.Run{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (r *Router) handleGetRun(w http.ResponseWriter, req *http.Request) {
	run, err := r.runs.Get(req.Context(), req.PathValue("projectID"), req.PathValue("runID"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func decodeBody(w http.ResponseWriter, req *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(req.Body, maxSubmitBody))
	if err := dec.Decode(dst); err != nil {
		if err == io.EOF {
			writeError(w, http.StatusBadRequest, "request body required")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}
