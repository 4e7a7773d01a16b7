package httpx

import (
	"mime"
	"net/http"
	"path/filepath"

	"github.com/TNLegend/SMIA/internal/domain"
)

func (r *Router) handleListArtifacts(w http.ResponseWriter, req *http.Request) {
	list, err := r.artifacts.List(req.Context(), req.PathValue("projectID"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	if list == nil {
		list = []domain.Artifact{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (r *Router) handleDownloadArtifact(w http.ResponseWriter, req *http.Request) {
	f, artifact, err := r.artifacts.Open(req.Context(), req.PathValue("projectID"), req.PathValue("artifactID"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}

	name := filepath.Base(artifact.Path)
	contentType := mime.TypeByExtension(filepath.Ext(name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	w.Header().Set("X-Artifact-Format", artifact.Format)
	w.Header().Set("X-Artifact-Run", artifact.RunID)
	if artifact.SizeBytes > 0 && artifact.SizeBytes != info.Size() {
		r.logger.Warn("artifact size changed since recorded", "artifact_id", artifact.ID, "recorded", artifact.SizeBytes, "actual", info.Size())
	}
	http.ServeContent(w, req, name, info.ModTime(), f)
}
