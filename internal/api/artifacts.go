package api

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"strconv"

	"github.com/piy-print/piy/internal/db"
	"github.com/piy-print/piy/internal/httputil"
	"github.com/piy-print/piy/internal/pipeline"
	"github.com/piy-print/piy/internal/security"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// handleDownload serves a toolpath artifact as an attachment.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		httputil.MethodNotAllowed(w)
		return
	}

	name := r.PathValue("name")
	path, err := security.ResolveArtifactPath(s.gcodesDir, name)
	if err != nil {
		s.log.Warnw("rejected artifact download", "name", name, "error", err)
		httputil.NotFound(w, "G-code not found")
		return
	}

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.log.Errorw("failed to stat artifact", "path", path, "error", err)
		}
		httputil.NotFound(w, "G-code not found")
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeFile(w, r, path)
}

type artifactView struct {
	db.Artifact
	DownloadURL string `json:"download_url"`
}

// handleListArtifacts lists catalogued artifacts, most recent first.
func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.catalog == nil {
		httputil.NotFound(w, "artifact catalog disabled")
		return
	}

	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			httputil.BadRequest(w, fmt.Sprintf("invalid limit %q", v))
			return
		}
		limit = min(n, maxListLimit)
	}

	artifacts, err := s.catalog.ListArtifacts(r.Context(), limit)
	if err != nil {
		s.log.Errorw("failed to list artifacts", "error", err)
		httputil.InternalServerError(w, "failed to list artifacts")
		return
	}

	views := make([]artifactView, 0, len(artifacts))
	for _, a := range artifacts {
		views = append(views, artifactView{Artifact: a, DownloadURL: pipeline.DownloadPrefix + a.Filename})
	}
	httputil.WriteJSONOK(w, map[string]interface{}{"gcodes": views})
}
