package api

import (
	"context"
	"net/http"
	"time"

	"github.com/piy-print/piy/internal/httputil"
	"github.com/piy-print/piy/internal/version"
)

// healthTimeout bounds the controller probe of a health request.
const healthTimeout = 3 * time.Second

type slicerHealth struct {
	Variant    string `json:"variant"`
	Configured bool   `json:"configured"`
	Error      string `json:"error,omitempty"`
}

type controllerHealth struct {
	Reachable        bool   `json:"reachable"`
	KlippyState      string `json:"klippy_state,omitempty"`
	MoonrakerVersion string `json:"moonraker_version,omitempty"`
	Error            string `json:"error,omitempty"`
}

type healthResponse struct {
	Status     string            `json:"status"`
	Version    string            `json:"version"`
	Slicer     *slicerHealth     `json:"slicer,omitempty"`
	Controller *controllerHealth `json:"controller,omitempty"`
}

// handleHealth reports "ok" when every configured dependency is usable and
// "degraded" otherwise. It always answers 200 so the process itself can be
// probed separately from its dependencies.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	resp := healthResponse{Status: "ok", Version: version.Version}

	if s.slicer != nil {
		sh := &slicerHealth{Variant: s.slicer.Variant(), Configured: true}
		if err := s.slicer.CheckConfigured(); err != nil {
			sh.Configured = false
			sh.Error = err.Error()
			resp.Status = "degraded"
		}
		resp.Slicer = sh
	}

	if s.controller != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		ch := &controllerHealth{}
		info, err := s.controller.ServerInfo(ctx)
		if err != nil {
			ch.Error = err.Error()
			resp.Status = "degraded"
		} else {
			ch.Reachable = true
			ch.KlippyState = info.KlippyState
			ch.MoonrakerVersion = info.MoonrakerVersion
		}
		resp.Controller = ch
	}

	httputil.WriteJSONOK(w, resp)
}
