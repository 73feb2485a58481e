package api

import (
	"errors"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/piy-print/piy/internal/httputil"
	"github.com/piy-print/piy/internal/pipeline"
	"github.com/piy-print/piy/internal/security"
)

// multipartMemory is how much of an upload is held in memory before
// spilling to a temp file.
const multipartMemory = 32 << 20

var errUploadTooLarge = errors.New("upload too large")

func (s *Server) handleSliceAndPrint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	req, cleanup, err := s.parseSliceRequest(w, r)
	defer cleanup()
	if err != nil {
		s.writeParseError(w, err)
		return
	}

	out, err := s.pipeline.SliceAndPrint(r.Context(), req)
	if err != nil {
		s.writePipelineError(w, err, "details", false)
		return
	}
	httputil.WriteJSONOK(w, map[string]string{
		"message": out.Message,
		"gcode":   out.Filename,
	})
}

func (s *Server) handleSliceOnly(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	req, cleanup, err := s.parseSliceRequest(w, r)
	defer cleanup()
	if err != nil {
		s.writeParseError(w, err)
		return
	}

	out, err := s.pipeline.SliceOnly(r.Context(), req)
	if err != nil {
		s.writePipelineError(w, err, "stderr", true)
		return
	}
	httputil.WriteJSONOK(w, map[string]string{
		"message":      out.Message,
		"filename":     out.Filename,
		"download_url": out.DownloadURL,
	})
}

// parseSliceRequest reads the stlFile, layerHeight and infill form fields.
// Missing fields are left empty for the pipeline to reject. The returned
// cleanup is always safe to call.
func (s *Server) parseSliceRequest(w http.ResponseWriter, r *http.Request) (pipeline.Request, func(), error) {
	var file multipart.File
	cleanup := func() {
		if file != nil {
			file.Close()
		}
		if r.MultipartForm != nil {
			r.MultipartForm.RemoveAll()
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			return pipeline.Request{}, cleanup, errUploadTooLarge
		}
		// A non-multipart body simply has no file; validation reports it.
		if !errors.Is(err, http.ErrNotMultipart) {
			return pipeline.Request{}, cleanup, err
		}
	}

	req := pipeline.Request{
		LayerHeight: r.FormValue("layerHeight"),
		Infill:      r.FormValue("infill"),
	}
	f, header, err := r.FormFile("stlFile")
	if err == nil {
		file = f
		req.Mesh = f
		req.MeshName = security.SanitizeFilename(header.Filename)
	}
	return req, cleanup, nil
}

func (s *Server) writeParseError(w http.ResponseWriter, err error) {
	if errors.Is(err, errUploadTooLarge) {
		httputil.WriteJSONError(w, http.StatusRequestEntityTooLarge, "Upload too large")
		return
	}
	s.log.Warnw("invalid multipart form", "error", err)
	httputil.BadRequest(w, "Invalid multipart form")
}

// statusFor maps a pipeline failure onto an HTTP status.
func statusFor(k pipeline.Kind) int {
	switch k {
	case pipeline.KindClientInput:
		return http.StatusBadRequest
	case pipeline.KindUpstreamTransport, pipeline.KindUpstreamRejected:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writePipelineError renders err as {"error": ..., detailKey: ...}. Client
// input errors carry no detail. With slicingSummary set, every slicer-side
// failure is reported as "Slicing failed".
func (s *Server) writePipelineError(w http.ResponseWriter, err error, detailKey string, slicingSummary bool) {
	var perr *pipeline.Error
	if !errors.As(err, &perr) {
		s.log.Errorw("unexpected pipeline error", "error", err)
		httputil.InternalServerError(w, "Internal server error")
		return
	}

	status := statusFor(perr.Kind)
	if perr.Kind == pipeline.KindClientInput {
		httputil.WriteJSONError(w, status, perr.Message)
		return
	}

	msg := perr.Message
	if slicingSummary && (perr.Kind == pipeline.KindSlicing || perr.Kind == pipeline.KindToolNotConfigured) {
		msg = "Slicing failed"
	}
	if perr.Detail == "" && !slicingSummary {
		httputil.WriteJSONError(w, status, msg)
		return
	}
	httputil.WriteJSONErrorDetail(w, status, msg, detailKey, perr.Detail)
}
