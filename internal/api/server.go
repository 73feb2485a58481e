// Package api is the HTTP surface of the service: the slicing routes, the
// artifact download and listing routes, and health reporting.
package api

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/piy-print/piy/internal/db"
	"github.com/piy-print/piy/internal/moonraker"
	"github.com/piy-print/piy/internal/pipeline"
)

// DefaultMaxUploadBytes bounds a mesh upload when no limit is configured.
const DefaultMaxUploadBytes = 256 << 20

// Pipeline runs slicing requests. *pipeline.Orchestrator implements it.
type Pipeline interface {
	SliceOnly(ctx context.Context, req pipeline.Request) (*pipeline.Outcome, error)
	SliceAndPrint(ctx context.Context, req pipeline.Request) (*pipeline.Outcome, error)
}

// ArtifactLister lists catalogued artifacts. *db.DB implements it.
type ArtifactLister interface {
	ListArtifacts(ctx context.Context, limit int) ([]db.Artifact, error)
}

// ControllerStatus reports print controller health. *moonraker.Client
// implements it.
type ControllerStatus interface {
	ServerInfo(ctx context.Context) (*moonraker.ServerInfo, error)
}

// SlicerStatus reports whether the slicer can run. *slicer.Invoker
// implements it.
type SlicerStatus interface {
	Variant() string
	CheckConfigured() error
}

type Server struct {
	pipeline   Pipeline
	gcodesDir  string
	staticDir  string
	maxUpload  int64
	catalog    ArtifactLister
	controller ControllerStatus
	slicer     SlicerStatus
	log        *zap.SugaredLogger
}

// Option configures a Server.
type Option func(*Server)

// WithCatalog enables GET /api/gcodes.
func WithCatalog(c ArtifactLister) Option {
	return func(s *Server) { s.catalog = c }
}

// WithController adds the print controller to health reports.
func WithController(c ControllerStatus) Option {
	return func(s *Server) { s.controller = c }
}

// WithSlicer adds the slicer to health reports.
func WithSlicer(sl SlicerStatus) Option {
	return func(s *Server) { s.slicer = sl }
}

// WithStaticDir serves the browser UI from dir: dir/index.html at / and
// dir/static/ under /static/.
func WithStaticDir(dir string) Option {
	return func(s *Server) { s.staticDir = dir }
}

// WithMaxUploadBytes bounds the multipart body of the slicing routes.
func WithMaxUploadBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxUpload = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Server) { s.log = l }
}

// NewServer creates a Server. Artifacts are served from gcodesDir, which
// must be the directory the pipeline writes to.
func NewServer(p Pipeline, gcodesDir string, opts ...Option) *Server {
	s := &Server{
		pipeline:  p,
		gcodesDir: gcodesDir,
		maxUpload: DefaultMaxUploadBytes,
		log:       zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(log *zap.SugaredLogger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)

		fields := []interface{}{
			"status", lrw.statusCode,
			"method", r.Method,
			"uri", r.RequestURI,
			"duration_ms", float64(time.Since(start).Nanoseconds()) / 1e6,
		}
		if lrw.statusCode >= http.StatusInternalServerError {
			log.Warnw("request", fields...)
			return
		}
		log.Infow("request", fields...)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/slice_and_print", s.handleSliceAndPrint)
	mux.HandleFunc("/api/slice", s.handleSliceOnly)
	mux.HandleFunc("/gcodes/{name}", s.handleDownload)
	mux.HandleFunc("/api/gcodes", s.handleListArtifacts)
	mux.HandleFunc("/api/health", s.handleHealth)

	if s.staticDir != "" {
		index := filepath.Join(s.staticDir, "index.html")
		mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
			http.ServeFile(w, r, index)
		})
		mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.Dir(filepath.Join(s.staticDir, "static")))))
	}
	return mux
}

// Handler builds the routes, lets each attach register extra routes on the
// same mux, and wraps the result in request logging.
func (s *Server) Handler(attach ...func(*http.ServeMux) error) (http.Handler, error) {
	mux := s.ServeMux()
	for _, a := range attach {
		if err := a(mux); err != nil {
			return nil, fmt.Errorf("failed to attach routes: %w", err)
		}
	}
	return LoggingMiddleware(s.log, mux), nil
}
