// Package pipeline composes the slicer and the print controller into the
// two request flows the service offers: slice-only and slice-and-print.
//
// Every request gets its own temp mesh and toolpath names, so concurrent
// requests never share a path. The temp mesh is always removed before an
// operation returns; the toolpath is kept for download in both flows.
package pipeline

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/piy-print/piy/internal/artifact"
	"github.com/piy-print/piy/internal/db"
	"github.com/piy-print/piy/internal/fsutil"
	"github.com/piy-print/piy/internal/moonraker"
	"github.com/piy-print/piy/internal/slicer"
)

// DownloadPrefix is the URL path artifacts are served under.
const DownloadPrefix = "/gcodes/"

const (
	msgPrintStarted   = "Print started"
	msgSlicedOK       = "Sliced OK"
	msgSlicingFailed  = "Slicing failed"
	msgNoOutput       = "Slicing produced no output"
	msgPrintFailed    = "Print start failed"
	msgSaveMeshFailed = "Failed to save uploaded mesh"
)

// Slicer turns a mesh into a toolpath. *slicer.Invoker implements it.
type Slicer interface {
	Slice(ctx context.Context, inv slicer.Invocation) (string, error)
}

// Printer uploads a toolpath and starts it. *moonraker.Client implements it.
type Printer interface {
	UploadAndStart(ctx context.Context, path string) (*moonraker.Outcome, error)
}

// Catalog indexes produced artifacts. *db.DB implements it.
type Catalog interface {
	RecordArtifact(ctx context.Context, a *db.Artifact) error
}

// Config holds the directories the orchestrator writes to.
type Config struct {
	// GcodesDir receives toolpath artifacts.
	GcodesDir string
	// TempDir receives uploaded meshes for the duration of a request.
	TempDir string
}

// Outcome describes a successful request.
type Outcome struct {
	Message string
	// Filename is the toolpath artifact name inside GcodesDir.
	Filename string
	// Path is the artifact's full local path.
	Path        string
	DownloadURL string
	// SlicerOutput is the slicer's trimmed stdout.
	SlicerOutput string
	// Print is set by SliceAndPrint only.
	Print *moonraker.Outcome
}

// Orchestrator runs slicing requests. It holds no per-request state and is
// safe for concurrent use.
type Orchestrator struct {
	cfg     Config
	slicer  Slicer
	printer Printer
	catalog Catalog
	fs      fsutil.FileSystem
	namer   *artifact.Namer
	log     *zap.SugaredLogger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithCatalog records every produced artifact in c.
func WithCatalog(c Catalog) Option {
	return func(o *Orchestrator) { o.catalog = c }
}

// WithFileSystem replaces the filesystem meshes are written to.
func WithFileSystem(fsys fsutil.FileSystem) Option {
	return func(o *Orchestrator) { o.fs = fsys }
}

// WithNamer replaces the request naming source.
func WithNamer(n *artifact.Namer) Option {
	return func(o *Orchestrator) { o.namer = n }
}

// WithLogger sets the logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// New creates an Orchestrator. printer may be nil when only SliceOnly is
// used.
func New(cfg Config, s Slicer, printer Printer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:     cfg,
		slicer:  s,
		printer: printer,
		fs:      fsutil.OSFileSystem{},
		namer:   artifact.NewNamer(),
		log:     zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SliceOnly slices req and leaves the toolpath for download.
func (o *Orchestrator) SliceOnly(ctx context.Context, req Request) (*Outcome, error) {
	out, err := o.slice(ctx, &req, db.ModeSlice)
	if err != nil {
		return nil, err
	}
	out.Message = msgSlicedOK
	out.DownloadURL = DownloadPrefix + out.Filename
	o.log.Infow("request done", "stage", StageDone, "mode", db.ModeSlice, "gcode", out.Filename)
	return out, nil
}

// SliceAndPrint slices req, uploads the toolpath to the print controller and
// starts printing it. The toolpath is kept locally whether or not the print
// starts.
func (o *Orchestrator) SliceAndPrint(ctx context.Context, req Request) (*Outcome, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if o.printer == nil {
		return nil, &Error{Kind: KindInternal, Stage: StageValidating, Message: "Print controller not configured"}
	}

	out, err := o.slice(ctx, &req, db.ModeSliceAndPrint)
	if err != nil {
		return nil, err
	}

	log := o.log.With("gcode", out.Filename)
	log.Infow("uploading and starting print", "stage", StageUploadingAndStarting)

	started, err := o.printer.UploadAndStart(ctx, out.Path)
	if err != nil {
		log.Errorw("print start failed", "stage", StageStartFailed, "error", err)
		return nil, &Error{
			Kind:    printErrorKind(err),
			Stage:   StageStartFailed,
			Message: msgPrintFailed,
			Detail:  err.Error(),
			Err:     err,
		}
	}

	log.Infow("print started", "stage", StageStarted, "controller_filename", started.Filename)
	out.Message = msgPrintStarted
	out.Print = started
	log.Infow("request done", "stage", StageDone, "mode", db.ModeSliceAndPrint)
	return out, nil
}

// slice runs the shared Validating -> Slicing -> Sliced part of both flows.
func (o *Orchestrator) slice(ctx context.Context, req *Request, mode db.Mode) (*Outcome, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	names := o.namer.Next()
	log := o.log.With("request_id", names.RequestID, "mode", mode)

	for _, dir := range []string{o.cfg.GcodesDir, o.cfg.TempDir} {
		if err := o.fs.MkdirAll(dir, 0o755); err != nil {
			return nil, &Error{Kind: KindInternal, Stage: StageValidating, Message: "Failed to prepare directories", Detail: err.Error(), Err: err}
		}
	}

	meshPath := filepath.Join(o.cfg.TempDir, names.Mesh)
	outPath := filepath.Join(o.cfg.GcodesDir, names.Toolpath)
	defer o.removeTemp(log, meshPath)

	if _, err := fsutil.WriteStream(o.fs, meshPath, req.Mesh); err != nil {
		log.Errorw("failed to save mesh", "path", meshPath, "error", err)
		return nil, &Error{Kind: KindInternal, Stage: StageValidating, Message: msgSaveMeshFailed, Detail: err.Error(), Err: err}
	}

	log.Infow("slicing", "stage", StageSlicing, "output", outPath,
		"layer_height", req.LayerHeight, "infill", req.Infill)

	stdout, err := o.slicer.Slice(ctx, slicer.Invocation{
		Input:       meshPath,
		Output:      outPath,
		LayerHeight: req.LayerHeight,
		Infill:      req.Infill,
	})
	if err != nil {
		perr := sliceError(err)
		log.Errorw("slicing failed", "stage", StageSliceFailed, "kind", perr.Kind, "detail", perr.Detail)
		return nil, perr
	}

	info, err := o.fs.Stat(outPath)
	if err != nil {
		log.Errorw("slicer reported success but output not found", "stage", StageSliceFailed, "output", outPath)
		return nil, &Error{Kind: KindSlicing, Stage: StageSliceFailed, Message: msgNoOutput, Err: err}
	}
	log.Infow("sliced", "stage", StageSliced, "gcode", names.Toolpath, "size_bytes", info.Size())

	o.record(ctx, log, &db.Artifact{
		Filename:    names.Toolpath,
		Mode:        mode,
		SourceName:  req.MeshName,
		LayerHeight: req.LayerHeight,
		Infill:      req.Infill,
		SizeBytes:   info.Size(),
		CreatedAt:   names.CreatedAt,
	})

	return &Outcome{
		Filename:     names.Toolpath,
		Path:         outPath,
		SlicerOutput: stdout,
	}, nil
}

// record adds a to the catalog. The artifact is already on disk, so a
// catalog failure is only logged.
func (o *Orchestrator) record(ctx context.Context, log *zap.SugaredLogger, a *db.Artifact) {
	if o.catalog == nil {
		return
	}
	if err := o.catalog.RecordArtifact(ctx, a); err != nil {
		log.Warnw("failed to record artifact", "gcode", a.Filename, "error", err)
	}
}

func (o *Orchestrator) removeTemp(log *zap.SugaredLogger, path string) {
	if err := o.fs.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warnw("temp mesh cleanup failed", "path", path, "error", err)
	}
}

func sliceError(err error) *Error {
	e := &Error{Kind: KindSlicing, Stage: StageSliceFailed, Message: msgSlicingFailed, Detail: err.Error(), Err: err}
	switch {
	case errors.Is(err, slicer.ErrNotConfigured):
		e.Kind = KindToolNotConfigured
	case errors.Is(err, slicer.ErrNoOutput):
		e.Message = msgNoOutput
	case errors.Is(err, slicer.ErrFailed):
	default:
		e.Kind = KindInternal
	}
	return e
}

func printErrorKind(err error) Kind {
	switch {
	case errors.Is(err, moonraker.ErrTransport):
		return KindUpstreamTransport
	case errors.Is(err, moonraker.ErrRejected):
		return KindUpstreamRejected
	default:
		return KindInternal
	}
}
