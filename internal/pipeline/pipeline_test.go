package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sync/errgroup"

	"github.com/piy-print/piy/internal/artifact"
	"github.com/piy-print/piy/internal/db"
	"github.com/piy-print/piy/internal/fsutil"
	"github.com/piy-print/piy/internal/httputil"
	"github.com/piy-print/piy/internal/moonraker"
	"github.com/piy-print/piy/internal/slicer"
)

const (
	testExe     = "/opt/slicer/prusa-slicer"
	testProfile = "/etc/piy/config.ini"
	testGcodes  = "/srv/gcodes"
	testTemp    = "/tmp/piy"
	firstName   = "sliced_20250101_120000_00000001.gcode"
)

type fakeCatalog struct {
	mu      sync.Mutex
	records []db.Artifact
	err     error
}

func (c *fakeCatalog) RecordArtifact(_ context.Context, a *db.Artifact) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.records = append(c.records, *a)
	return nil
}

type harness struct {
	fs      *fsutil.MemoryFileSystem
	builder *slicer.MockCommandBuilder
	http    *httputil.MockHTTPClient
	catalog *fakeCatalog
	logs    *observer.ObservedLogs
	orch    *Orchestrator

	// meshSeen records whether the temp mesh existed while the slicer ran.
	meshSeen atomic.Bool
}

func argValue(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

// sequentialNamer returns a Namer with a fixed clock and IDs 1, 2, 3...
func sequentialNamer() *artifact.Namer {
	var n atomic.Int64
	return &artifact.Namer{
		Clock: artifact.ClockFunc(func() time.Time {
			return time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
		}),
		NewID: func() string {
			return fmt.Sprintf("%08x-0000-4000-8000-000000000000", n.Add(1))
		},
	}
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		fs:      fsutil.NewMemoryFileSystem(),
		builder: slicer.NewMockCommandBuilder(),
		http:    httputil.NewMockHTTPClient(),
		catalog: &fakeCatalog{},
	}
	h.fs.WriteFile(testExe, []byte("#!/bin/sh\n"))
	h.fs.WriteFile(testProfile, []byte("[print]\n"))

	// By default the slicer succeeds and writes its output.
	h.setSlicer(func(args []string) *slicer.MockCommandExecutor {
		return &slicer.MockCommandExecutor{
			Result: slicer.CommandResult{Stdout: "Slicing result exported\n"},
			OnRun:  func() { h.fs.WriteFile(argValue(args, "--output"), []byte("G28\nG1 X10\n")) },
		}
	})

	core, logs := observer.New(zapcore.DebugLevel)
	h.logs = logs
	log := zap.New(core).Sugar()

	inv := slicer.NewInvoker(
		slicer.Config{Executable: testExe, Profile: testProfile},
		slicer.PrusaSlicer{},
		slicer.WithCommandBuilder(h.builder),
		slicer.WithFileSystem(h.fs),
	)
	client := moonraker.NewClient(
		moonraker.Config{URL: "http://printer.local:7125"},
		moonraker.WithHTTPClient(h.http),
		moonraker.WithFileSystem(h.fs),
	)

	all := append([]Option{
		WithFileSystem(h.fs),
		WithCatalog(h.catalog),
		WithNamer(sequentialNamer()),
		WithLogger(log),
	}, opts...)
	h.orch = New(Config{GcodesDir: testGcodes, TempDir: testTemp}, inv, client, all...)
	return h
}

// setSlicer installs fn as the slicer behaviour, also noting whether the
// temp mesh was present when the slicer ran.
func (h *harness) setSlicer(fn func(args []string) *slicer.MockCommandExecutor) {
	h.builder.ExecutorFactory = func(_ string, args []string) *slicer.MockCommandExecutor {
		if h.fs.Exists(argValue(args, "--slice")) {
			h.meshSeen.Store(true)
		}
		return fn(args)
	}
}

func (h *harness) filesUnder(dir string) []string {
	var out []string
	for _, f := range h.fs.Files() {
		if strings.HasPrefix(f, dir+string(filepath.Separator)) {
			out = append(out, f)
		}
	}
	return out
}

func request(layer, infill string) Request {
	return Request{
		Mesh:        strings.NewReader("solid cube\nendsolid cube\n"),
		MeshName:    "cube.stl",
		LayerHeight: layer,
		Infill:      infill,
	}
}

func requirePipelineError(t *testing.T, err error) *Error {
	t.Helper()
	require.Error(t, err)
	var perr *Error
	require.True(t, errors.As(err, &perr), "expected *pipeline.Error, got %T", err)
	return perr
}

func TestSliceAndPrint_CubeScenario(t *testing.T) {
	h := newHarness(t)

	out, err := h.orch.SliceAndPrint(context.Background(), request("0.2", "15"))
	require.NoError(t, err)

	assert.Equal(t, "Print started", out.Message)
	assert.Equal(t, firstName, out.Filename)
	assert.Equal(t, filepath.Join(testGcodes, firstName), out.Path)
	require.NotNil(t, out.Print)
	assert.Equal(t, firstName, out.Print.Filename)

	cmd := h.builder.LastCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, testExe, cmd.Name)
	assert.Equal(t, "0.2", argValue(cmd.Args, "--layer-height"))
	assert.Equal(t, "15%", argValue(cmd.Args, "--fill-density"))
	assert.Equal(t, testProfile, argValue(cmd.Args, "--load"))
	assert.True(t, h.meshSeen.Load(), "mesh must exist while the slicer runs")

	assert.Empty(t, h.filesUnder(testTemp), "temp mesh must be removed")
	assert.Equal(t, []string{filepath.Join(testGcodes, firstName)}, h.filesUnder(testGcodes))

	assert.Len(t, h.http.RequestsTo("/server/files/upload"), 1)
	assert.Len(t, h.http.RequestsTo("/printer/print/start"), 1)

	require.Len(t, h.catalog.records, 1)
	rec := h.catalog.records[0]
	assert.Equal(t, db.ModeSliceAndPrint, rec.Mode)
	assert.Equal(t, "cube.stl", rec.SourceName)
	assert.Equal(t, "0.2", rec.LayerHeight)
	assert.Equal(t, "15", rec.Infill)
	assert.Equal(t, int64(len("G28\nG1 X10\n")), rec.SizeBytes)
	assert.Equal(t, 1, h.logs.FilterMessage("request done").Len())
}

func TestSliceOnly_Success(t *testing.T) {
	h := newHarness(t)

	out, err := h.orch.SliceOnly(context.Background(), request("0.3", "20"))
	require.NoError(t, err)

	assert.Equal(t, "Sliced OK", out.Message)
	assert.Equal(t, firstName, out.Filename)
	assert.Equal(t, "/gcodes/"+firstName, out.DownloadURL)
	assert.Equal(t, "Slicing result exported", out.SlicerOutput)
	assert.Nil(t, out.Print)
	assert.Zero(t, h.http.RequestCount(), "slice-only never contacts the controller")
	assert.Empty(t, h.filesUnder(testTemp))

	require.Len(t, h.catalog.records, 1)
	assert.Equal(t, db.ModeSlice, h.catalog.records[0].Mode)
	assert.Equal(t, 1, h.logs.FilterMessage("request done").Len())
}

func TestSliceOnly_SuccessiveRequestsGetDistinctNames(t *testing.T) {
	h := newHarness(t)

	a, err := h.orch.SliceOnly(context.Background(), request("0.2", "15"))
	require.NoError(t, err)
	b, err := h.orch.SliceOnly(context.Background(), request("0.2", "15"))
	require.NoError(t, err)

	assert.NotEqual(t, a.Filename, b.Filename)
	assert.Len(t, h.filesUnder(testGcodes), 2, "both artifacts are retained")
}

func TestSliceOnly_ConcurrentRequestsDoNotCollide(t *testing.T) {
	// Real UUIDs and a clock frozen to one second.
	h := newHarness(t, WithNamer(&artifact.Namer{
		Clock: artifact.ClockFunc(func() time.Time { return time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC) }),
		NewID: artifact.NewNamer().NewID,
	}))

	const n = 8
	names := make([]string, n)
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < n; i++ {
		g.Go(func() error {
			out, err := h.orch.SliceOnly(ctx, request("0.2", "15"))
			if err != nil {
				return err
			}
			names[i] = out.Filename
			return nil
		})
	}
	require.NoError(t, g.Wait())

	seen := map[string]bool{}
	for _, name := range names {
		assert.False(t, seen[name], "duplicate artifact name %s", name)
		seen[name] = true
	}
	assert.Empty(t, h.filesUnder(testTemp))
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		wantMsg string
	}{
		{"missing mesh", Request{LayerHeight: "0.2", Infill: "15"}, missingFieldsMessage},
		{"missing layer height", request("", "15"), missingFieldsMessage},
		{"missing infill", request("0.2", ""), missingFieldsMessage},
		{"blank infill", request("0.2", "   "), missingFieldsMessage},
		{"non-numeric layer height", request("thin", "15"), `Invalid layerHeight "thin"`},
		{"zero layer height", request("0", "15"), `Invalid layerHeight "0"`},
		{"negative layer height", request("-0.2", "15"), `Invalid layerHeight "-0.2"`},
		{"infill with percent sign", request("0.2", "15%"), `Invalid infill "15%"`},
		{"fractional infill", request("0.2", "1.5"), `Invalid infill "1.5"`},
		{"infill above 100", request("0.2", "101"), `Invalid infill "101"`},
		{"hex float layer height", request("0x1p-2", "15"), `Invalid layerHeight "0x1p-2"`},
		{"exponent layer height", request("1e-1", "15"), `Invalid layerHeight "1e-1"`},
		{"signed layer height", request("+0.2", "15"), `Invalid layerHeight "+0.2"`},
		{"signed infill", request("0.2", "+15"), `Invalid infill "+15"`},
		{"zero-padded infill", request("0.2", "015"), `Invalid infill "015"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, op := range []func(*Orchestrator, context.Context, Request) (*Outcome, error){
				(*Orchestrator).SliceOnly,
				(*Orchestrator).SliceAndPrint,
			} {
				h := newHarness(t)
				_, err := op(h.orch, context.Background(), tt.req)

				perr := requirePipelineError(t, err)
				assert.Equal(t, KindClientInput, perr.Kind)
				assert.Equal(t, StageValidating, perr.Stage)
				assert.True(t, strings.HasPrefix(perr.Message, tt.wantMsg), "message %q", perr.Message)

				assert.Zero(t, h.builder.CommandCount(), "no slicer process")
				assert.Empty(t, h.filesUnder(testTemp), "no temp file written")
				assert.Empty(t, h.filesUnder(testGcodes))
				assert.Zero(t, h.http.RequestCount())
				assert.Empty(t, h.catalog.records)
			}
		})
	}
}

func TestValidation_AcceptsBoundaryValues(t *testing.T) {
	for _, infill := range []string{"0", "100", " 50 "} {
		req := request("0.05", infill)
		assert.NoError(t, req.Validate(), "infill %q", infill)
	}
	for _, layer := range []string{"1", "0.2", "00.10"} {
		req := request(layer, "15")
		assert.NoError(t, req.Validate(), "layer height %q", layer)
	}
}

func TestSliceAndPrint_NoPrinter(t *testing.T) {
	h := newHarness(t)
	orch := New(Config{GcodesDir: testGcodes, TempDir: testTemp}, h.orch.slicer, nil, WithFileSystem(h.fs))

	_, err := orch.SliceAndPrint(context.Background(), Request{})
	perr := requirePipelineError(t, err)
	assert.Equal(t, KindClientInput, perr.Kind, "input is checked before the printer")
	assert.Equal(t, missingFieldsMessage, perr.Message)

	_, err = orch.SliceAndPrint(context.Background(), request("0.2", "15"))
	perr = requirePipelineError(t, err)
	assert.Equal(t, KindInternal, perr.Kind)
	assert.Equal(t, "Print controller not configured", perr.Message)
	assert.Zero(t, h.builder.CommandCount(), "no slicer process")
	assert.Empty(t, h.filesUnder(testTemp))
}

func TestSlicerNotConfigured(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.fs.Remove(testExe))

	_, err := h.orch.SliceAndPrint(context.Background(), request("0.2", "15"))

	perr := requirePipelineError(t, err)
	assert.Equal(t, KindToolNotConfigured, perr.Kind)
	assert.Equal(t, "Slicing failed", perr.Message)
	assert.Contains(t, perr.Detail, "slicer executable not found at: "+testExe)
	assert.ErrorIs(t, err, slicer.ErrNotConfigured)
	assert.Zero(t, h.builder.CommandCount(), "fails before any process launch")
	assert.Empty(t, h.filesUnder(testTemp))
	assert.Zero(t, h.http.RequestCount())
}

func TestSlicerFailure(t *testing.T) {
	h := newHarness(t)
	h.setSlicer(func([]string) *slicer.MockCommandExecutor {
		return &slicer.MockCommandExecutor{Result: slicer.CommandResult{ExitCode: 1, Stderr: "  Object too large  \n"}}
	})

	_, err := h.orch.SliceAndPrint(context.Background(), request("0.2", "15"))

	perr := requirePipelineError(t, err)
	assert.Equal(t, KindSlicing, perr.Kind)
	assert.Equal(t, StageSliceFailed, perr.Stage)
	assert.Equal(t, "Slicing failed", perr.Message)
	assert.Equal(t, "Object too large", perr.Detail)
	assert.True(t, h.meshSeen.Load())
	assert.Empty(t, h.filesUnder(testTemp))
	assert.Zero(t, h.http.RequestCount())
	assert.Empty(t, h.catalog.records)
}

func TestSlicerExitZeroWithoutOutput(t *testing.T) {
	h := newHarness(t)
	h.setSlicer(func([]string) *slicer.MockCommandExecutor {
		return &slicer.MockCommandExecutor{}
	})

	_, err := h.orch.SliceOnly(context.Background(), request("0.2", "15"))

	perr := requirePipelineError(t, err)
	assert.Equal(t, KindSlicing, perr.Kind)
	assert.Equal(t, "Slicing produced no output", perr.Message)
	assert.Equal(t, "Unknown slicer error", perr.Detail)
	assert.Empty(t, h.filesUnder(testTemp))
}

// reportingSlicer claims success without producing anything.
type reportingSlicer struct{}

func (reportingSlicer) Slice(context.Context, slicer.Invocation) (string, error) { return "ok", nil }

func TestSlicerClaimsSuccessWithoutOutput(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	o := New(Config{GcodesDir: testGcodes, TempDir: testTemp}, reportingSlicer{}, nil, WithFileSystem(mfs))

	_, err := o.SliceOnly(context.Background(), request("0.2", "15"))

	perr := requirePipelineError(t, err)
	assert.Equal(t, KindSlicing, perr.Kind)
	assert.Equal(t, "Slicing produced no output", perr.Message)
	assert.Empty(t, mfs.Files())
}

func TestUploadFailure(t *testing.T) {
	h := newHarness(t)
	h.http.AddResponse(http.StatusUnauthorized, "Unauthorized")

	_, err := h.orch.SliceAndPrint(context.Background(), request("0.2", "15"))

	perr := requirePipelineError(t, err)
	assert.Equal(t, KindUpstreamRejected, perr.Kind)
	assert.True(t, perr.Kind.Upstream())
	assert.Equal(t, StageStartFailed, perr.Stage)
	assert.Equal(t, "Print start failed", perr.Message)
	assert.Equal(t, "Upload error: 401 Unauthorized: Unauthorized", perr.Detail)
	assert.Empty(t, h.http.RequestsTo("/printer/print/start"), "no start after failed upload")

	assert.Empty(t, h.filesUnder(testTemp))
	assert.Len(t, h.filesUnder(testGcodes), 1, "toolpath is kept after a failed print")
	assert.Len(t, h.catalog.records, 1)
	assert.Zero(t, h.logs.FilterMessage("request done").Len(), "a failed print never reaches done")
}

func TestUploadTransportFailure(t *testing.T) {
	h := newHarness(t)
	h.http.AddErrorResponse(errors.New("dial tcp: connection refused"))

	_, err := h.orch.SliceAndPrint(context.Background(), request("0.2", "15"))

	perr := requirePipelineError(t, err)
	assert.Equal(t, KindUpstreamTransport, perr.Kind)
	assert.ErrorIs(t, err, moonraker.ErrTransport)
	assert.Empty(t, h.filesUnder(testTemp))
}

func TestStartPrint_PrefixedCandidateAccepted(t *testing.T) {
	h := newHarness(t)
	h.http.AddResponse(http.StatusCreated, "")
	h.http.AddResponse(http.StatusBadRequest, `{"error":"file not found"}`)
	h.http.AddResponse(http.StatusOK, `{"result":"ok"}`)

	out, err := h.orch.SliceAndPrint(context.Background(), request("0.2", "15"))
	require.NoError(t, err)

	assert.Equal(t, "Print started", out.Message)
	assert.Equal(t, firstName, out.Filename)
	assert.Equal(t, "gcodes/"+firstName, out.Print.Filename)
	assert.Len(t, h.http.RequestsTo("/printer/print/start"), 2)
}

func TestStartPrint_AllCandidatesRejected(t *testing.T) {
	h := newHarness(t)
	h.http.AddResponse(http.StatusCreated, "")
	h.http.AddResponse(http.StatusBadRequest, "no")
	h.http.AddResponse(http.StatusBadRequest, "no")

	_, err := h.orch.SliceAndPrint(context.Background(), request("0.2", "15"))

	perr := requirePipelineError(t, err)
	assert.Equal(t, KindUpstreamRejected, perr.Kind)
	assert.Equal(t, "Unable to start print; tried ["+firstName+" gcodes/"+firstName+"]", perr.Detail)
	assert.Empty(t, h.filesUnder(testTemp))
}

func TestCatalogFailureIsOnlyLogged(t *testing.T) {
	h := newHarness(t)
	h.catalog.err = errors.New("database is locked")

	out, err := h.orch.SliceOnly(context.Background(), request("0.2", "15"))
	require.NoError(t, err)
	assert.Equal(t, firstName, out.Filename)

	warnings := h.logs.FilterMessage("failed to record artifact").All()
	require.Len(t, warnings, 1)
	assert.Equal(t, zapcore.WarnLevel, warnings[0].Level)
}

func TestTempCleanupFailureIsOnlyLogged(t *testing.T) {
	h := newHarness(t)
	h.fs.RemoveErr = errors.New("device busy")

	_, err := h.orch.SliceOnly(context.Background(), request("0.2", "15"))
	require.NoError(t, err)

	assert.Equal(t, 1, h.logs.FilterMessage("temp mesh cleanup failed").Len())
}

func TestSliceAndPrint_WithoutPrinter(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	o := New(Config{GcodesDir: testGcodes, TempDir: testTemp}, reportingSlicer{}, nil, WithFileSystem(mfs))

	_, err := o.SliceAndPrint(context.Background(), request("0.2", "15"))

	perr := requirePipelineError(t, err)
	assert.Equal(t, KindInternal, perr.Kind)
	assert.Empty(t, mfs.Files())
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "client_input", KindClientInput.String())
	assert.Equal(t, "upstream_rejected", KindUpstreamRejected.String())
	assert.Equal(t, "internal", Kind(99).String())
	assert.False(t, KindSlicing.Upstream())
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "Slicing failed: boom", (&Error{Message: "Slicing failed", Detail: "boom"}).Error())
	assert.Equal(t, "Slicing failed", (&Error{Message: "Slicing failed"}).Error())
}
