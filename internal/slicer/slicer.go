// Package slicer runs an external slicing tool to turn a mesh into a
// toolpath file.
package slicer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/piy-print/piy/internal/fsutil"
)

// unknownError is the failure detail when the slicer wrote nothing to stderr.
const unknownError = "Unknown slicer error"

var (
	// ErrNotConfigured marks a missing executable or profile. No process was
	// started.
	ErrNotConfigured = errors.New("slicer not configured")
	// ErrFailed marks a run that exited non-zero, could not start, or timed out.
	ErrFailed = errors.New("slicing failed")
	// ErrNoOutput marks a run that exited zero without writing its output.
	ErrNoOutput = errors.New("slicer produced no output")
)

// Error carries the human-readable detail of a failed slice. Kind is one of
// the package sentinels and is matched with errors.Is.
type Error struct {
	Kind     error
	Detail   string
	ExitCode int
	Err      error
}

func (e *Error) Error() string { return e.Detail }

// Unwrap exposes both the sentinel kind and the underlying cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Config is the static part of every slicer run.
type Config struct {
	Executable string
	Profile    string
	// WorkDir is the child's working directory; empty inherits ours.
	WorkDir string
	// Timeout bounds a single run. Zero means no limit.
	Timeout time.Duration
}

// Invoker runs the configured slicer. It holds no per-request state and is
// safe for concurrent use.
type Invoker struct {
	cfg      Config
	line     CommandLine
	commands CommandBuilder
	fs       fsutil.FileSystem
	log      *zap.SugaredLogger
}

// Option configures an Invoker.
type Option func(*Invoker)

// WithCommandBuilder replaces the process launcher.
func WithCommandBuilder(b CommandBuilder) Option {
	return func(iv *Invoker) { iv.commands = b }
}

// WithFileSystem replaces the filesystem used for existence checks.
func WithFileSystem(fsys fsutil.FileSystem) Option {
	return func(iv *Invoker) { iv.fs = fsys }
}

// WithLogger sets the logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(iv *Invoker) { iv.log = l }
}

// NewInvoker creates an Invoker for one slicer variant.
func NewInvoker(cfg Config, line CommandLine, opts ...Option) *Invoker {
	iv := &Invoker{
		cfg:      cfg,
		line:     line,
		commands: NewRealCommandBuilder(),
		fs:       fsutil.OSFileSystem{},
		log:      zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(iv)
	}
	return iv
}

// Variant returns the configured command-line variant name.
func (iv *Invoker) Variant() string { return iv.line.Name() }

// CheckConfigured verifies the executable and profile exist on disk.
func (iv *Invoker) CheckConfigured() error {
	if !iv.fs.Exists(iv.cfg.Executable) {
		return &Error{Kind: ErrNotConfigured, Detail: fmt.Sprintf("slicer executable not found at: %s", iv.cfg.Executable)}
	}
	if !iv.fs.Exists(iv.cfg.Profile) {
		return &Error{Kind: ErrNotConfigured, Detail: fmt.Sprintf("slicer profile not found at: %s", iv.cfg.Profile)}
	}
	return nil
}

// Slice runs the slicer synchronously and returns its trimmed stdout. The
// run succeeds only when the process exits zero and inv.Output exists
// afterwards. A failed run's output file, if any, is left in place.
func (iv *Invoker) Slice(ctx context.Context, inv Invocation) (string, error) {
	if err := iv.CheckConfigured(); err != nil {
		return "", err
	}

	if iv.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, iv.cfg.Timeout)
		defer cancel()
	}

	args := iv.line.Args(iv.cfg.Profile, inv)
	iv.log.Infow("running slicer",
		"variant", iv.line.Name(),
		"cmd", iv.cfg.Executable+" "+strings.Join(args, " "),
	)

	start := time.Now()
	res, err := iv.commands.BuildCommand(ctx, iv.cfg.WorkDir, iv.cfg.Executable, args...).Run()
	if err != nil {
		detail := fmt.Sprintf("failed to run slicer: %v", err)
		if errors.Is(err, context.DeadlineExceeded) {
			detail = fmt.Sprintf("slicer timed out after %s", iv.cfg.Timeout)
		}
		if stderr := strings.TrimSpace(res.Stderr); stderr != "" {
			detail += ": " + stderr
		}
		return "", &Error{Kind: ErrFailed, Detail: detail, ExitCode: res.ExitCode, Err: err}
	}

	if res.ExitCode != 0 {
		return "", &Error{Kind: ErrFailed, Detail: stderrDetail(res.Stderr), ExitCode: res.ExitCode}
	}
	if !iv.fs.Exists(inv.Output) {
		return "", &Error{Kind: ErrNoOutput, Detail: stderrDetail(res.Stderr)}
	}

	iv.log.Infow("slicer finished", "output", inv.Output, "elapsed", time.Since(start))
	return strings.TrimSpace(res.Stdout), nil
}

func stderrDetail(stderr string) string {
	if s := strings.TrimSpace(stderr); s != "" {
		return s
	}
	return unknownError
}
