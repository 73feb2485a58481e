package slicer

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"sync"
	"time"
)

// waitDelay bounds how long Wait blocks on output pipes after the slicer has
// been killed by a context deadline.
const waitDelay = 5 * time.Second

// CommandResult is the captured outcome of a finished child process.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// CommandExecutor runs one prepared command to completion.
type CommandExecutor interface {
	// Run blocks until the process exits. A non-zero exit is reported in
	// CommandResult.ExitCode, not as an error; errors mean the process could
	// not be started or was cancelled.
	Run() (CommandResult, error)
}

// CommandBuilder prepares commands. The abstraction lets tests assert on the
// exact argv without launching anything.
type CommandBuilder interface {
	BuildCommand(ctx context.Context, dir, name string, args ...string) CommandExecutor
}

// RealCommandExecutor wraps exec.Cmd to implement CommandExecutor.
type RealCommandExecutor struct {
	ctx context.Context
	cmd *exec.Cmd
}

// Run executes the command, capturing stdout and stderr separately.
func (r *RealCommandExecutor) Run() (CommandResult, error) {
	var stdout, stderr bytes.Buffer
	r.cmd.Stdout = &stdout
	r.cmd.Stderr = &stderr

	err := r.cmd.Run()
	res := CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}

	if ctxErr := r.ctx.Err(); ctxErr != nil {
		res.ExitCode = -1
		return res, ctxErr
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	if err != nil {
		res.ExitCode = -1
		return res, err
	}
	return res, nil
}

// RealCommandBuilder implements CommandBuilder using exec.CommandContext.
type RealCommandBuilder struct{}

// NewRealCommandBuilder creates a new RealCommandBuilder.
func NewRealCommandBuilder() *RealCommandBuilder {
	return &RealCommandBuilder{}
}

// BuildCommand creates a CommandExecutor for the given command and arguments.
// The child inherits the service environment and runs in dir when set.
func (b *RealCommandBuilder) BuildCommand(ctx context.Context, dir, name string, args ...string) CommandExecutor {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = os.Environ()
	cmd.Dir = dir
	cmd.WaitDelay = waitDelay
	return &RealCommandExecutor{ctx: ctx, cmd: cmd}
}

// MockCommandExecutor implements CommandExecutor for testing.
type MockCommandExecutor struct {
	// Result is returned from Run.
	Result CommandResult
	// Err is the error to return from Run.
	Err error
	// OnRun runs inside Run before returning, e.g. to create the output file.
	OnRun func()
	// RunCalled indicates whether Run was called.
	RunCalled bool
}

// Run returns the configured result and error.
func (m *MockCommandExecutor) Run() (CommandResult, error) {
	m.RunCalled = true
	if m.OnRun != nil {
		m.OnRun()
	}
	return m.Result, m.Err
}

// MockBuiltCommand records details of a built command.
type MockBuiltCommand struct {
	Name string
	Args []string
	Dir  string
	// HasDeadline reports whether the build context carried a deadline.
	HasDeadline bool
}

// MockCommandBuilder implements CommandBuilder for testing.
type MockCommandBuilder struct {
	mu sync.Mutex
	// Commands records all commands that were built.
	Commands []MockBuiltCommand
	// ExecutorFactory creates executors dynamically based on the command.
	// When nil a zero MockCommandExecutor (exit 0, no output) is returned.
	ExecutorFactory func(name string, args []string) *MockCommandExecutor
}

// NewMockCommandBuilder creates a new MockCommandBuilder.
func NewMockCommandBuilder() *MockCommandBuilder {
	return &MockCommandBuilder{}
}

// BuildCommand records the command and returns a mock executor.
func (b *MockCommandBuilder) BuildCommand(ctx context.Context, dir, name string, args ...string) CommandExecutor {
	_, hasDeadline := ctx.Deadline()

	b.mu.Lock()
	b.Commands = append(b.Commands, MockBuiltCommand{
		Name:        name,
		Args:        append([]string(nil), args...),
		Dir:         dir,
		HasDeadline: hasDeadline,
	})
	factory := b.ExecutorFactory
	b.mu.Unlock()

	if factory != nil {
		return factory(name, args)
	}
	return &MockCommandExecutor{}
}

// CommandCount returns how many commands were built.
func (b *MockCommandBuilder) CommandCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.Commands)
}

// LastCommand returns the most recently built command, or nil if none.
func (b *MockCommandBuilder) LastCommand() *MockBuiltCommand {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.Commands) == 0 {
		return nil
	}
	c := b.Commands[len(b.Commands)-1]
	return &c
}
