package pipeline

import "fmt"

// Kind classifies a pipeline failure. The HTTP layer maps kinds onto
// status codes; nothing below it knows about HTTP.
type Kind int

const (
	// KindInternal is a local fault such as an unwritable temp directory.
	KindInternal Kind = iota
	// KindClientInput means the request was missing or had malformed fields.
	KindClientInput
	// KindToolNotConfigured means the slicer executable or profile is absent.
	KindToolNotConfigured
	// KindSlicing means the slicer ran and failed, timed out, or wrote nothing.
	KindSlicing
	// KindUpstreamTransport means the print controller could not be reached.
	KindUpstreamTransport
	// KindUpstreamRejected means the print controller refused the request.
	KindUpstreamRejected
)

func (k Kind) String() string {
	switch k {
	case KindClientInput:
		return "client_input"
	case KindToolNotConfigured:
		return "tool_not_configured"
	case KindSlicing:
		return "slicing"
	case KindUpstreamTransport:
		return "upstream_transport"
	case KindUpstreamRejected:
		return "upstream_rejected"
	default:
		return "internal"
	}
}

// Upstream reports whether the failure happened at the print controller.
func (k Kind) Upstream() bool {
	return k == KindUpstreamTransport || k == KindUpstreamRejected
}

// Error is returned by every Orchestrator operation.
type Error struct {
	Kind Kind
	// Stage is where the request stopped.
	Stage Stage
	// Message is the short client-facing summary, e.g. "Slicing failed".
	Message string
	// Detail is the diagnostic text: slicer stderr or controller response.
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Message, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// Stage is a step of the request state machine.
type Stage string

const (
	StageValidating           Stage = "validating"
	StageSlicing              Stage = "slicing"
	StageSliceFailed          Stage = "slice_failed"
	StageSliced               Stage = "sliced"
	StageUploadingAndStarting Stage = "uploading_and_starting"
	StageStartFailed          Stage = "start_failed"
	StageStarted              Stage = "started"
	StageDone                 Stage = "done"
)
