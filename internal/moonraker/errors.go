package moonraker

import "errors"

var (
	// ErrToolpathMissing means the local file to upload does not exist or
	// could not be read. No request was sent.
	ErrToolpathMissing = errors.New("toolpath missing")
	// ErrTransport covers connection failures and timeouts.
	ErrTransport = errors.New("print controller unreachable")
	// ErrRejected means the controller answered with a non-2xx status.
	ErrRejected = errors.New("print controller rejected request")
)

// Error is returned by every Client operation. Kind is one of the package
// sentinels.
type Error struct {
	Kind       error
	Detail     string
	StatusCode int
	Err        error
}

func (e *Error) Error() string { return e.Detail }

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
