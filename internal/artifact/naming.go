// Package artifact names the files a slicing request creates.
//
// Toolpath names embed a wall-clock timestamp so operators can sort the
// gcode directory by eye, plus a random suffix so two requests landing in
// the same second never share an output path.
package artifact

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TimestampLayout is the timestamp portion of a toolpath name.
const TimestampLayout = "20060102_150405"

// suffixLen is how many hex characters of the request ID end up in a
// toolpath name.
const suffixLen = 8

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the standard time package.
type RealClock struct{}

// Now returns the current time.
func (RealClock) Now() time.Time { return time.Now() }

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now calls f.
func (f ClockFunc) Now() time.Time { return f() }

// Names is the set of request-unique paths for one slicing request.
type Names struct {
	// RequestID identifies the request in logs.
	RequestID string
	// Toolpath is the artifact file name, e.g. sliced_20250101_120000_1a2b3c4d.gcode.
	Toolpath string
	// Mesh is the temp file name for the uploaded mesh.
	Mesh string
	// CreatedAt is the timestamp embedded in Toolpath.
	CreatedAt time.Time
}

// Namer derives Names from a clock and an ID source.
type Namer struct {
	Clock Clock
	NewID func() string
}

// NewNamer returns a Namer backed by the wall clock and random UUIDs.
func NewNamer() *Namer {
	return &Namer{Clock: RealClock{}, NewID: uuid.NewString}
}

// Next returns fresh names for a new request.
func (n *Namer) Next() Names {
	now := n.Clock.Now()
	id := n.NewID()
	return Names{
		RequestID: id,
		Toolpath:  ToolpathName(now, id),
		Mesh:      fmt.Sprintf("mesh_%s.stl", compact(id, 0)),
		CreatedAt: now,
	}
}

// ToolpathName formats the artifact file name for a timestamp and request ID.
func ToolpathName(ts time.Time, id string) string {
	return fmt.Sprintf("sliced_%s_%s.gcode", ts.Format(TimestampLayout), compact(id, suffixLen))
}

// compact strips dashes from id and truncates it to max characters when max
// is positive.
func compact(id string, max int) string {
	id = strings.ReplaceAll(id, "-", "")
	if max > 0 && len(id) > max {
		id = id[:max]
	}
	return id
}
