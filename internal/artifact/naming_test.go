package artifact

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var toolpathPattern = regexp.MustCompile(`^sliced_\d{8}_\d{6}_[0-9a-f]{8}\.gcode$`)

func TestToolpathName(t *testing.T) {
	ts := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

	got := ToolpathName(ts, "1a2b3c4d-5e6f-7a8b-9c0d-112233445566")
	assert.Equal(t, "sliced_20250314_092653_1a2b3c4d.gcode", got)

	assert.Equal(t, "sliced_20250314_092653_ab.gcode", ToolpathName(ts, "ab"), "short IDs are kept whole")
}

func TestNamer_Next(t *testing.T) {
	ts := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	n := &Namer{
		Clock: ClockFunc(func() time.Time { return ts }),
		NewID: func() string { return "0f0e0d0c-0b0a-0908-0706-050403020100" },
	}

	names := n.Next()

	assert.Equal(t, "0f0e0d0c-0b0a-0908-0706-050403020100", names.RequestID)
	assert.Equal(t, "sliced_20250314_092653_0f0e0d0c.gcode", names.Toolpath)
	assert.Equal(t, "mesh_0f0e0d0c0b0a09080706050403020100.stl", names.Mesh)
	assert.Equal(t, ts, names.CreatedAt)
}

func TestNewNamer_SameSecondDistinct(t *testing.T) {
	frozen := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	n := NewNamer()
	n.Clock = ClockFunc(func() time.Time { return frozen })

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		names := n.Next()
		assert.Regexp(t, toolpathPattern, names.Toolpath)
		assert.False(t, seen[names.Toolpath], "duplicate toolpath name %s", names.Toolpath)
		seen[names.Toolpath] = true
	}
}

func TestRealClock(t *testing.T) {
	before := time.Now()
	got := RealClock{}.Now()
	assert.False(t, got.Before(before))
}
