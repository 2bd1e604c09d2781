package clock

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestManualAdvanceAccumulates(t *testing.T) {
	m := NewManual(1000)
	m.Advance(500)
	assert.Equal(t, int64(1500), m.WallTimeMillis())
}

func TestManualSetIsAbsolute(t *testing.T) {
	m := NewManual(1000)
	m.Set(42)
	assert.Equal(t, int64(42), m.WallTimeMillis())
}

func TestManualMonotonicNanosTracksMillis(t *testing.T) {
	m := NewManual(2)
	assert.Equal(t, int64(2_000_000), m.MonotonicNanos())
}

func TestSystemClockReturnsPositiveWallTime(t *testing.T) {
	var s System
	first := s.WallTimeMillis()
	assert.True(t, first > 0)
}
