// Package clock provides the monotonic/wall-time abstraction meters and the
// subscription manager read instead of calling time.Now directly, so tests
// can drive step boundaries deterministically.
package clock

import "time"

// Clock is the read-only collaborator every meter and background task holds
// instead of touching the wall clock directly.
type Clock interface {
	// WallTimeMillis returns milliseconds since the Unix epoch.
	WallTimeMillis() int64
	// MonotonicNanos returns a monotonic nanosecond count, not comparable
	// across processes, only used for elapsed-time measurement.
	MonotonicNanos() int64
}

// System is the production Clock backed by the real wall/monotonic clocks.
type System struct{}

func (System) WallTimeMillis() int64 { return time.Now().UnixMilli() }
func (System) MonotonicNanos() int64 { return time.Now().UnixNano() }

// Default is the process-wide system clock singleton.
var Default Clock = System{}

// Manual is a settable clock used by tests to drive step boundaries without
// sleeping. Zero value starts at wall-time 0.
type Manual struct {
	millis int64
}

func NewManual(startMillis int64) *Manual {
	return &Manual{millis: startMillis}
}

func (m *Manual) WallTimeMillis() int64 { return m.millis }
func (m *Manual) MonotonicNanos() int64 { return m.millis * 1_000_000 }

// Set moves the clock to an absolute point in time. Time never moves
// backward implicitly in step aggregators, but a Manual clock itself
// permits callers to test the "clock regression" edge case explicitly.
func (m *Manual) Set(millis int64) { m.millis = millis }

// Advance moves the clock forward by delta milliseconds.
func (m *Manual) Advance(deltaMillis int64) { m.millis += deltaMillis }
