// Package meter implements the step aggregator and the full meter
// hierarchy: Counter, Timer, DistributionSummary, Gauge, MaxGauge,
// LongTaskTimer, FunctionGauge, MonotonicCounter, IntervalCounter, the
// Bucket-{Counter,Timer,Summary} variants and the Percentile-{Timer,Summary}
// estimators.
package meter

import (
	"math"
	"sync/atomic"

	"github.com/Netflix-Skunkworks/atlas-agent-go/pkg/clock"
)

// maxInit is the "lowest()" sentinel assigned to max trackers: an
// interval with no activity must report absent (NaN), not this sentinel.
var maxInit = math.Inf(-1)

// StepInt64 is the int64 instantiation of the step aggregator.
type StepInt64 struct {
	init        int64
	stepMillis  int64
	clk         clock.Clock
	previous    atomic.Int64
	current     atomic.Int64
	lastInitPos atomic.Int64
}

func NewStepInt64(init, stepMillis int64, clk clock.Clock) *StepInt64 {
	s := &StepInt64{init: init, stepMillis: stepMillis, clk: clk}
	s.previous.Store(init)
	s.current.Store(init)
	s.lastInitPos.Store(clk.WallTimeMillis() / stepMillis)
	return s
}

func (s *StepInt64) roll() {
	now := s.clk.WallTimeMillis()
	stepTime := now / s.stepMillis
	last := s.lastInitPos.Load()
	if last < stepTime && s.lastInitPos.CompareAndSwap(last, stepTime) {
		v := s.current.Swap(s.init)
		if last == stepTime-1 {
			s.previous.Store(v)
		} else {
			// A gap of more than one step: the skipped interval had no
			// activity, which is semantically absent, not zero.
			s.previous.Store(s.init)
		}
	}
}

// Add adds amount to the in-progress interval.
func (s *StepInt64) Add(amount int64) {
	s.roll()
	s.current.Add(amount)
}

// UpdateCurrentMax CAS-loops current to max(current, value).
func (s *StepInt64) UpdateCurrentMax(value int64) {
	s.roll()
	for {
		m := s.current.Load()
		if value <= m {
			return
		}
		if s.current.CompareAndSwap(m, value) {
			return
		}
	}
}

// Poll rolls the boundary forward if needed and returns the value for the
// most recently completed interval.
func (s *StepInt64) Poll() int64 {
	s.roll()
	return s.previous.Load()
}

// Current returns the in-progress interval's accumulator.
func (s *StepInt64) Current() int64 {
	s.roll()
	return s.current.Load()
}

func (s *StepInt64) StepMillis() int64 { return s.stepMillis }

// LastBoundaryMillis returns the wall-time-millis boundary at which the most
// recently completed step ended, used as the measurement timestamp in §4.1.
func (s *StepInt64) LastBoundaryMillis() int64 {
	s.roll()
	return s.lastInitPos.Load() * s.stepMillis
}

// StepFloat64 is the float64 instantiation. Accumulation uses a
// compare-and-swap loop on the IEEE-754 bit pattern.
type StepFloat64 struct {
	init        float64
	stepMillis  int64
	clk         clock.Clock
	previous    atomic.Uint64
	current     atomic.Uint64
	lastInitPos atomic.Int64
}

func NewStepFloat64(init float64, stepMillis int64, clk clock.Clock) *StepFloat64 {
	s := &StepFloat64{init: init, stepMillis: stepMillis, clk: clk}
	bits := math.Float64bits(init)
	s.previous.Store(bits)
	s.current.Store(bits)
	s.lastInitPos.Store(clk.WallTimeMillis() / stepMillis)
	return s
}

func (s *StepFloat64) roll() {
	now := s.clk.WallTimeMillis()
	stepTime := now / s.stepMillis
	last := s.lastInitPos.Load()
	if last < stepTime && s.lastInitPos.CompareAndSwap(last, stepTime) {
		v := s.current.Swap(math.Float64bits(s.init))
		if last == stepTime-1 {
			s.previous.Store(v)
		} else {
			s.previous.Store(math.Float64bits(s.init))
		}
	}
}

// Add atomically adds amount to the current bucket via a CAS retry loop.
func (s *StepFloat64) Add(amount float64) {
	s.roll()
	for {
		bits := s.current.Load()
		cur := math.Float64frombits(bits)
		next := math.Float64bits(cur + amount)
		if s.current.CompareAndSwap(bits, next) {
			return
		}
	}
}

// Set overwrites the current bucket with value, used by plain Gauges which
// report the last value set rather than an accumulated sum.
func (s *StepFloat64) Set(value float64) {
	s.roll()
	s.current.Store(math.Float64bits(value))
}

// UpdateCurrentMax CAS-loops current to max(current, value).
func (s *StepFloat64) UpdateCurrentMax(value float64) {
	s.roll()
	for {
		bits := s.current.Load()
		cur := math.Float64frombits(bits)
		if value <= cur {
			return
		}
		if s.current.CompareAndSwap(bits, math.Float64bits(value)) {
			return
		}
	}
}

func (s *StepFloat64) Poll() float64 {
	s.roll()
	return math.Float64frombits(s.previous.Load())
}

func (s *StepFloat64) Current() float64 {
	s.roll()
	return math.Float64frombits(s.current.Load())
}

func (s *StepFloat64) StepMillis() int64 { return s.stepMillis }

func (s *StepFloat64) LastBoundaryMillis() int64 {
	s.roll()
	return s.lastInitPos.Load() * s.stepMillis
}
