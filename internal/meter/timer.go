package meter

import (
	"math"
	"time"

	"github.com/Netflix-Skunkworks/atlas-agent-go/internal/tags"
	"github.com/Netflix-Skunkworks/atlas-agent-go/pkg/clock"
)

// fourStats is the shared state behind Timer and DistributionSummary: both
// publish count/total/totalOfSquares/max.
type fourStats struct {
	count          *StepFloat64
	total          *StepFloat64
	totalOfSquares *StepFloat64
	max            *StepFloat64
}

func newFourStats(stepMillis int64, clk clock.Clock) fourStats {
	return fourStats{
		count:          NewStepFloat64(0, stepMillis, clk),
		total:          NewStepFloat64(0, stepMillis, clk),
		totalOfSquares: NewStepFloat64(0, stepMillis, clk),
		max:            NewStepFloat64(maxInit, stepMillis, clk),
	}
}

func (s *fourStats) record(amount float64) {
	s.count.Add(1)
	s.total.Add(amount)
	s.totalOfSquares.Add(amount * amount)
	s.max.UpdateCurrentMax(amount)
}

// measure produces the four spec-mandated samples. total and max are
// divided by unitFactor and totalOfSquares by unitFactor^2; unitFactor is
// 1 for DistributionSummary and converts nanoseconds to seconds for Timer.
func (s *fourStats) measure(id *tags.Identity, totalTagName string, unitFactor float64) []Measurement {
	stepSeconds := float64(s.count.StepMillis()) / 1000.0
	ts := s.count.LastBoundaryMillis()

	countV := s.count.Poll() / stepSeconds
	totalV := (s.total.Poll() / unitFactor) / stepSeconds
	sqV := (s.totalOfSquares.Poll() / (unitFactor * unitFactor)) / stepSeconds

	rawMax := s.max.Poll()
	maxV := rawMax / unitFactor
	if math.IsInf(rawMax, -1) {
		maxV = math.NaN()
	}

	maxID := withTag(id, "statistic", "max")
	maxID = withTag(maxID, "atlas.dstype", "gauge")

	return []Measurement{
		{ID: withTag(id, "statistic", "count"), Timestamp: ts, Value: countV},
		{ID: withTag(id, "statistic", totalTagName), Timestamp: ts, Value: totalV},
		{ID: withTag(id, "statistic", "totalOfSquares"), Timestamp: ts, Value: sqV},
		{ID: maxID, Timestamp: ts, Value: maxV},
	}
}

// ---- Timer ----

// Timer records durations; Measure emits rate, total time (seconds), total
// of squares (seconds^2) and max (seconds).
type Timer struct {
	base
	stats fourStats
}

func NewTimer(id *tags.Identity, stepMillis int64, clk clock.Clock) *Timer {
	return &Timer{base: newBase(id, clk), stats: newFourStats(stepMillis, clk)}
}

func (t *Timer) ClassName() string { return "Timer" }

// Record adds one observation of duration d.
func (t *Timer) Record(d time.Duration) {
	t.touch()
	t.stats.record(float64(d.Nanoseconds()))
}

func (t *Timer) Measure() []Measurement {
	if t.Expired() {
		return nil
	}
	return t.stats.measure(t.id, "totalTime", 1e9)
}

// ---- DistributionSummary ----

// DistributionSummary records arbitrary-unit amounts (sizes, counts, ...);
// Measure emits rate, total amount, total of squares and max, no unit
// conversion.
type DistributionSummary struct {
	base
	stats fourStats
}

func NewDistributionSummary(id *tags.Identity, stepMillis int64, clk clock.Clock) *DistributionSummary {
	return &DistributionSummary{base: newBase(id, clk), stats: newFourStats(stepMillis, clk)}
}

func (d *DistributionSummary) ClassName() string { return "DistributionSummary" }

func (d *DistributionSummary) Record(amount float64) {
	d.touch()
	d.stats.record(amount)
}

func (d *DistributionSummary) Measure() []Measurement {
	if d.Expired() {
		return nil
	}
	return d.stats.measure(d.id, "totalAmount", 1)
}
