package meter

import (
	"time"

	"github.com/Netflix-Skunkworks/atlas-agent-go/internal/tags"
	"github.com/Netflix-Skunkworks/atlas-agent-go/pkg/clock"
)

// Registrar is the narrow, non-owning back-reference bucketed meters hold
// to the meter registry they were constructed against. It is satisfied by
// *registry.Registry without this package importing that one.
type Registrar interface {
	CounterFor(id *tags.Identity) *Counter
	DistributionSummaryFor(id *tags.Identity) *DistributionSummary
	TimerFor(id *tags.Identity) *Timer
}

// ---- BucketCounter / BucketTimer / BucketDistributionSummary ----

// BucketCounter routes each recorded amount to a dynamically-identified
// sub-Counter tagged with the bucket label amount falls into. It carries no
// state of its own; Measure is a no-op because the registry enumerates the
// sub-counters directly.
type BucketCounter struct {
	base
	reg Registrar
	fn  BucketFunction
}

func NewBucketCounter(id *tags.Identity, clk clock.Clock, reg Registrar, fn BucketFunction) *BucketCounter {
	return &BucketCounter{base: newBase(id, clk), reg: reg, fn: fn}
}

func (b *BucketCounter) ClassName() string { return "BucketCounter" }

func (b *BucketCounter) Record(amount int64) {
	b.touch()
	sub := withTag(b.id, "bucket", b.fn(amount))
	b.reg.CounterFor(sub).Increment()
}

func (b *BucketCounter) Measure() []Measurement { return nil }

// BucketTimer is the Timer analogue of BucketCounter.
type BucketTimer struct {
	base
	reg Registrar
	fn  BucketFunction
}

func NewBucketTimer(id *tags.Identity, clk clock.Clock, reg Registrar, fn BucketFunction) *BucketTimer {
	return &BucketTimer{base: newBase(id, clk), reg: reg, fn: fn}
}

func (b *BucketTimer) ClassName() string { return "BucketTimer" }

func (b *BucketTimer) Record(d time.Duration) {
	b.touch()
	sub := withTag(b.id, "bucket", b.fn(d.Nanoseconds()))
	b.reg.TimerFor(sub).Record(d)
}

func (b *BucketTimer) Measure() []Measurement { return nil }

// BucketDistributionSummary is the DistributionSummary analogue.
type BucketDistributionSummary struct {
	base
	reg Registrar
	fn  BucketFunction
}

func NewBucketDistributionSummary(id *tags.Identity, clk clock.Clock, reg Registrar, fn BucketFunction) *BucketDistributionSummary {
	return &BucketDistributionSummary{base: newBase(id, clk), reg: reg, fn: fn}
}

func (b *BucketDistributionSummary) ClassName() string { return "BucketDistributionSummary" }

func (b *BucketDistributionSummary) Record(amount int64) {
	b.touch()
	sub := withTag(b.id, "bucket", b.fn(amount))
	b.reg.DistributionSummaryFor(sub).Record(float64(amount))
}

func (b *BucketDistributionSummary) Measure() []Measurement { return nil }

// ---- IntervalCounter ----

// IntervalCounter wraps a Counter plus a "seconds since last update"
// function gauge. The gauge reads an explicit clock instead of a shared
// mutable epoch-millis cell.
type IntervalCounter struct {
	base
	counter      *Counter
	secondsGauge *FunctionGauge
	lastMillis   int64
}

func NewIntervalCounter(id *tags.Identity, stepMillis int64, clk clock.Clock) *IntervalCounter {
	ic := &IntervalCounter{
		base:       newBase(id, clk),
		counter:    NewCounter(id, stepMillis, clk),
		lastMillis: clk.WallTimeMillis(),
	}
	gaugeID := withTag(id, "statistic", "secondsSinceLastUpdate")
	ic.secondsGauge = NewFunctionGauge(gaugeID, clk, func() float64 {
		return float64(clk.WallTimeMillis()-ic.lastMillis) / 1000.0
	})
	return ic
}

func (c *IntervalCounter) ClassName() string { return "IntervalCounter" }

func (c *IntervalCounter) Increment() {
	c.touch()
	c.counter.Increment()
	c.lastMillis = c.clk.WallTimeMillis()
}

func (c *IntervalCounter) Measure() []Measurement {
	if c.Expired() {
		return nil
	}
	c.secondsGauge.Update()
	return append(c.counter.Measure(), c.secondsGauge.Measure()...)
}
