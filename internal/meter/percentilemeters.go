package meter

import (
	"fmt"
	"time"

	"github.com/Netflix-Skunkworks/atlas-agent-go/internal/tags"
	"github.com/Netflix-Skunkworks/atlas-agent-go/pkg/clock"
)

// PercentileTimer backs a conventional Timer with the 276 percentile
// buckets from percentile.go, so Percentile(p) can estimate a quantile from
// counts alone without any sample retention.
type PercentileTimer struct {
	base
	timer  *Timer
	counts [PercentileBucketLength]*StepInt64
}

func NewPercentileTimer(id *tags.Identity, stepMillis int64, clk clock.Clock) *PercentileTimer {
	t := &PercentileTimer{base: newBase(id, clk), timer: NewTimer(id, stepMillis, clk)}
	for i := range t.counts {
		t.counts[i] = NewStepInt64(0, stepMillis, clk)
	}
	return t
}

func (t *PercentileTimer) ClassName() string { return "PercentileTimer" }

func (t *PercentileTimer) Record(d time.Duration) {
	t.touch()
	t.timer.Record(d)
	idx := PercentileBucketIndexOf(d.Nanoseconds())
	t.counts[idx].Add(1)
}

// Percentile estimates the p-th percentile (0-100) latency in seconds from
// the current (in-progress) bucket counts.
func (t *PercentileTimer) Percentile(p float64) float64 {
	counts := make([]int64, PercentileBucketLength)
	for i, c := range t.counts {
		counts[i] = c.Current()
	}
	return Percentile(counts, p) / 1e9
}

func (t *PercentileTimer) Measure() []Measurement {
	if t.Expired() {
		return nil
	}
	out := t.timer.Measure()
	for i, c := range t.counts {
		v := c.Poll()
		if v == 0 {
			continue
		}
		label := fmt.Sprintf("T%04X", i)
		id := withTag(t.id, "percentile", label)
		rate := float64(v) / (float64(c.StepMillis()) / 1000.0)
		out = append(out, Measurement{ID: id, Timestamp: c.LastBoundaryMillis(), Value: rate})
	}
	return out
}

// PercentileDistributionSummary is the DistributionSummary analogue of
// PercentileTimer.
type PercentileDistributionSummary struct {
	base
	ds     *DistributionSummary
	counts [PercentileBucketLength]*StepInt64
}

func NewPercentileDistributionSummary(id *tags.Identity, stepMillis int64, clk clock.Clock) *PercentileDistributionSummary {
	d := &PercentileDistributionSummary{base: newBase(id, clk), ds: NewDistributionSummary(id, stepMillis, clk)}
	for i := range d.counts {
		d.counts[i] = NewStepInt64(0, stepMillis, clk)
	}
	return d
}

func (d *PercentileDistributionSummary) ClassName() string { return "PercentileDistributionSummary" }

func (d *PercentileDistributionSummary) Record(amount int64) {
	d.touch()
	d.ds.Record(float64(amount))
	idx := PercentileBucketIndexOf(amount)
	d.counts[idx].Add(1)
}

func (d *PercentileDistributionSummary) Percentile(p float64) float64 {
	counts := make([]int64, PercentileBucketLength)
	for i, c := range d.counts {
		counts[i] = c.Current()
	}
	return Percentile(counts, p)
}

func (d *PercentileDistributionSummary) Measure() []Measurement {
	if d.Expired() {
		return nil
	}
	out := d.ds.Measure()
	for i, c := range d.counts {
		v := c.Poll()
		if v == 0 {
			continue
		}
		label := fmt.Sprintf("D%04X", i)
		id := withTag(d.id, "percentile", label)
		rate := float64(v) / (float64(c.StepMillis()) / 1000.0)
		out = append(out, Measurement{ID: id, Timestamp: c.LastBoundaryMillis(), Value: rate})
	}
	return out
}
