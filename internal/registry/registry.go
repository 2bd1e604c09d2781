// Package registry implements the meter registry: a de-duplicating
// store of meters by identity, enumeration, expiration by idle time, and
// the typed constructors every meter kind in package meter needs.
package registry

import (
	"sync"

	"github.com/Netflix-Skunkworks/atlas-agent-go/internal/meter"
	"github.com/Netflix-Skunkworks/atlas-agent-go/internal/tags"
	"github.com/Netflix-Skunkworks/atlas-agent-go/pkg/clock"
	"github.com/Netflix-Skunkworks/atlas-agent-go/pkg/log"
)

type entry struct {
	id *tags.Identity
	m  meter.Meter
}

// Registry is process-wide mutable state: a single mutex guards the
// identity -> meter map; all reads/writes are short critical sections.
type Registry struct {
	mu         sync.Mutex
	byHash     map[uint64][]entry
	clk        clock.Clock
	stepMillis int64
}

// New builds a registry sampling on the given step (the main publish
// step defaults to 60000ms).
func New(stepMillis int64, clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.Default
	}
	return &Registry{byHash: make(map[uint64][]entry), clk: clk, stepMillis: stepMillis}
}

func (r *Registry) Clock() clock.Clock { return r.clk }
func (r *Registry) StepMillis() int64  { return r.stepMillis }

// GetOrInsert de-duplicates by identity. If an existing meter's concrete
// kind differs from what factory constructs, the newly constructed meter is
// returned unregistered rather than replacing the stored one or crashing.
func (r *Registry) GetOrInsert(id *tags.Identity, factory func() meter.Meter) meter.Meter {
	h := id.Hash()

	r.mu.Lock()
	for _, e := range r.byHash[h] {
		if e.id.Equal(id) {
			r.mu.Unlock()
			return e.m
		}
	}
	r.mu.Unlock()

	m := factory()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.byHash[h] {
		if e.id.Equal(id) {
			if e.m.ClassName() != m.ClassName() {
				log.Warnf("registry: identity %s already registered as %s, requested %s",
					id.Key(), e.m.ClassName(), m.ClassName())
				return m
			}
			return e.m
		}
	}
	r.byHash[h] = append(r.byHash[h], entry{id: id, m: m})
	return m
}

func typedOrNew[T meter.Meter](r *Registry, id *tags.Identity, build func() meter.Meter) T {
	m := r.GetOrInsert(id, build)
	if t, ok := m.(T); ok {
		return t
	}
	// Concrete kind mismatch: build an unregistered instance of the
	// requested kind so the caller never has to type-assert-or-panic.
	var zero T
	fresh := build()
	if t, ok := fresh.(T); ok {
		return t
	}
	return zero
}

// CounterFor, DistributionSummaryFor, TimerFor satisfy meter.Registrar, the
// back-reference bucketed meters hold.
func (r *Registry) CounterFor(id *tags.Identity) *meter.Counter {
	return typedOrNew[*meter.Counter](r, id, func() meter.Meter {
		return meter.NewCounter(id, r.stepMillis, r.clk)
	})
}

func (r *Registry) DistributionSummaryFor(id *tags.Identity) *meter.DistributionSummary {
	return typedOrNew[*meter.DistributionSummary](r, id, func() meter.Meter {
		return meter.NewDistributionSummary(id, r.stepMillis, r.clk)
	})
}

func (r *Registry) TimerFor(id *tags.Identity) *meter.Timer {
	return typedOrNew[*meter.Timer](r, id, func() meter.Meter {
		return meter.NewTimer(id, r.stepMillis, r.clk)
	})
}

// Counter returns the (possibly newly-created) Counter for id.
func (r *Registry) Counter(id *tags.Identity) *meter.Counter { return r.CounterFor(id) }

// Timer returns the (possibly newly-created) Timer for id.
func (r *Registry) Timer(id *tags.Identity) *meter.Timer { return r.TimerFor(id) }

// DistributionSummary returns the (possibly newly-created)
// DistributionSummary for id.
func (r *Registry) DistributionSummary(id *tags.Identity) *meter.DistributionSummary {
	return r.DistributionSummaryFor(id)
}

// Gauge returns the (possibly newly-created) Gauge for id.
func (r *Registry) Gauge(id *tags.Identity) *meter.Gauge {
	return typedOrNew[*meter.Gauge](r, id, func() meter.Meter {
		return meter.NewGauge(id, r.stepMillis, r.clk)
	})
}

// MaxGauge returns the (possibly newly-created) MaxGauge for id.
func (r *Registry) MaxGauge(id *tags.Identity) *meter.MaxGauge {
	return typedOrNew[*meter.MaxGauge](r, id, func() meter.Meter {
		return meter.NewMaxGauge(id, r.stepMillis, r.clk)
	})
}

// FunctionGauge registers (or reuses) a FunctionGauge sampling f.
func (r *Registry) FunctionGauge(id *tags.Identity, f func() float64) *meter.FunctionGauge {
	return typedOrNew[*meter.FunctionGauge](r, id, func() meter.Meter {
		return meter.NewFunctionGauge(id, r.clk, f)
	})
}

// MonotonicCounter registers (or reuses) a MonotonicCounter over f.
func (r *Registry) MonotonicCounter(id *tags.Identity, f func() float64) *meter.MonotonicCounter {
	return typedOrNew[*meter.MonotonicCounter](r, id, func() meter.Meter {
		return meter.NewMonotonicCounter(id, r.stepMillis, r.clk, f)
	})
}

// LongTaskTimer returns the (possibly newly-created) LongTaskTimer for id.
func (r *Registry) LongTaskTimer(id *tags.Identity) *meter.LongTaskTimer {
	return typedOrNew[*meter.LongTaskTimer](r, id, func() meter.Meter {
		return meter.NewLongTaskTimer(id, r.clk)
	})
}

// IntervalCounter returns the (possibly newly-created) IntervalCounter for id.
func (r *Registry) IntervalCounter(id *tags.Identity) *meter.IntervalCounter {
	return typedOrNew[*meter.IntervalCounter](r, id, func() meter.Meter {
		return meter.NewIntervalCounter(id, r.stepMillis, r.clk)
	})
}

// BucketCounter returns the (possibly newly-created) BucketCounter for id.
func (r *Registry) BucketCounter(id *tags.Identity, fn meter.BucketFunction) *meter.BucketCounter {
	return typedOrNew[*meter.BucketCounter](r, id, func() meter.Meter {
		return meter.NewBucketCounter(id, r.clk, r, fn)
	})
}

// BucketTimer returns the (possibly newly-created) BucketTimer for id.
func (r *Registry) BucketTimer(id *tags.Identity, fn meter.BucketFunction) *meter.BucketTimer {
	return typedOrNew[*meter.BucketTimer](r, id, func() meter.Meter {
		return meter.NewBucketTimer(id, r.clk, r, fn)
	})
}

// BucketDistributionSummary returns the (possibly newly-created)
// BucketDistributionSummary for id.
func (r *Registry) BucketDistributionSummary(id *tags.Identity, fn meter.BucketFunction) *meter.BucketDistributionSummary {
	return typedOrNew[*meter.BucketDistributionSummary](r, id, func() meter.Meter {
		return meter.NewBucketDistributionSummary(id, r.clk, r, fn)
	})
}

// PercentileTimer returns the (possibly newly-created) PercentileTimer for id.
func (r *Registry) PercentileTimer(id *tags.Identity) *meter.PercentileTimer {
	return typedOrNew[*meter.PercentileTimer](r, id, func() meter.Meter {
		return meter.NewPercentileTimer(id, r.stepMillis, r.clk)
	})
}

// PercentileDistributionSummary returns the (possibly newly-created)
// PercentileDistributionSummary for id.
func (r *Registry) PercentileDistributionSummary(id *tags.Identity) *meter.PercentileDistributionSummary {
	return typedOrNew[*meter.PercentileDistributionSummary](r, id, func() meter.Meter {
		return meter.NewPercentileDistributionSummary(id, r.stepMillis, r.clk)
	})
}

// Meters returns a point-in-time copy of the registered meter collection.
func (r *Registry) Meters() []meter.Meter {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]meter.Meter, 0, len(r.byHash))
	for _, bucket := range r.byHash {
		for _, e := range bucket {
			out = append(out, e.m)
		}
	}
	return out
}

// Measurements builds a snapshot, updates any Updatable meter, measures
// every non-expired meter, concatenates the results, and evicts meters
// found to be expired in the same pass: once evicted, a meter no longer
// appears in Meters().
func (r *Registry) Measurements() []meter.Measurement {
	r.mu.Lock()
	snapshot := make(map[uint64][]entry, len(r.byHash))
	for h, bucket := range r.byHash {
		cp := make([]entry, len(bucket))
		copy(cp, bucket)
		snapshot[h] = cp
	}
	r.mu.Unlock()

	var out []meter.Measurement
	expired := make(map[uint64][]*tags.Identity)
	for h, bucket := range snapshot {
		for _, e := range bucket {
			if e.m.Expired() {
				expired[h] = append(expired[h], e.id)
				continue
			}
			if u, ok := e.m.(meter.Updatable); ok {
				u.Update()
			}
			out = append(out, e.m.Measure()...)
		}
	}

	if len(expired) > 0 {
		r.mu.Lock()
		for h, ids := range expired {
			bucket := r.byHash[h]
			kept := bucket[:0]
			for _, e := range bucket {
				drop := false
				for _, id := range ids {
					if e.id == id {
						drop = true
						break
					}
				}
				if !drop {
					kept = append(kept, e)
				}
			}
			if len(kept) == 0 {
				delete(r.byHash, h)
			} else {
				r.byHash[h] = kept
			}
		}
		r.mu.Unlock()
	}

	return out
}

// Len reports the number of registered meters, for diagnostics.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.byHash {
		n += len(b)
	}
	return n
}
