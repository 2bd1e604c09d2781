// Package consolidate folds measurements collected at a fast cadence (the
// main step interval) into a slower reporting cadence, e.g. turning
// 60-second samples into 5-minute ones for a subscription with a coarser
// frequency. Its add/max-and-mark semantics are documented below.
package consolidate

import (
	"math"
	"sync"

	"github.com/Netflix-Skunkworks/atlas-agent-go/internal/tags"
	"github.com/Netflix-Skunkworks/atlas-agent-go/pkg/log"
)

// addStatistics is the set of "statistic" tag values that should be
// consolidated by summation; every other statistic (gauge, max, ...) is
// consolidated by taking the max, mirroring op_for_statistic.
var addStatistics = map[string]bool{
	"count":          true,
	"totalAmount":    true,
	"totalTime":      true,
	"totalOfSquares": true,
	"percentile":     true,
}

func operatorFor(id *tags.Identity) bool { // true => max, false => add
	stat, _ := id.Tags.GetString("statistic")
	return !addStatistics[stat]
}

// value tracks one identity's accumulated value across the current
// reporting window, plus the two-strike expiration state.
type value struct {
	useMax  bool
	has     bool
	current float64
	marked  bool
}

func (v *value) update(x float64) {
	if !v.has {
		v.current = x
		v.has = true
		return
	}
	if v.useMax {
		if x > v.current {
			v.current = x
		}
	} else {
		v.current += x
	}
}

// Measurement is a timestamped value keyed by identity, matching
// meter.Measurement's shape without importing the meter package (consolidation
// operates purely on published samples).
type Measurement struct {
	ID        *tags.Identity
	Timestamp int64
	Value     float64
}

// Registry accumulates measurements between reporting ticks and emits the
// consolidated view on demand. A single mutex guards the map, matching
// the original's single-lock design.
type Registry struct {
	mu     sync.Mutex
	values map[uint64]*entryValue
}

type entryValue struct {
	id *tags.Identity
	v  *value
}

func New() *Registry {
	return &Registry{values: make(map[uint64]*entryValue)}
}

// UpdateFrom folds a batch of fresh measurements into the accumulator.
// NaN values (no observation this step) are skipped.
func (r *Registry) UpdateFrom(measurements []Measurement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range measurements {
		if math.IsNaN(m.Value) {
			continue
		}
		h := m.ID.Hash()
		e, ok := r.values[h]
		if !ok {
			e = &entryValue{id: m.ID, v: &value{useMax: operatorFor(m.ID)}}
			r.values[h] = e
		}
		e.v.update(m.Value)
	}
}

// Measurements snapshots the consolidated values as of timestamp,
// resetting each entry's accumulator for the next window. An entry with
// no activity during a window is marked; an entry already marked (i.e.
// two consecutive silent windows) is evicted.
func (r *Registry) Measurements(timestamp int64) []Measurement {
	r.mu.Lock()
	defer r.mu.Unlock()

	var toRemove []uint64
	result := make([]Measurement, 0, len(r.values))
	for h, e := range r.values {
		if e.v.has {
			e.v.marked = false
			result = append(result, Measurement{ID: e.id, Timestamp: timestamp, Value: e.v.current})
			e.v.has = false
			e.v.current = 0
		} else if e.v.marked {
			toRemove = append(toRemove, h)
		} else {
			e.v.marked = true
		}
	}
	log.Debugf("consolidate: returning %d measurements, expiring %d entries", len(result), len(toRemove))
	for _, h := range toRemove {
		delete(r.values, h)
	}
	return result
}

// Len reports the number of tracked identities, for diagnostics.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.values)
}
