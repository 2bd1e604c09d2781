package meter

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Netflix-Skunkworks/atlas-agent-go/internal/intern"
	"github.com/Netflix-Skunkworks/atlas-agent-go/internal/tags"
	"github.com/Netflix-Skunkworks/atlas-agent-go/pkg/clock"
)

// MaxIdle is the idle window after which a meter reports "expired" and
// is dropped at the next registry cleanup.
const MaxIdle = 15 * time.Minute

// Measurement is a single (identity, timestamp, value) sample. NaN
// denotes "no observation in this interval" and is filtered by the
// publisher.
type Measurement struct {
	ID        *tags.Identity
	Timestamp int64
	Value     float64
}

// Meter is the narrow, closed-set contract every measurement primitive
// implements, kept small rather than grown into a deep class hierarchy.
type Meter interface {
	ID() *tags.Identity
	Measure() []Measurement
	Expired() bool
	ClassName() string
}

// Updatable is implemented by meters that need a chance to refresh their
// state immediately before being measured, e.g. FunctionGauge and
// MonotonicCounter. The registry calls Update() before Measure() for any
// meter implementing this.
type Updatable interface {
	Update()
}

func withTag(id *tags.Identity, key, value string) *tags.Identity {
	clone := id.Tags.Clone()
	_ = clone.Put(intern.Default.Intern(key), intern.Default.Intern(value))
	return tags.NewIdentity(id.Name, clone)
}

type base struct {
	id        *tags.Identity
	clk       clock.Clock
	updatedAt atomic.Int64
}

func newBase(id *tags.Identity, clk clock.Clock) base {
	b := base{id: id, clk: clk}
	b.touch()
	return b
}

func (b *base) touch() { b.updatedAt.Store(b.clk.WallTimeMillis()) }

func (b *base) ID() *tags.Identity { return b.id }

func (b *base) Expired() bool {
	return b.clk.WallTimeMillis()-b.updatedAt.Load() > MaxIdle.Milliseconds()
}

// ---- Counter ----

// Counter is a monotonically-increasing rate meter: Add/Increment
// accumulate, Measure emits one count-rate sample per step.
type Counter struct {
	base
	step *StepFloat64
}

func NewCounter(id *tags.Identity, stepMillis int64, clk clock.Clock) *Counter {
	return &Counter{base: newBase(id, clk), step: NewStepFloat64(0, stepMillis, clk)}
}

func (c *Counter) ClassName() string { return "Counter" }

func (c *Counter) Increment()         { c.Add(1) }
func (c *Counter) Add(delta float64) {
	c.touch()
	c.step.Add(delta)
}

func (c *Counter) Measure() []Measurement {
	if c.Expired() {
		return nil
	}
	v := c.step.Poll()
	ts := c.step.LastBoundaryMillis()
	rate := v / (float64(c.step.StepMillis()) / 1000.0)
	return []Measurement{{ID: withTag(c.id, "statistic", "count"), Timestamp: ts, Value: rate}}
}

// ---- Gauge ----

// Gauge reports the last value Set since the previous read; absent a Set
// call this step, it reports NaN.
type Gauge struct {
	base
	step *StepFloat64
}

func NewGauge(id *tags.Identity, stepMillis int64, clk clock.Clock) *Gauge {
	return &Gauge{base: newBase(id, clk), step: NewStepFloat64(math.NaN(), stepMillis, clk)}
}

func (g *Gauge) ClassName() string { return "Gauge" }

func (g *Gauge) Set(value float64) {
	g.touch()
	g.step.Set(value)
}

func (g *Gauge) Measure() []Measurement {
	if g.Expired() {
		return nil
	}
	v := g.step.Poll()
	ts := g.step.LastBoundaryMillis()
	return []Measurement{{ID: withTag(g.id, "statistic", "gauge"), Timestamp: ts, Value: v}}
}

// ---- MaxGauge ----

// MaxGauge reports the max of all values Updated since the previous read.
// An interval with no updates reports NaN, not the lowest() sentinel
// used internally.
type MaxGauge struct {
	base
	step *StepFloat64
}

func NewMaxGauge(id *tags.Identity, stepMillis int64, clk clock.Clock) *MaxGauge {
	return &MaxGauge{base: newBase(id, clk), step: NewStepFloat64(maxInit, stepMillis, clk)}
}

func (g *MaxGauge) ClassName() string { return "MaxGauge" }

func (g *MaxGauge) Update(value float64) {
	g.touch()
	g.step.UpdateCurrentMax(value)
}

func (g *MaxGauge) Measure() []Measurement {
	if g.Expired() {
		return nil
	}
	v := g.step.Poll()
	ts := g.step.LastBoundaryMillis()
	if v == maxInit {
		v = math.NaN()
	}
	return []Measurement{{ID: withTag(g.id, "statistic", "max"), Timestamp: ts, Value: v}}
}

// ---- FunctionGauge ----

// FunctionGauge samples an arbitrary callback at every Measure, via the
// Updatable contract the registry honors.
type FunctionGauge struct {
	base
	f   func() float64
	cur atomic.Uint64
}

func NewFunctionGauge(id *tags.Identity, clk clock.Clock, f func() float64) *FunctionGauge {
	g := &FunctionGauge{base: newBase(id, clk), f: f}
	g.cur.Store(math.Float64bits(math.NaN()))
	return g
}

func (g *FunctionGauge) ClassName() string { return "FunctionGauge" }

func (g *FunctionGauge) Update() {
	g.touch()
	g.cur.Store(math.Float64bits(g.f()))
}

func (g *FunctionGauge) Measure() []Measurement {
	if g.Expired() {
		return nil
	}
	v := math.Float64frombits(g.cur.Load())
	return []Measurement{{ID: withTag(g.id, "statistic", "gauge"), Timestamp: g.clk.WallTimeMillis(), Value: v}}
}

// ---- MonotonicCounter ----

// MonotonicCounter wraps an ever-increasing external source (e.g. a
// process-lifetime cumulative counter) and emits the delta since the
// previous poll as a rate. A negative delta (source reset) is dropped: it
// adds nothing, so it never yields a negative rate.
type MonotonicCounter struct {
	base
	f        func() float64
	inner    *Counter
	lastSeen atomic.Uint64
	hasSeen  atomic.Bool
}

func NewMonotonicCounter(id *tags.Identity, stepMillis int64, clk clock.Clock, f func() float64) *MonotonicCounter {
	return &MonotonicCounter{
		base:  newBase(id, clk),
		f:     f,
		inner: NewCounter(id, stepMillis, clk),
	}
}

func (c *MonotonicCounter) ClassName() string { return "MonotonicCounter" }

func (c *MonotonicCounter) Update() {
	c.touch()
	current := c.f()
	if c.hasSeen.Load() {
		prev := math.Float64frombits(c.lastSeen.Load())
		delta := current - prev
		if delta >= 0 {
			c.inner.Add(delta)
		}
	} else {
		c.hasSeen.Store(true)
	}
	c.lastSeen.Store(math.Float64bits(current))
}

func (c *MonotonicCounter) Measure() []Measurement {
	if c.Expired() {
		return nil
	}
	return c.inner.Measure()
}

// ---- LongTaskTimer ----

// LongTaskTimer tracks the set of currently-active long-running tasks: a
// Start() returns a token used to Stop() it, and Measure emits the active
// count and the total duration of active tasks so far.
type LongTaskTimer struct {
	base
	clk     clock.Clock
	mu      sync.Mutex
	active  map[int64]int64 // token -> start millis
	nextTok atomic.Int64
}

func NewLongTaskTimer(id *tags.Identity, clk clock.Clock) *LongTaskTimer {
	return &LongTaskTimer{base: newBase(id, clk), clk: clk, active: make(map[int64]int64)}
}

func (t *LongTaskTimer) ClassName() string { return "LongTaskTimer" }

// Start begins tracking a task and returns a token to pass to Stop.
func (t *LongTaskTimer) Start() int64 {
	t.touch()
	tok := t.nextTok.Add(1)
	t.mu.Lock()
	t.active[tok] = t.clk.WallTimeMillis()
	t.mu.Unlock()
	return tok
}

// Stop returns the duration in seconds the task identified by token ran.
func (t *LongTaskTimer) Stop(token int64) float64 {
	t.touch()
	t.mu.Lock()
	start, ok := t.active[token]
	delete(t.active, token)
	t.mu.Unlock()
	if !ok {
		return 0
	}
	return float64(t.clk.WallTimeMillis()-start) / 1000.0
}

func (t *LongTaskTimer) Measure() []Measurement {
	if t.Expired() {
		return nil
	}
	now := t.clk.WallTimeMillis()
	t.mu.Lock()
	n := len(t.active)
	var totalSec float64
	for _, start := range t.active {
		totalSec += float64(now-start) / 1000.0
	}
	t.mu.Unlock()

	return []Measurement{
		{ID: withTag(t.id, "statistic", "activeTasks"), Timestamp: now, Value: float64(n)},
		{ID: withTag(t.id, "statistic", "duration"), Timestamp: now, Value: totalSec},
	}
}
