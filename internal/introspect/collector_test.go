package introspect

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Netflix-Skunkworks/atlas-agent-go/internal/intern"
	"github.com/Netflix-Skunkworks/atlas-agent-go/internal/registry"
	"github.com/Netflix-Skunkworks/atlas-agent-go/internal/tags"
	"github.com/Netflix-Skunkworks/atlas-agent-go/pkg/clock"
)

func TestSanitizeMetricNameReplacesInvalidChars(t *testing.T) {
	assert.Equal(t, "sys_cpu_user", sanitizeMetricName("sys.cpu-user"))
	assert.Equal(t, "already_valid_1", sanitizeMetricName("already_valid_1"))
}

func TestCollectEmitsOneMetricPerMeasurement(t *testing.T) {
	clk := clock.NewManual(0)
	reg := registry.New(1000, clk)

	pool := intern.NewPool()
	tm, _ := tags.New(pool, "nf.node", "i-1")
	id := tags.NewIdentity(pool.Intern("sys.cpu"), tm)
	reg.CounterFor(id).Add(5)
	clk.Advance(1000)

	c := newCollector(reg)
	ch := make(chan prometheus.Metric, 16)
	c.Collect(ch)
	close(ch)

	var metrics []prometheus.Metric
	for m := range ch {
		metrics = append(metrics, m)
	}
	require.Len(t, metrics, 1)

	var out dto.Metric
	require.NoError(t, metrics[0].Write(&out))
	assert.InDelta(t, 5.0, out.GetUntyped().GetValue(), 1e-9)

	desc := metrics[0].Desc().String()
	assert.Contains(t, desc, "atlas_agent_sys_cpu")
}

func TestDescribeSendsNothing(t *testing.T) {
	c := newCollector(registry.New(1000, clock.NewManual(0)))
	ch := make(chan *prometheus.Desc, 1)
	c.Describe(ch)
	close(ch)
	_, ok := <-ch
	assert.False(t, ok)
}
