package introspect

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Netflix-Skunkworks/atlas-agent-go/internal/intern"
	"github.com/Netflix-Skunkworks/atlas-agent-go/internal/registry"
)

// collector adapts a registry.Registry snapshot into Prometheus metric
// families. The meter set is open-ended and names/tags change at
// runtime, so this is an "unchecked" collector per the client_golang
// convention: Describe sends nothing, and Collect is solely
// responsible for what gets exposed.
type collector struct {
	reg *registry.Registry
}

func newCollector(reg *registry.Registry) *collector {
	return &collector{reg: reg}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	for _, m := range c.reg.Measurements() {
		labelNames := make([]string, 0, m.ID.Tags.Size()+1)
		labelValues := make([]string, 0, m.ID.Tags.Size()+1)
		if m.ID.Tags != nil {
			m.ID.Tags.Each(func(k, v *intern.Handle) {
				labelNames = append(labelNames, sanitizeMetricName(k.String()))
				labelValues = append(labelValues, v.String())
			})
		}

		desc := prometheus.NewDesc(
			"atlas_agent_"+sanitizeMetricName(m.ID.Name.String()),
			"Measurement mirrored from the agent's own meter registry.",
			labelNames, nil,
		)
		metric, err := prometheus.NewConstMetric(desc, prometheus.UntypedValue, m.Value, labelValues...)
		if err != nil {
			continue
		}
		ch <- metric
	}
}

func sanitizeMetricName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
