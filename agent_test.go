package atlasagent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearSaneEnvVars(t *testing.T) {
	t.Helper()
	for _, v := range envVars {
		t.Setenv(v, "")
	}
}

func TestNewBuildsAgentWithoutStarting(t *testing.T) {
	a, err := New(Options{})
	require.NoError(t, err)
	t.Cleanup(a.cfg.Stop)
	assert.NotNil(t, a.Registry())
}

func TestStopBeforeStartIsNoOp(t *testing.T) {
	a, err := New(Options{})
	require.NoError(t, err)
	t.Cleanup(a.cfg.Stop)
	assert.NotPanics(t, func() { a.Stop() })
}

func TestStartIsNoOpOutsideSaneEnvironmentWithoutForceStart(t *testing.T) {
	clearSaneEnvVars(t)
	a, err := New(Options{})
	require.NoError(t, err)
	t.Cleanup(a.cfg.Stop)

	a.Start()
	assert.False(t, a.started)
}

func TestAddCommonTagDoesNotPanicBeforeStart(t *testing.T) {
	a, err := New(Options{})
	require.NoError(t, err)
	t.Cleanup(a.cfg.Stop)

	assert.NotPanics(t, func() { a.AddCommonTag("nf.cluster", "test") })
}
