package agentconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsMatchBaselineValues(t *testing.T) {
	d := Defaults()
	assert.True(t, d.PublishEnabled)
	assert.True(t, d.SubscriptionsEnabled)
	assert.Equal(t, 10000, d.BatchSize)
	assert.False(t, d.SendInParallel)
}

func TestInitWithNoFilesReturnsDefaults(t *testing.T) {
	m, err := Init("", "")
	require.NoError(t, err)
	defer m.Stop()
	assert.Equal(t, Defaults(), m.Snapshot())
}

func TestInitMergesWorkingDirFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "atlas-agent.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"batchSize": 42, "publishEnabled": false}`), 0o644))

	m, err := Init("", path)
	require.NoError(t, err)
	defer m.Stop()

	snap := m.Snapshot()
	assert.Equal(t, 42, snap.BatchSize)
	assert.False(t, snap.PublishEnabled)
	assert.True(t, snap.SubscriptionsEnabled) // untouched default survives merge
}

func TestInitWorkingDirWinsOverProcessWide(t *testing.T) {
	dir := t.TempDir()
	processWide := filepath.Join(dir, "process.json")
	workingDir := filepath.Join(dir, "working.json")
	require.NoError(t, os.WriteFile(processWide, []byte(`{"batchSize": 10}`), 0o644))
	require.NoError(t, os.WriteFile(workingDir, []byte(`{"batchSize": 99}`), 0o644))

	m, err := Init(processWide, workingDir)
	require.NoError(t, err)
	defer m.Stop()
	assert.Equal(t, 99, m.Snapshot().BatchSize)
}

func TestInitSkipsInvalidJSONKeepingCurrentConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "atlas-agent.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"batchSize": "not-a-number"}`), 0o644))

	m, err := Init("", path)
	require.NoError(t, err)
	defer m.Stop()
	assert.Equal(t, Defaults().BatchSize, m.Snapshot().BatchSize)
}

func TestInitExpandsEnvVarsInURLs(t *testing.T) {
	t.Setenv("NETFLIX_CLUSTER", "mycluster")
	dir := t.TempDir()
	path := filepath.Join(dir, "atlas-agent.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"subscriptionsUrl": "http://host/${NETFLIX_CLUSTER}"}`), 0o644))

	m, err := Init("", path)
	require.NoError(t, err)
	defer m.Stop()
	assert.Equal(t, "http://host/mycluster", m.Snapshot().SubscriptionsURL)
}

func TestHotReloadPicksUpFileChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "atlas-agent.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"batchSize": 1}`), 0o644))

	m, err := Init("", path)
	require.NoError(t, err)
	defer m.Stop()
	require.Equal(t, 1, m.Snapshot().BatchSize)

	require.NoError(t, os.WriteFile(path, []byte(`{"batchSize": 2}`), 0o644))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.Snapshot().BatchSize == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 2, m.Snapshot().BatchSize)
}

func TestCommonTagsFromEnvOmitsUnset(t *testing.T) {
	t.Setenv("NETFLIX_CLUSTER", "mycluster")
	tags := CommonTagsFromEnv()
	assert.Equal(t, "mycluster", tags["nf.cluster"])
	_, hasApp := tags["nf.app"]
	assert.False(t, hasApp)
}

func TestDisabledReportsFileExistence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "atlas.disabled")
	t.Setenv("ATLAS_DISABLED_FILE", path)
	assert.False(t, Disabled())
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	assert.True(t, Disabled())
}
