package subscribe

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Netflix-Skunkworks/atlas-agent-go/internal/agentconfig"
	"github.com/Netflix-Skunkworks/atlas-agent-go/internal/consolidate"
	"github.com/Netflix-Skunkworks/atlas-agent-go/internal/expr"
	"github.com/Netflix-Skunkworks/atlas-agent-go/internal/intern"
	"github.com/Netflix-Skunkworks/atlas-agent-go/internal/meter"
	"github.com/Netflix-Skunkworks/atlas-agent-go/internal/publish"
	"github.com/Netflix-Skunkworks/atlas-agent-go/internal/registry"
	"github.com/Netflix-Skunkworks/atlas-agent-go/internal/tags"
	"github.com/Netflix-Skunkworks/atlas-agent-go/pkg/clock"
)

// readPostBody gunzips the request body when the client marked it
// gzip-encoded (Client.Post compresses anything over its threshold), so
// handlers asserting on wire content see the same bytes BuildMainBatch/
// BuildSubscriptionBatch produced.
func readPostBody(t *testing.T, r *http.Request) []byte {
	t.Helper()
	body, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	if r.Header.Get("Content-Encoding") != "gzip" {
		return body
	}
	zr, err := gzip.NewReader(bytes.NewReader(body))
	require.NoError(t, err)
	defer zr.Close()
	out, err := io.ReadAll(zr)
	require.NoError(t, err)
	return out
}

// newManagerWithConfig builds a Manager whose config comes from a temp
// JSON file so individual fields (URLs pointed at an httptest server,
// batch size, feature flags) can be overridden per test, matching the
// file-backed pattern config_test.go already exercises for agentconfig.
// It returns the Manual clock backing the manager's registry so callers
// can roll step boundaries to read back accounting counters.
func newManagerWithConfig(t *testing.T, mutate func(*agentconfig.Keys)) (*Manager, *clock.Manual) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("ATLAS_DISABLED_FILE", filepath.Join(dir, "absent-disabled-marker"))

	keys := agentconfig.Defaults()
	if mutate != nil {
		mutate(&keys)
	}
	raw, err := json.Marshal(keys)
	require.NoError(t, err)
	path := filepath.Join(dir, "atlas-agent.json")
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	cfg, err := agentconfig.Init("", path)
	require.NoError(t, err)
	t.Cleanup(cfg.Stop)

	clk := clock.NewManual(0)
	reg := registry.New(mainFrequencyMillis, clk)
	m := NewManager(reg, cfg)
	t.Cleanup(func() { m.Stop(false) })
	return m, clk
}

func measurementFor(t *testing.T, pool *intern.Pool, value float64, kv ...string) consolidate.Measurement {
	t.Helper()
	tm, err := tags.New(pool, kv...)
	require.NoError(t, err)
	name, ok := tm.GetString(tags.NameKey)
	require.True(t, ok)
	id := tags.NewIdentity(pool.Intern(name), tm)
	return consolidate.Measurement{ID: id, Timestamp: 0, Value: value}
}

func requireCounterRate(t *testing.T, c *meter.Counter, added float64) {
	t.Helper()
	meas := c.Measure()
	require.Len(t, meas, 1)
	expected := added / (float64(mainFrequencyMillis) / 1000.0)
	assert.InDelta(t, expected, meas[0].Value, 1e-9)
}

// ---- refresh() ----

func TestRefreshAppliesSubscriptionsOn200AndUpdatesEtag(t *testing.T) {
	var gotMatch string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMatch = r.Header.Get("If-None-Match")
		w.Header().Set("ETag", "v1")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"expressions":[{"id":"sub-1","frequency":5000,"expression":":true,:all"}]}`))
	}))
	defer srv.Close()

	m, _ := newManagerWithConfig(t, func(k *agentconfig.Keys) { k.SubscriptionsURL = srv.URL })

	m.refresh()

	assert.Equal(t, "", gotMatch)
	assert.Equal(t, "v1", m.currentEtag())
	subs := m.subscriptionsForFrequency(5000)
	require.Len(t, subs, 1)
	assert.Equal(t, "sub-1", subs[0].ID)
	assert.True(t, m.activeSenders[5000])
}

func TestRefreshHandles304LeavesSubscriptionsAndEtagUnchanged(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("ETag", "v1")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"expressions":[{"id":"sub-1","frequency":5000,"expression":":true,:all"}]}`))
			return
		}
		assert.Equal(t, "v1", r.Header.Get("If-None-Match"))
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	m, _ := newManagerWithConfig(t, func(k *agentconfig.Keys) { k.SubscriptionsURL = srv.URL })

	m.refresh()
	require.Equal(t, "v1", m.currentEtag())

	m.refresh()
	assert.Equal(t, "v1", m.currentEtag())
	assert.Equal(t, 2, calls)
	require.Len(t, m.subscriptionsForFrequency(5000), 1)
}

func TestRefreshHandlesNon200StatusWithoutApplyingSubscriptions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	m, _ := newManagerWithConfig(t, func(k *agentconfig.Keys) { k.SubscriptionsURL = srv.URL })

	assert.NotPanics(t, func() { m.refresh() })
	assert.Equal(t, "", m.currentEtag())
	assert.Empty(t, m.subscriptionsForFrequency(5000))
}

func TestRefreshHandlesTransportErrorWithoutCrashing(t *testing.T) {
	m, _ := newManagerWithConfig(t, func(k *agentconfig.Keys) {
		k.SubscriptionsURL = "http://127.0.0.1:1/subs"
		k.ConnectTimeout = 1
		k.ReadTimeout = 1
	})

	assert.NotPanics(t, func() { m.refresh() })
	assert.Equal(t, "", m.currentEtag())
}

func TestRefreshSkipsWhenSubscriptionsDisabled(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m, _ := newManagerWithConfig(t, func(k *agentconfig.Keys) {
		k.SubscriptionsURL = srv.URL
		k.SubscriptionsEnabled = false
	})

	m.refresh()
	assert.False(t, called)
}

func TestRefreshFiresAlertServerOnFirstCycleAndEvery30thThereafter(t *testing.T) {
	hits := make(chan struct{}, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/subs":
			w.WriteHeader(http.StatusNotModified)
		case "/alert":
			hits <- struct{}{}
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	m, _ := newManagerWithConfig(t, func(k *agentconfig.Keys) {
		k.SubscriptionsURL = srv.URL + "/subs"
		k.AlertServerURL = srv.URL + "/alert"
	})

	waitForHit := func(t *testing.T) {
		t.Helper()
		select {
		case <-hits:
		case <-time.After(2 * time.Second):
			t.Fatal("expected alert server notification")
		}
	}
	assertNoHit := func(t *testing.T) {
		t.Helper()
		select {
		case <-hits:
			t.Fatal("unexpected alert server notification")
		case <-time.After(50 * time.Millisecond):
		}
	}

	m.refresh() // refresherRuns starts at 0: fires on the very first cycle
	waitForHit(t)

	m.mu.Lock()
	m.refresherRuns = 29
	m.mu.Unlock()

	m.refresh() // runs==29: not a multiple of 30
	assertNoHit(t)

	m.refresh() // runs==30: fires again
	waitForHit(t)
}

// ---- sendForFrequency() ----

func TestSendForFrequencyBatchesAndPostsSubscriptionResults(t *testing.T) {
	var mu sync.Mutex
	var bodies [][]byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := readPostBody(t, r)
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m, _ := newManagerWithConfig(t, func(k *agentconfig.Keys) {
		k.EvaluateURL = srv.URL
		k.BatchSize = 2
	})
	m.applySubscriptions([]Subscription{{ID: "sub-1", Frequency: 5000, Expression: ":true,:all"}})

	pool := intern.NewPool()
	c := m.consolidatorFor(5000)
	require.NotNil(t, c)
	c.UpdateFrom([]consolidate.Measurement{
		measurementFor(t, pool, 1, "name", "sys.cpu"),
		measurementFor(t, pool, 2, "name", "sys.disk"),
		measurementFor(t, pool, 3, "name", "sys.mem"),
	})

	m.sendForFrequency(5000)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 2, "batch size 2 over 3 results must split into two POSTs")
	total := 0
	for _, b := range bodies {
		var decoded struct {
			Metrics []struct {
				ID string `json:"id"`
			} `json:"metrics"`
		}
		require.NoError(t, json.Unmarshal(b, &decoded))
		total += len(decoded.Metrics)
	}
	assert.Equal(t, 3, total)
}

func TestSendForFrequencyNoOpWhenNothingDrained(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m, _ := newManagerWithConfig(t, func(k *agentconfig.Keys) { k.EvaluateURL = srv.URL })
	m.applySubscriptions([]Subscription{{ID: "sub-1", Frequency: 5000, Expression: ":true,:all"}})

	m.sendForFrequency(5000)
	assert.False(t, called)
}

func TestSendForFrequencyNoOpForUnknownFrequency(t *testing.T) {
	m := newTestManager(t)
	assert.NotPanics(t, func() { m.sendForFrequency(12345) })
}

func TestSendForFrequencyNoOpWhenNoSubscriptionsRegisteredForFrequency(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	m, _ := newManagerWithConfig(t, func(k *agentconfig.Keys) { k.EvaluateURL = srv.URL })
	m.mu.Lock()
	m.consolidators[5000] = consolidate.New()
	m.mu.Unlock()

	pool := intern.NewPool()
	m.consolidatorFor(5000).UpdateFrom([]consolidate.Measurement{measurementFor(t, pool, 1, "name", "sys.cpu")})

	m.sendForFrequency(5000)
	assert.False(t, called)
}

func TestSendForFrequencyDumpsSubscriptionBatchWhenEnabled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m, _ := newManagerWithConfig(t, func(k *agentconfig.Keys) {
		k.EvaluateURL = srv.URL
		k.DumpSubscriptions = true
	})
	m.applySubscriptions([]Subscription{{ID: "sub-1", Frequency: 5000, Expression: ":true,:all"}})
	pool := intern.NewPool()
	m.consolidatorFor(5000).UpdateFrom([]consolidate.Measurement{measurementFor(t, pool, 1, "name", "sys.cpu")})

	path := "/tmp/lwc_05s_.ndjson"
	t.Cleanup(func() { os.Remove(path) })

	m.sendForFrequency(5000)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"sub-1"`)
}

// ---- sendMainBatch() ----

func TestSendMainBatchRecordsAccountingOnSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m, clk := newManagerWithConfig(t, func(k *agentconfig.Keys) {
		k.PublishURL = srv.URL
		k.ValidateMetrics = true
	})

	pairs := []expr.TagsValuePair{
		mustPair(t, 1, "name", "sys.cpu"),
		mustPair(t, 2, "nf.node", "i-1"), // missing required name tag
	}
	m.sendMainBatch(m.cfg.Snapshot(), 1000, pairs)

	clk.Advance(mainFrequencyMillis)
	requireCounterRate(t, m.totalCounter(), 2)
	requireCounterRate(t, m.droppedCounter("validationFailed", ""), 1)
	requireCounterRate(t, m.sentCounter(), 1)
}

func TestSendMainBatchSkipsSendWhenAllMetricsFiltered(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	m, clk := newManagerWithConfig(t, func(k *agentconfig.Keys) {
		k.PublishURL = srv.URL
		k.ValidateMetrics = true
	})

	pairs := []expr.TagsValuePair{mustPair(t, 1, "nf.node", "i-1")}
	m.sendMainBatch(m.cfg.Snapshot(), 1000, pairs)

	assert.False(t, called)
	clk.Advance(mainFrequencyMillis)
	requireCounterRate(t, m.totalCounter(), 1)
	requireCounterRate(t, m.droppedCounter("validationFailed", ""), 1)
}

func TestSendMainBatchRecordsHTTPErrorAccountingOnNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	m, clk := newManagerWithConfig(t, func(k *agentconfig.Keys) { k.PublishURL = srv.URL })

	pairs := []expr.TagsValuePair{mustPair(t, 1, "name", "sys.cpu")}
	m.sendMainBatch(m.cfg.Snapshot(), 1000, pairs)

	clk.Advance(mainFrequencyMillis)
	requireCounterRate(t, m.totalCounter(), 1)
	requireCounterRate(t, m.droppedCounter("httpError", "500"), 1)
}

func TestSendMainBatchRecordsHTTPErrorAccountingOnTransportFailure(t *testing.T) {
	m, clk := newManagerWithConfig(t, func(k *agentconfig.Keys) {
		k.PublishURL = "http://127.0.0.1:1"
		k.ConnectTimeout = 1
		k.ReadTimeout = 1
	})

	pairs := []expr.TagsValuePair{mustPair(t, 1, "name", "sys.cpu")}
	assert.NotPanics(t, func() { m.sendMainBatch(m.cfg.Snapshot(), 1000, pairs) })

	clk.Advance(mainFrequencyMillis)
	requireCounterRate(t, m.totalCounter(), 1)
	requireCounterRate(t, m.droppedCounter("httpError", "0"), 1)
}

// ---- sendToMain() ----

func TestSendToMainSkipsWhenPublishDisabled(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	m, _ := newManagerWithConfig(t, func(k *agentconfig.Keys) {
		k.PublishURL = srv.URL
		k.PublishEnabled = false
	})

	pool := intern.NewPool()
	m.consolidatorFor(mainFrequencyMillis).UpdateFrom([]consolidate.Measurement{
		measurementFor(t, pool, 1, "name", "sys.cpu"),
	})

	m.sendToMain()
	assert.False(t, called)
	assert.Equal(t, 0, m.reg.Len())
}

func TestSendToMainNoOpWhenNothingDrained(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	m, _ := newManagerWithConfig(t, func(k *agentconfig.Keys) { k.PublishURL = srv.URL })

	m.sendToMain()
	assert.False(t, called)
	assert.Equal(t, 0, m.reg.Len())
}

func TestSendToMainNoOpWhenConsolidatorMissing(t *testing.T) {
	m := newTestManager(t)
	m.mu.Lock()
	delete(m.consolidators, mainFrequencyMillis)
	m.mu.Unlock()
	assert.NotPanics(t, func() { m.sendToMain() })
}

func TestSendToMainBatchesAcrossBatchSizeAndAggregatesAccounting(t *testing.T) {
	var mu sync.Mutex
	var requests, totalMetrics int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := readPostBody(t, r)
		var decoded publish.MainBatch
		require.NoError(t, json.Unmarshal(body, &decoded))
		mu.Lock()
		requests++
		totalMetrics += len(decoded.Metrics)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m, clk := newManagerWithConfig(t, func(k *agentconfig.Keys) {
		k.PublishURL = srv.URL
		k.BatchSize = 2
	})

	pool := intern.NewPool()
	m.consolidatorFor(mainFrequencyMillis).UpdateFrom([]consolidate.Measurement{
		measurementFor(t, pool, 1, "name", "sys.cpu"),
		measurementFor(t, pool, 2, "name", "sys.disk"),
		measurementFor(t, pool, 3, "name", "sys.mem"),
	})

	m.sendToMain()

	mu.Lock()
	assert.Equal(t, 2, requests, "3 metrics at batch size 2 must split into two POSTs")
	assert.Equal(t, 3, totalMetrics)
	mu.Unlock()

	clk.Advance(mainFrequencyMillis)
	requireCounterRate(t, m.totalCounter(), 3)
	requireCounterRate(t, m.sentCounter(), 3)
}

func TestSendToMainDispatchesBatchesInParallelWhenConfigured(t *testing.T) {
	var mu sync.Mutex
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m, clk := newManagerWithConfig(t, func(k *agentconfig.Keys) {
		k.PublishURL = srv.URL
		k.BatchSize = 1
		k.SendInParallel = true
	})

	pool := intern.NewPool()
	m.consolidatorFor(mainFrequencyMillis).UpdateFrom([]consolidate.Measurement{
		measurementFor(t, pool, 1, "name", "sys.cpu"),
		measurementFor(t, pool, 2, "name", "sys.disk"),
		measurementFor(t, pool, 3, "name", "sys.mem"),
	})

	m.sendToMain()

	mu.Lock()
	assert.Equal(t, 3, requests)
	mu.Unlock()

	clk.Advance(mainFrequencyMillis)
	requireCounterRate(t, m.sentCounter(), 3)
}

func TestSendToMainAppliesPublishRulesBeforeBatching(t *testing.T) {
	var mu sync.Mutex
	var gotNames []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := readPostBody(t, r)
		var decoded publish.MainBatch
		require.NoError(t, json.Unmarshal(body, &decoded))
		mu.Lock()
		for _, me := range decoded.Metrics {
			gotNames = append(gotNames, me.Tags["name"])
		}
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m, _ := newManagerWithConfig(t, func(k *agentconfig.Keys) {
		k.PublishURL = srv.URL
		k.PublishConfig = []string{"name,sys.cpu,:eq,:all"}
	})

	pool := intern.NewPool()
	m.consolidatorFor(mainFrequencyMillis).UpdateFrom([]consolidate.Measurement{
		measurementFor(t, pool, 1, "name", "sys.cpu"),
		measurementFor(t, pool, 2, "name", "sys.disk"),
	})

	m.sendToMain()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"sys.cpu"}, gotNames)
}

func TestSendToMainDumpsMainBatchWhenEnabled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m, _ := newManagerWithConfig(t, func(k *agentconfig.Keys) {
		k.PublishURL = srv.URL
		k.DumpMetrics = true
	})

	pool := intern.NewPool()
	m.consolidatorFor(mainFrequencyMillis).UpdateFrom([]consolidate.Measurement{
		measurementFor(t, pool, 1, "name", "sys.cpu"),
	})

	path := "/tmp/main_batch_.ndjson"
	t.Cleanup(func() { os.Remove(path) })

	m.sendToMain()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"sys.cpu"`)
}
