package subscribe

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"github.com/Netflix-Skunkworks/atlas-agent-go/internal/agentconfig"
	"github.com/Netflix-Skunkworks/atlas-agent-go/internal/consolidate"
	"github.com/Netflix-Skunkworks/atlas-agent-go/internal/expr"
	"github.com/Netflix-Skunkworks/atlas-agent-go/internal/intern"
	"github.com/Netflix-Skunkworks/atlas-agent-go/internal/meter"
	"github.com/Netflix-Skunkworks/atlas-agent-go/internal/publish"
	"github.com/Netflix-Skunkworks/atlas-agent-go/internal/query"
	"github.com/Netflix-Skunkworks/atlas-agent-go/internal/registry"
	"github.com/Netflix-Skunkworks/atlas-agent-go/internal/tags"
	"github.com/Netflix-Skunkworks/atlas-agent-go/pkg/log"
)

// mainFrequencyMillis is the fixed cadence of the main publisher task.
const mainFrequencyMillis int64 = 60000

// maxInitialDelaySecs bounds the randomized second past a main-frequency
// step boundary at which the first main-publish cycle fires.
const maxInitialDelaySecs = 20

// Manager owns the refresher, main-publisher, and per-frequency-publisher
// tasks, and the consolidation registries that fold the meter registry's
// fast-cadence snapshots up to each task's reporting cadence.
type Manager struct {
	reg       *registry.Registry
	cfg       *agentconfig.Manager
	evaluator *expr.Evaluator
	client    *publish.Client
	pool      *intern.Pool

	scheduler gocron.Scheduler

	mu             sync.Mutex
	commonTags     map[string]string
	consolidators  map[int64]*consolidate.Registry
	activeSenders  map[int64]bool
	subscriptions  []Subscription
	etag           string
	refresherRuns  uint64
	running        bool
}

// NewManager builds a Manager bound to reg (the source of truth for raw
// measurements) and cfg (the live configuration snapshot).
func NewManager(reg *registry.Registry, cfg *agentconfig.Manager) *Manager {
	s, err := gocron.NewScheduler()
	if err != nil {
		log.Errorf("subscribe: could not create scheduler: %v", err)
	}
	m := &Manager{
		reg:           reg,
		cfg:           cfg,
		evaluator:     expr.NewEvaluator(),
		client:        publish.NewClient(cfg.Snapshot().ConnectTimeout, cfg.Snapshot().ReadTimeout),
		pool:          intern.Default,
		scheduler:     s,
		commonTags:    map[string]string{},
		consolidators: map[int64]*consolidate.Registry{mainFrequencyMillis: consolidate.New()},
		activeSenders: map[int64]bool{},
	}
	return m
}

// AddCommonTag merges k=v into every measurement published from here on.
func (m *Manager) AddCommonTag(k, v string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commonTags[k] = v
}

func (m *Manager) commonTagsSnapshot() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.commonTags))
	for k, v := range m.commonTags {
		out[k] = v
	}
	return out
}

// Start launches the feed loop, refresher, and main-publisher tasks.
// Per-frequency publisher tasks are added dynamically as the refresher
// observes new frequencies.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	stepMillis := m.reg.StepMillis()
	if stepMillis <= 0 {
		stepMillis = 5000
	}
	if _, err := m.scheduler.NewJob(
		gocron.DurationJob(time.Duration(stepMillis)*time.Millisecond),
		gocron.NewTask(m.feedConsolidators),
	); err != nil {
		log.Errorf("subscribe: could not schedule measurement feed: %v", err)
	}

	refreshMillis := m.cfg.Snapshot().SubscriptionsRefreshMillis
	if refreshMillis <= 0 {
		refreshMillis = 10000
	}
	if _, err := m.scheduler.NewJob(
		gocron.DurationJob(time.Duration(refreshMillis)*time.Millisecond),
		gocron.NewTask(m.refresh),
	); err != nil {
		log.Errorf("subscribe: could not schedule subscription refresher: %v", err)
	}

	initialDelay := initialDelayFor(time.Now())
	log.Infof("waiting %s before the first main publish batch", initialDelay)
	time.AfterFunc(initialDelay, func() {
		m.sendToMain()
		if _, err := m.scheduler.NewJob(
			gocron.DurationJob(time.Duration(mainFrequencyMillis)*time.Millisecond),
			gocron.NewTask(m.sendToMain),
		); err != nil {
			log.Errorf("subscribe: could not schedule main publisher: %v", err)
		}
	})

	m.scheduler.Start()
}

// Stop halts every scheduled task. When flush is true it first advances
// through one synthetic main-publish cycle so in-flight metrics are not
// silently dropped.
func (m *Manager) Stop(flush bool) {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	if flush {
		log.Info("flushing metrics before shutdown")
		m.sendToMain()
	}
	if err := m.scheduler.Shutdown(); err != nil {
		log.Errorf("subscribe: scheduler shutdown: %v", err)
	}
}

// initialDelayFor picks a random target second in [0, maxInitialDelaySecs)
// past a main-frequency step boundary and returns the delay from now until
// the next such instant, which is under one main-frequency step.
func initialDelayFor(now time.Time) time.Duration {
	mainFreqSecs := mainFrequencyMillis / 1000
	targetSecs := int64(rand.Intn(maxInitialDelaySecs))
	offset := now.Unix() % mainFreqSecs
	delay := targetSecs - offset
	if delay < 0 {
		delay += mainFreqSecs
	}
	return time.Duration(delay) * time.Second
}

// feedConsolidators drains the raw meter registry and folds the resulting
// measurements into every active consolidation registry (main plus one
// per distinct subscription frequency), rolling up from the fast step to
// each slower publish step.
func (m *Manager) feedConsolidators() {
	raw := m.reg.Measurements()
	if len(raw) == 0 {
		return
	}
	converted := make([]consolidate.Measurement, len(raw))
	for i, meas := range raw {
		converted[i] = consolidate.Measurement{ID: meas.ID, Timestamp: meas.Timestamp, Value: meas.Value}
	}

	m.mu.Lock()
	targets := make([]*consolidate.Registry, 0, len(m.consolidators))
	for _, c := range m.consolidators {
		targets = append(targets, c)
	}
	m.mu.Unlock()

	for _, c := range targets {
		c.UpdateFrom(converted)
	}
}

// PushMeasurements injects externally produced pairs directly into every
// active consolidator at now, per the embedding API's Push(measurements).
func (m *Manager) PushMeasurements(nowMillis int64, pairs []expr.TagsValuePair) {
	if len(pairs) == 0 {
		return
	}
	converted := make([]consolidate.Measurement, 0, len(pairs))
	for _, p := range pairs {
		id, err := pairToIdentity(m.pool, p)
		if err != nil {
			continue
		}
		converted = append(converted, consolidate.Measurement{ID: id, Timestamp: nowMillis, Value: p.Value})
	}

	m.mu.Lock()
	targets := make([]*consolidate.Registry, 0, len(m.consolidators))
	for _, c := range m.consolidators {
		targets = append(targets, c)
	}
	m.mu.Unlock()

	for _, c := range targets {
		c.UpdateFrom(converted)
	}
}

func pairToIdentity(pool *intern.Pool, p expr.TagsValuePair) (*tags.Identity, error) {
	name, ok := p.Tags.GetString(tags.NameKey)
	if !ok {
		return nil, fmt.Errorf("measurement has no name tag")
	}
	clone := p.Tags.Clone()
	return tags.NewIdentity(pool.Intern(name), clone), nil
}

// refresh implements the refresher task: conditional GET, parse on 200,
// spawn senders for any newly observed frequency, and (every 30th cycle)
// fire-and-forget notify the alert server.
func (m *Manager) refresh() {
	cfg := m.cfg.Snapshot()
	if !cfg.SubscriptionsEnabled || agentconfig.Disabled() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ReadTimeout+cfg.ConnectTimeout)*time.Second)
	defer cancel()

	correlationID := uuid.NewString()
	status, body, etag, err := m.client.ConditionalGet(ctx, cfg.SubscriptionsURL, m.currentEtag())
	if err != nil {
		log.Errorf("[%s] failed to refresh subscriptions: %v", correlationID, err)
		return
	}

	switch status {
	case 200:
		subs, perr := ParseSubscriptions(body)
		if perr != nil {
			log.Errorf("[%s] failed to parse subscriptions: %v", correlationID, perr)
			return
		}
		m.setEtag(etag)
		m.applySubscriptions(subs)
	case 304:
		log.Debugf("[%s] subscriptions not modified", correlationID)
	default:
		log.Errorf("[%s] failed to refresh subscriptions: status %d", correlationID, status)
	}

	m.mu.Lock()
	runs := m.refresherRuns
	m.refresherRuns++
	m.mu.Unlock()

	if cfg.AlertServerURL != "" && runs%30 == 0 {
		go m.notifyAlertServer(cfg.AlertServerURL)
	}
}

func (m *Manager) currentEtag() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.etag
}

func (m *Manager) setEtag(etag string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.etag = etag
}

func (m *Manager) notifyAlertServer(endpoint string) {
	if endpoint == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, err := m.client.Post(ctx, endpoint, nil)
	if err != nil {
		log.Debugf("alert server notification failed: %v", err)
		return
	}
	log.Debugf("got %d from alert server %s", status, endpoint)
}

// applySubscriptions swaps in the new subscription list and spawns a
// per-frequency sender and consolidator for any frequency not already
// being served.
func (m *Manager) applySubscriptions(subs []Subscription) {
	m.mu.Lock()
	m.subscriptions = subs
	var newFreqs []int64
	for _, f := range intervals(subs) {
		if !m.activeSenders[f] {
			m.activeSenders[f] = true
			m.consolidators[f] = consolidate.New()
			newFreqs = append(newFreqs, f)
		}
	}
	m.mu.Unlock()

	for _, f := range newFreqs {
		freq := f
		log.Infof("new sender for %d milliseconds detected, scheduling", freq)
		if _, err := m.scheduler.NewJob(
			gocron.DurationJob(time.Duration(freq)*time.Millisecond),
			gocron.NewTask(func() { m.sendForFrequency(freq) }),
		); err != nil {
			log.Errorf("subscribe: could not schedule sender for %dms: %v", freq, err)
		}
	}
}

func (m *Manager) subscriptionsForFrequency(freq int64) []Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return byFrequency(m.subscriptions, freq)
}

func (m *Manager) consolidatorFor(freq int64) *consolidate.Registry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consolidators[freq]
}

// sendForFrequency drains the per-frequency consolidator, evaluates every
// subscription registered at that frequency against the drained batch,
// and POSTs the resulting {id, tags, value} triples in batch-size chunks.
func (m *Manager) sendForFrequency(freq int64) {
	cfg := m.cfg.Snapshot()
	if agentconfig.Disabled() {
		return
	}
	c := m.consolidatorFor(freq)
	if c == nil {
		return
	}
	now := time.Now().UnixMilli()
	drained := c.Measurements(now)
	if len(drained) == 0 {
		return
	}

	common := m.commonTagsSnapshot()
	pairs := make([]expr.TagsValuePair, 0, len(drained))
	for _, d := range drained {
		pairs = append(pairs, measurementToPair(d.ID, d.Value, common))
	}

	var results []publish.SubscriptionResult
	for _, s := range m.subscriptionsForFrequency(freq) {
		for _, r := range m.evaluator.Eval(s.Expression, pairs) {
			if math.IsNaN(r.Value) {
				continue
			}
			results = append(results, publish.SubscriptionResult{ID: s.ID, Tags: tagsMap(r.Tags), Value: r.Value})
		}
	}
	if len(results) == 0 {
		return
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = len(results)
	}
	for from := 0; from < len(results); from += batchSize {
		to := from + batchSize
		if to > len(results) {
			to = len(results)
		}
		m.postSubscriptionBatch(cfg, freq, now, results[from:to])
	}
}

func (m *Manager) postSubscriptionBatch(cfg agentconfig.Keys, freq, now int64, batch []publish.SubscriptionResult) {
	payload, err := publish.BuildSubscriptionBatch(now, batch)
	if err != nil {
		log.Errorf("subscribe: failed to serialize subscription batch for %dms: %v", freq, err)
		return
	}
	if cfg.DumpSubscriptions {
		publish.DumpJSON("/tmp", fmt.Sprintf("lwc_%02ds_", freq/1000), payload)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ReadTimeout+cfg.ConnectTimeout)*time.Second)
	defer cancel()
	status, err := m.client.Post(ctx, cfg.EvaluateURL, payload)
	if err != nil {
		log.Errorf("subscribe: failed to POST subscription batch for %dms: %v", freq, err)
		return
	}
	if status != 200 {
		log.Errorf("subscribe: failed to POST subscription batch for %dms: status %d", freq, status)
	}
}

// sendToMain implements the main publisher task: drain the main
// consolidator, apply the publish-rules pipeline, validate, batch, and
// POST, recording the per-outcome accounting counters. When
// sendInParallel is set, every batch is dispatched concurrently instead
// of one after another.
func (m *Manager) sendToMain() {
	cfg := m.cfg.Snapshot()
	if !cfg.PublishEnabled || agentconfig.Disabled() {
		log.Info("not sending anything to the main publish cluster (disabled)")
		return
	}

	c := m.consolidatorFor(mainFrequencyMillis)
	if c == nil {
		return
	}
	now := time.Now().UnixMilli()
	normalizedTs := now / mainFrequencyMillis * mainFrequencyMillis
	drained := c.Measurements(now)
	if len(drained) == 0 {
		log.Info("no metrics registered")
		return
	}

	common := m.commonTagsSnapshot()
	all := make([]expr.TagsValuePair, len(drained))
	for i, d := range drained {
		all[i] = measurementToPair(d.ID, d.Value, common)
	}

	result := m.applyPublishRules(cfg.PublishConfig, all)

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = len(result)
	}
	var batches [][]expr.TagsValuePair
	for from := 0; from < len(result); from += batchSize {
		to := from + batchSize
		if to > len(result) {
			to = len(result)
		}
		batches = append(batches, result[from:to])
	}

	if cfg.SendInParallel {
		var wg sync.WaitGroup
		wg.Add(len(batches))
		for _, b := range batches {
			b := b
			go func() {
				defer wg.Done()
				m.sendMainBatch(cfg, normalizedTs, b)
			}()
		}
		wg.Wait()
		return
	}
	for _, b := range batches {
		m.sendMainBatch(cfg, normalizedTs, b)
	}
}

// applyPublishRules assigns each measurement to the first rule whose
// query matches (a measurement matching no rule is dropped), then
// evaluates each rule's matched batch through the expression engine. No
// rules configured is equivalent to a single implicit ":true,:all" rule.
func (m *Manager) applyPublishRules(rules []string, all []expr.TagsValuePair) []expr.TagsValuePair {
	if len(rules) == 0 {
		log.Infof("no publish configuration, assuming :all for %d measurements", len(all))
		return all
	}

	queries := make([]*query.Query, len(rules))
	for i, rule := range rules {
		queries[i] = m.evaluator.GetQuery(rule)
	}

	perRule := make([][]expr.TagsValuePair, len(rules))
	for _, pair := range all {
		for i, q := range queries {
			if q.Matches(pair.Tags) {
				perRule[i] = append(perRule[i], pair)
				break
			}
		}
	}

	var result []expr.TagsValuePair
	for i, rule := range rules {
		result = append(result, m.evaluator.Eval(rule, perRule[i])...)
	}
	return result
}

func (m *Manager) sendMainBatch(cfg agentconfig.Keys, nowMillis int64, pairs []expr.TagsValuePair) {
	payload, added, total, err := publish.BuildMainBatch(nowMillis, pairs, cfg.ValidateMetrics)
	if err != nil {
		log.Errorf("subscribe: failed to serialize main batch: %v", err)
		return
	}
	m.recordAccounting(int64(total), int64(total-added), "validationFailed", "")
	if added == 0 {
		return
	}
	if cfg.DumpMetrics {
		publish.DumpJSON("/tmp", "main_batch_", payload)
	}

	log.Infof("sending batch of %d metrics to %s", added, cfg.PublishURL)
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ReadTimeout+cfg.ConnectTimeout)*time.Second)
	defer cancel()
	status, err := m.client.Post(ctx, cfg.PublishURL, payload)
	if err != nil {
		log.Errorf("subscribe: unable to send batch of %d measurements to publish: %v", added, err)
		m.recordAccounting(0, int64(added), "httpError", "0")
		return
	}
	if status != 200 {
		log.Errorf("subscribe: unable to send batch of %d measurements to publish: status %d", added, status)
		m.recordAccounting(0, int64(added), "httpError", fmt.Sprintf("%d", status))
		return
	}
	m.recordSent(int64(added))
}

// recordAccounting and recordSent feed numMetricsTotal/numMetricsDropped/
// numMetricsSent back into the registry.
func (m *Manager) recordAccounting(total, dropped int64, errorKind, statusCode string) {
	if total > 0 {
		m.totalCounter().Add(float64(total))
	}
	if dropped > 0 {
		m.droppedCounter(errorKind, statusCode).Add(float64(dropped))
	}
}

func (m *Manager) recordSent(n int64) {
	if n > 0 {
		m.sentCounter().Add(float64(n))
	}
}

func accountingID(pool *intern.Pool, name string, kv ...string) *tags.Identity {
	t, _ := tags.New(pool, append([]string{"class", "NetflixAtlasObserver", "id", "main-vip"}, kv...)...)
	return tags.NewIdentity(pool.Intern(name), t)
}

func (m *Manager) totalCounter() *meter.Counter {
	return m.reg.CounterFor(accountingID(m.pool, "numMetricsTotal"))
}

func (m *Manager) sentCounter() *meter.Counter {
	return m.reg.CounterFor(accountingID(m.pool, "numMetricsSent"))
}

func (m *Manager) droppedCounter(errorKind, statusCode string) *meter.Counter {
	kv := []string{"error", errorKind}
	if statusCode != "" {
		kv = append(kv, "statusCode", statusCode)
	}
	return m.reg.CounterFor(accountingID(m.pool, "numMetricsDropped", kv...))
}

func measurementToPair(id *tags.Identity, value float64, common map[string]string) expr.TagsValuePair {
	kv := make(map[string]string, id.Tags.Size()+len(common)+1)
	for k, v := range common {
		kv[k] = v
	}
	for _, k := range id.Tags.Keys() {
		v, _ := id.Tags.GetString(k)
		kv[k] = v
	}
	kv[tags.NameKey] = id.Name.String()
	return expr.TagsValuePair{Tags: mapToTags(kv), Value: value}
}

func mapToTags(kv map[string]string) *tags.Map {
	flat := make([]string, 0, len(kv)*2)
	for k, v := range kv {
		flat = append(flat, k, v)
	}
	m, _ := tags.New(intern.Default, flat...)
	return m
}

func tagsMap(t *tags.Map) map[string]string {
	if t == nil {
		return map[string]string{}
	}
	out := make(map[string]string, t.Size())
	for _, k := range t.Keys() {
		v, _ := t.GetString(k)
		out[k] = v
	}
	return out
}
