// Package publish implements the stateless JSON serialization and HTTP
// dispatch of measurement batches: the two wire shapes (main batch and
// subscription-result batch), tag sanitization, and gzip-over-threshold
// POST, using an HTTP client wrapping net/http with explicit timeouts.
package publish

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/time/rate"

	"github.com/Netflix-Skunkworks/atlas-agent-go/internal/expr"
	"github.com/Netflix-Skunkworks/atlas-agent-go/internal/tags"
	"github.com/Netflix-Skunkworks/atlas-agent-go/internal/validate"
	"github.com/Netflix-Skunkworks/atlas-agent-go/pkg/log"
)

// gzipThreshold is the payload size above which the body is gzipped
// before POSTing.
const gzipThreshold = 16

// MetricEntry is one entry of a main batch payload.
type MetricEntry struct {
	Tags  map[string]string `json:"tags"`
	Start int64             `json:"start"`
	Value float64           `json:"value"`
}

// MainBatch is the wire shape POSTed to the main publish endpoint.
type MainBatch struct {
	Tags    map[string]string `json:"tags"`
	Metrics []MetricEntry     `json:"metrics"`
}

// SubscriptionResult is one {id, tags, value} triple produced by
// evaluating a subscription expression against a measurement batch.
type SubscriptionResult struct {
	ID    string
	Tags  map[string]string
	Value float64
}

type subscriptionMetric struct {
	ID    string            `json:"id"`
	Tags  map[string]string `json:"tags"`
	Value float64           `json:"value"`
}

// SubscriptionBatch is the wire shape POSTed to the LWC evaluate endpoint.
type SubscriptionBatch struct {
	Timestamp int64
	metrics   []subscriptionMetric
}

// MarshalJSON emits {"timestamp": ..., "metrics": [...]}.
func (b SubscriptionBatch) MarshalJSON() ([]byte, error) {
	type wire struct {
		Timestamp int64                `json:"timestamp"`
		Metrics   []subscriptionMetric `json:"metrics"`
	}
	return json.Marshal(wire{Timestamp: b.Timestamp, Metrics: b.metrics})
}

func tagsToMap(t *tags.Map) map[string]string {
	if t == nil {
		return map[string]string{}
	}
	keys := t.Keys()
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		v, _ := t.GetString(k)
		out[validate.SanitizeKey(k)] = validate.SanitizeValue(v, k)
	}
	return out
}

// BuildMainBatch serializes pairs into a main-batch payload, skipping NaN
// values and, when validateTags is true, tag-sets that fail validation.
// It reports the number of metrics retained and the pre-validation total.
func BuildMainBatch(nowMillis int64, pairs []expr.TagsValuePair, validateTags bool) (payload []byte, added int, total int, err error) {
	total = len(pairs)
	batch := MainBatch{Tags: map[string]string{}, Metrics: make([]MetricEntry, 0, len(pairs))}
	for _, p := range pairs {
		if math.IsNaN(p.Value) {
			continue
		}
		if validateTags {
			if ok, _ := validate.IsValid(p.Tags); !ok {
				continue
			}
		}
		batch.Metrics = append(batch.Metrics, MetricEntry{
			Tags:  tagsToMap(p.Tags),
			Start: nowMillis,
			Value: p.Value,
		})
		added++
	}
	payload, err = json.Marshal(batch)
	return payload, added, total, err
}

// BuildSubscriptionBatch serializes results into a subscription-batch
// payload.
func BuildSubscriptionBatch(nowMillis int64, results []SubscriptionResult) ([]byte, error) {
	b := SubscriptionBatch{Timestamp: nowMillis, metrics: make([]subscriptionMetric, 0, len(results))}
	for _, r := range results {
		b.metrics = append(b.metrics, subscriptionMetric{ID: r.ID, Tags: r.Tags, Value: r.Value})
	}
	return json.Marshal(b)
}

// DumpJSON appends one compact-JSON line for payload to dir/baseName.ndjson,
// backing the dumpMetrics/dumpSubscriptions debug knobs: one line per
// publish cycle. Errors are logged, not returned: a failed debug dump
// must never interrupt publication.
func DumpJSON(dir, baseName string, payload []byte) {
	path := filepath.Join(dir, baseName+".ndjson")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Warnf("publish: could not open dump file %s: %v", path, err)
		return
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if _, err := w.Write(payload); err != nil {
		log.Warnf("publish: could not write dump file %s: %v", path, err)
		return
	}
	if err := w.WriteByte('\n'); err != nil {
		log.Warnf("publish: could not write dump file %s: %v", path, err)
		return
	}
	if err := w.Flush(); err != nil {
		log.Warnf("publish: could not flush dump file %s: %v", path, err)
	}
}

// requestsPerSecond caps how often this process dispatches outbound
// publish/subscription HTTP calls, so a burst of newly-registered
// subscription frequencies (each spawning its own sender) cannot
// overwhelm the evaluate/publish endpoints per SPEC_FULL.md's
// domain-stack wiring for golang.org/x/time/rate.
const requestsPerSecond = 20
const requestBurst = 20

// Client POSTs serialized batches, gzipping payloads over gzipThreshold
// bytes and honoring a single overall request timeout, rate-limited
// across every endpoint it talks to.
type Client struct {
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient builds a Client whose overall request timeout is the sum of
// the given connect and read timeouts (seconds); connecting and reading
// are not limited separately.
func NewClient(connectTimeoutSecs, readTimeoutSecs int64) *Client {
	return &Client{
		http: &http.Client{
			Timeout: time.Duration(connectTimeoutSecs+readTimeoutSecs) * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), requestBurst),
	}
}

// Post sends payload as application/json, gzipping it first when it
// exceeds gzipThreshold bytes, and returns the response status code.
func (c *Client) Post(ctx context.Context, url string, payload []byte) (int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("publish: rate limiter: %w", err)
	}
	body := payload
	gzipped := false
	if len(payload) > gzipThreshold {
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(payload); err != nil {
			return 0, fmt.Errorf("publish: gzip payload: %w", err)
		}
		if err := w.Close(); err != nil {
			return 0, fmt.Errorf("publish: gzip payload: %w", err)
		}
		body = buf.Bytes()
		gzipped = true
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("publish: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if gzipped {
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// ConditionalGet issues a GET with If-None-Match: etag (when non-empty)
// and returns the response status, body, and the response's own ETag
// header for the caller to remember.
func (c *Client) ConditionalGet(ctx context.Context, url, etag string) (status int, body []byte, newEtag string, err error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, "", fmt.Errorf("publish: rate limiter: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, "", fmt.Errorf("publish: build request: %w", err)
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, "", err
	}
	defer resp.Body.Close()
	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, "", err
	}
	return resp.StatusCode, body, resp.Header.Get("ETag"), nil
}
