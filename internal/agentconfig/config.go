// Package agentconfig loads and hot-reloads the agent's JSON configuration:
// defaults merged with a process-wide file and a working-directory
// override, environment-variable driven URL expansion, and an
// fsnotify-backed watch loop that re-reads on change.
package agentconfig

import (
	"bytes"
	"encoding/json"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/Netflix-Skunkworks/atlas-agent-go/pkg/log"
)

// Keys holds every agent tunable. Fields a config file sets, zero values
// included, override Defaults(); fields it omits keep their default.
type Keys struct {
	EvaluateURL                string   `json:"evaluateUrl"`
	SubscriptionsURL           string   `json:"subscriptionsUrl"`
	PublishURL                 string   `json:"publishUrl"`
	ValidateMetrics            bool     `json:"validateMetrics"`
	PublishConfig              []string `json:"publishConfig"`
	ForceStart                 bool     `json:"forceStart"`
	PublishEnabled             bool     `json:"publishEnabled"`
	SubscriptionsEnabled       bool     `json:"subscriptionsEnabled"`
	DumpMetrics                bool     `json:"dumpMetrics"`
	DumpSubscriptions          bool     `json:"dumpSubscriptions"`
	SubscriptionsRefreshMillis int64    `json:"subscriptionsRefreshMillis"`
	ConnectTimeout             int64    `json:"connectTimeout"`
	ReadTimeout                int64    `json:"readTimeout"`
	BatchSize                  int      `json:"batchSize"`
	SendInParallel             bool     `json:"sendInParallel"`
	LogVerbosity               string   `json:"logVerbosity"`
	LogMaxSize                 int64    `json:"logMaxSize"`
	LogMaxFiles                int      `json:"logMaxFiles"`
	AlertServerURL             string   `json:"alertServerUrl"`
	IntrospectAddr             string   `json:"introspectAddr"`
}

// Defaults returns the configuration a fresh agent starts with absent any
// config file.
func Defaults() Keys {
	return Keys{
		EvaluateURL:                "http://localhost:7001/api/v2/evaluate",
		SubscriptionsURL:           "http://localhost:7101/lwc/api/v1/expressions/${NETFLIX_CLUSTER}",
		PublishURL:                 "http://localhost:7101/api/v4/update",
		ValidateMetrics:            true,
		PublishEnabled:             true,
		SubscriptionsEnabled:       true,
		SubscriptionsRefreshMillis: 10000,
		ConnectTimeout:             1,
		ReadTimeout:                10,
		BatchSize:                  10000,
		SendInParallel:             false,
		LogVerbosity:               "info",
		LogMaxSize:                 10,
		LogMaxFiles:                10,
		AlertServerURL:             "",
		IntrospectAddr:             "",
	}
}

// disabledFileEnv names the environment variable carrying the disable-file
// path, which defaults to /mnt/data/atlas.disabled.
const disabledFileEnv = "ATLAS_DISABLED_FILE"
const defaultDisabledFile = "/mnt/data/atlas.disabled"

// Disabled reports whether the disable file named by ATLAS_DISABLED_FILE
// (or its default path) currently exists.
func Disabled() bool {
	path := os.Getenv(disabledFileEnv)
	if path == "" {
		path = defaultDisabledFile
	}
	_, err := os.Stat(path)
	return err == nil
}

// envVars lists the environment variables consulted for common-tag
// population and $VAR/${VAR} URL expansion.
var envVars = []string{
	"NETFLIX_CLUSTER", "NETFLIX_APP", "NETFLIX_STACK", "NETFLIX_ASG",
	"NETFLIX_ENVIRONMENT", "EC2_OWNER_ID", "EC2_REGION", "EC2_AVAILABILITY_ZONE",
	"EC2_INSTANCE_ID", "EC2_VMTYPE", "EC2_AMI_ID",
}

func expandEnv(s string) string {
	return os.Expand(s, func(name string) string { return os.Getenv(name) })
}

// Manager owns the live config snapshot and watches its backing files for
// changes, applying hot reloads under a read/write mutex.
type Manager struct {
	mu       sync.RWMutex
	current  Keys
	watcher  *fsnotify.Watcher
	paths    []string
	stopOnce sync.Once
	stopCh   chan struct{}
}

// Init loads defaults, merges the process-wide file (if present) then the
// working-directory file (if present, wins ties), validating each file
// against the embedded schema before merging it, and starts an fsnotify watch over
// whichever files existed so later edits hot-reload. processWidePath may
// be "" to skip that layer.
func Init(processWidePath, workingDirPath string) (*Manager, error) {
	m := &Manager{current: Defaults(), stopCh: make(chan struct{})}

	for _, p := range []string{processWidePath, workingDirPath} {
		if p == "" {
			continue
		}
		if err := m.mergeFile(p); err != nil {
			return nil, err
		}
		m.paths = append(m.paths, p)
	}

	if len(m.paths) > 0 {
		if err := m.startWatch(); err != nil {
			log.Warnf("agentconfig: could not start file watcher: %v", err)
		}
	}
	return m, nil
}

func (m *Manager) mergeFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := Validate(raw); err != nil {
		log.Warnf("agentconfig: %s failed schema validation: %v", path, err)
		return nil // config parse failure retains current config
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	m.mu.Lock()
	defer m.mu.Unlock()
	merged := m.current
	if err := dec.Decode(&merged); err != nil {
		log.Warnf("agentconfig: %s could not be decoded: %v", path, err)
		return nil
	}
	merged.EvaluateURL = expandEnv(merged.EvaluateURL)
	merged.SubscriptionsURL = expandEnv(merged.SubscriptionsURL)
	merged.PublishURL = expandEnv(merged.PublishURL)
	merged.AlertServerURL = expandEnv(merged.AlertServerURL)
	m.current = merged
	return nil
}

func (m *Manager) startWatch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	m.watcher = w
	for _, p := range m.paths {
		if err := w.Add(p); err != nil {
			log.Warnf("agentconfig: could not watch %s: %v", p, err)
		}
	}
	go m.watchLoop()
	return nil
}

func (m *Manager) watchLoop() {
	for {
		select {
		case <-m.stopCh:
			return
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("agentconfig: watch error: %v", err)
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if !isRelevantEvent(ev) {
				continue
			}
			log.Infof("agentconfig: reloading %s (%s)", ev.Name, ev.Op)
			if err := m.mergeFile(ev.Name); err != nil {
				log.Errorf("agentconfig: reload of %s failed: %v", ev.Name, err)
			}
		}
	}
}

func isRelevantEvent(ev fsnotify.Event) bool {
	return ev.Op&(fsnotify.Write|fsnotify.Create) != 0
}

// Snapshot returns a copy of the current configuration.
func (m *Manager) Snapshot() Keys {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Stop tears down the file watcher.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		if m.watcher != nil {
			_ = m.watcher.Close()
		}
	})
}

// CommonTagsFromEnv builds the set of common tags derived from the
// environment variables in envVars, omitting any that are unset.
func CommonTagsFromEnv() map[string]string {
	out := map[string]string{}
	mapping := map[string]string{
		"NETFLIX_CLUSTER":     "nf.cluster",
		"NETFLIX_APP":         "nf.app",
		"NETFLIX_STACK":       "nf.stack",
		"NETFLIX_ASG":         "nf.asg",
		"NETFLIX_ENVIRONMENT": "nf.account",
		"EC2_REGION":          "nf.region",
		"EC2_AVAILABILITY_ZONE": "nf.zone",
		"EC2_INSTANCE_ID":     "nf.node",
		"EC2_VMTYPE":          "nf.vmtype",
		"EC2_AMI_ID":          "nf.ami",
	}
	for _, envVar := range envVars {
		tagKey, ok := mapping[envVar]
		if !ok {
			continue
		}
		if v := os.Getenv(envVar); v != "" {
			out[tagKey] = v
		}
	}
	return out
}
