// Package atlasagent is the in-process embedding surface: a host
// application links this package, calls Start(), registers meters
// against Registry(), and optionally pushes its own measurements and
// common tags. The lifecycle (flag-driven config, gops wiring, graceful
// Stop on signal) is a library entry point rather than a standalone
// server, with a sane-environment gate before Start does anything.
package atlasagent

import (
	"os"
	"sync"

	"github.com/Netflix-Skunkworks/atlas-agent-go/internal/agentconfig"
	"github.com/Netflix-Skunkworks/atlas-agent-go/internal/expr"
	"github.com/Netflix-Skunkworks/atlas-agent-go/internal/introspect"
	"github.com/Netflix-Skunkworks/atlas-agent-go/internal/registry"
	"github.com/Netflix-Skunkworks/atlas-agent-go/internal/subscribe"
	"github.com/Netflix-Skunkworks/atlas-agent-go/pkg/clock"
	"github.com/Netflix-Skunkworks/atlas-agent-go/pkg/log"
)

// mainStepMillis is the raw registry's own sampling cadence; the
// subscription manager folds this up to whatever cadence each
// publisher/subscription actually reports at.
const mainStepMillis int64 = 5000

// envVars gates Start(): absent forceStart, the agent only runs when
// every one of these identifies a live Netflix/EC2 instance.
var envVars = []string{"NETFLIX_CLUSTER", "EC2_OWNER_ID", "EC2_REGION", "NETFLIX_ENVIRONMENT"}

func isSaneEnvironment() bool {
	for _, v := range envVars {
		if os.Getenv(v) == "" {
			return false
		}
	}
	return true
}

// Agent is the embeddable client: a raw meter registry feeding a
// subscription manager that periodically publishes to the main cluster
// and evaluates live subscriptions, plus an optional local introspection
// server and gops listener.
type Agent struct {
	reg        *registry.Registry
	cfg        *agentconfig.Manager
	subscriber *subscribe.Manager
	introspect *introspect.Server
	gopsOn     bool

	mu      sync.Mutex
	started bool
}

// Options configures New. ProcessWideConfigPath and WorkingDirConfigPath
// may both be "" to run on defaults alone.
type Options struct {
	ProcessWideConfigPath string
	WorkingDirConfigPath  string
}

// New constructs an Agent without starting it: config is loaded (with
// hot-reload watching already active), common tags are seeded from the
// environment, and the raw registry is created at mainStepMillis.
func New(opts Options) (*Agent, error) {
	cfg, err := agentconfig.Init(opts.ProcessWideConfigPath, opts.WorkingDirConfigPath)
	if err != nil {
		return nil, err
	}

	reg := registry.New(mainStepMillis, clock.Default)
	subscriber := subscribe.NewManager(reg, cfg)
	for k, v := range agentconfig.CommonTagsFromEnv() {
		subscriber.AddCommonTag(k, v)
	}

	a := &Agent{reg: reg, cfg: cfg, subscriber: subscriber}
	if addr := cfg.Snapshot().IntrospectAddr; addr != "" {
		a.introspect = introspect.New(reg, addr)
	}
	return a, nil
}

// Start brings the agent fully up: the introspection server (if
// configured) and the subscription manager's refresher/publisher tasks.
// The gops listener is not started here; EnableGops starts it. It is a
// no-op if forceStart is
// unset and the process is not running in what looks like a production
// Netflix/EC2 environment.
func (a *Agent) Start() {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return
	}
	cfg := a.cfg.Snapshot()
	if !cfg.ForceStart && !isSaneEnvironment() {
		a.mu.Unlock()
		log.Errorf("not sending metrics from a development environment")
		for _, v := range envVars {
			log.Infof("%s=%s", v, envValueOrNull(v))
		}
		return
	}
	a.started = true
	a.mu.Unlock()

	log.Info("initializing atlas-agent")
	if a.introspect != nil {
		if err := a.introspect.Start(); err != nil {
			log.Warnf("introspection server did not start: %v", err)
		}
	}
	a.subscriber.Start()
	log.Info("atlas-agent initialized")
}

// Stop tears the agent down, flushing one last main-publish batch.
func (a *Agent) Stop() {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return
	}
	a.started = false
	a.mu.Unlock()

	log.Info("stopping atlas-agent")
	a.subscriber.Stop(true)
	if a.introspect != nil {
		a.introspect.Stop()
	}
	if a.gopsOn {
		introspect.StopGops()
		a.gopsOn = false
	}
	a.cfg.Stop()
}

// Registry returns the raw meter registry a host application registers
// its own Counters/Timers/Gauges against.
func (a *Agent) Registry() *registry.Registry { return a.reg }

// Push injects externally produced (tags, value) pairs into the
// subscription evaluation path at the current wall time.
func (a *Agent) Push(nowMillis int64, measurements []expr.TagsValuePair) {
	a.subscriber.PushMeasurements(nowMillis, measurements)
}

// AddCommonTag merges k=v into every measurement this agent publishes.
func (a *Agent) AddCommonTag(k, v string) { a.subscriber.AddCommonTag(k, v) }

// Config returns the live configuration snapshot.
func (a *Agent) Config() agentconfig.Keys { return a.cfg.Snapshot() }

// UseConsoleLogger resets logging to stderr at the given level.
func (a *Agent) UseConsoleLogger(level string) { log.UseConsole(level) }

// SetLoggingDirs points logging at an append-mode file (not rotated) in
// the first directory of dirs where it can be opened.
func (a *Agent) SetLoggingDirs(dirs []string) error { return log.SetDirs(dirs) }

// EnableGops starts the optional live process-diagnostics listener
// (goroutine dumps, GC stats) in lock-step with this agent. Call before
// or after Start(); it is independent of the agent's own lifecycle gate.
func (a *Agent) EnableGops() error {
	if err := introspect.StartGops(); err != nil {
		return err
	}
	a.mu.Lock()
	a.gopsOn = true
	a.mu.Unlock()
	return nil
}

func envValueOrNull(name string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return "(null)"
}
