// Command atlas-agent-demo embeds the agent the way a host application
// would: parse flags, construct and Start() the client, register a
// sample counter, and shut down cleanly on SIGINT/SIGTERM.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	atlasagent "github.com/Netflix-Skunkworks/atlas-agent-go"
	"github.com/Netflix-Skunkworks/atlas-agent-go/internal/intern"
	"github.com/Netflix-Skunkworks/atlas-agent-go/internal/tags"
	"github.com/Netflix-Skunkworks/atlas-agent-go/pkg/log"
)

func main() {
	var flagConfigFile, flagWorkingDirConfig, flagLogLevel string
	var flagGops bool
	flag.StringVar(&flagConfigFile, "config", "", "process-wide configuration file")
	flag.StringVar(&flagWorkingDirConfig, "local-config", "./atlas-agent.json", "working-directory configuration file (overrides -config)")
	flag.StringVar(&flagLogLevel, "log-level", "info", "console log level: crit, err, warn, info, debug")
	flag.BoolVar(&flagGops, "gops", false, "listen via github.com/google/gops/agent (for debugging)")
	flag.Parse()

	log.UseConsole(flagLogLevel)

	agent, err := atlasagent.New(atlasagent.Options{
		ProcessWideConfigPath: flagConfigFile,
		WorkingDirConfigPath:  flagWorkingDirConfig,
	})
	if err != nil {
		log.Abortf("failed to construct agent: %v", err)
	}

	if flagGops {
		if err := agent.EnableGops(); err != nil {
			log.Abortf("gops agent.Listen failed: %v", err)
		}
	}

	agent.Start()

	demoCounter := agent.Registry().CounterFor(sampleIdentity())
	stopTicker := make(chan struct{})
	go func() {
		t := time.NewTicker(10 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-stopTicker:
				return
			case <-t.C:
				demoCounter.Increment()
			}
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	close(stopTicker)
	agent.Stop()
	log.Info("atlas-agent-demo: graceful shutdown complete")
}

func sampleIdentity() *tags.Identity {
	pool := intern.Default
	m, _ := tags.New(pool, "nf.node", "demo-node")
	return tags.NewIdentity(pool.Intern("atlas-agent-demo.heartbeat"), m)
}
