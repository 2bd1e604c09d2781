// Package introspect runs the agent's local, off-by-default diagnostics
// server: a Prometheus /metrics endpoint mirroring the live meter
// registry plus a /debug/vars-style JSON dump, routed and logged with
// gorilla/mux and gorilla/handlers, plus an optional
// github.com/google/gops/agent listener for live process diagnostics.
package introspect

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/gops/agent"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Netflix-Skunkworks/atlas-agent-go/internal/intern"
	"github.com/Netflix-Skunkworks/atlas-agent-go/internal/registry"
	"github.com/Netflix-Skunkworks/atlas-agent-go/pkg/log"
)

// Server exposes /metrics and /debug/vars for a single registry over an
// HTTP listener on its configured address. Construct with New, then Start/Stop.
type Server struct {
	reg  *registry.Registry
	addr string

	mu       sync.Mutex
	http     *http.Server
	listener net.Listener
}

// New builds a Server that mirrors reg's measurements. addr is the
// listen address, e.g. "127.0.0.1:8981"; it is bound exactly as given,
// so only a loopback address keeps the server local.
func New(reg *registry.Registry, addr string) *Server {
	return &Server{reg: reg, addr: addr}
}

// Start binds the listener and begins serving in a background
// goroutine. It is a no-op if already started.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.http != nil {
		return nil
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("introspect: listen on %s: %w", s.addr, err)
	}

	router := mux.NewRouter()
	reg := prometheus.NewRegistry()
	if err := reg.Register(newCollector(s.reg)); err != nil {
		return fmt.Errorf("introspect: register collector: %w", err)
	}
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	router.HandleFunc("/debug/vars", s.handleDebugVars)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	logged := handlers.CustomLoggingHandler(log.InfoWriter, router, func(w io.Writer, params handlers.LogFormatterParams) {
		fmt.Fprintf(w, "introspect: %s %s (%d, %d bytes)\n",
			params.Request.Method, params.URL.RequestURI(), params.StatusCode, params.Size)
	})

	s.http = &http.Server{Handler: logged, ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second}
	s.listener = listener

	go func() {
		if err := s.http.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Errorf("introspect: server exited: %v", err)
		}
	}()
	log.Infof("introspect: listening at %s", s.addr)
	return nil
}

// Stop gracefully shuts the listener down. It is a no-op if never
// started.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.http == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.http.Shutdown(ctx)
	s.http = nil
	s.listener = nil
}

func (s *Server) handleDebugVars(w http.ResponseWriter, r *http.Request) {
	measurements := s.reg.Measurements()
	out := make([]map[string]interface{}, 0, len(measurements))
	for _, m := range measurements {
		if math.IsNaN(m.Value) {
			continue // no observation this interval; skip rather than emit invalid JSON
		}
		tagMap := map[string]string{}
		if m.ID.Tags != nil {
			m.ID.Tags.Each(func(k, v *intern.Handle) {
				tagMap[k.String()] = v.String()
			})
		}
		out = append(out, map[string]interface{}{
			"name":      m.ID.Name.String(),
			"tags":      tagMap,
			"value":     m.Value,
			"timestamp": m.Timestamp,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// StartGops turns on the optional live process-diagnostics listener
// (goroutine dumps, GC stats), in lock-step with the embedding
// program's own Start().
func StartGops() error {
	if err := agent.Listen(agent.Options{}); err != nil {
		return fmt.Errorf("introspect: gops agent.Listen: %w", err)
	}
	return nil
}

// StopGops tears down the gops listener started by StartGops.
func StopGops() {
	agent.Close()
}
