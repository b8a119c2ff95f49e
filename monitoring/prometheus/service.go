// Package prometheus serves the node's metrics and health endpoints.
package prometheus

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"runtime/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/ceramicnetwork/go-cas/runtime"
)

var log = logrus.WithField("prefix", "prometheus")

// Service exposes /metrics (default Prometheus registry), /healthz (the
// status of every registered service), and /goroutinez.
type Service struct {
	server     *http.Server
	registry   *runtime.ServiceRegistry
	failStatus error
}

// NewService sets up the monitoring server on addr. An empty host binds all
// interfaces, so ":8080" is acceptable.
func NewService(addr string, registry *runtime.ServiceRegistry) *Service {
	s := &Service{registry: registry}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.healthzHandler)
	mux.HandleFunc("/goroutinez", s.goroutinezHandler)

	s.server = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return s
}

func (s *Service) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	statuses := s.registry.Statuses()
	hasError := false
	var buf bytes.Buffer
	for kind, err := range statuses {
		status := "OK"
		if err != nil {
			hasError = true
			status = "ERROR " + err.Error()
		}
		fmt.Fprintf(&buf, "%s: %s\n", kind, status)
	}

	if hasError {
		w.WriteHeader(http.StatusInternalServerError)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		log.WithError(err).Error("Could not write healthz body")
	}
}

func (s *Service) goroutinezHandler(w http.ResponseWriter, _ *http.Request) {
	// #nosec G104
	w.Write(debug.Stack())
	// #nosec G104
	pprof.Lookup("goroutine").WriteTo(w, 2)
}

// Start the monitoring server.
func (s *Service) Start() {
	log.WithField("endpoint", s.server.Addr).Info("Starting monitoring server")
	go func() {
		err := s.server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			log.WithError(err).Errorf("Could not listen on %s", s.server.Addr)
			s.failStatus = err
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Service) Stop() error {
	log.Info("Stopping monitoring server")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Status reports a failed listen.
func (s *Service) Status() error {
	return s.failStatus
}
