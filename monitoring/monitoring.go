// Package monitoring exports the daemon's metrics to Prometheus.
package monitoring

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/keyrecovery/recoveryd/rcfg"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// shutdownTimeout bounds how long Stop waits for in-flight scrapes.
const shutdownTimeout = 5 * time.Second

// Exporter serves the metrics of a prometheus.Gatherer over HTTP.
type Exporter struct {
	started sync.Once
	stopped sync.Once

	cfg      *rcfg.Prometheus
	gatherer prometheus.Gatherer

	server   *http.Server
	listener net.Listener
	wg       sync.WaitGroup
}

// NewExporter creates an exporter for the default registry, which every
// package registers its metrics with.
func NewExporter(cfg *rcfg.Prometheus) *Exporter {
	return NewExporterWithGatherer(cfg, prometheus.DefaultGatherer)
}

// NewExporterWithGatherer creates an exporter for the given gatherer.
func NewExporterWithGatherer(cfg *rcfg.Prometheus,
	gatherer prometheus.Gatherer) *Exporter {

	return &Exporter{
		cfg:      cfg,
		gatherer: gatherer,
	}
}

// Start listens on the configured address and serves /metrics.
func (e *Exporter) Start() error {
	var startErr error
	e.started.Do(func() {
		listener, err := net.Listen("tcp", e.cfg.Listen)
		if err != nil {
			startErr = err
			return
		}
		e.listener = listener

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(
			e.gatherer, promhttp.HandlerOpts{},
		))
		e.server = &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		log.Infof("Prometheus exporter started on %v/metrics",
			listener.Addr())

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()

			err := e.server.Serve(listener)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("Prometheus exporter failed: %v", err)
			}
		}()
	})

	return startErr
}

// Addr returns the address the exporter listens on, once started.
func (e *Exporter) Addr() net.Addr {
	if e.listener == nil {
		return nil
	}

	return e.listener.Addr()
}

// Stop shuts the HTTP server down.
func (e *Exporter) Stop() error {
	var stopErr error
	e.stopped.Do(func() {
		if e.server == nil {
			return
		}

		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		stopErr = e.server.Shutdown(ctx)
		e.wg.Wait()
	})

	return stopErr
}

// RegisterBuildInfo registers the Go build info collector on registerer.
func RegisterBuildInfo(registerer prometheus.Registerer) error {
	err := registerer.Register(collectors.NewBuildInfoCollector())

	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		return nil
	}

	return err
}
