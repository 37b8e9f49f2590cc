package recoveryd

import (
	"context"
	"fmt"

	"github.com/keyrecovery/recoveryd/build"
	"github.com/keyrecovery/recoveryd/monitoring"
	"github.com/keyrecovery/recoveryd/rcfg"
	"github.com/lightningnetwork/lnd/healthcheck"
	"github.com/lightningnetwork/lnd/signal"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// Main is the true entry point for recoveryd. It runs until the interceptor
// requests a shutdown.
func Main(cfg *Config, interceptor signal.Interceptor) error {
	defer func() {
		rdLog.Info("Shutdown complete")
		if cfg.LogRotator != nil {
			_ = cfg.LogRotator.Close()
		}
	}()

	rdLog.Infof("Version: %s commit=%s, build=%s", build.Version(),
		build.Commit, build.Deployment)
	rdLog.Infof("Active network: %v", cfg.ActiveNetParams.Name)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	services, err := NewServices(cfg)
	if err != nil {
		rdLog.Errorf("Unable to create services: %v", err)
		return err
	}
	defer func() {
		if err := services.Close(); err != nil {
			rdLog.Errorf("Unable to close database: %v", err)
		}
	}()

	accountID, err := services.RequireAccount()
	if err != nil {
		return err
	}
	rdLog.Infof("Tracking account %v", accountID)

	// The fee cache and the auth tokens both need a round trip, so they
	// are fetched concurrently.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := services.Fees.Start(); err != nil {
			return fmt.Errorf("unable to start fee estimator: %w",
				err)
		}

		return nil
	})
	g.Go(func() error {
		err := services.Authenticate(gctx)
		if err != nil {
			rdLog.Warnf("Unable to authenticate with server, "+
				"continuing unauthenticated: %v", err)
		}

		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	defer func() {
		_ = services.Fees.Stop()
	}()

	if err := services.Status.Start(); err != nil {
		return fmt.Errorf("unable to start recovery status: %w", err)
	}
	defer func() {
		_ = services.Status.Stop()
	}()

	if !cfg.Sweeper.Disable {
		if err := services.Sweeps.Start(); err != nil {
			return fmt.Errorf("unable to start sweep service: %w",
				err)
		}
		defer func() {
			_ = services.Sweeps.Stop()
		}()
	}

	monitor := healthcheck.NewMonitor(&healthcheck.Config{
		Checks: healthChecks(ctx, cfg, services),
		Shutdown: func(format string, params ...interface{}) {
			rdLog.Criticalf("Health check: "+format, params...)
			interceptor.RequestShutdown()
		},
	})
	if err := monitor.Start(); err != nil {
		return fmt.Errorf("unable to start health monitor: %w", err)
	}
	defer func() {
		_ = monitor.Stop()
	}()

	if cfg.Prometheus.Enabled() {
		registerer := prometheus.DefaultRegisterer
		if err := monitoring.RegisterBuildInfo(registerer); err != nil {
			return err
		}

		exporter := monitoring.NewExporter(cfg.Prometheus)
		if err := exporter.Start(); err != nil {
			return fmt.Errorf("unable to start metrics "+
				"exporter: %w", err)
		}
		defer func() {
			_ = exporter.Stop()
		}()
	}

	go logRecoveryStatus(ctx, services)

	rdLog.Info("recoveryd started")

	<-interceptor.ShutdownChannel()

	return nil
}

// logRecoveryStatus logs every reconciled recovery state until ctx is done.
func logRecoveryStatus(ctx context.Context, s *Services) {
	updates, err := s.Status.Status(ctx)
	if err != nil {
		rdLog.Errorf("Unable to subscribe to recovery status: %v", err)
		return
	}

	for {
		select {
		case update := <-updates.Updates():
			r, err := update.Unpack()
			if err != nil {
				rdLog.Warnf("Recovery status unavailable: %v",
					err)

				continue
			}

			rdLog.Infof("Recovery status: %v", r)

		case <-updates.Quit():
			return

		case <-ctx.Done():
			return
		}
	}
}

// healthChecks builds the observations for the chain backend, the account
// server and the free disk space. Checks with zero attempts are disabled.
func healthChecks(ctx context.Context, cfg *Config,
	s *Services) []*healthcheck.Observation {

	var checks []*healthcheck.Observation
	add := func(name string, c *rcfg.CheckConfig, check func() error) {
		if c.Attempts == 0 {
			return
		}

		checks = append(checks, healthcheck.NewObservation(
			name, check, c.Interval, c.Timeout, c.Backoff,
			c.Attempts,
		))
	}

	hc := cfg.HealthChecks
	add("chain backend", hc.ChainCheck, func() error {
		cctx, cancel := context.WithTimeout(ctx, hc.ChainCheck.Timeout)
		defer cancel()

		_, err := s.Chain.GetTipHeight(cctx)

		return err
	})

	add("server", hc.ServerCheck, func() error {
		cctx, cancel := context.WithTimeout(ctx, hc.ServerCheck.Timeout)
		defer cancel()

		accountID, err := s.RequireAccount()
		if err != nil {
			return err
		}

		_, err = s.Server.GetDelayNotify(cctx, accountID)

		return err
	})

	add("disk space", hc.DiskCheck.CheckConfig, func() error {
		free, err := healthcheck.AvailableDiskSpaceRatio(cfg.DataDir)
		if err != nil {
			return err
		}

		if free < hc.DiskCheck.RequiredRemaining {
			return fmt.Errorf("require: %v free space, got: %v",
				hc.DiskCheck.RequiredRemaining, free)
		}

		return nil
	})

	return checks
}
