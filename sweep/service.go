package sweep

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keyrecovery/recoveryd/keyset"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultCheckInterval is how often the service checks whether a sweep is
// required.
const DefaultCheckInterval = 30 * time.Minute

var sweepRequiredGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "recoveryd",
	Subsystem: "sweep",
	Name:      "required",
	Help:      "Whether funds are waiting on inactive keysets (0 or 1).",
})

// SweepGenerator builds sweeps for a keybox.
type SweepGenerator interface {
	GenerateSweep(ctx context.Context, kb *keyset.Keybox,
		sweepCtx Context) ([]Psbt, error)
}

// KeyboxSource returns the keybox of the active full account, if any.
type KeyboxSource interface {
	ActiveKeybox() (fn.Option[keyset.Keybox], error)
}

// ServiceConfig holds the collaborators of a Service.
type ServiceConfig struct {
	Generator SweepGenerator
	Accounts  KeyboxSource

	// CheckTicker drives the periodic sweep check.
	CheckTicker ticker.Ticker
}

// Service keeps an advisory "sweep required" flag up to date and prepares
// sweeps on request.
type Service struct {
	started sync.Once
	stopped sync.Once

	cfg *ServiceConfig

	// sweepRequired is only written by CheckForSweeps.
	sweepRequired atomic.Bool

	gm *fn.GoroutineManager
}

// NewService creates a new Service.
func NewService(cfg *ServiceConfig) *Service {
	if cfg.CheckTicker == nil {
		cfg.CheckTicker = ticker.New(DefaultCheckInterval)
	}

	return &Service{
		cfg: cfg,
		gm:  fn.NewGoroutineManager(),
	}
}

// Start launches the periodic sweep check.
func (s *Service) Start() error {
	var startErr error
	s.started.Do(func() {
		log.Info("Sweep service starting")

		s.cfg.CheckTicker.Resume()

		if !s.gm.Go(context.Background(), s.ExecuteWork) {
			startErr = errors.New("unable to start sweep check loop")
		}
	})

	return startErr
}

// Stop halts the periodic sweep check.
func (s *Service) Stop() error {
	s.stopped.Do(func() {
		log.Info("Sweep service shutting down...")

		s.gm.Stop()
		s.cfg.CheckTicker.Stop()

		log.Info("Sweep service shutdown complete")
	})

	return nil
}

// ExecuteWork checks for sweeps right away and then on every tick until ctx
// is done.
func (s *Service) ExecuteWork(ctx context.Context) {
	s.CheckForSweeps(ctx)

	for {
		select {
		case <-s.cfg.CheckTicker.Ticks():
			s.CheckForSweeps(ctx)

		case <-ctx.Done():
			return
		}
	}
}

// CheckForSweeps recomputes the sweep required flag. Any failure clears the
// flag.
func (s *Service) CheckForSweeps(ctx context.Context) {
	required, err := s.sweepRequiredNow(ctx)
	if err != nil {
		log.Errorf("Unable to check for sweeps: %v", err)
	}

	s.setSweepRequired(required)
}

func (s *Service) sweepRequiredNow(ctx context.Context) (bool, error) {
	kb, err := s.cfg.Accounts.ActiveKeybox()
	if err != nil {
		return false, err
	}

	if kb.IsNone() {
		return false, nil
	}

	keybox, err := kb.UnwrapOrErr(errors.New("no active keybox"))
	if err != nil {
		return false, err
	}

	psbts, err := s.cfg.Generator.GenerateSweep(
		ctx, &keybox, ContextEstimate,
	)
	if err != nil {
		return false, err
	}

	return len(psbts) > 0, nil
}

func (s *Service) setSweepRequired(required bool) {
	if s.sweepRequired.Swap(required) != required {
		log.Infof("Sweep required: %v", required)
	}

	if required {
		sweepRequiredGauge.Set(1)
	} else {
		sweepRequiredGauge.Set(0)
	}
}

// SweepRequired reports the result of the last sweep check.
func (s *Service) SweepRequired() bool {
	return s.sweepRequired.Load()
}

// PrepareSweep generates the sweep of kb that the user should sign. A nil
// Sweep is returned if there is nothing to sweep.
func (s *Service) PrepareSweep(ctx context.Context,
	kb *keyset.Keybox) (*Sweep, error) {

	psbts, err := s.cfg.Generator.GenerateSweep(ctx, kb, ContextReal)
	if err != nil {
		return nil, err
	}

	if len(psbts) == 0 {
		return nil, nil
	}

	return &Sweep{Psbts: psbts}, nil
}
