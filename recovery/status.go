package recovery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/keyrecovery/recoveryd/subscribe"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/ticker"
)

// DefaultSyncInterval is how often the server's recovery record is fetched
// when nothing else triggers a sync.
const DefaultSyncInterval = time.Minute

// StatusClient fetches the server's recovery record for an account.
type StatusClient interface {
	// GetDelayNotify returns the account's active recovery, or None if
	// there is none.
	GetDelayNotify(ctx context.Context,
		accountID string) (fn.Option[ServerRecovery], error)
}

// StatusServiceConfig holds the collaborators of a StatusService.
type StatusServiceConfig struct {
	// AccountID is the account whose recovery is tracked.
	AccountID string

	Client StatusClient
	Dao    Dao
	Clock  clock.Clock

	// SyncTicker drives the periodic server sync.
	SyncTicker ticker.Ticker
}

// StatusService keeps the local recovery rows in sync with the server and
// publishes the reconciled Recovery state. All subscribers share a single
// reconciliation loop.
type StatusService struct {
	started sync.Once
	stopped sync.Once

	cfg *StatusServiceConfig

	updates *subscribe.Server[fn.Result[Recovery]]

	// recompute is signalled after local writes, so the stream reflects
	// them without waiting for the next server sync.
	recompute chan struct{}

	// syncMtx serializes reconciliation cycles.
	syncMtx sync.Mutex

	gm *fn.GoroutineManager
}

// NewStatusService creates a new StatusService.
func NewStatusService(cfg *StatusServiceConfig) *StatusService {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.SyncTicker == nil {
		cfg.SyncTicker = ticker.New(DefaultSyncInterval)
	}

	return &StatusService{
		cfg:       cfg,
		updates:   subscribe.NewServer[fn.Result[Recovery]](),
		recompute: make(chan struct{}, 1),
		gm:        fn.NewGoroutineManager(),
	}
}

// Start launches the sync loop.
func (s *StatusService) Start() error {
	var startErr error
	s.started.Do(func() {
		log.Infof("Recovery status service starting, account=%v",
			s.cfg.AccountID)

		if err := s.updates.Start(); err != nil {
			startErr = err
			return
		}

		s.cfg.SyncTicker.Resume()

		if !s.gm.Go(context.Background(), s.syncLoop) {
			startErr = errors.New("unable to start sync loop")
		}
	})

	return startErr
}

// Stop halts the sync loop and disconnects all subscribers.
func (s *StatusService) Stop() error {
	var stopErr error
	s.stopped.Do(func() {
		log.Info("Recovery status service shutting down...")

		s.gm.Stop()
		s.cfg.SyncTicker.Stop()
		stopErr = s.updates.Stop()

		log.Info("Recovery status service shutdown complete")
	})

	return stopErr
}

// Status subscribes to the reconciled recovery state. The current state is
// delivered first if one was computed already. The subscription is cancelled
// once ctx is done.
func (s *StatusService) Status(
	ctx context.Context) (*subscribe.Client[fn.Result[Recovery]], error) {

	client, err := s.updates.Subscribe()
	if err != nil {
		return nil, err
	}

	s.gm.Go(ctx, func(ctx context.Context) {
		select {
		case <-ctx.Done():
			client.Cancel()
		case <-client.Quit():
		}
	})

	return client, nil
}

// syncLoop syncs once right away, then on every tick, and recomputes from
// the local rows whenever they change.
//
// NOTE: MUST be run as a goroutine.
func (s *StatusService) syncLoop(ctx context.Context) {
	// Errors are already published on the stream, and the next tick
	// retries.
	_ = s.Sync(ctx)

	for {
		select {
		case <-s.cfg.SyncTicker.Ticks():
			_ = s.Sync(ctx)

		case <-s.recompute:
			_ = s.publishLocal()

		case <-ctx.Done():
			return
		}
	}
}

// Sync runs one reconciliation cycle: fetch the server record, mirror it
// locally and publish the reconciled state.
func (s *StatusService) Sync(ctx context.Context) error {
	s.syncMtx.Lock()
	defer s.syncMtx.Unlock()

	server, err := s.cfg.Client.GetDelayNotify(ctx, s.cfg.AccountID)
	if err != nil {
		return s.fail(&SyncError{
			Kind: CouldNotFetchServerRecovery,
			Err:  err,
		})
	}

	if err := s.cfg.Dao.SetServerRecovery(server); err != nil {
		return s.fail(dbError(err))
	}

	recovery, err := s.current()
	if err != nil {
		return s.fail(err)
	}

	log.Debugf("Recovery synced with server: %v", recovery)
	s.publish(fn.Ok(recovery))

	return nil
}

// Current computes the reconciled state from the local rows without
// contacting the server.
func (s *StatusService) Current() (Recovery, error) {
	s.syncMtx.Lock()
	defer s.syncMtx.Unlock()

	return s.current()
}

func (s *StatusService) current() (Recovery, error) {
	server, err := s.cfg.Dao.ServerRecovery()
	if err != nil {
		return nil, dbError(err)
	}

	local, err := s.cfg.Dao.LocalAttempt()
	if err != nil {
		return nil, dbError(err)
	}

	var (
		serverPtr *ServerRecovery
		localPtr  *LocalRecoveryAttempt
	)
	server.WhenSome(func(r ServerRecovery) {
		serverPtr = &r
	})
	local.WhenSome(func(a LocalRecoveryAttempt) {
		localPtr = &a
	})

	return Reconcile(serverPtr, localPtr, s.cfg.Clock.Now()), nil
}

// publishLocal recomputes from the local rows and publishes the result.
func (s *StatusService) publishLocal() error {
	s.syncMtx.Lock()
	defer s.syncMtx.Unlock()

	recovery, err := s.current()
	if err != nil {
		return s.fail(err)
	}

	s.publish(fn.Ok(recovery))

	return nil
}

func (s *StatusService) fail(err error) error {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		syncFailures.WithLabelValues(syncErr.Kind.String()).Inc()
	}

	log.Errorf("Recovery sync failed: %v", err)
	s.publish(fn.Err[Recovery](err))

	return err
}

func (s *StatusService) publish(r fn.Result[Recovery]) {
	if err := s.updates.SendUpdate(r); err != nil {
		log.Debugf("Dropping recovery update: %v", err)
	}
}

// triggerRecompute asks the sync loop to republish from the local rows.
func (s *StatusService) triggerRecompute() {
	select {
	case s.recompute <- struct{}{}:
	default:
	}
}

// Clear wipes both the mirrored server record and the local attempt.
func (s *StatusService) Clear(_ context.Context) error {
	if err := s.cfg.Dao.Clear(); err != nil {
		return dbError(err)
	}

	s.triggerRecompute()

	return nil
}

// SetLocalRecoveryProgress advances the local attempt's progress marker.
func (s *StatusService) SetLocalRecoveryProgress(_ context.Context,
	progress Progress) error {

	err := s.cfg.Dao.UpdateLocalAttempt(
		func(attempt *LocalRecoveryAttempt) error {
			attempt.Progress = progress
			return nil
		},
	)
	if err != nil {
		return dbError(err)
	}

	log.Infof("Local recovery progress advanced to %v", progress)
	s.triggerRecompute()

	return nil
}

// StartLocalAttempt records a recovery this device just initiated.
func (s *StatusService) StartLocalAttempt(_ context.Context,
	attempt *LocalRecoveryAttempt) error {

	if err := s.cfg.Dao.PutLocalAttempt(attempt); err != nil {
		return dbError(err)
	}

	// The server acknowledged this recovery, so it doubles as the server
	// snapshot until the next sync.
	err := s.cfg.Dao.SetServerRecovery(fn.Some(attempt.ServerRecovery))
	if err != nil {
		return dbError(err)
	}

	s.triggerRecompute()

	return nil
}

// UpdateLocalAttempt applies f to the local attempt atomically. Errors,
// including those returned by f, are wrapped in a SyncDbError.
func (s *StatusService) UpdateLocalAttempt(_ context.Context,
	f func(*LocalRecoveryAttempt) error) error {

	if err := s.cfg.Dao.UpdateLocalAttempt(f); err != nil {
		return dbError(err)
	}

	s.triggerRecompute()

	return nil
}

// LocalAttempt returns the local attempt, if any.
func (s *StatusService) LocalAttempt() (fn.Option[LocalRecoveryAttempt],
	error) {

	return s.cfg.Dao.LocalAttempt()
}
