package confirm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/clock"
)

// DefaultPollInterval is the delay between two probes when the config
// doesn't set one.
const DefaultPollInterval = 3 * time.Second

// ErrNoTerminalState is returned by Await when polling stopped before a
// terminal state was produced.
var ErrNoTerminalState = errors.New("polling stopped before a terminal " +
	"state")

// Probe asks the remote party for the current confirmation state once.
type Probe[T any] func(ctx context.Context) (State[T], error)

// PollConfig controls a polling loop.
type PollConfig struct {
	// Interval is the delay between a non-terminal probe result and the
	// next probe.
	Interval time.Duration

	// Clock drives the interval timer.
	Clock clock.Clock

	// OnCancel, if set, is invoked when the context is cancelled before a
	// terminal state was emitted. It runs before the state channel is
	// closed.
	OnCancel func()
}

func (c *PollConfig) withDefaults() PollConfig {
	cfg := *c
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	return cfg
}

// Poll invokes probe immediately and emits each result on the returned
// channel. Non-terminal results are followed by a wait of cfg.Interval and
// another probe. The channel is closed right after the first terminal state,
// or once ctx is cancelled. Probe errors and panics are logged and reported
// as Pending.
func Poll[T any](ctx context.Context, cfg PollConfig,
	probe Probe[T]) <-chan State[T] {

	cfg = cfg.withDefaults()
	states := make(chan State[T])

	go func() {
		defer close(states)

		cancelled := func() {
			log.Debugf("Confirmation polling cancelled: %v",
				ctx.Err())

			if cfg.OnCancel != nil {
				cfg.OnCancel()
			}
		}

		for attempt := 1; ; attempt++ {
			state := runProbe(ctx, probe)

			// A probe that returned because the context was
			// cancelled must not be reported.
			if ctx.Err() != nil {
				cancelled()
				return
			}

			log.Tracef("Confirmation probe attempt=%d result=%v",
				attempt, state)

			select {
			case states <- state:
			case <-ctx.Done():
				cancelled()
				return
			}

			if state.IsTerminal() {
				return
			}

			select {
			case <-cfg.Clock.TickAfter(cfg.Interval):
			case <-ctx.Done():
				cancelled()
				return
			}
		}
	}()

	return states
}

// runProbe calls probe and folds errors and panics into Pending.
func runProbe[T any](ctx context.Context, probe Probe[T]) (state State[T]) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Confirmation probe panicked: %v", r)
			state = Pending[T]()
		}
	}()

	state, err := probe(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Warnf("Confirmation probe failed, will retry: %v",
				err)
		}

		return Pending[T]()
	}

	return state
}

// Await polls until a terminal state is produced and returns it. If ctx is
// cancelled first, the context error is returned.
func Await[T any](ctx context.Context, cfg PollConfig,
	probe Probe[T]) (State[T], error) {

	for state := range Poll(ctx, cfg, probe) {
		if state.IsTerminal() {
			return state, nil
		}
	}

	if err := ctx.Err(); err != nil {
		return Pending[T](), err
	}

	return Pending[T](), ErrNoTerminalState
}

// AwaitConfirmed is like Await but turns Rejected and Expired into errors.
func AwaitConfirmed[T any](ctx context.Context, cfg PollConfig,
	probe Probe[T]) (T, error) {

	var zero T

	state, err := Await(ctx, cfg, probe)
	if err != nil {
		return zero, err
	}

	switch state.Kind() {
	case KindConfirmed:
		val, _ := state.Value()
		return val, nil

	case KindRejected:
		return zero, ErrRejected

	case KindExpired:
		return zero, ErrExpired

	default:
		return zero, fmt.Errorf("unexpected state %v", state)
	}
}

var (
	// ErrRejected is returned by AwaitConfirmed for a rejected
	// confirmation.
	ErrRejected = errors.New("confirmation rejected")

	// ErrExpired is returned by AwaitConfirmed for an expired
	// confirmation.
	ErrExpired = errors.New("confirmation expired")
)
