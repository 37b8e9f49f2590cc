package feerate

import (
	"fmt"

	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

// Priority is the urgency tier of a transaction.
type Priority uint8

const (
	// PriorityFastest targets the next block.
	PriorityFastest Priority = iota

	// PriorityThirtyMinutes is the default tier for user sends.
	PriorityThirtyMinutes

	// PrioritySixtyMinutes is the economical tier for user sends.
	PrioritySixtyMinutes

	// PrioritySweep is used for consolidating funds off inactive keysets.
	// Nothing waits on these transactions, so they use a slower target
	// than any send tier.
	PrioritySweep
)

// ConfTarget returns the confirmation target in blocks of the tier.
func (p Priority) ConfTarget() uint32 {
	switch p {
	case PriorityFastest:
		return 1
	case PriorityThirtyMinutes:
		return 3
	case PrioritySixtyMinutes:
		return 6
	default:
		return 12
	}
}

// String returns the name of the tier.
func (p Priority) String() string {
	switch p {
	case PriorityFastest:
		return "fastest"
	case PriorityThirtyMinutes:
		return "thirty_minutes"
	case PrioritySixtyMinutes:
		return "sixty_minutes"
	case PrioritySweep:
		return "sweep"
	default:
		return fmt.Sprintf("priority(%d)", uint8(p))
	}
}

// Estimator maps priority tiers onto a chainfee.Estimator.
type Estimator struct {
	backend chainfee.Estimator
}

// NewEstimator creates an Estimator backed by backend.
func NewEstimator(backend chainfee.Estimator) *Estimator {
	return &Estimator{
		backend: backend,
	}
}

// Start starts the backend.
func (e *Estimator) Start() error {
	return e.backend.Start()
}

// Stop stops the backend.
func (e *Estimator) Stop() error {
	return e.backend.Stop()
}

// FeeRate returns the fee rate for priority, never below the relay fee.
func (e *Estimator) FeeRate(p Priority) (chainfee.SatPerKWeight, error) {
	feeRate, err := e.backend.EstimateFeePerKW(p.ConfTarget())
	if err != nil {
		return 0, fmt.Errorf("estimate %v fee rate: %w", p, err)
	}

	if relay := e.backend.RelayFeePerKW(); feeRate < relay {
		feeRate = relay
	}

	log.Tracef("Fee rate for %v priority: %v", p, feeRate)

	return feeRate, nil
}
