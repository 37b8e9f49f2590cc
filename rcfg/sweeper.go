package rcfg

import (
	"fmt"
	"time"
)

const (
	// DefaultSweepCheckInterval is how often the daemon checks whether
	// funds are left on inactive keysets.
	DefaultSweepCheckInterval = 30 * time.Minute

	// MinSweepCheckInterval is the shortest allowed check interval. Every
	// check syncs all signable keysets against the chain backend.
	MinSweepCheckInterval = time.Minute
)

// Sweeper holds the options of the sweep service.
//
//nolint:ll
type Sweeper struct {
	Disable bool `long:"disable" description:"Disable the periodic check for funds on inactive keysets."`

	CheckInterval time.Duration `long:"checkinterval" description:"Interval at which inactive keysets are checked for funds."`

	GapLimit uint32 `long:"gaplimit" description:"Number of consecutive unused addresses after which a wallet sync stops scanning."`
}

// DefaultSweeper returns the default sweeper options.
func DefaultSweeper() *Sweeper {
	return &Sweeper{
		CheckInterval: DefaultSweepCheckInterval,
		GapLimit:      20,
	}
}

// Validate checks the values configured for the sweeper.
func (s *Sweeper) Validate() error {
	if s.Disable {
		return nil
	}

	if s.CheckInterval < MinSweepCheckInterval {
		return fmt.Errorf("sweeper.checkinterval must be at least %v",
			MinSweepCheckInterval)
	}

	if s.GapLimit == 0 {
		return fmt.Errorf("sweeper.gaplimit must be positive")
	}

	return nil
}

// Compile-time constraint to ensure Sweeper implements the Validator
// interface.
var _ Validator = (*Sweeper)(nil)
