package rcfg

import (
	"errors"
	"time"
)

const (
	// DefaultRecoverySyncInterval is how often the server's recovery
	// record is fetched.
	DefaultRecoverySyncInterval = time.Minute

	// DefaultDelayPollInterval is how often the end of a delay period is
	// checked while waiting on it.
	DefaultDelayPollInterval = 10 * time.Second
)

// Recovery holds the options of the recovery status service.
//
//nolint:ll
type Recovery struct {
	AccountID string `long:"accountid" description:"Account to track recovery for when no full account is stored locally, such as on a replacement device."`

	SyncInterval time.Duration `long:"syncinterval" description:"Interval at which the server's recovery record is fetched."`

	DelayPollInterval time.Duration `long:"delaypollinterval" description:"Interval at which the end of a delay period is checked while waiting on it."`
}

// DefaultRecovery returns the default recovery options.
func DefaultRecovery() *Recovery {
	return &Recovery{
		SyncInterval:      DefaultRecoverySyncInterval,
		DelayPollInterval: DefaultDelayPollInterval,
	}
}

// Validate checks the values configured for recovery.
func (r *Recovery) Validate() error {
	if r.SyncInterval <= 0 {
		return errors.New("recovery.syncinterval must be positive")
	}

	if r.DelayPollInterval <= 0 {
		return errors.New("recovery.delaypollinterval must be positive")
	}

	return nil
}

// Compile-time constraint to ensure Recovery implements the Validator
// interface.
var _ Validator = (*Recovery)(nil)
