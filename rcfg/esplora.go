package rcfg

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

const (
	// DefaultEsploraRequestTimeout is the default timeout for HTTP
	// requests to the Esplora API.
	DefaultEsploraRequestTimeout = 30 * time.Second

	// DefaultEsploraMaxRetries is the default number of times to retry
	// a failed request before giving up.
	DefaultEsploraMaxRetries = 3

	// DefaultEsploraRetryBackoff is the delay before the first retry. It
	// grows linearly with every further attempt.
	DefaultEsploraRetryBackoff = time.Second

	// DefaultFeeUpdateInterval is how often fee estimates are refreshed.
	DefaultFeeUpdateInterval = 5 * time.Minute
)

// Esplora holds the configuration options for the daemon's connection to
// an Esplora HTTP API server (e.g., mempool.space, blockstream.info, or
// a local electrs/mempool instance).
//
//nolint:ll
type Esplora struct {
	// URL is the base URL of the Esplora API to connect to.
	// Examples:
	//   - http://localhost:3002 (local electrs/mempool)
	//   - https://blockstream.info/api (Blockstream mainnet)
	//   - https://mempool.space/testnet/api (mempool.space testnet)
	URL string `long:"url" description:"The base URL of the Esplora API (e.g., http://localhost:3002)"`

	RequestTimeout time.Duration `long:"requesttimeout" description:"Timeout for HTTP requests to the Esplora API."`

	MaxRetries int `long:"maxretries" description:"Maximum number of times to retry a failed request."`

	RetryBackoff time.Duration `long:"retrybackoff" description:"Delay before retrying a failed request, multiplied by the attempt number."`

	FeeUpdateInterval time.Duration `long:"feeupdateinterval" description:"Interval at which fee estimates are refreshed."`

	FallbackFeeRate chainfee.SatPerVByte `long:"fallbackfeerate" description:"Fee rate in sat/vb used when the API has no estimate for a target. 0 disables the fallback."`
}

// DefaultEsploraConfig returns a new Esplora config with default values
// populated.
func DefaultEsploraConfig() *Esplora {
	return &Esplora{
		RequestTimeout:    DefaultEsploraRequestTimeout,
		MaxRetries:        DefaultEsploraMaxRetries,
		RetryBackoff:      DefaultEsploraRetryBackoff,
		FeeUpdateInterval: DefaultFeeUpdateInterval,
	}
}

// Validate checks the values configured for the Esplora API.
func (e *Esplora) Validate() error {
	if e.URL == "" {
		return errors.New("esplora.url must be set")
	}

	u, err := url.Parse(e.URL)
	if err != nil {
		return fmt.Errorf("invalid esplora.url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("esplora.url must be http or https, got %q",
			u.Scheme)
	}

	if e.RequestTimeout <= 0 {
		return errors.New("esplora.requesttimeout must be positive")
	}

	if e.MaxRetries < 0 {
		return errors.New("esplora.maxretries must not be negative")
	}

	if e.FeeUpdateInterval <= 0 {
		return errors.New("esplora.feeupdateinterval must be positive")
	}

	return nil
}

// Compile-time constraint to ensure Esplora implements the Validator
// interface.
var _ Validator = (*Esplora)(nil)
