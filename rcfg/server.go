package rcfg

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

const (
	// DefaultServerRequestTimeout is the default timeout of a request to
	// the account server.
	DefaultServerRequestTimeout = 30 * time.Second

	// DefaultServerRequestsPerSecond limits the request rate towards the
	// account server.
	DefaultServerRequestsPerSecond = 10
)

// Server holds the options for the account server ("F8e") connection.
//
//nolint:ll
type Server struct {
	URL string `long:"url" description:"The base URL of the account server API."`

	RequestTimeout time.Duration `long:"requesttimeout" description:"Timeout for requests to the account server."`

	RequestsPerSecond float64 `long:"rps" description:"Maximum sustained number of requests per second sent to the account server."`

	Burst int `long:"burst" description:"Number of requests allowed to exceed the rate limit at once."`
}

// DefaultServer returns the default server options.
func DefaultServer() *Server {
	return &Server{
		RequestTimeout:    DefaultServerRequestTimeout,
		RequestsPerSecond: DefaultServerRequestsPerSecond,
		Burst:             1,
	}
}

// Validate checks the values configured for the account server.
func (s *Server) Validate() error {
	if s.URL == "" {
		return errors.New("server.url must be set")
	}

	if _, err := url.ParseRequestURI(s.URL); err != nil {
		return fmt.Errorf("invalid server.url: %w", err)
	}

	if s.RequestTimeout <= 0 {
		return errors.New("server.requesttimeout must be positive")
	}

	if s.RequestsPerSecond <= 0 {
		return errors.New("server.rps must be positive")
	}

	if s.Burst < 1 {
		return errors.New("server.burst must be at least 1")
	}

	return nil
}

// Compile-time constraint to ensure Server implements the Validator
// interface.
var _ Validator = (*Server)(nil)
