// Package f8e is the HTTP client of the account server. It implements the
// network interfaces of the recovery and sweep packages.
package f8e

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/google/uuid"
	"github.com/keyrecovery/recoveryd/recovery"
	"github.com/lightningnetwork/lnd/fn/v2"
	"golang.org/x/time/rate"
)

const (
	// requestIDHeader carries a unique id per request for server side
	// tracing.
	requestIDHeader = "X-Request-Id"

	// hwProofHeader carries the hardware's proof of possession.
	hwProofHeader = "X-Hw-Proof"

	// DefaultRequestTimeout is the timeout of a single request.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultRequestsPerSecond is the default rate limit towards the
	// server.
	DefaultRequestsPerSecond = 10
)

// ErrNotAuthenticated is returned for authenticated requests made before a
// token for the needed scope was obtained.
var ErrNotAuthenticated = errors.New("no auth token for scope")

// HTTPError is a non successful response of the server.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
	RequestID  string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server returned %d %s: %s (request %s)",
			e.StatusCode, e.Code, e.Message, e.RequestID)
	}

	return fmt.Sprintf("server returned %d: %s (request %s)", e.StatusCode,
		e.Message, e.RequestID)
}

// IsNotFound reports whether err is a 404 response.
func IsNotFound(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) &&
		httpErr.StatusCode == http.StatusNotFound
}

// errorBody is the JSON error document returned by the server.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Config holds the configuration of the Client.
type Config struct {
	// BaseURL is the server's root URL, e.g. https://api.example.com.
	BaseURL string

	// Network is the bitcoin network the account lives on.
	Network *chaincfg.Params

	// RequestTimeout defaults to DefaultRequestTimeout.
	RequestTimeout time.Duration

	// RequestsPerSecond and Burst bound the request rate. Defaults to
	// DefaultRequestsPerSecond with an equal burst.
	RequestsPerSecond float64
	Burst             int
}

// Client talks to the account server.
type Client struct {
	cfg *Config

	httpClient *http.Client
	limiter    *rate.Limiter

	tokensMtx sync.RWMutex
	tokens    map[recovery.AuthScope]string
}

// NewClient creates a new Client.
func NewClient(cfg *Config) *Client {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.RequestsPerSecond == 0 {
		cfg.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if cfg.Burst == 0 {
		cfg.Burst = int(cfg.RequestsPerSecond)
	}

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		limiter: rate.NewLimiter(
			rate.Limit(cfg.RequestsPerSecond), cfg.Burst,
		),
		tokens: make(map[recovery.AuthScope]string),
	}
}

// SetToken sets the bearer token used for requests of the given scope.
func (c *Client) SetToken(scope recovery.AuthScope, token string) {
	c.tokensMtx.Lock()
	defer c.tokensMtx.Unlock()

	c.tokens[scope] = token
}

func (c *Client) token(scope recovery.AuthScope) (string, bool) {
	c.tokensMtx.RLock()
	defer c.tokensMtx.RUnlock()

	token, ok := c.tokens[scope]

	return token, ok
}

// request describes one call to the server.
type request struct {
	method string
	path   string

	// auth selects the bearer token. Unauthenticated requests leave it
	// unset.
	auth fn.Option[recovery.AuthScope]

	hwProof fn.Option[recovery.HardwareProof]

	in  any
	out any
}

// do sends the request and decodes the response into req.out.
func (c *Client) do(ctx context.Context, req *request) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var body io.Reader
	if req.in != nil {
		encoded, err := json.Marshal(req.in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	reqURL := strings.TrimSuffix(c.cfg.BaseURL, "/") + req.path
	httpReq, err := http.NewRequestWithContext(
		ctx, req.method, reqURL, body,
	)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	requestID := uuid.NewString()
	httpReq.Header.Set(requestIDHeader, requestID)
	httpReq.Header.Set("Accept", "application/json")
	if req.in != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	if scope, ok := optionValue(req.auth); ok {
		token, ok := c.token(scope)
		if !ok {
			return fmt.Errorf("%w: %d", ErrNotAuthenticated, scope)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	req.hwProof.WhenSome(func(proof recovery.HardwareProof) {
		httpReq.Header.Set(
			hwProofHeader,
			base64.StdEncoding.EncodeToString(proof.Token),
		)
	})

	log.Tracef("Request %s: %s %s", requestID, req.method, req.path)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.method, req.path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		httpErr := &HTTPError{
			StatusCode: resp.StatusCode,
			RequestID:  requestID,
		}

		var eb errorBody
		if json.Unmarshal(respBody, &eb) == nil {
			httpErr.Code = eb.Code
			httpErr.Message = eb.Message
		}
		if httpErr.Message == "" {
			httpErr.Message = strings.TrimSpace(string(respBody))
		}

		log.Debugf("Request %s failed: %v", requestID, httpErr)

		return httpErr
	}

	if req.out == nil || len(respBody) == 0 {
		return nil
	}

	if err := json.Unmarshal(respBody, req.out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}

// optionValue unpacks an option into the comma ok form.
func optionValue[T any](o fn.Option[T]) (T, bool) {
	var (
		v  T
		ok bool
	)
	o.WhenSome(func(t T) {
		v, ok = t, true
	})

	return v, ok
}

// accountPath returns the path of an account scoped resource. Every part is
// escaped as a single path segment.
func accountPath(accountID string, parts ...string) string {
	segments := make([]string, 0, len(parts)+1)
	segments = append(segments, url.PathEscape(accountID))
	for _, part := range parts {
		segments = append(segments, url.PathEscape(part))
	}

	return "/api/accounts/" + strings.Join(segments, "/")
}

// global is the auth option of requests made with the global token.
func global() fn.Option[recovery.AuthScope] {
	return fn.Some(recovery.AuthScopeGlobal)
}
