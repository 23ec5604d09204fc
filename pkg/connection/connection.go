// Package connection holds the authenticated session used by every request
// to the Sumo API. A Connection is shared read-only by all upload workers;
// its only internal mutation is token refresh, which is single-flight.
package connection

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/equinor/fmu-sumo-uploader/pkg/uploaderr"
)

const (
	defaultTimeout     = 60 * time.Second
	defaultRefreshSkew = 2 * time.Minute
)

// Options configures Connect.
type Options struct {
	// Env is the Sumo environment name, kept for logging.
	Env string
	// BaseURL is the API root, e.g. https://host/api/v1.
	BaseURL string
	Tokens  TokenSource
	// Timeout bounds every single request.
	Timeout time.Duration
	// RefreshSkew refreshes JWTs this long before they expire.
	RefreshSkew time.Duration
	// RequestsPerSecond throttles request issuance. Zero disables throttling.
	RequestsPerSecond float64
	Burst             int
	// Transport overrides the HTTP transport, mainly for tests.
	Transport http.RoundTripper
}

// Connection is an authenticated channel to the Sumo API.
type Connection struct {
	log     logrus.FieldLogger
	env     string
	baseURL string
	api     *http.Client
	blob    *http.Client
	tokens  TokenSource
	limiter *rate.Limiter
	skew    time.Duration
	timeout time.Duration

	mu     sync.RWMutex
	token  string
	expiry time.Time

	refreshGroup singleflight.Group
	refreshes    atomic.Int64
}

// Connect validates opts and acquires the first token. A failing token
// source is reported as a KindAuthentication error.
func Connect(ctx context.Context, log logrus.FieldLogger, opts Options) (*Connection, error) {
	if opts.Tokens == nil {
		return nil, uploaderr.Newf(uploaderr.KindAuthentication, "connect", "no token source configured")
	}

	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", opts.BaseURL)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	skew := opts.RefreshSkew
	if skew <= 0 {
		skew = defaultRefreshSkew
	}

	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	c := &Connection{
		log:     log.WithField("component", "connection"),
		env:     opts.Env,
		baseURL: base.String(),
		api:     &http.Client{Timeout: timeout, Transport: transport},
		blob:    &http.Client{Timeout: timeout, Transport: transport},
		tokens:  opts.Tokens,
		skew:    skew,
		timeout: timeout,
	}

	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}

		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	if _, err := c.refresh(ctx); err != nil {
		return nil, err
	}

	c.log.WithFields(logrus.Fields{
		"env":      c.env,
		"base_url": c.baseURL,
	}).Info("Connection to Sumo established")

	return c, nil
}

// Env returns the environment name.
func (c *Connection) Env() string { return c.env }

// BaseURL returns the API root.
func (c *Connection) BaseURL() string { return c.baseURL }

// Refreshes returns how many times a token was fetched from the source.
func (c *Connection) Refreshes() int64 { return c.refreshes.Load() }

// Token returns a valid access token, refreshing it first when it is
// missing or about to expire.
func (c *Connection) Token(ctx context.Context) (string, error) {
	c.mu.RLock()
	tok, exp := c.token, c.expiry
	c.mu.RUnlock()

	if tok != "" && (exp.IsZero() || time.Until(exp) > c.skew) {
		return tok, nil
	}

	return c.refresh(ctx)
}

// Invalidate drops stale so the next Token call refreshes. It does nothing
// if another caller already replaced the token.
func (c *Connection) Invalidate(stale string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token == stale {
		c.token = ""
	}
}

// refresh fetches a new token. Concurrent callers share one fetch.
func (c *Connection) refresh(ctx context.Context) (string, error) {
	ch := c.refreshGroup.DoChan("token", func() (any, error) {
		// The fetch outlives any single caller's cancellation.
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()

		tok, err := c.tokens.Token(fetchCtx)
		if err != nil {
			return "", err
		}

		c.refreshes.Add(1)

		exp := tokenExpiry(tok)

		c.mu.Lock()
		c.token = tok
		c.expiry = exp
		c.mu.Unlock()

		c.log.WithField("expires", exp).Debug("Access token refreshed")

		return tok, nil
	})

	select {
	case <-ctx.Done():
		return "", uploaderr.New(uploaderr.KindCancelled, "refresh token", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return "", uploaderr.New(uploaderr.KindAuthentication, "refresh token", res.Err)
		}

		return res.Val.(string), nil
	}
}

// NewRequest builds an authenticated API request. path is appended to the
// base URL; body, when not nil, is sent as JSON.
func (c *Connection) NewRequest(
	ctx context.Context, method, path string, query url.Values, body []byte,
) (*http.Request, error) {
	tok, err := c.Token(ctx)
	if err != nil {
		return nil, err
	}

	target := c.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var req *http.Request
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	} else {
		req, err = http.NewRequestWithContext(ctx, method, target, nil)
	}

	if err != nil {
		return nil, fmt.Errorf("building request %s %s: %w", method, path, err)
	}

	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Accept", "application/json")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return req, nil
}

// Do sends an API request, waiting for the rate limiter first.
func (c *Connection) Do(req *http.Request) (*http.Response, error) {
	if err := c.wait(req.Context()); err != nil {
		return nil, err
	}

	return c.api.Do(req)
}

// DoBlob sends a request to a pre-signed blob URL. No credentials are added.
func (c *Connection) DoBlob(req *http.Request) (*http.Response, error) {
	if err := c.wait(req.Context()); err != nil {
		return nil, err
	}

	return c.blob.Do(req)
}

// BlobClient returns the unauthenticated client used for pre-signed URLs.
func (c *Connection) BlobClient() *http.Client { return c.blob }

// TokenFromRequest returns the bearer token a request was built with.
func TokenFromRequest(req *http.Request) string {
	return strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")
}

func (c *Connection) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	return nil
}
