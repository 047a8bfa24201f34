package gitlab

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/paulbellamy/ratecounter"
	goGitlab "gitlab.com/gitlab-org/api/client-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/helvethink/release-pipeline/pkg/ratelimit"
)

const (
	userAgent  = "release-pipeline"
	tracerName = "release-pipeline"
)

// Client is a wrapper around the official go-gitlab client,
// adding support for rate limiting, request counting and readiness checks.
type Client struct {
	*goGitlab.Client // Embedded GitLab API client

	// Readiness contains configuration to check if the GitLab instance
	// is responsive and healthy via an HTTP endpoint.
	Readiness struct {
		URL        string       // URL for readiness checks
		HTTPClient *http.Client // HTTP client used to perform readiness requests
	}

	RateLimiter     ratelimit.Limiter        // RateLimiter controls the rate of API requests to avoid hitting GitLab rate limits.
	RateCounter     *ratecounter.RateCounter // RateCounter tracks the number of requests over time.
	RequestsCounter atomic.Uint64            // RequestsCounter is an atomic counter for total requests sent.

	requestsLimit     int          // requestsLimit is the maximum allowed number of requests within a certain period.
	requestsRemaining int          // requestsRemaining tracks how many requests can still be sent before hitting the limit.
	mutex             sync.RWMutex // mutex protects the fields above.
}

// ClientConfig holds configuration options needed to instantiate a new Client.
type ClientConfig struct {
	URL              string            // Base URL of the GitLab instance
	Token            string            // API token for authentication
	UserAgentVersion string            // User agent string for client identification
	DisableTLSVerify bool              // Whether to skip TLS verification (e.g., for self-signed certs)
	ReadinessURL     string            // URL used for readiness checks
	RateLimiter      ratelimit.Limiter // Optional custom rate limiter implementation
}

// NewHTTPClient creates an instrumented HTTP client with optional TLS verification disabling.
// It clones the default transport to preserve proxy settings and other defaults.
func NewHTTPClient(disableTLSVerify bool) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: disableTLSVerify} // #nosec G402 opt-in

	return &http.Client{
		Transport: otelhttp.NewTransport(transport),
	}
}

// NewClient creates and returns a new Client instance configured with
// the provided ClientConfig.
func NewClient(cfg ClientConfig) (*Client, error) {
	// Retries are disabled, a failing call is surfaced to the caller which decides whether to poll again.
	opts := []goGitlab.ClientOptionFunc{
		goGitlab.WithHTTPClient(NewHTTPClient(cfg.DisableTLSVerify)),
		goGitlab.WithBaseURL(cfg.URL),
		goGitlab.WithoutRetries(),
	}

	gc, err := goGitlab.NewClient(cfg.Token, opts...)
	if err != nil {
		return nil, err
	}

	gc.UserAgent = fmt.Sprintf("%s-%s", userAgent, cfg.UserAgentVersion)

	readinessCheckHTTPClient := NewHTTPClient(cfg.DisableTLSVerify)
	readinessCheckHTTPClient.Timeout = 5 * time.Second

	c := &Client{
		Client:      gc,
		RateLimiter: cfg.RateLimiter,
		RateCounter: ratecounter.NewRateCounter(time.Second),
	}

	c.Readiness.URL = cfg.ReadinessURL
	c.Readiness.HTTPClient = readinessCheckHTTPClient

	return c, nil
}

// ReadinessCheck returns a healthcheck.Check function that performs
// an HTTP GET request to the configured readiness URL to verify if
// the GitLab service is ready to accept requests.
func (c *Client) ReadinessCheck(ctx context.Context) healthcheck.Check {
	return func() error {
		ctx, span := otel.Tracer(tracerName).Start(ctx, "gitlab:ReadinessCheck")
		defer span.End()

		if c.Readiness.HTTPClient == nil || c.Readiness.URL == "" {
			return fmt.Errorf("readiness check not configured")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Readiness.URL, nil)
		if err != nil {
			return err
		}

		resp, err := c.Readiness.HTTPClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("HTTP error: %d", resp.StatusCode)
		}

		return nil
	}
}

// rateLimit blocks until the RateLimiter allows a new request, and accounts for it.
func (c *Client) rateLimit(ctx context.Context) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "gitlab:rateLimit")
	defer span.End()

	if _, err := ratelimit.Take(ctx, c.RateLimiter); err != nil {
		return err
	}

	c.RateCounter.Incr(1)
	c.RequestsCounter.Add(1)

	return nil
}

// RequestsRemaining returns the budget GitLab reported on the last response, -1 if unknown.
func (c *Client) RequestsRemaining() (remaining, limit int) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	if c.requestsLimit == 0 {
		return -1, -1
	}

	return c.requestsRemaining, c.requestsLimit
}

// updateRequestsRemaining parses rate limit headers from the GitLab API response.
func (c *Client) updateRequestsRemaining(response *goGitlab.Response) {
	if response == nil || response.Response == nil {
		return
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if remaining := response.Header.Get("ratelimit-remaining"); remaining != "" {
		c.requestsRemaining, _ = strconv.Atoi(remaining)
	}

	if limit := response.Header.Get("ratelimit-limit"); limit != "" {
		c.requestsLimit, _ = strconv.Atoi(limit)
	}
}
