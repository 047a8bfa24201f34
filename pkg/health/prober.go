package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Prober performs a single probe of a health endpoint. Any error means the attempt failed.
type Prober interface {
	Probe(ctx context.Context, url string) error
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, url string) error

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context, url string) error { return f(ctx, url) }

// StatusError is returned when the endpoint answered with a non-success status.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("health endpoint answered HTTP %d", e.StatusCode)
}

// HTTPProber probes with a GET request, any 2xx answer is a success.
type HTTPProber struct {
	Client  *http.Client
	Timeout time.Duration
}

// NewHTTPProber returns an HTTPProber bounding each probe to timeout.
func NewHTTPProber(timeout time.Duration) *HTTPProber {
	return &HTTPProber{
		Client:  &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		Timeout: timeout,
	}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	return healthcheck.Timeout(p.check(ctx, url), p.Timeout)()
}

func (p *HTTPProber) check(ctx context.Context, url string) healthcheck.Check {
	return func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}

		resp, err := p.Client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		// drain so the connection can be reused by the next attempt
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return &StatusError{StatusCode: resp.StatusCode}
		}

		return nil
	}
}
