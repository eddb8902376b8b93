package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
)

// Errors surfaced to callers. Both are retry-later conditions: the caller may
// back off or substitute cached data.
var (
	ErrCircuitOpen = errors.New("CIRCUIT_OPEN: circuit breaker rejected the request")
	ErrTimeout     = fmt.Errorf("TIMEOUT: %w", context.DeadlineExceeded)
)

// Config tunes one client. A zero value gets the documented defaults.
type Config struct {
	// Timeout is the hard deadline per attempt (default 3s). Retries reset it.
	Timeout time.Duration
	// Attempts caps how many times a request is tried (default 3).
	Attempts int
	// Breaker wraps the retrying client.
	Breaker BreakerConfig
}

// Client is the resilient outbound HTTP client used for synchronous
// inter-service calls: hard timeout, bounded retry with exponential backoff
// on network errors and 5xx responses, and a circuit breaker around the
// whole retrying call.
type Client struct {
	name    string
	baseURL string
	http    *http.Client
	breaker *Breaker
	cfg     Config
	logger  *slog.Logger
}

func New(name, baseURL string, cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	return &Client{
		name:    name,
		baseURL: baseURL,
		http:    &http.Client{},
		breaker: NewBreaker(name, cfg.Breaker),
		cfg:     cfg,
		logger:  logger,
	}
}

// Name returns the dependency name this client was configured for.
func (c *Client) Name() string { return c.name }

// Breaker exposes the circuit breaker for status reporting.
func (c *Client) Breaker() *Breaker { return c.breaker }

// SetBaseURL replaces the target base URL (used when discovery resolves a
// fresh instance address).
func (c *Client) SetBaseURL(baseURL string) { c.baseURL = baseURL }

// DoJSON performs a request with a JSON body (may be nil) and decodes a JSON
// response into out (may be nil). The HTTP status code is returned for
// non-transport failures so callers can map 404/409 to domain errors.
func (c *Client) DoJSON(ctx context.Context, method, path string, body any, out any) (int, error) {
	if err := c.breaker.Allow(); err != nil {
		return 0, err
	}

	status, err := c.doWithRetry(ctx, method, path, body, out)

	// The breaker observes the outcome of the whole retried call. 4xx is a
	// caller problem, not a dependency failure.
	if err != nil || status >= 500 {
		c.breaker.OnFailure()
	} else {
		c.breaker.OnSuccess()
	}
	return status, err
}

func (c *Client) doWithRetry(ctx context.Context, method, path string, body any, out any) (int, error) {
	var encoded []byte
	if body != nil {
		var err error
		encoded, err = json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	var lastStatus int
	var lastErr error

	for attempt := 0; attempt < c.cfg.Attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoffDelay(attempt)):
			case <-ctx.Done():
				return lastStatus, translate(ctx.Err())
			}
		}

		lastStatus, lastErr = c.doOnce(ctx, method, path, encoded, out)
		if lastErr == nil && lastStatus < 500 {
			return lastStatus, nil
		}

		if lastErr != nil && ctx.Err() != nil {
			// Caller's context is gone; retrying would lie about the deadline
			return lastStatus, translate(lastErr)
		}

		c.logger.Warn("request attempt failed",
			slog.String("client", c.name),
			slog.String("path", path),
			slog.Int("attempt", attempt+1),
			slog.Int("status", lastStatus),
			slog.Any("error", lastErr),
		)
	}

	if lastErr != nil {
		return lastStatus, translate(lastErr)
	}
	return lastStatus, nil
}

func (c *Client) doOnce(ctx context.Context, method, path string, body []byte, out any) (int, error) {
	// Each attempt gets a fresh hard deadline
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	ctx, span := otel.Tracer(c.name).Start(ctx, method+" "+path)
	defer span.End()
	span.SetAttributes(
		attribute.String("http.method", method),
		attribute.String("http.url", c.baseURL+path),
	)

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	// Propagate the trace to the downstream service
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
		}
	} else {
		io.Copy(io.Discard, resp.Body)
	}
	return resp.StatusCode, nil
}

// backoffDelay is min(1s, 100ms * 2^attempt).
func backoffDelay(attempt int) time.Duration {
	d := 100 * time.Millisecond << (attempt - 1)
	if d > time.Second {
		return time.Second
	}
	return d
}

// translate maps transport errors to the documented error surface.
func translate(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}
