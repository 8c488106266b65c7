package exchange

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	apperrors "github.com/johnayoung/tradebot-collector/internal/errors"
)

// maxErrorBody bounds how much of an error response ends up in messages.
const maxErrorBody = 512

// request identifies a call for error reporting.
type request struct {
	operation string
	symbol    string
	timeframe string
}

// classifyFunc inspects a 4xx response and returns a non-empty reason when
// the failure is permanent for the symbol/timeframe.
type classifyFunc func(status int, body []byte) (reason string)

// restClient is the rate-limited, retrying GET used by every adapter.
type restClient struct {
	exchange   string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	headers    map[string]string
	classify   classifyFunc
	logger     *slog.Logger
	observer   RequestObserver

	maxRetries     int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

func newRESTClient(exchange, baseURL string, opts Options, classify classifyFunc) *restClient {
	return &restClient{
		exchange:       exchange,
		baseURL:        baseURL,
		httpClient:     opts.HTTPClient,
		limiter:        rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1),
		headers:        map[string]string{},
		classify:       classify,
		logger:         opts.Logger.With("exchange", exchange),
		observer:       opts.Observer,
		maxRetries:     opts.MaxRetries,
		initialBackoff: opts.InitialBackoff,
		maxBackoff:     opts.MaxBackoff,
	}
}

// get performs GET baseURL+path with params and returns the response body.
// Rate-limit responses (429, 418) and transient failures are retried with
// exponential backoff, honoring Retry-After up to the backoff cap. A longer
// Retry-After ends the call with a TransientFetchError at once.
func (c *restClient) get(ctx context.Context, path string, params url.Values, req request) ([]byte, error) {
	target := c.baseURL + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.initialBackoff
	policy.MaxInterval = c.maxBackoff
	policy.Multiplier = 2.0
	policy.RandomizationFactor = 0.5
	policy.MaxElapsedTime = 0 // bounded by maxRetries and ctx

	var (
		body     []byte
		lastErr  error
		attempts int
	)

	operation := func() error {
		attempts++
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		start := time.Now()
		payload, err := c.do(ctx, target)
		c.observe(req.operation, err, time.Since(start))
		if err == nil {
			body = payload
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		lastErr = err
		var transient *apperrors.TransientFetchError
		if errors.As(err, &transient) && transient.RetryAfter > 0 {
			// a ban longer than the backoff cap is left to a later cycle
			if transient.RetryAfter > c.maxBackoff {
				c.logger.Warn("rate limited beyond backoff cap, giving up for now",
					"operation", req.operation, "retry_after", transient.RetryAfter, "max_backoff", c.maxBackoff)
				return backoff.Permanent(err)
			}
			c.logger.Warn("rate limited, waiting", "operation", req.operation, "retry_after", transient.RetryAfter)
			timer := time.NewTimer(transient.RetryAfter)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return backoff.Permanent(ctx.Err())
			}
		}
		if retryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	notify := func(err error, wait time.Duration) {
		c.logger.Debug("retrying exchange request",
			"operation", req.operation,
			"symbol", req.symbol,
			"attempt", attempts,
			"retry_in", wait,
			"error", err)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.maxRetries)), ctx)
	if err := backoff.RetryNotify(operation, b, notify); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%s %s cancelled: %w", c.exchange, req.operation, ctxErr)
		}
		if lastErr == nil {
			lastErr = err
		}
		return nil, c.wrap(req, lastErr)
	}
	return body, nil
}

// httpStatusError carries a non-2xx response through the retry loop.
type httpStatusError struct {
	status     int
	body       []byte
	retryAfter time.Duration
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.status, truncate(e.body))
}

func (c *restClient) do(ctx context.Context, target string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", userAgent)
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return payload, nil
	}

	statusErr := &httpStatusError{status: resp.StatusCode, body: payload}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot {
		statusErr.retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, &apperrors.TransientFetchError{
			Exchange:   c.exchange,
			StatusCode: resp.StatusCode,
			RetryAfter: statusErr.retryAfter,
			Err:        statusErr,
		}
	}
	return nil, statusErr
}

// retryable reports whether another attempt could succeed.
func retryable(err error) bool {
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		return statusErr.status >= 500 || statusErr.status == http.StatusTooManyRequests || statusErr.status == http.StatusTeapot
	}
	var permanent *backoff.PermanentError
	return !errors.As(err, &permanent)
}

// wrap converts the final error of a request into the collector taxonomy.
func (c *restClient) wrap(req request, err error) error {
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		if statusErr.status >= 400 && statusErr.status < 500 && statusErr.retryAfter == 0 &&
			statusErr.status != http.StatusTooManyRequests && statusErr.status != http.StatusTeapot && c.classify != nil {
			if reason := c.classify(statusErr.status, statusErr.body); reason != "" {
				pe := apperrors.NewPermanentFetch(c.exchange, req.operation, req.symbol, req.timeframe, reason, statusErr)
				pe.StatusCode = statusErr.status
				return pe
			}
		}
		te := apperrors.NewTransientFetch(c.exchange, req.operation, req.symbol, req.timeframe, statusErr)
		te.StatusCode = statusErr.status
		te.RetryAfter = statusErr.retryAfter
		return te
	}
	return apperrors.NewTransientFetch(c.exchange, req.operation, req.symbol, req.timeframe, err)
}

func (c *restClient) observe(operation string, err error, d time.Duration) {
	if c.observer == nil {
		return
	}
	outcome := "ok"
	var statusErr *httpStatusError
	switch {
	case err == nil:
	case errors.As(err, &statusErr):
		outcome = strconv.Itoa(statusErr.status)
	default:
		outcome = "error"
	}
	c.observer.ObserveRequest(c.exchange, operation, outcome, d)
}

func (c *restClient) close() {
	c.httpClient.CloseIdleConnections()
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(body []byte) string {
	if len(body) > maxErrorBody {
		return string(body[:maxErrorBody]) + "..."
	}
	return string(body)
}
