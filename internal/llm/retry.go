package llm

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryProvider repeats requests that fail with rate limiting, server errors
// or network timeouts. Other failures return immediately.
type RetryProvider struct {
	inner      Provider
	maxRetries uint64
	base       time.Duration
	logger     *slog.Logger
}

// NewRetryProvider wraps inner with exponential backoff starting at base.
func NewRetryProvider(inner Provider, maxRetries uint64, base time.Duration, logger *slog.Logger) *RetryProvider {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	return &RetryProvider{inner: inner, maxRetries: maxRetries, base: base, logger: logger}
}

func (r *RetryProvider) Name() string { return r.inner.Name() }

func (r *RetryProvider) SendMessage(ctx context.Context, req *Request) (*Response, error) {
	backoff := retry.WithMaxRetries(r.maxRetries, retry.WithJitterPercent(10, retry.NewExponential(r.base)))

	var resp *Response
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		var err error
		resp, err = r.inner.SendMessage(ctx, req)
		if err != nil && isTransient(err) {
			r.logger.WarnContext(ctx, "llm request failed, retrying",
				slog.String("provider", r.inner.Name()),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func isTransient(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Transient()
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
