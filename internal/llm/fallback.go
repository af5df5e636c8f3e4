package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// FallbackProvider tries providers in order until one answers. Intent
// extraction only needs one completion, so the first success wins.
type FallbackProvider struct {
	providers []Provider
	logger    *slog.Logger
}

// NewFallbackProvider creates a provider that tries each provider in order.
// At least one provider is required.
func NewFallbackProvider(providers []Provider, logger *slog.Logger) *FallbackProvider {
	if len(providers) == 0 {
		panic("FallbackProvider requires at least one provider")
	}
	return &FallbackProvider{
		providers: providers,
		logger:    logger,
	}
}

// SendMessage returns the first successful response. A done context stops
// the chain. When every provider fails the errors are joined.
func (f *FallbackProvider) SendMessage(ctx context.Context, req *Request) (*Response, error) {
	errs := make([]error, 0, len(f.providers))
	for i, p := range f.providers {
		resp, err := p.SendMessage(ctx, req)
		if err == nil {
			if i > 0 {
				f.logger.InfoContext(ctx, "provider fallback succeeded",
					slog.String("provider", p.Name()),
					slog.Int("attempt", i+1),
				)
			}
			return resp, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		f.logger.WarnContext(ctx, "provider failed, trying next",
			slog.String("provider", p.Name()),
			slog.String("error", err.Error()),
			slog.Int("remaining", len(f.providers)-i-1),
		)
	}
	return nil, fmt.Errorf("all %d providers failed: %w", len(f.providers), errors.Join(errs...))
}

// Name lists the chain, e.g. "openai>anthropic".
func (f *FallbackProvider) Name() string {
	names := make([]string, len(f.providers))
	for i, p := range f.providers {
		names[i] = p.Name()
	}
	return strings.Join(names, ">")
}
