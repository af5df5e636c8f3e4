package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// WebhookOptions configures a WebhookSender.
type WebhookOptions struct {
	URL          string
	Timeout      time.Duration // Default: 10s.
	AllowPrivate bool          // Permit loopback and private targets (local receivers, tests).
}

// WebhookSender posts notification payloads to a single configured URL.
// Unless AllowPrivate is set, requests to private IP ranges are blocked.
type WebhookSender struct {
	url          string
	allowPrivate bool
	httpClient   *http.Client
	logger       *slog.Logger
}

// NewWebhookSender creates a webhook sender.
func NewWebhookSender(opts WebhookOptions, logger *slog.Logger) *WebhookSender {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSender{
		url:          opts.URL,
		allowPrivate: opts.AllowPrivate,
		httpClient: &http.Client{
			Timeout: timeout,
			// Do not follow redirects. Prevents SSRF via redirect to internal hosts.
			CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger,
	}
}

// URL returns the configured endpoint.
func (s *WebhookSender) URL() string { return s.url }

// Send posts p once. A non-2xx response returns the result together with a
// *StatusError.
func (s *WebhookSender) Send(ctx context.Context, p Payload) (*DeliveryResult, error) {
	if err := s.checkTarget(); err != nil {
		return nil, err
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now().UTC()
	}
	result := &DeliveryResult{URL: s.url, Payload: p}

	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Switchboard-Webhook/1.0")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	result.StatusCode = resp.StatusCode
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		s.logger.WarnContext(ctx, "webhook delivery rejected",
			slog.String("ticket_number", p.TicketNumber),
			slog.Int("status_code", resp.StatusCode),
		)
		return result, &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	result.Delivered = true

	s.logger.InfoContext(ctx, "webhook delivered",
		slog.String("ticket_number", p.TicketNumber),
		slog.String("status", p.Status),
		slog.Int("status_code", resp.StatusCode),
	)
	return result, nil
}

// Check issues a GET against the endpoint. Any HTTP answer counts as
// reachable; only a 200 is healthy for readiness.
func (s *WebhookSender) Check(ctx context.Context) (*EndpointStatus, error) {
	if err := s.checkTarget(); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	start := time.Now()
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("checking webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	return &EndpointStatus{
		URL:        s.url,
		StatusCode: resp.StatusCode,
		Reachable:  true,
		Latency:    time.Since(start),
	}, nil
}

// Ping implements a readiness check.
func (s *WebhookSender) Ping(ctx context.Context) error {
	st, err := s.Check(ctx)
	if err != nil {
		return err
	}
	if st.StatusCode != http.StatusOK {
		return fmt.Errorf("webhook endpoint returned %d", st.StatusCode)
	}
	return nil
}

func (s *WebhookSender) checkTarget() error {
	if s.url == "" {
		return fmt.Errorf("webhook url is not configured")
	}
	if s.allowPrivate {
		return nil
	}
	if err := validateWebhookURL(s.url); err != nil {
		return fmt.Errorf("webhook URL rejected: %w", err)
	}
	return nil
}

// validateWebhookURL checks that the URL points to a public host.
// Blocks private IPs, loopback, link-local, and non-HTTP schemes.
func validateWebhookURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}

	hostname := u.Hostname()

	lower := strings.ToLower(hostname)
	if lower == "localhost" || lower == "127.0.0.1" || lower == "::1" || lower == "0.0.0.0" {
		return fmt.Errorf("loopback addresses not allowed")
	}

	ips, err := net.LookupHost(hostname)
	if err != nil {
		return fmt.Errorf("DNS lookup failed for %q: %w", hostname, err)
	}
	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("private/internal IP %s not allowed", ipStr)
		}
	}
	return nil
}

var _ Notifier = (*WebhookSender)(nil)
