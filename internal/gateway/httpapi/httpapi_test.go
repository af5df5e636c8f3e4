package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/switchboard/internal/chat"
	"github.com/jkaninda/switchboard/internal/observability"
	"github.com/jkaninda/switchboard/internal/orchestrator"
	"github.com/jkaninda/switchboard/internal/ratelimit"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeChat struct {
	mu       sync.Mutex
	messages []string
	resets   []string
	err      error
}

func (f *fakeChat) Handle(_ context.Context, sessionID, message string) (*chat.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.messages = append(f.messages, message)
	if sessionID == "" {
		sessionID = chat.DefaultSessionID
	}
	return &chat.Response{
		Response:  "Ticket TKT-001 is pending.",
		AgentUsed: "SearchAgent",
		Status:    orchestrator.StatusCompleted,
		Steps:     []orchestrator.AgentInvocation{},
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		RequestID: "req-1",
	}, nil
}

func (f *fakeChat) Reset(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets = append(f.resets, sessionID)
	return nil
}

// startGateway runs g on a free local port and returns its base URL.
func startGateway(t *testing.T, cfg Config, svc ChatService, rl *ratelimit.Limiter) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	cfg.ListenAddr = addr
	g := NewGateway(cfg, svc, rl, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Start(ctx) }()
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		_ = g.Stop(stopCtx)
		cancel()
		<-done
	})

	base := "http://" + addr
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(base + "/healthz")
		if err == nil {
			resp.Body.Close()
			return base
		}
		select {
		case err := <-done:
			t.Fatalf("gateway exited early: %v", err)
		case <-time.After(20 * time.Millisecond):
		}
	}
	t.Fatal("gateway did not become ready")
	return ""
}

func post(t *testing.T, url, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if s, ok := body.(string); ok {
		buf.WriteString(s)
	} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
		t.Fatalf("encode: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, &buf)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestChat_ReturnsAggregatedResponse(t *testing.T) {
	svc := &fakeChat{}
	base := startGateway(t, Config{}, svc, nil)

	resp := post(t, base+"/chat", "", ChatRequest{Message: "search TKT-001"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var got chat.Response
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.AgentUsed != "SearchAgent" || got.SessionID != chat.DefaultSessionID || got.Status != orchestrator.StatusCompleted {
		t.Errorf("unexpected response %+v", got)
	}
	if len(svc.messages) != 1 || svc.messages[0] != "search TKT-001" {
		t.Errorf("unexpected dispatched messages %v", svc.messages)
	}
}

func TestChat_RejectsEmptyMessage(t *testing.T) {
	svc := &fakeChat{}
	base := startGateway(t, Config{}, svc, nil)

	if resp := post(t, base+"/chat", "", ChatRequest{Message: "  "}); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if len(svc.messages) != 0 {
		t.Error("empty message must not be dispatched")
	}
}

func TestChat_BodyTooLarge(t *testing.T) {
	base := startGateway(t, Config{MaxRequestSize: 64}, &fakeChat{}, nil)
	body := fmt.Sprintf(`{"message":%q}`, strings.Repeat("x", 256))
	if resp := post(t, base+"/chat", "", body); resp.StatusCode < 400 {
		t.Errorf("status = %d, want a client error", resp.StatusCode)
	}
}

func TestChat_ServiceError(t *testing.T) {
	base := startGateway(t, Config{}, &fakeChat{err: errors.New("store down")}, nil)
	if resp := post(t, base+"/chat", "", ChatRequest{Message: "hi"}); resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestChat_APIKeys(t *testing.T) {
	base := startGateway(t, Config{APIKeys: []string{"secret"}}, &fakeChat{}, nil)

	if resp := post(t, base+"/chat", "", ChatRequest{Message: "hi"}); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("missing key: status = %d, want 401", resp.StatusCode)
	}
	if resp := post(t, base+"/chat", "wrong", ChatRequest{Message: "hi"}); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong key: status = %d, want 401", resp.StatusCode)
	}
	if resp := post(t, base+"/chat", "secret", ChatRequest{Message: "hi"}); resp.StatusCode != http.StatusOK {
		t.Errorf("valid key: status = %d, want 200", resp.StatusCode)
	}
	// Probes stay unauthenticated.
	resp, err := http.Get(base + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", resp.StatusCode)
	}
}

func TestChat_RateLimited(t *testing.T) {
	rl := ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: 1, BurstSize: 1})
	base := startGateway(t, Config{}, &fakeChat{}, rl)

	if resp := post(t, base+"/chat", "", ChatRequest{Message: "one"}); resp.StatusCode != http.StatusOK {
		t.Fatalf("first request: status = %d", resp.StatusCode)
	}
	if resp := post(t, base+"/chat", "", ChatRequest{Message: "two"}); resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("second request: status = %d, want 429", resp.StatusCode)
	}
}

func TestReset(t *testing.T) {
	svc := &fakeChat{}
	base := startGateway(t, Config{}, svc, nil)

	resp := post(t, base+"/chat/reset", "", ResetRequest{SessionID: "s1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var got ResetResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.SessionID != "s1" || len(svc.resets) != 1 || svc.resets[0] != "s1" {
		t.Errorf("unexpected reset %+v, calls %v", got, svc.resets)
	}
}

func TestReadiness(t *testing.T) {
	hc := observability.NewHealthChecker(discardLogger())
	hc.AddCheck("db", func(ctx context.Context) error { return errors.New("connection refused") })
	base := startGateway(t, Config{HealthChecker: hc}, &fakeChat{}, nil)

	resp, err := http.Get(base + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
	var status observability.HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Checks["db"].Status != "fail" {
		t.Errorf("unexpected readiness %+v", status)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := observability.NewMetricsCollector()
	base := startGateway(t, Config{Metrics: m, MetricsRegistry: m.Registry}, &fakeChat{}, nil)

	post(t, base+"/chat", "", ChatRequest{Message: "hi"})

	resp, err := http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `switchboard_http_requests_total{method="POST",path="/chat",status_code="200"} 1`) {
		t.Errorf("metrics output missing chat request counter:\n%s", body)
	}
}

func TestExtraRouteRequiresKey(t *testing.T) {
	g := NewGateway(Config{APIKeys: []string{"secret"}}, &fakeChat{}, nil, discardLogger())
	h := g.requireKey(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	for _, tc := range []struct {
		name   string
		target string
		header string
		want   int
	}{
		{"no key", "/chat/ws", "", http.StatusUnauthorized},
		{"header", "/chat/ws", "Bearer secret", http.StatusNoContent},
		{"query token", "/chat/ws?token=secret", "", http.StatusNoContent},
		{"bad token", "/chat/ws?token=nope", "", http.StatusUnauthorized},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, tc.target, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			h.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Errorf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}
