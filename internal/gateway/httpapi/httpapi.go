// Package httpapi implements the HTTP chat gateway for switchboard.
//
// Security:
//   - Optional API key authentication (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-client rate limiting via token bucket
//   - All requests logged with request IDs
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/switchboard/internal/chat"
	"github.com/jkaninda/switchboard/internal/gateway"
	"github.com/jkaninda/switchboard/internal/observability"
	"github.com/jkaninda/switchboard/internal/ratelimit"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// ChatService is the subset of *chat.Service the gateway needs.
type ChatService interface {
	Handle(ctx context.Context, sessionID, message string) (*chat.Response, error)
	Reset(ctx context.Context, sessionID string) error
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        []string // Accepted bearer tokens. Empty = authentication disabled.
	MaxRequestSize int64    // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config  Config
	chat    ChatService
	limiter *ratelimit.Limiter
	logger  *slog.Logger

	mu     sync.Mutex
	server *http.Server

	// Extra handlers mounted on the HTTP mux (e.g., the websocket chat endpoint).
	extraRoutes []extraRoute
	okapi       *okapi.Okapi
}

var _ gateway.Gateway = (*Gateway)(nil)

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway. rl may be nil to disable rate limiting.
func NewGateway(cfg Config, svc ChatService, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	return &Gateway{
		config:  cfg,
		chat:    svc,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(cfg.MaxRequestSize)),
	}
}

// WithOpenAPIDocs serves OpenAPI documentation for the chat routes.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Switchboard",
			Version: "v0.1.0",
		},
	)
	return g
}

// WithHandler mounts an additional GET handler at the given pattern. The
// handler is subject to the same API key check as the chat routes.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	g.routes()

	srv := &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}
	g.mu.Lock()
	g.server = srv
	g.mu.Unlock()

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))

	err := g.okapi.StartServer(srv)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	srv := g.server
	g.mu.Unlock()
	if srv == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return srv.Shutdown(ctx)
}

func (g *Gateway) routes() {
	// Body limit and metrics/tracing apply to every route.
	g.okapi.UseMiddleware(g.limitBody)
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	g.okapi.Post("/chat", g.authenticate(g.handleChat),
		okapi.DocSummary("Route a natural-language request to the ticket and data agents"),
		okapi.DocTags("Chat"),
		okapi.DocRequestBody(ChatRequest{}),
		okapi.DocResponse(chat.Response{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.okapi.Post("/chat/reset", g.authenticate(g.handleReset),
		okapi.DocSummary("Clear the conversation history of a session"),
		okapi.DocTags("Chat"),
		okapi.DocRequestBody(ResetRequest{}),
		okapi.DocResponse(ResetResponse{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)

	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, g.requireKey(er.handler).ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness,
		okapi.DocSummary("Liveness probe"),
		okapi.DocTags("Health"),
		okapi.DocResponse(HealthResponse{}),
	)
	g.okapi.Get("/readyz", g.handleReadiness,
		okapi.DocSummary("Readiness probe"),
		okapi.DocTags("Health"),
		okapi.DocResponse(observability.HealthStatus{}),
		okapi.DocResponse(http.StatusServiceUnavailable, observability.HealthStatus{}),
	)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}
}

// --- Handlers ---

// ChatRequest is the JSON body for POST /chat.
type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"` // Empty = "default".
}

// ResetRequest is the JSON body for POST /chat/reset.
type ResetRequest struct {
	SessionID string `json:"session_id,omitempty"`
}

// ResetResponse confirms a session reset.
type ResetResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

func (g *Gateway) handleChat(c *okapi.Context) error {
	if err := g.allow(c); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return c.JSON(http.StatusRequestEntityTooLarge, ErrorBody{Error: "request body too large"})
		}
		return c.AbortBadRequest("invalid request body")
	}
	if strings.TrimSpace(req.Message) == "" {
		return c.AbortBadRequest("message is required")
	}

	resp, err := g.chat.Handle(c.Context(), req.SessionID, req.Message)
	if err != nil {
		g.logger.Error("chat request failed",
			slog.String("session_id", req.SessionID),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("processing failed")
	}

	g.logger.Info("http chat",
		slog.String("request_id", resp.RequestID),
		slog.String("session_id", resp.SessionID),
		slog.String("status", string(resp.Status)),
		slog.String("agent_used", resp.AgentUsed),
	)
	return c.OK(resp)
}

func (g *Gateway) handleReset(c *okapi.Context) error {
	if err := g.allow(c); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	var req ResetRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = chat.DefaultSessionID
	}
	if err := g.chat.Reset(c.Context(), sessionID); err != nil {
		g.logger.Error("session reset failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("reset failed")
	}
	return c.OK(ResetResponse{SessionID: sessionID, Status: "reset"})
}

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the bearer API key when keys are configured and
// stores it as the client identity for rate limiting.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if len(g.config.APIKeys) == 0 {
			return next(c)
		}
		key, ok := g.matchKey(c.Header("Authorization"))
		if !ok {
			return c.AbortUnauthorized("missing or invalid API key")
		}
		c.Set("clientID", key)
		return next(c)
	}
}

// requireKey applies the API key check to a plain net/http handler. The
// websocket endpoint also accepts the key as a "token" query parameter
// since browsers cannot set headers on upgrade requests.
func (g *Gateway) requireKey(next http.Handler) http.Handler {
	if len(g.config.APIKeys) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" && r.URL.Query().Get("token") != "" {
			header = "Bearer " + r.URL.Query().Get("token")
		}
		if _, ok := g.matchKey(header); !ok {
			http.Error(w, "missing or invalid API key", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) matchKey(authHeader string) (string, bool) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	apiKey := strings.TrimPrefix(authHeader, "Bearer ")
	matched := ""
	for _, key := range g.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
			matched = key
		}
	}
	return matched, matched != ""
}

// --- Helpers ---

// allow applies the rate limiter keyed by API key, or by remote host when
// authentication is disabled.
func (g *Gateway) allow(c *okapi.Context) error {
	if g.limiter == nil {
		return nil
	}
	client := c.GetString("clientID")
	if client == "" {
		client = remoteHost(c.Request())
	}
	return g.limiter.Allow(client)
}

func (g *Gateway) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, g.config.MaxRequestSize)
		}
		next.ServeHTTP(w, r)
	})
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
