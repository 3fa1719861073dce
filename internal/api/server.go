// Package api exposes the claim flow over HTTP and a WebSocket stream.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/moltbunker/rewardclaim/internal/claim"
	"github.com/moltbunker/rewardclaim/internal/config"
	"github.com/moltbunker/rewardclaim/internal/logging"
	"github.com/moltbunker/rewardclaim/internal/metrics"
	"github.com/moltbunker/rewardclaim/internal/txn"
	"github.com/moltbunker/rewardclaim/internal/util"
	"github.com/moltbunker/rewardclaim/pkg/types"
)

// ClaimFlow is the controller surface the API drives
type ClaimFlow interface {
	State() claim.View
	Execute(ctx context.Context, v types.Variant) bool
}

// RewardRefresher triggers an immediate reward fetch
type RewardRefresher interface {
	Refresh()
}

// Server is the local HTTP API server
type Server struct {
	config     *ServerConfig
	httpServer *http.Server
	listener   net.Listener
	mu         sync.RWMutex
	running    bool

	claims    ClaimFlow
	refresher RewardRefresher
	metrics   *metrics.PrometheusCollector

	wsHub *WebSocketHub

	// Per-IP rate limiters
	rateLimiters sync.Map

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// rateLimiterEntry holds a rate limiter and the last time it was used
type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64 // unix nanoseconds
}

// ServerConfig configures the HTTP API server
type ServerConfig struct {
	HTTPAddr string

	// Rate limiting, requests per second per client IP. Zero disables.
	RateLimit      float64
	RateLimitBurst int

	// AuthToken, when set, is required as a Bearer token on every /v1 route
	AuthToken string

	// Proxy trust (only enable behind a trusted reverse proxy)
	TrustProxy bool

	EnableCORS     bool
	AllowedOrigins []string

	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration

	EnableWebSocket bool
	MetricsPath     string
}

// DefaultServerConfig returns the default server configuration
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		HTTPAddr:          "127.0.0.1:8645",
		RateLimit:         10,
		RateLimitBurst:    20,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		EnableWebSocket:   true,
		MetricsPath:       "/metrics",
	}
}

// ServerConfigFrom maps the api section of the application config
func ServerConfigFrom(cfg config.APIConfig) *ServerConfig {
	sc := DefaultServerConfig()
	sc.HTTPAddr = cfg.HTTPAddr
	sc.RateLimit = cfg.RateLimit
	sc.RateLimitBurst = cfg.RateLimitBurst
	sc.AuthToken = cfg.AuthToken
	sc.EnableWebSocket = cfg.EnableWebSocket
	sc.MetricsPath = cfg.MetricsPath
	return sc
}

// NewServer creates a server over claims. refresher and collector may be nil.
func NewServer(cfg *ServerConfig, claims ClaimFlow, refresher RewardRefresher, collector *metrics.PrometheusCollector) *Server {
	if cfg == nil {
		cfg = DefaultServerConfig()
	}
	s := &Server{
		config:    cfg,
		claims:    claims,
		refresher: refresher,
		metrics:   collector,
	}
	if cfg.EnableWebSocket {
		s.wsHub = NewWebSocketHub()
	}
	return s
}

// Notifier returns the notifier that streams to WebSocket clients, or nil
// when the stream is disabled
func (s *Server) Notifier() txn.Notifier {
	if s.wsHub == nil {
		return nil
	}
	return s.wsHub
}

// Observe streams an executor transition and the resulting claim state
func (s *Server) Observe(t txn.Transition) {
	if s.wsHub == nil {
		return
	}
	s.wsHub.Observe(t)
	if s.claims != nil && t.To.Terminal() {
		s.wsHub.BroadcastToChannel(ChannelState, MessageState, s.claims.State())
	}
}

// Start binds the listen address and serves in the background
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("server already running")
	}

	ln, err := net.Listen("tcp", s.config.HTTPAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.HTTPAddr, err)
	}
	s.listener = ln

	ctx, s.cancel = context.WithCancel(ctx)

	if s.config.RateLimit > 0 {
		s.wg.Add(1)
		util.SafeGoWithName("api-ratelimit-cleanup", func() {
			defer s.wg.Done()
			s.rateLimiterCleanupLoop(ctx)
		})
	}

	if s.wsHub != nil {
		s.wg.Add(1)
		util.SafeGoWithName("api-ws-hub", func() {
			defer s.wg.Done()
			s.wsHub.Run(ctx)
		})
	}

	// ReadHeaderTimeout only, so long-lived WebSocket connections survive
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
		IdleTimeout:       s.config.IdleTimeout,
	}

	s.wg.Add(1)
	util.SafeGoWithName("api-http", func() {
		defer s.wg.Done()
		logging.Info("HTTP API server starting",
			"addr", ln.Addr().String(),
			logging.Component("api"))
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("HTTP server error",
				logging.Err(err),
				logging.Component("api"))
		}
	})

	s.running = true
	return nil
}

// Addr returns the bound address, or "" before Start
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down and waits for its goroutines
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP server shutdown: %w", err))
	}
	s.cancel()

	if s.wsHub != nil {
		if err := s.wsHub.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("websocket clients: %w", err))
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}

	logging.Info("API server stopped", logging.Component("api"))
	return errors.Join(errs...)
}

// Handler builds the HTTP router with all handlers
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/rewards", s.withMiddleware("/v1/rewards", s.handleRewards))
	mux.HandleFunc("/v1/rewards/refresh", s.withMiddleware("/v1/rewards/refresh", s.handleRefresh))
	mux.HandleFunc("/v1/claim/state", s.withMiddleware("/v1/claim/state", s.handleClaimState))
	mux.HandleFunc("/v1/claim", s.withMiddleware("/v1/claim", s.handleExecute(types.VariantClaimOnly)))
	mux.HandleFunc("/v1/claim-and-stake", s.withMiddleware("/v1/claim-and-stake", s.handleExecute(types.VariantClaimAndStake)))
	mux.HandleFunc("/v1/metrics", s.withMiddleware("/v1/metrics", s.handleMetrics))

	// Health (no auth)
	mux.HandleFunc("/health", s.handleHealthCheck)

	if s.wsHub != nil {
		mux.HandleFunc("/v1/ws", s.withMiddleware("/v1/ws", s.handleWebSocket))
	}

	if s.metrics != nil && s.config.MetricsPath != "" {
		mux.Handle(s.config.MetricsPath, s.metrics.PrometheusHandler())
	}

	if s.config.EnableCORS {
		return s.globalCORSMiddleware(mux)
	}
	return mux
}

// globalCORSMiddleware wraps an entire handler tree with CORS headers
func (s *Server) globalCORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.setCORSHeaders(w, r)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withMiddleware wraps a handler with rate limiting, authentication and
// request metrics. Rate limiting runs before auth.
func (s *Server) withMiddleware(route string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		if s.metrics != nil {
			s.metrics.RecordRequest(route)
			defer func() { s.metrics.RecordLatency(route, time.Since(start)) }()
		}

		if s.config.RateLimit > 0 {
			ip := s.extractClientIP(r)
			limiter := s.getRateLimiter(ip)
			if !limiter.Allow() {
				logging.Warn("rate limit exceeded",
					"ip", ip,
					"path", r.URL.Path,
					"method", r.Method,
					logging.Component("api"))
				retry := retryAfter(limiter)
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				s.writeJSON(w, http.StatusTooManyRequests, map[string]any{
					"error":       "rate limit exceeded",
					"retry_after": retry,
				})
				return
			}
		}

		if !s.authenticate(r) {
			s.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		handler(w, r)
	}
}

// retryAfter is the whole number of seconds until the limiter admits one event
func retryAfter(l *rate.Limiter) int {
	if l.Limit() <= 0 {
		return 60
	}
	secs := int(1/float64(l.Limit())) + 1
	return secs
}

// authenticate checks the bearer token when one is configured. The
// comparison is constant time.
func (s *Server) authenticate(r *http.Request) bool {
	if s.config.AuthToken == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		// browsers cannot set headers on WebSocket upgrades
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.config.AuthToken)) == 1
}

// getRateLimiter returns the rate limiter for ip, creating it on first use
func (s *Server) getRateLimiter(ip string) *rate.Limiter {
	now := time.Now()

	if val, ok := s.rateLimiters.Load(ip); ok {
		entry := val.(*rateLimiterEntry)
		entry.lastSeen.Store(now.UnixNano())
		return entry.limiter
	}

	burst := s.config.RateLimitBurst
	if burst <= 0 {
		burst = 1
	}
	entry := &rateLimiterEntry{
		limiter: rate.NewLimiter(rate.Limit(s.config.RateLimit), burst),
	}
	entry.lastSeen.Store(now.UnixNano())
	actual, _ := s.rateLimiters.LoadOrStore(ip, entry)
	return actual.(*rateLimiterEntry).limiter
}

// extractClientIP extracts the client IP address from the request.
// Proxy headers are only trusted when TrustProxy is set.
func (s *Server) extractClientIP(r *http.Request) string {
	if s.config.TrustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if idx := strings.IndexByte(xff, ','); idx != -1 {
				return strings.TrimSpace(xff[:idx])
			}
			return strings.TrimSpace(xff)
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func (s *Server) rateLimiterCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanupRateLimiters(time.Now().Add(-10 * time.Minute))
		}
	}
}

// cleanupRateLimiters removes limiters not seen since threshold
func (s *Server) cleanupRateLimiters(threshold time.Time) int {
	var cleaned int
	s.rateLimiters.Range(func(key, value any) bool {
		entry := value.(*rateLimiterEntry)
		if entry.lastSeen.Load() < threshold.UnixNano() {
			s.rateLimiters.Delete(key)
			cleaned++
		}
		return true
	})

	if cleaned > 0 {
		logging.Debug("cleaned up stale rate limiters",
			"count", cleaned,
			logging.Component("api"))
	}
	return cleaned
}

// setCORSHeaders sets CORS headers for allowed origins
func (s *Server) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	for _, o := range s.config.AllowedOrigins {
		if o == "*" || o == origin {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Max-Age", "86400")
			return
		}
	}
}
