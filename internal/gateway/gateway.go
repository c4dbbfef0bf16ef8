// Package gateway is the HTTP operator surface of the diagnostics
// daemon: the current memory summary in text and JSON, a health
// endpoint, and a websocket stream of lifecycle events.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ThomasGoatly/ray/internal/bus"
	"github.com/ThomasGoatly/ray/internal/memstat"
	"github.com/ThomasGoatly/ray/internal/shared"
)

// Collector produces cluster reports on demand. *memstat.Aggregator
// satisfies it.
type Collector interface {
	Collect(ctx context.Context) (*memstat.ClusterReport, error)
}

// Config holds the gateway dependencies.
type Config struct {
	Collector Collector
	Bus       *bus.Bus // /ws event source; nil disables the stream
	Listen    string   // host:port to validate binds against
	AuthToken string   // empty means no auth; the listen address must then be loopback

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of active config exposed in /healthz.
	ConfigFingerprint string

	// MaxRowsPerProcess caps the text rendering of /memory. 0 = unlimited.
	MaxRowsPerProcess int

	Logger *slog.Logger
}

// Server serves the operator endpoints.
type Server struct {
	cfg       Config
	logger    *slog.Logger
	startedAt time.Time
}

// New validates the configuration and builds a Server. With no auth
// token the gateway refuses non-loopback listen addresses so an
// unauthenticated surface is never exposed beyond the host.
func New(cfg Config) (*Server, error) {
	if cfg.Collector == nil {
		return nil, fmt.Errorf("gateway: nil collector")
	}
	if cfg.AuthToken == "" && !isLoopback(cfg.Listen) {
		return nil, fmt.Errorf("gateway: listen address %q is not loopback and no auth token is configured", cfg.Listen)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		logger:    logger.With("component", "gateway"),
		startedAt: time.Now(),
	}, nil
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.cfg.Listen
}

func isLoopback(listen string) bool {
	host, _, err := net.SplitHostPort(listen)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Handler returns the route mux. /healthz is unauthenticated; the
// report and stream endpoints require the bearer token when one is
// configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/memory", s.withAuth(s.handleMemory))
	mux.HandleFunc("/memory.json", s.withAuth(s.handleMemoryJSON))
	mux.HandleFunc("/ws", s.withAuth(s.handleWS))
	mux.HandleFunc("/healthz", s.handleHealthz)
	return s.withRequestID(mux)
}

// withRequestID tags each request with an id for log correlation.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := shared.WithRequestID(r.Context(), shared.NewRequestID())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true // loopback-only bind enforced at construction
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}

func (s *Server) handleMemory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	report, err := s.cfg.Collector.Collect(r.Context())
	if err != nil {
		s.logger.Error("memory summary failed", "request_id", shared.RequestID(r.Context()), "error", err)
		http.Error(w, "collect failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = fmt.Fprint(w, memstat.RenderText(report, memstat.RenderOptions{MaxRowsPerProcess: s.cfg.MaxRowsPerProcess}))
}

func (s *Server) handleMemoryJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	report, err := s.cfg.Collector.Collect(r.Context())
	if err != nil {
		s.logger.Error("memory summary failed", "request_id", shared.RequestID(r.Context()), "error", err)
		http.Error(w, `{"error":"collect failed"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(report)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	subscribers := 0
	if s.cfg.Bus != nil {
		subscribers = s.cfg.Bus.SubscriberCount()
	}
	payload := map[string]any{
		"healthy":            true,
		"uptime_seconds":     int64(time.Since(s.startedAt).Seconds()),
		"config_fingerprint": s.cfg.ConfigFingerprint,
		"ws_subscribers":     subscribers,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
