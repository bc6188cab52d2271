package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultRoom    = "default"
	publishTimeout = 5 * time.Second
)

// Pinger is anything the health check can probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server owns the HTTP surface: the websocket gateway, the room API, health and stats.
type Server struct {
	cfg      *Config
	registry *Registry
	store    *Store
	broker   Broker
	limiter  *RateLimiter
	metrics  *Metrics
	logger   *slog.Logger

	upgrader websocket.Upgrader
	srv      *http.Server
}

func NewServer(cfg *Config, registry *Registry, store *Store, broker Broker, limiter *RateLimiter, metrics *Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		registry: registry,
		store:    store,
		broker:   broker,
		limiter:  limiter,
		metrics:  metrics,
		logger:   logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("POST /api/v1/room", s.handleCreateRoom)
	mux.HandleFunc("POST /api/v1/room/{$}", s.handleCreateRoom)
	mux.HandleFunc("GET /api/v1/room/{room}", s.handleGetRoom)
	return mux
}

// ListenAndServe blocks until the server stops; a clean Shutdown returns nil.
func (s *Server) ListenAndServe() error {
	s.logger.Info("listening", "addr", s.cfg.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, then closes every websocket with a
// going-away status and waits for the close frames to go out.
func (s *Server) Shutdown(ctx context.Context) {
	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown error", "error", err)
	}
	s.registry.CloseAll(ctx)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || slices.Contains(s.cfg.AllowedOrigins, origin) {
		return true
	}
	s.logger.Warn("origin not allowed", "origin", origin)
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	health := struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}{
		Status:     "ok",
		Components: make(map[string]string),
	}

	for name, p := range map[string]Pinger{"store": s.store, "broker": s.broker} {
		if err := p.Ping(ctx); err != nil {
			health.Status = "unhealthy"
			health.Components[name] = "error: " + err.Error()
			continue
		}
		health.Components[name] = "connected"
	}

	status := http.StatusOK
	if health.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	rooms, conns := s.registry.Stats()
	writeJSON(w, http.StatusOK, map[string]int{"rooms": rooms, "connections": conns})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow(clientIP(r)) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	sid := r.URL.Query().Get("sid")
	if sid == "" {
		http.Error(w, "missing sid", http.StatusBadRequest)
		return
	}
	room := r.URL.Query().Get("room")
	if room == "" {
		room = defaultRoom
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	ws.SetReadLimit(s.cfg.MaxMessageSize)

	c := NewConn(s.registry, ws, sid, room, s.logger)
	s.registry.Register(c)

	go c.WritePump()
	c.ReadPump(func(frame []byte) {
		s.publish(c, frame)
	})
}

// publish stamps the frame with the connection's sid and room and puts it on
// the broker. Frames that are not JSON objects are dropped.
func (s *Server) publish(c *Conn, frame []byte) {
	payload, err := StampEvent(frame, c.sid, c.room)
	if err != nil {
		c.logger.Warn("dropping client frame", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := s.broker.Publish(ctx, payload); err != nil {
		c.logger.Error("broker publish failed", "error", err)
		return
	}
	s.metrics.FramePublished(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
