// Package exchange is the appliance's data-exchange endpoint. Once the
// appliance is on the phone's hotspot the phone app pings it, posts
// inference results to it, and polls its connectivity status.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"sync"
	"time"
)

// Result types posted by the phone app.
const (
	ResultCNN = "cnn_result"
	ResultML  = "ml_result"
)

// maxResultBytes bounds a posted result body.
const maxResultBytes = 1 << 20

var resultTypePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// ErrServerClosed is returned by WaitForResult after Shutdown.
var ErrServerClosed = errors.New("exchange: server closed")

// StatusFunc returns the payload served by GET /status.
type StatusFunc func() any

// Options configures a Server.
type Options struct {
	Address  string // listen address (default all interfaces)
	Port     int    // listen port (default 8765)
	DeviceID string // reported by /ping and mDNS
	MDNS     bool   // advertise the endpoint over mDNS
	Logger   *slog.Logger
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("[EXCHANGE] failed to write JSON response", "error", err)
	}
}

// Server is the data-exchange HTTP endpoint.
type Server struct {
	opts   Options
	status StatusFunc
	logger *slog.Logger

	mu      sync.Mutex
	results map[string]json.RawMessage
	waiters map[string][]chan json.RawMessage
	closed  chan struct{}
	server  *http.Server
	addr    net.Addr
	mdns    announcer
}

// NewServer creates an endpoint. status may be nil.
func NewServer(opts Options, status StatusFunc) *Server {
	if opts.Port <= 0 {
		opts.Port = 8765
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		opts:    opts,
		status:  status,
		logger:  opts.Logger,
		results: make(map[string]json.RawMessage),
		waiters: make(map[string][]chan json.RawMessage),
		closed:  make(chan struct{}),
	}
}

// Handler returns the endpoint's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ping", s.handlePing)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /result/{type}", s.handleResult)
	mux.HandleFunc("GET /result/{type}", s.handleLatest)
	return s.withLogging(mux)
}

// Start binds the listener, serves in the background, and announces the
// endpoint over mDNS when enabled. Calling Start again is a no-op.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return nil
	}

	addr := net.JoinHostPort(s.opts.Address, fmt.Sprint(s.opts.Port))
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("exchange: listen on %s: %w", addr, err)
	}

	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	s.addr = ln.Addr()

	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("[EXCHANGE] server stopped", "error", err)
		}
	}(s.server)

	s.logger.Info("[EXCHANGE] server ready", "address", s.addr.String())

	if s.opts.MDNS {
		port := s.opts.Port
		if tcp, ok := s.addr.(*net.TCPAddr); ok {
			port = tcp.Port
		}
		m, err := announce(s.opts.DeviceID, port)
		if err != nil {
			// The phone can still reach us at the IP sent over BLE.
			s.logger.Warn("[EXCHANGE] mDNS registration failed", "error", err)
		} else {
			s.mdns = m
			s.logger.Info("[EXCHANGE] mDNS registered", "service", mdnsServiceType, "port", port)
		}
	}
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Shutdown stops the listener and mDNS announcement and releases pending
// WaitForResult calls.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv, m := s.server, s.mdns
	s.mdns = nil
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	s.mu.Unlock()

	if m != nil {
		m.Shutdown()
	}
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// WaitForResult discards any stored result of kind and blocks until the
// phone posts a new one.
func (s *Server) WaitForResult(ctx context.Context, kind string) (json.RawMessage, error) {
	if !resultTypePattern.MatchString(kind) {
		return nil, fmt.Errorf("exchange: invalid result type %q", kind)
	}

	ch := make(chan json.RawMessage, 1)
	s.mu.Lock()
	delete(s.results, kind)
	s.waiters[kind] = append(s.waiters[kind], ch)
	s.mu.Unlock()

	s.logger.Info("[EXCHANGE] waiting for result", "type", kind)

	select {
	case v := <-ch:
		return v, nil
	case <-s.closed:
		s.removeWaiter(kind, ch)
		return nil, ErrServerClosed
	case <-ctx.Done():
		s.removeWaiter(kind, ch)
		return nil, ctx.Err()
	}
}

// Latest returns the most recent result of kind.
func (s *Server) Latest(kind string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.results[kind]
	return v, ok
}

func (s *Server) removeWaiter(kind string, ch chan json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.waiters[kind]
	for i, c := range list {
		if c == ch {
			s.waiters[kind] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(s.waiters[kind]) == 0 {
		delete(s.waiters, kind)
	}
}

func (s *Server) deliver(kind string, v json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[kind] = v
	for _, ch := range s.waiters[kind] {
		ch <- v
	}
	delete(s.waiters, kind)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("[EXCHANGE] request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]string{"status": "ok", "device": "minik"}
	if s.opts.DeviceID != "" {
		resp["device_id"] = s.opts.DeviceID
	}
	writeJSON(w, http.StatusOK, resp, s.logger)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if s.status == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, s.logger)
		return
	}
	writeJSON(w, http.StatusOK, s.status(), s.logger)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	kind := r.PathValue("type")
	if !resultTypePattern.MatchString(kind) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid result type"}, s.logger)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxResultBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "body too large"}, s.logger)
		return
	}
	if !json.Valid(body) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body must be JSON"}, s.logger)
		return
	}

	s.logger.Info("[EXCHANGE] received result", "type", kind, "bytes", len(body))
	s.deliver(kind, json.RawMessage(body))
	writeJSON(w, http.StatusOK, map[string]string{"status": "received"}, s.logger)
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	v, ok := s.Latest(r.PathValue("type"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no result"}, s.logger)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(v); err != nil {
		s.logger.Debug("[EXCHANGE] failed to write result", "error", err)
	}
}
