package wifi

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Simulated stands in for Manager when the real network is disabled. Every
// connect succeeds unless failures have been queued with FailNext.
type Simulated struct {
	LocalAddr   string
	GatewayAddr string
	Delay       time.Duration

	logger *slog.Logger

	mu       sync.Mutex
	active   string
	failNext int
	attempts []Attempt
}

// Attempt records one Connect call.
type Attempt struct {
	SSID         string
	SavedProfile bool
	At           time.Time
}

// NewSimulated returns a simulated network with hotspot-style addresses.
func NewSimulated(logger *slog.Logger) *Simulated {
	if logger == nil {
		logger = slog.Default()
	}
	return &Simulated{
		LocalAddr:   "172.20.10.2",
		GatewayAddr: "172.20.10.1",
		logger:      logger,
	}
}

// FailNext makes the next n Connect calls fail.
func (s *Simulated) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

// Connect records the attempt and succeeds unless a failure is queued.
func (s *Simulated) Connect(ctx context.Context, ssid string, password *string) error {
	if !sleepCtx(ctx, s.Delay) {
		return ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, Attempt{SSID: ssid, SavedProfile: password == nil, At: time.Now()})
	if s.failNext > 0 {
		s.failNext--
		s.active = ""
		s.logger.Info("[WIFI] simulated connect failed", "ssid", ssid)
		return fmt.Errorf("%w: %q (simulated)", ErrNotAssociated, ssid)
	}
	s.active = ssid
	s.logger.Info("[WIFI] simulated connect", "ssid", ssid)
	return nil
}

// ActiveSSID returns the last successfully joined SSID.
func (s *Simulated) ActiveSSID(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, nil
}

func (s *Simulated) LocalIP(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == "" || s.LocalAddr == "" {
		return "", ErrNoAddress
	}
	return s.LocalAddr, nil
}

func (s *Simulated) GatewayIP(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == "" || s.GatewayAddr == "" {
		return "", ErrNoAddress
	}
	return s.GatewayAddr, nil
}

// Disconnect drops the simulated association.
func (s *Simulated) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = ""
}

// Attempts returns a copy of the recorded Connect calls.
func (s *Simulated) Attempts() []Attempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Attempt(nil), s.attempts...)
}
