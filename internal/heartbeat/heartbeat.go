// Package heartbeat monitors whether the paired phone's service is
// reachable. A Monitor probes on a fixed interval and only flips state
// after a run of results: MaxFailures consecutive failures declare the
// phone offline, and any single success declares it online.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Status is the tri-state liveness of the phone.
type Status int32

const (
	Unknown Status = iota
	Online
	Offline
)

func (s Status) String() string {
	switch s {
	case Online:
		return "online"
	case Offline:
		return "offline"
	default:
		return "unknown"
	}
}

// MarshalText lets Status appear by name in JSON.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ProbeFunc checks whether the phone is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// TCPProbe returns a probe that succeeds when a TCP connection to addr can
// be established. Refused, unreachable, and timed-out dials all fail.
func TCPProbe(addr string) ProbeFunc {
	var d net.Dialer
	return func(ctx context.Context) error {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}

// Config configures a Monitor.
type Config struct {
	// Address is the phone's host. Required unless Probe is set.
	Address string

	// Port is the TCP port probed on Address (default 8765).
	Port int

	// Interval between probes (default 30s).
	Interval time.Duration

	// Timeout bounds each probe (default 5s).
	Timeout time.Duration

	// MaxFailures is the number of consecutive failures before the phone is
	// declared offline (default 3).
	MaxFailures int

	// Probe overrides the TCP probe. Optional.
	Probe ProbeFunc

	// OnOnline is called when the status changes to Online. It runs on the
	// monitor goroutine and must not block. Optional.
	OnOnline func()

	// OnOffline is called when the status changes to Offline, with the last
	// probe error. It runs on the monitor goroutine and must not block. Optional.
	OnOffline func(err error)

	// Logger uses slog.Default() if nil.
	Logger *slog.Logger
}

// DefaultConfig returns the production probe schedule.
func DefaultConfig() Config {
	return Config{
		Port:        8765,
		Interval:    30 * time.Second,
		Timeout:     5 * time.Second,
		MaxFailures: 3,
	}
}

// Snapshot is the monitor state, suitable for JSON status endpoints.
type Snapshot struct {
	Target    string    `json:"target"`
	Status    Status    `json:"status"`
	Failures  int       `json:"consecutive_failures"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Monitor probes the phone on a fixed interval.
type Monitor struct {
	config Config
	target string
	status atomic.Int32

	mu        sync.Mutex
	tracker   tracker
	lastErr   error
	lastCheck time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a Monitor. Zero-value Config fields are replaced with defaults.
func New(cfg Config) *Monitor {
	defaults := DefaultConfig()
	if cfg.Port <= 0 {
		cfg.Port = defaults.Port
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = defaults.MaxFailures
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	target := net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port))
	if cfg.Probe == nil {
		cfg.Probe = TCPProbe(target)
	}

	return &Monitor{
		config:  cfg,
		target:  target,
		tracker: tracker{max: cfg.MaxFailures},
	}
}

// Start launches the probe loop. The first probe runs immediately. A
// Monitor runs at most once; later calls to Start are no-ops.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	m.config.Logger.Info("[HEARTBEAT] monitoring",
		"target", m.target,
		"interval", m.config.Interval,
		"max_failures", m.config.MaxFailures,
	)
	go m.run(runCtx, m.done)
}

// Stop cancels the probe loop and waits for it to exit. Safe to call more
// than once or before Start.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.config.Logger.Info("[HEARTBEAT] stopped", "target", m.target)
}

// IsOnline reports whether the last state change declared the phone online.
func (m *Monitor) IsOnline() bool {
	return m.Status() == Online
}

// Status returns the current liveness status.
func (m *Monitor) Status() Status {
	return Status(m.status.Load())
}

// Target returns the probed host:port.
func (m *Monitor) Target() string { return m.target }

// Snapshot returns the current state.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Snapshot{
		Target:    m.target,
		Status:    m.Status(),
		Failures:  m.tracker.failures,
		LastCheck: m.lastCheck,
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	return s
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		m.check(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// check runs one probe and applies its result.
func (m *Monitor) check(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	err := m.config.Probe(probeCtx)
	cancel()

	if ctx.Err() != nil {
		return // stopping; a cancelled dial says nothing about the phone
	}
	m.record(err)
}

// record applies one probe result and fires the callback on a state change.
func (m *Monitor) record(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.lastCheck = time.Now()
	changed := m.tracker.observe(err == nil)
	status := m.tracker.status
	failures := m.tracker.failures
	m.status.Store(int32(status))
	m.mu.Unlock()

	logger := m.config.Logger
	if err != nil && !changed {
		logger.Debug("[HEARTBEAT] unreachable",
			"target", m.target,
			"failures", fmt.Sprintf("%d/%d", failures, m.config.MaxFailures),
			"error", err,
		)
	}
	if !changed {
		return
	}

	switch status {
	case Online:
		logger.Info("[HEARTBEAT] phone app online", "target", m.target)
		if m.config.OnOnline != nil {
			m.config.OnOnline()
		}
	case Offline:
		logger.Warn("[HEARTBEAT] phone app offline", "target", m.target, "failures", failures, "error", err)
		if m.config.OnOffline != nil {
			m.config.OnOffline(err)
		}
	}
}

// tracker is the hysteresis counter. It is not safe for concurrent use.
type tracker struct {
	max      int
	failures int
	status   Status
}

// observe applies one probe result and reports whether the status changed.
func (t *tracker) observe(ok bool) bool {
	prev := t.status
	if ok {
		t.failures = 0
		t.status = Online
	} else {
		t.failures++
		if t.failures >= t.max {
			t.status = Offline
		}
	}
	return t.status != prev
}
