// Package wifi joins the phone's hotspot through NetworkManager and reports
// the resulting addresses.
package wifi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

var (
	// ErrNotAssociated means the interface never reported the requested SSID.
	ErrNotAssociated = errors.New("wifi: not associated with requested network")
	// ErrNoAddress means the interface has no usable IPv4 address.
	ErrNoAddress = errors.New("wifi: no address")
)

// Options configures a Manager.
type Options struct {
	Interface      string        // WiFi interface (default "wlan0")
	ConnectDelay   time.Duration // pause before issuing the connect command (default 2s)
	VerifyAttempts int           // active-SSID polls after connecting (default 15)
	VerifyInterval time.Duration // pause between polls (default 1s)
	CommandTimeout time.Duration // bound on each nmcli invocation (default 30s)
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{
		Interface:      "wlan0",
		ConnectDelay:   2 * time.Second,
		VerifyAttempts: 15,
		VerifyInterval: time.Second,
		CommandTimeout: 30 * time.Second,
	}
}

// AddrFunc returns the IPv4 address of the named interface.
type AddrFunc func(ctx context.Context, iface string) (string, error)

// Manager controls the WiFi interface with nmcli.
type Manager struct {
	opts   Options
	runner Runner
	addr   AddrFunc
	logger *slog.Logger
}

// NewManager creates a Manager. A nil runner uses ExecRunner.
func NewManager(opts Options, runner Runner, logger *slog.Logger) *Manager {
	defaults := DefaultOptions()
	if opts.Interface == "" {
		opts.Interface = defaults.Interface
	}
	if opts.ConnectDelay < 0 {
		opts.ConnectDelay = 0
	}
	if opts.VerifyAttempts <= 0 {
		opts.VerifyAttempts = defaults.VerifyAttempts
	}
	if opts.VerifyInterval < 0 {
		opts.VerifyInterval = 0
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = defaults.CommandTimeout
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		opts:   opts,
		runner: runner,
		addr:   InterfaceAddr,
		logger: logger,
	}
}

// Connect joins ssid. A nil password reuses the saved NetworkManager
// profile; a non-nil password (possibly empty, for open networks) creates
// or overwrites the profile. The command's own success report is not
// trusted: Connect returns nil only once the interface reports ssid as
// active, and ErrNotAssociated if it never does.
func (m *Manager) Connect(ctx context.Context, ssid string, password *string) error {
	if ssid == "" {
		return fmt.Errorf("wifi: connect: empty SSID")
	}

	m.logger.Info("[WIFI] connecting", "ssid", ssid, "saved_profile", password == nil, "delay", m.opts.ConnectDelay)

	// Let any in-flight BLE write acknowledgement complete before the
	// interface changes.
	if !sleepCtx(ctx, m.opts.ConnectDelay) {
		return ctx.Err()
	}

	if password != nil {
		args := []string{"dev", "wifi", "connect", ssid}
		if *password != "" {
			args = append(args, "password", *password)
		}
		args = append(args, "ifname", m.opts.Interface)
		out, err := m.nmcli(ctx, args...)
		switch {
		case err == nil && strings.Contains(strings.ToLower(out), "successfully"):
			m.logger.Info("[WIFI] nmcli connected", "ssid", ssid)
		default:
			m.logger.Warn("[WIFI] nmcli connect did not report success, trying saved profile", "ssid", ssid, "error", err)
			m.connectionUp(ctx, ssid)
		}
	} else {
		m.connectionUp(ctx, ssid)
	}

	return m.verify(ctx, ssid)
}

func (m *Manager) connectionUp(ctx context.Context, ssid string) {
	if _, err := m.nmcli(ctx, "connection", "up", "id", ssid); err != nil {
		m.logger.Warn("[WIFI] nmcli connection up failed", "ssid", ssid, "error", err)
	}
}

// verify polls the active SSID until it matches.
func (m *Manager) verify(ctx context.Context, ssid string) error {
	var last string
	for attempt := 1; attempt <= m.opts.VerifyAttempts; attempt++ {
		active, err := m.ActiveSSID(ctx)
		if err == nil && active == ssid {
			m.logger.Info("[WIFI] connected", "ssid", ssid, "polls", attempt)
			return nil
		}
		last = active
		if err != nil {
			m.logger.Debug("[WIFI] active SSID query failed", "error", err)
		}
		if attempt < m.opts.VerifyAttempts && !sleepCtx(ctx, m.opts.VerifyInterval) {
			return ctx.Err()
		}
	}
	m.logger.Warn("[WIFI] failed to connect", "ssid", ssid, "active", last)
	return fmt.Errorf("%w: %q (active %q)", ErrNotAssociated, ssid, last)
}

// ActiveSSID returns the SSID the interface is associated with, or "".
func (m *Manager) ActiveSSID(ctx context.Context) (string, error) {
	out, err := m.nmcli(ctx, "-t", "-f", "ACTIVE,SSID", "dev", "wifi", "list", "ifname", m.opts.Interface, "--rescan", "no")
	if err != nil {
		return "", err
	}
	return parseActiveSSID(out), nil
}

// LocalIP returns the interface's IPv4 address.
func (m *Manager) LocalIP(ctx context.Context) (string, error) {
	ip, err := m.addr(ctx, m.opts.Interface)
	if err != nil {
		return "", err
	}
	m.logger.Info("[WIFI] local IP", "interface", m.opts.Interface, "ip", ip)
	return ip, nil
}

// GatewayIP returns the interface's IPv4 gateway. On a phone hotspot this
// is the phone itself.
func (m *Manager) GatewayIP(ctx context.Context) (string, error) {
	out, err := m.nmcli(ctx, "-g", "IP4.GATEWAY", "device", "show", m.opts.Interface)
	if err != nil {
		return "", err
	}
	gw := strings.TrimSpace(out)
	if gw == "" || gw == "--" {
		return "", fmt.Errorf("%w: no gateway on %s", ErrNoAddress, m.opts.Interface)
	}
	m.logger.Info("[WIFI] phone address (gateway)", "ip", gw)
	return gw, nil
}

func (m *Manager) nmcli(ctx context.Context, args ...string) (string, error) {
	cmdCtx, cancel := context.WithTimeout(ctx, m.opts.CommandTimeout)
	defer cancel()
	return m.runner.Run(cmdCtx, "nmcli", args...)
}

// parseActiveSSID finds the "yes:<ssid>" line of terse nmcli output.
// Terse mode escapes ':' and '\' inside values with a backslash.
func parseActiveSSID(out string) string {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		active, ssid, ok := splitTerse(line)
		if ok && active == "yes" {
			return ssid
		}
	}
	return ""
}

// splitTerse splits one two-field terse line at the first unescaped colon
// and unescapes the second field.
func splitTerse(line string) (first, second string, ok bool) {
	var b strings.Builder
	escaped := false
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case escaped:
			b.WriteByte(c)
			escaped = false
		case c == '\\':
			escaped = true
		case c == ':' && !ok:
			first = b.String()
			b.Reset()
			ok = true
		default:
			b.WriteByte(c)
		}
	}
	if !ok {
		return "", "", false
	}
	return first, b.String(), true
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
