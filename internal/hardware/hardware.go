// Package hardware prepares the appliance's peripherals once at boot. The
// real or simulated variant is chosen from config.HardwareMode when the
// initializer is built and never changes afterwards.
package hardware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/shirou/gopsutil/v4/host"
	psnet "github.com/shirou/gopsutil/v4/net"

	"github.com/chaz8081/minik-link/internal/config"
)

// ErrDeviceMissing is returned when a required radio is not present.
var ErrDeviceMissing = errors.New("hardware: device missing")

// Initializer is invoked once at boot, before the orchestrator starts.
type Initializer interface {
	Initialize(ctx context.Context) (Report, error)
}

// Report summarizes what Initialize found.
type Report struct {
	Hostname  string `json:"hostname,omitempty"`
	Platform  string `json:"platform,omitempty"`
	Kernel    string `json:"kernel,omitempty"`
	Bluetooth bool   `json:"bluetooth"`
	WiFi      bool   `json:"wifi"`
	Simulated bool   `json:"simulated"`
}

// Options configures New.
type Options struct {
	Mode          config.HardwareMode
	BLEAdapter    string // e.g. "hci0"
	WiFiInterface string // e.g. "wlan0"
	Logger        *slog.Logger
}

// New returns the initializer matching opts.Mode.
func New(opts Options) Initializer {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if !opts.Mode.UseRealNetwork {
		return &Simulated{mode: opts.Mode, logger: opts.Logger}
	}
	return &System{
		opts:       opts,
		sysfs:      "/sys/class/bluetooth",
		hostInfo:   host.InfoWithContext,
		interfaces: interfaceNames,
	}
}

// System checks the real radios.
type System struct {
	opts       Options
	sysfs      string
	hostInfo   func(ctx context.Context) (*host.InfoStat, error)
	interfaces func(ctx context.Context) ([]string, error)
}

// Initialize reports the host and verifies the BLE adapter and WiFi
// interface exist. A missing radio is reported as ErrDeviceMissing; the
// caller decides whether that is fatal.
func (s *System) Initialize(ctx context.Context) (Report, error) {
	logger := s.opts.Logger
	logMode(logger, s.opts.Mode)

	var r Report
	if info, err := s.hostInfo(ctx); err != nil {
		logger.Warn("[HARDWARE] host info unavailable", "error", err)
	} else {
		r.Hostname, r.Platform, r.Kernel = info.Hostname, info.Platform, info.KernelVersion
	}

	if _, err := os.Stat(filepath.Join(s.sysfs, s.opts.BLEAdapter)); err == nil {
		r.Bluetooth = true
	}
	names, err := s.interfaces(ctx)
	if err != nil {
		logger.Warn("[HARDWARE] listing interfaces failed", "error", err)
	}
	r.WiFi = slices.Contains(names, s.opts.WiFiInterface)

	logger.Info("[HARDWARE] initialized",
		"host", r.Hostname,
		"platform", r.Platform,
		"kernel", r.Kernel,
		"bluetooth", r.Bluetooth,
		"wifi", r.WiFi,
	)

	var missing []string
	if !r.Bluetooth {
		missing = append(missing, "bluetooth adapter "+s.opts.BLEAdapter)
	}
	if !r.WiFi {
		missing = append(missing, "wifi interface "+s.opts.WiFiInterface)
	}
	if len(missing) > 0 {
		return r, fmt.Errorf("%w: %v", ErrDeviceMissing, missing)
	}
	return r, nil
}

// Simulated stands in for the radios on a development machine.
type Simulated struct {
	mode   config.HardwareMode
	logger *slog.Logger
}

func (s *Simulated) Initialize(context.Context) (Report, error) {
	logMode(s.logger, s.mode)
	s.logger.Info("[HARDWARE] simulated radios ready")
	return Report{Bluetooth: true, WiFi: true, Simulated: true}, nil
}

func logMode(logger *slog.Logger, m config.HardwareMode) {
	logger.Info("[HARDWARE] mode",
		"camera", variant(m.UseRealCamera),
		"sensors", variant(m.UseRealSensors),
		"dht11", variant(m.UseRealDHT11),
		"network", variant(m.UseRealNetwork),
	)
}

func variant(isReal bool) string {
	if isReal {
		return "real"
	}
	return "simulated"
}

func interfaceNames(ctx context.Context) ([]string, error) {
	ifaces, err := psnet.InterfacesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ifaces))
	for _, iface := range ifaces {
		names = append(names, iface.Name)
	}
	return names, nil
}
