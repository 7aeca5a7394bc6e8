// Package registry persists the list of known companion phones.
//
// The registry is a single JSON file read fully into memory on Open and
// rewritten atomically (temp file + rename) on every mutation:
//
//	{"device_id": "MINIK-3FA2C91B", "known_devices": [{"ble_mac": ..., ...}]}
//
// A Registry is not safe for concurrent use. It has exactly one owner, the
// pairing orchestrator, and other goroutines must go through it.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/chaz8081/minik-link/internal/device"
)

// ErrNotFound is returned when no entry exists for a MAC address.
var ErrNotFound = errors.New("registry: device not found")

// file is the on-disk layout.
type file struct {
	DeviceID     string               `json:"device_id"`
	KnownDevices []device.KnownDevice `json:"known_devices"`
}

// Registry is the in-memory view of the registry file.
type Registry struct {
	path   string
	data   file
	now    func() time.Time
	logger *slog.Logger
}

// Option customizes a Registry.
type Option func(*Registry)

// WithClock overrides the timestamp source used for last_connected.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger sets the logger. slog.Default() is used otherwise.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// Open loads the registry at path. A missing file, or one without a
// device_id, gets a freshly generated identifier which is written back
// immediately so the advertised name stays stable across reboots.
func Open(path string, opts ...Option) (*Registry, error) {
	r := &Registry{
		path:   path,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}

	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("registry: reading %s: %w", path, err)
	default:
		if err := json.Unmarshal(raw, &r.data); err != nil {
			return nil, fmt.Errorf("registry: parsing %s: %w", path, err)
		}
	}

	r.data.KnownDevices = dedupe(r.data.KnownDevices)

	if r.data.DeviceID == "" {
		r.data.DeviceID = device.NewID()
		r.logger.Info("[REGISTRY] generated device id", "device_id", r.data.DeviceID)
		if err := r.write(r.data); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Path returns the backing file path.
func (r *Registry) Path() string { return r.path }

// DeviceID returns the appliance identifier stored alongside the devices.
func (r *Registry) DeviceID() string { return r.data.DeviceID }

// Len returns the number of known devices.
func (r *Registry) Len() int { return len(r.data.KnownDevices) }

// List returns a copy of the known devices in stored order.
func (r *Registry) List() []device.KnownDevice {
	out := make([]device.KnownDevice, len(r.data.KnownDevices))
	copy(out, r.data.KnownDevices)
	return out
}

// Find returns the entry for mac.
func (r *Registry) Find(mac string) (device.KnownDevice, bool) {
	if i := r.index(mac); i >= 0 {
		return r.data.KnownDevices[i], true
	}
	return device.KnownDevice{}, false
}

// MACs returns the MAC of every known device.
func (r *Registry) MACs() []string {
	macs := make([]string, 0, len(r.data.KnownDevices))
	for _, d := range r.data.KnownDevices {
		macs = append(macs, d.BLEMAC)
	}
	return macs
}

// Names returns the non-empty BLE names of the known devices.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.data.KnownDevices))
	for _, d := range r.data.KnownDevices {
		if d.BLEName != "" {
			names = append(names, d.BLEName)
		}
	}
	return names
}

// Save upserts the device described by creds: an existing entry with the
// same MAC is updated in place, otherwise a new entry is appended. The
// password is not stored.
func (r *Registry) Save(creds device.Credentials) error {
	if creds.BLEMAC == "" {
		return fmt.Errorf("registry: save: empty MAC")
	}
	entry := creds.KnownDevice(r.now())
	entry.BLEMAC = device.NormalizeMAC(entry.BLEMAC)

	next := r.clone()
	if i := r.index(entry.BLEMAC); i >= 0 {
		next.KnownDevices[i] = entry
	} else {
		next.KnownDevices = append(next.KnownDevices, entry)
	}
	if err := r.commit(next); err != nil {
		return err
	}
	r.logger.Info("[REGISTRY] device saved", "mac", entry.BLEMAC, "name", entry.BLEName, "ssid", entry.SSID)
	return nil
}

// UpdateLastConnected stamps the entry for mac with the current time.
func (r *Registry) UpdateLastConnected(mac string) error {
	i := r.index(mac)
	if i < 0 {
		return fmt.Errorf("registry: update %s: %w", mac, ErrNotFound)
	}
	next := r.clone()
	next.KnownDevices[i].LastConnected = r.now()
	return r.commit(next)
}

// SetPhoneAddress records the address the phone was last reachable at.
func (r *Registry) SetPhoneAddress(mac, addr string) error {
	i := r.index(mac)
	if i < 0 {
		return fmt.Errorf("registry: set address %s: %w", mac, ErrNotFound)
	}
	if r.data.KnownDevices[i].PhoneAddress == addr {
		return nil
	}
	next := r.clone()
	next.KnownDevices[i].PhoneAddress = addr
	return r.commit(next)
}

// Remove deletes the single entry for mac.
func (r *Registry) Remove(mac string) error {
	i := r.index(mac)
	if i < 0 {
		return fmt.Errorf("registry: remove %s: %w", mac, ErrNotFound)
	}
	next := r.clone()
	next.KnownDevices = append(next.KnownDevices[:i], next.KnownDevices[i+1:]...)
	if err := r.commit(next); err != nil {
		return err
	}
	r.logger.Info("[REGISTRY] device removed", "mac", mac)
	return nil
}

// Clear removes every known device but keeps the device identifier.
func (r *Registry) Clear() error {
	next := file{DeviceID: r.data.DeviceID, KnownDevices: []device.KnownDevice{}}
	if err := r.commit(next); err != nil {
		return err
	}
	r.logger.Warn("[REGISTRY] all known devices cleared")
	return nil
}

func (r *Registry) index(mac string) int {
	mac = device.NormalizeMAC(mac)
	for i, d := range r.data.KnownDevices {
		if device.NormalizeMAC(d.BLEMAC) == mac {
			return i
		}
	}
	return -1
}

func (r *Registry) clone() file {
	next := file{DeviceID: r.data.DeviceID}
	next.KnownDevices = make([]device.KnownDevice, len(r.data.KnownDevices))
	copy(next.KnownDevices, r.data.KnownDevices)
	return next
}

// commit writes next to disk and only then adopts it as the in-memory state.
func (r *Registry) commit(next file) error {
	if err := r.write(next); err != nil {
		return err
	}
	r.data = next
	return nil
}

// write replaces the registry file atomically: temp file in the same
// directory, fsync, rename.
func (r *Registry) write(f file) error {
	if f.KnownDevices == nil {
		f.KnownDevices = []device.KnownDevice{}
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: encoding: %w", err)
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("registry: creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(r.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("registry: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("registry: writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("registry: syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("registry: closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, r.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("registry: replacing %s: %w", r.path, err)
	}
	return nil
}

// dedupe keeps the last entry for each MAC, in first-seen position. Files
// edited by hand may contain duplicates; the invariant is restored on load.
func dedupe(in []device.KnownDevice) []device.KnownDevice {
	out := make([]device.KnownDevice, 0, len(in))
	pos := make(map[string]int, len(in))
	for _, d := range in {
		d.BLEMAC = device.NormalizeMAC(d.BLEMAC)
		if d.BLEMAC == "" {
			continue
		}
		if i, ok := pos[d.BLEMAC]; ok {
			out[i] = d
			continue
		}
		pos[d.BLEMAC] = len(out)
		out = append(out, d)
	}
	return out
}
