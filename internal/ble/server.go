package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/minik-link/internal/ble/protocol"
	"github.com/chaz8081/minik-link/internal/device"
)

// ServerOptions configures the provisioning server.
type ServerOptions struct {
	NamePrefix string        // advertised name prefix (default "MiniK-")
	IPGrace    time.Duration // time the phone gets to read the IP (default 2s)
}

// DefaultServerOptions returns production defaults.
func DefaultServerOptions() ServerOptions {
	return ServerOptions{
		NamePrefix: "MiniK-",
		IPGrace:    2 * time.Second,
	}
}

// Server is the BLE provisioning peripheral. Every adapter failure,
// including a panic inside the platform stack, is returned as an error so a
// crashing radio stack cannot take down the caller.
type Server struct {
	adapter   Adapter
	localName string
	opts      ServerOptions
	logger    *slog.Logger

	mu          sync.Mutex
	enabled     bool
	registered  bool
	advertising bool
	ipChar      Characteristic
	statusChar  Characteristic
	session     *session
}

// NewServer creates a provisioning server for the appliance with deviceID.
func NewServer(adapter Adapter, deviceID string, opts ServerOptions, logger *slog.Logger) *Server {
	defaults := DefaultServerOptions()
	if opts.NamePrefix == "" {
		opts.NamePrefix = defaults.NamePrefix
	}
	if opts.IPGrace < 0 {
		opts.IPGrace = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		adapter:   adapter,
		localName: device.ShortName(opts.NamePrefix, deviceID),
		opts:      opts,
		logger:    logger,
	}
}

// LocalName returns the advertised BLE name.
func (s *Server) LocalName() string { return s.localName }

// StartAdvertising registers the GATT service (once per process) and starts
// advertising. Calling it while already advertising keeps the current
// session, including any credentials written so far.
func (s *Server) StartAdvertising() (err error) {
	defer recoverInto(&err, "start advertising")

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.advertising {
		return nil
	}

	if !s.enabled {
		if err := s.adapter.Enable(); err != nil {
			return fmt.Errorf("%w: enable adapter: %v", ErrRadioUnavailable, err)
		}
		s.enabled = true
	}

	if !s.registered {
		chars, err := s.adapter.AddService(ServiceUUID, []CharacteristicConfig{
			{UUID: SSIDCharUUID, Flags: FlagWrite | FlagWriteWithoutResponse, OnWrite: s.onSSIDWrite},
			{UUID: PasswordCharUUID, Flags: FlagWrite | FlagWriteWithoutResponse, OnWrite: s.onPasswordWrite},
			{UUID: IPCharUUID, Flags: FlagRead | FlagNotify},
			{UUID: StatusCharUUID, Flags: FlagRead | FlagNotify},
		})
		if err != nil {
			return fmt.Errorf("%w: register GATT service: %v", ErrRadioUnavailable, err)
		}
		if len(chars) != 4 {
			return fmt.Errorf("%w: register GATT service: got %d characteristics, want 4", ErrRadioUnavailable, len(chars))
		}
		s.ipChar, s.statusChar = chars[2], chars[3]
		s.registered = true
	}

	if err := s.adapter.StartAdvertising(s.localName, ServiceUUID); err != nil {
		return fmt.Errorf("%w: advertise: %v", ErrRadioUnavailable, err)
	}
	if err := s.adapter.SetDiscoverable(true); err != nil {
		// Advertising works without it; the phone app scans by service UUID.
		s.logger.Warn("[BLE] could not make adapter discoverable", "error", err)
	}

	s.session = newSession()
	s.advertising = true
	s.logger.Info("[BLE] advertising", "name", s.localName, "service", ServiceUUID)
	return nil
}

// Advertising reports whether an advertisement is active.
func (s *Server) Advertising() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advertising
}

// WaitForCredentials blocks until the phone has written both SSID and
// password, the timeout elapses, ctx is cancelled, or Stop is called.
func (s *Server) WaitForCredentials(ctx context.Context, timeout time.Duration) (device.Credentials, error) {
	s.mu.Lock()
	sess := s.session
	advertising := s.advertising
	s.mu.Unlock()

	if !advertising || sess == nil {
		return device.Credentials{}, ErrNotAdvertising
	}

	s.logger.Info("[BLE] waiting for credentials from phone", "timeout", timeout)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-sess.ready:
	case <-sess.closed:
		return device.Credentials{}, ErrNotAdvertising
	case <-timer.C:
		s.logger.Info("[BLE] timeout waiting for credentials")
		return device.Credentials{}, ErrCredentialTimeout
	case <-ctx.Done():
		return device.Credentials{}, ctx.Err()
	}

	ssid, password := sess.values()
	central, err := s.connectedCentral()
	if err != nil {
		return device.Credentials{}, fmt.Errorf("%w: %v", ErrUnknownCentral, err)
	}

	creds := device.Credentials{
		SSID:     ssid,
		Password: password,
		BLEMAC:   device.NormalizeMAC(central.MAC),
		BLEName:  central.Name,
	}
	s.logger.Info("[BLE] credentials received", "credentials", creds)
	return creds, nil
}

// ScanForKnownDevice scans for any device whose address is in macs or whose
// advertised name is in names. The first match wins; there is no ranking
// beyond discovery order.
func (s *Server) ScanForKnownDevice(ctx context.Context, macs, names []string, timeout time.Duration) (match device.Match, err error) {
	defer recoverInto(&err, "scan")

	if len(macs) == 0 && len(names) == 0 {
		return device.Match{}, ErrNoMatch
	}

	if err := s.enable(); err != nil {
		return device.Match{}, err
	}

	wantMAC := make(map[string]bool, len(macs))
	for _, m := range macs {
		wantMAC[device.NormalizeMAC(m)] = true
	}
	wantName := make(map[string]bool, len(names))
	for _, n := range names {
		if n != "" {
			wantName[n] = true
		}
	}

	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.logger.Info("[BLE] scanning for known devices", "macs", len(wantMAC), "names", len(wantName), "timeout", timeout)

	var found *device.Match
	scanErr := s.adapter.Scan(scanCtx, func(d Device) bool {
		if found != nil {
			return true
		}
		if wantMAC[device.NormalizeMAC(d.MAC)] || (d.Name != "" && wantName[d.Name]) {
			found = &device.Match{MAC: device.NormalizeMAC(d.MAC), Name: d.Name, RSSI: d.RSSI}
			return true
		}
		return false
	})

	if found != nil {
		s.logger.Info("[BLE] known device found", "mac", found.MAC, "name", found.Name, "rssi", found.RSSI)
		return *found, nil
	}
	if scanErr != nil && scanCtx.Err() == nil {
		return device.Match{}, fmt.Errorf("ble: scan: %w", scanErr)
	}
	if err := ctx.Err(); err != nil {
		return device.Match{}, err
	}
	return device.Match{}, ErrNoMatch
}

// NotifyEnableHotspot writes the advisory "enable hotspot" status. It is
// fire-and-forget: failures are logged and no acknowledgement is expected.
func (s *Server) NotifyEnableHotspot() {
	s.notifyStatus(protocol.StatusEnableHotspot)
}

// NotifyConnecting tells the phone the appliance is joining its hotspot.
func (s *Server) NotifyConnecting() {
	s.notifyStatus(protocol.StatusConnecting)
}

func (s *Server) notifyStatus(status protocol.Status) {
	if err := s.writeStatus(status); err != nil {
		s.logger.Warn("[BLE] status notify failed", "status", string(status), "error", err)
	}
}

func (s *Server) writeStatus(status protocol.Status) (err error) {
	defer recoverInto(&err, "notify status")

	s.mu.Lock()
	char := s.statusChar
	advertising := s.advertising
	s.mu.Unlock()

	if char == nil || !advertising {
		s.logger.Debug("[BLE] status notify skipped, not advertising", "status", string(status))
		return nil
	}
	if err := char.Write(status.Bytes()); err != nil {
		return err
	}
	s.logger.Info("[BLE] status notified", "status", string(status))
	return nil
}

// SendIP writes ip to the IP characteristic and then waits the grace
// period so the phone can read it before the peripheral is torn down.
func (s *Server) SendIP(ctx context.Context, ip string) (err error) {
	defer recoverInto(&err, "send ip")

	s.mu.Lock()
	char := s.ipChar
	advertising := s.advertising
	s.mu.Unlock()

	if char == nil || !advertising {
		return ErrNotAdvertising
	}

	s.logger.Info("[BLE] sending IP to phone", "ip", ip)
	if err := char.Write(protocol.EncodeText(ip, protocol.MaxAttributeLen)); err != nil {
		return fmt.Errorf("ble: write IP characteristic: %w", err)
	}
	s.notifyStatus(protocol.StatusConnected)

	timer := time.NewTimer(s.opts.IPGrace)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.logger.Info("[BLE] IP sent", "ip", ip)
	return nil
}

// Stop removes the advertisement and makes the adapter non-discoverable.
// Pending WaitForCredentials calls return ErrNotAdvertising. Stop is
// idempotent and never fails; errors are logged.
func (s *Server) Stop() {
	if err := s.stop(); err != nil {
		s.logger.Warn("[BLE] stop error", "error", err)
	}
}

func (s *Server) stop() (err error) {
	defer recoverInto(&err, "stop")

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.advertising {
		return nil
	}
	s.advertising = false
	if s.session != nil {
		s.session.close()
	}

	if stopErr := s.adapter.StopAdvertising(); stopErr != nil {
		s.logger.Warn("[BLE] stop advertising failed", "error", stopErr)
	}
	if discErr := s.adapter.SetDiscoverable(false); discErr != nil {
		s.logger.Warn("[BLE] could not make adapter non-discoverable", "error", discErr)
	}
	s.logger.Info("[BLE] advertising stopped")
	return nil
}

func (s *Server) enable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enabled {
		return nil
	}
	if err := s.adapter.Enable(); err != nil {
		return fmt.Errorf("%w: enable adapter: %v", ErrRadioUnavailable, err)
	}
	s.enabled = true
	return nil
}

func (s *Server) connectedCentral() (d Device, err error) {
	defer recoverInto(&err, "connected central")
	d, err = s.adapter.ConnectedCentral()
	if err == nil && d.MAC == "" {
		err = fmt.Errorf("empty address")
	}
	return d, err
}

func (s *Server) onSSIDWrite(value []byte) {
	v := protocol.DecodeText(value)
	s.logger.Info("[BLE] SSID received", "ssid", v)
	if sess := s.currentSession(); sess != nil {
		sess.setSSID(v)
	}
}

func (s *Server) onPasswordWrite(value []byte) {
	s.logger.Info("[BLE] password received")
	if sess := s.currentSession(); sess != nil {
		sess.setPassword(protocol.DecodeText(value))
	}
}

func (s *Server) currentSession() *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.advertising {
		return nil
	}
	return s.session
}

// session tracks the credential writes of one advertising period. ready is
// closed once both characteristics have been written at least once, in any
// order; later writes still update the values.
type session struct {
	mu           sync.Mutex
	ssid         string
	password     string
	haveSSID     bool
	havePassword bool
	ready        chan struct{}
	closed       chan struct{}
	readyOnce    sync.Once
	closeOnce    sync.Once
}

func newSession() *session {
	return &session{
		ready:  make(chan struct{}),
		closed: make(chan struct{}),
	}
}

func (s *session) setSSID(v string) {
	s.mu.Lock()
	s.ssid = v
	s.haveSSID = true
	s.mu.Unlock()
	s.check()
}

func (s *session) setPassword(v string) {
	s.mu.Lock()
	s.password = v
	s.havePassword = true
	s.mu.Unlock()
	s.check()
}

func (s *session) check() {
	s.mu.Lock()
	both := s.haveSSID && s.havePassword
	s.mu.Unlock()
	if both {
		s.readyOnce.Do(func() { close(s.ready) })
	}
}

func (s *session) values() (ssid, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ssid, s.password
}

func (s *session) close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// recoverInto converts a panic from the platform stack into an error.
func recoverInto(err *error, op string) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("%w: %s panicked: %v", ErrRadioUnavailable, op, r)
	}
}
