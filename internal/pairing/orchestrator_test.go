package pairing

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chaz8081/minik-link/internal/ble"
	"github.com/chaz8081/minik-link/internal/device"
	"github.com/chaz8081/minik-link/internal/registry"
)

const retryInterval = 10 * time.Second

var (
	pixel = device.Credentials{
		SSID:    "PixelHotspot",
		BLEMAC:  "AA:BB:CC:DD:EE:01",
		BLEName: "Pixel 8",
	}
	galaxy = device.Credentials{
		SSID:     "Galaxy Hotspot",
		Password: "hunter22",
		BLEMAC:   "aa:bb:cc:dd:ee:02",
		BLEName:  "Galaxy S24",
	}
	pixelMatch = device.Match{MAC: pixel.BLEMAC, Name: pixel.BLEName, RSSI: -52}
)

type harness struct {
	o        *Orchestrator
	ble      *fakePeripheral
	net      *fakeNetwork
	endpoint *fakeEndpoint
	live     *livenessRecorder
	ui       *recordingPresenter
	clock    *manualClock
	regPath  string
	states   chan State
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newHarness builds an orchestrator over fakes. known is written to the
// registry before the orchestrator starts. configure may adjust options and
// fakes before Run.
func newHarness(t *testing.T, known []device.Credentials, configure func(*harness, *Options)) *harness {
	t.Helper()

	h := &harness{
		ble:      newFakePeripheral(),
		net:      newFakeNetwork(),
		endpoint: &fakeEndpoint{},
		live:     &livenessRecorder{},
		ui:       &recordingPresenter{},
		clock:    &manualClock{},
		regPath:  filepath.Join(t.TempDir(), "minik_config.json"),
		states:   make(chan State, 64),
	}

	reg, err := registry.Open(h.regPath, registry.WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("registry.Open() error = %v", err)
	}
	for _, c := range known {
		if err := reg.Save(c); err != nil {
			t.Fatalf("Save(%s) error = %v", c.BLEMAC, err)
		}
	}

	opts := Options{
		DeviceID:         reg.DeviceID(),
		RetryLimit:       3,
		RetryInterval:    retryInterval,
		ScanTimeout:      time.Second,
		AdvertiseTimeout: time.Minute,
		Clock:            h.clock,
		Logger:           quietLogger(),
		OnTransition: func(_, to State) {
			h.states <- to
		},
	}
	if configure != nil {
		configure(h, &opts)
	}

	o, err := New(Deps{
		Peripheral: h.ble,
		Network:    h.net,
		Endpoint:   h.endpoint,
		Registry:   reg,
		Liveness:   h.live.factory,
		Presenter:  h.ui,
	}, opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.o = o

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run() error = %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("Run did not return after cancel")
		}
	})
	return h
}

// expect reads the next transitions and fails on the first mismatch.
func (h *harness) expect(t *testing.T, want ...State) {
	t.Helper()
	var got []State
	for _, w := range want {
		select {
		case s := <-h.states:
			got = append(got, s)
			if s != w {
				t.Fatalf("transitions = %v, want %v", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after transitions %v, want %v", got, want)
		}
	}
}

// quiet asserts that no transition happens for a short while.
func (h *harness) quiet(t *testing.T) {
	t.Helper()
	select {
	case s := <-h.states:
		t.Fatalf("unexpected transition to %v", s)
	case <-time.After(50 * time.Millisecond):
	}
}

// registry reopens the registry file so tests never share the
// orchestrator's instance.
func (h *harness) registry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.Open(h.regPath, registry.WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("registry.Open() error = %v", err)
	}
	return reg
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// connectHome drives a known phone through a successful reconnect.
func (h *harness) connectHome(t *testing.T) {
	t.Helper()
	h.expect(t, Scanning, Connecting, ConnectedHome)
	eventually(t, "heartbeat start", func() bool { return len(h.live.all()) == 1 })
}

func TestBootWithEmptyRegistryShowsQR(t *testing.T) {
	h := newHarness(t, nil, nil)

	h.expect(t, ProvisioningQR)
	h.quiet(t)

	if n := h.ble.scanCount(); n != 0 {
		t.Errorf("scans = %d, want 0", n)
	}
	if !h.ui.has("qr:") {
		t.Errorf("presenter calls = %v, want a bare QR screen", h.ui.snapshot())
	}
}

func TestReconnectToKnownPhone(t *testing.T) {
	h := newHarness(t, []device.Credentials{pixel}, func(h *harness, _ *Options) {
		h.ble.queueScan(scanOutcome{match: pixelMatch})
	})

	h.connectHome(t)

	attempts := h.net.attemptsSnapshot()
	if len(attempts) != 1 {
		t.Fatalf("connect attempts = %d, want 1", len(attempts))
	}
	if attempts[0].ssid != pixel.SSID || attempts[0].password != nil {
		t.Errorf("attempt = %+v, want saved profile for %q", attempts[0], pixel.SSID)
	}

	mon := h.live.all()[0]
	if mon.addr != "172.20.10.1" {
		t.Errorf("heartbeat target = %q, want gateway 172.20.10.1", mon.addr)
	}
	if mon.starts.Load() != 1 {
		t.Errorf("heartbeat starts = %d, want 1", mon.starts.Load())
	}
	eventually(t, "endpoint start", func() bool { return h.endpoint.starts.Load() == 1 })
	eventually(t, "peripheral stop", func() bool { return !h.ble.isAdvertising() })

	got, ok := h.registry(t).Find(pixel.BLEMAC)
	if !ok {
		t.Fatal("known phone missing from registry")
	}
	if got.PhoneAddress != "172.20.10.1" {
		t.Errorf("phone address = %q, want 172.20.10.1", got.PhoneAddress)
	}
	if !h.ui.has("connected:Pixel 8:172.20.10.2") {
		t.Errorf("presenter calls = %v, want connected screen", h.ui.snapshot())
	}
	if n := h.ble.count("notify:ENABLE_HOTSPOT"); n != 0 {
		t.Errorf("hotspot notices = %d, want 0", n)
	}
}

func TestWiFiLossRescansWithoutRestartingServices(t *testing.T) {
	h := newHarness(t, []device.Credentials{pixel}, func(h *harness, _ *Options) {
		h.ble.queueScan(scanOutcome{match: pixelMatch}, scanOutcome{match: pixelMatch})
	})
	h.connectHome(t)

	h.o.Do(WiFiLost)
	h.expect(t, Scanning, Connecting, ConnectedHome)

	time.Sleep(20 * time.Millisecond)
	if n := h.endpoint.starts.Load(); n != 1 {
		t.Errorf("endpoint starts = %d, want 1", n)
	}
	mons := h.live.all()
	if n := len(mons); n != 1 {
		t.Fatalf("heartbeat monitors = %d, want 1", n)
	}
	if n := mons[0].stops.Load(); n != 0 {
		t.Errorf("heartbeat stops = %d, want 0 for the same phone", n)
	}
}

func TestWiFiLossToAnotherPhoneRetargetsHeartbeat(t *testing.T) {
	h := newHarness(t, []device.Credentials{pixel, galaxy}, func(h *harness, _ *Options) {
		h.ble.queueScan(
			scanOutcome{match: pixelMatch},
			scanOutcome{match: device.Match{MAC: "AA:BB:CC:DD:EE:02", Name: galaxy.BLEName}},
		)
	})
	h.connectHome(t)

	h.net.setGateway("192.168.43.1")
	h.o.Do(WiFiLost)
	h.expect(t, Scanning, Connecting, ConnectedHome)

	eventually(t, "second heartbeat", func() bool { return len(h.live.all()) == 2 })
	mons := h.live.all()
	if n := mons[0].stops.Load(); n != 1 {
		t.Errorf("first heartbeat stops = %d, want 1", n)
	}
	if mons[1].addr != "192.168.43.1" {
		t.Errorf("heartbeat target = %q, want 192.168.43.1", mons[1].addr)
	}
	if n := mons[1].starts.Load(); n != 1 {
		t.Errorf("second heartbeat starts = %d, want 1", n)
	}
	eventually(t, "status follows the new phone", func() bool {
		st := h.o.Status()
		return st.Phone != nil && st.Phone.Target == "192.168.43.1"
	})
	if got := h.o.Status().ActiveDevice; got != "AA:BB:CC:DD:EE:02" {
		t.Errorf("active device = %q, want AA:BB:CC:DD:EE:02", got)
	}
	if n := h.endpoint.starts.Load(); n != 1 {
		t.Errorf("endpoint starts = %d, want 1", n)
	}
}

func TestWiFiLossWithoutMatchStopsHeartbeat(t *testing.T) {
	h := newHarness(t, []device.Credentials{pixel}, func(h *harness, _ *Options) {
		h.ble.queueScan(scanOutcome{match: pixelMatch}, scanOutcome{err: ble.ErrNoMatch})
	})
	h.connectHome(t)

	h.o.Do(WiFiLost)
	h.expect(t, Scanning, ProvisioningQR)

	mon := h.live.all()[0]
	eventually(t, "heartbeat stop", func() bool { return mon.stops.Load() == 1 })
	if st := h.o.Status(); st.Phone != nil {
		t.Errorf("status phone = %+v, want none after the phone is gone", st.Phone)
	}
	if n := len(h.live.all()); n != 1 {
		t.Errorf("heartbeat monitors = %d, want 1", n)
	}
}

func TestReconnectExhaustsRetries(t *testing.T) {
	h := newHarness(t, []device.Credentials{pixel}, func(h *harness, _ *Options) {
		h.ble.queueScan(scanOutcome{match: pixelMatch})
		h.net.fail(3)
	})

	h.expect(t, Scanning, Connecting, HotspotPrompt)
	if d := h.clock.fireNext(t); d != retryInterval {
		t.Errorf("retry timer = %v, want %v", d, retryInterval)
	}
	h.expect(t, Connecting, HotspotPrompt)
	if d := h.clock.fireNext(t); d != retryInterval {
		t.Errorf("retry timer = %v, want %v", d, retryInterval)
	}
	h.expect(t, Connecting, ProvisioningQR)

	eventually(t, "QR message", func() bool {
		return h.ui.has("qr:Pixel 8: hotspot password may have changed — scan to re-pair")
	})
	if got := len(h.net.attemptsSnapshot()); got != 3 {
		t.Errorf("connect attempts = %d, want 3", got)
	}
	if n := h.ble.count("notify:ENABLE_HOTSPOT"); n != 2 {
		t.Errorf("hotspot notices = %d, want 2 (every failure but the last)", n)
	}
	wantPrompts := []string{
		"hotspot:Pixel 8:1:2:10s",
		"hotspot:Pixel 8:2:1:10s",
	}
	if got := h.ui.withPrefix("hotspot:"); strings.Join(got, "|") != strings.Join(wantPrompts, "|") {
		t.Errorf("prompts = %v, want %v", got, wantPrompts)
	}
	if h.ble.isAdvertising() {
		t.Error("peripheral still advertising after giving up")
	}
	if h.registry(t).Len() != 1 {
		t.Error("a failed reconnect must not forget the phone")
	}
}

func TestFreshPairingSucceedsOnThirdAttempt(t *testing.T) {
	h := newHarness(t, nil, func(h *harness, _ *Options) {
		h.net.fail(2)
	})
	h.expect(t, ProvisioningQR)

	h.o.Do(PairNew)
	h.expect(t, AwaitingCredentials)
	eventually(t, "advertising screen", func() bool { return h.ui.has("advertising:MiniK-TEST01:1m0s") })

	h.ble.creds <- credentialOutcome{creds: galaxy}
	h.expect(t, Connecting, HotspotPrompt)
	h.clock.fireNext(t)
	h.expect(t, Connecting, HotspotPrompt)
	h.clock.fireNext(t)
	h.expect(t, Connecting, ConnectedHome)

	eventually(t, "IP hand-off and peripheral stop", func() bool {
		ops := h.ble.opsSnapshot()
		return len(ops) >= 2 && ops[len(ops)-2] == "send_ip:172.20.10.2" && ops[len(ops)-1] == "stop"
	})
	eventually(t, "endpoint start", func() bool { return h.endpoint.starts.Load() == 1 })

	for i, a := range h.net.attemptsSnapshot() {
		if a.ssid != galaxy.SSID || a.password == nil || *a.password != galaxy.Password {
			t.Errorf("attempt %d = %+v, want credentials from the phone", i+1, a)
		}
	}
	if n := h.ble.count("notify:ENABLE_HOTSPOT"); n != 2 {
		t.Errorf("hotspot notices = %d, want 2", n)
	}
	if n := h.ble.count("notify:CONNECTING"); n != 3 {
		t.Errorf("connecting notices = %d, want 3", n)
	}

	got, ok := h.registry(t).Find(galaxy.BLEMAC)
	if !ok {
		t.Fatal("new phone not saved")
	}
	if got.BLEMAC != "AA:BB:CC:DD:EE:02" || got.SSID != galaxy.SSID || got.PhoneAddress != "172.20.10.1" {
		t.Errorf("saved = %+v", got)
	}
	raw, err := os.ReadFile(h.regPath)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), galaxy.Password) {
		t.Error("registry file contains the hotspot password")
	}
}

// exhaustFreshPairing pairs galaxy and lets every automatic retry fail.
func exhaustFreshPairing(t *testing.T, h *harness) {
	t.Helper()
	h.expect(t, ProvisioningQR)
	h.o.Do(PairNew)
	h.expect(t, AwaitingCredentials)
	h.ble.creds <- credentialOutcome{creds: galaxy}

	h.expect(t, Connecting, HotspotPrompt)
	h.clock.fireNext(t)
	h.expect(t, Connecting, HotspotPrompt)
	h.clock.fireNext(t)
	h.expect(t, Connecting, HotspotPrompt)
	eventually(t, "final prompt", func() bool { return h.ui.has("hotspot:Galaxy S24:3:0:0s") })
}

func TestFreshPairingExhaustsRetries(t *testing.T) {
	h := newHarness(t, nil, func(h *harness, _ *Options) {
		h.net.fail(4)
	})
	exhaustFreshPairing(t, h)

	// No countdown once the automatic retries are used up.
	h.quiet(t)
	if got := len(h.clock.durations()); got != 2 {
		t.Errorf("retry timers = %d, want 2", got)
	}
	if n := h.ble.count("notify:ENABLE_HOTSPOT"); n != 3 {
		t.Errorf("hotspot notices = %d, want 3", n)
	}
	if !h.ble.isAdvertising() {
		t.Error("peripheral stopped while the phone can still be told to enable its hotspot")
	}
	if h.registry(t).Len() != 0 {
		t.Error("a phone that never connected must not be saved")
	}
	if h.endpoint.starts.Load() != 0 {
		t.Error("endpoint started without a connection")
	}

	// RetryNow starts a fresh round with the same credentials.
	h.o.Do(RetryNow)
	h.expect(t, Connecting, HotspotPrompt)
	h.clock.fireNext(t)
	h.expect(t, Connecting, ConnectedHome)

	wantPrompts := []string{
		"hotspot:Galaxy S24:1:2:10s",
		"hotspot:Galaxy S24:2:1:10s",
		"hotspot:Galaxy S24:3:0:0s",
		"hotspot:Galaxy S24:1:2:10s",
	}
	if got := h.ui.withPrefix("hotspot:"); strings.Join(got, "|") != strings.Join(wantPrompts, "|") {
		t.Errorf("prompts = %v, want %v", got, wantPrompts)
	}
	attempts := h.net.attemptsSnapshot()
	if len(attempts) != 5 {
		t.Fatalf("connect attempts = %d, want 5", len(attempts))
	}
	for i, a := range attempts {
		if a.password == nil || *a.password != galaxy.Password {
			t.Errorf("attempt %d = %+v, want the phone's password", i+1, a)
		}
	}
	if _, ok := h.registry(t).Find(galaxy.BLEMAC); !ok {
		t.Error("new phone not saved after the manual retry")
	}
}

func TestExhaustedFreshPairingWaysOut(t *testing.T) {
	tests := []struct {
		name        string
		action      Action
		state       State
		advertising bool
	}{
		{"rescan", Rescan, ProvisioningQR, false},
		{"pair new", PairNew, AwaitingCredentials, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil, func(h *harness, _ *Options) {
				h.net.fail(3)
			})
			exhaustFreshPairing(t, h)

			h.o.Do(tt.action)
			h.expect(t, tt.state)
			h.quiet(t)

			if got := h.ble.isAdvertising(); got != tt.advertising {
				t.Errorf("advertising = %v, want %v", got, tt.advertising)
			}
			if tt.action == Rescan && !h.ui.has("qr:"+msgNoKnownPhones) {
				t.Errorf("presenter calls = %v, want the no-phones hint", h.ui.snapshot())
			}
			if got := len(h.net.attemptsSnapshot()); got != 3 {
				t.Errorf("connect attempts = %d, want 3", got)
			}
		})
	}
}

func TestWorkerPanicsShowQR(t *testing.T) {
	tests := []struct {
		name    string
		known   []device.Credentials
		setup   func(h *harness)
		drive   func(t *testing.T, h *harness)
		message string
	}{
		{
			name:  "connect",
			known: []device.Credentials{pixel},
			setup: func(h *harness) {
				h.ble.queueScan(scanOutcome{match: pixelMatch})
				h.net.panicNext(1)
			},
			drive: func(t *testing.T, h *harness) {
				h.expect(t, Scanning, Connecting, ProvisioningQR)
			},
			message: "qr:Something went wrong (connect). Pair again or look for your phone",
		},
		{
			name: "credentials",
			drive: func(t *testing.T, h *harness) {
				h.expect(t, ProvisioningQR)
				h.o.Do(PairNew)
				h.expect(t, AwaitingCredentials)
				h.ble.creds <- credentialOutcome{panic: true}
				h.expect(t, ProvisioningQR)
			},
			message: "qr:Something went wrong (credentials). Pair again or look for your phone",
		},
		{
			name:  "start advertising",
			setup: func(h *harness) { h.ble.setStartPanic(true) },
			drive: func(t *testing.T, h *harness) {
				h.expect(t, ProvisioningQR)
				h.o.Do(PairNew)
				h.expect(t, ProvisioningQR)
			},
			message: "qr:Something went wrong (start advertising). Pair again or look for your phone",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.known, func(h *harness, _ *Options) {
				if tt.setup != nil {
					tt.setup(h)
				}
			})
			tt.drive(t, h)
			eventually(t, tt.message, func() bool { return h.ui.has(tt.message) })
			if h.ble.isAdvertising() {
				t.Error("peripheral still advertising after the fault")
			}

			// The orchestrator keeps serving actions.
			h.ble.setStartPanic(false)
			h.o.Do(PairNew)
			h.expect(t, AwaitingCredentials)
		})
	}
}

func TestAdvertisingPanicOnReconnectStillConnects(t *testing.T) {
	h := newHarness(t, []device.Credentials{pixel}, func(h *harness, _ *Options) {
		h.ble.queueScan(scanOutcome{match: pixelMatch})
		h.ble.setStartPanic(true)
	})
	h.connectHome(t)
	if h.ble.isAdvertising() {
		t.Error("peripheral advertising after a failed start")
	}
}

func TestCredentialFailures(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		state   State
		message string
	}{
		{"timeout", ble.ErrCredentialTimeout, ProvisioningQR, "qr:" + msgPairingTimeout},
		{"unknown central", ble.ErrUnknownCentral, ProvisioningQR, "qr:" + msgUnknownPhone},
		{"radio lost", ble.ErrRadioUnavailable, Error, "error:" + msgRadioUnavailable},
		{"other", errors.New("bus closed"), ProvisioningQR, "qr:" + msgPairingFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil, nil)
			h.expect(t, ProvisioningQR)
			h.o.Do(PairNew)
			h.expect(t, AwaitingCredentials)

			h.ble.creds <- credentialOutcome{err: tt.err}
			h.expect(t, tt.state)
			eventually(t, tt.message, func() bool { return h.ui.has(tt.message) })
			if h.ble.isAdvertising() {
				t.Error("peripheral still advertising")
			}
		})
	}
}

func TestRadioUnavailableOnPairShowsErrorOnce(t *testing.T) {
	h := newHarness(t, nil, func(h *harness, _ *Options) {
		h.ble.setStartErr(ble.ErrRadioUnavailable)
	})
	h.expect(t, ProvisioningQR)

	h.o.Do(PairNew)
	h.expect(t, Error)
	h.quiet(t)

	if got := h.ui.withPrefix("error:"); len(got) != 1 {
		t.Errorf("error screens = %v, want exactly one", got)
	}

	// The radio came back: pairing works from the error screen.
	h.ble.setStartErr(nil)
	h.o.Do(PairNew)
	h.expect(t, AwaitingCredentials)
}

func TestScanOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		scan    scanOutcome
		state   State
		message string
	}{
		{"no match", scanOutcome{err: ble.ErrNoMatch}, ProvisioningQR, "qr:" + msgNoPhoneNearby},
		{"radio unavailable", scanOutcome{err: ble.ErrRadioUnavailable}, Error, "error:" + msgRadioUnavailable},
		{"scan error", scanOutcome{err: errors.New("org.bluez.Error.InProgress")}, ProvisioningQR, "qr:" + msgNoPhoneNearby},
		{"stale match", scanOutcome{match: device.Match{MAC: "11:22:33:44:55:66"}}, ProvisioningQR, "qr:" + msgNoPhoneNearby},
		{"panic", scanOutcome{panic: true}, ProvisioningQR, "qr:Something went wrong (scan). Pair again or look for your phone"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, []device.Credentials{pixel}, func(h *harness, _ *Options) {
				h.ble.queueScan(tt.scan)
			})
			h.expect(t, Scanning, tt.state)
			eventually(t, tt.message, func() bool { return h.ui.has(tt.message) })
		})
	}
}

func TestScanMatchByName(t *testing.T) {
	h := newHarness(t, []device.Credentials{pixel}, func(h *harness, _ *Options) {
		// Phones rotate their address; the name still identifies them.
		h.ble.queueScan(scanOutcome{match: device.Match{MAC: "5E:11:22:33:44:55", Name: pixel.BLEName}})
	})
	h.connectHome(t)
	if got := h.o.Status().ActiveDevice; got != pixel.BLEMAC {
		t.Errorf("active device = %q, want %q", got, pixel.BLEMAC)
	}
}

func TestRetryNowSkipsCountdown(t *testing.T) {
	h := newHarness(t, []device.Credentials{pixel}, func(h *harness, _ *Options) {
		h.ble.queueScan(scanOutcome{match: pixelMatch})
		h.net.fail(1)
	})
	h.expect(t, Scanning, Connecting, HotspotPrompt)
	eventually(t, "retry timer", func() bool { return len(h.clock.durations()) == 1 })
	countdown := h.clock.latest(t)

	h.o.Do(RetryNow)
	h.expect(t, Connecting, ConnectedHome)

	// The superseded countdown firing late must not start another attempt.
	countdown.f()
	h.quiet(t)
	if got := len(h.net.attemptsSnapshot()); got != 2 {
		t.Errorf("connect attempts = %d, want 2", got)
	}
	if h.o.State() != ConnectedHome {
		t.Errorf("state = %v, want connected_home", h.o.State())
	}
}

func TestSupersededCredentialWaitIsDiscarded(t *testing.T) {
	h := newHarness(t, []device.Credentials{pixel}, func(h *harness, _ *Options) {
		h.ble.queueScan(scanOutcome{err: ble.ErrNoMatch})
	})
	h.expect(t, Scanning, ProvisioningQR)

	h.o.Do(PairNew)
	h.expect(t, AwaitingCredentials)

	// Looking for the phone cancels the credential wait. Its cancellation
	// result belongs to the old state and must be dropped.
	h.o.Do(LookForPhone)
	h.expect(t, Scanning)
	h.quiet(t)

	if h.ui.has("qr:" + msgPairingFailed) {
		t.Error("stale credential result reached the presenter")
	}
}

func TestIgnoredActions(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.expect(t, ProvisioningQR)

	h.o.Do(RetryNow)
	h.o.Do(WiFiLost)
	h.o.Do(ForgetDevice)
	h.o.Do(ResetPairing) // not enabled
	h.quiet(t)

	h.o.Do(LookForPhone) // nothing to look for
	h.expect(t, ProvisioningQR)
	eventually(t, "hint", func() bool { return h.ui.has("qr:" + msgNoKnownPhones) })
}

func TestForgetDeviceRestartsHeartbeatOnNextPairing(t *testing.T) {
	h := newHarness(t, []device.Credentials{pixel}, func(h *harness, _ *Options) {
		h.ble.queueScan(scanOutcome{match: pixelMatch})
	})
	h.connectHome(t)

	h.o.Do(ForgetDevice)
	h.expect(t, ProvisioningQR)
	eventually(t, "forgotten message", func() bool { return h.ui.has("qr:" + msgForgotten) })

	first := h.live.all()[0]
	if first.stops.Load() != 1 {
		t.Errorf("heartbeat stops = %d, want 1", first.stops.Load())
	}
	if h.registry(t).Len() != 0 {
		t.Error("forgotten phone still in registry")
	}

	h.o.Do(PairNew)
	h.expect(t, AwaitingCredentials)
	h.ble.creds <- credentialOutcome{creds: galaxy}
	h.expect(t, Connecting, ConnectedHome)
	eventually(t, "second heartbeat", func() bool { return len(h.live.all()) == 2 })
}

func TestForgetOnlyRemovesActiveDevice(t *testing.T) {
	h := newHarness(t, []device.Credentials{pixel, galaxy}, func(h *harness, _ *Options) {
		h.ble.queueScan(scanOutcome{match: pixelMatch})
	})
	h.connectHome(t)

	h.o.Do(ForgetDevice)
	h.expect(t, ProvisioningQR)

	reg := h.registry(t)
	if reg.Len() != 1 {
		t.Fatalf("registry len = %d, want 1", reg.Len())
	}
	if _, ok := reg.Find(galaxy.BLEMAC); !ok {
		t.Error("forget removed the wrong phone")
	}
}

func TestResetPairing(t *testing.T) {
	h := newHarness(t, []device.Credentials{pixel, galaxy}, func(h *harness, opts *Options) {
		h.ble.queueScan(scanOutcome{err: ble.ErrNoMatch})
		opts.AllowReset = true
	})
	h.expect(t, Scanning, ProvisioningQR)

	h.o.Do(ResetPairing)
	h.expect(t, ProvisioningQR)
	eventually(t, "reset message", func() bool { return h.ui.has("qr:" + msgReset) })

	reg := h.registry(t)
	if reg.Len() != 0 {
		t.Errorf("registry len = %d, want 0", reg.Len())
	}
	if reg.DeviceID() == "" {
		t.Error("reset dropped the device id")
	}
}

func TestLivenessWarnings(t *testing.T) {
	h := newHarness(t, []device.Credentials{pixel}, func(h *harness, _ *Options) {
		h.ble.queueScan(scanOutcome{match: pixelMatch})
	})
	h.connectHome(t)
	mon := h.live.all()[0]

	mon.onOffline(errors.New("connection refused"))
	eventually(t, "warning", func() bool { return h.ui.has("warning:" + msgPhoneUnreachable) })

	mon.onOnline()
	eventually(t, "warning cleared", func() bool { return h.ui.has("clear_warning") })
}

func TestLinkCheckDetectsLostHotspot(t *testing.T) {
	h := newHarness(t, []device.Credentials{pixel}, func(h *harness, opts *Options) {
		h.ble.queueScan(scanOutcome{match: pixelMatch}, scanOutcome{err: ble.ErrNoMatch})
		opts.LinkCheck = 15 * time.Second
	})
	h.connectHome(t)

	// Still on the hotspot: the check re-arms.
	if d := h.clock.fireNext(t); d != 15*time.Second {
		t.Errorf("link check interval = %v, want 15s", d)
	}
	h.quiet(t)

	h.net.setActive("")
	h.clock.fireNext(t)
	h.expect(t, Scanning, ProvisioningQR)
}

func TestEndpointFailureWarnsAndRetries(t *testing.T) {
	h := newHarness(t, []device.Credentials{pixel}, func(h *harness, _ *Options) {
		h.ble.queueScan(scanOutcome{match: pixelMatch}, scanOutcome{match: pixelMatch})
		h.endpoint.err = errors.New("address already in use")
	})
	h.connectHome(t)
	eventually(t, "endpoint warning", func() bool { return h.ui.has("warning:" + msgEndpointFailed) })

	h.o.Do(WiFiLost)
	h.expect(t, Scanning, Connecting, ConnectedHome)
	eventually(t, "endpoint retry", func() bool { return h.endpoint.starts.Load() == 2 })
}

func TestRetrySpacingWithRealClock(t *testing.T) {
	const interval = 30 * time.Millisecond
	h := newHarness(t, []device.Credentials{pixel}, func(h *harness, opts *Options) {
		h.ble.queueScan(scanOutcome{match: pixelMatch})
		h.net.fail(3)
		opts.Clock = nil
		opts.RetryInterval = interval
	})

	h.expect(t, Scanning,
		Connecting, HotspotPrompt,
		Connecting, HotspotPrompt,
		Connecting, ProvisioningQR,
	)

	attempts := h.net.attemptsSnapshot()
	if len(attempts) != 3 {
		t.Fatalf("attempts = %d, want 3", len(attempts))
	}
	for i := 1; i < len(attempts); i++ {
		if gap := attempts[i].at.Sub(attempts[i-1].at); gap < interval {
			t.Errorf("gap before attempt %d = %v, want >= %v", i+1, gap, interval)
		}
	}
}

func TestStatus(t *testing.T) {
	h := newHarness(t, []device.Credentials{pixel}, func(h *harness, _ *Options) {
		h.ble.queueScan(scanOutcome{match: pixelMatch})
	})
	h.connectHome(t)

	st := h.o.Status()
	if st.State != ConnectedHome || st.ActiveDevice != pixel.BLEMAC || st.LocalIP != "172.20.10.2" {
		t.Errorf("Status() = %+v", st)
	}
	if st.Phone == nil || st.Phone.Target != "172.20.10.1" {
		t.Errorf("Status().Phone = %+v, want heartbeat snapshot", st.Phone)
	}

	raw, err := json.Marshal(st)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), `"state":"connected_home"`) {
		t.Errorf("JSON = %s, want state by name", raw)
	}
}

func TestRunTwice(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.expect(t, ProvisioningQR)
	if err := h.o.Run(context.Background()); err == nil {
		t.Error("second Run() should fail")
	}
}

func TestNewRequiresDeps(t *testing.T) {
	full := Deps{
		Peripheral: newFakePeripheral(),
		Network:    newFakeNetwork(),
		Endpoint:   &fakeEndpoint{},
		Registry:   nil,
		Liveness:   (&livenessRecorder{}).factory,
		Presenter:  &recordingPresenter{},
	}
	if _, err := New(full, Options{}); err == nil {
		t.Error("New() with nil registry should fail")
	}
}

func TestParseAction(t *testing.T) {
	for a := PairNew; a <= WiFiLost; a++ {
		got, err := ParseAction(a.String())
		if err != nil || got != a {
			t.Errorf("ParseAction(%q) = %v, %v; want %v", a.String(), got, err, a)
		}
	}
	if _, err := ParseAction("self_destruct"); err == nil {
		t.Error("ParseAction should reject unknown names")
	}
}

func TestStateAndActionNames(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{Boot.String(), "boot"},
		{HotspotPrompt.String(), "hotspot_prompt"},
		{AwaitingCredentials.String(), "awaiting_credentials"},
		{State(99).String(), "unknown"},
		{PairNew.String(), "pair_new"},
		{WiFiLost.String(), "wifi_lost"},
		{Action(-1).String(), "unknown"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("name = %q, want %q", tt.got, tt.want)
		}
	}
}
