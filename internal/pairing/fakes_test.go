package pairing

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chaz8081/minik-link/internal/device"
	"github.com/chaz8081/minik-link/internal/heartbeat"
)

// --- peripheral ---

type scanOutcome struct {
	match device.Match
	err   error
	panic bool
}

type credentialOutcome struct {
	creds device.Credentials
	err   error
	panic bool
}

type fakePeripheral struct {
	creds chan credentialOutcome

	mu          sync.Mutex
	startErr    error
	startPanic  bool
	sendIPErr   error
	scanResults []scanOutcome
	advertising bool
	scans       int
	ops         []string
}

func newFakePeripheral() *fakePeripheral {
	return &fakePeripheral{creds: make(chan credentialOutcome, 1)}
}

func (f *fakePeripheral) record(op string) {
	f.ops = append(f.ops, op)
}

func (f *fakePeripheral) StartAdvertising() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("start")
	if f.startPanic {
		panic("advertisement registration exploded")
	}
	if f.startErr != nil {
		return f.startErr
	}
	f.advertising = true
	return nil
}

func (f *fakePeripheral) WaitForCredentials(ctx context.Context, _ time.Duration) (device.Credentials, error) {
	select {
	case out := <-f.creds:
		if out.panic {
			panic("credential wait exploded")
		}
		return out.creds, out.err
	case <-ctx.Done():
		return device.Credentials{}, ctx.Err()
	}
}

func (f *fakePeripheral) ScanForKnownDevice(ctx context.Context, _, _ []string, _ time.Duration) (device.Match, error) {
	f.mu.Lock()
	f.scans++
	var out *scanOutcome
	if len(f.scanResults) > 0 {
		out = &f.scanResults[0]
		f.scanResults = f.scanResults[1:]
	}
	f.mu.Unlock()

	if out == nil {
		<-ctx.Done()
		return device.Match{}, ctx.Err()
	}
	if out.panic {
		panic("scan exploded")
	}
	return out.match, out.err
}

func (f *fakePeripheral) NotifyEnableHotspot() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("notify:ENABLE_HOTSPOT")
}

func (f *fakePeripheral) NotifyConnecting() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("notify:CONNECTING")
}

func (f *fakePeripheral) SendIP(_ context.Context, ip string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("send_ip:" + ip)
	return f.sendIPErr
}

func (f *fakePeripheral) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stop")
	f.advertising = false
}

func (f *fakePeripheral) LocalName() string { return "MiniK-TEST01" }

func (f *fakePeripheral) queueScan(out ...scanOutcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scanResults = append(f.scanResults, out...)
}

func (f *fakePeripheral) setStartErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startErr = err
}

func (f *fakePeripheral) setStartPanic(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startPanic = on
}

func (f *fakePeripheral) opsSnapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

func (f *fakePeripheral) count(op string) int {
	n := 0
	for _, o := range f.opsSnapshot() {
		if o == op {
			n++
		}
	}
	return n
}

func (f *fakePeripheral) isAdvertising() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.advertising
}

func (f *fakePeripheral) scanCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scans
}

// --- network ---

type connectAttempt struct {
	ssid     string
	password *string
	at       time.Time
}

type fakeNetwork struct {
	mu       sync.Mutex
	failures int // remaining attempts that fail
	panics   int // remaining attempts that panic
	attempts []connectAttempt
	active   string
	localIP  string
	gateway  string
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{localIP: "172.20.10.2", gateway: "172.20.10.1"}
}

func (n *fakeNetwork) Connect(_ context.Context, ssid string, password *string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	a := connectAttempt{ssid: ssid, at: time.Now()}
	if password != nil {
		p := *password
		a.password = &p
	}
	n.attempts = append(n.attempts, a)
	if n.panics > 0 {
		n.panics--
		panic("nmcli exploded")
	}
	if n.failures > 0 {
		n.failures--
		return fmt.Errorf("association with %q failed", ssid)
	}
	n.active = ssid
	return nil
}

func (n *fakeNetwork) ActiveSSID(context.Context) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.active, nil
}

func (n *fakeNetwork) LocalIP(context.Context) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.localIP, nil
}

func (n *fakeNetwork) GatewayIP(context.Context) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.gateway, nil
}

func (n *fakeNetwork) fail(times int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures = times
}

func (n *fakeNetwork) panicNext(times int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.panics = times
}

func (n *fakeNetwork) setGateway(ip string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.gateway = ip
}

func (n *fakeNetwork) setActive(ssid string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.active = ssid
}

func (n *fakeNetwork) attemptsSnapshot() []connectAttempt {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]connectAttempt(nil), n.attempts...)
}

// --- endpoint and liveness ---

type fakeEndpoint struct {
	starts atomic.Int32
	err    error
}

func (e *fakeEndpoint) Start(context.Context) error {
	e.starts.Add(1)
	return e.err
}

type fakeLiveness struct {
	addr      string
	onOnline  func()
	onOffline func(error)
	starts    atomic.Int32
	stops     atomic.Int32
}

func (l *fakeLiveness) Start(context.Context) { l.starts.Add(1) }
func (l *fakeLiveness) Stop()                 { l.stops.Add(1) }
func (l *fakeLiveness) Snapshot() heartbeat.Snapshot {
	return heartbeat.Snapshot{Target: l.addr, Status: heartbeat.Online}
}

type livenessRecorder struct {
	mu       sync.Mutex
	monitors []*fakeLiveness
}

func (r *livenessRecorder) factory(addr string, onOnline func(), onOffline func(error)) Liveness {
	r.mu.Lock()
	defer r.mu.Unlock()
	l := &fakeLiveness{addr: addr, onOnline: onOnline, onOffline: onOffline}
	r.monitors = append(r.monitors, l)
	return l
}

func (r *livenessRecorder) all() []*fakeLiveness {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*fakeLiveness(nil), r.monitors...)
}

// --- presenter ---

type recordingPresenter struct {
	mu    sync.Mutex
	calls []string
}

func (p *recordingPresenter) add(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, fmt.Sprintf(format, args...))
}

func (p *recordingPresenter) ShowScanning() { p.add("scanning") }
func (p *recordingPresenter) ShowConnecting(name string, attempt int) {
	p.add("connecting:%s:%d", name, attempt)
}
func (p *recordingPresenter) ShowHotspotPrompt(name string, attempt, left int, retryIn time.Duration) {
	p.add("hotspot:%s:%d:%d:%s", name, attempt, left, retryIn)
}
func (p *recordingPresenter) ShowQR(message string)    { p.add("qr:%s", message) }
func (p *recordingPresenter) ShowError(message string) { p.add("error:%s", message) }
func (p *recordingPresenter) ShowAdvertising(name string, window time.Duration) {
	p.add("advertising:%s:%s", name, window)
}
func (p *recordingPresenter) ShowConnected(name, ip string) { p.add("connected:%s:%s", name, ip) }
func (p *recordingPresenter) ShowWarning(message string)    { p.add("warning:%s", message) }
func (p *recordingPresenter) ClearWarning()                 { p.add("clear_warning") }

func (p *recordingPresenter) snapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *recordingPresenter) withPrefix(prefix string) []string {
	var out []string
	for _, c := range p.snapshot() {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

func (p *recordingPresenter) has(call string) bool {
	for _, c := range p.snapshot() {
		if c == call {
			return true
		}
	}
	return false
}

// --- clock ---

type manualTimer struct {
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
	clock   *manualClock
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	pending := !t.stopped && !t.fired
	t.stopped = true
	return pending
}

type manualClock struct {
	mu     sync.Mutex
	timers []*manualTimer
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{d: d, f: f, clock: c}
	c.timers = append(c.timers, t)
	return t
}

// fireNext waits for a pending timer and fires it, returning its duration.
func (c *manualClock) fireNext(t *testing.T) time.Duration {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		c.mu.Lock()
		for _, tm := range c.timers {
			if !tm.stopped && !tm.fired {
				tm.fired = true
				c.mu.Unlock()
				tm.f()
				return tm.d
			}
		}
		c.mu.Unlock()
		if time.Now().After(deadline) {
			t.Fatal("no pending timer to fire")
		}
		time.Sleep(time.Millisecond)
	}
}

// latest returns the most recently scheduled timer.
func (c *manualClock) latest(t *testing.T) *manualTimer {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.timers) == 0 {
		t.Fatal("no timer scheduled")
	}
	return c.timers[len(c.timers)-1]
}

func (c *manualClock) durations() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, 0, len(c.timers))
	for _, t := range c.timers {
		out = append(out, t.d)
	}
	return out
}
