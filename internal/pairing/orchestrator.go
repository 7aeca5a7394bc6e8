// Package pairing drives the appliance between finding an already paired
// phone, joining its hotspot, and provisioning a new phone over BLE.
//
// All state lives on the goroutine running Orchestrator.Run. Blocking work
// (scans, credential waits, hotspot joins, the IP hand-off) runs in worker
// goroutines whose results come back as events tagged with the epoch they
// were started in. Every state change bumps the epoch and cancels the
// previous state's workers and timer, so a late result can never act on a
// state it no longer belongs to.
package pairing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/chaz8081/minik-link/internal/ble"
	"github.com/chaz8081/minik-link/internal/device"
	"github.com/chaz8081/minik-link/internal/heartbeat"
)

// Operator-facing messages.
const (
	msgNoKnownPhones    = "No paired phones yet. Press Pair to add one"
	msgNoPhoneNearby    = "No paired phone nearby. Pair a new phone or look again"
	msgPasswordChanged  = "%s: hotspot password may have changed — scan to re-pair"
	msgPairingTimeout   = "Pairing timed out. Press Pair to try again"
	msgUnknownPhone     = "Could not identify phone — pair again"
	msgPairingFailed    = "Pairing failed. Press Pair to try again"
	msgRadioUnavailable = "Failed to start BLE: Bluetooth unavailable"
	msgForgotten        = "Phone forgotten. Pair a new phone"
	msgReset            = "All pairings cleared"
	msgWorkerFault      = "Something went wrong (%s). Pair again or look for your phone"
	msgSaveFailed       = "Connected, but the pairing could not be saved"
	msgPhoneUnreachable = "Phone app unreachable"
	msgEndpointFailed   = "Data endpoint unavailable"
)

const eventQueueSize = 64

// Options configures an Orchestrator.
type Options struct {
	DeviceID         string
	RetryLimit       int           // hotspot connection attempts per target
	RetryInterval    time.Duration // countdown between attempts
	ScanTimeout      time.Duration
	AdvertiseTimeout time.Duration // credential window
	LinkCheck        time.Duration // 0 disables hotspot link checks
	AllowReset       bool
	Clock            Clock
	Logger           *slog.Logger

	// OnTransition, when set, is called on the orchestrator goroutine after
	// every state change and before the new state's entry actions run.
	OnTransition func(from, to State)
}

// DefaultOptions returns the production timings.
func DefaultOptions() Options {
	return Options{
		RetryLimit:       3,
		RetryInterval:    10 * time.Second,
		ScanTimeout:      15 * time.Second,
		AdvertiseTimeout: 180 * time.Second,
		LinkCheck:        15 * time.Second,
	}
}

// Deps are the collaborators the orchestrator drives.
type Deps struct {
	Peripheral Peripheral
	Network    Network
	Endpoint   Endpoint
	Registry   Registry
	Liveness   LivenessFactory
	Presenter  Presenter
}

// Status is a point-in-time view of the orchestrator, served on /status.
type Status struct {
	State        State               `json:"state"`
	DeviceID     string              `json:"device_id,omitempty"`
	Branch       string              `json:"branch,omitempty"`
	ActiveDevice string              `json:"active_device,omitempty"`
	SSID         string              `json:"ssid,omitempty"`
	Attempt      int                 `json:"attempt,omitempty"`
	LocalIP      string              `json:"local_ip,omitempty"`
	Phone        *heartbeat.Snapshot `json:"phone,omitempty"`
}

type published struct {
	status   Status
	liveness Liveness
}

// target is the hotspot being joined and the phone that owns it.
type target struct {
	mac      string
	name     string
	ssid     string
	phone    string
	password *string // nil uses the saved profile
}

// Orchestrator is the pairing state machine.
type Orchestrator struct {
	opts        Options
	ble         Peripheral
	net         Network
	endpoint    Endpoint
	reg         Registry
	newLiveness LivenessFactory
	ui          Presenter
	clock       Clock
	logger      *slog.Logger

	events  chan event
	done    chan struct{}
	running atomic.Bool
	current atomic.Pointer[published]

	// Owned by the Run goroutine.
	runCtx          context.Context
	opCtx           context.Context
	cancelOp        context.CancelFunc
	epoch           uint64
	state           State
	timer           Timer
	branch          branch
	attempt         int
	target          target
	creds           *device.Credentials // new-pair credentials, password removed
	active          string              // MAC of the phone whose hotspot we are on
	localIP         string
	endpointStarted bool
	liveness        Liveness
	livenessAddr    string
	livenessGen     uint64
}

// New creates an orchestrator. Zero option values take their defaults.
func New(deps Deps, opts Options) (*Orchestrator, error) {
	switch {
	case deps.Peripheral == nil:
		return nil, errors.New("pairing: nil peripheral")
	case deps.Network == nil:
		return nil, errors.New("pairing: nil network")
	case deps.Endpoint == nil:
		return nil, errors.New("pairing: nil endpoint")
	case deps.Registry == nil:
		return nil, errors.New("pairing: nil registry")
	case deps.Liveness == nil:
		return nil, errors.New("pairing: nil liveness factory")
	case deps.Presenter == nil:
		return nil, errors.New("pairing: nil presenter")
	}

	def := DefaultOptions()
	if opts.RetryLimit <= 0 {
		opts.RetryLimit = def.RetryLimit
	}
	if opts.RetryInterval < 0 {
		opts.RetryInterval = 0
	}
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = def.ScanTimeout
	}
	if opts.AdvertiseTimeout <= 0 {
		opts.AdvertiseTimeout = def.AdvertiseTimeout
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	o := &Orchestrator{
		opts:        opts,
		ble:         deps.Peripheral,
		net:         deps.Network,
		endpoint:    deps.Endpoint,
		reg:         deps.Registry,
		newLiveness: deps.Liveness,
		ui:          deps.Presenter,
		clock:       opts.Clock,
		logger:      opts.Logger,
		events:      make(chan event, eventQueueSize),
		done:        make(chan struct{}),
		state:       Boot,
	}
	o.publish()
	return o, nil
}

// Run drives the state machine until ctx is cancelled. On return the
// liveness monitor and the BLE peripheral are stopped. Run may be called
// only once.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return errors.New("pairing: Run called twice")
	}
	defer close(o.done)

	o.runCtx = ctx
	o.opCtx, o.cancelOp = context.WithCancel(ctx)
	o.boot()

	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return nil
		case ev := <-o.events:
			o.handle(ev)
		}
	}
}

// Do queues an operator action. Actions that make no sense in the current
// state are logged and ignored.
func (o *Orchestrator) Do(a Action) {
	o.tryPost(actionEvent{action: a})
}

// Status returns the latest published status.
func (o *Orchestrator) Status() Status {
	p := o.current.Load()
	s := p.status
	if p.liveness != nil {
		snap := p.liveness.Snapshot()
		s.Phone = &snap
	}
	return s
}

// State returns the current state.
func (o *Orchestrator) State() State {
	return o.current.Load().status.State
}

func (o *Orchestrator) boot() {
	n := o.reg.Len()
	o.logger.Info("[PAIRING] starting", "device_id", o.opts.DeviceID, "known_devices", n)
	if n == 0 {
		o.enterQR("")
		return
	}
	o.enterScanning()
}

func (o *Orchestrator) shutdown() {
	o.cancelOp()
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
	o.stopLiveness()
	o.stopPeripheral()
	o.logger.Info("[PAIRING] stopped", "state", o.state)
}

func (o *Orchestrator) handle(ev event) {
	switch ev := ev.(type) {
	case workerDone:
		o.onWorker(ev)
	case timerFired:
		if ev.epoch != o.epoch {
			o.logger.Debug("[PAIRING] stale timer discarded", "epoch", ev.epoch, "current", o.epoch)
			return
		}
		o.timer = nil
		o.onTimer(ev.kind)
	case actionEvent:
		o.onAction(ev.action)
	case livenessEvent:
		o.onLiveness(ev)
	}
}

func (o *Orchestrator) onWorker(ev workerDone) {
	// The endpoint outlives the state that started it.
	if r, ok := ev.result.(endpointResult); ok {
		o.onEndpoint(r)
		return
	}
	if ev.epoch != o.epoch {
		o.logger.Debug("[PAIRING] stale result discarded", "worker", ev.worker, "epoch", ev.epoch, "current", o.epoch)
		return
	}

	switch r := ev.result.(type) {
	case *WorkerFault:
		o.onFault(r)
	case scanResult:
		o.onScan(r)
	case credentialResult:
		o.onCredentials(r)
	case connectResult:
		o.onConnect(r)
	case ipSentResult:
		o.onIPSent(r)
	case linkResult:
		o.onLink(r)
	}
}

func (o *Orchestrator) onTimer(kind timerKind) {
	switch kind {
	case timerRetry:
		if o.state == HotspotPrompt {
			o.enterConnecting()
		}
	case timerLinkCheck:
		if o.state == ConnectedHome {
			o.checkLink()
		}
	}
}

func (o *Orchestrator) onAction(a Action) {
	o.logger.Info("[PAIRING] action", "action", a, "state", o.state)

	switch a {
	case PairNew:
		if o.state == AwaitingCredentials || o.state == ConnectedHome {
			o.ignore(a)
			return
		}
		o.enterAwaiting()

	case LookForPhone, Rescan:
		if o.state == Scanning || o.state == ConnectedHome {
			o.ignore(a)
			return
		}
		o.enterScanning()

	case RetryNow:
		if o.state != HotspotPrompt {
			o.ignore(a)
			return
		}
		if o.attempt >= o.opts.RetryLimit {
			o.attempt = 0 // fresh round once the automatic retries ran out
		}
		o.enterConnecting()

	case ForgetDevice:
		o.forget()

	case ResetPairing:
		o.reset()

	case WiFiLost:
		if o.state != ConnectedHome {
			o.ignore(a)
			return
		}
		o.logger.Warn("[PAIRING] hotspot link lost", "ssid", o.target.ssid)
		o.enterScanning()

	default:
		o.ignore(a)
	}
}

func (o *Orchestrator) ignore(a Action) {
	o.logger.Debug("[PAIRING] action ignored", "action", a, "state", o.state)
}

// --- states ---

func (o *Orchestrator) enterScanning() {
	if o.reg.Len() == 0 {
		o.enterQR(msgNoKnownPhones)
		return
	}
	o.stopPeripheral()
	o.resetTarget()
	o.active = ""
	o.transition(Scanning)
	o.ui.ShowScanning()

	macs, names, timeout := o.reg.MACs(), o.reg.Names(), o.opts.ScanTimeout
	o.spawn("scan", func(ctx context.Context) any {
		m, err := o.ble.ScanForKnownDevice(ctx, macs, names, timeout)
		return scanResult{match: m, err: err}
	})
}

func (o *Orchestrator) onScan(r scanResult) {
	if r.err != nil {
		switch {
		case errors.Is(r.err, ble.ErrRadioUnavailable):
			o.enterError(msgRadioUnavailable, r.err)
		case errors.Is(r.err, ble.ErrNoMatch):
			o.logger.Info("[PAIRING] no known phone nearby")
			o.enterQR(msgNoPhoneNearby)
		default:
			o.logger.Warn("[PAIRING] scan failed", "error", r.err)
			o.enterQR(msgNoPhoneNearby)
		}
		return
	}

	known, ok := o.lookup(r.match)
	if !ok {
		o.logger.Warn("[PAIRING] scan matched a device no longer in the registry", "mac", r.match.MAC)
		o.enterQR(msgNoPhoneNearby)
		return
	}
	o.logger.Info("[PAIRING] known phone found", "name", known.DisplayName(), "mac", known.BLEMAC, "rssi", r.match.RSSI)

	o.branch = branchReconnect
	o.target = target{
		mac:   known.BLEMAC,
		name:  known.DisplayName(),
		ssid:  known.SSID,
		phone: known.PhoneAddress,
	}
	o.attempt = 0

	// Advertise so hotspot notices can reach the phone while we retry.
	if err := o.guard("start advertising", o.ble.StartAdvertising); err != nil {
		o.logger.Warn("[PAIRING] hotspot notices unavailable", "error", err)
	}
	o.enterConnecting()
}

func (o *Orchestrator) lookup(m device.Match) (device.KnownDevice, bool) {
	if m.MAC != "" {
		if d, ok := o.reg.Find(m.MAC); ok {
			return d, true
		}
	}
	if m.Name != "" {
		for _, d := range o.reg.List() {
			if d.BLEName == m.Name {
				return d, true
			}
		}
	}
	return device.KnownDevice{}, false
}

func (o *Orchestrator) enterConnecting() {
	o.attempt++
	o.transition(Connecting)
	o.ui.ShowConnecting(o.target.name, o.attempt)
	if o.branch == branchNewPair {
		o.notify("notify connecting", o.ble.NotifyConnecting)
	}

	ssid, password := o.target.ssid, o.target.password
	o.spawn("connect", func(ctx context.Context) any {
		if err := o.net.Connect(ctx, ssid, password); err != nil {
			return connectResult{err: err}
		}
		ip, err := o.net.LocalIP(ctx)
		if err != nil {
			return connectResult{err: fmt.Errorf("joined %q without an address: %w", ssid, err)}
		}
		phone, err := o.net.GatewayIP(ctx)
		if err != nil {
			o.logger.Warn("[PAIRING] gateway lookup failed", "error", err)
			phone = ""
		}
		return connectResult{localIP: ip, phone: phone}
	})
}

func (o *Orchestrator) onConnect(r connectResult) {
	if r.err == nil {
		o.enterConnected(r.localIP, r.phone)
		return
	}

	o.logger.Warn("[PAIRING] hotspot connection failed",
		"ssid", o.target.ssid,
		"attempt", o.attempt,
		"limit", o.opts.RetryLimit,
		"error", r.err,
	)
	// A new phone keeps its credentials and stays retriable. A known phone
	// that cannot be joined is probably using a new hotspot password.
	if o.attempt < o.opts.RetryLimit || o.branch == branchNewPair {
		o.enterHotspotPrompt()
		return
	}

	name := o.target.name
	o.resetTarget()
	o.enterQR(fmt.Sprintf(msgPasswordChanged, name))
}

// enterHotspotPrompt counts down to the next attempt. Once the automatic
// retries are used up it waits for RetryNow, Rescan or PairNew.
func (o *Orchestrator) enterHotspotPrompt() {
	o.transition(HotspotPrompt)
	o.notify("notify hotspot", o.ble.NotifyEnableHotspot)

	left := o.opts.RetryLimit - o.attempt
	if left <= 0 {
		o.logger.Warn("[PAIRING] automatic retries used up, waiting for the operator", "ssid", o.target.ssid)
		o.ui.ShowHotspotPrompt(o.target.name, o.attempt, 0, 0)
		return
	}
	o.ui.ShowHotspotPrompt(o.target.name, o.attempt, left, o.opts.RetryInterval)
	o.schedule(timerRetry, o.opts.RetryInterval)
}

func (o *Orchestrator) enterAwaiting() {
	o.stopPeripheral()
	o.resetTarget()
	o.active = ""
	if err := o.guard("start advertising", o.ble.StartAdvertising); err != nil {
		var fault *WorkerFault
		if errors.As(err, &fault) {
			o.onFault(fault)
			return
		}
		o.enterError(msgRadioUnavailable, err)
		return
	}
	o.transition(AwaitingCredentials)
	o.ui.ShowAdvertising(o.ble.LocalName(), o.opts.AdvertiseTimeout)

	timeout := o.opts.AdvertiseTimeout
	o.spawn("credentials", func(ctx context.Context) any {
		c, err := o.ble.WaitForCredentials(ctx, timeout)
		return credentialResult{creds: c, err: err}
	})
}

func (o *Orchestrator) onCredentials(r credentialResult) {
	switch {
	case r.err == nil:
		creds := r.creds
		o.logger.Info("[PAIRING] credentials received", "creds", creds)

		password := creds.Password
		creds.Password = ""
		o.branch = branchNewPair
		o.creds = &creds
		o.target = target{
			mac:      creds.BLEMAC,
			name:     creds.KnownDevice(time.Time{}).DisplayName(),
			ssid:     creds.SSID,
			password: &password,
		}
		o.attempt = 0
		o.enterConnecting()

	case errors.Is(r.err, ble.ErrCredentialTimeout):
		o.logger.Info("[PAIRING] credential window elapsed")
		o.enterQR(msgPairingTimeout)

	case errors.Is(r.err, ble.ErrUnknownCentral):
		o.logger.Warn("[PAIRING] credentials from an unidentified central", "error", r.err)
		o.enterQR(msgUnknownPhone)

	case errors.Is(r.err, ble.ErrRadioUnavailable):
		o.enterError(msgRadioUnavailable, r.err)

	default:
		o.logger.Warn("[PAIRING] credential wait failed", "error", r.err)
		o.enterQR(msgPairingFailed)
	}
}

func (o *Orchestrator) enterConnected(localIP, phone string) {
	if phone == "" {
		phone = o.target.phone
	}
	o.target.password = nil
	o.active = o.target.mac
	o.localIP = localIP
	o.transition(ConnectedHome)
	o.ui.ShowConnected(o.target.name, localIP)

	switch o.branch {
	case branchNewPair:
		creds := *o.creds
		creds.PhoneAddress = phone
		o.creds = nil
		if err := o.reg.Save(creds); err != nil {
			o.logger.Error("[PAIRING] failed to save pairing", "error", err)
			o.ui.ShowWarning(msgSaveFailed)
		}
		o.spawn("send ip", func(ctx context.Context) any {
			return ipSentResult{err: o.ble.SendIP(ctx, localIP)}
		})

	case branchReconnect:
		if err := o.reg.UpdateLastConnected(o.active); err != nil {
			o.logger.Warn("[PAIRING] failed to record connection time", "error", err)
		}
		if phone != "" && phone != o.target.phone {
			if err := o.reg.SetPhoneAddress(o.active, phone); err != nil {
				o.logger.Warn("[PAIRING] failed to record phone address", "error", err)
			}
		}
		o.stopPeripheral()
	}
	o.target.phone = phone

	o.logger.Info("[PAIRING] connected",
		"name", o.target.name,
		"ssid", o.target.ssid,
		"local_ip", localIP,
		"phone", phone,
		"branch", o.branch,
	)

	o.startEndpoint()
	o.startLiveness(phone)
	o.scheduleLinkCheck()
}

func (o *Orchestrator) onIPSent(r ipSentResult) {
	if r.err != nil {
		o.logger.Warn("[PAIRING] could not hand the IP to the phone", "error", r.err)
	}
	o.stopPeripheral()
}

func (o *Orchestrator) enterQR(message string) {
	o.stopPeripheral()
	o.stopLiveness()
	o.active = ""
	o.transition(ProvisioningQR)
	o.ui.ShowQR(message)
}

func (o *Orchestrator) enterError(message string, err error) {
	o.logger.Error("[PAIRING] radio unavailable", "error", err)
	o.stopPeripheral()
	o.stopLiveness()
	o.resetTarget()
	o.active = ""
	o.transition(Error)
	o.ui.ShowError(message)
}

func (o *Orchestrator) onFault(f *WorkerFault) {
	o.logger.Error("[PAIRING] worker fault", "worker", f.Worker, "panic", f.Value, "state", o.state)
	o.resetTarget()
	o.enterQR(fmt.Sprintf(msgWorkerFault, f.Worker))
}

func (o *Orchestrator) forget() {
	mac := o.active
	if mac == "" && o.branch == branchReconnect {
		mac = o.target.mac
	}
	if mac == "" {
		o.ignore(ForgetDevice)
		return
	}

	if err := o.reg.Remove(mac); err != nil {
		o.logger.Warn("[PAIRING] forget failed", "mac", mac, "error", err)
	} else {
		o.logger.Info("[PAIRING] phone forgotten", "mac", mac)
	}
	o.resetTarget()
	o.enterQR(msgForgotten)
}

func (o *Orchestrator) reset() {
	if !o.opts.AllowReset {
		o.logger.Warn("[PAIRING] reset ignored, not enabled in config")
		return
	}
	if err := o.reg.Clear(); err != nil {
		o.logger.Error("[PAIRING] reset failed", "error", err)
		o.ui.ShowWarning("Could not clear pairings")
		return
	}
	o.logger.Info("[PAIRING] all pairings cleared")
	o.resetTarget()
	o.enterQR(msgReset)
}

// --- connected-home services ---

func (o *Orchestrator) startEndpoint() {
	if o.endpointStarted {
		return
	}
	o.endpointStarted = true
	ctx := o.runCtx
	o.spawn("endpoint", func(context.Context) any {
		return endpointResult{err: o.endpoint.Start(ctx)}
	})
}

func (o *Orchestrator) onEndpoint(r endpointResult) {
	if r.err == nil {
		return
	}
	o.logger.Error("[PAIRING] data endpoint failed to start", "error", r.err)
	o.endpointStarted = false
	if o.state == ConnectedHome {
		o.ui.ShowWarning(msgEndpointFailed)
	}
}

// startLiveness keeps a monitor already watching phone and replaces one
// watching a different address.
func (o *Orchestrator) startLiveness(phone string) {
	if o.liveness != nil && o.livenessAddr == phone {
		return
	}
	o.stopLiveness()
	if phone == "" {
		o.logger.Warn("[PAIRING] phone address unknown, heartbeat not started")
		return
	}

	o.livenessGen++
	gen := o.livenessGen
	o.liveness = o.newLiveness(phone,
		func() { o.tryPost(livenessEvent{gen: gen, online: true}) },
		func(err error) { o.tryPost(livenessEvent{gen: gen, err: err}) },
	)
	o.livenessAddr = phone
	o.liveness.Start(o.runCtx)
	o.publish()
}

func (o *Orchestrator) stopLiveness() {
	if o.liveness == nil {
		return
	}
	o.liveness.Stop()
	o.liveness = nil
	o.livenessAddr = ""
	o.publish()
}

func (o *Orchestrator) onLiveness(ev livenessEvent) {
	if ev.gen != o.livenessGen || o.liveness == nil {
		return
	}
	if !ev.online {
		o.logger.Warn("[PAIRING] phone app unreachable", "error", ev.err)
	}
	if o.state != ConnectedHome {
		return
	}
	if ev.online {
		o.ui.ClearWarning()
		return
	}
	o.ui.ShowWarning(msgPhoneUnreachable)
}

func (o *Orchestrator) scheduleLinkCheck() {
	if o.opts.LinkCheck > 0 {
		o.schedule(timerLinkCheck, o.opts.LinkCheck)
	}
}

func (o *Orchestrator) checkLink() {
	o.spawn("link check", func(ctx context.Context) any {
		ssid, err := o.net.ActiveSSID(ctx)
		return linkResult{ssid: ssid, err: err}
	})
}

func (o *Orchestrator) onLink(r linkResult) {
	if o.state != ConnectedHome {
		return
	}
	if r.err != nil {
		o.logger.Debug("[PAIRING] link check failed", "error", r.err)
	} else if r.ssid != o.target.ssid {
		o.logger.Info("[PAIRING] active network changed", "want", o.target.ssid, "active", r.ssid)
		o.onAction(WiFiLost)
		return
	}
	o.scheduleLinkCheck()
}

// --- plumbing ---

// transition supersedes the current state's workers and timer and moves to
// the next state.
func (o *Orchestrator) transition(to State) {
	o.epoch++
	o.cancelOp()
	o.opCtx, o.cancelOp = context.WithCancel(o.runCtx)
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}

	from := o.state
	o.state = to
	o.publish()
	o.logger.Info("[PAIRING] state changed", "from", from, "to", to, "branch", o.branch, "attempt", o.attempt)
	if o.opts.OnTransition != nil {
		o.opts.OnTransition(from, to)
	}
}

func (o *Orchestrator) resetTarget() {
	o.branch = branchNone
	o.attempt = 0
	o.target = target{}
	o.creds = nil
}

func (o *Orchestrator) publish() {
	s := Status{
		State:        o.state,
		DeviceID:     o.opts.DeviceID,
		ActiveDevice: o.active,
		SSID:         o.target.ssid,
	}
	if o.branch != branchNone {
		s.Branch = o.branch.String()
		s.Attempt = o.attempt
	}
	if o.state == ConnectedHome {
		s.LocalIP = o.localIP
	}
	o.current.Store(&published{status: s, liveness: o.liveness})
}

// spawn runs fn on a worker goroutine bound to the current epoch. A panic
// in fn is delivered as a *WorkerFault.
func (o *Orchestrator) spawn(name string, fn func(ctx context.Context) any) {
	epoch, ctx := o.epoch, o.opCtx
	go func() {
		result := o.runWorker(ctx, name, fn)
		o.post(workerDone{epoch: epoch, worker: name, result: result})
	}()
}

func (o *Orchestrator) runWorker(ctx context.Context, name string, fn func(ctx context.Context) any) (result any) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("[PAIRING] worker panicked", "worker", name, "panic", r)
			result = &WorkerFault{Worker: name, Value: r}
		}
	}()
	return fn(ctx)
}

func (o *Orchestrator) schedule(kind timerKind, d time.Duration) {
	epoch := o.epoch
	o.timer = o.clock.AfterFunc(d, func() {
		o.post(timerFired{epoch: epoch, kind: kind})
	})
}

// post blocks until the loop accepts ev or Run has returned.
func (o *Orchestrator) post(ev event) {
	select {
	case o.events <- ev:
	case <-o.done:
	}
}

// tryPost never blocks. It is used from goroutines the loop may be waiting on.
func (o *Orchestrator) tryPost(ev event) {
	select {
	case o.events <- ev:
	case <-o.done:
	default:
		o.logger.Warn("[PAIRING] event queue full, dropping event", "event", fmt.Sprintf("%T", ev))
	}
}

// guard calls fn, converting a panic into a *WorkerFault.
func (o *Orchestrator) guard(op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("[PAIRING] peripheral call panicked", "op", op, "panic", r)
			err = &WorkerFault{Worker: op, Value: r}
		}
	}()
	return fn()
}

func (o *Orchestrator) notify(op string, fn func()) {
	_ = o.guard(op, func() error {
		fn()
		return nil
	})
}

func (o *Orchestrator) stopPeripheral() {
	o.notify("stop peripheral", o.ble.Stop)
}
