package pairing

import (
	"context"
	"time"

	"github.com/chaz8081/minik-link/internal/device"
	"github.com/chaz8081/minik-link/internal/heartbeat"
)

// Peripheral is the BLE provisioning server. *ble.Server implements it.
type Peripheral interface {
	StartAdvertising() error
	WaitForCredentials(ctx context.Context, timeout time.Duration) (device.Credentials, error)
	ScanForKnownDevice(ctx context.Context, macs, names []string, timeout time.Duration) (device.Match, error)
	NotifyEnableHotspot()
	NotifyConnecting()
	SendIP(ctx context.Context, ip string) error
	Stop()
	LocalName() string
}

// Network joins the phone's hotspot. *wifi.Manager and *wifi.Simulated
// implement it.
type Network interface {
	Connect(ctx context.Context, ssid string, password *string) error
	ActiveSSID(ctx context.Context) (string, error)
	LocalIP(ctx context.Context) (string, error)
	GatewayIP(ctx context.Context) (string, error)
}

// Endpoint is the data-exchange server started once the hotspot is joined.
type Endpoint interface {
	Start(ctx context.Context) error
}

// Registry is the persistent set of known phones. *registry.Registry
// implements it. Only the orchestrator goroutine touches it.
type Registry interface {
	Len() int
	Find(mac string) (device.KnownDevice, bool)
	List() []device.KnownDevice
	MACs() []string
	Names() []string
	Save(creds device.Credentials) error
	UpdateLastConnected(mac string) error
	SetPhoneAddress(mac, addr string) error
	Remove(mac string) error
	Clear() error
}

// Liveness watches the phone app. *heartbeat.Monitor implements it.
type Liveness interface {
	Start(ctx context.Context)
	Stop()
	Snapshot() heartbeat.Snapshot
}

// LivenessFactory builds a monitor for the phone at address. The callbacks
// run on the monitor's goroutine.
type LivenessFactory func(address string, onOnline func(), onOffline func(error)) Liveness

// Presenter renders the operator-facing screens. Every method is called from
// the orchestrator goroutine and must not block.
type Presenter interface {
	ShowScanning()
	ShowConnecting(name string, attempt int)
	ShowHotspotPrompt(name string, attempt, retriesLeft int, retryIn time.Duration)
	ShowQR(message string)
	ShowError(message string)
	ShowAdvertising(bleName string, window time.Duration)
	ShowConnected(name, ip string)
	ShowWarning(message string)
	ClearWarning()
}

// Clock schedules callbacks. Tests replace it to fire timers by hand.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending callback.
type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
