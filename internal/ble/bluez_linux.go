//go:build linux

package ble

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"tinygo.org/x/bluetooth"
)

const (
	bluezBus          = "org.bluez"
	bluezAdapter1     = "org.bluez.Adapter1"
	bluezDevice1      = "org.bluez.Device1"
	dbusObjectManager = "org.freedesktop.DBus.ObjectManager"
)

// BlueZAdapter wraps tinygo-org/bluetooth for Linux peripheral mode. BlueZ
// properties that tinygo does not expose (discoverable, pairable, the
// address of the connected central) are handled over the system D-Bus.
type BlueZAdapter struct {
	id      string
	adapter *bluetooth.Adapter

	mu  sync.Mutex
	adv *bluetooth.Advertisement
	bus *dbus.Conn
}

// NewBlueZAdapter creates an adapter for the named controller (e.g. "hci0").
func NewBlueZAdapter(id string) *BlueZAdapter {
	if id == "" {
		id = "hci0"
	}
	return &BlueZAdapter{
		id:      id,
		adapter: bluetooth.NewAdapter(id),
	}
}

func (a *BlueZAdapter) Enable() error {
	return a.adapter.Enable()
}

func (a *BlueZAdapter) AddService(serviceUUID string, chars []CharacteristicConfig) ([]Characteristic, error) {
	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: parse service UUID: %w", err)
	}

	handles := make([]bluetooth.Characteristic, len(chars))
	configs := make([]bluetooth.CharacteristicConfig, len(chars))
	for i, c := range chars {
		charUUID, err := bluetooth.ParseUUID(c.UUID)
		if err != nil {
			return nil, fmt.Errorf("ble: parse characteristic UUID %q: %w", c.UUID, err)
		}
		configs[i] = bluetooth.CharacteristicConfig{
			Handle: &handles[i],
			UUID:   charUUID,
			Flags:  permissions(c.Flags),
		}
		if c.OnWrite != nil {
			onWrite := c.OnWrite
			configs[i].WriteEvent = func(_ bluetooth.Connection, _ int, value []byte) {
				buf := make([]byte, len(value))
				copy(buf, value)
				onWrite(buf)
			}
		}
	}

	if err := a.adapter.AddService(&bluetooth.Service{
		UUID:            svcUUID,
		Characteristics: configs,
	}); err != nil {
		return nil, fmt.Errorf("ble: add service: %w", err)
	}

	out := make([]Characteristic, len(chars))
	for i := range handles {
		out[i] = &bluezCharacteristic{char: &handles[i]}
	}
	return out, nil
}

func (a *BlueZAdapter) StartAdvertising(localName, serviceUUID string) error {
	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return fmt.Errorf("ble: parse service UUID: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	adv := a.adapter.DefaultAdvertisement()
	if err := adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    localName,
		ServiceUUIDs: []bluetooth.UUID{svcUUID},
	}); err != nil {
		return fmt.Errorf("ble: configure advertisement: %w", err)
	}
	if err := adv.Start(); err != nil {
		return fmt.Errorf("ble: start advertisement: %w", err)
	}
	a.adv = adv
	return nil
}

func (a *BlueZAdapter) StopAdvertising() error {
	a.mu.Lock()
	adv := a.adv
	a.adv = nil
	a.mu.Unlock()

	if adv == nil {
		return nil
	}
	return adv.Stop()
}

// SetDiscoverable toggles Discoverable and Pairable on the BlueZ adapter.
func (a *BlueZAdapter) SetDiscoverable(on bool) error {
	conn, err := a.systemBus()
	if err != nil {
		return err
	}
	obj := conn.Object(bluezBus, a.adapterPath())
	for _, prop := range []string{"Discoverable", "Pairable"} {
		if err := obj.SetProperty(bluezAdapter1+"."+prop, dbus.MakeVariant(on)); err != nil {
			return fmt.Errorf("ble: set %s=%t: %w", prop, on, err)
		}
	}
	return nil
}

func (a *BlueZAdapter) Scan(ctx context.Context, found func(Device) bool) error {
	done := make(chan struct{})
	go stopScanOnCancel(ctx, done, a.adapter.StopScan, stopScanRetry)

	var once sync.Once
	err := a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		d := Device{
			Name: result.LocalName(),
			MAC:  result.Address.String(),
			RSSI: int(result.RSSI),
		}
		if found(d) {
			once.Do(func() { adapter.StopScan() })
		}
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// ConnectedCentral looks up the connected device under this adapter in the
// BlueZ object tree. tinygo's write callback does not carry the address.
func (a *BlueZAdapter) ConnectedCentral() (Device, error) {
	conn, err := a.systemBus()
	if err != nil {
		return Device{}, err
	}

	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	call := conn.Object(bluezBus, "/").Call(dbusObjectManager+".GetManagedObjects", 0)
	if call.Err != nil {
		return Device{}, fmt.Errorf("ble: GetManagedObjects: %w", call.Err)
	}
	if err := call.Store(&objects); err != nil {
		return Device{}, fmt.Errorf("ble: decode managed objects: %w", err)
	}

	prefix := string(a.adapterPath()) + "/"
	for path, ifaces := range objects {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		props, ok := ifaces[bluezDevice1]
		if !ok {
			continue
		}
		if connected, _ := props["Connected"].Value().(bool); !connected {
			continue
		}
		addr, _ := props["Address"].Value().(string)
		if addr == "" {
			continue
		}
		name, _ := props["Alias"].Value().(string)
		if name == "" {
			name, _ = props["Name"].Value().(string)
		}
		rssi, _ := props["RSSI"].Value().(int16)
		return Device{Name: name, MAC: addr, RSSI: int(rssi)}, nil
	}
	return Device{}, fmt.Errorf("ble: no connected central on %s", a.id)
}

func (a *BlueZAdapter) adapterPath() dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + a.id)
}

// systemBus returns the shared system bus connection. It is never closed;
// dbus.SystemBus caches it process-wide.
func (a *BlueZAdapter) systemBus() (*dbus.Conn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.bus != nil {
		return a.bus, nil
	}
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("%w: system bus: %v", ErrRadioUnavailable, err)
	}
	a.bus = conn
	return conn, nil
}

// Compile-time check that BlueZAdapter implements Adapter.
var _ Adapter = (*BlueZAdapter)(nil)

type bluezCharacteristic struct {
	char *bluetooth.Characteristic
}

func (c *bluezCharacteristic) Write(data []byte) error {
	_, err := c.char.Write(data)
	return err
}

func permissions(f CharFlags) bluetooth.CharacteristicPermissions {
	var p bluetooth.CharacteristicPermissions
	if f.Has(FlagRead) {
		p |= bluetooth.CharacteristicReadPermission
	}
	if f.Has(FlagWrite) {
		p |= bluetooth.CharacteristicWritePermission
	}
	if f.Has(FlagWriteWithoutResponse) {
		p |= bluetooth.CharacteristicWriteWithoutResponsePermission
	}
	if f.Has(FlagNotify) {
		p |= bluetooth.CharacteristicNotifyPermission
	}
	return p
}
