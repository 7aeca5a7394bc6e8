package ble

import (
	"context"
	"fmt"
	"sync"
)

// SimulatedAdapter is an in-memory Adapter used in test mode and on
// machines without a radio. A driver (test, console, or dev tool) plays
// the phone by calling SimulateWrite and SetNearby.
type SimulatedAdapter struct {
	mu          sync.Mutex
	enabled     bool
	advertising bool
	localName   string
	discover    bool
	chars       map[string]*SimulatedCharacteristic
	onWrite     map[string]func([]byte)
	nearby      []Device
	central     Device
}

// NewSimulatedAdapter creates a simulated adapter. central is reported as
// the connected phone once credentials are written.
func NewSimulatedAdapter(central Device) *SimulatedAdapter {
	return &SimulatedAdapter{
		chars:   make(map[string]*SimulatedCharacteristic),
		onWrite: make(map[string]func([]byte)),
		central: central,
	}
}

func (a *SimulatedAdapter) Enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enabled = true
	return nil
}

func (a *SimulatedAdapter) AddService(serviceUUID string, chars []CharacteristicConfig) ([]Characteristic, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.enabled {
		return nil, fmt.Errorf("simulated: adapter not enabled")
	}
	out := make([]Characteristic, len(chars))
	for i, c := range chars {
		sc := &SimulatedCharacteristic{}
		a.chars[c.UUID] = sc
		if c.OnWrite != nil {
			a.onWrite[c.UUID] = c.OnWrite
		}
		out[i] = sc
	}
	return out, nil
}

func (a *SimulatedAdapter) StartAdvertising(localName, serviceUUID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.advertising = true
	a.localName = localName
	return nil
}

func (a *SimulatedAdapter) StopAdvertising() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.advertising = false
	return nil
}

func (a *SimulatedAdapter) SetDiscoverable(on bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.discover = on
	return nil
}

// Scan reports every nearby device once, in order, until found returns true.
func (a *SimulatedAdapter) Scan(ctx context.Context, found func(Device) bool) error {
	a.mu.Lock()
	nearby := append([]Device(nil), a.nearby...)
	a.mu.Unlock()

	for _, d := range nearby {
		if ctx.Err() != nil {
			return nil
		}
		if found(d) {
			return nil
		}
	}
	<-ctx.Done()
	return nil
}

func (a *SimulatedAdapter) ConnectedCentral() (Device, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.central.MAC == "" {
		return Device{}, fmt.Errorf("simulated: no central connected")
	}
	return a.central, nil
}

// SimulateWrite delivers a central's write to the characteristic with
// charUUID. It reports whether a write handler was registered.
func (a *SimulatedAdapter) SimulateWrite(charUUID string, value []byte) bool {
	a.mu.Lock()
	cb := a.onWrite[charUUID]
	a.mu.Unlock()
	if cb == nil {
		return false
	}
	cb(value)
	return true
}

// SetNearby replaces the devices reported by Scan.
func (a *SimulatedAdapter) SetNearby(devices ...Device) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nearby = devices
}

// SetCentral changes the device reported as connected.
func (a *SimulatedAdapter) SetCentral(d Device) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.central = d
}

// Advertising reports the current advertisement state and name.
func (a *SimulatedAdapter) Advertising() (bool, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.advertising, a.localName
}

// Discoverable reports whether SetDiscoverable(true) is in effect.
func (a *SimulatedAdapter) Discoverable() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.discover
}

// Characteristic returns the local characteristic registered for charUUID.
func (a *SimulatedAdapter) Characteristic(charUUID string) *SimulatedCharacteristic {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.chars[charUUID]
}

var _ Adapter = (*SimulatedAdapter)(nil)

// SimulatedCharacteristic records every value written by the appliance.
type SimulatedCharacteristic struct {
	mu     sync.Mutex
	writes [][]byte
}

func (c *SimulatedCharacteristic) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	c.writes = append(c.writes, cp)
	return nil
}

// Writes returns a copy of all recorded values.
func (c *SimulatedCharacteristic) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.writes))
	copy(out, c.writes)
	return out
}

// Last returns the most recent value, or nil.
func (c *SimulatedCharacteristic) Last() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.writes) == 0 {
		return nil
	}
	return c.writes[len(c.writes)-1]
}
