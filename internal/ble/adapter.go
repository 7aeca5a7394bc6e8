// Package ble provides the BLE GATT provisioning peripheral. The phone
// writes the hotspot SSID and password to two characteristics, the appliance
// answers with its IP address on a third, and an advisory status
// characteristic carries the "enable hotspot" notice during reconnects.
package ble

import (
	"context"
	"errors"
)

// Provisioning service UUIDs (must match the phone app exactly).
const (
	ServiceUUID      = "12345678-1234-1234-1234-123456789ab0"
	SSIDCharUUID     = "12345678-1234-1234-1234-123456789abc" // phone writes SSID
	PasswordCharUUID = "12345678-1234-1234-1234-123456789abd" // phone writes password
	StatusCharUUID   = "12345678-1234-1234-1234-123456789abe" // appliance notifies status
	IPCharUUID       = "12345678-1234-1234-1234-123456789abf" // appliance writes IP back
)

var (
	// ErrRadioUnavailable means the Bluetooth stack is missing or failed to initialize.
	ErrRadioUnavailable = errors.New("ble: radio unavailable")
	// ErrCredentialTimeout means the phone did not write both credentials in time.
	ErrCredentialTimeout = errors.New("ble: timed out waiting for credentials")
	// ErrNoMatch means a scan finished without seeing any known device.
	ErrNoMatch = errors.New("ble: no known device found")
	// ErrNotAdvertising means the operation needs an active advertisement.
	ErrNotAdvertising = errors.New("ble: not advertising")
	// ErrUnknownCentral means the writing phone could not be identified.
	ErrUnknownCentral = errors.New("ble: connected phone could not be identified")
)

// CharFlags describes the GATT permissions of a characteristic.
type CharFlags uint8

const (
	FlagRead CharFlags = 1 << iota
	FlagWrite
	FlagWriteWithoutResponse
	FlagNotify
)

// Has reports whether all bits of f are set.
func (c CharFlags) Has(f CharFlags) bool { return c&f == f }

// CharacteristicConfig declares one characteristic of the provisioning service.
type CharacteristicConfig struct {
	UUID  string
	Flags CharFlags
	// OnWrite receives the raw value written by the central. Optional.
	OnWrite func(value []byte)
}

// Characteristic is a local characteristic whose value the appliance updates.
type Characteristic interface {
	// Write sets the value and notifies subscribed centrals.
	Write(data []byte) error
}

// Device represents a discovered or connected BLE central/peripheral.
type Device struct {
	Name string
	MAC  string
	RSSI int
}

// Adapter abstracts the platform BLE stack for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// AddService registers a GATT service and returns its characteristics
	// in the order they were declared.
	AddService(serviceUUID string, chars []CharacteristicConfig) ([]Characteristic, error)
	// StartAdvertising advertises localName with the given service UUID.
	StartAdvertising(localName, serviceUUID string) error
	// StopAdvertising removes the advertisement.
	StopAdvertising() error
	// SetDiscoverable toggles adapter discoverability and pairability.
	SetDiscoverable(on bool) error
	// Scan reports advertising devices to found until found returns true,
	// ctx is done, or the stack stops the scan.
	Scan(ctx context.Context, found func(Device) bool) error
	// ConnectedCentral returns the central currently connected to us.
	ConnectedCentral() (Device, error)
}
