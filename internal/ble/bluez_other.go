//go:build !linux

package ble

import (
	"context"
	"fmt"
	"runtime"
)

// BlueZAdapter is unavailable outside Linux; peripheral mode needs BlueZ.
type BlueZAdapter struct{}

// NewBlueZAdapter returns an adapter whose every operation fails with
// ErrRadioUnavailable.
func NewBlueZAdapter(id string) *BlueZAdapter {
	return &BlueZAdapter{}
}

func (a *BlueZAdapter) unavailable() error {
	return fmt.Errorf("%w: peripheral mode not supported on %s", ErrRadioUnavailable, runtime.GOOS)
}

func (a *BlueZAdapter) Enable() error { return a.unavailable() }

func (a *BlueZAdapter) AddService(string, []CharacteristicConfig) ([]Characteristic, error) {
	return nil, a.unavailable()
}

func (a *BlueZAdapter) StartAdvertising(string, string) error { return a.unavailable() }
func (a *BlueZAdapter) StopAdvertising() error                { return nil }
func (a *BlueZAdapter) SetDiscoverable(bool) error            { return a.unavailable() }

func (a *BlueZAdapter) Scan(context.Context, func(Device) bool) error {
	return a.unavailable()
}

func (a *BlueZAdapter) ConnectedCentral() (Device, error) {
	return Device{}, a.unavailable()
}

var _ Adapter = (*BlueZAdapter)(nil)
