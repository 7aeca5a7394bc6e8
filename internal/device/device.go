// Package device holds the data model shared by the pairing subsystem:
// known companion phones, provisioning credentials, scan matches and the
// appliance's own identity.
package device

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// IDPrefix is prepended to every generated device identifier.
const IDPrefix = "MINIK-"

// KnownDevice is a previously paired phone, retained for automatic reconnection.
type KnownDevice struct {
	BLEMAC        string    `json:"ble_mac"`
	BLEName       string    `json:"ble_name"`
	SSID          string    `json:"ssid"`
	PhoneAddress  string    `json:"phone_address,omitempty"`
	LastConnected time.Time `json:"last_connected"`
}

// DisplayName returns the BLE name, or the MAC when the phone never advertised one.
func (d KnownDevice) DisplayName() string {
	if d.BLEName != "" {
		return d.BLEName
	}
	return d.BLEMAC
}

// Credentials are produced once per provisioning exchange. The password is
// handed to the WiFi manager and never persisted.
type Credentials struct {
	SSID         string
	Password     string
	BLEMAC       string
	BLEName      string
	PhoneAddress string
}

// KnownDevice returns the persistable subset of the credentials.
func (c Credentials) KnownDevice(now time.Time) KnownDevice {
	return KnownDevice{
		BLEMAC:        c.BLEMAC,
		BLEName:       c.BLEName,
		SSID:          c.SSID,
		PhoneAddress:  c.PhoneAddress,
		LastConnected: now,
	}
}

// String implements fmt.Stringer without the password.
func (c Credentials) String() string {
	return fmt.Sprintf("ssid=%q mac=%s name=%q", c.SSID, c.BLEMAC, c.BLEName)
}

// LogValue implements slog.LogValuer so credentials can be logged safely.
func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("ssid", c.SSID),
		slog.String("mac", c.BLEMAC),
		slog.String("name", c.BLEName),
		slog.Bool("has_password", c.Password != ""),
	)
}

// Match is the result of a scan for a known device.
type Match struct {
	MAC  string
	Name string
	RSSI int
}

// NewID generates a fresh device identifier such as "MINIK-3FA2C91B".
func NewID() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return IDPrefix + strings.ToUpper(hex[:8])
}

// ShortName returns the advertised BLE local name: prefix plus the last six
// characters of the device identifier.
func ShortName(prefix, id string) string {
	if len(id) > 6 {
		id = id[len(id)-6:]
	}
	return prefix + id
}

// NormalizeMAC upper-cases a MAC address so registry lookups and scan
// filtering are case-insensitive.
func NormalizeMAC(mac string) string {
	return strings.ToUpper(strings.TrimSpace(mac))
}

// PairingURL builds the deep link encoded in the pairing QR code:
//
//	scheme://pair?device=<id>&ble=<short-name>&uuid=<service-uuid>
func PairingURL(scheme, id, bleName, serviceUUID string) string {
	// Parameter order is fixed; url.Values.Encode would sort the keys.
	return fmt.Sprintf("%s://pair?device=%s&ble=%s&uuid=%s",
		scheme,
		url.QueryEscape(id),
		url.QueryEscape(bleName),
		url.QueryEscape(serviceUUID),
	)
}
