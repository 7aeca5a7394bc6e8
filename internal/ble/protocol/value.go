// Package protocol encodes and decodes the values carried by the
// provisioning characteristics.
package protocol

import (
	"strings"
	"unicode/utf8"
)

// MaxAttributeLen is the largest value a GATT attribute may hold.
const MaxAttributeLen = 512

// Status is an advisory value written to the status characteristic.
type Status string

const (
	// StatusEnableHotspot asks the phone to turn its hotspot on.
	StatusEnableHotspot Status = "ENABLE_HOTSPOT"
	// StatusConnecting tells the phone the appliance is joining its hotspot.
	StatusConnecting Status = "CONNECTING"
	// StatusConnected tells the phone the appliance is on its hotspot.
	StatusConnected Status = "CONNECTED"
)

// Bytes returns the wire form of the status.
func (s Status) Bytes() []byte { return []byte(s) }

// DecodeText turns a characteristic write into a string. Invalid UTF-8 is
// replaced, and surrounding whitespace and NUL padding (some phone stacks
// pad writes) are stripped.
func DecodeText(value []byte) string {
	s := strings.ToValidUTF8(string(value), "�")
	return strings.Trim(s, " \t\r\n\x00")
}

// EncodeText returns text as a characteristic value no longer than maxBytes,
// cutting at a UTF-8 boundary when it has to truncate.
func EncodeText(text string, maxBytes int) []byte {
	if maxBytes <= 0 || maxBytes > MaxAttributeLen {
		maxBytes = MaxAttributeLen
	}
	if len(text) <= maxBytes {
		return []byte(text)
	}

	split := maxBytes
	// Walk back until we're at the start of a rune.
	for split > 0 && !utf8.RuneStart(text[split]) {
		split--
	}
	return []byte(text[:split])
}
