package pairing

import "fmt"

// State is a node of the pairing state machine.
type State int

const (
	Boot State = iota
	Scanning
	Connecting
	HotspotPrompt
	ProvisioningQR
	AwaitingCredentials
	ConnectedHome
	Error
)

var stateNames = [...]string{
	Boot:                "boot",
	Scanning:            "scanning",
	Connecting:          "connecting",
	HotspotPrompt:       "hotspot_prompt",
	ProvisioningQR:      "provisioning_qr",
	AwaitingCredentials: "awaiting_credentials",
	ConnectedHome:       "connected_home",
	Error:               "error",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// MarshalText renders the state by name in JSON status payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Action is an operator input delivered to the orchestrator.
type Action int

const (
	// PairNew starts advertising for a new phone.
	PairNew Action = iota
	// LookForPhone scans for an already paired phone.
	LookForPhone
	// RetryNow skips the remaining hotspot countdown.
	RetryNow
	// Rescan abandons the current reconnect and scans again.
	Rescan
	// ForgetDevice removes the active phone from the registry.
	ForgetDevice
	// ResetPairing clears every known phone. Honoured only with AllowReset.
	ResetPairing
	// WiFiLost reports that the hotspot link dropped.
	WiFiLost
)

var actionNames = [...]string{
	PairNew:      "pair_new",
	LookForPhone: "look_for_phone",
	RetryNow:     "retry_now",
	Rescan:       "rescan",
	ForgetDevice: "forget_device",
	ResetPairing: "reset_pairing",
	WiFiLost:     "wifi_lost",
}

func (a Action) String() string {
	if a >= 0 && int(a) < len(actionNames) {
		return actionNames[a]
	}
	return "unknown"
}

// ParseAction returns the action named name, as printed by Action.String.
func ParseAction(name string) (Action, error) {
	for i, n := range actionNames {
		if n == name {
			return Action(i), nil
		}
	}
	return 0, fmt.Errorf("pairing: unknown action %q", name)
}

// branch records why the orchestrator is connecting.
type branch int

const (
	branchNone branch = iota
	branchReconnect
	branchNewPair
)

func (b branch) String() string {
	switch b {
	case branchReconnect:
		return "reconnect"
	case branchNewPair:
		return "new_pair"
	default:
		return "none"
	}
}
