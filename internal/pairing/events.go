package pairing

import (
	"fmt"

	"github.com/chaz8081/minik-link/internal/device"
)

// event is anything delivered to the orchestrator loop.
type event interface{ isEvent() }

// workerDone carries the result of a background operation. epoch is the
// orchestrator epoch the worker was started in.
type workerDone struct {
	epoch  uint64
	worker string
	result any
}

type timerKind int

const (
	timerRetry timerKind = iota
	timerLinkCheck
)

type timerFired struct {
	epoch uint64
	kind  timerKind
}

type actionEvent struct {
	action Action
}

// livenessEvent reports a phone liveness edge. gen identifies the monitor
// that produced it.
type livenessEvent struct {
	gen    uint64
	online bool
	err    error
}

func (workerDone) isEvent()    {}
func (timerFired) isEvent()    {}
func (actionEvent) isEvent()   {}
func (livenessEvent) isEvent() {}

// Worker results.
type (
	scanResult struct {
		match device.Match
		err   error
	}
	credentialResult struct {
		creds device.Credentials
		err   error
	}
	connectResult struct {
		localIP string
		phone   string
		err     error
	}
	ipSentResult struct {
		err error
	}
	endpointResult struct {
		err error
	}
	linkResult struct {
		ssid string
		err  error
	}
)

// WorkerFault is produced when a background operation panics. It surfaces
// as an error-state transition instead of crashing the process.
type WorkerFault struct {
	Worker string
	Value  any
}

func (f *WorkerFault) Error() string {
	return fmt.Sprintf("pairing: %s panicked: %v", f.Worker, f.Value)
}
