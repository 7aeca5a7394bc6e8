package exchange

import (
	"fmt"

	"github.com/grandcat/zeroconf"
)

const (
	mdnsServiceType = "_minik._tcp"
	mdnsDomain      = "local."
)

// announcer is the subset of *zeroconf.Server the endpoint uses.
type announcer interface {
	Shutdown()
}

// announce is swapped in tests to avoid multicast sockets.
var announce = func(deviceID string, port int) (announcer, error) {
	name := "minik"
	if deviceID != "" {
		name = deviceID
	}
	txt := []string{
		"device=minik",
		"id=" + deviceID,
		"version=1",
	}
	server, err := zeroconf.Register(name, mdnsServiceType, mdnsDomain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("zeroconf register: %w", err)
	}
	return server, nil
}
