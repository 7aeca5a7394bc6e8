package wifi

import (
	"context"
	"fmt"
	"net/netip"

	psnet "github.com/shirou/gopsutil/v4/net"
)

// InterfaceAddr returns the first IPv4 address of iface.
func InterfaceAddr(ctx context.Context, iface string) (string, error) {
	ifaces, err := psnet.InterfacesWithContext(ctx)
	if err != nil {
		return "", fmt.Errorf("wifi: list interfaces: %w", err)
	}
	for _, it := range ifaces {
		if it.Name != iface {
			continue
		}
		addrs := make([]string, 0, len(it.Addrs))
		for _, a := range it.Addrs {
			addrs = append(addrs, a.Addr)
		}
		if ip, ok := firstIPv4(addrs); ok {
			return ip, nil
		}
		return "", fmt.Errorf("%w: %s has no IPv4 address", ErrNoAddress, iface)
	}
	return "", fmt.Errorf("%w: interface %s not found", ErrNoAddress, iface)
}

// firstIPv4 picks the first IPv4 entry from CIDR or bare address strings.
func firstIPv4(addrs []string) (string, bool) {
	for _, a := range addrs {
		var addr netip.Addr
		if p, err := netip.ParsePrefix(a); err == nil {
			addr = p.Addr()
		} else if ip, err := netip.ParseAddr(a); err == nil {
			addr = ip
		} else {
			continue
		}
		if addr.Is4() && !addr.IsLoopback() {
			return addr.String(), true
		}
	}
	return "", false
}
