// File: transport/resolver.go
// Author: momentics <momentics@gmail.com>

package transport

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"github.com/momentics/hioload-tcp/api"
)

// resolveHostPort maps host:port to an ordered candidate list. Literal
// addresses bypass DNS; otherwise the system resolver is used and IPv4
// candidates are ordered first, matching the connect retry's
// left-to-right consumption.
func resolveHostPort(host string, port uint16) ([]netip.AddrPort, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.AddrPort{netip.AddrPortFrom(addr.Unmap(), port)}, nil
	}

	ips, err := net.DefaultResolver.LookupNetIP(context.Background(), "ip", host)
	if err != nil {
		return nil, fmt.Errorf("lookup %q: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, api.ErrNoCandidates
	}

	out := make([]netip.AddrPort, 0, len(ips))
	for _, ip := range ips {
		if ip.Unmap().Is4() {
			out = append(out, netip.AddrPortFrom(ip.Unmap(), port))
		}
	}
	for _, ip := range ips {
		if !ip.Unmap().Is4() {
			out = append(out, netip.AddrPortFrom(ip.Unmap(), port))
		}
	}
	return out, nil
}
