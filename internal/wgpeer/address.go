package wgpeer

import (
	"fmt"
	"net/netip"
	"strconv"
)

// DefaultSubnet is the tunnel network.  The relay holds .1; clients are
// placed from .2 upward.
var DefaultSubnet = netip.MustParsePrefix("10.0.0.0/24")

// TunnelAddress derives the client address for containerID inside subnet,
// which must be an IPv4 /24.
//
// The first four hex digits of the id are read as an integer n and the
// host octet is n%254 + 2, giving .2 through .255.  The mapping is a pure
// function of those four digits, so distinct containers can collide;
// callers rely on that being reproducible.
func TunnelAddress(subnet netip.Prefix, containerID string) (netip.Addr, error) {
	if !subnet.Addr().Is4() || subnet.Bits() != 24 {
		return netip.Addr{}, fmt.Errorf("tunnel subnet %s must be an IPv4 /24", subnet)
	}
	if len(containerID) < 4 {
		return netip.Addr{}, fmt.Errorf("container id %q is shorter than 4 characters", containerID)
	}
	n, err := strconv.ParseUint(containerID[:4], 16, 16)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("container id %q does not start with 4 hex digits: %w", containerID, err)
	}

	a := subnet.Masked().Addr().As4()
	a[3] = byte(n%254 + 2)
	return netip.AddrFrom4(a), nil
}
