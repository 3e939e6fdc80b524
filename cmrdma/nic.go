package cmrdma

import (
	"fmt"
	"net"
	"net/netip"
)

// isLocalIP reports whether ip is assigned to one of the host's own
// interfaces. The reference implementation rewrites a resolve_addr source
// to the RDMA NIC's address whenever the caller asked to connect to a
// locally-hosted address (loopback RPC, or a peer on the same box reached
// via its public IP); otherwise rdma_resolve_addr would bind the wrong NIC.
func isLocalIP(ip netip.Addr) (bool, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return false, err
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		v4 := ipNet.IP.To4()
		if v4 == nil {
			continue
		}
		if addr, ok := netip.AddrFromSlice(v4); ok && addr == ip {
			return true, nil
		}
	}
	return false, nil
}

// DefaultNICAddr returns the host's RDMA-capable NIC address, standing in
// for the reference implementation's rdma_helper GetRdmaIP(): the first
// non-loopback IPv4 address found on the host. Config has no setting that
// overrides this choice; ResolveAddr always uses the discovered address.
func DefaultNICAddr() (netip.Addr, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return netip.Addr{}, fmt.Errorf("listing interface addresses: %w", err)
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		v4 := ipNet.IP.To4()
		if v4 == nil {
			continue
		}
		if addr, ok := netip.AddrFromSlice(v4); ok {
			return addr, nil
		}
	}
	return netip.Addr{}, fmt.Errorf("no RDMA-capable NIC address found on host")
}
