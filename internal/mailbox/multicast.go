package mailbox

import (
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
)

// setMulticastLoopback, setMulticastTTL, and setMulticastOutboundInterface
// wrap the socket options spec §4.7 calls out (IP_MULTICAST_LOOP,
// IP_MULTICAST_TTL, IP_MULTICAST_IF) via golang.org/x/net/ipv4's
// PacketConn, since the stdlib net package exposes no multicast option
// setters of its own.
func setMulticastLoopback(conn *net.UDPConn, enabled bool) {
	_ = ipv4.NewPacketConn(conn).SetMulticastLoopback(enabled)
}

func setMulticastTTL(conn *net.UDPConn, ttl int) {
	if ttl <= 0 {
		ttl = 1
	}
	_ = ipv4.NewPacketConn(conn).SetMulticastTTL(ttl)
}

func setMulticastOutboundInterface(conn *net.UDPConn, addr net.IP) error {
	if addr == nil {
		return nil
	}
	ifi, err := interfaceForAddress(addr)
	if err != nil {
		return err
	}
	return ipv4.NewPacketConn(conn).SetMulticastInterface(ifi)
}

// interfaceForAddress finds the local network interface carrying addr —
// GroupOptions.MulticastInterface is given as an IPv4 address (spec §6
// `{... multicastInterface: IPv4}`), not an interface name.
func interfaceForAddress(addr net.IP) (*net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for i := range ifaces {
		addrs, err := ifaces[i].Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if ok && ipNet.IP.Equal(addr) {
				return &ifaces[i], nil
			}
		}
	}
	return nil, fmt.Errorf("no local interface carries address %s", addr)
}
