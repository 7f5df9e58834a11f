// Package netif enumerates local network interfaces and ranks their unicast
// addresses by how suitable they are for accepting peer connections.
package netif

import (
	"net"
	"net/netip"

	"github.com/jackpal/gateway"
	"golang.org/x/exp/slices"
)

const (
	baseScore      = 1000
	loopbackScore  = 300
	ipv4Bonus      = 100
	linkLocalScore = 0
	gatewayBonus   = 1000
	boostThreshold = 500
)

type Interface struct {
	Name    string
	Up      bool
	Gateway bool
	Addrs   []netip.Addr
}

// Owns reports whether addr is assigned to the interface.
func (i *Interface) Owns(addr netip.Addr) bool {
	addr = addr.WithZone("")
	for _, a := range i.Addrs {
		if a.WithZone("") == addr {
			return true
		}
	}
	return false
}

// Source provides a snapshot of the local network interfaces in enumeration
// order.
type Source interface {
	Interfaces() ([]Interface, error)
}

type RankedAddress struct {
	Addr  netip.Addr
	Score int
}

// Score computes the preference of addr given the current interfaces.
func Score(addr netip.Addr, ifaces []Interface) int {
	score := baseScore

	if addr.IsLoopback() {
		// loopback goes below routable addresses even though it always works
		score = loopbackScore
	} else if addr.Is4() {
		score += ipv4Bonus
		if addr.IsLinkLocalUnicast() {
			// 169.254/16: no dhcp server or router answered
			score = linkLocalScore
		}
	}

	if score > boostThreshold {
		for i := range ifaces {
			iface := &ifaces[i]
			if !iface.Up || !iface.Gateway {
				continue
			}
			if iface.Owns(addr) {
				score += gatewayBonus
			}
			// only the first operational interface with a gateway counts
			break
		}
	}

	return score
}

// Rank returns the unique addresses of all operational interfaces, most
// preferred first. Addresses with equal scores keep their enumeration order.
func Rank(ifaces []Interface) []RankedAddress {
	var ranked []RankedAddress
	seen := make(map[netip.Addr]struct{})
	for _, iface := range ifaces {
		if !iface.Up {
			continue
		}
		for _, addr := range iface.Addrs {
			if _, ok := seen[addr]; ok {
				continue
			}
			seen[addr] = struct{}{}
			ranked = append(ranked, RankedAddress{Addr: addr, Score: Score(addr, ifaces)})
		}
	}

	slices.SortStableFunc(ranked, func(a, b RankedAddress) int {
		return b.Score - a.Score
	})
	return ranked
}

// Addrs strips the scores off a ranked list.
func Addrs(ranked []RankedAddress) []netip.Addr {
	addrs := make([]netip.Addr, len(ranked))
	for i, r := range ranked {
		addrs[i] = r.Addr
	}
	return addrs
}

// SystemSource reads interfaces from the operating system. The interface with
// a gateway is the one owning the local address of the default route.
type SystemSource struct{}

func (SystemSource) Interfaces() ([]Interface, error) {
	sysIfaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	// no default route means no interface gets the gateway boost
	gwAddr, gwErr := discoverGatewayInterfaceAddr()

	ifaces := make([]Interface, 0, len(sysIfaces))
	for _, sysIface := range sysIfaces {
		iface := Interface{
			Name: sysIface.Name,
			Up:   sysIface.Flags&net.FlagUp != 0,
		}

		addrs, err := sysIface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip, ok := netip.AddrFromSlice(ipnet.IP)
			if !ok || ip.IsMulticast() || ip.IsUnspecified() {
				continue
			}
			ip = ip.Unmap()
			if ip.Is6() && ip.IsLinkLocalUnicast() {
				ip = ip.WithZone(sysIface.Name)
			}
			iface.Addrs = append(iface.Addrs, ip)
		}

		if gwErr == nil && iface.Owns(gwAddr) {
			iface.Gateway = true
		}
		ifaces = append(ifaces, iface)
	}

	return ifaces, nil
}

func discoverGatewayInterfaceAddr() (netip.Addr, error) {
	ip, err := gateway.DiscoverInterface()
	if err != nil {
		return netip.Addr{}, err
	}

	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}, &net.AddrError{Err: "invalid gateway interface address", Addr: ip.String()}
	}
	return addr.Unmap(), nil
}

// StaticSource serves a fixed interface list.
type StaticSource []Interface

func (s StaticSource) Interfaces() ([]Interface, error) {
	return s, nil
}
