package dns

import (
	"context"
	"net/netip"
	"slices"
)

// RootZone is the root DNS zone that matches all queries
const RootZone = "."

// Configurator steers which resolvers the host consults for a tunnel
// interface. Implementations are single-writer: callers must not invoke Set
// and Reset concurrently on the same value.
type Configurator interface {
	// Set points the interface at servers, replacing any configuration this
	// configurator applied earlier.
	Set(ctx context.Context, iface string, servers []netip.Addr) error

	// Reset restores the interface configured by the last successful Set.
	// It is a no-op when nothing is configured.
	Reset(ctx context.Context) error

	// Name returns the name of this configurator implementation
	Name() string
}

// ChangeWatcher is implemented by configurators whose backend announces
// changes to its resolver list.
type ChangeWatcher interface {
	// WatchDNSChanges blocks, calling onChange for every change reported by
	// the backend, until shouldContinue returns false.
	WatchDNSChanges(onChange func(ChangeEvent), shouldContinue func() bool) error
}

// ChangeEvent describes a resolver list change as seen from the configured
// interface.
type ChangeEvent struct {
	// Servers is the full server list reported by the backend.
	Servers []DNSServer

	// LinkServers are the servers reported for the configured interface.
	LinkServers []netip.Addr

	// Contested is true when LinkServers no longer matches what was applied.
	Contested bool
}

// DNSServer is one entry of the resolver list announced by systemd-resolved.
type DNSServer struct {
	InterfaceIndex int32
	AddressFamily  int32
	Address        netip.Addr
}

// wireAddr returns server in the form the backends store it: IPv4-mapped
// addresses become IPv4 and any zone is dropped.
func wireAddr(server netip.Addr) netip.Addr {
	return server.Unmap().WithZone("")
}

// sortedUnique returns a sorted copy of servers in wire form without
// duplicates.
func sortedUnique(servers []netip.Addr) []netip.Addr {
	out := make([]netip.Addr, 0, len(servers))
	for _, server := range servers {
		out = append(out, wireAddr(server))
	}
	slices.SortFunc(out, netip.Addr.Compare)
	return slices.Compact(out)
}

// splitByFamily returns the IPv4 and IPv6 servers, each in input order.
func splitByFamily(servers []netip.Addr) (v4, v6 []netip.Addr) {
	for _, server := range servers {
		server = wireAddr(server)
		if server.Is4() {
			v4 = append(v4, server)
		} else {
			v6 = append(v6, server)
		}
	}
	return v4, v6
}
