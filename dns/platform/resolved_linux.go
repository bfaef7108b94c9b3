//go:build linux && !android

package dns

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/fosrl/tundns/logger"
	dbus "github.com/godbus/dbus/v5"
	"golang.org/x/sys/unix"
)

const (
	systemdResolvedDest              = "org.freedesktop.resolve1"
	systemdDbusObjectNode            = dbus.ObjectPath("/org/freedesktop/resolve1")
	systemdDbusManagerIface          = "org.freedesktop.resolve1.Manager"
	systemdDbusGetLinkMethod         = systemdDbusManagerIface + ".GetLink"
	systemdDbusFlushCachesMethod     = systemdDbusManagerIface + ".FlushCaches"
	systemdDbusLinkInterface         = "org.freedesktop.resolve1.Link"
	systemdDbusSetDNSMethod          = systemdDbusLinkInterface + ".SetDNS"
	systemdDbusSetDomainsMethod      = systemdDbusLinkInterface + ".SetDomains"
	systemdDbusRevertMethod          = systemdDbusLinkInterface + ".Revert"
	systemdDbusDNSProperty           = "DNS"
	dbusPropertiesIface              = "org.freedesktop.DBus.Properties"
	dbusPropertiesGetMethod          = dbusPropertiesIface + ".Get"
	dbusPropertiesChangedSignal      = dbusPropertiesIface + ".PropertiesChanged"
	dbusErrorUnknownObject           = "org.freedesktop.DBus.Error.UnknownObject"
	systemdResolvedErrorNoSuchLink   = "org.freedesktop.resolve1.NoSuchLink"
	systemdResolvedSignalChannelSize = 16

	// RPCTimeout bounds every call to systemd-resolved and every wait for
	// change notifications.
	RPCTimeout = time.Second
)

// systemdDbusDNSInput maps to (iay) dbus input for SetDNS method
type systemdDbusDNSInput struct {
	Family  int32
	Address []byte
}

// systemdDbusDomainsInput maps to (sb) dbus input for SetDomains method
type systemdDbusDomainsInput struct {
	Domain      string
	RoutingOnly bool
}

// busConn is the part of *dbus.Conn used here.
type busConn interface {
	Object(dest string, path dbus.ObjectPath) dbus.BusObject
	AddMatchSignal(options ...dbus.MatchOption) error
	RemoveMatchSignal(options ...dbus.MatchOption) error
	Signal(ch chan<- *dbus.Signal)
	RemoveSignal(ch chan<- *dbus.Signal)
	Close() error
}

// SystemdResolved talks to systemd-resolved over the system bus. Copies share
// the underlying connection. Calls are not synchronised: one writer at a time.
type SystemdResolved struct {
	conn          busConn
	searchDomains []string
	pollInterval  time.Duration
}

// DNSState records what SetDNS applied so that RevertLink can undo it.
type DNSState struct {
	// InterfacePath is the resolved link object. It goes stale when the
	// interface disappears.
	InterfacePath  dbus.ObjectPath
	InterfaceIndex int32

	// SetServers is the applied list, sorted and without duplicates.
	SetServers []netip.Addr
}

// ResolvedOption customises a SystemdResolved.
type ResolvedOption func(*SystemdResolved)

// WithSearchDomains adds search domains after the catch-all routing domain
// on every SetDNS. Domains must already be normalised (see
// NormalizeSearchDomains).
func WithSearchDomains(domains ...string) ResolvedOption {
	return func(s *SystemdResolved) {
		s.searchDomains = append(s.searchDomains, domains...)
	}
}

// NewSystemdResolved connects to the system bus and makes sure that
// systemd-resolved is running and that /etc/resolv.conf sends lookups through
// its stub listener. Any failure means this backend cannot be used.
func NewSystemdResolved(ctx context.Context, opts ...ResolvedOption) (*SystemdResolved, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBusConnect, err)
	}

	s, err := newSystemdResolved(ctx, conn, defaultResolvConfPaths, opts...)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func newSystemdResolved(ctx context.Context, conn busConn, paths resolvConfPaths, opts ...ResolvedOption) (*SystemdResolved, error) {
	s := &SystemdResolved{
		conn:         conn,
		pollInterval: RPCTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.ensureResolvedExists(ctx); err != nil {
		return nil, err
	}
	if err := paths.ensureManagedByResolved(); err != nil {
		if manager := paths.detectManager(); manager != UnknownManager {
			logger.Debug("/etc/resolv.conf appears to be managed by %s", manager)
		}
		return nil, err
	}
	return s, nil
}

// Close closes the bus connection shared by all copies.
func (s *SystemdResolved) Close() error {
	return s.conn.Close()
}

func (s *SystemdResolved) ensureResolvedExists(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, RPCTimeout)
	defer cancel()

	var servers dbus.Variant
	err := s.managerObject().
		CallWithContext(ctx, dbusPropertiesGetMethod, 0, systemdDbusManagerIface, systemdDbusDNSProperty).
		Store(&servers)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDaemonUnavailable, err)
	}
	return nil
}

func (s *SystemdResolved) managerObject() dbus.BusObject {
	return s.conn.Object(systemdResolvedDest, systemdDbusObjectNode)
}

func (s *SystemdResolved) linkObject(path dbus.ObjectPath) dbus.BusObject {
	return s.conn.Object(systemdResolvedDest, path)
}

// SetDNS points the link of the interface at servers and makes it the
// preferred link for every lookup.
func (s *SystemdResolved) SetDNS(ctx context.Context, ifindex int32, servers []netip.Addr) (*DNSState, error) {
	link, err := s.fetchLink(ctx, ifindex)
	if err != nil {
		return nil, fmt.Errorf("%w (index %d): %w", ErrLinkLookup, ifindex, err)
	}

	state := &DNSState{
		InterfacePath:  link,
		InterfaceIndex: ifindex,
		SetServers:     sortedUnique(servers),
	}
	if err := s.setLinkDNS(ctx, link, servers); err != nil {
		return nil, err
	}
	return state, nil
}

func (s *SystemdResolved) fetchLink(ctx context.Context, ifindex int32) (dbus.ObjectPath, error) {
	ctx, cancel := context.WithTimeout(ctx, RPCTimeout)
	defer cancel()

	var link dbus.ObjectPath
	if err := s.managerObject().CallWithContext(ctx, systemdDbusGetLinkMethod, 0, ifindex).Store(&link); err != nil {
		return "", err
	}
	return link, nil
}

func (s *SystemdResolved) setLinkDNS(ctx context.Context, link dbus.ObjectPath, servers []netip.Addr) error {
	dnsInputs := make([]systemdDbusDNSInput, 0, len(servers))
	for _, server := range servers {
		dnsInputs = append(dnsInputs, dnsInput(server))
	}

	if err := s.callLink(ctx, link, systemdDbusSetDNSMethod, dnsInputs); err != nil {
		return fmt.Errorf("%w: set DNS: %w", ErrRPCCall, err)
	}

	// The root zone as a routing-only domain makes this link the preferred
	// resolver for all names, not just the ones matching its search domains.
	domainsInput := []systemdDbusDomainsInput{{Domain: RootZone, RoutingOnly: true}}
	for _, domain := range s.searchDomains {
		domainsInput = append(domainsInput, systemdDbusDomainsInput{Domain: domain})
	}
	if err := s.callLink(ctx, link, systemdDbusSetDomainsMethod, domainsInput); err != nil {
		return fmt.Errorf("%w: %w", ErrDomainConfiguration, err)
	}
	return nil
}

func dnsInput(server netip.Addr) systemdDbusDNSInput {
	server = wireAddr(server)
	if server.Is4() {
		v4 := server.As4()
		return systemdDbusDNSInput{Family: unix.AF_INET, Address: v4[:]}
	}
	v6 := server.As16()
	return systemdDbusDNSInput{Family: unix.AF_INET6, Address: v6[:]}
}

func (s *SystemdResolved) callLink(ctx context.Context, link dbus.ObjectPath, method string, args ...interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, RPCTimeout)
	defer cancel()

	return s.linkObject(link).CallWithContext(ctx, method, 0, args...).Store()
}

// RevertLink drops every setting applied to the link. A link that no longer
// exists counts as reverted. Other bus errors are returned as is.
func (s *SystemdResolved) RevertLink(ctx context.Context, state *DNSState) error {
	err := s.callLink(ctx, state.InterfacePath, systemdDbusRevertMethod)
	if err != nil && isUnknownObject(err) {
		logger.Trace("Not resetting DNS of interface %d because it no longer exists", state.InterfaceIndex)
		return nil
	}
	return err
}

// FlushCaches drops the resolved cache.
func (s *SystemdResolved) FlushCaches(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, RPCTimeout)
	defer cancel()

	if err := s.managerObject().CallWithContext(ctx, systemdDbusFlushCachesMethod, 0).Store(); err != nil {
		return fmt.Errorf("flush caches: %w", err)
	}
	return nil
}

func isUnknownObject(err error) bool {
	name := ""
	var dbusErr dbus.Error
	var dbusErrPtr *dbus.Error
	switch {
	case errors.As(err, &dbusErr):
		name = dbusErr.Name
	case errors.As(err, &dbusErrPtr) && dbusErrPtr != nil:
		name = dbusErrPtr.Name
	}
	return name == dbusErrorUnknownObject || name == systemdResolvedErrorNoSuchLink
}

// WatchDNSChanges calls callback with the full server list every time
// systemd-resolved announces a change of its DNS property. It blocks until
// shouldContinue returns false; shouldContinue is polled at least once per
// RPCTimeout. It monopolises signal delivery on the connection, so run it on
// a goroutine dedicated to it.
func (s *SystemdResolved) WatchDNSChanges(callback func([]DNSServer), shouldContinue func() bool) error {
	match := []dbus.MatchOption{
		dbus.WithMatchObjectPath(systemdDbusObjectNode),
		dbus.WithMatchInterface(dbusPropertiesIface),
	}
	if err := s.conn.AddMatchSignal(match...); err != nil {
		return fmt.Errorf("%w: %w", ErrSubscribe, err)
	}

	signals := make(chan *dbus.Signal, systemdResolvedSignalChannelSize)
	s.conn.Signal(signals)

	var in <-chan *dbus.Signal = signals
	for shouldContinue() {
		select {
		case sig, ok := <-in:
			if !ok {
				logger.Error("D-Bus signal channel closed, no further DNS changes will be seen")
				in = nil
				continue
			}
			handleDNSSignal(sig, callback)
		case <-time.After(s.pollInterval):
		}
	}

	s.conn.RemoveSignal(signals)
	if err := s.conn.RemoveMatchSignal(match...); err != nil {
		return fmt.Errorf("%w: %w", ErrUnsubscribe, err)
	}
	return nil
}

func handleDNSSignal(sig *dbus.Signal, callback func([]DNSServer)) {
	if sig == nil || sig.Path != systemdDbusObjectNode || sig.Name != dbusPropertiesChangedSignal {
		return
	}
	if len(sig.Body) < 2 {
		return
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return
	}
	dnsChange, ok := changed[systemdDbusDNSProperty]
	if !ok {
		return
	}

	servers, ok := serverListFromVariant(dnsChange)
	if !ok {
		logger.Error("Failed to deserialize DNS change %v", dnsChange)
		return
	}
	callback(servers)
}

// serverListFromVariant decodes an a(iiay) value. Entries that do not decode
// are skipped; false means the value is not a list at all.
func serverListFromVariant(v dbus.Variant) ([]DNSServer, bool) {
	var servers []DNSServer
	switch entries := v.Value().(type) {
	case [][]interface{}:
		for _, fields := range entries {
			if server, ok := dnsServerFromFields(fields); ok {
				servers = append(servers, server)
			}
		}
	case []interface{}:
		for _, entry := range entries {
			fields, ok := entry.([]interface{})
			if !ok {
				continue
			}
			if server, ok := dnsServerFromFields(fields); ok {
				servers = append(servers, server)
			}
		}
	default:
		return nil, false
	}
	return servers, true
}

func dnsServerFromFields(fields []interface{}) (DNSServer, bool) {
	if len(fields) != 3 {
		return DNSServer{}, false
	}
	ifindex, ok := fields[0].(int32)
	if !ok {
		return DNSServer{}, false
	}
	family, ok := fields[1].(int32)
	if !ok {
		return DNSServer{}, false
	}
	raw, ok := fields[2].([]byte)
	if !ok {
		return DNSServer{}, false
	}
	// AddrFromSlice accepts exactly 4 or 16 bytes.
	address, ok := netip.AddrFromSlice(raw)
	if !ok {
		return DNSServer{}, false
	}
	return DNSServer{
		InterfaceIndex: ifindex,
		AddressFamily:  family,
		Address:        address,
	}, true
}
