//go:build linux && !android

package dns

import (
	"context"
	"fmt"
	"net/netip"
	"slices"
	"sync"

	"github.com/fosrl/tundns/logger"
	"github.com/vishvananda/netlink"
)

// ResolvedConfigurator applies DNS through systemd-resolved and remembers the
// link it configured so that Reset can revert it.
type ResolvedConfigurator struct {
	resolved  *SystemdResolved
	linkIndex func(name string) (int32, error)

	mu    sync.Mutex
	state *DNSState
}

var (
	_ Configurator  = (*ResolvedConfigurator)(nil)
	_ ChangeWatcher = (*ResolvedConfigurator)(nil)
)

// NewPlatformConfigurator returns the systemd-resolved configurator. It fails
// when resolved is not running or does not own /etc/resolv.conf.
func NewPlatformConfigurator(ctx context.Context, opts PlatformOptions) (Configurator, error) {
	resolved, err := NewSystemdResolved(ctx, WithSearchDomains(opts.SearchDomains...))
	if err != nil {
		return nil, err
	}
	return newResolvedConfigurator(resolved, netlinkIndex), nil
}

// Preflight checks that NewPlatformConfigurator would succeed.
func Preflight(ctx context.Context) error {
	resolved, err := NewSystemdResolved(ctx)
	if err != nil {
		return err
	}
	return resolved.Close()
}

func newResolvedConfigurator(resolved *SystemdResolved, linkIndex func(string) (int32, error)) *ResolvedConfigurator {
	return &ResolvedConfigurator{
		resolved:  resolved,
		linkIndex: linkIndex,
	}
}

func netlinkIndex(name string) (int32, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return 0, err
	}
	return int32(link.Attrs().Index), nil
}

// Name returns the configurator name
func (r *ResolvedConfigurator) Name() string {
	return "systemd-resolved"
}

// State returns what the last Set applied, or nil.
func (r *ResolvedConfigurator) State() *DNSState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Set configures the link of iface. A link configured by an earlier Set is
// reverted first when iface is a different interface.
func (r *ResolvedConfigurator) Set(ctx context.Context, iface string, servers []netip.Addr) error {
	ifindex, err := r.linkIndex(iface)
	if err != nil {
		return fmt.Errorf("%w %q: %w", ErrInterfaceResolution, iface, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != nil && r.state.InterfaceIndex != ifindex {
		if err := r.resolved.RevertLink(ctx, r.state); err != nil {
			logger.Warn("Failed to revert DNS of interface %d: %v", r.state.InterfaceIndex, err)
		}
		r.state = nil
	}

	state, err := r.resolved.SetDNS(ctx, ifindex, servers)
	if err != nil {
		return err
	}
	r.state = state
	logger.Debug("Applied DNS servers %v to link %s", state.SetServers, state.InterfacePath)

	if err := r.resolved.FlushCaches(ctx); err != nil {
		logger.Warn("Failed to flush DNS cache: %v", err)
	}
	return nil
}

// Reset reverts the configured link. The link may already be gone.
func (r *ResolvedConfigurator) Reset(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == nil {
		return nil
	}
	if err := r.resolved.RevertLink(ctx, r.state); err != nil {
		return fmt.Errorf("revert DNS settings of interface %d: %w", r.state.InterfaceIndex, err)
	}
	logger.Debug("Reverted DNS of link %s", r.state.InterfacePath)
	r.state = nil

	if err := r.resolved.FlushCaches(ctx); err != nil {
		logger.Warn("Failed to flush DNS cache: %v", err)
	}
	return nil
}

// Close releases the bus connection.
func (r *ResolvedConfigurator) Close() error {
	return r.resolved.Close()
}

// WatchDNSChanges reports resolver list changes, marking them contested when
// the servers of the configured link differ from the applied ones.
func (r *ResolvedConfigurator) WatchDNSChanges(onChange func(ChangeEvent), shouldContinue func() bool) error {
	return r.resolved.WatchDNSChanges(func(servers []DNSServer) {
		onChange(r.changeEvent(servers))
	}, shouldContinue)
}

func (r *ResolvedConfigurator) changeEvent(servers []DNSServer) ChangeEvent {
	event := ChangeEvent{Servers: servers}

	state := r.State()
	if state == nil {
		return event
	}
	for _, server := range servers {
		if server.InterfaceIndex == state.InterfaceIndex {
			event.LinkServers = append(event.LinkServers, server.Address)
		}
	}
	event.Contested = !slices.Equal(sortedUnique(event.LinkServers), state.SetServers)
	return event
}
