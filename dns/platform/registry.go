package dns

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"strings"

	"github.com/fosrl/tundns/logger"
	"github.com/google/uuid"
)

const (
	interfaceConfigPathFormat = `SYSTEM\CurrentControlSet\Services\%s\Parameters\Interfaces\%s`
	interfaceConfigNameServer = "NameServer"
	interfaceConfigMulticast  = "EnableMulticast"

	tcpipService  = "Tcpip"
	tcpip6Service = "Tcpip6"
)

// registryKey is an open, writable interface configuration key.
// registry.Key satisfies it.
type registryKey interface {
	SetStringValue(name, value string) error
	SetDWordValue(name string, value uint32) error
	DeleteValue(name string) error
	Close() error
}

// registryTransaction groups key updates so that they apply atomically.
// OpenKey reports a missing key with an error matching fs.ErrNotExist.
type registryTransaction interface {
	OpenKey(path string) (registryKey, error)
	Commit() error
	Rollback() error
}

// registryBackend holds the host primitives the registry configurator is
// built on.
type registryBackend interface {
	// InterfaceGUID resolves an interface alias to its GUID.
	InterfaceGUID(alias string) (uuid.UUID, error)

	// BeginTransaction starts a registry transaction.
	BeginTransaction() (registryTransaction, error)

	// FlushResolverCache asks the host to drop cached lookups. Success only
	// means the request was issued.
	FlushResolverCache() error
}

// RegistryConfigurator applies DNS servers through the per-interface TCP/IP
// service parameters in the registry.
type RegistryConfigurator struct {
	backend registryBackend

	// current is the interface last configured by Set, until Reset.
	current uuid.NullUUID
}

var _ Configurator = (*RegistryConfigurator)(nil)

func newRegistryConfigurator(backend registryBackend) *RegistryConfigurator {
	return &RegistryConfigurator{backend: backend}
}

// Name returns the configurator name
func (r *RegistryConfigurator) Name() string {
	return "windows-registry"
}

// Current returns the interface GUID currently configured, if any.
func (r *RegistryConfigurator) Current() (uuid.UUID, bool) {
	return r.current.UUID, r.current.Valid
}

// Set writes servers to the interface named by alias and flushes the
// resolver cache. A later Set replaces the tracked interface.
func (r *RegistryConfigurator) Set(_ context.Context, alias string, servers []netip.Addr) error {
	guid, err := r.backend.InterfaceGUID(alias)
	if err != nil {
		return fmt.Errorf("%w %q: %w", ErrInterfaceResolution, alias, err)
	}

	if err := r.apply(guid, servers); err != nil {
		return err
	}
	r.current = uuid.NullUUID{UUID: guid, Valid: true}
	logger.Debug("Applied %d DNS servers to interface %s", len(servers), guidString(guid))

	return r.flush()
}

// Reset clears the NameServer entries of the tracked interface.
func (r *RegistryConfigurator) Reset(_ context.Context) error {
	if !r.current.Valid {
		return nil
	}

	guid := r.current.UUID
	if err := r.apply(guid, nil); err != nil {
		return err
	}
	r.current = uuid.NullUUID{}
	logger.Debug("Cleared DNS servers of interface %s", guidString(guid))

	return r.flush()
}

func (r *RegistryConfigurator) flush() error {
	if err := r.backend.FlushResolverCache(); err != nil {
		return fmt.Errorf("%w: %w", ErrFlushResolverCache, err)
	}
	return nil
}

// apply updates both protocol namespaces inside one transaction.
func (r *RegistryConfigurator) apply(guid uuid.UUID, servers []netip.Addr) error {
	tx, err := r.backend.BeginTransaction()
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %w", ErrConfigurationCommit, err)
	}

	if err := applyInTransaction(tx, guid, servers); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w: rollback: %w", ErrConfigurationCommit, errors.Join(err, rbErr))
		}
		return fmt.Errorf("%w: %w", ErrConfigurationCommit, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", ErrConfigurationCommit, err)
	}
	return nil
}

func applyInTransaction(tx registryTransaction, guid uuid.UUID, servers []netip.Addr) error {
	v4, v6 := splitByFamily(servers)
	id := guidString(guid)

	if err := configureInterface(tx, tcpipService, id, v4); err != nil {
		return err
	}
	return configureInterface(tx, tcpip6Service, id, v6)
}

// configureInterface sets or removes NameServer under one service namespace.
func configureInterface(tx registryTransaction, service, guid string, nameservers []netip.Addr) error {
	path := interfaceConfigPath(service, guid)

	key, err := tx.OpenKey(path)
	if err != nil {
		if len(nameservers) == 0 && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open HKEY_LOCAL_MACHINE\\%s: %w", path, err)
	}
	defer closeKey(key)

	if len(nameservers) > 0 {
		if err := key.SetStringValue(interfaceConfigNameServer, joinServers(nameservers)); err != nil {
			return fmt.Errorf("set %s\\%s: %w", service, interfaceConfigNameServer, err)
		}
	} else {
		if err := key.DeleteValue(interfaceConfigNameServer); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("delete %s\\%s: %w", service, interfaceConfigNameServer, err)
		}
	}

	// Best effort: disable LLMNR on the interface.
	if err := key.SetDWordValue(interfaceConfigMulticast, 0); err != nil {
		logger.Error("Failed to disable LLMNR on the tunnel interface: %v (service %s)", err, service)
	}

	return nil
}

func interfaceConfigPath(service, guid string) string {
	return fmt.Sprintf(interfaceConfigPathFormat, service, guid)
}

func joinServers(servers []netip.Addr) string {
	parts := make([]string, 0, len(servers))
	for _, server := range servers {
		parts = append(parts, server.String())
	}
	return strings.Join(parts, ",")
}

// guidString renders a GUID the way the registry names interface keys.
func guidString(guid uuid.UUID) string {
	return "{" + strings.ToUpper(guid.String()) + "}"
}

func closeKey(key registryKey) {
	if err := key.Close(); err != nil {
		logger.Warn("Failed to close registry key: %v", err)
	}
}
