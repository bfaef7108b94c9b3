package dns

import "errors"

// Failure kinds returned by the configurators. Errors are wrapped so that
// errors.Is matches the kind and errors.Unwrap still reaches the cause.
var (
	// ErrInterfaceResolution means the interface alias did not map to an
	// interface identifier.
	ErrInterfaceResolution = errors.New("failed to resolve interface")

	// ErrConfigurationCommit covers opening, committing or rolling back the
	// registry transaction, and failures inside it.
	ErrConfigurationCommit = errors.New("failed to update interface DNS servers")

	// ErrFlushResolverCache means the cache flush helper could not be run.
	ErrFlushResolverCache = errors.New("failed to flush DNS resolver cache")

	// ErrBusConnect means no connection to the system bus could be opened.
	ErrBusConnect = errors.New("failed to connect to the system bus")

	// ErrDaemonUnavailable means systemd-resolved did not answer on the bus.
	ErrDaemonUnavailable = errors.New("systemd-resolved not detected")

	// ErrUnmanagedResolvConf means /etc/resolv.conf does not route lookups
	// through the systemd-resolved stub.
	ErrUnmanagedResolvConf = errors.New("/etc/resolv.conf is not managed by systemd-resolved")

	// ErrUntrustedStaticStub means /etc/resolv.conf links to the static stub
	// file but that file does not point at a loopback resolver.
	ErrUntrustedStaticStub = errors.New("static stub file does not point to localhost")

	ErrLinkLookup          = errors.New("failed to find link interface in resolved manager")
	ErrRPCCall             = errors.New("failed to perform RPC call on D-Bus")
	ErrDomainConfiguration = errors.New("failed to configure DNS domains")
	ErrSubscribe           = errors.New("failed to add a match for DNS config updates")
	ErrUnsubscribe         = errors.New("failed to remove the match for DNS config updates")

	// ErrUnsupportedPlatform is returned where no backend exists.
	ErrUnsupportedPlatform = errors.New("DNS configuration is not supported on this platform")
)
