//go:build windows

package dns

import (
	"context"
	"fmt"

	"github.com/fosrl/tundns/logger"
)

// NewPlatformConfigurator returns the registry configurator.
func NewPlatformConfigurator(_ context.Context, opts PlatformOptions) (Configurator, error) {
	if len(opts.SearchDomains) > 0 {
		logger.Warn("Search domains %v are ignored by the registry configurator", opts.SearchDomains)
	}
	return NewRegistryConfigurator(), nil
}

// Preflight checks that the transaction and interface APIs can be loaded.
func Preflight(_ context.Context) error {
	for _, proc := range []interface{ Find() error }{
		procCreateTransaction,
		procCommitTransaction,
		procRollbackTransaction,
		procRegOpenKeyTransactedW,
		procConvertInterfaceAliasToLuid,
		procConvertInterfaceLuidToGuid,
	} {
		if err := proc.Find(); err != nil {
			return fmt.Errorf("%w: %w", ErrUnsupportedPlatform, err)
		}
	}
	return nil
}
