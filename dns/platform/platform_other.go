//go:build !windows && !(linux && !android)

package dns

import "context"

// NewPlatformConfigurator has no backend on this platform.
func NewPlatformConfigurator(_ context.Context, _ PlatformOptions) (Configurator, error) {
	return nil, ErrUnsupportedPlatform
}

func Preflight(_ context.Context) error {
	return ErrUnsupportedPlatform
}
