package tundns

import (
	"context"
	"fmt"
	"io"
	"net/netip"
	"sync"
	"time"

	"github.com/fosrl/tundns/api"
	platform "github.com/fosrl/tundns/dns/platform"
	"github.com/fosrl/tundns/logger"
)

// restoreTimeout bounds the final reset once the run context is gone.
const restoreTimeout = 10 * time.Second

type Config struct {
	// Tunnel interface and the servers it should resolve through
	InterfaceName string
	DNS           []netip.Addr
	SearchDomains []string

	// Status API
	EnableAPI  bool
	HTTPAddr   string
	SocketPath string

	// Change handling
	WatchChanges    bool
	WatchResolvConf bool
	Reapply         bool
	ReapplyAttempts int
	ReapplyDelay    time.Duration

	Version string
}

// Override owns the DNS configuration of one tunnel interface for the
// lifetime of a run.
type Override struct {
	config       Config
	configurator platform.Configurator
	status       *api.API

	resolvConfPath  string
	resolvConfCheck func() error

	mu        sync.Mutex
	applied   bool
	contested chan struct{}
}

// New returns an Override applying config through configurator and
// reporting to status.
func New(config Config, configurator platform.Configurator, status *api.API) *Override {
	if config.ReapplyAttempts < 1 {
		config.ReapplyAttempts = 1
	}
	return &Override{
		config:          config,
		configurator:    configurator,
		status:          status,
		resolvConfPath:  resolvConfPath,
		resolvConfCheck: checkResolvConf,
		contested:       make(chan struct{}, 1),
	}
}

// Run builds the configurator for this host, applies the configured servers
// and keeps them in place until ctx is done or an exit is requested through
// the API. The interface is reset before Run returns.
func Run(ctx context.Context, config Config) error {
	configurator, err := platform.NewPlatformConfigurator(ctx, platform.PlatformOptions{
		SearchDomains: config.SearchDomains,
	})
	if err != nil {
		return fmt.Errorf("failed to create DNS configurator: %w", err)
	}
	if closer, ok := configurator.(io.Closer); ok {
		defer closer.Close()
	}
	logger.Info("Using %s DNS configurator", configurator.Name())

	var apiServer *api.API
	if config.HTTPAddr != "" {
		apiServer = api.NewAPI(config.HTTPAddr)
	} else {
		apiServer = api.NewAPISocket(config.SocketPath)
	}
	apiServer.SetVersion(config.Version)
	apiServer.SetBackend(configurator.Name(), config.InterfaceName)

	if config.EnableAPI {
		if err := apiServer.Start(); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
		defer apiServer.Stop()
	}

	return New(config, configurator, apiServer).Serve(ctx)
}

// Serve applies the servers, runs the watchers and handles API requests until
// ctx is done or an exit is requested.
func (o *Override) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := o.Apply(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	if o.config.WatchChanges {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.watchChanges(ctx)
		}()
	}
	if o.config.WatchResolvConf && o.resolvConfCheck != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.checkResolvConf()
			if err := watchFile(ctx, o.resolvConfPath, o.checkResolvConf); err != nil {
				logger.Error("Failed to watch %s: %v", o.resolvConfPath, err)
			}
		}()
	}

loop:
	for {
		select {
		case <-ctx.Done():
			logger.Info("Shutdown signal received, cleaning up...")
			break loop
		case <-o.status.GetShutdownChannel():
			logger.Info("Shutdown requested via API")
			break loop
		case <-o.status.GetApplyChannel():
			if err := o.Apply(ctx); err != nil {
				logger.Error("Failed to apply DNS configuration: %v", err)
			}
		case <-o.status.GetResetChannel():
			if err := o.Restore(ctx); err != nil {
				logger.Error("Failed to restore DNS configuration: %v", err)
			}
		}
	}

	cancel()
	wg.Wait()

	restoreCtx, cancelRestore := context.WithTimeout(context.Background(), restoreTimeout)
	defer cancelRestore()
	err := o.Restore(restoreCtx)
	logger.Info("Shutdown complete")
	return err
}

// Apply points the interface at the configured servers.
func (o *Override) Apply(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.applyLocked(ctx)
}

func (o *Override) applyLocked(ctx context.Context) error {
	logger.Info("Setting DNS servers of %s to %v", o.config.InterfaceName, o.config.DNS)
	if err := o.configurator.Set(ctx, o.config.InterfaceName, o.config.DNS); err != nil {
		return fmt.Errorf("failed to set DNS: %w", err)
	}
	o.applied = true
	o.status.SetApplied(true, addrStrings(o.config.DNS))
	return nil
}

// Restore undoes Apply. It is a no-op when nothing is applied.
func (o *Override) Restore(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.applied {
		logger.Debug("No DNS configuration to restore")
		return nil
	}

	logger.Info("Restoring original DNS configuration")
	if err := o.configurator.Reset(ctx); err != nil {
		return fmt.Errorf("failed to restore DNS: %w", err)
	}
	o.applied = false
	o.status.SetApplied(false, nil)

	logger.Info("DNS configuration restored successfully")
	return nil
}

func (o *Override) isApplied() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.applied
}

func addrStrings(addrs []netip.Addr) []string {
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, addr.String())
	}
	return out
}
