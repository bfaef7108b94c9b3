package tundns

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	retry "github.com/avast/retry-go/v4"
	platform "github.com/fosrl/tundns/dns/platform"
	"github.com/fosrl/tundns/logger"
	"github.com/fsnotify/fsnotify"
)

var errNotApplied = errors.New("DNS configuration was restored")

// watchChanges follows the resolver list of the backend and queues a
// re-apply when another agent replaces the servers of the interface.
func (o *Override) watchChanges(ctx context.Context) {
	watcher, ok := o.configurator.(platform.ChangeWatcher)
	if !ok {
		logger.Info("The %s configurator does not report DNS changes", o.configurator.Name())
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		o.reapplyLoop(ctx)
	}()
	defer func() { <-done }()

	err := watcher.WatchDNSChanges(o.handleChange, func() bool {
		return ctx.Err() == nil
	})
	if err != nil {
		logger.Error("Failed to watch DNS changes: %v", err)
	}
}

func (o *Override) handleChange(event platform.ChangeEvent) {
	logger.Debug("System DNS servers changed: %v", event.Servers)
	if !o.isApplied() {
		return
	}

	o.status.SetContested(event.Contested)
	if !event.Contested {
		return
	}

	logger.Warn("DNS servers of %s were changed to %v", o.config.InterfaceName, event.LinkServers)
	if !o.config.Reapply {
		return
	}
	select {
	case o.contested <- struct{}{}:
	default:
	}
}

func (o *Override) reapplyLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.contested:
			if err := o.reapply(ctx); err != nil {
				logger.Error("Failed to re-apply DNS servers of %s: %v", o.config.InterfaceName, err)
			}
		}
	}
}

// reapply sets the servers again, retrying failed attempts. It gives up
// without error once the configuration has been restored.
func (o *Override) reapply(ctx context.Context) error {
	err := retry.Do(func() error {
		o.mu.Lock()
		defer o.mu.Unlock()
		if !o.applied {
			return retry.Unrecoverable(errNotApplied)
		}
		return o.applyLocked(ctx)
	},
		retry.Context(ctx),
		retry.Attempts(uint(o.config.ReapplyAttempts)),
		retry.Delay(o.config.ReapplyDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Debug("Re-apply attempt %d failed: %v", n+1, err)
		}),
	)
	if errors.Is(err, errNotApplied) {
		return nil
	}
	if err != nil {
		return err
	}

	o.status.IncReapplied()
	logger.Info("Re-applied DNS servers of %s", o.config.InterfaceName)
	return nil
}

// checkResolvConf records whether resolv.conf still routes through the
// backend.
func (o *Override) checkResolvConf() {
	err := o.resolvConfCheck()
	o.status.SetResolvConfStatus(err)
	if err != nil {
		logger.Warn("%s does not send lookups through the system resolver: %v", o.resolvConfPath, err)
		return
	}
	logger.Debug("%s is managed by the system resolver", o.resolvConfPath)
}

// watchFile calls onChange whenever path is written, created, renamed or
// removed, until ctx is done. The parent directory is watched because
// resolv.conf is usually replaced rather than written in place.
func watchFile(ctx context.Context, path string, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	path = filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path || event.Op == fsnotify.Chmod {
				continue
			}
			logger.Debug("Detected change to %s: %s", path, event.Op)
			onChange()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("Error watching %s: %v", path, err)
		}
	}
}
