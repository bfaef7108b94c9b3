//go:build !windows

package api

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/fosrl/tundns/logger"
)

// createSocketListener listens on a unix socket that any local user may
// connect to, replacing a stale socket left by a previous run.
func createSocketListener(socketPath string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := os.RemoveAll(socketPath); err != nil {
		return nil, fmt.Errorf("failed to remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0666); err != nil {
		listener.Close()
		return nil, fmt.Errorf("failed to set socket permissions: %w", err)
	}

	logger.Debug("tundns status socket listening at %s", socketPath)
	return listener, nil
}

func cleanupSocket(socketPath string) {
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		logger.Error("Failed to remove tundns status socket %s: %v", socketPath, err)
		return
	}
	logger.Debug("Removed tundns status socket %s", socketPath)
}
