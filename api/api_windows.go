//go:build windows

package api

import (
	"fmt"
	"net"
	"strings"

	"github.com/Microsoft/go-winio"
	"github.com/fosrl/tundns/logger"
)

// statusPipeSDDL grants Everyone and the owner full access, so unprivileged
// tools can read the status of an elevated tundns.
const statusPipeSDDL = "D:(A;;GA;;;WD)(A;;GA;;;OW)"

// createSocketListener listens on a named pipe. A bare name is placed under
// \\.\pipe\.
func createSocketListener(pipePath string) (net.Listener, error) {
	if !strings.HasPrefix(pipePath, `\`) {
		pipePath = `\\.\pipe\` + pipePath
	}

	listener, err := winio.ListenPipe(pipePath, &winio.PipeConfig{SecurityDescriptor: statusPipeSDDL})
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", pipePath, err)
	}

	logger.Debug("tundns status pipe listening at %s", pipePath)
	return listener, nil
}

// Named pipes disappear with their last handle.
func cleanupSocket(string) {}
