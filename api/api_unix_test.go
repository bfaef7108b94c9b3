//go:build !windows

package api

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSocketListenerReplacesStaleSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tundns.sock")
	require.NoError(t, os.WriteFile(path, []byte("stale"), 0o600))

	listener, err := createSocketListener(path)
	require.NoError(t, err)
	defer listener.Close()

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.ModeSocket, info.Mode()&os.ModeSocket)
	assert.Equal(t, os.FileMode(0o666), info.Mode().Perm())

	cleanupSocket(path)
	assert.NoFileExists(t, path)
}
