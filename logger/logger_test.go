package logger

import (
	"bytes"
	"os"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitLevels(t *testing.T) {
	t.Cleanup(func() { _ = Init("INFO") })

	tests := []struct {
		in   string
		want log.Level
	}{
		{"", log.InfoLevel},
		{"TRACE", log.TraceLevel},
		{"debug", log.DebugLevel},
		{"WARN", log.WarnLevel},
		{" error ", log.ErrorLevel},
	}
	for _, tt := range tests {
		require.NoError(t, Init(tt.in), tt.in)
		assert.Equal(t, tt.want, GetLogger().GetLevel(), tt.in)
	}

	assert.Error(t, Init("loud"))
}

func TestOutputCarriesCaller(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() {
		SetOutput(os.Stderr)
		_ = Init("INFO")
	})
	require.NoError(t, Init("DEBUG"))

	Debug("link %d reverted", 7)
	Trace("hidden")

	out := buf.String()
	assert.Contains(t, out, "DEBUG logger_test.go:")
	assert.Contains(t, out, "link 7 reverted")
	assert.NotContains(t, out, "hidden")
}
