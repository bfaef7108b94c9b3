package main

import (
	"bytes"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loadTestConfig loads a config with CONFIG_FILE pointed at a file holding
// contents, or at a missing file when contents is empty.
func loadTestConfig(t *testing.T, contents string, args ...string) (*TundnsConfig, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if contents != "" {
		require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	}
	t.Setenv("CONFIG_FILE", path)

	flags := pflag.NewFlagSet("tundns", pflag.ContinueOnError)
	addConfigFlags(flags)
	require.NoError(t, flags.Parse(args))
	return LoadConfig(viper.New(), flags)
}

func TestLoadConfigDefaults(t *testing.T) {
	config, err := loadTestConfig(t, "")
	require.NoError(t, err)

	assert.Equal(t, "INFO", config.LogLevel)
	assert.True(t, config.WatchChanges)
	assert.True(t, config.WatchResolvConf)
	assert.False(t, config.Reapply)
	assert.Equal(t, 3, config.ReapplyAttempts)
	assert.Equal(t, time.Second, config.reapplyDelayDuration)
	assert.Empty(t, config.servers)
	for key, source := range config.sources {
		assert.Equal(t, string(SourceDefault), source, key)
	}

	assert.EqualError(t, config.validateRun(), "missing required parameters: interface, dns")
}

func TestLoadConfigPrecedence(t *testing.T) {
	t.Setenv("TUNDNS_DNS", "10.0.0.1, fd00::53")
	t.Setenv("TUNDNS_REAPPLY", "true")

	config, err := loadTestConfig(t, `{
		"interface": "wg-file",
		"dns": ["192.168.1.1"],
		"domains": ["Corp.Example."],
		"logLevel": "DEBUG",
		"reapply": false
	}`, "--interface", "wg0", "--reapply-attempts", "5")
	require.NoError(t, err)

	assert.Equal(t, "wg0", config.InterfaceName)
	assert.Equal(t, []netip.Addr{
		netip.MustParseAddr("10.0.0.1"),
		netip.MustParseAddr("fd00::53"),
	}, config.servers)
	assert.Equal(t, []string{"corp.example"}, config.searchDomains)
	assert.Equal(t, "DEBUG", config.LogLevel)
	assert.True(t, config.Reapply)
	assert.Equal(t, 5, config.ReapplyAttempts)

	assert.Equal(t, string(SourceCLI), config.sources["interface"])
	assert.Equal(t, string(SourceCLI), config.sources["reapplyAttempts"])
	assert.Equal(t, string(SourceEnv), config.sources["dns"])
	assert.Equal(t, string(SourceEnv), config.sources["reapply"])
	assert.Equal(t, string(SourceFile), config.sources["logLevel"])
	assert.Equal(t, string(SourceFile), config.sources["domains"])
	assert.Equal(t, string(SourceDefault), config.sources["socketPath"])

	require.NoError(t, config.validateRun())

	run := config.tundnsConfig("1.0.0")
	assert.Equal(t, "wg0", run.InterfaceName)
	assert.Equal(t, config.servers, run.DNS)
	assert.Equal(t, []string{"corp.example"}, run.SearchDomains)
	assert.Equal(t, "1.0.0", run.Version)
}

func TestLoadConfigCLIList(t *testing.T) {
	config, err := loadTestConfig(t, "", "--dns", "10.0.0.1,10.0.0.2", "--dns", "10.0.0.3")
	require.NoError(t, err)
	assert.Len(t, config.servers, 3)
}

func TestLoadConfigUnmapsServers(t *testing.T) {
	config, err := loadTestConfig(t, "", "--dns", "::ffff:10.0.0.1,fd00::53")
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{
		netip.MustParseAddr("10.0.0.1"),
		netip.MustParseAddr("fd00::53"),
	}, config.servers)
}

func TestLoadConfigInvalid(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"dns", []string{"--dns", "10.0.0.300"}},
		{"scoped dns", []string{"--dns", "fe80::1%wg0"}},
		{"domain", []string{"--domains", "bad..example"}},
		{"root domain", []string{"--domains", "."}},
		{"delay", []string{"--reapply-delay", "soon"}},
		{"attempts", []string{"--reapply-attempts", "0"}},
		{"log level", []string{"--log-level", "loud"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadTestConfig(t, "", tt.args...)
			assert.Error(t, err)
		})
	}
}

func TestLoadConfigBrokenFile(t *testing.T) {
	_, err := loadTestConfig(t, "{not json")
	assert.ErrorContains(t, err, "failed to load config file")
}

func TestShowConfig(t *testing.T) {
	config, err := loadTestConfig(t, "", "--interface", "wg0", "--dns", "10.0.0.1")
	require.NoError(t, err)

	var out bytes.Buffer
	config.ShowConfig(&out)
	assert.Contains(t, out.String(), "interface         = wg0 [cli]")
	assert.Contains(t, out.String(), "dns               = 10.0.0.1 [cli]")
	assert.Contains(t, out.String(), "domains           = (not set) [default]")
	assert.Contains(t, out.String(), "Config File Status: ✗ not found")
}

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "tundns version "+Version+"\n", out.String())
}

func TestRunCommandRequiresParameters(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "config.json"))

	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"run", "--interface", "wg0"})

	assert.EqualError(t, cmd.Execute(), "missing required parameters: dns")
}

func TestConfigCommand(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "config.json"))

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "--interface", "tun7"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "interface         = tun7 [cli]")
}
