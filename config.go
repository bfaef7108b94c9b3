package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/netip"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	platform "github.com/fosrl/tundns/dns/platform"
	"github.com/fosrl/tundns/logger"
	"github.com/fosrl/tundns/tundns"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// TundnsConfig holds all configuration options for tundns
type TundnsConfig struct {
	// Tunnel settings
	InterfaceName string   `mapstructure:"interface" json:"interface"`
	DNS           []string `mapstructure:"dns" json:"dns"`
	Domains       []string `mapstructure:"domains" json:"domains"`

	// Logging
	LogLevel string `mapstructure:"logLevel" json:"logLevel"`

	// Status API
	EnableAPI  bool   `mapstructure:"enableApi" json:"enableApi"`
	HTTPAddr   string `mapstructure:"httpAddr" json:"httpAddr"`
	SocketPath string `mapstructure:"socketPath" json:"socketPath"`

	// Change handling
	WatchChanges    bool   `mapstructure:"watchChanges" json:"watchChanges"`
	WatchResolvConf bool   `mapstructure:"watchResolvConf" json:"watchResolvConf"`
	Reapply         bool   `mapstructure:"reapply" json:"reapply"`
	ReapplyAttempts int    `mapstructure:"reapplyAttempts" json:"reapplyAttempts"`
	ReapplyDelay    string `mapstructure:"reapplyDelay" json:"reapplyDelay"`

	// Parsed values (not in JSON)
	servers              []netip.Addr
	searchDomains        []string
	reapplyDelayDuration time.Duration

	// Source tracking (not in JSON)
	sources    map[string]string
	configFile string
}

// ConfigSource tracks where each config value came from
type ConfigSource string

const (
	SourceDefault ConfigSource = "default"
	SourceFile    ConfigSource = "file"
	SourceEnv     ConfigSource = "environment"
	SourceCLI     ConfigSource = "cli"
)

// configOption ties a config key to its flag and environment variable.
type configOption struct {
	key   string
	flag  string
	env   string
	def   interface{}
	usage string
}

var configOptions = []configOption{
	{"interface", "interface", "TUNDNS_INTERFACE", "", "Name of the tunnel interface"},
	{"dns", "dns", "TUNDNS_DNS", []string{}, "DNS servers to use, comma separated"},
	{"domains", "domains", "TUNDNS_DOMAINS", []string{}, "Search domains for the tunnel (systemd-resolved only)"},
	{"logLevel", "log-level", "TUNDNS_LOG_LEVEL", "INFO", "Log level (TRACE, DEBUG, INFO, WARN, ERROR, FATAL)"},
	{"enableApi", "enable-api", "TUNDNS_ENABLE_API", false, "Enable the status API"},
	{"httpAddr", "http-addr", "TUNDNS_HTTP_ADDR", "", "Serve the status API on a TCP address instead of the socket"},
	{"socketPath", "socket-path", "TUNDNS_SOCKET_PATH", defaultSocketPath(), "Unix socket or named pipe for the status API"},
	{"watchChanges", "watch-changes", "TUNDNS_WATCH_CHANGES", true, "Watch the system resolver for DNS changes"},
	{"watchResolvConf", "watch-resolv-conf", "TUNDNS_WATCH_RESOLV_CONF", true, "Re-check /etc/resolv.conf when it changes"},
	{"reapply", "reapply", "TUNDNS_REAPPLY", false, "Re-apply DNS when another program replaces it"},
	{"reapplyAttempts", "reapply-attempts", "TUNDNS_REAPPLY_ATTEMPTS", 3, "Attempts per re-apply"},
	{"reapplyDelay", "reapply-delay", "TUNDNS_REAPPLY_DELAY", "1s", "Delay between re-apply attempts"},
}

func defaultSocketPath() string {
	if runtime.GOOS == "windows" {
		return "tundns"
	}
	return "/var/run/tundns.sock"
}

// getTundnsConfigDir returns the config directory path
func getTundnsConfigDir() string {
	configDir := os.Getenv("CONFIG_DIR")
	if configDir != "" {
		return configDir
	}

	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(os.Getenv("HOME"), "Library", "Application Support", "tundns")
	case "windows":
		return filepath.Join(os.Getenv("PROGRAMDATA"), "tundns")
	default: // linux and others
		return filepath.Join(os.Getenv("HOME"), ".config", "tundns")
	}
}

// getTundnsConfigPath returns the path to the config file
func getTundnsConfigPath() string {
	configFile := os.Getenv("CONFIG_FILE")
	if configFile != "" {
		return configFile
	}
	return filepath.Join(getTundnsConfigDir(), "config.json")
}

// addConfigFlags registers one flag per config option.
func addConfigFlags(flags *pflag.FlagSet) {
	for _, opt := range configOptions {
		switch def := opt.def.(type) {
		case string:
			flags.String(opt.flag, def, opt.usage)
		case []string:
			flags.StringSlice(opt.flag, def, opt.usage)
		case bool:
			flags.Bool(opt.flag, def, opt.usage)
		case int:
			flags.Int(opt.flag, def, opt.usage)
		}
	}
}

// LoadConfig loads configuration from file, env vars, and CLI flags
// Priority: CLI args > Env vars > Config file > Defaults
func LoadConfig(v *viper.Viper, flags *pflag.FlagSet) (*TundnsConfig, error) {
	for _, opt := range configOptions {
		v.SetDefault(opt.key, opt.def)
		if err := v.BindEnv(opt.key, opt.env); err != nil {
			return nil, err
		}
		if flag := flags.Lookup(opt.flag); flag != nil {
			if err := v.BindPFlag(opt.key, flag); err != nil {
				return nil, err
			}
		}
	}

	configPath := getTundnsConfigPath()
	v.SetConfigFile(configPath)
	if filepath.Ext(configPath) == "" {
		v.SetConfigType("json")
	}
	if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	config := &TundnsConfig{
		sources:    make(map[string]string),
		configFile: configPath,
	}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	for _, opt := range configOptions {
		config.sources[opt.key] = string(configSource(v, flags, opt))
	}

	if err := config.parse(); err != nil {
		return nil, err
	}
	return config, nil
}

func configSource(v *viper.Viper, flags *pflag.FlagSet, opt configOption) ConfigSource {
	if flags.Changed(opt.flag) {
		return SourceCLI
	}
	if _, ok := os.LookupEnv(opt.env); ok {
		return SourceEnv
	}
	if v.InConfig(opt.key) {
		return SourceFile
	}
	return SourceDefault
}

// parse validates the raw values and fills the parsed fields
func (c *TundnsConfig) parse() error {
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return err
	}

	c.servers = c.servers[:0]
	for _, raw := range splitList(c.DNS) {
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return fmt.Errorf("invalid DNS server %q: %w", raw, err)
		}
		if addr.Zone() != "" {
			return fmt.Errorf("invalid DNS server %q: scoped addresses are not supported", raw)
		}
		c.servers = append(c.servers, addr.Unmap())
	}

	domains, err := platform.NormalizeSearchDomains(splitList(c.Domains))
	if err != nil {
		return err
	}
	c.searchDomains = domains

	c.reapplyDelayDuration, err = time.ParseDuration(c.ReapplyDelay)
	if err != nil {
		return fmt.Errorf("invalid reapply delay %q: %w", c.ReapplyDelay, err)
	}
	if c.ReapplyAttempts < 1 {
		return fmt.Errorf("reapply attempts must be at least 1, got %d", c.ReapplyAttempts)
	}
	return nil
}

// splitList flattens comma separated entries, which is how lists arrive
// from the environment.
func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, item := range strings.Split(value, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
	}
	return out
}

// validateRun checks the values a run cannot do without
func (c *TundnsConfig) validateRun() error {
	var missing []string
	if c.InterfaceName == "" {
		missing = append(missing, "interface")
	}
	if len(c.servers) == 0 {
		missing = append(missing, "dns")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required parameters: %s", strings.Join(missing, ", "))
	}
	return nil
}

// tundnsConfig converts to the run configuration
func (c *TundnsConfig) tundnsConfig(version string) tundns.Config {
	return tundns.Config{
		InterfaceName:   c.InterfaceName,
		DNS:             c.servers,
		SearchDomains:   c.searchDomains,
		EnableAPI:       c.EnableAPI,
		HTTPAddr:        c.HTTPAddr,
		SocketPath:      c.SocketPath,
		WatchChanges:    c.WatchChanges,
		WatchResolvConf: c.WatchResolvConf,
		Reapply:         c.Reapply,
		ReapplyAttempts: c.ReapplyAttempts,
		ReapplyDelay:    c.reapplyDelayDuration,
		Version:         version,
	}
}

// ShowConfig prints the configuration and the source of each value
func (c *TundnsConfig) ShowConfig(w io.Writer) {
	fmt.Fprintln(w, "\n=== tundns Configuration ===")
	fmt.Fprintf(w, "\nConfig File: %s\n", c.configFile)

	if _, err := os.Stat(c.configFile); err == nil {
		fmt.Fprintf(w, "Config File Status: ✓ exists\n")
	} else {
		fmt.Fprintf(w, "Config File Status: ✗ not found\n")
	}

	fmt.Fprintln(w, "\n--- Configuration Values ---")
	fmt.Fprintln(w, "(Format: Setting = Value [source])")

	getSource := func(key string) string {
		if source, ok := c.sources[key]; ok {
			return source
		}
		return string(SourceDefault)
	}

	formatValue := func(value string) string {
		if value == "" {
			return "(not set)"
		}
		return value
	}

	fmt.Fprintln(w, "\nTunnel:")
	fmt.Fprintf(w, "  interface         = %s [%s]\n", formatValue(c.InterfaceName), getSource("interface"))
	fmt.Fprintf(w, "  dns               = %s [%s]\n", formatValue(strings.Join(splitList(c.DNS), ", ")), getSource("dns"))
	fmt.Fprintf(w, "  domains           = %s [%s]\n", formatValue(strings.Join(c.searchDomains, ", ")), getSource("domains"))

	fmt.Fprintln(w, "\nLogging:")
	fmt.Fprintf(w, "  log-level         = %s [%s]\n", c.LogLevel, getSource("logLevel"))

	fmt.Fprintln(w, "\nStatus API:")
	fmt.Fprintf(w, "  enable-api        = %v [%s]\n", c.EnableAPI, getSource("enableApi"))
	fmt.Fprintf(w, "  http-addr         = %s [%s]\n", formatValue(c.HTTPAddr), getSource("httpAddr"))
	fmt.Fprintf(w, "  socket-path       = %s [%s]\n", formatValue(c.SocketPath), getSource("socketPath"))

	fmt.Fprintln(w, "\nChange Handling:")
	fmt.Fprintf(w, "  watch-changes     = %v [%s]\n", c.WatchChanges, getSource("watchChanges"))
	fmt.Fprintf(w, "  watch-resolv-conf = %v [%s]\n", c.WatchResolvConf, getSource("watchResolvConf"))
	fmt.Fprintf(w, "  reapply           = %v [%s]\n", c.Reapply, getSource("reapply"))
	fmt.Fprintf(w, "  reapply-attempts  = %d [%s]\n", c.ReapplyAttempts, getSource("reapplyAttempts"))
	fmt.Fprintf(w, "  reapply-delay     = %s [%s]\n", c.ReapplyDelay, getSource("reapplyDelay"))

	fmt.Fprintln(w, "\n--- Source Legend ---")
	fmt.Fprintln(w, "  default     = Built-in default value")
	fmt.Fprintln(w, "  file        = Loaded from config file")
	fmt.Fprintln(w, "  environment = Set via environment variable (TUNDNS_*)")
	fmt.Fprintln(w, "  cli         = Provided as command-line argument")
	fmt.Fprintln(w, "\nPriority: cli > environment > file > default")
	fmt.Fprintln(w)
}
