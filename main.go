package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	platform "github.com/fosrl/tundns/dns/platform"
	"github.com/fosrl/tundns/logger"
	"github.com/fosrl/tundns/tundns"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version is set at build time.
var Version = "version_replaceme"

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:   "tundns",
		Short: "Point the system resolver at a VPN tunnel",
		Long: "tundns makes the DNS servers of a tunnel interface the ones the system uses,\n" +
			"through the registry on Windows and systemd-resolved on Linux, and restores\n" +
			"the previous configuration on exit.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTundns(cmd, v)
		},
	}
	addConfigFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Apply DNS settings and keep them until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTundns(cmd, v)
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Check that DNS can be configured on this host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return checkHost(cmd, v)
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Show configuration sources and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := LoadConfig(v, cmd.Flags())
			if err != nil {
				return err
			}
			config.ShowConfig(cmd.OutOrStdout())
			return nil
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "tundns version "+Version)
		},
	})

	return rootCmd
}

func loadAndInit(cmd *cobra.Command, v *viper.Viper) (*TundnsConfig, error) {
	config, err := LoadConfig(v, cmd.Flags())
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Failed to load configuration: %v\n", err)
		return nil, err
	}
	if err := logger.Init(config.LogLevel); err != nil {
		return nil, err
	}
	return config, nil
}

func runTundns(cmd *cobra.Command, v *viper.Viper) error {
	config, err := loadAndInit(cmd, v)
	if err != nil {
		return err
	}
	if err := config.validateRun(); err != nil {
		logger.Error("%v", err)
		return err
	}
	logger.Info("tundns version %s", Version)

	// Create a context that will be cancelled on interrupt signals
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := tundns.Run(ctx, config.tundnsConfig(Version)); err != nil {
		logger.Error("%v", err)
		return err
	}
	return nil
}

func checkHost(cmd *cobra.Command, v *viper.Viper) error {
	if _, err := loadAndInit(cmd, v); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if err := platform.Preflight(cmd.Context()); err != nil {
		fmt.Fprintf(out, "✗ DNS cannot be configured on this host: %v\n", err)
		if hint := resolvConfHint(); hint != "" {
			fmt.Fprintln(out, "  "+hint)
		}
		return err
	}
	fmt.Fprintln(out, "✓ DNS can be configured on this host")
	return nil
}
