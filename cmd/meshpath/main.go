// meshpath establishes direct or relayed connectivity between mesh nodes.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/meshpath/meshpath/internal/config"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "meshpath",
		Short: "meshpath - P2P connection establishment and relay",
		Long: `meshpath connects mesh nodes to each other: it probes direct
candidate endpoints learned from STUN, the peer roster, and past
connections, and falls back to relay nodes when NAT traversal fails.

Run a node:

  meshpath run -c /etc/meshpath/node.yaml

Run a relay:

  meshpath relay -c /etc/meshpath/relay.yaml

Inspect known relays:

  meshpath relays -c /etc/meshpath/node.yaml`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level override (trace, debug, info, warn, error)")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newRelayCmd())
	rootCmd.AddCommand(newRelaysCmd())
	rootCmd.AddCommand(newSTUNCmd())
	rootCmd.AddCommand(newInitCmd())

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("meshpath %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Build Time: %s\n", BuildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging(cfg config.LogConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	lvl := cfg.Level
	if logLevel != "" {
		lvl = logLevel
	}
	level, err := zerolog.ParseLevel(lvl)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

func newInitCmd() *cobra.Command {
	var keyPath string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate the node key and print its identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := keyPath
			if path == "" && cfgFile != "" {
				cfg, err := config.LoadNodeConfig(cfgFile)
				if err != nil {
					return err
				}
				path = cfg.PrivateKey
			}
			if path == "" {
				return fmt.Errorf("key path required: pass --key or a config file")
			}
			key, err := config.EnsureKey(path)
			if err != nil {
				return err
			}
			fmt.Printf("key:     %s\n", path)
			fmt.Printf("peer id: %s\n", config.Identity(key))
			return nil
		},
	}
	cmd.Flags().StringVar(&keyPath, "key", "", "private key path")
	return cmd
}

func loadNodeConfig() (*config.NodeConfig, error) {
	if cfgFile == "" {
		return nil, fmt.Errorf("config file required: meshpath -c node.yaml")
	}
	cfg, err := config.LoadNodeConfig(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadRelayConfig() (*config.RelayConfig, error) {
	if cfgFile == "" {
		return nil, fmt.Errorf("config file required: meshpath relay -c relay.yaml")
	}
	cfg, err := config.LoadRelayConfig(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
