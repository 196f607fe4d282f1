package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Tyrowin/gochat-relay/internal/server"
)

var (
	configFile   string
	portFlag     string
	logLevelFlag string
)

// rootCmd serves the relay when called without a subcommand.
var rootCmd = &cobra.Command{
	Use:   "gochat-relay",
	Short: "Real-time presence and conversation relay",
	Long: `gochat-relay accepts WebSocket connections on /ws and relays presence,
conversation membership, messages, typing indicators, read receipts and call
requests between connected clients.

Configuration comes from defaults, an optional YAML file (--config, reloaded
on change), environment variables and finally these flags.`,
	SilenceUsage: true,
	RunE: func(_ *cobra.Command, _ []string) error {
		return runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the relay version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), server.Version)
	},
}

// checkConfigCmd prints the effective configuration without starting the server.
var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate configuration and print the effective settings",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(configFile)
		if err != nil {
			return err
		}
		server.SetConfig(cfg)
		active := server.CurrentConfig()

		out, err := yaml.Marshal(&active)
		if err != nil {
			return fmt.Errorf("encode config: %w", err)
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "YAML config file, watched for changes")
	rootCmd.PersistentFlags().StringVar(&portFlag, "port", "", "listen address, overrides SERVER_PORT and PORT")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "debug, info, warn or error")

	rootCmd.AddCommand(versionCmd, checkConfigCmd)
}
