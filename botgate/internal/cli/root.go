// Package cli implements the botgate command line.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/telhawk-systems/botgate/botgate/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "botgate",
	Short: "Bot platform gateway and webhook connector",
	Long: `botgate keeps a bot connected to its chat platform over the websocket
gateway and signed webhook callbacks, normalizes and deduplicates the events
and dispatches them to handlers.

Configuration is read from config.yaml (. or /etc/botgate) and BOTGATE_*
environment variables, e.g. BOTGATE_AUTH_SECRET.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		Error(rootCmd.ErrOrStderr(), "%v", err)
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml or /etc/botgate/config.yaml)")
}

func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}
