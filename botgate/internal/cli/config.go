package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long:  "Prints the configuration after defaults, file and environment are applied. Credentials are masked.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		data, err := yaml.Marshal(cfg.Redacted())
		if err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
		cmd.OutOrStdout().Write(data)

		if validate, _ := cmd.Flags().GetBool("validate"); validate {
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			Success(cmd.OutOrStdout(), "configuration is valid")
		}
		return nil
	},
}

func init() {
	configCmd.Flags().Bool("validate", false, "also validate the configuration")
	rootCmd.AddCommand(configCmd)
}
