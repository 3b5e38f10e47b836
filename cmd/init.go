package cmd

import (
	"github.com/spf13/cobra"

	"github.com/agentaudit/decision-audit/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize pipeline configuration with an interactive wizard",
	Long:  `Runs an interactive wizard and writes the resulting config to --config (default .audit.yml).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := config.RunWizard(cfgFile)
		return err
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
