package cmd

import (
	"github.com/spf13/cobra"

	"github.com/enginemaster/enginemaster/internal/common"
	"github.com/enginemaster/enginemaster/internal/enginemaster/configuration"
)

const (
	defaultConfigPath = "./config/enginemaster"
	configFlag        = "config"
)

// RootCmd is the root Cobra command that gets called from the main func.
// All other sub-commands should be registered here.
func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "enginemaster",
		Short:        "enginemaster schedules jobs onto pluggable compute engines",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringSlice(configFlag, []string{}, "Fully qualified path to application configuration files (for multiple config files repeat this arg or separate paths with commas)")

	cmd.AddCommand(
		runCmd(),
		submitCmd(),
		statusCmd(),
		cancelCmd(),
		logCmd(),
		resourcesCmd(),
	)
	return cmd
}

func loadConfig(cmd *cobra.Command) (*configuration.EngineMasterConfiguration, error) {
	configFiles, err := cmd.Flags().GetStringSlice(configFlag)
	if err != nil {
		return nil, err
	}
	var config configuration.EngineMasterConfiguration
	common.LoadConfig(&config, defaultConfigPath, configFiles)
	return &config, nil
}
