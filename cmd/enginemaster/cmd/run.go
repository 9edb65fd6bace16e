package cmd

import (
	"github.com/spf13/cobra"

	"github.com/enginemaster/enginemaster/internal/common"
	"github.com/enginemaster/enginemaster/internal/enginemaster"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start a scheduler node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			common.ConfigureLogging(config.Logging)
			return enginemaster.New(config).Run(cmd.Context())
		},
	}
}
