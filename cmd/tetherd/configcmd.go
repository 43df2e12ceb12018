package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tetherline/tether/internal/config"
)

func newConfigCmd(v *viper.Viper) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the daemon config",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := v.GetString("config")
			if err := config.WriteTemplate(path, force); err != nil {
				return err
			}
			cmd.Printf("wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Load and validate the config",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v.GetString("config"))
			if err != nil {
				return err
			}
			cmd.Printf("ok: %d accounts (%d enabled)\n", len(cfg.Accounts), len(cfg.Enabled()))
			return nil
		},
	}

	configCmd.AddCommand(initCmd, checkCmd)
	return configCmd
}
