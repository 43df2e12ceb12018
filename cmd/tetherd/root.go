package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newRootCmd() *cobra.Command {
	v := viper.New()
	rootCmd := &cobra.Command{
		Use:           "tetherd",
		Short:         "tetherd keeps multi-account messaging sessions alive",
		Long:          "tetherd supervises one persistent messaging session per configured account: registration, heartbeats, reconnect backoff, credential refresh, and inbound dispatch, with an admin HTTP surface for inspection and commands.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("config", "tether.toml", "path to the daemon config")
	_ = v.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	v.SetEnvPrefix("TETHER")
	v.AutomaticEnv()

	rootCmd.AddCommand(
		newRunCmd(v),
		newConfigCmd(v),
		newVersionCmd(),
	)
	return rootCmd
}
