package main

import (
	"fmt"

	"github.com/rzbill/corral/pkg/version"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:   "corrald",
		Short: "Corral - cluster and node management engine",
		Long: `Corral manages clusters of homogeneous nodes. It runs scale, resize,
membership and health actions through a lock-serialized engine and lets
attached policies veto or follow up on each action.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./corral.yaml, /etc/corral/corral.yaml or $HOME/.corral/corral.yaml)")

	root.AddCommand(newServeCmd(&cfgFile))
	root.AddCommand(newVersionCmd())
	root.AddCommand(newPolicyCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Info())
		},
	}
}
