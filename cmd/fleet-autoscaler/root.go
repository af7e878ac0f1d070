package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "fleet-autoscaler",
		Short:         "Metrics-driven replica autoscaler for stateless HTTP services",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newRunCommand(), newStatusCommand(), newValidateCommand())
	return root
}
