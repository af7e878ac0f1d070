package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/llm-d/llm-d-fleet-autoscaler/internal/config"
	"github.com/llm-d/llm-d-fleet-autoscaler/internal/engines/recommender"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and print the effective scaling policy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "configuration valid\n")
			fmt.Fprintf(out, "service:     %s (image %q, port %d)\n", cfg.Service.Name, cfg.Service.Image, cfg.Service.Port)
			fmt.Fprintf(out, "policy:      %s\n", recommender.PolicyFromConfig(cfg.Scaling))
			fmt.Fprintf(out, "metric:      %s from %s field %q, %.2f per replica\n", cfg.Metric.Kind, cfg.Metric.Format, cfg.Metric.Field, cfg.Metric.TargetPerReplica)
			fmt.Fprintf(out, "rollout:     %s, maxSurge=%d maxUnavailable=%d\n", cfg.Rollout.Strategy, cfg.Rollout.MaxSurge, cfg.Rollout.MaxUnavailable)
			fmt.Fprintf(out, "provisioner: %s\n", cfg.Provisioner.Kind)
			return nil
		},
	}
	config.AddFlags(cmd.Flags())
	return cmd
}
