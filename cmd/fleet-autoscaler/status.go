package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/llm-d/llm-d-fleet-autoscaler/api/v1alpha1"
	"github.com/llm-d/llm-d-fleet-autoscaler/internal/statusapi"
)

func newStatusCommand() *cobra.Command {
	var (
		server  string
		output  string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status reported by a running autoscaler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			raw, err := fetchStatus(ctx, server)
			if err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), raw, output)
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "base URL of the autoscaler control surface")
	cmd.Flags().StringVarP(&output, "output", "o", "summary", "output format: summary, json or yaml")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	return cmd
}

func fetchStatus(ctx context.Context, server string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(server, "/")+statusapi.StatusPath, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching status: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching status: %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

func printStatus(w io.Writer, raw []byte, output string) error {
	switch output {
	case "json":
		_, err := w.Write(raw)
		return err
	case "yaml":
		// through a generic document so the keys match the JSON field names
		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("decoding status: %w", err)
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return err
		}
		return enc.Close()
	case "summary":
	default:
		return fmt.Errorf("unknown output format %q", output)
	}

	var st v1alpha1.FleetStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return fmt.Errorf("decoding status: %w", err)
	}
	fmt.Fprintf(w, "Service:     %s (%s)\n", st.Service, st.Image)
	fmt.Fprintf(w, "Replicas:    desired %d, actual %d, ready %d\n", st.DesiredReplicas, st.ActualReplicas, st.ReadyReplicas)
	if st.Utilization.Known {
		fmt.Fprintf(w, "Utilization: %.2f (%d samples)\n", st.Utilization.Utilization, st.Utilization.SampleCount)
	} else {
		fmt.Fprintf(w, "Utilization: unknown\n")
	}
	if d := st.LastDecision.Decision; d != nil {
		state := "in progress"
		switch {
		case st.LastDecision.Applied:
			state = "applied"
		case st.LastDecision.Stuck:
			state = fmt.Sprintf("stuck after %d retries: %s", st.LastDecision.RetryCount, st.LastDecision.LastError)
		}
		fmt.Fprintf(w, "Decision:    %d replicas (%s) at %s, %s\n", d.DesiredCount, d.Reason, d.Timestamp.Format(time.RFC3339), state)
	}
	for _, warning := range st.Warnings {
		fmt.Fprintf(w, "Warning:     %s\n", warning)
	}
	if !st.LastTick.IsZero() {
		fmt.Fprintf(w, "Last tick:   %s (%s)\n", st.LastTick.Format(time.RFC3339), st.LastTickDuration.Duration)
	}

	if len(st.Replicas) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tIMAGE\tADDRESS\tSAMPLE\tNOTE")
	for _, r := range st.Replicas {
		sample := "-"
		if r.LastSample != nil && r.LastSample.Valid {
			sample = fmt.Sprintf("%.2f", r.LastSample.Value)
		}
		note := r.CondemnedReason
		if note == "" && r.ProvisionAttempts > 0 {
			note = fmt.Sprintf("%d failed attempts", r.ProvisionAttempts)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.State, r.Image, r.Address, sample, note)
	}
	return tw.Flush()
}
