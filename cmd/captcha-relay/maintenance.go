package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	natsbackend "github.com/openjobspec/captcha-relay/internal/nats"
	"github.com/openjobspec/captcha-relay/internal/relay"
	"github.com/openjobspec/captcha-relay/internal/scheduler"
	"github.com/openjobspec/captcha-relay/internal/server"
)

func newSweepCmd(cfg *server.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete jobs older than the retention period once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNATS(cfg, func(store *natsbackend.JobStore) error {
				deleted, err := scheduler.NewSweeper(store, cfg.Retention).Sweep(commandContext(cmd))
				if err != nil {
					return fmt.Errorf("sweep: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %d jobs older than %s\n", deleted, cfg.Retention)
				return nil
			})
		},
	}
}

func newDLQCmd(cfg *server.Config) *cobra.Command {
	dlqCmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect dead-lettered jobs",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs that were dead-lettered after repeated faults",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNATS(cfg, func(store *natsbackend.JobStore) error {
				jobs, err := relay.NewService(store).DeadLettered(commandContext(cmd))
				if err != nil {
					return fmt.Errorf("listing dead-lettered jobs: %w", err)
				}
				if len(jobs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no dead-lettered jobs")
					return nil
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tCREATED\tFINISHED\tATTEMPTS")
				for _, job := range jobs {
					finished := "-"
					if job.FinishedAt != nil {
						finished = job.FinishedAt.Format(time.RFC3339)
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", job.ID, job.CreatedAt.Format(time.RFC3339), finished, job.Attempts)
				}
				return tw.Flush()
			})
		},
	}

	dlqCmd.AddCommand(listCmd)
	return dlqCmd
}
