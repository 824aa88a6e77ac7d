package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/FACorreiaa/statement-pipeline/internal/domain/jobs"
)

func (c *cli) newDrainCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Process pending jobs until the queue is empty",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			results, err := c.deps.Processor.Drain(cmd.Context())
			out := cmd.OutOrStdout()
			for _, r := range results {
				status := "ok"
				if r.Failed() {
					status = r.Err.Error()
				}
				fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", r.JobID, r.Type, r.Duration.Round(time.Millisecond), status)
			}
			fmt.Fprintf(out, "processed %d jobs\n", len(results))
			return err
		},
	}
}

func (c *cli) newJobsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and maintain the job queue",
	}
	cmd.AddCommand(
		c.newJobsListCommand(),
		c.newJobsShowCommand(),
		c.newJobsRequeueCommand(),
		c.newJobsCancelCommand(),
		c.newJobsCleanupCommand(),
	)
	return cmd
}

func (c *cli) newJobsListCommand() *cobra.Command {
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var st jobs.Status
			if status != "" {
				parsed, err := jobs.ParseStatus(status)
				if err != nil {
					return err
				}
				st = parsed
			}
			list, err := c.deps.JobStore.ListJobs(cmd.Context(), st, limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tRETRIES\tCREATED\tERROR")
			for _, j := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
					j.ID, j.Type, j.Status, j.RetryCount, j.MaxRetries,
					j.CreatedAt.Format(time.RFC3339), j.ErrorMessage)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum jobs to show")
	return cmd
}

func (c *cli) newJobsShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show one job with its payload, progress and result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUUID("job-id", args[0])
			if err != nil {
				return err
			}
			job, err := c.deps.JobStore.GetJob(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), job)
		},
	}
}

func (c *cli) newJobsRequeueCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <job-id>",
		Short: "Put a failed or stuck job back to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUUID("job-id", args[0])
			if err != nil {
				return err
			}
			job, err := c.deps.JobStore.RequeueJob(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s requeued (retry %d of %d)\n", job.ID, job.RetryCount, job.MaxRetries)
			return nil
		},
	}
}

func (c *cli) newJobsCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job nobody has claimed yet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUUID("job-id", args[0])
			if err != nil {
				return err
			}
			if err := c.deps.JobStore.CancelJob(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s cancelled\n", id)
			return nil
		},
	}
}

func (c *cli) newJobsCleanupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete finished jobs older than WORKER_JOB_RETENTION",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			removed, err := c.deps.Scheduler.RunNow(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d jobs\n", removed)
			return nil
		},
	}
}
