package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/stevedore/internal/api"
)

func newJobCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Create and inspect jobs on the local queue",
	}

	var (
		jobType string
		vars    string
		headers string
		retries int
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := api.CreateJobRequest{Type: jobType, Retries: retries}
			if vars != "" {
				if err := json.Unmarshal([]byte(vars), &req.Variables); err != nil {
					return fmt.Errorf("--vars must be a JSON object: %w", err)
				}
			}
			if headers != "" {
				if err := json.Unmarshal([]byte(headers), &req.CustomHeaders); err != nil {
					return fmt.Errorf("--headers must be a JSON object of strings: %w", err)
				}
			}

			key, err := g.client().CreateJob(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
	create.Flags().StringVar(&jobType, "type", "", "Job type (required)")
	create.Flags().StringVar(&vars, "vars", "", "Job variables as a JSON object")
	create.Flags().StringVar(&headers, "headers", "", "Custom headers as a JSON object")
	create.Flags().IntVar(&retries, "retries", 0, "Retries (0 uses the queue default)")
	_ = create.MarkFlagRequired("type")

	get := &cobra.Command{
		Use:   "get KEY",
		Short: "Show a job with its variables and outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := g.client().Job(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), job)
		},
	}

	cmd.AddCommand(create, get)
	return cmd
}

func newSettingsCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Read and change runtime settings",
	}

	threads := &cobra.Command{
		Use:   "threads [N]",
		Short: "Show or set the job handling pool size",
		Long: `Without an argument, print the pool size. With N, resize the pool;
every active runner is stopped and started again on the new pool.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := g.client()
			if len(args) == 0 {
				n, err := c.Threads(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), n)
				return nil
			}

			n, err := strconv.Atoi(args[0])
			if err != nil || n < 1 {
				return fmt.Errorf("threads must be a positive integer, got %q", args[0])
			}
			got, err := c.SetThreads(cmd.Context(), n)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "threads set to %d\n", got)
			return nil
		},
	}

	cmd.AddCommand(threads)
	return cmd
}
