package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/quantarc/quantarc-go/pkg/auth"
	"github.com/quantarc/quantarc-go/pkg/jobs"
)

func newJobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Manage asynchronous analytics jobs",
	}
	cmd.AddCommand(newJobRunCmd())
	cmd.AddCommand(newJobStatusCmd())
	return cmd
}

func newJobStatusCmd() *cobra.Command {
	var jobID string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check the status of an existing job",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, tr, shutdown, err := setup()
			if err != nil {
				return err
			}
			defer shutdown()

			runner, err := jobs.Attach(tr, auth.FromEnv(tokenEnvVar), jobID, jobs.FormatCSV)
			if err != nil {
				return err
			}
			state, err := runner.Status(cmd.Context())
			if err != nil {
				return err
			}
			if string(state) != runner.LastStatus() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", state, runner.LastStatus())
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), state)
			return nil
		},
	}

	cmd.Flags().StringVar(&jobID, "job-id", "", "id of the job to check")
	_ = cmd.MarkFlagRequired("job-id")
	return cmd
}

func newJobRunCmd() *cobra.Command {
	var (
		modelID      string
		geolevel     string
		portfolioID  string
		format       string
		geoids       []int
		buffers      []string
		outFile      string
		pollInterval time.Duration
		maxPolls     int
		verbose      bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Create a job, wait for completion and write the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, tr, shutdown, err := setup()
			if err != nil {
				return err
			}
			defer shutdown()

			opts := []jobs.RunnerOption{
				jobs.WithPollInterval(pollInterval),
				jobs.WithMaxPolls(maxPolls),
			}
			if verbose {
				opts = append(opts, jobs.WithLogger(slog.New(slog.NewTextHandler(os.Stderr, nil))))
			}

			runner := jobs.NewRunner(tr, auth.FromEnv(tokenEnvVar), opts...)
			result, err := runner.Run(cmd.Context(), jobs.CreateParams{
				ModelID:        modelID,
				Geolevel:       geolevel,
				PortfolioID:    portfolioID,
				ResponseFormat: jobs.Format(format),
				GeoIDs:         geoids,
				Buffers:        buffers,
			})
			if err != nil {
				return err
			}

			out := os.Stdout
			if outFile != "" {
				f, err := os.Create(outFile)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}
			return result.WriteCSV(out)
		},
	}

	cmd.Flags().StringVar(&modelID, "model-id", "", "model to run")
	cmd.Flags().StringVar(&geolevel, "geolevel", "", "geography level (US, METRO, GEOID2, GEOID5, ZIP, GEOID11)")
	cmd.Flags().StringVar(&portfolioID, "portfolio-id", "", "portfolio to run against (mutually exclusive with --geolevel)")
	cmd.Flags().StringVar(&format, "format", string(jobs.FormatCSV), "response format (csv or json)")
	cmd.Flags().IntSliceVar(&geoids, "geoid", nil, "geography ids to include (repeatable)")
	cmd.Flags().StringSliceVar(&buffers, "buffer", nil, "buffer radii to include (repeatable)")
	cmd.Flags().StringVarP(&outFile, "out", "o", "", "output file (default stdout)")
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", jobs.DefaultPollInterval, "delay between status polls")
	cmd.Flags().IntVar(&maxPolls, "max-polls", jobs.DefaultMaxPolls, "maximum number of status polls")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log job progress to stderr")
	_ = cmd.MarkFlagRequired("model-id")
	return cmd
}
