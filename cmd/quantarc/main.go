package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/quantarc/quantarc-go/config"
	"github.com/quantarc/quantarc-go/internal/telemetry"
	"github.com/quantarc/quantarc-go/pkg/auth"
	"github.com/quantarc/quantarc-go/pkg/query"
	"github.com/quantarc/quantarc-go/pkg/transport"
)

const tokenEnvVar = "QUANTARC_API_TOKEN"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "quantarc",
		Short:         "Client for the Quantarc Analytics API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newQueryCmd())
	root.AddCommand(newBatchCmd())
	root.AddCommand(newJobCmd())
	return root
}

// setup loads configuration, initializes tracing and builds the transport.
func setup() (*config.Config, *transport.Client, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	shutdownTracer, err := telemetry.InitTracer("quantarc-cli", cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to init tracer: %w", err)
	}

	tr := transport.New(cfg.BaseURL,
		transport.WithMaxRetries(cfg.MaxRetries),
		transport.WithTimeout(cfg.Timeout),
	)
	return cfg, tr, shutdownTracer, nil
}

func newQueryCmd() *cobra.Command {
	var (
		file    string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Submit a single query from a JSON file and print the result as CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, tr, shutdown, err := setup()
			if err != nil {
				return err
			}
			defer shutdown()

			raw, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read query file: %w", err)
			}

			client := query.New(tr, auth.FromEnv(tokenEnvVar))
			result, err := client.SubmitQuery(cmd.Context(), query.Raw(raw), query.WithTimeout(timeout))
			if err != nil {
				return err
			}
			return result.WriteCSV(os.Stdout)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "path to a JSON query file")
	cmd.Flags().DurationVar(&timeout, "timeout", transport.DefaultTimeout, "per-request timeout")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newBatchCmd() *cobra.Command {
	var (
		file       string
		outDir     string
		chunkSize  int
		chunkDelay time.Duration
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Submit a keyed batch of queries and write one CSV per key",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, tr, shutdown, err := setup()
			if err != nil {
				return err
			}
			defer shutdown()

			raw, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read queries file: %w", err)
			}
			var keyed map[string]json.RawMessage
			if err := json.Unmarshal(raw, &keyed); err != nil {
				return fmt.Errorf("queries file must be a JSON object of key to query: %w", err)
			}
			queries := make(map[string]query.Request, len(keyed))
			for k, q := range keyed {
				queries[k] = query.Raw(q)
			}

			client := query.New(tr, auth.FromEnv(tokenEnvVar))
			tables, err := client.SubmitBatch(cmd.Context(), queries,
				query.WithChunkSize(chunkSize),
				query.WithChunkDelay(chunkDelay),
				query.WithTimeout(timeout),
			)
			if err != nil {
				return err
			}

			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return fmt.Errorf("create output directory: %w", err)
			}
			for k, t := range tables {
				f, err := os.Create(filepath.Join(outDir, k+".csv"))
				if err != nil {
					return fmt.Errorf("create output file for %q: %w", k, err)
				}
				writeErr := t.WriteCSV(f)
				closeErr := f.Close()
				if writeErr != nil {
					return writeErr
				}
				if closeErr != nil {
					return closeErr
				}
			}
			log.Printf("wrote %d result files to %s", len(tables), outDir)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "path to a JSON object of key to query")
	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "directory for per-key CSV files")
	cmd.Flags().IntVar(&chunkSize, "chunk-size", query.DefaultChunkSize, "maximum queries per request chunk")
	cmd.Flags().DurationVar(&chunkDelay, "chunk-delay", 0, "pause between chunk submissions")
	cmd.Flags().DurationVar(&timeout, "timeout", transport.DefaultTimeout, "per-request timeout")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
