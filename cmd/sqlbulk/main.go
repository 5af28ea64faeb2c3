// Command sqlbulk applies set-based writes (insert, update, upsert, delete and
// their filtered forms) to SQL Server tables from CSV/JSON files or query
// results, as described by a job file.
//
//	sqlbulk validate --config jobs/books.yaml
//	sqlbulk plan     --config jobs/books.yaml
//	sqlbulk apply    --config jobs/books.yaml --metrics-backend datadog
//	sqlbulk probe    data/books.csv --table dbo.Books > jobs/books.json
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"sqlbulk/internal/config"
	"sqlbulk/internal/job"
	"sqlbulk/internal/probe"

	// Register the target engine and every record source.
	_ "sqlbulk/internal/source/postgres"
	_ "sqlbulk/internal/source/sqlite"
	_ "sqlbulk/internal/storage/mssql"
)

// jobRunner is the part of *job.Runner the CLI drives.
type jobRunner interface {
	Run(ctx context.Context, j config.Job) (job.Summary, error)
	Plan(ctx context.Context, j config.Job, w io.Writer) error
}

// Seams for tests.
var (
	newRunner = func(log zerolog.Logger) jobRunner { return job.NewDefaultRunner(log) }
	loadJob   = config.Load
)

type globalFlags struct {
	config         string
	verbose        bool
	metricsBackend string
	metricsTags    string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes the CLI and returns the process exit code: 0 on success,
// 1 on failure, 2 on usage errors.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root, usageErr := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		if *usageErr {
			return 2
		}
		return 1
	}
	return 0
}

func newRootCmd(stdout, stderr io.Writer) (*cobra.Command, *bool) {
	var g globalFlags
	usageErr := new(bool)

	root := &cobra.Command{
		Use:           "sqlbulk",
		Short:         "Set-based bulk writes into SQL Server through staging tables and MERGE",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		*usageErr = true
		return err
	})

	pf := root.PersistentFlags()
	pf.StringVarP(&g.config, "config", "c", "", "job file (JSON or YAML)")
	pf.BoolVarP(&g.verbose, "verbose", "v", false, "debug logging")
	pf.StringVar(&g.metricsBackend, "metrics-backend", "none", "metrics backend (none|datadog)")
	pf.StringVar(&g.metricsTags, "metrics-tags", os.Getenv("METRICS_TAGS"), "extra comma-separated metric tags")

	// load reads and validates the job file, printing every issue.
	load := func(c *cobra.Command) (config.Job, zerolog.Logger, error) {
		log := newLogger(stderr, g.verbose)
		if g.config == "" {
			*usageErr = true
			return config.Job{}, log, fmt.Errorf("--config is required")
		}
		j, err := loadJob(g.config)
		if err != nil {
			return j, log, err
		}
		issues := config.ValidateJob(j)
		for _, iss := range issues {
			fmt.Fprintln(c.ErrOrStderr(), iss.String())
		}
		if config.HasErrors(issues) {
			return j, log, fmt.Errorf("configuration is invalid: %s", g.config)
		}
		return j, log, nil
	}

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Check a job file without touching any database",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			if _, _, err := load(c); err != nil {
				return err
			}
			fmt.Fprintf(c.OutOrStdout(), "configuration is valid: %s\n", g.config)
			return nil
		},
	}

	plan := &cobra.Command{
		Use:   "plan",
		Short: "Print the statements the first commit would run",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			j, log, err := load(c)
			if err != nil {
				return err
			}
			return newRunner(log).Plan(c.Context(), j, c.OutOrStdout())
		},
	}

	apply := &cobra.Command{
		Use:   "apply",
		Short: "Run the job",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			j, log, err := load(c)
			if err != nil {
				return err
			}

			cleanup, err := initMetrics(c.Context(), log, j.Name, g.metricsBackend, g.metricsTags)
			defer cleanup()
			if err != nil {
				*usageErr = true
				return err
			}

			sum, err := newRunner(log).Run(c.Context(), j)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.OutOrStdout(), "%s: %d records, %d commits, %d rows affected, %d identities in %s\n",
				j.Name, sum.Records, sum.Commits, sum.Rows, sum.Identities, sum.Elapsed.Round(time.Millisecond))
			return nil
		},
	}

	var po probe.Options
	var comma string
	probeCmd := &cobra.Command{
		Use:   "probe FILE",
		Short: "Sample a CSV or JSON file and print a draft job for it",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			po.Path = args[0]
			if comma != "" {
				po.Comma = config.Options{"comma": comma}.Rune("comma", ',')
			}
			res, err := probe.Probe(po)
			if err != nil {
				return err
			}
			b, err := res.JSON()
			if err != nil {
				return err
			}
			fmt.Fprint(c.ErrOrStderr(), res.Report())
			_, err = c.OutOrStdout().Write(b)
			return err
		},
	}
	probeCmd.Flags().StringVar(&po.Format, "format", "", "csv or json (default: from the file extension)")
	probeCmd.Flags().StringVar(&comma, "comma", "", `CSV delimiter ("\t" for tab)`)
	probeCmd.Flags().StringVar(&po.Table, "table", "", "target table (default: file base name)")
	probeCmd.Flags().StringVar(&po.Kind, "kind", "upsert", "operation kind to draft")
	probeCmd.Flags().IntVar(&po.SampleRows, "sample", probe.DefaultSampleRows, "records to sample")

	root.AddCommand(validate, plan, apply, probeCmd)
	return root, usageErr
}

func newLogger(w io.Writer, verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
