// Command dupscan finds duplicate records in a paged source and reports
// them, checkpointing after every page so an interrupted scan resumes where
// it stopped.
//
//	dupscan run --config pipeline.yaml [--fields a,b] [--min-duplications N]
//	    [--batch-size N] [--limit N] [--offset N] [--report out.json]
//	    [--metrics-backend none|datadog] [--json-logs] [-v]
//	dupscan validate --config pipeline.yaml
//	dupscan probe --config pipeline.yaml [--sample N] [--suggest N]
//
// Exit codes: 0 ok, 1 run failure, 2 usage or configuration error.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"dupscan/internal/config"
	"dupscan/internal/errors"
	"dupscan/internal/logger"
	"dupscan/internal/probe"
	"dupscan/internal/runner"

	// register all backends with the storage factory.
	_ "dupscan/internal/storage/all"
)

// httpTimeout bounds one request of the http and html sources.
const httpTimeout = 2 * time.Minute

const (
	exitOK      = 0
	exitFailure = 1
	exitConfig  = 2
)

// pipelineRunner is the CLI's view of runner.Runner.
type pipelineRunner interface {
	Run(ctx context.Context, p config.Pipeline) (runner.Result, error)
	Probe(ctx context.Context, p config.Pipeline, n int) (probe.Profile, error)
}

// appDeps are the side effects of runMain, replaceable in tests.
type appDeps struct {
	loadConfig  func(v *viper.Viper, path string) (config.Pipeline, error)
	newRunner   func(stdout io.Writer) pipelineRunner
	initMetrics func(ctx context.Context, job, backend, tags string) (func(), error)
	initLogger  func(jsonOutput, verbose bool) error
}

func defaultDeps() appDeps {
	return appDeps{
		loadConfig: config.LoadWithViper,
		newRunner: func(stdout io.Writer) pipelineRunner {
			r := runner.NewDefaultRunner()
			r.Stdout = stdout
			r.HTTPClient = &http.Client{Timeout: httpTimeout}
			return r
		},
		initMetrics: func(ctx context.Context, job, backend, tags string) (func(), error) {
			return runner.SetupMetrics(ctx, job, backend, tags, nil)
		},
		initLogger: logger.Initialize,
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stdout, os.Stderr, defaultDeps())
	stop()
	os.Exit(code)
}

// exitError carries the exit code of a failure that was already reported
// on stderr.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit %d", e.code) }

// runMain executes the CLI and returns the process exit code.
//
// Cobra parse errors (unknown flags or commands) and a missing --config are
// usage errors (exit 2). Nothing is read or initialized before the
// arguments parse.
func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps appDeps) int {
	root := newRootCmd(stdout, stderr, deps)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	fmt.Fprintf(stderr, "%v\n", err)
	return exitConfig
}

func newRootCmd(stdout, stderr io.Writer, deps appDeps) *cobra.Command {
	root := &cobra.Command{
		Use:           "dupscan",
		Short:         "Find duplicate records with checkpointed, resumable batch scans",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newRunCmd(stdout, stderr, deps),
		newValidateCmd(stdout, stderr, deps),
		newProbeCmd(stdout, stderr, deps),
	)
	return root
}

// runFlags maps each override flag to its pipeline key.
var runFlags = map[string]string{
	"fields":           "dedup.fields",
	"min-duplications": "dedup.min_duplications",
	"batch-size":       "runtime.batch_size",
	"limit":            "runtime.limit",
	"offset":           "runtime.offset",
	"report":           "report.path",
	"metrics-backend":  "metrics.backend",
}

func newRunCmd(stdout, stderr io.Writer, deps appDeps) *cobra.Command {
	var (
		cfgPath  string
		jsonLogs bool
		verbose  bool
	)
	cmd := &cobra.Command{
		Use:   "run --config <file>",
		Short: "Scan the configured source and write the duplicates report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(cfgPath) == "" {
				fmt.Fprintln(stderr, "usage: dupscan run --config <file>")
				return &exitError{exitConfig}
			}

			if err := deps.initLogger(jsonLogs, verbose); err != nil {
				fmt.Fprintf(stderr, "init logger: %v\n", err)
				return &exitError{exitFailure}
			}
			defer logger.Cleanup()

			v := config.NewViper()
			if err := bindFlags(v, cmd.Flags()); err != nil {
				fmt.Fprintf(stderr, "bind flags: %v\n", err)
				return &exitError{exitFailure}
			}
			p, err := deps.loadConfig(v, cfgPath)
			if err != nil {
				fmt.Fprintf(stderr, "load config: %v\n", err)
				return &exitError{exitConfig}
			}
			if printIssues(stderr, config.ValidatePipeline(p)) {
				fmt.Fprintf(stderr, "configuration is invalid: %s\n", cfgPath)
				return &exitError{exitConfig}
			}

			cleanup, err := deps.initMetrics(cmd.Context(), p.Job, p.Metrics.Backend, p.Metrics.Tags)
			if err != nil {
				fmt.Fprintf(stderr, "init metrics: %v\n", err)
				return &exitError{codeOf(err)}
			}
			defer cleanup()

			res, err := deps.newRunner(stdout).Run(cmd.Context(), p)
			if err != nil {
				fmt.Fprintf(stderr, "run: %v\n", err)
				for _, h := range errors.GetAllHints(err) {
					fmt.Fprintf(stderr, "hint: %s\n", h)
				}
				return &exitError{codeOf(err)}
			}
			logger.Logger.Infow("run complete",
				"job", p.Job,
				"run_id", res.RunID,
				"resumed", res.Resumed,
				"batches", res.Summary.Batches,
				"scanned", res.Summary.Scanned,
				"emitted", res.Summary.Emitted,
				"groups", res.Report.DuplicateGroups(),
				"duration", res.Summary.Duration,
			)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfgPath, "config", "", "pipeline config file (json, yaml or toml)")
	f.StringSlice("fields", nil, "fields to check for duplicates (overrides dedup.fields)")
	f.Int("min-duplications", config.DefaultMinDuplications, "occurrences at which a value counts as duplicated")
	f.Int("batch-size", config.DefaultBatchSize, "records fetched per page")
	f.Int("limit", 0, "input offset at which the scan stops (0 = whole source)")
	f.Int("offset", 0, "input offset of a fresh run")
	f.String("report", "", "report output path (empty = stdout)")
	f.String("metrics-backend", "", "metrics backend: none or datadog (default $METRICS_BACKEND)")
	f.BoolVar(&jsonLogs, "json-logs", false, "emit JSON log lines")
	f.BoolVarP(&verbose, "verbose", "v", false, "enable debug logs")
	return cmd
}

func newValidateCmd(stdout, stderr io.Writer, deps appDeps) *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "validate --config <file>",
		Short: "Check a pipeline config and list every issue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(cfgPath) == "" {
				fmt.Fprintln(stderr, "usage: dupscan validate --config <file>")
				return &exitError{exitConfig}
			}
			p, err := deps.loadConfig(config.NewViper(), cfgPath)
			if err != nil {
				fmt.Fprintf(stderr, "load config: %v\n", err)
				return &exitError{exitConfig}
			}
			if printIssues(stderr, config.ValidatePipeline(p)) {
				fmt.Fprintf(stderr, "configuration is invalid: %s\n", cfgPath)
				return &exitError{exitFailure}
			}
			fmt.Fprintln(stdout, "ok")
			return nil
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "", "pipeline config file (json, yaml or toml)")
	return cmd
}

func newProbeCmd(stdout, stderr io.Writer, deps appDeps) *cobra.Command {
	var (
		cfgPath string
		sample  int
		suggest int
	)
	cmd := &cobra.Command{
		Use:   "probe --config <file>",
		Short: "Profile a sample of the source and suggest dedup fields",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(cfgPath) == "" {
				fmt.Fprintln(stderr, "usage: dupscan probe --config <file>")
				return &exitError{exitConfig}
			}
			p, err := deps.loadConfig(config.NewViper(), cfgPath)
			if err != nil {
				fmt.Fprintf(stderr, "load config: %v\n", err)
				return &exitError{exitConfig}
			}
			prof, err := deps.newRunner(stdout).Probe(cmd.Context(), p, sample)
			if err != nil {
				fmt.Fprintf(stderr, "probe: %v\n", err)
				return &exitError{codeOf(err)}
			}
			fmt.Fprintln(stdout, prof.Report())
			if fields := probe.Suggest(prof, suggest); len(fields) > 0 {
				fmt.Fprintf(stdout, "suggested fields: %s\n", strings.Join(fields, ","))
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfgPath, "config", "", "pipeline config file; only source and prefilter are used")
	f.IntVar(&sample, "sample", probe.DefaultSampleSize, "records to sample from the start of the source")
	f.IntVar(&suggest, "suggest", 3, "maximum number of suggested fields")
	return cmd
}

// bindFlags lets changed override flags win over the file and environment.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for name, key := range runFlags {
		fl := fs.Lookup(name)
		if fl == nil || !fl.Changed {
			continue
		}
		if err := v.BindPFlag(key, fl); err != nil {
			return err
		}
	}
	return nil
}

// printIssues writes one line per issue and reports whether any is an error.
func printIssues(w io.Writer, issues []config.Issue) bool {
	for _, iss := range issues {
		fmt.Fprintln(w, iss.String())
	}
	return config.HasErrors(issues)
}

func codeOf(err error) int {
	if errors.IsConfiguration(err) {
		return exitConfig
	}
	return exitFailure
}
