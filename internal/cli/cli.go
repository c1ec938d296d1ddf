// ============================================================================
// jobtrack CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra front end over the job, script, tracker and accounting packages
//
// Command Structure:
//   jobtrack                          # Root command
//   ├── submit <script>               # Submit a script to the scheduler
//   │   ├── --wait                    # Block until terminal
//   │   └── --array                   # Wait on every array member
//   ├── status <id>...                # Poll once and print statuses
//   ├── wait <id>                     # Block until one job is terminal
//   │   └── --timeout                 # Optional upper bound
//   ├── wait-all <array-id>           # Block until every member is terminal
//   ├── script -- <cmd>...            # Write a submission script
//   ├── queue                         # Count the user's queued jobs
//   ├── run -- <cmd>...               # Run a local process job
//   ├── --config, -c                  # Config file (YAML)
//   └── --version
//
// Signal Handling:
//   SIGINT / SIGTERM cancel the command context, which stops any polling
//   loop at its next sleep or query.
//
// Metrics:
//   No port is opened. When metrics.textfile is set, the collector is written
//   there after every command, including failed ones, in Prometheus text
//   format.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"os/user"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ChuLiYu/jobtrack/internal/accounting"
	"github.com/ChuLiYu/jobtrack/internal/clock"
	"github.com/ChuLiYu/jobtrack/internal/config"
	"github.com/ChuLiYu/jobtrack/internal/job"
	"github.com/ChuLiYu/jobtrack/internal/metrics"
	"github.com/ChuLiYu/jobtrack/internal/observability"
	"github.com/ChuLiYu/jobtrack/internal/runner"
	"github.com/ChuLiYu/jobtrack/internal/script"
	"github.com/ChuLiYu/jobtrack/internal/tracker"
	"github.com/ChuLiYu/jobtrack/pkg/types"
)

// Version is set at build time.
var Version = "dev"

// Deps are the external capabilities commands use. Tests replace them.
type Deps struct {
	Runner  runner.Runner
	Spawner runner.Spawner
	Clock   clock.Clock
}

// DefaultDeps runs real processes on the wall clock.
func DefaultDeps() Deps {
	return Deps{
		Runner:  runner.NewExecRunner(),
		Spawner: runner.NewExecSpawner(),
		Clock:   clock.Real{},
	}
}

type app struct {
	deps       Deps
	configFile string
	cfg        *config.Config
	metrics    *metrics.Collector
	reporter   *accounting.Reporter
}

// BuildCLI builds the root command with real dependencies.
func BuildCLI() *cobra.Command {
	return BuildCLIWith(DefaultDeps())
}

// BuildCLIWith builds the root command on deps.
func BuildCLIWith(deps Deps) *cobra.Command {
	a := &app{deps: deps}

	rootCmd := &cobra.Command{
		Use:   "jobtrack",
		Short: "jobtrack: submit and track batch scheduler jobs",
		Long: `jobtrack submits work to a batch scheduler (SLURM or LSF style) or to a
local process and follows it to a terminal state:
- submission scripts with per-dialect directives
- polling with bounded retry while accounting catches up
- array jobs tracked member by member`,
		Version:           Version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}

	rootCmd.PersistentFlags().StringVarP(&a.configFile, "config", "c", "", "config file path (YAML)")

	rootCmd.AddCommand(a.buildSubmitCommand())
	rootCmd.AddCommand(a.buildStatusCommand())
	rootCmd.AddCommand(a.buildWaitCommand())
	rootCmd.AddCommand(a.buildWaitAllCommand())
	rootCmd.AddCommand(a.buildScriptCommand())
	rootCmd.AddCommand(a.buildQueueCommand())
	rootCmd.AddCommand(a.buildRunCommand())

	// the textfile is exported even when RunE fails
	for _, c := range rootCmd.Commands() {
		c.RunE = a.withMetricsExport(c.RunE)
	}

	return rootCmd
}

// Execute runs the CLI with signal-aware cancellation.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return BuildCLI().ExecuteContext(ctx)
}

func (a *app) setup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(a.configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	a.cfg = cfg

	if err := observability.Init(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return err
	}
	a.metrics = metrics.NewCollector()
	a.reporter = accounting.NewReporter(a.deps.Runner,
		accounting.WithTool(cfg.Scheduler.AccountingTool),
		accounting.WithRetryPolicy(accounting.RetryPolicy{
			Retries: cfg.Polling.RetryAttempts,
			Delay:   cfg.Polling.RetryDelay,
		}),
		accounting.WithClock(a.deps.Clock),
		accounting.WithRateLimit(cfg.Polling.QueriesPerSecond),
		accounting.WithLogger(observability.CLILogger),
		accounting.WithMetrics(a.metrics),
	)
	return nil
}

// withMetricsExport writes the textfile after run returns, failed or not.
// A run error takes precedence over an export error.
func (a *app) withMetricsExport(run func(*cobra.Command, []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := run(cmd, args)
		if exportErr := a.exportMetrics(); exportErr != nil {
			if err != nil {
				observability.CLILogger.Warn("Metrics export failed", zap.Error(exportErr))
				return err
			}
			return exportErr
		}
		return err
	}
}

func (a *app) exportMetrics() error {
	if a.cfg == nil || a.cfg.Metrics.Textfile == "" {
		return nil
	}
	if err := a.metrics.WriteTextfile(a.cfg.Metrics.Textfile); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}

func (a *app) newJob() *job.SchedulerJob {
	return job.NewSchedulerJob(a.deps.Runner,
		job.WithReporter(a.reporter),
		job.WithClock(a.deps.Clock),
		job.WithLogger(observability.CLILogger),
		job.WithMetrics(a.metrics),
		job.WithSettleDelay(a.cfg.Polling.SettleDelay),
		job.WithMaxConcurrentPolls(a.cfg.Polling.MaxConcurrentPolls),
	)
}

func (a *app) attach(id string) (*job.SchedulerJob, error) {
	j := a.newJob()
	if err := j.Attach(types.JobID(id)); err != nil {
		return nil, err
	}
	return j, nil
}

// ============================================================================
// submit
// ============================================================================

func (a *app) buildSubmitCommand() *cobra.Command {
	var wait, array bool

	cmd := &cobra.Command{
		Use:   "submit <script>",
		Short: "Submit a script to the scheduler",
		Long:  "Run the configured submit tool on a script and print the job id. With --wait, block until the job is terminal.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			j := a.newJob()
			command := a.cfg.SubmitCommand() + " " + args[0]
			if err := j.Submit(cmd.Context(), command); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), j.ID())

			switch {
			case array:
				statuses, err := j.WaitAll(cmd.Context(), a.cfg.Polling.Interval)
				if err != nil {
					return err
				}
				return printStatuses(cmd.OutOrStdout(), statuses)
			case wait:
				if err := j.Wait(cmd.Context(), a.cfg.Polling.Interval); err != nil {
					return err
				}
				return printFinal(cmd.OutOrStdout(), j.ID(), j.CachedStatus())
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait until the job is terminal")
	cmd.Flags().BoolVar(&array, "array", false, "wait until every array member is terminal")
	return cmd
}

// ============================================================================
// status
// ============================================================================

func (a *app) buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <id>...",
		Short: "Show job status",
		Long:  "Poll each job once and print its status, followed by per-status totals",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tr := tracker.New(
				tracker.WithConcurrency(a.cfg.Polling.MaxConcurrentPolls),
				tracker.WithClock(a.deps.Clock),
				tracker.WithLogger(observability.CLILogger),
				tracker.WithMetrics(a.metrics),
			)
			for _, id := range args {
				j, err := a.attach(id)
				if err != nil {
					return err
				}
				if err := tr.Add(j); err != nil {
					return err
				}
			}

			errs := tr.Refresh(cmd.Context())

			out := cmd.OutOrStdout()
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "JOBID\tSTATUS")
			for _, id := range tr.IDs() {
				info, _ := tr.Get(id)
				status := string(info.Status)
				if err := errs[id]; err != nil {
					status = "ERROR: " + err.Error()
				}
				fmt.Fprintf(w, "%s\t%s\n", id, status)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			printStats(out, tr.Stats())
			if len(errs) > 0 {
				return fmt.Errorf("%d of %d jobs could not be queried", len(errs), len(args))
			}
			return nil
		},
	}
	return cmd
}

// ============================================================================
// wait / wait-all
// ============================================================================

func (a *app) buildWaitCommand() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "wait <id>",
		Short: "Wait until a job is terminal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd.Context(), timeout)
			defer cancel()

			j, err := a.attach(args[0])
			if err != nil {
				return err
			}
			if err := j.Wait(ctx, a.cfg.Polling.Interval); err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					return fmt.Errorf("job %s still %s after %s: %w", j.ID(), j.CachedStatus(), timeout, err)
				}
				return err
			}
			if err := printFinal(cmd.OutOrStdout(), j.ID(), j.CachedStatus()); err != nil {
				return err
			}
			if j.Failed() {
				return fmt.Errorf("job %s ended %s", j.ID(), j.CachedStatus())
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up after this long (0 waits forever)")
	return cmd
}

func (a *app) buildWaitAllCommand() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "wait-all <array-id>",
		Short: "Wait until every member of an array job is terminal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd.Context(), timeout)
			defer cancel()

			j, err := a.attach(args[0])
			if err != nil {
				return err
			}
			statuses, err := j.WaitAll(ctx, a.cfg.Polling.Interval)
			if err != nil {
				return err
			}
			return printStatuses(cmd.OutOrStdout(), statuses)
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up after this long (0 waits forever)")
	return cmd
}

// ============================================================================
// script
// ============================================================================

func (a *app) buildScriptCommand() *cobra.Command {
	var name, array, dialect, out string
	var settings []string

	cmd := &cobra.Command{
		Use:   "script [flags] -- <command>...",
		Short: "Write a submission script",
		Long: `Write a submission script with the dialect's default directives.
Each argument after -- becomes one line of the script body.

  jobtrack script --name train --array 1-5 -- "python train.py"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if dialect == "" {
				dialect = a.cfg.Scheduler.Dialect
			}
			d, err := script.Lookup(dialect)
			if err != nil {
				return err
			}

			b := script.NewBuilder(d, observability.CLILogger)
			b.Shell = a.cfg.Script.Shell
			if name != "" {
				b.Settings.Set(d.NameKey, name)
			}
			if array != "" {
				if d.ArrayKey == "" {
					return fmt.Errorf("dialect %s has no array directive", d.Name)
				}
				b.Settings.Set(d.ArrayKey, array)
			}
			for _, kv := range settings {
				key, value, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("invalid --set %q: want key=value", kv)
				}
				if value == "" {
					b.Settings.Unset(key)
					continue
				}
				b.Settings.Set(key, value)
			}
			b.AddCommand(args...)

			path := out
			if path == "" {
				path = script.NewPath(a.cfg.Script.Dir)
			}
			if err := b.Write(path); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "job name")
	cmd.Flags().StringVar(&array, "array", "", "array range, e.g. 1-5")
	cmd.Flags().StringVar(&dialect, "dialect", "", "scheduler dialect (slurm, lsf); defaults to config")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output path; defaults to a new file in script.dir")
	cmd.Flags().StringArrayVar(&settings, "set", nil, "directive override key=value; empty value removes it")
	return cmd
}

// ============================================================================
// queue
// ============================================================================

func (a *app) buildQueueCommand() *cobra.Command {
	var username string

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Count the user's jobs in the scheduler queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if username == "" {
				u, err := user.Current()
				if err != nil {
					return fmt.Errorf("failed to look up current user: %w", err)
				}
				username = u.Username
			}
			n, err := accounting.QueueDepth(cmd.Context(), a.deps.Runner, a.cfg.Scheduler.QueueTool, username)
			if err != nil {
				return err
			}
			observability.CLILogger.Debug("Queue depth", zap.String("user", username), zap.Int("lines", n))
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		},
	}

	cmd.Flags().StringVarP(&username, "user", "u", "", "user name; defaults to the current user")
	return cmd
}

// ============================================================================
// run
// ============================================================================

func (a *app) buildRunCommand() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "run -- <command>...",
		Short: "Run a command as a local process job",
		Long:  "Start the command without a scheduler and poll it until it exits",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd.Context(), timeout)
			defer cancel()

			j := job.NewLocalProcessJob(a.deps.Spawner,
				job.WithLocalClock(a.deps.Clock),
				job.WithLocalLogger(observability.CLILogger),
				job.WithLocalMetrics(a.metrics),
			)
			if err := j.Submit(ctx, strings.Join(args, " ")); err != nil {
				return err
			}
			if err := j.Wait(ctx, a.cfg.Polling.Interval); err != nil {
				if killErr := j.Kill(); killErr != nil {
					observability.CLILogger.Warn("Failed to kill local process", zap.Error(killErr))
				}
				return err
			}
			if err := printFinal(cmd.OutOrStdout(), j.ID(), j.CachedStatus()); err != nil {
				return err
			}
			if j.Failed() {
				return fmt.Errorf("local job exited with code %d", j.ExitCode())
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "kill the process after this long (0 waits forever)")
	return cmd
}

// ============================================================================
// output helpers
// ============================================================================

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func printFinal(out io.Writer, id types.JobID, status types.Status) error {
	_, err := fmt.Fprintf(out, "%s %s\n", id, status)
	return err
}

func printStatuses(out io.Writer, statuses map[types.JobID]types.Status) error {
	ids := make([]types.JobID, 0, len(statuses))
	for id := range statuses {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "JOBID\tSTATUS")
	failed := 0
	for _, id := range ids {
		fmt.Fprintf(w, "%s\t%s\n", id, statuses[id])
		if statuses[id].IsFailure() {
			failed++
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d jobs failed", failed, len(ids))
	}
	return nil
}

func printStats(out io.Writer, stats map[types.Status]int) {
	statuses := make([]types.Status, 0, len(stats))
	for s := range stats {
		statuses = append(statuses, s)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i] < statuses[j] })

	fmt.Fprintln(out)
	for i, s := range statuses {
		branch := "├─"
		if i == len(statuses)-1 {
			branch = "└─"
		}
		fmt.Fprintf(out, "  %s %-12s %d\n", branch, s, stats[s])
	}
}

// ExitCode maps an error to a process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if errors.Is(err, context.Canceled) {
		return 130
	}
	return 1
}

// Main runs the CLI and exits.
func Main() {
	err := Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(ExitCode(err))
}
