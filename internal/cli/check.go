package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/pgbarletta/nbval/internal/config"
	"github.com/pgbarletta/nbval/internal/engine"
	"github.com/pgbarletta/nbval/internal/harness"
	"github.com/pgbarletta/nbval/internal/notebook"
	"github.com/pgbarletta/nbval/internal/report"
)

// CheckOptions holds flags for the check command.
type CheckOptions struct {
	*RootOptions
	StrictCount bool
}

// NewCheckCommand creates the check command.
func NewCheckCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CheckOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "check <notebook.ipynb>...",
		Short: "Re-execute notebooks and compare outputs",
		Long: `Run every code cell of each notebook in a fresh kernel and compare the
produced outputs against the ones stored in the file.

Each notebook gets its own kernel session. A failing cell does not stop
the cells after it.

Exit codes:
  0 - All cells passed
  1 - One or more cells failed
  2 - Command error (bad config, unreadable notebook, kernel session error)

Examples:
  nbval check analysis.ipynb
  nbval check --strict-count notebooks/*.ipynb
  nbval check --format json demo.ipynb > report.json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd.Context(), opts, args, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().BoolVar(&opts.StrictCount, "strict-count", false, "fail cells whose output count differs from the stored one")

	return cmd
}

func runCheck(ctx context.Context, opts *CheckOptions, paths []string, stdout, stderr io.Writer) error {
	c, err := newChecker(opts.RootOptions, opts.StrictCount, stderr)
	if err != nil {
		return err
	}

	results, runErr := c.check(ctx, paths)

	formatter := &OutputFormatter{Format: opts.Format, Writer: stdout, Theme: c.theme}
	if err := formatter.Results(results); err != nil {
		return WrapExitError(ExitCommandError, "failed to write report", err)
	}
	return exitStatus(results, runErr)
}

// checker runs notebooks with one configuration.
type checker struct {
	executor *engine.Executor
	launcher harness.Launcher
	theme    report.Theme
	logger   *slog.Logger
}

func newChecker(opts *RootOptions, strictCount bool, stderr io.Writer) (*checker, error) {
	logger := opts.logger(stderr)

	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if strictCount {
		cfg.StrictCount = true
	}

	executor, err := cfg.Executor(logger)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid config", err)
	}
	launcher, err := opts.launch(cfg, logger)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid kernel transport", err)
	}

	theme := report.ColorTheme()
	if opts.NoColor || opts.Format == "json" {
		theme = report.PlainTheme()
	}

	return &checker{executor: executor, launcher: launcher, theme: theme, logger: logger}, nil
}

// check runs each notebook in turn, one session per notebook. It returns
// one result per path and the first notebook-level error, if any.
func (c *checker) check(ctx context.Context, paths []string) ([]*harness.Result, error) {
	results := make([]*harness.Result, 0, len(paths))
	var firstErr error

	for _, path := range paths {
		result, err := c.checkOne(ctx, path)
		if err != nil {
			c.logger.Error("notebook check aborted", "notebook", path, "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
		results = append(results, result)
	}
	return results, firstErr
}

func (c *checker) checkOne(ctx context.Context, path string) (*harness.Result, error) {
	nb, err := notebook.Load(path)
	if err != nil {
		result := harness.NewResult(path)
		result.AddError(err.Error())
		return result, err
	}

	suite := harness.NewSuite(nb, c.launcher,
		harness.WithExecutor(c.executor),
		harness.WithTheme(c.theme),
		harness.WithLogger(c.logger),
	)
	result, err := suite.Run(ctx)
	if result == nil {
		result = harness.NewResult(path)
		result.AddError(err.Error())
	}
	return result, err
}

// exitStatus maps a check run to the process exit code.
func exitStatus(results []*harness.Result, runErr error) error {
	if runErr != nil {
		return WrapExitError(ExitCommandError, "check aborted", runErr)
	}

	var fail, errored int
	for _, r := range results {
		_, f, e := r.Counts()
		fail += f
		errored += e
	}
	switch {
	case errored > 0:
		return NewExitError(ExitCommandError, fmt.Sprintf("%d cells could not be checked", errored))
	case fail > 0:
		return NewExitError(ExitFailure, fmt.Sprintf("%d cells failed", fail))
	default:
		return nil
	}
}
