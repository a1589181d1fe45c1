package cli

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

// DefaultDebounce batches the burst of events an editor save produces.
const DefaultDebounce = 500 * time.Millisecond

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	StrictCount bool
	Debounce    time.Duration
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch <notebook.ipynb>",
		Short: "Re-check a notebook every time it is saved",
		Long: `Check the notebook once, then again after every save until interrupted.

Each run starts a fresh kernel session.

Examples:
  nbval watch analysis.ipynb
  nbval watch --debounce 2s analysis.ipynb`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newChecker(opts.RootOptions, opts.StrictCount, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Theme: c.theme}

			w, err := NewWatcher(args[0], func(ctx context.Context) {
				results, err := c.check(ctx, []string{args[0]})
				if err := formatter.Results(results); err != nil {
					c.logger.Error("failed to write report", "err", err)
				}
				if err != nil {
					fmt.Fprintln(cmd.ErrOrStderr(), err)
				}
			}, c.logger)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to watch notebook", err)
			}
			w.Debounce = opts.Debounce
			return w.Watch(cmd.Context())
		},
	}

	cmd.Flags().BoolVar(&opts.StrictCount, "strict-count", false, "fail cells whose output count differs from the stored one")
	cmd.Flags().DurationVar(&opts.Debounce, "debounce", DefaultDebounce, "quiet period after a change before re-checking")

	return cmd
}

// Watcher runs a check whenever a file changes.
//
// The parent directory is watched rather than the file itself, so saves that
// replace the file through a rename are seen too.
type Watcher struct {
	Debounce time.Duration

	path   string
	run    func(ctx context.Context)
	logger *slog.Logger
}

// NewWatcher creates a Watcher for path.
func NewWatcher(path string, run func(ctx context.Context), logger *slog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	return &Watcher{Debounce: DefaultDebounce, path: abs, run: run, logger: logger}, nil
}

// Watch runs once immediately, then after each debounced change, until ctx
// is done.
func (w *Watcher) Watch(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.path), err)
	}

	w.run(ctx)

	timer := time.NewTimer(w.Debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			w.logger.Debug("notebook changed", "path", event.Name, "op", event.Op.String())
			timer.Reset(w.Debounce)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "err", err)

		case <-timer.C:
			w.run(ctx)
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.path {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create) != 0
}
