package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/pgbarletta/nbval/internal/engine"
	"github.com/pgbarletta/nbval/internal/kernel"
	"github.com/pgbarletta/nbval/internal/notebook"
	"github.com/pgbarletta/nbval/internal/report"
)

// ErrNotSetUp is returned by Item.Run before Suite.Setup succeeded.
var ErrNotSetUp = errors.New("harness: suite has no session; call Setup first")

// Launcher starts the session a suite runs against.
type Launcher interface {
	Launch(ctx context.Context) (kernel.Session, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context) (kernel.Session, error)

// Launch calls f.
func (f LauncherFunc) Launch(ctx context.Context) (kernel.Session, error) {
	return f(ctx)
}

// ClientLauncher starts a kernel.Client over a Conn made by newConn.
func ClientLauncher(newConn func() (kernel.Conn, error), opts ...kernel.ClientOption) Launcher {
	return LauncherFunc(func(ctx context.Context) (kernel.Session, error) {
		conn, err := newConn()
		if err != nil {
			return nil, err
		}
		client := kernel.NewClient(conn, opts...)
		if err := client.Start(ctx); err != nil {
			// Best effort: the kernel may be half started.
			client.Stop(context.WithoutCancel(ctx))
			return nil, err
		}
		return client, nil
	})
}

// Suite is the set of items for one notebook.
type Suite struct {
	nb       *notebook.Notebook
	launcher Launcher
	executor *engine.Executor
	theme    report.Theme
	logger   *slog.Logger

	session kernel.Session
	items   []*Item
}

// Option configures a Suite.
type Option func(*Suite)

// WithExecutor sets the cell executor. The default uses engine defaults.
func WithExecutor(e *engine.Executor) Option {
	return func(s *Suite) {
		s.executor = e
	}
}

// WithTheme sets the theme failure text is rendered with.
// The default is report.PlainTheme.
func WithTheme(t report.Theme) Option {
	return func(s *Suite) {
		s.theme = t
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Suite) {
		s.logger = logger
	}
}

// NewSuite creates a suite for nb. No session is started until Setup.
func NewSuite(nb *notebook.Notebook, launcher Launcher, opts ...Option) *Suite {
	s := &Suite{
		nb:       nb,
		launcher: launcher,
		executor: engine.New(),
		theme:    report.PlainTheme(),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the notebook path.
func (s *Suite) Path() string {
	return s.nb.Path
}

// Collect returns one item per code cell, in document order.
func (s *Suite) Collect() []*Item {
	if s.items != nil {
		return s.items
	}
	cells := s.nb.CodeCells()
	s.items = make([]*Item, len(cells))
	for i, c := range cells {
		s.items[i] = &Item{suite: s, Index: c.Index, Cell: c.Cell}
	}
	return s.items
}

// Setup starts the suite's session. Failure is fatal to the whole suite.
func (s *Suite) Setup(ctx context.Context) error {
	if s.session != nil {
		return fmt.Errorf("harness: suite for %s is already set up", s.nb.Path)
	}
	sess, err := s.launcher.Launch(ctx)
	if err != nil {
		return fmt.Errorf("failed to start kernel session for %s: %w", s.nb.Path, err)
	}
	s.session = sess
	s.logger.Info("session started", "notebook", s.nb.Path)
	return nil
}

// Teardown stops the session. It is a no-op when Setup did not succeed.
func (s *Suite) Teardown(ctx context.Context) error {
	if s.session == nil {
		return nil
	}
	sess := s.session
	s.session = nil
	if err := sess.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop kernel session for %s: %w", s.nb.Path, err)
	}
	s.logger.Info("session stopped", "notebook", s.nb.Path)
	return nil
}

// Session returns the live session, or nil outside Setup/Teardown.
func (s *Suite) Session() kernel.Session {
	return s.session
}

// Run sets up the session, runs every item in order and tears down.
//
// The returned error is non-nil only for suite-level failures: a Setup
// failure returns no result, a Teardown failure is also recorded on the
// result. Cell failures are reported through the result.
func (s *Suite) Run(ctx context.Context) (*Result, error) {
	if err := s.Setup(ctx); err != nil {
		return nil, err
	}

	result := NewResult(s.nb.Path)
	for _, item := range s.Collect() {
		result.AddItem(item.Execute(ctx))
	}

	if err := s.Teardown(context.WithoutCancel(ctx)); err != nil {
		result.AddError(err.Error())
		return result, err
	}
	return result, nil
}

// Item is the test item for one code cell.
type Item struct {
	suite *Suite

	// Index is the cell index within the notebook, counting every cell.
	Index int
	Cell  notebook.Cell
}

// Name returns the item label "cell N: description".
func (it *Item) Name() string {
	return report.Label(it.Index, it.Cell)
}

// Run executes the cell against the suite's session.
func (it *Item) Run(ctx context.Context) (*engine.CellResult, error) {
	sess := it.suite.session
	if sess == nil {
		return nil, ErrNotSetUp
	}
	return it.suite.executor.RunCell(ctx, sess, it.Index, it.Cell)
}

// Execute runs the item and classifies the outcome.
func (it *Item) Execute(ctx context.Context) ItemResult {
	res, err := it.Run(ctx)

	out := ItemResult{
		Index:   it.Index,
		Label:   it.Name(),
		Outcome: Classify(err),
	}
	if res != nil {
		out.State = res.State.String()
		out.Outputs = len(res.Outputs)
	}
	if err != nil {
		out.Failure = it.ReportFailure(err)
	}

	it.suite.logger.Info("cell checked", "cell", it.Index, "outcome", out.Outcome, "state", out.State)
	if out.Outcome == OutcomeError {
		it.suite.logger.Warn("cell errored", "cell", it.Index, "err", err)
	}
	return out
}

// ReportInfo describes the item location: notebook path, line placeholder
// and label.
func (it *Item) ReportInfo() (path string, line int, label string) {
	return it.suite.nb.Path, 0, it.Name()
}

// ReportFailure renders err as failure text.
func (it *Item) ReportFailure(err error) string {
	return report.FailureText(it.suite.theme, it.Index, it.Cell, err)
}

// Classify maps a RunCell error to an outcome.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomePass
	case engine.IsCellFailure(err), engine.IsTimeout(err):
		return OutcomeFail
	default:
		return OutcomeError
	}
}
