package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/pgbarletta/nbval/internal/compare"
	"github.com/pgbarletta/nbval/internal/kernel"
	"github.com/pgbarletta/nbval/internal/notebook"
	"github.com/pgbarletta/nbval/internal/style"
)

// Default timeouts.
const (
	DefaultReplyTimeout = 30 * time.Second
	DefaultIOPubTimeout = 1 * time.Second
)

// Executor runs cells and compares their outputs.
//
// An Executor holds no per-cell state and may be reused across cells and
// notebooks. It is not tied to a session.
type Executor struct {
	replyTimeout time.Duration
	iopubTimeout time.Duration
	comparator   *compare.Comparator
	strictCount  bool
	logger       *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithReplyTimeout bounds the wait for the execute_reply.
func WithReplyTimeout(d time.Duration) Option {
	return func(e *Executor) {
		e.replyTimeout = d
	}
}

// WithIOPubTimeout bounds the wait for each iopub message.
func WithIOPubTimeout(d time.Duration) Option {
	return func(e *Executor) {
		e.iopubTimeout = d
	}
}

// WithComparator replaces the default comparator.
func WithComparator(c *compare.Comparator) Option {
	return func(e *Executor) {
		e.comparator = c
	}
}

// WithStrictCount fails cells whose produced output count differs from the
// recorded count. Off by default: only the common prefix is compared.
func WithStrictCount(strict bool) Option {
	return func(e *Executor) {
		e.strictCount = strict
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		e.logger = logger
	}
}

// New creates an Executor.
func New(opts ...Option) *Executor {
	e := &Executor{
		replyTimeout: DefaultReplyTimeout,
		iopubTimeout: DefaultIOPubTimeout,
		comparator:   compare.New(),
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CellResult records what happened to one cell.
type CellResult struct {
	Index int
	State State

	// MsgID is the execute_request id.
	MsgID string

	// Reply is the retained execute_reply content. Nil on timeout.
	Reply *kernel.ExecuteReply

	// Outputs are the records produced by this run, in arrival order.
	Outputs []notebook.Output
}

// RunCell executes cell on sess and compares its outputs with the recorded
// ones.
//
// The returned result is never nil. The error is nil when the cell passed,
// *CellFailure when outputs differed and *ExecutionError when the kernel
// could not run the cell to the end.
func (e *Executor) RunCell(ctx context.Context, sess kernel.Session, index int, cell notebook.Cell) (*CellResult, error) {
	res := &CellResult{Index: index, State: StateSubmitted}
	log := e.logger.With("cell", index)

	msgID, err := sess.Execute(ctx, cell.Source)
	if err != nil {
		res.State = StateFailed
		return res, &ExecutionError{Code: ErrCodeSubmitFailed, Index: index, Message: "failed to submit cell", Err: err}
	}
	res.MsgID = msgID
	log.Debug("cell submitted", "msg_id", msgID)

	reply, err := e.awaitReply(ctx, sess, msgID)
	if err != nil {
		res.State = StateFailed
		return res, e.executionError(index, "no execute_reply", err)
	}
	res.Reply = reply

	res.State = StateDraining
	outputs, err := e.drain(ctx, sess, msgID, log)
	res.Outputs = outputs
	if err != nil {
		res.State = StateFailed
		return res, e.executionError(index, "iopub failed while draining", err)
	}
	log.Debug("cell drained", "outputs", len(outputs), "status", reply.Status)

	if diff := e.compareOutputs(outputs, cell.Outputs); len(diff) > 0 {
		res.State = StateFailed
		return res, &CellFailure{
			Index:       index,
			Description: cell.Description(),
			Source:      cell.Source,
			Diff:        diff,
		}
	}

	res.State = StateComplete
	return res, nil
}

// awaitReply waits for the execute_reply to msgID. Replies to other
// requests are discarded.
func (e *Executor) awaitReply(ctx context.Context, sess kernel.Session, msgID string) (*kernel.ExecuteReply, error) {
	deadline := time.Now().Add(e.replyTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, kernel.ErrTimeout
		}
		msg, err := sess.ShellMessage(ctx, remaining)
		if err != nil {
			return nil, err
		}
		if msg.ParentID() != msgID || msg.Type() != kernel.MsgExecuteReply {
			e.logger.Debug("discarding shell message", "msg_type", msg.Type(), "parent", msg.ParentID())
			continue
		}
		var reply kernel.ExecuteReply
		if err := msg.Decode(&reply); err != nil {
			return nil, err
		}
		return &reply, nil
	}
}

// drain folds iopub messages for msgID into output records until the
// kernel goes idle for msgID or the iopub timeout fires.
func (e *Executor) drain(ctx context.Context, sess kernel.Session, msgID string, log *slog.Logger) ([]notebook.Output, error) {
	var outputs []notebook.Output
	for {
		msg, err := sess.IOPubMessage(ctx, e.iopubTimeout)
		if kernel.IsTimeout(err) {
			log.Debug("iopub quiet, ending cell")
			return outputs, nil
		}
		if err != nil {
			return outputs, err
		}

		if parent := msg.ParentID(); parent != "" && parent != msgID {
			log.Debug("skipping message for another request", "msg_type", msg.Type(), "parent", parent)
			continue
		}

		switch msg.Type() {
		case kernel.MsgStatus:
			var st kernel.StatusContent
			if err := msg.Decode(&st); err != nil {
				log.Warn("undecodable status", "err", err)
				continue
			}
			if st.ExecutionState == kernel.StateIdle && msg.ParentID() == msgID {
				return outputs, nil
			}

		case kernel.MsgExecuteInput, kernel.MsgLegacyInput:
			// Echo of the submitted code.

		case kernel.MsgClearOutput:
			outputs = outputs[:0]

		default:
			out, ok, err := toOutput(msg)
			if err != nil {
				log.Warn("undecodable output", "msg_type", msg.Type(), "err", err)
				continue
			}
			if !ok {
				log.Warn("unhandled iopub message", "msg_type", msg.Type())
				continue
			}
			outputs = append(outputs, out)
		}
	}
}

// toOutput converts an output-bearing iopub message. ok is false for
// message types that carry no output.
func toOutput(msg *kernel.Message) (notebook.Output, bool, error) {
	switch msg.Type() {
	case kernel.MsgStream:
		var c kernel.StreamContent
		if err := msg.Decode(&c); err != nil {
			return nil, true, err
		}
		return notebook.StreamOutput{Name: c.Name, Text: c.Payload()}, true, nil

	case kernel.MsgDisplayData:
		var c kernel.DisplayContent
		if err := msg.Decode(&c); err != nil {
			return nil, true, err
		}
		return notebook.DisplayOutput{Data: notebook.DataFromMIME(c.Data), Metadata: metadataOf(c)}, true, nil

	case kernel.MsgExecuteResult, kernel.MsgLegacyResult:
		var c kernel.DisplayContent
		if err := msg.Decode(&c); err != nil {
			return nil, true, err
		}
		return notebook.ResultOutput{
			Data:           notebook.DataFromMIME(c.Data),
			Metadata:       metadataOf(c),
			ExecutionCount: c.ExecutionCount,
		}, true, nil

	case kernel.MsgError, kernel.MsgLegacyError:
		var c kernel.ErrorContent
		if err := msg.Decode(&c); err != nil {
			return nil, true, err
		}
		return notebook.ErrorOutput{Name: c.EName, Value: c.EValue, Traceback: c.Traceback}, true, nil
	}
	return nil, false, nil
}

// metadataOf returns the message metadata, never nil, so a stored metadata
// field always finds its produced counterpart.
func metadataOf(c kernel.DisplayContent) map[string]any {
	if c.Metadata == nil {
		return map[string]any{}
	}
	return c.Metadata
}

// compareOutputs pairs produced with recorded outputs and returns the
// accumulated diff of every failing pair. Pairs stop at the shorter list;
// when nothing was produced the first recorded output is compared with an
// empty record.
func (e *Executor) compareOutputs(produced, recorded []notebook.Output) compare.Diff {
	var diff compare.Diff

	if e.strictCount && len(produced) != len(recorded) {
		diff = append(diff,
			compare.Fragment{Style: style.Failure, Text: "output count mismatch:"},
			compare.Fragment{Style: style.Plain, Text: fmt.Sprintf("%d  !=  %d", len(produced), len(recorded))},
		)
	}

	n := min(len(produced), len(recorded))
	if len(produced) == 0 && len(recorded) > 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		var got notebook.Output
		if i < len(produced) {
			got = produced[i]
		}
		if ok, d := e.comparator.Compare(notebook.Fields(got), notebook.Fields(recorded[i])); !ok {
			diff = append(diff, d...)
		}
	}
	return diff
}

func (e *Executor) executionError(index int, message string, err error) error {
	switch {
	case kernel.IsTimeout(err):
		return &ExecutionError{Code: ErrCodeTimeout, Index: index, Message: "execution timed out", Err: err}
	case errors.Is(err, kernel.ErrClosed):
		return &ExecutionError{Code: ErrCodeSessionClosed, Index: index, Message: message, Err: err}
	default:
		return fmt.Errorf("cell %d: %s: %w", index, message, err)
	}
}
