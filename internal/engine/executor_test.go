package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgbarletta/nbval/internal/compare"
	"github.com/pgbarletta/nbval/internal/kernel"
	"github.com/pgbarletta/nbval/internal/notebook"
	"github.com/pgbarletta/nbval/internal/testutil"
)

func intPtr(i int) *int { return &i }

func codeCell(source string, outputs ...notebook.Output) notebook.Cell {
	return notebook.Cell{Kind: notebook.CellCode, Source: source, Outputs: outputs}
}

func run(t *testing.T, e *Executor, script testutil.Script, cell notebook.Cell) (*CellResult, *testutil.ScriptedSession, error) {
	t.Helper()
	sess := testutil.NewScriptedSession(script)
	res, err := e.RunCell(context.Background(), sess, 3, cell)
	require.NotNil(t, res)
	return res, sess, err
}

func TestRunCell_PrintHello(t *testing.T) {
	cell := codeCell(`print("hello")`, notebook.StreamOutput{Name: "stdout", Text: "hello\n"})
	script := testutil.Script{
		Reply: testutil.ExecuteReply("ok", 1),
		IOPub: []*kernel.Message{
			testutil.Status(kernel.StateBusy),
			testutil.Message(kernel.MsgExecuteInput, map[string]any{"code": `print("hello")`}),
			testutil.Stream("stdout", "hello\n"),
			testutil.Status(kernel.StateIdle),
		},
	}

	res, sess, err := run(t, New(), script, cell)
	require.NoError(t, err)

	assert.Equal(t, StateComplete, res.State)
	assert.Equal(t, "exec-1", res.MsgID)
	assert.Equal(t, "ok", res.Reply.Status)
	assert.Equal(t, []notebook.Output{notebook.StreamOutput{Name: "stdout", Text: "hello\n"}}, res.Outputs)
	assert.Equal(t, []string{`print("hello")`}, sess.Executed())
}

func TestRunCell_HexAddressSanitized(t *testing.T) {
	cell := codeCell("object()", notebook.ResultOutput{
		Data:           map[string]any{"text": "<object object at 0x7f3a2c0b1e50>"},
		ExecutionCount: intPtr(2),
	})
	script := testutil.Script{
		Reply: testutil.ExecuteReply("ok", 7),
		IOPub: []*kernel.Message{
			testutil.Result(map[string]any{"text/plain": "<object object at 0x10a2b3c4d>"}, 7),
			testutil.Status(kernel.StateIdle),
		},
	}

	res, _, err := run(t, New(), script, cell)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, res.State)

	require.Len(t, res.Outputs, 1)
	result, ok := res.Outputs[0].(notebook.ResultOutput)
	require.True(t, ok)
	assert.Equal(t, 7, *result.ExecutionCount)
}

func TestRunCell_ExtraOutputsNotCompared(t *testing.T) {
	cell := codeCell("f()",
		notebook.StreamOutput{Name: "stdout", Text: "one\n"},
		notebook.StreamOutput{Name: "stdout", Text: "two\n"},
	)
	script := testutil.Script{
		Reply: testutil.ExecuteReply("ok", 1),
		IOPub: []*kernel.Message{
			testutil.Stream("stdout", "one\n"),
			testutil.Stream("stdout", "two\n"),
			testutil.Stream("stdout", "three, never checked\n"),
			testutil.Status(kernel.StateIdle),
		},
	}

	res, _, err := run(t, New(), script, cell)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, res.State)
	assert.Len(t, res.Outputs, 3)
}

func TestRunCell_StrictCount(t *testing.T) {
	cell := codeCell("f()", notebook.StreamOutput{Name: "stdout", Text: "one\n"})
	script := testutil.Script{
		Reply: testutil.ExecuteReply("ok", 1),
		IOPub: []*kernel.Message{
			testutil.Stream("stdout", "one\n"),
			testutil.Stream("stdout", "two\n"),
			testutil.Status(kernel.StateIdle),
		},
	}

	res, _, err := run(t, New(WithStrictCount(true)), script, cell)
	require.Error(t, err)
	assert.Equal(t, StateFailed, res.State)

	var cf *CellFailure
	require.True(t, errors.As(err, &cf))
	assert.Equal(t, []string{"output count mismatch:", "2  !=  1"}, cf.Diff.Lines())
}

func TestRunCell_NoOutputsFailsOnMissingKey(t *testing.T) {
	cell := codeCell(`print("hello")`, notebook.StreamOutput{Name: "stdout", Text: "hello\n"})
	script := testutil.Script{Reply: testutil.ExecuteReply("ok", 1)}

	res, sess, err := run(t, New(), script, cell)
	require.Error(t, err)
	assert.Equal(t, StateFailed, res.State)
	assert.Empty(t, res.Outputs)

	var cf *CellFailure
	require.True(t, errors.As(err, &cf))
	assert.Equal(t, 3, cf.Index)
	assert.Equal(t, `print("hello")`, cf.Description)
	assert.Equal(t, `print("hello")`, cf.Source)
	assert.Equal(t, "missing key output_type:", cf.Diff[0].Text)
	assert.Equal(t, "[]  !=  [output_type stream text]", cf.Diff[1].Text)

	// One reply wait, then a single iopub wait that timed out.
	timeouts := sess.Timeouts()
	require.Len(t, timeouts, 2)
	assert.InDelta(t, float64(DefaultReplyTimeout), float64(timeouts[0]), float64(time.Second))
	assert.Equal(t, DefaultIOPubTimeout, timeouts[1])
}

func TestRunCell_NoOutputsNoReferencePasses(t *testing.T) {
	script := testutil.Script{Reply: testutil.ExecuteReply("ok", 1)}

	res, _, err := run(t, New(), script, codeCell("x = 1"))
	require.NoError(t, err)
	assert.Equal(t, StateComplete, res.State)
}

func TestRunCell_Mismatch(t *testing.T) {
	cell := codeCell("print(1)\nprint(2)", notebook.StreamOutput{Name: "stdout", Text: "1"})
	script := testutil.Script{
		Reply: testutil.ExecuteReply("ok", 1),
		IOPub: []*kernel.Message{
			testutil.Stream("stdout", "2"),
			testutil.Status(kernel.StateIdle),
		},
	}

	_, _, err := run(t, New(), script, cell)

	var cf *CellFailure
	require.True(t, errors.As(err, &cf))
	assert.True(t, IsCellFailure(err))
	assert.False(t, IsTimeout(err))
	assert.Equal(t, "print(1)", cf.Description)
	assert.Equal(t, "mismatch text:\n2\n  !=  \n1", cf.Trail())
	assert.Equal(t, "cell 3: print(1): outputs differ", err.Error())
}

func TestRunCell_AccumulatesEveryFailingPair(t *testing.T) {
	cell := codeCell("f()",
		notebook.StreamOutput{Name: "stdout", Text: "a"},
		notebook.StreamOutput{Name: "stdout", Text: "b"},
	)
	script := testutil.Script{
		Reply: testutil.ExecuteReply("ok", 1),
		IOPub: []*kernel.Message{
			testutil.Stream("stdout", "x"),
			testutil.Stream("stderr", "b"),
			testutil.Status(kernel.StateIdle),
		},
	}

	_, _, err := run(t, New(), script, cell)

	var cf *CellFailure
	require.True(t, errors.As(err, &cf))
	assert.Equal(t, []string{
		"mismatch text:", "x", "  !=  ", "a",
		"mismatch stream:", "stderr", "  !=  ", "stdout",
	}, cf.Diff.Lines())
}

func TestRunCell_Timeout(t *testing.T) {
	cell := codeCell("while True: pass", notebook.StreamOutput{Name: "stdout", Text: "never"})
	script := testutil.Script{Reply: nil}

	res, _, err := run(t, New(WithReplyTimeout(5*time.Second)), script, cell)
	require.Error(t, err)
	assert.Equal(t, StateFailed, res.State)
	assert.Nil(t, res.Reply)
	assert.True(t, IsTimeout(err))

	var ee *ExecutionError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, ErrCodeTimeout, ee.Code)
	assert.Equal(t, 3, ee.Index)
	assert.ErrorIs(t, err, kernel.ErrTimeout)
}

func TestRunCell_SubmitFailed(t *testing.T) {
	sess := testutil.NewScriptedSession()
	sess.ExecuteErr = errors.New("broken pipe")

	res, err := New().RunCell(context.Background(), sess, 0, codeCell("1"))
	require.Error(t, err)
	assert.Equal(t, StateFailed, res.State)

	var ee *ExecutionError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, ErrCodeSubmitFailed, ee.Code)
	assert.Contains(t, err.Error(), "broken pipe")
}

func TestRunCell_SessionClosed(t *testing.T) {
	sess := testutil.NewScriptedSession()
	require.NoError(t, sess.Stop(context.Background()))

	_, err := New().RunCell(context.Background(), sess, 0, codeCell("1"))

	var ee *ExecutionError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, ErrCodeSubmitFailed, ee.Code)
	assert.ErrorIs(t, err, kernel.ErrClosed)
}

// droppingConn answers the kernel_info handshake, then loses the
// connection as soon as a cell is submitted.
type droppingConn struct {
	deliver func(*kernel.Message)
	lost    func(error)
}

func (c *droppingConn) Open(_ context.Context, deliver func(*kernel.Message), lost func(error)) error {
	c.deliver, c.lost = deliver, lost
	return nil
}

func (c *droppingConn) Send(_ context.Context, msg *kernel.Message) error {
	switch msg.Type() {
	case kernel.MsgKernelInfoRequest:
		c.deliver(&kernel.Message{
			Header:       kernel.Header{MsgID: "reply", MsgType: kernel.MsgKernelInfoReply},
			ParentHeader: msg.Header,
			Content:      []byte(`{"status":"ok"}`),
			Channel:      kernel.ChannelShell,
		})
	case kernel.MsgExecuteRequest:
		c.lost(errors.New("kernel process exited"))
	}
	return nil
}

func (c *droppingConn) Restart(context.Context) error { return nil }
func (c *droppingConn) Close(context.Context) error   { return nil }

func TestRunCell_KernelDiesMidCell(t *testing.T) {
	ctx := context.Background()
	client := kernel.NewClient(&droppingConn{})
	require.NoError(t, client.Start(ctx))
	defer client.Stop(ctx)

	res, err := New().RunCell(ctx, client, 4, codeCell("import os; os._exit(1)"))
	require.NotNil(t, res)

	var ee *ExecutionError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, ErrCodeSessionClosed, ee.Code)
	assert.Equal(t, 4, ee.Index)
	assert.ErrorIs(t, err, kernel.ErrClosed)
	assert.False(t, IsCellFailure(err))
}

func TestRunCell_IdleEndsDrain(t *testing.T) {
	cell := codeCell("print('a')", notebook.StreamOutput{Name: "stdout", Text: "a"})
	script := testutil.Script{
		Reply: testutil.ExecuteReply("ok", 1),
		IOPub: []*kernel.Message{
			testutil.Stream("stdout", "a"),
			testutil.Status(kernel.StateIdle),
			testutil.Stream("stdout", "after idle"),
		},
	}

	res, sess, err := run(t, New(), script, cell)
	require.NoError(t, err)
	assert.Len(t, res.Outputs, 1)

	left, err := sess.IOPubMessage(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, kernel.MsgStream, left.Type(), "messages after idle stay queued")
}

func TestRunCell_SkipsOtherRequests(t *testing.T) {
	cell := codeCell("print('mine')", notebook.StreamOutput{Name: "stdout", Text: "mine"})
	script := testutil.Script{
		Reply: testutil.ExecuteReply("ok", 1),
		IOPub: []*kernel.Message{
			testutil.WithParent(testutil.Stream("stdout", "from a background thread"), "exec-0"),
			testutil.WithParent(testutil.Status(kernel.StateIdle), "exec-0"),
			testutil.Stream("stdout", "mine"),
			testutil.Status(kernel.StateIdle),
		},
	}

	res, _, err := run(t, New(), script, cell)
	require.NoError(t, err)
	assert.Equal(t, []notebook.Output{notebook.StreamOutput{Name: "stdout", Text: "mine"}}, res.Outputs)
}

func TestRunCell_SkipsStaleReplies(t *testing.T) {
	sess := testutil.NewScriptedSession(testutil.Script{
		Reply: testutil.ExecuteReply("ok", 1),
		IOPub: []*kernel.Message{testutil.Status(kernel.StateIdle)},
	})
	ctx := context.Background()

	// Leave a stale reply from a previous request at the head of the queue.
	_, err := sess.Execute(ctx, "stale")
	require.NoError(t, err)

	res, err := New().RunCell(ctx, sess, 1, codeCell("pass"))
	require.NoError(t, err)
	assert.Equal(t, "exec-2", res.MsgID)
}

func TestRunCell_UncorrelatedMessagesAccepted(t *testing.T) {
	cell := codeCell("1", notebook.ResultOutput{Data: map[string]any{"text": "1"}})
	script := testutil.Script{
		Reply: testutil.ExecuteReply("ok", 1),
		IOPub: []*kernel.Message{
			testutil.WithParent(testutil.Message(kernel.MsgLegacyResult, map[string]any{
				"data": map[string]any{"text/plain": "1"}, "metadata": map[string]any{},
			}), testutil.NoParent),
			// An uncorrelated idle does not end the cell; the timeout does.
			testutil.WithParent(testutil.Status(kernel.StateIdle), testutil.NoParent),
		},
	}

	res, _, err := run(t, New(), script, cell)
	require.NoError(t, err)
	require.Len(t, res.Outputs, 1)
	assert.IsType(t, notebook.ResultOutput{}, res.Outputs[0])
}

func TestRunCell_StoredOutputWithoutMetadata(t *testing.T) {
	cell := codeCell("fig", notebook.ResultOutput{Data: map[string]any{"text": "<Figure>"}})
	script := testutil.Script{
		Reply: testutil.ExecuteReply("ok", 1),
		IOPub: []*kernel.Message{
			testutil.Message(kernel.MsgExecuteResult, map[string]any{
				"data":     map[string]any{"text/plain": "<Figure>"},
				"metadata": map[string]any{"needs_background": "light"},
			}),
			testutil.Status(kernel.StateIdle),
		},
	}

	res, _, err := run(t, New(), script, cell)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, res.State)
}

func TestRunCell_ProducedWithoutMetadata(t *testing.T) {
	cell := codeCell("1", notebook.ResultOutput{Data: map[string]any{"text": "1"}, Metadata: map[string]any{}})
	script := testutil.Script{
		Reply: testutil.ExecuteReply("ok", 1),
		IOPub: []*kernel.Message{
			testutil.Message(kernel.MsgExecuteResult, map[string]any{"data": map[string]any{"text/plain": "1"}}),
			testutil.Status(kernel.StateIdle),
		},
	}

	res, _, err := run(t, New(), script, cell)
	require.NoError(t, err)
	require.Len(t, res.Outputs, 1)
	assert.Equal(t, map[string]any{}, res.Outputs[0].(notebook.ResultOutput).Metadata)
}

func TestRunCell_ClearOutput(t *testing.T) {
	cell := codeCell("progress()", notebook.StreamOutput{Name: "stdout", Text: "100%"})
	script := testutil.Script{
		Reply: testutil.ExecuteReply("ok", 1),
		IOPub: []*kernel.Message{
			testutil.Stream("stdout", "10%"),
			testutil.ClearOutput(),
			testutil.Stream("stdout", "100%"),
			testutil.Status(kernel.StateIdle),
		},
	}

	res, _, err := run(t, New(), script, cell)
	require.NoError(t, err)
	assert.Equal(t, []notebook.Output{notebook.StreamOutput{Name: "stdout", Text: "100%"}}, res.Outputs)
}

func TestRunCell_ErrorOutputTracebackIgnored(t *testing.T) {
	cell := codeCell("1/0", notebook.ErrorOutput{
		Name:      "ZeroDivisionError",
		Value:     "division by zero",
		Traceback: []string{"old frame"},
	})
	script := testutil.Script{
		Reply: testutil.ExecuteReply("error", 1),
		IOPub: []*kernel.Message{
			testutil.Error("ZeroDivisionError", "division by zero", "new frame 1", "new frame 2"),
			testutil.Status(kernel.StateIdle),
		},
	}

	res, _, err := run(t, New(), script, cell)
	require.NoError(t, err)
	assert.Equal(t, "error", res.Reply.Status)
	assert.Equal(t, notebook.ErrorOutput{
		Name:      "ZeroDivisionError",
		Value:     "division by zero",
		Traceback: []string{"new frame 1", "new frame 2"},
	}, res.Outputs[0])
}

func TestRunCell_DisplayImageIgnored(t *testing.T) {
	cell := codeCell("plot()", notebook.DisplayOutput{
		Data:     map[string]any{"png": "AAAA", "text": "<Figure size 640x480 with 1 Axes>"},
		Metadata: map[string]any{},
	})
	script := testutil.Script{
		Reply: testutil.ExecuteReply("ok", 1),
		IOPub: []*kernel.Message{
			testutil.Display(map[string]any{
				"image/png":  "BBBB",
				"text/plain": "<Figure size 640x480 with 1 Axes>",
			}),
			testutil.Status(kernel.StateIdle),
		},
	}

	res, _, err := run(t, New(), script, cell)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, res.State)
}

func TestRunCell_CustomIgnoreList(t *testing.T) {
	cell := codeCell("plot()", notebook.DisplayOutput{
		Data: map[string]any{"png": "AAAA"},
	})
	script := testutil.Script{
		Reply: testutil.ExecuteReply("ok", 1),
		IOPub: []*kernel.Message{
			testutil.Display(map[string]any{"image/png": "BBBB"}),
			testutil.Status(kernel.StateIdle),
		},
	}

	_, _, err := run(t, New(WithComparator(compare.New(compare.WithIgnore()))), script, cell)
	var cf *CellFailure
	require.True(t, errors.As(err, &cf))
	assert.Equal(t, "mismatch png:", cf.Diff[0].Text)
}

func TestRunCell_UnknownMessageSkipped(t *testing.T) {
	cell := codeCell("widget()", notebook.StreamOutput{Name: "stdout", Text: "ok"})
	script := testutil.Script{
		Reply: testutil.ExecuteReply("ok", 1),
		IOPub: []*kernel.Message{
			testutil.Message("comm_open", map[string]any{"comm_id": "c1"}),
			testutil.Stream("stdout", "ok"),
			testutil.Status(kernel.StateIdle),
		},
	}

	res, _, err := run(t, New(), script, cell)
	require.NoError(t, err)
	assert.Len(t, res.Outputs, 1)
}

func TestRunCell_ContextCancelled(t *testing.T) {
	sess := testutil.NewScriptedSession(testutil.Script{Reply: testutil.ExecuteReply("ok", 1)})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := New().RunCell(ctx, sess, 0, codeCell("1"))
	require.Error(t, err)
	assert.Equal(t, StateFailed, res.State)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunCell_CustomTimeouts(t *testing.T) {
	script := testutil.Script{Reply: testutil.ExecuteReply("ok", 1)}
	e := New(WithReplyTimeout(10*time.Second), WithIOPubTimeout(250*time.Millisecond))

	_, sess, err := run(t, e, script, codeCell("pass"))
	require.NoError(t, err)
	timeouts := sess.Timeouts()
	require.Len(t, timeouts, 2)
	assert.InDelta(t, float64(10*time.Second), float64(timeouts[0]), float64(time.Second))
	assert.Equal(t, 250*time.Millisecond, timeouts[1])
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "SUBMITTED", StateSubmitted.String())
	assert.Equal(t, "DRAINING", StateDraining.String())
	assert.Equal(t, "COMPLETE", StateComplete.String())
	assert.Equal(t, "FAILED", StateFailed.String())
	assert.Equal(t, "UNKNOWN", State(42).String())

	assert.False(t, StateDraining.Terminal())
	assert.True(t, StateFailed.Terminal())
}
