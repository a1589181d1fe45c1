package testutil

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pgbarletta/nbval/internal/kernel"
)

// NoParent marks a scripted message that must be delivered with an empty
// parent header, as some legacy kernels do.
const NoParent = "<none>"

// Script is the canned kernel behaviour for one Execute call.
//
// Messages whose parent id is empty are stamped with the id of the
// execute_request they answer; messages with an explicit parent id keep it,
// which lets a script inject traffic from other requests.
type Script struct {
	// Reply is the shell reply. Nil means the kernel never replies.
	Reply *kernel.Message

	// IOPub is delivered in order after the reply.
	IOPub []*kernel.Message
}

// ScriptedSession is a kernel.Session that replays scripts instead of
// running code. Waits never block: an empty channel times out at once.
//
// Thread-safety: safe for concurrent use, though sessions are driven from
// one goroutine in practice.
type ScriptedSession struct {
	mu      sync.Mutex
	ids     *SequentialIDGenerator
	scripts []Script

	shell []*kernel.Message
	iopub []*kernel.Message

	// ExecuteErr, if set, is returned by every Execute call.
	ExecuteErr error

	executed []string
	timeouts []time.Duration
	restarts int
	stopped  bool
}

var _ kernel.Session = (*ScriptedSession)(nil)

// NewScriptedSession creates a session that answers the n-th Execute call
// with scripts[n]. Calls beyond the scripts get a bare ok reply and an idle
// status.
func NewScriptedSession(scripts ...Script) *ScriptedSession {
	return &ScriptedSession{
		ids:     NewSequentialIDGenerator("exec"),
		scripts: scripts,
	}
}

// Execute records code and queues the next script's messages.
func (s *ScriptedSession) Execute(_ context.Context, code string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return "", kernel.ErrClosed
	}
	if s.ExecuteErr != nil {
		return "", s.ExecuteErr
	}

	msgID := s.ids.Generate()
	script := Script{Reply: ExecuteReply("ok", len(s.executed)+1), IOPub: []*kernel.Message{Status(kernel.StateIdle)}}
	if len(s.executed) < len(s.scripts) {
		script = s.scripts[len(s.executed)]
	}
	s.executed = append(s.executed, code)

	if script.Reply != nil {
		s.shell = append(s.shell, stamp(script.Reply, msgID, kernel.ChannelShell))
	}
	for _, m := range script.IOPub {
		s.iopub = append(s.iopub, stamp(m, msgID, kernel.ChannelIOPub))
	}
	return msgID, nil
}

// ShellMessage pops the next shell message or times out at once.
func (s *ScriptedSession) ShellMessage(ctx context.Context, timeout time.Duration) (*kernel.Message, error) {
	return s.next(ctx, &s.shell, timeout)
}

// IOPubMessage pops the next iopub message or times out at once.
func (s *ScriptedSession) IOPubMessage(ctx context.Context, timeout time.Duration) (*kernel.Message, error) {
	return s.next(ctx, &s.iopub, timeout)
}

// Restart drops anything queued.
func (s *ScriptedSession) Restart(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restarts++
	s.shell, s.iopub = nil, nil
	return nil
}

// Stop closes the session.
func (s *ScriptedSession) Stop(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}

// Executed returns the submitted sources in order.
func (s *ScriptedSession) Executed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.executed...)
}

// Timeouts returns every timeout the session was asked to wait for.
func (s *ScriptedSession) Timeouts() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.timeouts...)
}

// Restarts returns how many times Restart was called.
func (s *ScriptedSession) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

// Stopped reports whether Stop was called.
func (s *ScriptedSession) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *ScriptedSession) next(ctx context.Context, queue *[]*kernel.Message, timeout time.Duration) (*kernel.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.timeouts = append(s.timeouts, timeout)
	if len(*queue) == 0 {
		if s.stopped {
			return nil, kernel.ErrClosed
		}
		return nil, kernel.ErrTimeout
	}
	m := (*queue)[0]
	*queue = (*queue)[1:]
	return m, nil
}

func stamp(m *kernel.Message, msgID string, ch kernel.Channel) *kernel.Message {
	out := *m
	out.Channel = ch
	switch out.ParentHeader.MsgID {
	case "":
		out.ParentHeader.MsgID = msgID
	case NoParent:
		out.ParentHeader.MsgID = ""
	}
	return &out
}

// ExecuteReply builds an execute_reply.
func ExecuteReply(status string, count int) *kernel.Message {
	return message(kernel.MsgExecuteReply, kernel.ExecuteReply{Status: status, ExecutionCount: count})
}

// Status builds a status message.
func Status(state string) *kernel.Message {
	return message(kernel.MsgStatus, kernel.StatusContent{ExecutionState: state})
}

// Stream builds a stream message.
func Stream(name, text string) *kernel.Message {
	return message(kernel.MsgStream, kernel.StreamContent{Name: name, Text: text})
}

// Display builds a display_data message from a MIME bundle.
func Display(data map[string]any) *kernel.Message {
	return message(kernel.MsgDisplayData, kernel.DisplayContent{Data: data, Metadata: map[string]any{}})
}

// Result builds an execute_result message from a MIME bundle.
func Result(data map[string]any, count int) *kernel.Message {
	return message(kernel.MsgExecuteResult, kernel.DisplayContent{Data: data, Metadata: map[string]any{}, ExecutionCount: &count})
}

// Error builds an error message.
func Error(ename, evalue string, traceback ...string) *kernel.Message {
	return message(kernel.MsgError, kernel.ErrorContent{EName: ename, EValue: evalue, Traceback: traceback})
}

// ClearOutput builds a clear_output message.
func ClearOutput() *kernel.Message {
	return message(kernel.MsgClearOutput, map[string]bool{"wait": false})
}

// Message builds a message of any type with the given content.
func Message(msgType string, content any) *kernel.Message {
	return message(msgType, content)
}

// WithParent sets an explicit parent id on m and returns it.
func WithParent(m *kernel.Message, parent string) *kernel.Message {
	m.ParentHeader.MsgID = parent
	return m
}

func message(msgType string, content any) *kernel.Message {
	body, err := json.Marshal(content)
	if err != nil {
		panic("testutil: cannot encode " + msgType + ": " + err.Error())
	}
	return &kernel.Message{
		Header:   kernel.Header{MsgType: msgType, MsgID: msgType},
		Metadata: map[string]any{},
		Content:  body,
	}
}
