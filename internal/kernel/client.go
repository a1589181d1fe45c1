package kernel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// DefaultStartupTimeout bounds the kernel_info handshake.
const DefaultStartupTimeout = 60 * time.Second

// Client implements Session over a Conn.
type Client struct {
	conn     Conn
	ids      IDGenerator
	session  string
	username string
	logger   *slog.Logger

	startupTimeout time.Duration
	startupCode    string

	shell *messageQueue
	iopub *messageQueue

	stopOnce sync.Once
	stopErr  error

	mu      sync.Mutex // guards lostErr
	lostErr error
}

var _ Session = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithIDGenerator sets the generator for msg_id and the session id.
func WithIDGenerator(ids IDGenerator) ClientOption {
	return func(c *Client) {
		c.ids = ids
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithStartupTimeout bounds how long Start and Restart wait for the kernel
// to answer.
func WithStartupTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.startupTimeout = d
	}
}

// WithStartupCode runs code silently after every (re)start, e.g.
// "%matplotlib inline" for kernels that cannot take it on the command line.
func WithStartupCode(code string) ClientOption {
	return func(c *Client) {
		c.startupCode = code
	}
}

// WithUsername sets the username stamped on request headers.
func WithUsername(name string) ClientOption {
	return func(c *Client) {
		c.username = name
	}
}

// NewClient creates a Client over conn. Call Start before use.
func NewClient(conn Conn, opts ...ClientOption) *Client {
	c := &Client{
		conn:           conn,
		ids:            UUIDGenerator{},
		username:       "nbval",
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		startupTimeout: DefaultStartupTimeout,
		shell:          newMessageQueue(),
		iopub:          newMessageQueue(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.session = c.ids.Generate()
	return c
}

// Start opens the transport and waits until the kernel answers.
func (c *Client) Start(ctx context.Context) error {
	if err := c.conn.Open(ctx, c.deliver, c.lose); err != nil {
		return fmt.Errorf("failed to open kernel connection: %w", err)
	}
	if err := c.ready(ctx); err != nil {
		return err
	}
	c.logger.Info("kernel started", "session", c.session)
	return nil
}

// Execute submits code and returns the request id.
func (c *Client) Execute(ctx context.Context, code string) (string, error) {
	return c.execute(ctx, code, false)
}

// ShellMessage waits for the next shell reply.
func (c *Client) ShellMessage(ctx context.Context, timeout time.Duration) (*Message, error) {
	return c.shell.Next(ctx, timeout)
}

// IOPubMessage waits for the next broadcast message.
func (c *Client) IOPubMessage(ctx context.Context, timeout time.Duration) (*Message, error) {
	return c.iopub.Next(ctx, timeout)
}

// Restart reinitializes the kernel and discards anything still queued from
// before the restart.
func (c *Client) Restart(ctx context.Context) error {
	if err := c.Lost(); err != nil {
		return fmt.Errorf("failed to restart kernel: %w", err)
	}
	if err := c.conn.Restart(ctx); err != nil {
		return fmt.Errorf("failed to restart kernel: %w", err)
	}
	dropped := c.shell.Drain() + c.iopub.Drain()
	c.logger.Info("kernel restarted", "session", c.session, "dropped", dropped)
	return c.ready(ctx)
}

// Stop shuts the kernel down. Calling Stop more than once is safe.
func (c *Client) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() {
		c.stopErr = c.conn.Close(ctx)
		c.shell.Close()
		c.iopub.Close()
		c.logger.Info("kernel stopped", "session", c.session)
	})
	return c.stopErr
}

// Lost returns a non-nil error wrapping ErrClosed once the transport
// reported the kernel gone.
func (c *Client) Lost() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lostErr == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrClosed, c.lostErr)
}

// lose records a dead kernel and closes both queues. Messages already
// queued are still handed out; waits after that return ErrClosed.
func (c *Client) lose(err error) {
	c.mu.Lock()
	first := c.lostErr == nil
	if first {
		c.lostErr = err
	}
	c.mu.Unlock()
	if !first {
		return
	}
	c.logger.Error("kernel connection lost", "session", c.session, "err", err)
	c.shell.Close()
	c.iopub.Close()
}

// Session returns the session id stamped on every request.
func (c *Client) Session() string {
	return c.session
}

// deliver routes an inbound message by channel. Called from transport
// goroutines.
func (c *Client) deliver(m *Message) {
	switch m.Channel {
	case ChannelShell:
		c.shell.Enqueue(m)
	case ChannelIOPub:
		c.iopub.Enqueue(m)
	default:
		c.logger.Debug("dropping message", "channel", m.Channel, "msg_type", m.Type())
	}
}

func (c *Client) execute(ctx context.Context, code string, silent bool) (string, error) {
	if err := c.Lost(); err != nil {
		return "", err
	}
	msgID := c.ids.Generate()
	msg, err := NewMessage(MsgExecuteRequest, msgID, c.session, c.username, ExecuteRequest{
		Code:            code,
		Silent:          silent,
		StoreHistory:    !silent,
		UserExpressions: map[string]any{},
		AllowStdin:      false,
		StopOnError:     false,
	})
	if err != nil {
		return "", err
	}
	msg.Channel = ChannelShell

	if err := c.conn.Send(ctx, msg); err != nil {
		return "", fmt.Errorf("failed to send execute_request: %w", err)
	}
	c.logger.Debug("execute_request sent", "msg_id", msgID, "silent", silent)
	return msgID, nil
}

// ready performs the kernel_info handshake and runs the startup code.
func (c *Client) ready(ctx context.Context) error {
	msgID := c.ids.Generate()
	msg, err := NewMessage(MsgKernelInfoRequest, msgID, c.session, c.username, struct{}{})
	if err != nil {
		return err
	}
	msg.Channel = ChannelShell
	if err := c.conn.Send(ctx, msg); err != nil {
		return fmt.Errorf("failed to send kernel_info_request: %w", err)
	}

	reply, err := c.awaitReply(ctx, msgID, c.startupTimeout)
	if err != nil {
		return fmt.Errorf("kernel did not answer kernel_info_request: %w", err)
	}
	var info KernelInfoReply
	if err := reply.Decode(&info); err == nil {
		c.logger.Debug("kernel info",
			"implementation", info.Implementation,
			"version", info.ImplementationVersion,
			"protocol", info.ProtocolVersion,
		)
	}

	if c.startupCode == "" {
		return nil
	}
	execID, err := c.execute(ctx, c.startupCode, true)
	if err != nil {
		return err
	}
	reply, err = c.awaitReply(ctx, execID, c.startupTimeout)
	if err != nil {
		return fmt.Errorf("startup code did not complete: %w", err)
	}
	var result ExecuteReply
	if err := reply.Decode(&result); err != nil {
		return err
	}
	if result.Status != "ok" {
		return fmt.Errorf("startup code failed: %s: %s", result.EName, result.EValue)
	}
	return nil
}

// awaitReply waits for the shell reply to msgID, discarding unrelated
// replies.
func (c *Client) awaitReply(ctx context.Context, msgID string, timeout time.Duration) (*Message, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrTimeout
		}
		m, err := c.shell.Next(ctx, remaining)
		if err != nil {
			return nil, err
		}
		if m.ParentID() == msgID {
			return m, nil
		}
		c.logger.Debug("discarding unrelated shell reply", "msg_type", m.Type(), "parent", m.ParentID())
	}
}

// IsTimeout reports whether err is a receive timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
