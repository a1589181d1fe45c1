package kernel

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTimeout is returned when no message arrives within the wait.
	ErrTimeout = errors.New("kernel: timed out waiting for message")

	// ErrClosed is returned once the session has been stopped or the
	// connection to the kernel was lost.
	ErrClosed = errors.New("kernel: session closed")
)

// Session is a handle on one live kernel.
//
// Session is not safe for concurrent use: callers submit one piece of code
// and consume its messages before submitting the next.
type Session interface {
	// Execute submits code on the shell channel and returns the request's
	// msg_id.
	Execute(ctx context.Context, code string) (string, error)

	// ShellMessage waits up to timeout for the next shell reply.
	ShellMessage(ctx context.Context, timeout time.Duration) (*Message, error)

	// IOPubMessage waits up to timeout for the next broadcast message.
	IOPubMessage(ctx context.Context, timeout time.Duration) (*Message, error)

	// Restart reinitializes the interpreter. The handle stays valid.
	Restart(ctx context.Context) error

	// Stop shuts the kernel down and releases the transport.
	Stop(ctx context.Context) error
}

// Conn is the transport underneath a Client.
type Conn interface {
	// Open connects to the kernel and starts handing every inbound message
	// to deliver, with Message.Channel set. lost is called at most once per
	// Open or Restart when the kernel dies or the connection drops without
	// Close or Restart having been called. Both may be called from transport
	// goroutines until Close returns.
	Open(ctx context.Context, deliver func(*Message), lost func(error)) error

	// Send writes msg on msg.Channel.
	Send(ctx context.Context, msg *Message) error

	// Restart reinitializes the kernel without invalidating the Conn.
	Restart(ctx context.Context) error

	// Close shuts the kernel down and stops delivery.
	Close(ctx context.Context) error
}
