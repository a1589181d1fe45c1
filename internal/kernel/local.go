package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ConnectionFilePlaceholder is replaced in LocalConfig.Argv by the path of
// the generated connection file.
const ConnectionFilePlaceholder = "{connection_file}"

// DefaultArgv starts an IPython kernel with inline plotting.
var DefaultArgv = []string{
	"python3", "-m", "ipykernel_launcher",
	"-f", ConnectionFilePlaceholder,
	"--matplotlib=inline",
}

// DefaultShutdownTimeout bounds how long Close and Restart wait for the
// kernel process to exit after a shutdown_request before killing it.
const DefaultShutdownTimeout = 5 * time.Second

// ConnectionInfo is the JSON connection file handed to the kernel.
type ConnectionInfo struct {
	IP              string `json:"ip"`
	Transport       string `json:"transport"`
	ShellPort       int    `json:"shell_port"`
	IOPubPort       int    `json:"iopub_port"`
	StdinPort       int    `json:"stdin_port"`
	ControlPort     int    `json:"control_port"`
	HBPort          int    `json:"hb_port"`
	Key             string `json:"key"`
	SignatureScheme string `json:"signature_scheme"`
	KernelName      string `json:"kernel_name,omitempty"`
}

func (ci ConnectionInfo) endpoint(port int) string {
	return fmt.Sprintf("%s://%s:%d", ci.Transport, ci.IP, port)
}

// LocalConfig configures a LocalConn.
type LocalConfig struct {
	// Argv is the kernel command line. Defaults to DefaultArgv.
	Argv []string

	// KernelName is recorded in the connection file.
	KernelName string

	// IP the kernel binds to. Defaults to 127.0.0.1.
	IP string

	// ShutdownTimeout defaults to DefaultShutdownTimeout.
	ShutdownTimeout time.Duration

	// StartupTimeout bounds how long Open waits for the kernel to bind its
	// ports. Defaults to DefaultStartupTimeout.
	StartupTimeout time.Duration

	// Logger defaults to discarding.
	Logger *slog.Logger
}

// LocalConn launches a kernel process and talks to it over ZeroMQ.
//
// The kernel's stdout and stderr are discarded; everything the checker
// needs arrives on iopub.
type LocalConn struct {
	cfg      LocalConfig
	logger   *slog.Logger
	info     ConnectionInfo
	connFile string
	sign     signer
	session  string
	deliver  func(*Message)
	lost     func(error)

	cmd    *exec.Cmd
	exited chan struct{}

	mu      sync.Mutex // guards sockets for Send
	shell   zmq4.Socket
	control zmq4.Socket
	iopub   zmq4.Socket
	cancel  context.CancelFunc
	group   *errgroup.Group
	closing bool
}

var _ Conn = (*LocalConn)(nil)

// NewLocalConn creates an unopened LocalConn.
func NewLocalConn(cfg LocalConfig) *LocalConn {
	if len(cfg.Argv) == 0 {
		cfg.Argv = DefaultArgv
	}
	if cfg.IP == "" {
		cfg.IP = "127.0.0.1"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = DefaultStartupTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &LocalConn{cfg: cfg, logger: logger, session: uuid.NewString()}
}

// Open writes a connection file, launches the kernel and dials its sockets.
func (c *LocalConn) Open(ctx context.Context, deliver func(*Message), lost func(error)) error {
	c.deliver = deliver
	c.lost = lost

	ports, err := freePorts(c.cfg.IP, 5)
	if err != nil {
		return fmt.Errorf("failed to allocate kernel ports: %w", err)
	}
	c.info = ConnectionInfo{
		IP:              c.cfg.IP,
		Transport:       "tcp",
		ShellPort:       ports[0],
		IOPubPort:       ports[1],
		StdinPort:       ports[2],
		ControlPort:     ports[3],
		HBPort:          ports[4],
		Key:             uuid.NewString(),
		SignatureScheme: "hmac-sha256",
		KernelName:      c.cfg.KernelName,
	}
	c.sign = signer{key: []byte(c.info.Key)}

	if err := c.writeConnectionFile(); err != nil {
		return err
	}
	if err := c.launch(); err != nil {
		os.Remove(c.connFile)
		return err
	}
	if err := c.dial(ctx); err != nil {
		c.kill()
		os.Remove(c.connFile)
		return err
	}
	return nil
}

// Send signs and writes msg on its channel's socket.
func (c *LocalConn) Send(ctx context.Context, msg *Message) error {
	frames, err := encodeFrames(msg, c.sign)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var sock zmq4.Socket
	switch msg.Channel {
	case ChannelShell:
		sock = c.shell
	case ChannelControl:
		sock = c.control
	default:
		return fmt.Errorf("cannot send on channel %q", msg.Channel)
	}
	if sock == nil {
		return ErrClosed
	}
	return sock.SendMulti(zmq4.NewMsgFrom(frames...))
}

// Restart asks the kernel to shut down for restart, relaunches it on the
// same ports and re-dials the sockets.
func (c *LocalConn) Restart(ctx context.Context) error {
	c.markClosing()
	c.shutdown(ctx, true)
	c.closeSockets()
	if err := c.launch(); err != nil {
		return err
	}
	return c.dial(ctx)
}

// Close shuts the kernel down, kills it if it does not exit in time and
// removes the connection file.
func (c *LocalConn) Close(ctx context.Context) error {
	c.markClosing()
	c.shutdown(ctx, false)
	c.closeSockets()

	var errs []error
	if c.connFile != "" {
		if err := os.Remove(c.connFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove connection file: %w", err))
		}
	}
	return errors.Join(errs...)
}

// ConnectionFile returns the path of the connection file.
func (c *LocalConn) ConnectionFile() string {
	return c.connFile
}

func (c *LocalConn) writeConnectionFile() error {
	data, err := json.MarshalIndent(c.info, "", "  ")
	if err != nil {
		return fmt.Errorf("encode connection file: %w", err)
	}
	f, err := os.CreateTemp("", "nbval-kernel-*.json")
	if err != nil {
		return fmt.Errorf("create connection file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write connection file: %w", err)
	}
	c.connFile = f.Name()
	return nil
}

func (c *LocalConn) launch() error {
	argv := make([]string, len(c.cfg.Argv))
	for i, arg := range c.cfg.Argv {
		argv[i] = strings.ReplaceAll(arg, ConnectionFilePlaceholder, c.connFile)
	}

	// Nil Stdout/Stderr connect the child to the null device.
	cmd := exec.Command(argv[0], argv[1:]...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start kernel %q: %w", argv[0], err)
	}

	exited := make(chan struct{})
	go func() {
		err := cmd.Wait()
		c.logger.Debug("kernel process exited", "pid", cmd.Process.Pid, "err", err)
		close(exited)
	}()

	c.cmd = cmd
	c.exited = exited
	c.logger.Info("kernel process started", "pid", cmd.Process.Pid, "connection_file", c.connFile)
	return nil
}

func (c *LocalConn) dial(ctx context.Context) error {
	ctx, stop := context.WithTimeout(ctx, c.cfg.StartupTimeout)
	defer stop()

	sockCtx, cancel := context.WithCancel(context.Background())

	shell := zmq4.NewDealer(sockCtx, zmq4.WithID(zmq4.SocketIdentity(c.session)))
	control := zmq4.NewDealer(sockCtx, zmq4.WithID(zmq4.SocketIdentity(c.session)))
	iopub := zmq4.NewSub(sockCtx)

	closeAll := func() {
		cancel()
		shell.Close()
		control.Close()
		iopub.Close()
	}

	if err := dialRetry(ctx, c.exited, shell, c.info.endpoint(c.info.ShellPort)); err != nil {
		closeAll()
		return fmt.Errorf("dial shell: %w", err)
	}
	if err := dialRetry(ctx, c.exited, control, c.info.endpoint(c.info.ControlPort)); err != nil {
		closeAll()
		return fmt.Errorf("dial control: %w", err)
	}
	if err := dialRetry(ctx, c.exited, iopub, c.info.endpoint(c.info.IOPubPort)); err != nil {
		closeAll()
		return fmt.Errorf("dial iopub: %w", err)
	}
	if err := iopub.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		closeAll()
		return fmt.Errorf("subscribe iopub: %w", err)
	}

	exited := c.exited
	g, gctx := errgroup.WithContext(sockCtx)
	g.Go(func() error { return c.pump(ChannelShell, shell) })
	g.Go(func() error { return c.pump(ChannelControl, control) })
	g.Go(func() error { return c.pump(ChannelIOPub, iopub) })
	g.Go(func() error {
		select {
		case <-exited:
			c.reportLost(errors.New("kernel process exited"))
		case <-gctx.Done():
		}
		return nil
	})

	c.mu.Lock()
	c.shell, c.control, c.iopub = shell, control, iopub
	c.cancel, c.group, c.closing = cancel, g, false
	c.mu.Unlock()
	return nil
}

// pump reads one socket until it is closed.
func (c *LocalConn) pump(ch Channel, sock zmq4.Socket) error {
	for {
		raw, err := sock.Recv()
		if err != nil {
			err = fmt.Errorf("%s recv: %w", ch, err)
			if !c.reportLost(err) {
				return nil
			}
			return err
		}

		msg, err := decodeFrames(raw.Frames, c.sign)
		if err != nil {
			c.logger.Warn("dropping undecodable message", "channel", ch, "err", err)
			continue
		}
		msg.Channel = ch
		c.deliver(msg)
	}
}

// markClosing stops socket errors and process exit from being reported as
// a lost kernel until the next dial.
func (c *LocalConn) markClosing() {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()
}

// reportLost calls the lost callback unless the conn is closing or already
// reported. It returns whether it reported.
func (c *LocalConn) reportLost(err error) bool {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return false
	}
	c.closing = true
	c.mu.Unlock()

	c.logger.Warn("kernel lost", "err", err)
	if c.lost != nil {
		c.lost(err)
	}
	return true
}

// shutdown sends a shutdown_request on control and waits for the process
// to exit, killing it after the shutdown timeout.
func (c *LocalConn) shutdown(ctx context.Context, restart bool) {
	if c.cmd == nil {
		return
	}
	select {
	case <-c.exited:
		return
	default:
	}

	msg, err := NewMessage(MsgShutdownRequest, uuid.NewString(), c.session, "", ShutdownRequest{Restart: restart})
	if err == nil {
		msg.Channel = ChannelControl
		if err := c.Send(ctx, msg); err != nil {
			c.logger.Warn("shutdown_request failed", "err", err)
		}
	}

	timer := time.NewTimer(c.cfg.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-c.exited:
	case <-timer.C:
		c.logger.Warn("kernel did not exit after shutdown_request, killing", "pid", c.cmd.Process.Pid)
		c.kill()
	case <-ctx.Done():
		c.kill()
	}
}

func (c *LocalConn) kill() {
	if c.cmd == nil || c.cmd.Process == nil {
		return
	}
	c.cmd.Process.Kill()
	<-c.exited
}

func (c *LocalConn) closeSockets() {
	c.mu.Lock()
	if c.cancel == nil {
		c.mu.Unlock()
		return
	}
	c.closing = true
	shell, control, iopub := c.shell, c.control, c.iopub
	cancel, g := c.cancel, c.group
	c.shell, c.control, c.iopub, c.cancel, c.group = nil, nil, nil, nil, nil
	c.mu.Unlock()

	cancel()
	shell.Close()
	control.Close()
	iopub.Close()
	if err := g.Wait(); err != nil {
		c.logger.Debug("socket reader stopped", "err", err)
	}
}

// dialRetry dials until the kernel has bound its port, the kernel process
// exits or ctx ends.
func dialRetry(ctx context.Context, exited <-chan struct{}, sock zmq4.Socket, endpoint string) error {
	for {
		err := sock.Dial(endpoint)
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", endpoint, err)
		case <-exited:
			return fmt.Errorf("%s: kernel process exited during startup", endpoint)
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// freePorts asks the OS for n unused TCP ports on ip.
func freePorts(ip string, n int) ([]int, error) {
	listeners := make([]net.Listener, 0, n)
	defer func() {
		for _, l := range listeners {
			l.Close()
		}
	}()

	ports := make([]int, 0, n)
	for i := 0; i < n; i++ {
		l, err := net.Listen("tcp", net.JoinHostPort(ip, "0"))
		if err != nil {
			return nil, err
		}
		listeners = append(listeners, l)
		ports = append(ports, l.Addr().(*net.TCPAddr).Port)
	}
	return ports, nil
}
