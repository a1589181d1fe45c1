package kernel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// GatewayConfig configures a GatewayConn.
type GatewayConfig struct {
	// URL is the Jupyter server base URL, e.g. http://127.0.0.1:8888.
	URL string

	// Token is sent as "Authorization: token <Token>" when set.
	Token string

	// KernelName is the kernelspec to start. Defaults to "python3".
	KernelName string

	// HTTPClient defaults to a client with a 30s timeout.
	HTTPClient *http.Client

	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer

	// Logger defaults to discarding.
	Logger *slog.Logger
}

// GatewayConn runs a kernel inside a Jupyter server and reaches it through
// the server's REST API and multiplexed channels websocket.
type GatewayConn struct {
	cfg     GatewayConfig
	base    *url.URL
	http    *http.Client
	dialer  *websocket.Dialer
	logger  *slog.Logger
	session string

	kernelID string

	mu   sync.Mutex // guards ws and serializes websocket writes
	ws   *websocket.Conn
	done chan struct{}
}

var _ Conn = (*GatewayConn)(nil)

// NewGatewayConn validates cfg and creates an unopened GatewayConn.
func NewGatewayConn(cfg GatewayConfig) (*GatewayConn, error) {
	base, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid gateway url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid gateway url %q: scheme must be http or https", cfg.URL)
	}
	if cfg.KernelName == "" {
		cfg.KernelName = "python3"
	}

	g := &GatewayConn{
		cfg:     cfg,
		base:    base,
		http:    cfg.HTTPClient,
		dialer:  cfg.Dialer,
		logger:  cfg.Logger,
		session: uuid.NewString(),
	}
	if g.http == nil {
		g.http = &http.Client{Timeout: 30 * time.Second}
	}
	if g.dialer == nil {
		g.dialer = websocket.DefaultDialer
	}
	if g.logger == nil {
		g.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return g, nil
}

type kernelModel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Open starts a kernel on the server and connects its channels websocket.
func (g *GatewayConn) Open(ctx context.Context, deliver func(*Message), lost func(error)) error {
	var km kernelModel
	body := map[string]string{"name": g.cfg.KernelName}
	if err := g.do(ctx, http.MethodPost, "/api/kernels", body, http.StatusCreated, &km); err != nil {
		return fmt.Errorf("failed to start gateway kernel: %w", err)
	}
	g.kernelID = km.ID
	g.logger.Info("gateway kernel started", "kernel_id", km.ID, "name", km.Name)

	wsURL := *g.base
	switch wsURL.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	wsURL.Path += "/api/kernels/" + url.PathEscape(km.ID) + "/channels"
	wsURL.RawQuery = url.Values{"session_id": {g.session}}.Encode()

	ws, _, err := g.dialer.DialContext(ctx, wsURL.String(), g.header())
	if err != nil {
		g.deleteKernel(ctx)
		return fmt.Errorf("failed to connect kernel channels: %w", err)
	}

	g.ws = ws
	g.done = make(chan struct{})
	go g.read(ws, deliver, lost)
	return nil
}

// Send writes msg as a JSON text frame.
func (g *GatewayConn) Send(ctx context.Context, msg *Message) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.ws == nil {
		return ErrClosed
	}
	if deadline, ok := ctx.Deadline(); ok {
		g.ws.SetWriteDeadline(deadline)
		defer g.ws.SetWriteDeadline(time.Time{})
	}
	return g.ws.WriteJSON(msg)
}

// Restart asks the server to restart the kernel. The websocket stays open.
func (g *GatewayConn) Restart(ctx context.Context) error {
	path := "/api/kernels/" + url.PathEscape(g.kernelID) + "/restart"
	return g.do(ctx, http.MethodPost, path, nil, http.StatusOK, nil)
}

// Close closes the websocket and deletes the kernel.
func (g *GatewayConn) Close(ctx context.Context) error {
	g.mu.Lock()
	ws := g.ws
	g.ws = nil
	g.mu.Unlock()

	var errs []error
	if ws != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		if err := ws.Close(); err != nil {
			errs = append(errs, err)
		}
		<-g.done
	}
	if g.kernelID != "" {
		if err := g.deleteKernel(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// KernelID returns the server-side kernel id once opened.
func (g *GatewayConn) KernelID() string {
	return g.kernelID
}

// read delivers frames until the websocket fails. A failure while the
// websocket is still current, i.e. Close has not detached it, is a lost
// kernel.
func (g *GatewayConn) read(ws *websocket.Conn, deliver func(*Message), lost func(error)) {
	defer close(g.done)
	for {
		var msg Message
		if err := ws.ReadJSON(&msg); err != nil {
			g.mu.Lock()
			current := g.ws == ws
			g.mu.Unlock()
			if current {
				g.logger.Warn("kernel channels closed", "err", err)
				lost(fmt.Errorf("kernel channels closed: %w", err))
			}
			return
		}
		deliver(&msg)
	}
}

func (g *GatewayConn) deleteKernel(ctx context.Context) error {
	path := "/api/kernels/" + url.PathEscape(g.kernelID)
	if err := g.do(ctx, http.MethodDelete, path, nil, http.StatusNoContent, nil); err != nil {
		return fmt.Errorf("failed to delete gateway kernel: %w", err)
	}
	return nil
}

func (g *GatewayConn) header() http.Header {
	h := http.Header{}
	if g.cfg.Token != "" {
		h.Set("Authorization", "token "+g.cfg.Token)
	}
	return h
}

// do performs a JSON REST call and decodes the response into out when set.
func (g *GatewayConn) do(ctx context.Context, method, path string, in any, want int, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.base.String()+path, body)
	if err != nil {
		return err
	}
	req.Header = g.header()
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: unexpected status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(snippet))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}
