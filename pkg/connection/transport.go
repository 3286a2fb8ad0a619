package connection

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultReadLimit    = 512 * 1024
	defaultWriteTimeout = 10 * time.Second
)

// Transport is one established channel. Read blocks until a payload
// arrives; a clean remote close is reported as io.EOF.
type Transport interface {
	Read(ctx context.Context) (string, error)
	Write(ctx context.Context, payload string) error
	Close() error
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, url string) (Transport, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, url string) (Transport, error) {
	return f(ctx, url)
}

// WebSocketDialer dials the agent over WebSocket and exchanges text frames.
type WebSocketDialer struct {
	// ReadLimit caps inbound frame size in bytes (default 512KB).
	ReadLimit int64
	// WriteTimeout bounds each write (default 10s).
	WriteTimeout time.Duration
	// Header is sent with the handshake.
	Header http.Header
	// HTTPClient overrides the client used for the handshake.
	HTTPClient *http.Client
}

// Dial implements Dialer.
func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Transport, error) {
	opts := &websocket.DialOptions{
		HTTPHeader: d.Header,
		HTTPClient: d.HTTPClient,
	}
	conn, resp, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %d: %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	limit := d.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	conn.SetReadLimit(limit)

	timeout := d.WriteTimeout
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}
	return &wsTransport{conn: conn, writeTimeout: timeout}, nil
}

type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (t *wsTransport) Read(ctx context.Context) (string, error) {
	_, data, err := t.conn.Read(ctx)
	if err != nil {
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return "", io.EOF
		}
		return "", err
	}
	return string(data), nil
}

func (t *wsTransport) Write(ctx context.Context, payload string) error {
	ctx, cancel := context.WithTimeout(ctx, t.writeTimeout)
	defer cancel()
	return t.conn.Write(ctx, websocket.MessageText, []byte(payload))
}

func (t *wsTransport) Close() error {
	if err := t.conn.Close(websocket.StatusNormalClosure, ""); err != nil {
		t.conn.CloseNow()
		return err
	}
	return nil
}
