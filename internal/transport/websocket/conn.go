// Package websocket adapts gorilla/websocket connections to transport.Conn.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	gws "github.com/gorilla/websocket"

	"tripot/internal/transport"
)

// Options tunes keepalive and write deadlines. Zero values take defaults.
type Options struct {
	WriteTimeout time.Duration
	PongWait     time.Duration
	PingPeriod   time.Duration
	ReadLimit    int64
}

func (o Options) withDefaults() Options {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = o.PongWait * 9 / 10
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 1 << 20
	}
	return o
}

// Conn is a transport.Conn over one websocket. There is a single reader;
// writes are serialized.
type Conn struct {
	ws   *gws.Conn
	opts Options

	wmu sync.Mutex

	done chan struct{}
	once sync.Once
}

var _ transport.Conn = (*Conn)(nil)

// Upgrader accepts any origin; CORS is enforced by the HTTP layer.
var Upgrader = gws.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Upgrade switches an HTTP request to a websocket and starts keepalive.
func Upgrade(w http.ResponseWriter, r *http.Request, opts Options) (*Conn, error) {
	ws, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return Wrap(ws, opts), nil
}

// Wrap takes ownership of ws.
func Wrap(ws *gws.Conn, opts Options) *Conn {
	opts = opts.withDefaults()
	c := &Conn{ws: ws, opts: opts, done: make(chan struct{})}
	ws.SetReadLimit(opts.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(opts.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(opts.PongWait))
	})
	go c.pinger()
	return c
}

func (c *Conn) pinger() {
	t := time.NewTicker(c.opts.PingPeriod)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			if err := c.ws.WriteControl(gws.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				_ = c.Close()
				return
			}
		}
	}
}

// Read returns the next text or binary message. A ctx cancellation closes
// the connection, since gorilla reads cannot be interrupted otherwise.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	_, data, err := c.ws.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if c.closed() || gws.IsCloseError(err, gws.CloseNormalClosure, gws.CloseGoingAway, gws.CloseNoStatusReceived) {
			return nil, transport.ErrClosed
		}
		return nil, err
	}
	return data, nil
}

func (c *Conn) Write(ctx context.Context, f transport.Frame) error {
	if c.closed() {
		return transport.ErrClosed
	}
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(c.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(gws.TextMessage, b); err != nil {
		if c.closed() || errors.Is(err, gws.ErrCloseSent) {
			return transport.ErrClosed
		}
		return err
	}
	return nil
}

// Close sends a close frame best-effort and tears down the socket. Safe to
// call more than once.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		msg := gws.FormatCloseMessage(gws.CloseNormalClosure, "")
		_ = c.ws.WriteControl(gws.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
