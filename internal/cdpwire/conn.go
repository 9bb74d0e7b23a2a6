// Package cdpwire implements the CDP (Chrome DevTools Protocol) transport,
// HTTP discovery, and request/response/event correlation used to drive a
// native inspector such as Node's --inspect-brk.
package cdpwire

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// DiscoverPollInterval is how often the HTTP discovery endpoint is polled.
const DiscoverPollInterval = 100 * time.Millisecond

// DiscoverTimeout bounds the total time spent discovering a debug target.
const DiscoverTimeout = 10 * time.Second

type target struct {
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Discover polls http://host:port/json until a target exposing
// webSocketDebuggerUrl appears, returning that URL.
func Discover(ctx context.Context, host string, port int) (string, error) {
	if host == "" {
		host = "127.0.0.1"
	}
	url := fmt.Sprintf("http://%s:%d/json", host, port)

	ctx, cancel := context.WithTimeout(ctx, DiscoverTimeout)
	defer cancel()

	ticker := time.NewTicker(DiscoverPollInterval)
	defer ticker.Stop()

	for {
		if u, ok := tryDiscover(ctx, url); ok {
			return u, nil
		}

		select {
		case <-ctx.Done():
			return "", errors.Errorf("cdpwire: timed out discovering debug target at %s", url)
		case <-ticker.C:
		}
	}
}

func tryDiscover(ctx context.Context, url string) (string, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", false
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", false
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", false
	}

	var targets []target
	if err := json.Unmarshal(body, &targets); err != nil {
		return "", false
	}

	for _, t := range targets {
		if t.WebSocketDebuggerURL != "" {
			return t.WebSocketDebuggerURL, true
		}
	}
	return "", false
}

// outgoing is a CDP request frame.
type outgoing struct {
	ID     int             `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// incoming is either a CDP response or a CDP event; exactly one of
// (Method) or (ID set) is populated.
type incoming struct {
	ID     int             `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return e.Message }

func (m *incoming) isEvent() bool { return m.Method != "" }

// Conn is a framed duplex CDP message stream backed by a WebSocket.
type Conn interface {
	Send(id int, method string, params any) error
	Recv(ctx context.Context) (*incoming, error)
	Close() error
}

type wsConn struct {
	ws     *websocket.Conn
	recvCh chan *incoming
	doneCh chan struct{}
	once   sync.Once
}

// Dial opens a WebSocket connection to url and starts its read loop.
func Dial(ctx context.Context, url string) (Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "cdpwire: dial")
	}

	c := &wsConn{
		ws:     ws,
		recvCh: make(chan *incoming, 100),
		doneCh: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *wsConn) readLoop() {
	defer close(c.recvCh)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		var m incoming
		if err := json.Unmarshal(data, &m); err != nil {
			// Malformed frame: drop and keep reading.
			continue
		}
		c.recvCh <- &m
	}
}

func (c *wsConn) Send(id int, method string, params any) error {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return errors.Wrap(err, "cdpwire: marshal params")
		}
		raw = b
	}

	return c.ws.WriteJSON(outgoing{ID: id, Method: method, Params: raw})
}

func (c *wsConn) Recv(ctx context.Context) (*incoming, error) {
	select {
	case m, ok := <-c.recvCh:
		if !ok {
			return nil, io.EOF
		}
		return m, nil
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	case <-c.doneCh:
		return nil, io.EOF
	}
}

func (c *wsConn) Close() error {
	c.once.Do(func() { close(c.doneCh) })
	return c.ws.Close()
}
