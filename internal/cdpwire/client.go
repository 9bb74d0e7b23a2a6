package cdpwire

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrConnectionClosed is returned to every pending call when the transport
// goes away.
var ErrConnectionClosed = errors.New("cdpwire: connection closed")

// Client correlates CDP requests with their responses by id and fans
// decoded events out to handlers registered by method name.
type Client struct {
	conn Conn
	log  *logrus.Entry

	id atomic.Int64

	pendingMu sync.Mutex
	pending   map[int]chan *incoming

	eventsMu sync.RWMutex
	events   map[string][]func(method string, params json.RawMessage)

	done chan struct{}
}

// NewClient starts the client's read loop over conn.
func NewClient(conn Conn, log *logrus.Entry) *Client {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	c := &Client{
		conn:    conn,
		log:     log,
		pending: make(map[int]chan *incoming),
		events:  make(map[string][]func(string, json.RawMessage)),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Client) readLoop() {
	defer close(c.done)

	for {
		m, err := c.conn.Recv(context.Background())
		if err != nil {
			c.failAllPending()
			return
		}

		if m.isEvent() {
			c.dispatchEvent(m)
			continue
		}
		c.dispatchResponse(m)
	}
}

func (c *Client) dispatchResponse(m *incoming) {
	c.pendingMu.Lock()
	ch, ok := c.pending[m.ID]
	if ok {
		delete(c.pending, m.ID)
	}
	c.pendingMu.Unlock()

	if !ok {
		return
	}
	ch <- m
	close(ch)
}

func (c *Client) dispatchEvent(m *incoming) {
	c.eventsMu.RLock()
	handlers := append([]func(string, json.RawMessage){}, c.events[m.Method]...)
	c.eventsMu.RUnlock()

	for _, h := range handlers {
		h(m.Method, m.Params)
	}
}

func (c *Client) failAllPending() {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[int]chan *incoming)
	c.pendingMu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
}

func (c *Client) nextID() int {
	return int(c.id.Add(1))
}

// Call sends a CDP request and waits for the correlated response. result,
// if non-nil, is populated by unmarshalling the response's result field.
func (c *Client) Call(ctx context.Context, method string, params any, result any) error {
	id := c.nextID()
	ch := make(chan *incoming, 1)

	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	if err := c.conn.Send(id, method, params); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return errors.Wrapf(err, "cdpwire: send %s", method)
	}

	select {
	case m, ok := <-ch:
		if !ok || m == nil {
			return ErrConnectionClosed
		}
		if m.Error != nil {
			return errors.New(m.Error.Message)
		}
		if result != nil && len(m.Result) > 0 {
			if err := json.Unmarshal(m.Result, result); err != nil {
				return errors.Wrapf(err, "cdpwire: decode %s result", method)
			}
		}
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// On registers fn to be invoked whenever an event named `method` arrives,
// alongside any other handler registered for it, in registration order.
func (c *Client) On(method string, fn func(params json.RawMessage)) {
	c.eventsMu.Lock()
	defer c.eventsMu.Unlock()
	c.events[method] = append(c.events[method], func(_ string, params json.RawMessage) {
		fn(params)
	})
}

// Close tears down the underlying connection.
func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.done
	return err
}
