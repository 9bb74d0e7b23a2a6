package dapwire

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/go-dap"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrConnectionClosed is returned to every pending request when the
// underlying transport goes away.
var ErrConnectionClosed = errors.New("dapwire: connection closed")

// Client correlates DAP requests with their responses by sequence number
// and fans decoded events out to registered handlers, in registration
// order. It owns exactly one Conn.
type Client struct {
	conn Conn
	log  *logrus.Entry

	seq atomic.Int64

	pendingMu sync.Mutex
	pending   map[int]chan *dap.ResponseMessage

	eventsMu sync.RWMutex
	events   map[string][]func(dap.EventMessage)

	eg     *errgroup.Group
	cancel context.CancelCauseFunc
}

// NewClient starts the client's read loop over conn. Call Close to stop it.
func NewClient(conn Conn, log *logrus.Entry) *Client {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	c := &Client{
		conn:    conn,
		log:     log,
		pending: make(map[int]chan *dap.ResponseMessage),
		events:  make(map[string][]func(dap.EventMessage)),
	}

	var ctx context.Context
	ctx, c.cancel = context.WithCancelCause(context.Background())

	c.eg, _ = errgroup.WithContext(context.Background())
	c.eg.Go(func() error {
		c.readLoop(ctx)
		return nil
	})
	return c
}

func (c *Client) readLoop(ctx context.Context) {
	for {
		m, err := c.conn.RecvMsg(ctx)
		if err != nil {
			c.failAllPending()
			return
		}

		switch m := m.(type) {
		case dap.ResponseMessage:
			c.dispatchResponse(m)
		case dap.EventMessage:
			c.dispatchEvent(m)
		default:
			c.log.WithField("type", m).Debug("dapwire: ignoring reverse request, not supported")
		}
	}
}

func (c *Client) dispatchResponse(m dap.ResponseMessage) {
	resp := m.GetResponse()

	c.pendingMu.Lock()
	ch, ok := c.pending[resp.RequestSeq]
	if ok {
		delete(c.pending, resp.RequestSeq)
	}
	c.pendingMu.Unlock()

	if !ok {
		return
	}
	ch <- &m
	close(ch)
}

func (c *Client) dispatchEvent(m dap.EventMessage) {
	name := m.GetEvent().Event

	c.eventsMu.RLock()
	handlers := append([]func(dap.EventMessage){}, c.events[name]...)
	c.eventsMu.RUnlock()

	for _, h := range handlers {
		h(m)
	}
}

func (c *Client) failAllPending() {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[int]chan *dap.ResponseMessage)
	c.pendingMu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
}

// nextSeq returns the next monotonic sequence number, starting at 1.
func (c *Client) nextSeq() int {
	return int(c.seq.Add(1))
}

// SendRequest allocates a seq, writes req to the wire, and returns the
// decoded response body once it arrives. Fails with ErrConnectionClosed if
// the transport closes before a response arrives, or with the adapter's
// reported message (or a synthetic "Request failed: <command>") on a
// non-success response.
func (c *Client) SendRequest(ctx context.Context, req dap.RequestMessage) (dap.ResponseMessage, error) {
	r := req.GetRequest()
	r.Type = "request"
	r.Seq = c.nextSeq()

	ch := make(chan *dap.ResponseMessage, 1)

	// Register before sending: a response racing the registration would
	// otherwise be dropped on the floor.
	c.pendingMu.Lock()
	c.pending[r.Seq] = ch
	c.pendingMu.Unlock()

	if err := c.conn.SendMsg(req); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, r.Seq)
		c.pendingMu.Unlock()
		return nil, errors.Wrap(err, "dapwire: send request")
	}

	select {
	case m, ok := <-ch:
		if !ok || m == nil {
			return nil, ErrConnectionClosed
		}
		resp := (*m).GetResponse()
		if !resp.Success {
			if resp.Message != "" {
				return nil, errors.Errorf("%s", resp.Message)
			}
			return nil, errors.Errorf("Request failed: %s", r.Command)
		}
		return *m, nil
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

// OnEvent registers fn to be invoked, in registration order alongside any
// other handler for the same event, whenever an event named `event`
// arrives.
func (c *Client) OnEvent(event string, fn func(dap.EventMessage)) {
	c.eventsMu.Lock()
	defer c.eventsMu.Unlock()
	c.events[event] = append(c.events[event], fn)
}

// Close tears down the read loop and fails any still-pending requests.
func (c *Client) Close() error {
	c.cancel(context.Canceled)
	c.failAllPending()
	return c.eg.Wait()
}
