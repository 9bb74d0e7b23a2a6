package cdpwire

import (
	"context"
	"encoding/json"
	"sync"
)

// TestPeer is an in-memory stand-in for a CDP inspector target (node
// --inspect-brk, in production), letting adapter-level tests drive a full
// Client round trip without a real WebSocket connection. It plays the same
// role the teacher's own util/daptest test-double package plays for DAP:
// a small exported double shipped alongside the wire package so sibling
// packages' tests (here, internal/adapter/nodecdp) can wire an Adapter to
// it directly instead of reimplementing the Conn interface, which cannot
// be done outside this package since Recv's *incoming type is unexported.
type TestPeer struct {
	toClient   chan *incoming
	fromClient chan outgoing
	closed     chan struct{}
	once       sync.Once
}

// NewTestPeer returns a Conn ready to hand to NewClient, paired with a
// TestPeer a test uses to observe outgoing requests and push back
// responses and events.
func NewTestPeer() (Conn, *TestPeer) {
	p := &TestPeer{
		toClient:   make(chan *incoming, 64),
		fromClient: make(chan outgoing, 64),
		closed:     make(chan struct{}),
	}
	return &testPeerConn{peer: p}, p
}

type testPeerConn struct {
	peer *TestPeer
}

func (c *testPeerConn) Send(id int, method string, params any) error {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return err
		}
		raw = b
	}
	select {
	case c.peer.fromClient <- outgoing{ID: id, Method: method, Params: raw}:
		return nil
	case <-c.peer.closed:
		return ErrConnectionClosed
	}
}

func (c *testPeerConn) Recv(ctx context.Context) (*incoming, error) {
	select {
	case m, ok := <-c.peer.toClient:
		if !ok {
			return nil, ErrConnectionClosed
		}
		return m, nil
	case <-c.peer.closed:
		return nil, ErrConnectionClosed
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

func (c *testPeerConn) Close() error {
	c.peer.once.Do(func() { close(c.peer.closed) })
	return nil
}

// Next blocks for the next outgoing client call, returning ok=false once
// the peer has been closed and no call is pending.
func (p *TestPeer) Next() (req outgoing, ok bool) {
	select {
	case req = <-p.fromClient:
		return req, true
	case <-p.closed:
		select {
		case req = <-p.fromClient:
			return req, true
		default:
			return outgoing{}, false
		}
	}
}

// Respond delivers a successful response carrying result to the client's
// pending call for id.
func (p *TestPeer) Respond(id int, result any) error {
	var raw json.RawMessage
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return err
		}
		raw = b
	}
	p.toClient <- &incoming{ID: id, Result: raw}
	return nil
}

// RespondError delivers an RPC error response to the client's pending call.
func (p *TestPeer) RespondError(id int, message string) {
	p.toClient <- &incoming{ID: id, Error: &rpcError{Message: message}}
}

// Emit pushes a CDP event to the client.
func (p *TestPeer) Emit(method string, params any) error {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return err
		}
		raw = b
	}
	p.toClient <- &incoming{Method: method, Params: raw}
	return nil
}

// Close tears down the peer side; Recv on the paired Conn then fails with
// ErrConnectionClosed.
func (p *TestPeer) Close() {
	p.once.Do(func() { close(p.closed) })
}
