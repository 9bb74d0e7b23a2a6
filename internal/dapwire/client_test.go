package dapwire

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-dap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer answers every request with a success response carrying the
// same RequestSeq, and lets the test fire arbitrary events.
type fakeServer struct {
	conn Conn
}

func startFakeServer(t *testing.T, conn Conn) *fakeServer {
	t.Helper()
	s := &fakeServer{conn: conn}
	go s.serve()
	return s
}

func (s *fakeServer) serve() {
	for {
		m, err := s.conn.RecvMsg(context.Background())
		if err != nil {
			return
		}
		req, ok := m.(dap.RequestMessage)
		if !ok {
			continue
		}
		r := req.GetRequest()
		_ = s.conn.SendMsg(&dap.ContinueResponse{
			Response: dap.Response{
				ProtocolMessage: dap.ProtocolMessage{Seq: r.Seq + 1000, Type: "response"},
				RequestSeq:      r.Seq,
				Success:         true,
				Command:         r.Command,
			},
		})
	}
}

func newTestClient(t *testing.T) (*Client, Conn) {
	t.Helper()
	a, b := newPipe(t)
	startFakeServer(t, b)
	c := NewClient(a, nil)
	t.Cleanup(func() { c.Close() })
	return c, b
}

func TestSendRequestCorrelatesBySeq(t *testing.T) {
	c, _ := newTestClient(t)

	resp, err := c.SendRequest(context.Background(), &dap.ContinueRequest{
		Request: dap.Request{Command: "continue"},
	})
	require.NoError(t, err)
	assert.True(t, resp.GetResponse().Success)
	assert.Equal(t, "continue", resp.GetResponse().Command)
}

func TestSendRequestSequenceIsMonotonic(t *testing.T) {
	c, _ := newTestClient(t)

	first, err := c.SendRequest(context.Background(), &dap.ContinueRequest{Request: dap.Request{Command: "continue"}})
	require.NoError(t, err)
	second, err := c.SendRequest(context.Background(), &dap.ContinueRequest{Request: dap.Request{Command: "continue"}})
	require.NoError(t, err)

	assert.Less(t, first.GetResponse().RequestSeq, second.GetResponse().RequestSeq)
}

func TestOnEventFanOutInRegistrationOrder(t *testing.T) {
	a, b := newPipe(t)
	c := NewClient(a, nil)
	t.Cleanup(func() { c.Close() })

	var order []int
	done := make(chan struct{}, 2)
	c.OnEvent("stopped", func(dap.EventMessage) { order = append(order, 1); done <- struct{}{} })
	c.OnEvent("stopped", func(dap.EventMessage) { order = append(order, 2); done <- struct{}{} })

	require.NoError(t, b.SendMsg(&dap.StoppedEvent{
		Event: dap.Event{ProtocolMessage: dap.ProtocolMessage{Seq: 1, Type: "event"}, Event: "stopped"},
		Body:  dap.StoppedEventBody{Reason: "breakpoint", ThreadId: 1},
	}))

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event handlers")
		}
	}
	assert.Equal(t, []int{1, 2}, order)
}

func TestFailedResponseSurfacesMessage(t *testing.T) {
	a, b := newPipe(t)
	c := NewClient(a, nil)
	t.Cleanup(func() { c.Close() })

	go func() {
		m, err := b.RecvMsg(context.Background())
		if err != nil {
			return
		}
		r := m.(dap.RequestMessage).GetRequest()
		_ = b.SendMsg(&dap.ContinueResponse{
			Response: dap.Response{
				ProtocolMessage: dap.ProtocolMessage{Seq: 2, Type: "response"},
				RequestSeq:      r.Seq,
				Success:         false,
				Message:         "Not paused",
				Command:         r.Command,
			},
		})
	}()

	_, err := c.SendRequest(context.Background(), &dap.ContinueRequest{Request: dap.Request{Command: "continue"}})
	require.Error(t, err)
	assert.Equal(t, "Not paused", err.Error())
}

func TestCloseFailsPendingRequests(t *testing.T) {
	a, _ := newPipe(t)
	c := NewClient(a, nil)

	done := make(chan error, 1)
	go func() {
		_, err := c.SendRequest(context.Background(), &dap.ContinueRequest{Request: dap.Request{Command: "continue"}})
		done <- err
	}()

	// Give the request a moment to register before closing.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrConnectionClosed)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for pending request to fail")
	}
}
