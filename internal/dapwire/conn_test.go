package dapwire

import (
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/google/go-dap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newPipe returns two Conns wired back to back over io.Pipe, mirroring
// the teacher's NewTestAdapter helper.
func newPipe(t *testing.T) (a, b Conn) {
	t.Helper()

	rd1, wr1 := io.Pipe()
	rd2, wr2 := io.Pipe()

	a = NewConn(rd1, wr2)
	b = NewConn(rd2, wr1)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func TestConnRoundTrip(t *testing.T) {
	a, b := newPipe(t)

	req := &dap.InitializeRequest{
		Request:   dap.Request{ProtocolMessage: dap.ProtocolMessage{Seq: 1, Type: "request"}, Command: "initialize"},
		Arguments: dap.InitializeRequestArguments{LinesStartAt1: true},
	}
	require.NoError(t, a.SendMsg(req))

	got, err := b.RecvMsg(context.Background())
	require.NoError(t, err)
	gotReq, ok := got.(*dap.InitializeRequest)
	require.True(t, ok)
	assert.True(t, gotReq.Arguments.LinesStartAt1)
	assert.Equal(t, "initialize", gotReq.Command)
}

// TestConnSurvivesMalformedFrame exercises S6: a frame with no
// Content-Length header immediately followed by a valid response must
// leave the valid response decodable.
func TestConnSurvivesMalformedFrame(t *testing.T) {
	rd, wr := io.Pipe()
	conn := NewConn(rd, io.Discard)
	t.Cleanup(func() { conn.Close() })

	go func() {
		fmt.Fprint(wr, "not a valid frame\r\n\r\n")
		body := `{"seq":8,"type":"response","request_seq":7,"success":true,"command":"next"}`
		fmt.Fprintf(wr, "Content-Length: %d\r\n\r\n%s", len(body), body)
		wr.Close()
	}()

	m, err := conn.RecvMsg(context.Background())
	require.NoError(t, err, "malformed frame must not kill the connection")

	resp, ok := m.(dap.ResponseMessage)
	require.True(t, ok, "expected a decoded response, got %T", m)
	assert.Equal(t, 7, resp.GetResponse().RequestSeq)
	assert.True(t, resp.GetResponse().Success)
}
