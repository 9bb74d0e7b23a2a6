// Package dapwire implements the DAP (Debug Adapter Protocol) framing and
// request/response/event correlation used to drive a DAP server such as
// debugpy. It is a client-side mirror of the read/write loop pattern used
// to drive a DAP server over a length-prefixed TCP stream.
package dapwire

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/go-dap"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Conn is a framed duplex DAP message stream. SendMsg/RecvMsg are safe to
// call concurrently with each other but not with themselves.
type Conn interface {
	SendMsg(m dap.Message) error
	RecvMsg(ctx context.Context) (dap.Message, error)
	io.Closer
}

type conn struct {
	recvCh <-chan dap.Message
	sendCh chan<- dap.Message

	ctx    context.Context
	cancel context.CancelCauseFunc

	eg   *errgroup.Group
	once sync.Once
}

// NewConn frames rd/wr as Content-Length-delimited DAP JSON messages.
// Malformed frames (no Content-Length header, or a body that fails to
// parse as JSON) are dropped by the read loop; framing resumes at the
// next header, per §4.2. Header parsing and body decoding are done
// directly (rather than via dap.ReadProtocolMessage, which treats any
// parse failure as terminal) so a single bad frame cannot kill the
// connection.
func NewConn(rd io.Reader, wr io.Writer) Conn {
	recvCh := make(chan dap.Message, 100)
	sendCh := make(chan dap.Message, 100)

	go func() {
		defer close(recvCh)

		br := bufio.NewReader(rd)
		for {
			m, ok := readFrame(br)
			if !ok {
				return
			}
			if m == nil {
				// Malformed frame: discarded, framing resumes at
				// whatever follows.
				continue
			}
			recvCh <- m
		}
	}()

	eg, _ := errgroup.WithContext(context.Background())
	eg.Go(func() error {
		for m := range sendCh {
			if err := dap.WriteProtocolMessage(wr, m); err != nil {
				return err
			}
		}
		return nil
	})

	ctx, cancel := context.WithCancelCause(context.Background())
	return &conn{
		recvCh: recvCh,
		sendCh: sendCh,
		ctx:    ctx,
		cancel: cancel,
		eg:     eg,
	}
}

// errStreamClosed marks a read failure on the underlying stream itself,
// as opposed to a malformed frame within an otherwise-live stream.
var errStreamClosed = errors.New("dapwire: stream closed")

// readFrame reads one Content-Length-delimited DAP message from br. It
// returns (msg, true) on a successfully decoded message, (nil, true)
// when a malformed frame was discarded and the caller should keep
// reading, and (nil, false) when the underlying stream itself is
// closed or unreadable and the read loop must stop.
func readFrame(br *bufio.Reader) (dap.Message, bool) {
	length, err := readContentLength(br)
	if err != nil {
		if err == errStreamClosed {
			return nil, false
		}
		// Bad header block (missing or unparsable Content-Length):
		// discard and let the caller try again at whatever follows.
		return nil, true
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(br, body); err != nil {
		// The stream ended (or broke) mid-body; nothing left to resync
		// against.
		return nil, false
	}

	m, err := dap.DecodeProtocolMessage(body)
	if err != nil {
		// Body read in full per Content-Length but not valid DAP JSON:
		// discard this message only, framing is already resynced.
		return nil, true
	}
	return m, true
}

// readContentLength reads header lines up to the blank-line terminator
// and returns the parsed Content-Length. A read error before any header
// bytes were consumed means the stream itself closed; a read error
// partway through a header block, or a header block with no valid
// Content-Length, is treated as one malformed frame.
func readContentLength(br *bufio.Reader) (int, error) {
	length := -1
	sawAnyLine := false

	for {
		line, err := br.ReadString('\n')
		if err != nil {
			if !sawAnyLine {
				return 0, errStreamClosed
			}
			return 0, errors.New("dapwire: malformed frame header")
		}
		sawAnyLine = true

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}

		var n int
		if _, scanErr := fmt.Sscanf(line, "Content-Length: %d", &n); scanErr == nil {
			length = n
		}
	}

	if length < 0 {
		return 0, errors.New("dapwire: missing Content-Length header")
	}
	return length, nil
}

func (c *conn) SendMsg(m dap.Message) error {
	select {
	case c.sendCh <- m:
		return nil
	case <-c.ctx.Done():
		return errors.New("dapwire: connection closed")
	}
}

func (c *conn) RecvMsg(ctx context.Context) (dap.Message, error) {
	select {
	case m, ok := <-c.recvCh:
		if !ok {
			return nil, io.EOF
		}
		return m, nil
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	case <-c.ctx.Done():
		return nil, c.ctx.Err()
	}
}

func (c *conn) Close() error {
	c.cancel(context.Canceled)
	c.once.Do(func() {
		close(c.sendCh)
	})
	return c.eg.Wait()
}
