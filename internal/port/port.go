// Package port finds unused loopback TCP ports and waits for debug
// endpoints to start accepting connections on them.
package port

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pkg/errors"
)

// PollInterval is how often WaitForReady retries a dial.
const PollInterval = 100 * time.Millisecond

// DefaultTimeout is the default wait-for-port budget.
const DefaultTimeout = 10 * time.Second

// FindFree binds a transient listener on loopback port 0, reads back the
// port the kernel assigned, and closes the listener. The result is racy
// by design: nothing reserves the port between Close and the caller's own
// bind. Neither adapter (pydap, nodecdp) retries a launch when the port
// has been taken in that window; the launch fails instead.
func FindFree() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, errors.Wrap(err, "port: find free port")
	}
	defer l.Close()

	addr, ok := l.Addr().(*net.TCPAddr)
	if !ok {
		return 0, errors.Errorf("port: unexpected listener address type %T", l.Addr())
	}
	return addr.Port, nil
}

// WaitForReady polls host:port with plain TCP dials until one succeeds or
// timeout elapses. Loopback only.
func WaitForReady(ctx context.Context, host string, p int, timeout time.Duration) error {
	if host == "" {
		host = "127.0.0.1"
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", p))

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		d := net.Dialer{Timeout: PollInterval}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			conn.Close()
			return nil
		}

		select {
		case <-ctx.Done():
			return errors.Errorf("port: timed out waiting for %s to accept connections", addr)
		case <-ticker.C:
		}
	}
}
