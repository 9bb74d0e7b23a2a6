package port

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindFreeReturnsUsablePort(t *testing.T) {
	p, err := FindFree()
	require.NoError(t, err)
	assert.Greater(t, p, 0)

	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(p)))
	require.NoError(t, err)
	l.Close()
}

func TestWaitForReadySucceedsOnceListening(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	addr := l.Addr().(*net.TCPAddr)
	err = WaitForReady(context.Background(), "127.0.0.1", addr.Port, time.Second)
	assert.NoError(t, err)
}

func TestWaitForReadyTimesOutWithNothingListening(t *testing.T) {
	free, err := FindFree()
	require.NoError(t, err)

	err = WaitForReady(context.Background(), "127.0.0.1", free, 150*time.Millisecond)
	assert.Error(t, err)
}
