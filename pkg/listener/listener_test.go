package listener

import (
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dial(t *testing.T, l *Listener) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", l.Port()), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// acceptEventually retries TryAccept a few times since the kernel may not
// have queued the connection by the time Dial returns.
func acceptEventually(t *testing.T, l *Listener) *net.TCPConn {
	t.Helper()
	for i := 0; i < 50; i++ {
		conn, err := l.TryAccept()
		require.NoError(t, err)
		if conn != nil {
			return conn
		}
	}
	t.Fatal("no connection accepted")
	return nil
}

func TestTryAcceptWithoutPendingConnection(t *testing.T) {
	l, err := Listen(0)
	require.NoError(t, err)
	defer l.Close()

	start := time.Now()
	conn, err := l.TryAccept()

	assert.NoError(t, err)
	assert.Nil(t, conn)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestTryAcceptTakesOneConnectionAtATime(t *testing.T) {
	l, err := Listen(0)
	require.NoError(t, err)
	defer l.Close()

	dial(t, l)
	dial(t, l)

	first := acceptEventually(t, l)
	defer first.Close()
	second := acceptEventually(t, l)
	defer second.Close()

	assert.NotEqual(t, first.RemoteAddr().String(), second.RemoteAddr().String())

	conn, err := l.TryAccept()
	assert.NoError(t, err)
	assert.Nil(t, conn)
}

func TestListenPortInUse(t *testing.T) {
	l, err := Listen(0)
	require.NoError(t, err)
	defer l.Close()

	_, err = Listen(l.Port())
	require.Error(t, err)
	assert.Contains(t, err.Error(), fmt.Sprintf("bind port %d", l.Port()))
}

func TestCloseIsIdempotent(t *testing.T) {
	l, err := Listen(0)
	require.NoError(t, err)

	assert.NoError(t, l.Close())
	assert.NoError(t, l.Close())

	_, err = l.TryAccept()
	assert.True(t, errors.Is(err, ErrClosed))
}
