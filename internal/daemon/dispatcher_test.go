package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ttp/pkg/metrics"
)

func TestDispatch(t *testing.T) {
	handlers := map[string]CommandHandler{
		"echo": CommandHandlerFunc(func(_ context.Context, req *Request) (string, error) {
			return strings.Join(req.Args, "|") + "\nOK", nil
		}),
		"fail": CommandHandlerFunc(func(_ context.Context, _ *Request) (string, error) {
			return "", errors.New("topic list is empty")
		}),
	}

	tests := []struct {
		name            string
		line            string
		handlers        map[string]CommandHandler
		expected        string
		wantTerminating bool
	}{
		{
			name:     "help lists built-ins",
			line:     "help",
			expected: "help, status, terminate\nOK",
		},
		{
			name:     "help includes registered commands",
			line:     "help",
			handlers: handlers,
			expected: "echo, fail, help, status, terminate\nOK",
		},
		{
			name: "status",
			line: "status",
			expected: "running since 2026-10-17 09:00:00.000\n" +
				"json: /etc/ttp/daemons/alert-monitor.json\n" +
				"listeningPort: 14394\n" +
				"OK",
		},
		{
			name:            "terminate",
			line:            "terminate",
			expected:        "OK",
			wantTerminating: true,
		},
		{
			name:     "unknown command has no OK",
			line:     "bogus",
			expected: "unknowned command 'bogus'",
		},
		{
			name:     "empty line",
			line:     "   ",
			expected: "unknowned command ''",
		},
		{
			name:     "registered command receives arguments",
			line:     "echo  a b\tc",
			handlers: handlers,
			expected: "a|b|c\nOK",
		},
		{
			name:     "handler error is the reply",
			line:     "fail now",
			handlers: handlers,
			expected: "topic list is empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			terminating := false
			d := NewDispatcher(testRuntime(), 14394, tt.handlers, func() { terminating = true })

			reply := d.Dispatch(context.Background(), parseRequest(nil, tt.line))

			assert.Equal(t, tt.expected, reply)
			assert.Equal(t, tt.wantTerminating, terminating)
		})
	}
}

func TestDispatchHelpListsEachBuiltinOnce(t *testing.T) {
	d := NewDispatcher(testRuntime(), 14394, nil, func() {})

	reply := d.Dispatch(context.Background(), parseRequest(nil, "help"))

	assert.True(t, strings.HasSuffix(reply, "\nOK"))
	names := strings.Split(strings.TrimSuffix(reply, "\nOK"), ", ")
	for _, builtin := range []string{"help", "status", "terminate"} {
		count := 0
		for _, name := range names {
			if name == builtin {
				count++
			}
		}
		assert.Equal(t, 1, count, builtin)
	}
	assert.IsNonDecreasing(t, names)
}

func TestDispatchCountsCommands(t *testing.T) {
	rt := testRuntime()
	rt.Metrics = metrics.New(prometheus.NewRegistry(), rt.Name)
	d := NewDispatcher(rt, 14394, nil, func() {})

	d.Dispatch(context.Background(), parseRequest(nil, "status"))
	d.Dispatch(context.Background(), parseRequest(nil, "whatever"))
	d.Dispatch(context.Background(), parseRequest(nil, "nonsense"))

	assert.Equal(t, 1.0, testutil.ToFloat64(rt.Metrics.CommandCount("status", metrics.ResultOK)))
	assert.Equal(t, 2.0, testutil.ToFloat64(rt.Metrics.CommandCount("unknown", metrics.ResultUnknown)))
}

func TestServeWritesReplyAndHalfCloses(t *testing.T) {
	f := newFixture(t, nil)

	reply := iterateForReply(t, f.daemon, send(t, f.daemon.Port(), "status\r\n"))

	lines := strings.Split(strings.TrimSuffix(reply, "\n"), "\n")
	assert.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[0], "running since "))
	assert.True(t, strings.HasPrefix(lines[1], "json: "))
	assert.Equal(t, "listeningPort: "+strconv.Itoa(f.daemon.Port()), lines[2])
	assert.Equal(t, "OK", lines[3])
}

func TestHandlerReceivesConnection(t *testing.T) {
	var seen *Request
	f := newFixture(t, map[string]CommandHandler{
		"whoami": CommandHandlerFunc(func(_ context.Context, req *Request) (string, error) {
			seen = req
			return req.Conn.RemoteAddr().String() + "\nOK", nil
		}),
	})

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", f.daemon.Port()), time.Second)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("whoami\n"))
	require.NoError(t, err)

	reply := make(chan string, 1)
	go func() {
		b, _ := io.ReadAll(conn)
		reply <- string(b)
	}()

	assert.Equal(t, conn.LocalAddr().String()+"\nOK\n", iterateForReply(t, f.daemon, reply))
	require.NotNil(t, seen)
	assert.Equal(t, conn.LocalAddr().String(), seen.Peer.String())
}
