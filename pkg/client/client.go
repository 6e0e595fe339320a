// Package client sends one command line to a running daemon and collects
// its answer.
package client

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

const (
	DefaultHost = "localhost"
	okMarker    = "OK"
	maxReply    = 1 << 20
)

// Reply is the raw answer of a daemon, trailing newline removed.
type Reply struct {
	Text string
}

// OK reports whether the daemon marked the command as successful: the last
// line of a successful answer is exactly "OK".
func (r Reply) OK() bool {
	lines := strings.Split(r.Text, "\n")
	return lines[len(lines)-1] == okMarker
}

// Body is the answer without the trailing OK marker.
func (r Reply) Body() string {
	if !r.OK() {
		return r.Text
	}
	return strings.TrimSuffix(strings.TrimSuffix(r.Text, okMarker), "\n")
}

type Client struct {
	addr    string
	timeout time.Duration
}

func New(host string, port int, timeout time.Duration) *Client {
	if host == "" {
		host = DefaultHost
	}
	return &Client{
		addr:    net.JoinHostPort(host, fmt.Sprint(port)),
		timeout: timeout,
	}
}

// Send writes command and its arguments as one line and waits for the
// daemon to answer and close the connection. The daemon only polls its
// socket once per listen interval, so timeout must exceed that interval.
func (c *Client) Send(ctx context.Context, command string, args ...string) (Reply, error) {
	if command == "" {
		return Reply{}, fmt.Errorf("command is required")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return Reply{}, fmt.Errorf("dial daemon: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	line := strings.Join(append([]string{command}, args...), " ")
	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		return Reply{}, fmt.Errorf("send command: %w", err)
	}

	body, err := io.ReadAll(io.LimitReader(conn, maxReply))
	if err != nil {
		return Reply{}, fmt.Errorf("read reply: %w", err)
	}
	return Reply{Text: strings.TrimRight(string(body), "\n")}, nil
}
