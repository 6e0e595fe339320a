package daemon

import (
	"context"
	"net"
	"strings"
)

// Request is one command line received on the control socket. Conn is the
// accepted connection; it is half-closed and closed by the dispatcher once
// the reply is written, so handlers must not keep it.
type Request struct {
	Conn    net.Conn
	Peer    net.Addr
	Line    string
	Command string
	Args    []string
}

func parseRequest(conn net.Conn, line string) *Request {
	req := &Request{Conn: conn, Line: line}
	if conn != nil {
		req.Peer = conn.RemoteAddr()
	}
	fields := strings.Fields(line)
	if len(fields) > 0 {
		req.Command = fields[0]
		req.Args = fields[1:]
	}
	return req
}

// CommandHandler answers a daemon-specific command. The returned string is
// sent back verbatim; an error is sent back as its message.
type CommandHandler interface {
	Handle(ctx context.Context, req *Request) (string, error)
}

type CommandHandlerFunc func(ctx context.Context, req *Request) (string, error)

func (f CommandHandlerFunc) Handle(ctx context.Context, req *Request) (string, error) {
	return f(ctx, req)
}
