package daemon

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"ttp/pkg/metrics"
)

const (
	recvBufferSize = 4096
	readTimeout    = time.Second

	replyOK = "OK"

	commandHelp      = "help"
	commandStatus    = "status"
	commandTerminate = "terminate"
)

func isBuiltin(name string) bool {
	switch name {
	case commandHelp, commandStatus, commandTerminate:
		return true
	}
	return false
}

// Dispatcher answers one request per accepted connection.
type Dispatcher struct {
	rt        *Runtime
	port      int
	handlers  map[string]CommandHandler
	terminate func()
}

func NewDispatcher(rt *Runtime, port int, handlers map[string]CommandHandler, terminate func()) *Dispatcher {
	return &Dispatcher{
		rt:        rt,
		port:      port,
		handlers:  handlers,
		terminate: terminate,
	}
}

// Serve reads one line from conn, answers it and closes the connection.
// It returns nil when nothing could be read.
func (d *Dispatcher) Serve(ctx context.Context, conn net.Conn) *Request {
	defer conn.Close()

	peer := conn.RemoteAddr()
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

	buf := make([]byte, recvBufferSize)
	n, err := conn.Read(buf)
	if n == 0 {
		d.rt.Logger.Debug("no data received", map[string]any{
			"peer":  peer.String(),
			"error": fmt.Sprint(err),
		})
		return nil
	}

	req := parseRequest(conn, strings.TrimRight(string(buf[:n]), "\r\n"))
	reply := d.Dispatch(ctx, req)

	d.rt.Logger.Debug("command answered", map[string]any{
		"peer":    peer.String(),
		"command": req.Command,
		"args":    strings.Join(req.Args, " "),
	})

	if _, err := conn.Write([]byte(reply + "\n")); err != nil {
		d.rt.Logger.Warn("failed to write reply", map[string]any{
			"peer":  peer.String(),
			"error": err.Error(),
		})
		return req
	}
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
	return req
}

// Dispatch computes the reply for req.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) string {
	switch req.Command {
	case commandHelp:
		d.rt.Metrics.Command(req.Command, metrics.ResultOK)
		return strings.Join(d.Names(), ", ") + "\n" + replyOK

	case commandStatus:
		d.rt.Metrics.Command(req.Command, metrics.ResultOK)
		return strings.Join([]string{
			"running since " + d.rt.Since(),
			"json: " + d.rt.ConfigPath,
			fmt.Sprintf("listeningPort: %d", d.port),
			replyOK,
		}, "\n")

	case commandTerminate:
		d.rt.Metrics.Command(req.Command, metrics.ResultOK)
		d.terminate()
		return replyOK
	}

	handler, ok := d.handlers[req.Command]
	if !ok {
		// Unknown tokens share one label value to keep the series bounded.
		d.rt.Metrics.Command("unknown", metrics.ResultUnknown)
		return fmt.Sprintf("unknowned command '%s'", req.Command)
	}

	reply, err := handler.Handle(ctx, req)
	if err != nil {
		d.rt.Metrics.Command(req.Command, metrics.ResultError)
		d.rt.Logger.Warn("command failed", map[string]any{
			"command": req.Command,
			"error":   err.Error(),
		})
		return err.Error()
	}
	d.rt.Metrics.Command(req.Command, metrics.ResultOK)
	return reply
}

// Names lists every command the dispatcher answers, sorted.
func (d *Dispatcher) Names() []string {
	names := []string{commandHelp, commandStatus, commandTerminate}
	for name := range d.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
