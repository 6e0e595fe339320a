package daemon

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ttp/pkg/config"
	"ttp/pkg/logger"
	"ttp/pkg/messaging"
)

var startedAt = time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)

// stubLoader returns cfg, or err when set, and counts evaluations.
type stubLoader struct {
	mu    sync.Mutex
	cfg   *config.Config
	err   error
	calls int
}

func (l *stubLoader) Load() (*config.Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.err != nil {
		return nil, l.err
	}
	copied := *l.cfg
	return &copied, nil
}

func (l *stubLoader) set(cfg *config.Config, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg, l.err = cfg, err
}

func (l *stubLoader) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

// fakeTransport records what the daemon sends to the bus.
type fakeTransport struct {
	mu          sync.Mutex
	will        *messaging.Message
	retained    []messaging.Message
	connectErr  error
	publishErr  error
	disconnects int
}

func (f *fakeTransport) Connect(_ context.Context, will *messaging.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.will = will
	return f.connectErr
}

func (f *fakeTransport) Publish(_ context.Context, topic string, payload []byte) error {
	return f.PublishRetained(context.Background(), topic, payload)
}

func (f *fakeTransport) PublishRetained(_ context.Context, topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.retained = append(f.retained, messaging.Message{Topic: topic, Payload: payload, Retain: true})
	return nil
}

func (f *fakeTransport) Disconnect(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

func (f *fakeTransport) payloads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.retained))
	for _, m := range f.retained {
		out = append(out, string(m.Payload))
	}
	return out
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func testRuntime() *Runtime {
	return &Runtime{
		Name:       "alert-monitor",
		Node:       "NODE1",
		ConfigPath: "/etc/ttp/daemons/alert-monitor.json",
		StartedAt:  startedAt,
		Logger:     logger.New(io.Discard),
		Now:        func() time.Time { return startedAt },
	}
}

type fixture struct {
	daemon    *DaemonService
	loader    *stubLoader
	transport *fakeTransport
}

func newFixture(t *testing.T, commands map[string]CommandHandler) *fixture {
	t.Helper()

	loader := &stubLoader{cfg: &config.Config{
		ListeningPort:     freePort(t),
		ListenInterval:    1,
		AdvertizeInterval: 60,
	}}
	transport := &fakeTransport{}

	d, err := NewDaemonService(Options{
		ConfigPath: "/etc/ttp/daemons/alert-monitor.json",
		Loader:     loader,
		Node:       "NODE1",
		Transport:  transport,
		Commands:   commands,
		Logger:     logger.New(io.Discard),
		Now:        func() time.Time { return startedAt },
	})
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() { _ = d.Shutdown(context.Background()) })

	return &fixture{daemon: d, loader: loader, transport: transport}
}

// send writes line to the daemon and delivers everything it answers.
func send(t *testing.T, port int, line string) <-chan string {
	t.Helper()

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), time.Second)
	require.NoError(t, err)
	_, err = conn.Write([]byte(line))
	require.NoError(t, err)

	reply := make(chan string, 1)
	go func() {
		defer conn.Close()
		b, _ := io.ReadAll(conn)
		reply <- string(b)
	}()
	return reply
}

// iterateForReply runs loop iterations until the pending request is served.
func iterateForReply(t *testing.T, d *DaemonService, reply <-chan string) string {
	t.Helper()
	for i := 0; i < 50; i++ {
		d.Iterate(context.Background())
		select {
		case r := <-reply:
			return r
		case <-time.After(20 * time.Millisecond):
		}
	}
	t.Fatal("request was never served")
	return ""
}
