package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"ttp/pkg/config"
	"ttp/pkg/listener"
	"ttp/pkg/logger"
	"ttp/pkg/messaging"
	"ttp/pkg/metrics"
)

const (
	offlinePayload  = "offline"
	sinceLayout     = "2006-01-02 15:04:05.000"
	shutdownTimeout = 10 * time.Second
)

var (
	ErrAlreadyStarted = errors.New("daemon already started")
	ErrNotStarted     = errors.New("daemon not started")
)

// Runtime is the state shared by the daemon components for one process.
type Runtime struct {
	Name       string
	Node       string
	ConfigPath string
	StartedAt  time.Time
	Logger     *logger.Logger
	Metrics    *metrics.Metrics
	Now        func() time.Time
}

// Since formats the start time the way status replies and advertisements show it.
func (rt *Runtime) Since() string {
	return rt.StartedAt.Format(sinceLayout)
}

type Options struct {
	// ConfigPath is the daemon JSON file; its base name is the daemon name.
	ConfigPath string
	// Loader evaluates the configuration. Defaults to a FileLoader on ConfigPath.
	Loader config.Loader
	// Node overrides the node name from the configuration.
	Node string
	// Transport is optional; without it advertisements are only logged.
	Transport messaging.Transport
	Commands  map[string]CommandHandler
	Logger    *logger.Logger
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

type DaemonService struct {
	rt         *Runtime
	loader     config.Loader
	config     *config.Config
	port       int
	listener   *listener.Listener
	transport  messaging.Transport
	dispatcher *Dispatcher
	advertiser *Advertiser

	listenInterval time.Duration
	terminating    atomic.Bool

	shutdownOnce sync.Once
	shutdownErr  error

	sleep func(ctx context.Context, d time.Duration)
}

// NewDaemonService evaluates the configuration and prepares the daemon. It
// fails when the configuration cannot be evaluated or has no listening port.
func NewDaemonService(opts Options) (*DaemonService, error) {
	if opts.Logger == nil {
		opts.Logger = logger.NewDefault()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Loader == nil {
		if opts.ConfigPath == "" {
			return nil, fmt.Errorf("config path is required")
		}
		opts.Loader = config.NewFileLoader(opts.ConfigPath)
	}

	for name := range opts.Commands {
		if isBuiltin(name) {
			return nil, fmt.Errorf("command %q is built in and cannot be registered", name)
		}
	}

	cfg, err := opts.Loader.Load()
	if err != nil {
		return nil, fmt.Errorf("evaluate configuration: %w", err)
	}

	name := config.DaemonName(opts.ConfigPath)
	node := resolveNode(opts.Node, cfg.Node)

	rt := &Runtime{
		Name:       name,
		Node:       node,
		ConfigPath: opts.ConfigPath,
		StartedAt:  opts.Now(),
		Logger:     opts.Logger.With(map[string]any{"daemon": name}),
		Metrics:    opts.Metrics,
		Now:        opts.Now,
	}
	if cfg.LogLevel != "" {
		rt.Logger.SetLevel(cfg.LogLevel)
	}

	d := &DaemonService{
		rt:        rt,
		loader:    opts.Loader,
		config:    cfg,
		port:      cfg.ListeningPort,
		transport: opts.Transport,
		sleep:     sleepContext,
	}
	d.dispatcher = NewDispatcher(rt, d.port, opts.Commands, d.Terminate)
	d.advertiser = NewAdvertiser(rt, opts.Transport, 0)
	d.applyIntervals(cfg, true)

	return d, nil
}

func resolveNode(override, configured string) string {
	if override != "" {
		return override
	}
	if configured != "" {
		return configured
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "localhost"
	}
	if i := strings.IndexByte(host, '.'); i > 0 {
		host = host[:i]
	}
	return host
}

// Start binds the control socket and connects the transport with the
// offline last will. A transport that cannot be reached is dropped: the
// daemon still serves its socket and logs its advertisements.
func (d *DaemonService) Start(ctx context.Context) error {
	if d.listener != nil {
		return ErrAlreadyStarted
	}

	l, err := listener.Listen(d.port)
	if err != nil {
		return fmt.Errorf("start listener: %w", err)
	}
	d.listener = l

	if d.transport != nil {
		will := &messaging.Message{
			Topic:   d.advertiser.Topic(),
			Payload: []byte(offlinePayload),
			Retain:  true,
		}
		if err := d.transport.Connect(ctx, will); err != nil {
			d.rt.Logger.Error("failed to connect to messaging bus", err, nil)
			d.transport = nil
			d.advertiser.transport = nil
		}
	}

	d.rt.Logger.Info("daemon started", map[string]any{
		"port":               d.port,
		"json":               d.rt.ConfigPath,
		"node":               d.rt.Node,
		"listen_interval":    d.listenInterval.String(),
		"advertize_interval": d.advertiser.interval.String(),
	})
	return nil
}

// Run iterates until a terminate command is received or ctx is cancelled,
// then shuts the daemon down.
func (d *DaemonService) Run(ctx context.Context) error {
	if d.listener == nil {
		return ErrNotStarted
	}

	for !d.Terminating() && ctx.Err() == nil {
		d.Iterate(ctx)
		if d.Terminating() {
			break
		}
		d.sleep(ctx, d.listenInterval)
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return d.Shutdown(shutdownCtx)
}

// Iterate runs one loop step: reload, accept at most one request, advertise.
func (d *DaemonService) Iterate(ctx context.Context) {
	if d.listener == nil {
		return
	}

	d.reload()

	conn, err := d.listener.TryAccept()
	if err != nil {
		d.rt.Logger.Debug("accept failed", map[string]any{"error": err.Error()})
	} else if conn != nil {
		d.rt.Metrics.Connection()
		d.dispatcher.Serve(ctx, conn)
	}

	d.advertiser.MaybeAdvertize(ctx, d.rt.Now())
}

func (d *DaemonService) reload() {
	cfg, err := d.loader.Load()
	if err != nil {
		d.rt.Metrics.Reload(metrics.ResultError)
		d.rt.Logger.Warn("configuration reload failed, keeping previous one", map[string]any{
			"json":  d.rt.ConfigPath,
			"error": err.Error(),
		})
		return
	}

	d.rt.Metrics.Reload(metrics.ResultOK)
	d.config = cfg
	if cfg.LogLevel != "" {
		d.rt.Logger.SetLevel(cfg.LogLevel)
	}
	d.applyIntervals(cfg, false)
}

func (d *DaemonService) applyIntervals(cfg *config.Config, startup bool) {
	listen, listenClamped := cfg.ListenEvery()
	advertize, advertizeClamped := cfg.AdvertizeEvery()

	d.listenInterval = listen
	d.advertiser.SetInterval(advertize)

	report := d.rt.Logger.Debug
	if startup {
		report = d.rt.Logger.Warn
	}
	if listenClamped {
		report("listenInterval below minimum, using default", map[string]any{
			"configured": cfg.ListenInterval,
			"minimum":    config.MinListenInterval.String(),
			"effective":  listen.String(),
		})
	}
	if advertizeClamped {
		report("advertizeInterval below minimum, using default", map[string]any{
			"configured": cfg.AdvertizeInterval,
			"minimum":    config.MinAdvertizeInterval.String(),
			"effective":  advertize.String(),
		})
	}
}

// Shutdown publishes the offline status, disconnects the transport and
// closes the socket. Only the first call does anything.
func (d *DaemonService) Shutdown(ctx context.Context) error {
	d.shutdownOnce.Do(func() {
		d.rt.Logger.Info("terminating", nil)

		var errs []error
		if d.transport != nil {
			if err := d.transport.PublishRetained(ctx, d.advertiser.Topic(), []byte(offlinePayload)); err != nil {
				d.rt.Logger.Error("failed to publish offline status", err, nil)
				errs = append(errs, err)
			}
			if err := d.transport.Disconnect(ctx); err != nil {
				d.rt.Logger.Error("failed to disconnect from messaging bus", err, nil)
				errs = append(errs, err)
			}
		}
		if d.listener != nil {
			if err := d.listener.Close(); err != nil {
				d.rt.Logger.Error("failed to close listener", err, nil)
				errs = append(errs, err)
			}
		}
		d.shutdownErr = errors.Join(errs...)
	})
	return d.shutdownErr
}

// Terminate asks the loop to stop at the next iteration boundary.
func (d *DaemonService) Terminate() {
	d.terminating.Store(true)
}

func (d *DaemonService) Terminating() bool {
	return d.terminating.Load()
}

// Config is the configuration evaluated on the latest successful reload.
func (d *DaemonService) Config() *config.Config {
	return d.config
}

func (d *DaemonService) Runtime() *Runtime {
	return d.rt
}

func (d *DaemonService) Port() int {
	return d.port
}

func (d *DaemonService) ListenInterval() time.Duration {
	return d.listenInterval
}

func (d *DaemonService) Advertiser() *Advertiser {
	return d.advertiser
}

func sleepContext(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
