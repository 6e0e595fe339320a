package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"ttp/internal/daemon"
	"ttp/pkg/config"
	"ttp/pkg/logger"
	"ttp/pkg/messaging"
	"ttp/pkg/metrics"
)

var version = "dev"

const maxExitCode = 255

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath  string
		showVersion bool
	)
	flag.StringVar(&configPath, "json", "", "path to the daemon JSON configuration")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("ttpd %s\n", version)
		return 0
	}

	log := logger.Default()
	if configPath == "" {
		log.Error("daemon configuration is required", nil, map[string]any{"flag": "-json"})
		return 1
	}

	loader := config.NewFileLoader(configPath)
	cfg, err := loader.Load()
	if err != nil {
		log.Error("failed to load config", err, map[string]any{"json": configPath})
		return 1
	}

	name := config.DaemonName(configPath)
	clientID := fmt.Sprintf("ttp-%s-%s", name, uuid.NewString()[:8])
	transport, err := messaging.New(cfg.Messaging, clientID, log)
	if err != nil {
		log.Error("failed to create messaging transport", err, nil)
		return 1
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	d, err := daemon.NewDaemonService(daemon.Options{
		ConfigPath: configPath,
		Loader:     loader,
		Transport:  transport,
		Commands: map[string]daemon.CommandHandler{
			"version": daemon.CommandHandlerFunc(func(context.Context, *daemon.Request) (string, error) {
				return fmt.Sprintf("ttpd %s\nOK", version), nil
			}),
		},
		Logger:  log,
		Metrics: metrics.New(registry, name),
	})
	if err != nil {
		log.Error("failed to create daemon", err, map[string]any{"json": configPath})
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.Start(ctx); err != nil {
		log.Error("failed to start daemon", err, nil)
		return 1
	}

	g, gctx := errgroup.WithContext(ctx)
	loopDone := make(chan struct{})

	g.Go(func() error {
		defer close(loopDone)
		return d.Run(gctx)
	})

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", d.Runtime().Metrics.Handler())
		server := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		g.Go(func() error {
			log.Info("starting metrics server", map[string]any{"addr": cfg.MetricsAddr})
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", err, map[string]any{"addr": cfg.MetricsAddr})
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			select {
			case <-loopDone:
			case <-gctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	return exitCode(log, g.Wait())
}

// exitCode reports how the daemon stopped. Every failure behind err was
// already logged as an error where it happened, so err is only a warning
// here and the exit code is the number of errors logged.
func exitCode(log *logger.Logger, err error) int {
	if err != nil {
		log.Warn("daemon stopped with error", map[string]any{"error": err.Error()})
	}

	count := log.ErrorCount()
	log.Info("daemon stopped", map[string]any{"errors": count})
	if count > maxExitCode {
		count = maxExitCode
	}
	return count
}
