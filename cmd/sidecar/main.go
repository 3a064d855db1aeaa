package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/connies-uploader/sidecar/internal/config"
	"github.com/connies-uploader/sidecar/internal/dispatch"
	"github.com/connies-uploader/sidecar/internal/executor"
	"github.com/connies-uploader/sidecar/internal/health"
	"github.com/connies-uploader/sidecar/internal/history"
	"github.com/connies-uploader/sidecar/internal/log"
	"github.com/connies-uploader/sidecar/internal/protocol"
	"github.com/connies-uploader/sidecar/internal/queue"
	"github.com/connies-uploader/sidecar/internal/ratelimit"
	"github.com/connies-uploader/sidecar/internal/service"
	"github.com/connies-uploader/sidecar/internal/session"
)

const version = "0.1.0"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("sidecar", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	configPath := fs.String("config", "", "Path to YAML configuration file")
	workers := fs.Int("workers", 0, "Worker pool size (overrides config)")
	logLevel := fs.String("log-level", "", "Log level: DEBUG, INFO, WARN, ERROR (overrides config)")
	queueSize := fs.Int("queue-size", 0, "Job queue capacity (overrides config)")
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *showVersion {
		fmt.Printf("sidecar version %s\n", version)
		return 0
	}

	cfg := config.Defaults()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			return 1
		}
		cfg = loaded
	}
	if *workers > 0 {
		cfg.Service.Workers = *workers
	}
	if *logLevel != "" {
		cfg.Service.LogLevel = *logLevel
	}
	if *queueSize > 0 {
		cfg.Service.QueueSize = *queueSize
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		return 1
	}

	// Logs go to stderr; stdout carries only protocol events.
	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("sidecar starting",
		"version", version,
		"workers", cfg.Service.Workers,
		"queue_size", cfg.Service.QueueSize,
		"services", len(cfg.Services),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := protocol.NewWriter(os.Stdout)
	q := queue.New(cfg.Service.QueueSize)
	registry := service.NewRegistry(cfg.Services)
	limiter := ratelimit.NewRegistry(cfg.Rate)
	for id, spec := range cfg.Services {
		if spec.Rate != nil {
			limiter.SetBucket(id, *spec.Rate)
		}
	}

	var hist *history.Store
	if cfg.History.Path != "" {
		var err error
		hist, err = history.Open(ctx, cfg.History.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open history store: %v\n", err)
			return 1
		}
		defer hist.Close()
		logger.Info("history store opened", "path", cfg.History.Path)
	}

	disp := dispatch.New(cfg, q, registry, limiter, session.NewStore(),
		executor.New(cfg.HTTP), out, hist)
	disp.Start(ctx)

	if cfg.Health.Listen != "" {
		// The typed-nil guard matters: a nil *history.Store boxed into the
		// interface would pass the handler's nil check and then crash.
		var recent health.RecentSource
		if hist != nil {
			recent = hist
		}
		hs := health.New(cfg.Health.Listen, disp, limiter, recent)
		go func() {
			if err := hs.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("health listener failed", "error", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	readerDone := make(chan struct{})
	go func() {
		readCommands(ctx, protocol.NewReader(os.Stdin), disp, out, logger)
		close(readerDone)
	}()

	select {
	case <-readerDone:
		// Input stream closed or shutdown command received.
	case sig := <-sigCh:
		// A signal is the abnormal path; the front end asks for a graceful
		// stop by closing stdin. Skip the drain and cancel in-flight jobs.
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	}

	// Stop admitting work, let in-flight jobs finish within the grace
	// period, then cut them off.
	q.Close()
	drained := make(chan struct{})
	go func() {
		disp.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		logger.Info("drained, exiting")
	case <-time.After(cfg.Service.ShutdownGrace):
		logger.Warn("shutdown grace expired, canceling in-flight jobs")
		cancel()
		<-drained
	}

	logger.Info("sidecar stopped")
	return 0
}

// readCommands consumes the input stream until EOF, shutdown, or cancellation.
// Malformed lines are reported as diagnostics and never stop the loop.
func readCommands(ctx context.Context, r *protocol.Reader, disp *dispatch.Dispatcher, out *protocol.Writer, logger *slog.Logger) {
	for {
		if ctx.Err() != nil {
			return
		}
		cmd, err := r.Next()
		if err != nil {
			var malformed *protocol.MalformedLineError
			if errors.As(err, &malformed) {
				logger.Warn("malformed input line", "error", malformed.Err.Error())
				_ = out.Diagnostic("warn", malformed.Err.Error())
				continue
			}
			if !errors.Is(err, io.EOF) {
				logger.Error("input stream error", "error", err.Error())
			}
			return
		}

		switch cmd.Action {
		case protocol.ActionPing:
			_ = out.Pong(cmd.CorrelationID)
		case protocol.ActionShutdown:
			logger.Info("shutdown command received")
			return
		default:
			disp.Submit(cmd)
		}
	}
}
