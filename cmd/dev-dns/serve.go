package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"dev-dns/pkg/config"
	"dev-dns/pkg/dns"
	"dev-dns/pkg/forwarder"
	"dev-dns/pkg/localrecords"
	"dev-dns/pkg/logging"
	"dev-dns/pkg/resolver"
	"dev-dns/pkg/telemetry"
)

func runServer(ctx context.Context, configPath string, out io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Close() }()
	logging.SetGlobal(logger)

	logger.Info("dev-dns starting",
		"version", version,
		"build_time", buildTime,
	)

	telem, err := telemetry.New(ctx, &cfg.Telemetry, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	metrics, err := telem.InitMetrics()
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}

	records, err := localrecords.Load(cfg.Records.Path)
	if err != nil {
		logger.Warn("Override table not loaded, forwarding everything", "path", cfg.Records.Path, "error", err)
	}
	logger.Info("Override table loaded", "path", cfg.Records.Path, "entries", records.Len())

	if cfg.Records.Watch {
		startRecordsWatcher(ctx, cfg.Records.Path, logger)
	}

	// An untyped nil keeps the handler from forwarding at all
	var fwd dns.Forwarder
	upstreams, err := resolver.New(&cfg.Upstream, logger.WithField("component", "resolver")).Upstreams(ctx)
	if err != nil {
		logger.Error("No upstream servers, unmatched questions stay unanswered", "error", err)
	} else {
		f, err := forwarder.NewForwarder(cfg, upstreams, logger.WithField("component", "forwarder"))
		if err != nil {
			logger.Error("Failed to create forwarder", "error", err)
		} else {
			fwd = f
			logger.Info("Forwarding enabled", "upstreams", upstreams, "timeout", f.Timeout())
		}
	}

	answers := dns.NewAnswerLogger(logger, logger.WithField("component", "answer_logger"), 0, 0)
	answers.SetDropCounter(metrics)

	handler := dns.NewHandler(cfg, records, fwd, logger)
	handler.SetAnswerRecorder(answers)
	handler.SetMetrics(metrics)
	handler.SetTracerProvider(telem.TracerProvider())

	server := dns.NewServer(cfg, handler, logger, metrics)
	serveErr := serve(ctx, server, func() { printBanner(ctx, out, cfg) })

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_ = answers.Close()
	if err := telem.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during telemetry shutdown", "error", err)
	}

	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return serveErr
	}
	logger.Info("dev-dns stopped")
	return nil
}

// serve runs server until ctx is canceled. announce is called once the
// socket is bound and never when binding fails.
func serve(ctx context.Context, server *dns.Server, announce func()) error {
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(ctx) }()

	select {
	case <-server.Ready():
		announce()
		return <-errCh
	case err := <-errCh:
		return err
	}
}

// printBanner writes the server name, version and every address clients can use
func printBanner(ctx context.Context, out io.Writer, cfg *config.Config) {
	fmt.Fprintf(out, "%s %s\n", cfg.Server.Name, version)

	addrs, err := dns.ListenAddresses(ctx, cfg.Server.ListenAddress, resolver.LocalAddresses)
	if err != nil {
		addrs = []string{cfg.Server.ListenAddress}
	}
	for _, addr := range addrs {
		fmt.Fprintf(out, "listening on %s\n", addr)
	}
	fmt.Fprintln(out, "--------------------")
}

func startRecordsWatcher(ctx context.Context, path string, logger *logging.Logger) {
	watcher, err := config.NewWatcher(path, logger.Logger)
	if err != nil {
		logger.Warn("Cannot watch override table", "path", path, "error", err)
		return
	}
	watcher.OnChange(func(changed string) {
		logger.Warn("Override table changed on disk, restart to apply", "path", changed)
	})
	go func() {
		if err := watcher.Start(ctx); err != nil {
			logger.Error("Records watcher stopped", "error", err)
		}
	}()
}
