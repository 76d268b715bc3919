// Command foris-forwarder bridges a host MQTT bus to one or more
// subordinate buses. It is a thin flag-parsing entrypoint: configuration
// content, topic semantics, and transport details all live in the
// internal packages this command wires together.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/turris-cz/foris-forwarder-go/internal/app"
	"github.com/turris-cz/foris-forwarder-go/internal/config"
	"github.com/turris-cz/foris-forwarder-go/internal/healthz"
)

// version is overridden at build time via -ldflags.
var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("foris-forwarder", flag.ContinueOnError)
	configPath := fs.String("config", "/etc/foris-forwarder/config.yaml", "path to the bridge configuration file")
	healthAddr := fs.String("health-addr", "127.0.0.1:8080", "listen address for /healthz and /metrics")
	debug := fs.Bool("debug", false, "enable debug-level logging")
	showVersion := fs.Bool("version", false, "print the version and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	logger := newLogger(*debug)

	cfg, err := config.Load(*configPath, logger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	application, err := app.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}

	httpServer := &http.Server{
		Addr:    *healthAddr,
		Handler: healthz.NewRouter(application.Status, application.Metrics().Registry),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("health server: %w", err)
		}
	}()
	go func() {
		errCh <- application.Run(ctx)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			logger.Error("fatal error", slog.Any("error", err))
		}
	}

	application.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)

	return nil
}

// newLogger builds the process-wide structured logger: a JSON handler over
// stderr with the level selectable at startup.
func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
