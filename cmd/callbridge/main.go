package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vango-go/callbridge/internal/dotenv"
	"github.com/vango-go/callbridge/pkg/gateway/config"
	bridgeserver "github.com/vango-go/callbridge/pkg/gateway/server"
)

// Calls still running after the grace period get this long to close once
// canceled.
const cancelWait = 5 * time.Second

type bridgeDeps struct {
	loadConfig   func() (config.Config, error)
	newBridge    func(config.Config, *slog.Logger) *bridgeserver.Server
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultBridgeDeps() bridgeDeps {
	return bridgeDeps{
		loadConfig: config.LoadFromEnv,
		newBridge: func(cfg config.Config, logger *slog.Logger) *bridgeserver.Server {
			return bridgeserver.New(cfg, logger, bridgeserver.Options{})
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func newLogger(cfg config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func runBridge(ctx context.Context, stderr io.Writer, deps bridgeDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.newBridge == nil {
		return errors.New("missing newBridge dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg, stderr)

	bridge := deps.newBridge(cfg, logger)
	httpSrv := buildHTTPServer(cfg, bridge.Handler())

	logger.Info("starting callbridge",
		"addr", cfg.Addr,
		"agent_id", cfg.AgentID,
		"webhook_path", cfg.WebhookPath,
		"stream_path", cfg.StreamPath,
	)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutdown requested", "cause", context.Cause(ctx))
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	bridge.Drain()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	// Media streams are hijacked connections; Shutdown does not wait for them.
	if !bridge.WaitCalls(shutdownCtx) {
		n := bridge.CancelCalls()
		logger.Warn("grace period elapsed, canceling calls", "calls", n)
		waitCtx, waitCancel := context.WithTimeout(context.Background(), cancelWait)
		defer waitCancel()
		if !bridge.WaitCalls(waitCtx) {
			logger.Error("calls still open after cancel", "calls", bridge.ActiveCalls())
		}
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("callbridge stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps bridgeDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}

	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(stderr, "callbridge: %v\n", err)
		return 1
	}

	if err := runBridge(ctx, stderr, deps); err != nil {
		fmt.Fprintf(stderr, "callbridge: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultBridgeDeps()))
}
