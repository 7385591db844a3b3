package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"perpgate/internal/adapters/config"
	"perpgate/internal/adapters/errors/noop"
	"perpgate/internal/adapters/errors/sentry"
	"perpgate/internal/services/trading"
	"perpgate/pkg/errors"
	"perpgate/pkg/logger"
)

const usage = `usage: perpgate [-account name] <command> [flags]

commands:
  balance     per-asset futures balances
  positions   open positions
  mode        resolved trading mode
  quote       quantity for a USDT amount
  orders      order history or resting orders of a symbol
  open        size and open a position with optional protection
  stop        replace the stop-loss of a position
  tp          replace the take-profit ladder of a position
  serve       expose account metrics for scraping
  events      tail trade events from kafka
`

const (
	exitOK       = 0
	exitError    = 1
	exitDegraded = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet("perpgate", flag.ContinueOnError)
	global.SetOutput(stderr)
	global.Usage = func() { fmt.Fprint(stderr, usage) }
	accountName := global.String("account", "", "account name from ACCOUNTS_FILE (default: first account)")
	if err := global.Parse(args); err != nil {
		return exitError
	}
	if global.NArg() == 0 {
		global.Usage()
		return exitError
	}
	command, ok := commands[global.Arg(0)]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n", global.Arg(0))
		global.Usage()
		return exitError
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(stderr, "failed to load config: %v\n", err)
		return exitError
	}
	if err := initLogger(cfg); err != nil {
		fmt.Fprintf(stderr, "failed to init logger: %v\n", err)
		return exitError
	}
	defer logger.Sync()

	log := logger.Get()
	errorTracker := initErrorTracker(cfg, log)
	logger.SetErrorTracker(errorTracker)
	defer flushErrorTracker(errorTracker, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, *accountName, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitError
	}
	defer a.Close()

	err = command(sentry.WithAccount(ctx, a.account.Name), a, global.Args()[1:])
	return exitCode(err, stderr)
}

// exitCode maps a command result to the process exit status.
// A live order with failed protection is reported distinctly.
func exitCode(err error, stderr io.Writer) int {
	if err == nil {
		return exitOK
	}
	var degraded *trading.DegradedError
	if errors.As(err, &degraded) {
		fmt.Fprintf(stderr, "DEGRADED: %v\n", degraded)
		return exitDegraded
	}
	if errors.Is(err, flag.ErrHelp) {
		return exitOK
	}
	fmt.Fprintf(stderr, "error: %v\n", err)
	return exitError
}

// loadConfig loads application configuration from environment
func loadConfig() (*config.Config, error) {
	return config.Load()
}

// initLogger initializes structured logging
func initLogger(cfg *config.Config) error {
	return logger.Init(cfg.App.LogLevel, cfg.App.Env)
}

// initErrorTracker initializes error tracking (Sentry or no-op)
func initErrorTracker(cfg *config.Config, log *logger.Logger) errors.Tracker {
	if !cfg.ErrorTracking.Enabled || cfg.ErrorTracking.SentryDSN == "" {
		log.Debug("Error tracking disabled")
		return noop.New()
	}

	tracker, err := sentry.New(cfg.ErrorTracking.SentryDSN, cfg.ErrorTracking.Environment)
	if err != nil {
		log.Warnf("Failed to initialize Sentry: %v", err)
		return noop.New()
	}

	log.Info("Error tracking initialized (Sentry)")
	return tracker
}

func flushErrorTracker(tracker errors.Tracker, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if dropped, ok := tracker.(*noop.Tracker); ok && dropped.Dropped() > 0 {
		log.Debugf("Error tracking disabled, %d events not reported", dropped.Dropped())
	}
	if err := tracker.Flush(ctx); err != nil {
		log.Warnf("Failed to flush error tracker: %v", err)
	}
}

// waitForShutdown blocks until the signal context is done or the server fails
func waitForShutdown(ctx context.Context, serverErr <-chan error, shutdown func(context.Context) error, log *logger.Logger) error {
	var err error
	select {
	case <-ctx.Done():
		log.Info("Shutting down...")
	case err = <-serverErr:
		log.Errorw("Server stopped", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if shutdownErr := shutdown(shutdownCtx); shutdownErr != nil {
		log.Warnf("Graceful shutdown failed: %v", shutdownErr)
	}

	log.Info("Shutdown complete")
	return err
}
