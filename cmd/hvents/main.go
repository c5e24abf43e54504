// Command hvents runs the declarative event-dispatch engine.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/songokas/hvents/internal/bootstrap"
	"github.com/songokas/hvents/internal/buildinfo"
)

func main() {
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if flag.NArg() > 0 && flag.Arg(0) == "version" {
		fmt.Println(buildinfo.String())
		for k, v := range buildinfo.BuildInfo() {
			fmt.Printf("  %-12s %s\n", k+":", v)
		}
		return
	}

	var configPath string
	if flag.NArg() > 0 {
		configPath = flag.Arg(0)
	}

	if err := run(logger, configPath); err != nil {
		logger.Error("hvents failed", "error", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps a startup failure to spec.md §6's CLI contract: 0 normal
// shutdown (run returns nil), 1 configuration error, 2 I/O error at
// startup. Any error that reaches here did not come from bootstrap.New's
// classified failures, so it is treated as a configuration problem.
func exitCode(err error) int {
	var cfgErr *bootstrap.ConfigError
	if errors.As(err, &cfgErr) {
		return 1
	}
	var ioErr *bootstrap.StartupIOError
	if errors.As(err, &ioErr) {
		return 2
	}
	return 1
}

func run(logger *slog.Logger, configPath string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := bootstrap.New(ctx, configPath, logger)
	if err != nil {
		return err
	}
	logger = app.Logger()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	app.Run(ctx)
	app.Shutdown(context.Background())
	return nil
}
