package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/maimbot/napcat-adapter/internal/adapter"
	"github.com/maimbot/napcat-adapter/internal/config"
	"github.com/maimbot/napcat-adapter/internal/store"
)

func runAdapter() {
	cfgPath := resolveConfigPath()
	mgr := config.NewManager(cfgPath)
	if err := mgr.Load(); err != nil {
		slog.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	setupLogging(mgr.Snapshot().Debug.Level)

	if err := mgr.StartWatch(); err != nil {
		slog.Warn("config hot reload unavailable", "error", err)
	}
	defer mgr.StopWatch()

	dbPath := resolveDBPath()
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		slog.Error("cannot create database directory", "path", dbPath, "error", err)
		os.Exit(1)
	}
	bans, err := store.Open(dbPath)
	if err != nil {
		slog.Error("failed to open ban store", "path", dbPath, "error", err)
		os.Exit(1)
	}
	defer bans.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sup := adapter.New(mgr, bans)
	if err := sup.Run(ctx); err != nil {
		if isAddrInUse(err) {
			gw := mgr.Snapshot().Gateway
			fmt.Fprintf(os.Stderr, "Port %d is already in use. Is another adapter instance running?\n", gw.Port)
			fmt.Fprintln(os.Stderr, "Stop it or change gateway.port in the config file.")
		} else {
			slog.Error("adapter stopped", "error", err)
		}
		os.Exit(1)
	}
}

// setupLogging installs the default slog handler. The --verbose flag wins
// over the configured level.
func setupLogging(level string) {
	logLevel := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE) ||
		strings.Contains(err.Error(), "address already in use")
}
