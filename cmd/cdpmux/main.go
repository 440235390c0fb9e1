package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dgnsrekt/cdpmux/internal/api"
	"github.com/dgnsrekt/cdpmux/internal/cdpexec"
	"github.com/dgnsrekt/cdpmux/internal/config"
	"github.com/dgnsrekt/cdpmux/internal/controller"
	"github.com/dgnsrekt/cdpmux/internal/journal"
	"github.com/dgnsrekt/cdpmux/internal/netutil"
)

func main() {
	os.Exit(run())
}

// run starts the service and returns the process exit code.
func run() int {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return 1
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		_, _ = io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n")
		return 1
	}

	slog.Info("cdpmux config loaded",
		"browser_binary", cfg.BrowserBinary,
		"host", cfg.Host,
		"port", cfg.Port,
		"base_port", cfg.BasePort,
		"base_tab", cfg.BaseTab,
		"conn_timeout_ms", cfg.ConnTimeoutMS,
		"recv_timeout_ms", cfg.RecvTimeoutMS,
		"bind_addr", cfg.BindAddr,
		"log_level", cfg.LogLevel,
		"journal_file", cfg.JournalFile,
		"startup_file", cfg.StartupFile,
	)

	startup, err := config.LoadStartup(cfg.StartupFile, cfg.BaseTab)
	switch {
	case errors.Is(err, os.ErrNotExist):
		slog.Info("no startup file, launching with defaults", "path", cfg.StartupFile)
		startup = &config.Startup{}
	case err != nil:
		slog.Error("failed to load startup file", "path", cfg.StartupFile, "error", err)
		return 1
	}

	var jw *journal.Writer
	if cfg.JournalFile != "" {
		jw, err = journal.Open(cfg.JournalFile, journal.Options{MaxSizeMB: cfg.JournalMaxSizeMB})
		if err != nil {
			slog.Error("failed to open journal", "path", cfg.JournalFile, "error", err)
			return 1
		}
		defer func() {
			if err := jw.Close(); err != nil {
				slog.Warn("journal close failed", "error", err)
			}
		}()
	}

	bindAddr, err := netutil.SelectBindAddr(cfg.BindAddr, cfg.PortCandidates, cfg.PortAutoFallback)
	if err != nil {
		slog.Error("failed to select bind address", "preferred", cfg.BindAddr, "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mgr, err := cdpexec.New(ctx, cdpexec.Options[string]{
		Binary:          cfg.BrowserBinary,
		BaseTabKey:      cfg.BaseTab,
		Host:            cfg.Host,
		Port:            cfg.Port,
		ExtraArgs:       startup.Browser.Args,
		ConnTimeout:     cfg.ConnTimeout(),
		RecvTimeout:     cfg.RecvTimeout(),
		ShutdownTimeout: cfg.ShutdownTimeout(),
		Ports:           netutil.NewPortRegistry(cfg.BasePort),
		Journal:         jw,
	})
	if err != nil {
		slog.Error("failed to start browser", "binary", cfg.BrowserBinary, "error", err)
		return 1
	}
	defer func() {
		if err := mgr.Close(); err != nil {
			slog.Warn("browser teardown failed", "error", err)
		}
	}()

	svc := controller.NewService(mgr, cfg.RecvTimeout())
	if err := mgr.Connect(ctx, cfg.BaseTab); err != nil {
		slog.Warn("base tab connect failed", "tab_key", cfg.BaseTab, "error", err)
	}
	for _, tab := range startup.Tabs {
		info, err := svc.OpenTab(ctx, tab.Key, tab.URL)
		if err != nil {
			slog.Error("failed to open startup tab", "tab_key", tab.Key, "url", tab.URL, "error", err)
			continue
		}
		slog.Info("startup tab opened", "tab_key", info.Key, "tab_id", info.TabID, "url", info.URL)
	}

	srv := &http.Server{Addr: bindAddr, Handler: api.NewServer(svc)}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("cdpmux listening", "addr", bindAddr, "docs", "http://"+bindAddr+"/docs", "browser", mgr.String())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	code := 0
	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		slog.Error("cdpmux server failed", "error", err)
		code = 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("cdpmux shutdown failed", "error", err)
	}
	return code
}

func setupLogger(level, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	h := slog.NewTextHandler(io.MultiWriter(os.Stdout, logWriter), &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))
	return nil
}
