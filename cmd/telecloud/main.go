// Package main is the entry point for the TeleCloud chunked file storage server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/telecloud/telecloud/internal/config"
	"github.com/telecloud/telecloud/internal/engine"
	"github.com/telecloud/telecloud/internal/logging"
	"github.com/telecloud/telecloud/internal/manifest"
	"github.com/telecloud/telecloud/internal/metrics"
	"github.com/telecloud/telecloud/internal/server"
	"github.com/telecloud/telecloud/internal/transport"
)

func main() {
	configPath := flag.String("config", "telecloud.yaml", "path to configuration file")
	port := flag.Int("port", 0, "override listening port (default: from config or 8080)")
	host := flag.String("host", "", "override listening host (default: from config or 0.0.0.0)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (default: from config or info)")
	logFormat := flag.String("log-format", "", "log format: text, json (default: from config or json)")
	backend := flag.String("backend", "", "override transport backend (default: from config or local)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Command-line flags override config file values.
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	if *backend != "" {
		cfg.Transport.Backend = *backend
	}

	logging.Setup(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	metrics.Register()

	// Initialize the SQLite manifest store.
	dbPath := cfg.Manifest.Path
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create manifest directory: %v\n", err)
		os.Exit(1)
	}
	store, err := manifest.NewSQLiteStore(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize manifest store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	blobs, err := buildTransport(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	// Crash-only design: every startup is recovery. Uploads interrupted by a
	// crash are still PROVISIONAL; roll them back before serving traffic.
	reaper := engine.NewLifecycle(store, blobs)
	maxAge := time.Duration(cfg.Engine.ProvisionalMaxAgeHours) * time.Hour
	if n, err := reaper.ReapProvisional(context.Background(), maxAge); err != nil {
		slog.Warn("Reaping stale uploads failed", "error", err)
	} else if n > 0 {
		slog.Info("Reaped stale uploads", "count", n)
	}

	srv := server.New(cfg, store, blobs)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("TeleCloud listening", "addr", addr, "backend", cfg.Transport.Backend)
		if err := srv.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// SIGTERM/SIGINT handler: stop accepting connections, wait for in-flight
	// requests with a timeout, then exit.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down", "signal", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("Shutdown error", "error", err)
		}
		slog.Info("Server stopped")

	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	}
}

// buildTransport constructs the configured chunk transport, wrapped with the
// shared retry policy.
func buildTransport(cfg *config.Config) (transport.Transport, error) {
	tc := cfg.Transport

	var inner transport.Transport
	switch tc.Backend {
	case "telegram":
		tg, err := transport.NewTelegram(tc.Telegram.BotToken, tc.Telegram.ChatID, tc.Telegram.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize telegram transport: %w", err)
		}
		inner = tg
		slog.Info("Transport initialized", "backend", "telegram", "chat_id", tc.Telegram.ChatID)
	case "s3":
		if tc.S3Bucket == "" {
			return nil, fmt.Errorf("transport.s3_bucket is required when backend is 's3'")
		}
		region := tc.S3Region
		if region == "" {
			region = "us-east-1"
		}
		s3t, err := transport.NewS3Transport(context.Background(), transport.S3Options{
			Bucket:       tc.S3Bucket,
			Region:       region,
			Prefix:       tc.S3Prefix,
			EndpointURL:  tc.S3Endpoint,
			UsePathStyle: tc.S3Endpoint != "",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize s3 transport: %w", err)
		}
		inner = s3t
		slog.Info("Transport initialized", "backend", "s3", "bucket", tc.S3Bucket, "region", region)
	case "gcs":
		if tc.GCSBucket == "" {
			return nil, fmt.Errorf("transport.gcs_bucket is required when backend is 'gcs'")
		}
		gcst, err := transport.NewGCSTransport(context.Background(), tc.GCSBucket, tc.GCSPrefix)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize gcs transport: %w", err)
		}
		inner = gcst
		slog.Info("Transport initialized", "backend", "gcs", "bucket", tc.GCSBucket)
	case "azure":
		if tc.AzureContainer == "" {
			return nil, fmt.Errorf("transport.azure_container is required when backend is 'azure'")
		}
		accountURL := tc.AzureAccountURL
		if accountURL == "" {
			if tc.AzureAccount == "" {
				return nil, fmt.Errorf("transport.azure_account or azure_account_url is required when backend is 'azure'")
			}
			accountURL = fmt.Sprintf("https://%s.blob.core.windows.net", tc.AzureAccount)
		}
		azt, err := transport.NewAzureTransport(accountURL, tc.AzureContainer, tc.AzurePrefix)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize azure transport: %w", err)
		}
		inner = azt
		slog.Info("Transport initialized", "backend", "azure", "container", tc.AzureContainer)
	case "memory":
		inner = transport.NewMemory()
		slog.Info("Transport initialized", "backend", "memory")
	default:
		local, err := transport.NewLocal(tc.Local.RootDir)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize local transport: %w", err)
		}
		// Crash-only recovery: clean orphan temp files from incomplete writes.
		if err := local.CleanTempFiles(); err != nil {
			slog.Warn("Failed to clean temp files", "error", err)
		}
		inner = local
		slog.Info("Transport initialized", "backend", "local", "root", tc.Local.RootDir)
	}

	delay := time.Duration(tc.RetryBaseDelayMS) * time.Millisecond
	return transport.NewRetrying(inner, tc.RetryAttempts, delay), nil
}
