// SecureDrop Server
//
// Features:
// - Anonymous and authenticated file drops behind short access codes
// - AES-GCM encryption at rest
// - Expiry deadlines and download quotas with background cleanup
// - Multi-backend storage (S3, local)
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/securedrop/securedrop/internal/api"
	"github.com/securedrop/securedrop/internal/auth"
	"github.com/securedrop/securedrop/internal/config"
	"github.com/securedrop/securedrop/internal/encryption"
	"github.com/securedrop/securedrop/internal/logging"
	"github.com/securedrop/securedrop/internal/metadata"
	"github.com/securedrop/securedrop/internal/metadata/memory"
	"github.com/securedrop/securedrop/internal/metadata/postgres"
	"github.com/securedrop/securedrop/internal/metrics"
	"github.com/securedrop/securedrop/internal/sharing"
	"github.com/securedrop/securedrop/internal/storage"
	"github.com/securedrop/securedrop/internal/storage/local"
	s3storage "github.com/securedrop/securedrop/internal/storage/s3"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	// Initialize structured logging
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("SecureDrop Server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize the metadata store
	var metaStore metadata.Store
	var pgStore *postgres.Store
	if cfg.DatabaseURL != "" {
		logging.Info("connecting to PostgreSQL...")
		pgStore, err = postgres.New(cfg.DatabaseURL)
		if err != nil {
			logging.Fatal("database connection failed", zap.Error(err))
		}
		if err := pgStore.EnsureSchema(ctx); err != nil {
			logging.Fatal("schema setup failed", zap.Error(err))
		}
		metaStore = pgStore
	} else {
		logging.Info("no DATABASE_URL set, using in-memory metadata store")
		metaStore = memory.New()
	}
	defer metaStore.Close()

	// Initialize the blob backend
	var blobs storage.Backend
	switch cfg.StorageBackend {
	case "s3":
		blobs, err = s3storage.New(ctx, s3storage.Config{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
		})
	default:
		blobs, err = local.New(local.Config{RootPath: cfg.LocalStoragePath})
	}
	if err != nil {
		logging.Fatal("storage backend init failed",
			zap.String("backend", cfg.StorageBackend),
			zap.Error(err))
	}
	defer blobs.Close()
	logging.Info("storage backend initialized", zap.String("type", blobs.Type()))

	// Initialize encryption
	keys, err := encryption.NewStaticKeySource(cfg.EncryptionSecret)
	if err != nil {
		logging.Fatal("encryption key setup failed", zap.Error(err))
	}

	// Initialize the sharing service
	service := sharing.NewService(metaStore, blobs, keys, sharing.Config{
		BaseURL:             cfg.BaseURL,
		DefaultExpiry:       time.Duration(cfg.DefaultExpiryHours) * time.Hour,
		DefaultMaxDownloads: cfg.DefaultMaxDownloads,
	})

	// Start the cleanup sweeper
	cleaner := sharing.NewCleaner(metaStore, blobs, cfg.CleanupInterval, nil)
	go cleaner.Start(ctx)

	// Initialize auth
	authHandler := auth.New(cfg.JWTSecret)
	if !authHandler.Enabled() {
		logging.Warn("JWT_SECRET not set, all requests are anonymous")
	}

	// Create API server
	srv := api.NewServer(service, authHandler, cfg.MaxUploadSize)

	// Start metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	// Start HTTP(S) server
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}

	useTLS := cfg.TLSCertFile != "" && cfg.TLSKeyFile != ""
	if useTLS {
		httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS13,
		}
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()
		httpServer.Close()
		metricsServer.Close()
	}()

	// Start periodic metrics update
	if pgStore != nil {
		go func() {
			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					pgStore.UpdateConnectionMetrics()
				}
			}
		}()
	}

	if useTLS {
		logging.Info("server listening (TLS 1.3)",
			zap.String("addr", cfg.ListenAddr),
			zap.String("cert", cfg.TLSCertFile))
		if err := httpServer.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile); err != http.ErrServerClosed {
			logging.Fatal("server error", zap.Error(err))
		}
	} else {
		logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Fatal("server error", zap.Error(err))
		}
	}
}
