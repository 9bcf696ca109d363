// Package main provides the entry point for the chunkup API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chunkup/chunkup-api/internal/chunkstore"
	"github.com/chunkup/chunkup-api/internal/config"
	"github.com/chunkup/chunkup-api/internal/server"
	"github.com/chunkup/chunkup-api/internal/upload"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration from environment
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Create structured logger
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	logger.Info("starting chunkup API",
		slog.Int("port", cfg.Port),
		slog.String("log_format", cfg.LogFormat),
		slog.String("log_level", cfg.LogLevel),
		slog.String("data_dir", cfg.DataDir),
		slog.Duration("session_ttl", cfg.SessionTTL),
		slog.Duration("sweep_interval", cfg.SweepInterval),
		slog.String("max_chunk_size", cfg.MaxChunkSize),
		slog.Bool("s3_enabled", cfg.S3Enabled()),
		slog.Bool("dynamodb_enabled", cfg.DynamoDBEnabled()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize chunk storage
	var chunks chunkstore.Store
	if cfg.S3Enabled() {
		s3Client, err := chunkstore.NewS3Client(ctx, chunkstore.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		})
		if err != nil {
			return fmt.Errorf("create S3 client: %w", err)
		}
		chunks = chunkstore.NewS3MultipartStore(s3Client, cfg.S3Bucket, cfg.S3Region)
		logger.Info("S3 multipart chunk storage configured",
			slog.String("bucket", cfg.S3Bucket),
			slog.String("region", cfg.S3Region),
		)
	} else {
		diskStore, err := chunkstore.NewDiskStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("create disk chunk store: %w", err)
		}
		chunks = diskStore
		logger.Info("disk chunk storage configured",
			slog.String("data_dir", diskStore.Root()),
		)
	}

	// Initialize session registry
	var sessions upload.SessionStore
	if cfg.DynamoDBEnabled() {
		dynamoClient, err := upload.NewDynamoClient(ctx, cfg.S3Region, cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey)
		if err != nil {
			return fmt.Errorf("create DynamoDB client: %w", err)
		}
		sessions = upload.NewDynamoSessionStore(dynamoClient, cfg.DynamoDBTable)
		logger.Info("DynamoDB session store configured",
			slog.String("table", cfg.DynamoDBTable),
		)
	} else {
		sessions = upload.NewMemorySessionStore()
		logger.Info("in-memory session store configured")
	}

	// Initialize the upload service and its expiry sweeper
	svc := upload.NewService(sessions, chunks, logger,
		upload.WithTTL(cfg.SessionTTL),
		upload.WithSweepInterval(cfg.SweepInterval),
	)
	go svc.Sweep(ctx)

	maxChunkBytes, err := cfg.MaxChunkBytes()
	if err != nil {
		return err
	}

	// Initialize HTTP handlers and router
	handlers := server.NewHandlers(svc, logger, server.WithMaxChunkBytes(maxChunkBytes))
	router := server.NewRouter(handlers, logger, server.DefaultConfig())

	// Create HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  300 * time.Second, // Allow for slow chunk transfers
		WriteTimeout: 300 * time.Second, // Allow for assembly of large artifacts
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening",
			slog.String("addr", srv.Addr),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server failed: %w", err)
		}
	}()

	// Wait for shutdown signal or error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		return err
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("shutting down server...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	logger.Info("server stopped gracefully")
	return nil
}
