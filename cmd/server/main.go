// Package main initializes and starts the sync server, setting up
// configuration, logging, the database, repositories, services, handlers
// and, when configured, TLS.
package main

import (
	"cmp"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	nethttp "net/http"

	"github.com/atinyakov/modelsync/internal/config"
	"github.com/atinyakov/modelsync/internal/db"
	"github.com/atinyakov/modelsync/internal/logger"
	"github.com/atinyakov/modelsync/internal/repository"
	"github.com/atinyakov/modelsync/internal/server/handler/http"
	"github.com/atinyakov/modelsync/internal/service"
	"go.uber.org/zap"
)

var (
	// version holds the build version set via ldflags.
	version string
	// buildDate holds the build timestamp set via ldflags.
	buildDate string
)

func main() {
	// Parse command-line and environment configuration.
	options := config.Parse()

	// Print build metadata (or "N/A" if unset).
	fmt.Printf("Build version: %s\n", cmp.Or(version, "N/A"))
	fmt.Printf("Build date: %s\n", cmp.Or(buildDate, "N/A"))

	// Initialize structured logging.
	log := logger.New()
	if err := log.Init(options.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	zapLogger := log.Log
	defer func() { _ = zapLogger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize PostgreSQL connection.
	postgresDB, err := db.InitPostgres(options.DatabaseDSN)
	if err != nil {
		zapLogger.Fatal("cannot init database", zap.Error(err))
	}
	defer postgresDB.Close()

	db.StartCleaner(ctx, postgresDB,
		time.Duration(options.CleanInterval),
		time.Duration(options.TombstoneRetention),
		zapLogger,
	)

	// Initialize repositories for authentication and synchronization.
	authRepo := repository.NewPostgresAuthRepository(postgresDB)
	syncRepo := repository.NewPostgresSyncRepository(postgresDB)

	// Initialize business-logic services.
	authService := service.NewAuthService(authRepo, service.LogMailer{Log: zapLogger}, options.JWTSecret)
	syncService := service.NewSyncService(syncRepo)
	syncService.Retention = time.Duration(options.TombstoneRetention)

	// Create HTTP handlers and the relay.
	authHandler := &http.AuthHandler{AuthService: authService, Log: zapLogger}
	syncHandler := &http.SyncHandler{SyncService: syncService, Users: authService, Log: zapLogger}
	relay := http.NewRelay(zapLogger)

	router := http.NewRouter(authHandler, syncHandler, relay, authService, zapLogger)

	server := &nethttp.Server{
		Addr:              options.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if options.TLSEnabled() {
		cert, err := tls.LoadX509KeyPair(options.TLSCert, options.TLSKey)
		if err != nil {
			zapLogger.Fatal("failed to load server TLS cert/key", zap.Error(err))
		}
		server.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	go func() {
		<-ctx.Done()
		relay.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			zapLogger.Error("graceful shutdown failed", zap.Error(err))
		}
	}()

	if options.TLSEnabled() {
		zapLogger.Info("starting HTTPS server", zap.String("addr", options.Port))
		err = server.ListenAndServeTLS("", "")
	} else {
		zapLogger.Info("starting HTTP server", zap.String("addr", options.Port))
		err = server.ListenAndServe()
	}
	if err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
		zapLogger.Fatal("server stopped", zap.Error(err))
	}
	zapLogger.Info("server stopped")
}
