package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"pulseboard/api/internal/app"
	"pulseboard/api/internal/blob"
	"pulseboard/api/internal/config"
	"pulseboard/api/internal/email"
	"pulseboard/api/internal/pubsub"
	"pulseboard/api/internal/search"
	"pulseboard/api/internal/session"
	"pulseboard/api/internal/snapshot"
	"pulseboard/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	if err := os.MkdirAll(cfg.SnapshotsDir, 0o755); err != nil {
		log.Fatalf("failed to create snapshots dir: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	snapshots := snapshot.New(cfg.SnapshotsDir)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	searchService := search.NewService(meiliClient, pgfts)
	if meiliClient != nil {
		defer meiliClient.Close()
	}

	blobs, err := blob.New(cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Bucket, cfg.S3UseSSL)
	if err != nil {
		log.Fatalf("object storage init failed: %v", err)
	}

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})

	deps := app.Deps{
		Search:    searchService,
		Blobs:     blobs,
		Snapshots: snapshots,
		Email:     mailer,
	}
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for refresh tokens and room fan-out")
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisStore.Close()
		deps.Sessions = redisStore
		deps.Pubsub = pubsub.NewRedis(redisStore.Client())
	} else {
		log.Printf("Using PostgreSQL for refresh tokens, in-process room fan-out")
		deps.Pubsub = pubsub.NewMemory()
	}

	service := app.New(cfg, dataStore, deps)
	defer service.Close()
	if err := service.Bootstrap(ctx); err != nil {
		log.Printf("WARNING: bootstrap error (will retry on next restart): %v", err)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: SSE and websocket connections stay open for
		// as long as the client does.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("Pulseboard API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
