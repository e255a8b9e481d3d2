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

	"github.com/balor48/storyguard-sub004/internal/app"
	"github.com/balor48/storyguard-sub004/internal/backup"
	"github.com/balor48/storyguard-sub004/internal/config"
	"github.com/balor48/storyguard-sub004/internal/email"
	"github.com/balor48/storyguard-sub004/internal/export"
	"github.com/balor48/storyguard-sub004/internal/mirror"
	"github.com/balor48/storyguard-sub004/internal/notify"
	"github.com/balor48/storyguard-sub004/internal/search"
	"github.com/balor48/storyguard-sub004/internal/snapshot"
	"github.com/balor48/storyguard-sub004/internal/store"
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

	for _, dir := range []string{cfg.ReposDir, cfg.BackupDir, cfg.ExportDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("failed to create %s: %v", dir, err)
		}
	}

	dataStore := store.NewPostgresStore(db)
	snapshots := snapshot.New(cfg.ReposDir)
	events := notify.NewService(dataStore)

	var mirrorStore *mirror.Store
	if strings.TrimSpace(cfg.RedisURL) != "" {
		mirrorStore, err = mirror.NewStore(cfg.RedisURL, cfg.MirrorTTL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer mirrorStore.Close()
		log.Printf("snapshot mirror enabled")
	} else {
		log.Printf("snapshot mirror disabled (no REDIS_URL)")
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, search.NewScan(snapshots))

	var replicator backup.Replicator
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		minioReplicator, err := backup.NewMinioReplicator(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("minio connection failed: %v", err)
		}
		replicator = minioReplicator
		log.Printf("backup replication enabled (bucket %s)", cfg.MinioBucket)
	} else {
		log.Printf("backup replication disabled (no MINIO_ENDPOINT)")
	}

	emailService := email.NewService(email.Config{
		Host:      cfg.SMTPHost,
		Port:      cfg.SMTPPort,
		Username:  cfg.SMTPUsername,
		Password:  cfg.SMTPPassword,
		From:      cfg.SMTPFrom,
		FromName:  cfg.SMTPFromName,
		EnableTLS: true,
	})

	engine := backup.NewEngine(cfg.BackupDir, dataStore, snapshots, replicator, events, emailService, cfg.AlertTo)
	scheduler := backup.NewScheduler(engine, dataStore, events, time.Duration(cfg.BackupIntervalMinutes)*time.Minute)
	defer scheduler.Stop()

	exporter := export.NewService(cfg.ExportDir, []byte(cfg.DownloadSecret), cfg.DownloadTTL)

	service := app.New(cfg, dataStore, snapshots, mirrorStore, engine, scheduler, searchService, events, exporter)
	if err := service.Bootstrap(ctx); err != nil {
		log.Printf("WARNING: bootstrap error (will retry on next restart): %v", err)
	}
	if err := scheduler.Start(ctx); err != nil {
		log.Printf("WARNING: backup scheduler start failed: %v", err)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("StoryGuard API listening on %s", cfg.Addr)
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
