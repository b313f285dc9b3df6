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

	"markup/internal/annotations"
	"markup/internal/app"
	"markup/internal/config"
	"markup/internal/content"
	"markup/internal/export"
	"markup/internal/identity"
	"markup/internal/keyindex"
	"markup/internal/kv"
	"markup/internal/mapping"
	"markup/internal/remote"
	"markup/internal/search"
	"markup/internal/versions"
	"markup/internal/viewer"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("key-value store failed: %v", err)
	}
	defer store.Close()

	blobs, err := openBlobs(ctx, cfg)
	if err != nil {
		log.Fatalf("blob store failed: %v", err)
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	searchService := search.NewService(meiliClient)
	defer searchService.Close()

	cache := content.NewHandleCache()
	annotationStore := annotations.NewStore(store, keyindex.New(store, keyindex.AnnotationKeys), searchService)
	versionStore := versions.NewStore(
		store,
		keyindex.New(store, keyindex.VersionKeys),
		annotationStore,
		content.NewArchiver(cache, blobs),
		content.NewDefaultResolver(cache, blobs),
	)

	deps := viewer.Deps{
		Identity:    identity.NewResolver(mapping.New(store)),
		Annotations: annotationStore,
		Versions:    versionStore,
		Indexer:     searchService,
	}
	if strings.TrimSpace(cfg.RemoteURL) != "" {
		log.Printf("Server-backed mode against %s", cfg.RemoteURL)
		deps.Remote = remote.New(cfg.RemoteURL, nil)
	}
	registry := viewer.NewRegistry(deps, cfg.SessionTTL)

	service := app.New(cfg, store, registry, searchService, export.NewService())
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Markup API listening on %s", cfg.Addr)
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

func openStore(ctx context.Context, cfg config.Config) (kv.Store, error) {
	switch cfg.KVBackend {
	case "redis":
		log.Printf("Using Redis for the key-value store")
		return kv.NewRedisStore(cfg.RedisURL)
	case "postgres":
		log.Printf("Using PostgreSQL for the key-value store")
		db, err := kv.OpenDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := kv.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			db.Close()
			return nil, err
		}
		return kv.NewPostgresStore(db), nil
	default:
		log.Printf("Using process memory for the key-value store; data is lost on restart")
		return kv.NewMemoryStore(), nil
	}
}

func openBlobs(ctx context.Context, cfg config.Config) (content.BlobStore, error) {
	switch cfg.BlobBackend {
	case "s3":
		log.Printf("Archiving revisions to bucket %s at %s", cfg.S3Bucket, cfg.S3Endpoint)
		return content.NewS3Store(ctx, content.S3Config{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			UseSSL:    cfg.S3UseSSL,
			PathStyle: cfg.S3PathStyle,
		})
	case "none":
		log.Printf("Durable revision archive disabled")
		return nil, nil
	default:
		if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
			return nil, err
		}
		log.Printf("Archiving revisions to git repositories under %s", cfg.ReposDir)
		return content.NewGitStore(cfg.ReposDir), nil
	}
}
