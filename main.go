package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/golang/glog"

	"github.com/alimasry/go-block-editor/broker"
	"github.com/alimasry/go-block-editor/cache"
	"github.com/alimasry/go-block-editor/config"
	"github.com/alimasry/go-block-editor/editor"
	"github.com/alimasry/go-block-editor/lock"
	"github.com/alimasry/go-block-editor/server"
	"github.com/alimasry/go-block-editor/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		glog.Exitf("config: %v", err)
	}

	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP listen address")
	flag.StringVar(&cfg.Store, "store", cfg.Store, "document store: memory, firestore or postgres")
	flag.StringVar(&cfg.FirestoreProject, "firestore-project", cfg.FirestoreProject, "Google Cloud project ID for Firestore")
	flag.StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "Postgres connection string")
	flag.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address for cache, locks and broadcast (empty = in-process)")
	flag.StringVar(&cfg.RedisPassword, "redis-password", cfg.RedisPassword, "Redis password")
	flag.IntVar(&cfg.RedisDB, "redis-db", cfg.RedisDB, "Redis database number")
	flag.DurationVar(&cfg.FlushInterval, "flush-interval", cfg.FlushInterval, "how often cached documents are written back")
	flag.StringVar(&cfg.AuthSecret, "auth-secret", cfg.AuthSecret, "HMAC secret for access tokens")
	flag.Parse()
	defer glog.Flush()

	if err := cfg.Validate(); err != nil {
		glog.Exitf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, closeRepo, err := openRepository(ctx, cfg)
	if err != nil {
		glog.Exitf("store: %v", err)
	}
	defer closeRepo()

	kv, br, err := openShared(ctx, cfg)
	if err != nil {
		glog.Exitf("redis: %v", err)
	}
	defer kv.Close()
	defer br.Close()

	docs := cache.New(kv, repo)
	sweeper := cache.NewSweeper(docs, cfg.FlushInterval)
	defer sweeper.Close()

	hub := server.NewHub(editor.New(lock.NewRegistry(kv), docs), br)
	auth := server.NewJWTAuthenticator([]byte(cfg.AuthSecret))

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: server.NewHandler(hub, repo, auth),
	}
	go func() {
		<-ctx.Done()
		glog.Infof("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	glog.Infof("Starting server on %s (store=%s, redis=%q)", cfg.Addr, cfg.Store, cfg.RedisAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		glog.Errorf("serve: %v", err)
	}

	// Sessions are hijacked connections that Shutdown does not wait for.
	hub.Close()
}

func openRepository(ctx context.Context, cfg *config.Config) (store.DocumentRepository, func(), error) {
	switch cfg.Store {
	case config.StoreFirestore:
		client, err := firestore.NewClient(ctx, cfg.FirestoreProject)
		if err != nil {
			return nil, nil, err
		}
		glog.Infof("using Firestore store (project: %s)", cfg.FirestoreProject)
		return store.NewFirestoreRepository(client), func() { client.Close() }, nil
	case config.StorePostgres:
		repo, err := store.OpenPostgresRepository(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		glog.Infof("using Postgres store")
		return repo, func() { repo.Close() }, nil
	}
	glog.Infof("using in-memory store")
	return store.NewMemoryRepository(), func() {}, nil
}

// openShared returns the KV and broker shared by every process serving
// the same documents. Without Redis both live in this process.
func openShared(ctx context.Context, cfg *config.Config) (store.KV, broker.Broker, error) {
	if cfg.RedisAddr == "" {
		return store.NewMemoryKV(), broker.NewMemoryBroker(), nil
	}
	kvClient, err := store.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, nil, err
	}
	psClient, err := store.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		kvClient.Close()
		return nil, nil, err
	}
	return store.NewRedisKV(kvClient), broker.NewRedisBroker(psClient), nil
}
