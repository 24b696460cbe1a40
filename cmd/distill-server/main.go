package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/joelkehle/diagdistill/internal/anatomy"
	"github.com/joelkehle/diagdistill/internal/batch"
	"github.com/joelkehle/diagdistill/internal/config"
	"github.com/joelkehle/diagdistill/internal/httpapi"
	"github.com/joelkehle/diagdistill/internal/logger"
	"github.com/joelkehle/diagdistill/internal/store"
	"github.com/joelkehle/diagdistill/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "", "Path to config.yaml")
	credential := flag.String("credential", "", "Credential used for /v1/distill (defaults to the first configured)")
	addr := flag.String("addr", "", "Listen address (overrides http.addr)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	zl, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry, zl)
	if err != nil {
		zl.Fatal("init telemetry", zap.Error(err))
	}

	name := *credential
	if name == "" {
		names := cfg.CredentialNames()
		if len(names) == 0 {
			zl.Fatal("no credentials configured")
		}
		name = names[0]
	}

	var rdb redis.Cmdable
	if cfg.Cache.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr})
		defer client.Close()
		rdb = client
	}
	pipeline, err := batch.NewPipeline(cfg, name, anatomy.Default(), rdb, zl)
	if err != nil {
		zl.Fatal("build pipeline", zap.Error(err))
	}

	var runs httpapi.RunStore
	if cfg.Storage.LedgerPath != "" {
		ledger, err := store.Open(cfg.Storage.LedgerPath)
		if err != nil {
			zl.Fatal("open ledger", zap.Error(err))
		}
		defer ledger.Close()
		runs = ledger
	}

	listen := cfg.HTTP.Addr
	if *addr != "" {
		listen = *addr
	}
	srv := &http.Server{
		Addr:              listen,
		Handler:           httpapi.NewServer(pipeline, runs, cfg.HTTP, zl),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer scancel()
		_ = srv.Shutdown(sctx)
		_ = shutdownTracing(sctx)
	}()

	zl.Info("starting distill server", zap.String("addr", listen), zap.String("credential", name))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		zl.Fatal("serve", zap.Error(err))
	}
}
