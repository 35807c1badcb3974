package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/macula-io/macula-marketplace/pkg/db"
	"github.com/macula-io/macula-marketplace/pkg/mesh"
	gos3 "github.com/macula-io/macula-marketplace/pkg/s3"
	"github.com/macula-io/macula-marketplace/pkg/telemetry"
	"github.com/macula-io/macula-marketplace/services/api"
	"github.com/macula-io/macula-marketplace/services/catalog"
	"github.com/macula-io/macula-marketplace/services/dispatcher"
	"github.com/macula-io/macula-marketplace/services/node"
	"github.com/macula-io/macula-marketplace/services/publisher"
	"github.com/macula-io/macula-marketplace/services/revocation"
)

func main() {
	if err := run("maculad"); err != nil && !errors.Is(err, context.Canceled) {
		log.New(os.Stderr, "", log.LstdFlags).Fatal(err)
	}
}

func run(serviceName string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, middleware, logger, err := telemetry.Init(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "%s: telemetry shutdown error: %v\n", serviceName, err)
		}
	}()

	cfg, err := node.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	pool, err := db.Open(ctx, cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	orm, err := gorm.Open(postgres.Open(cfg.DBDSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return fmt.Errorf("open orm: %w", err)
	}

	store, err := catalog.NewStore(orm)
	if err != nil {
		return err
	}

	revStore, err := revocation.NewStore(pool)
	if err != nil {
		return err
	}

	cache, err := revocation.NewCache(revStore, logger, revocation.Options{
		TTL:           cfg.RevocationTTL,
		Grace:         cfg.RevocationGrace,
		SweepInterval: cfg.SweepInterval,
	})
	if err != nil {
		return err
	}

	// The memory index must hold every persisted, unexpired revocation
	// before any authorization lookup is answered.
	if err := cache.Load(ctx); err != nil {
		return fmt.Errorf("load revocation cache: %w", err)
	}
	go cache.Run(ctx)

	var (
		transport *mesh.Conn
		pub       *publisher.Publisher
	)
	if !cfg.MeshDisabled {
		transport, err = mesh.Connect(cfg.MeshURL)
		if err != nil {
			return fmt.Errorf("connect mesh: %w", err)
		}
		defer transport.Close()

		signer, err := publisher.NewSignerFromEnv()
		if err != nil {
			logger.Printf("WARN publisher signing disabled: %v", err)
			signer = nil
		}
		pub, err = publisher.New(transport, signer, cfg.Namespace, logger)
		if err != nil {
			return err
		}
	}

	dispCfg := dispatcher.Config{
		Namespace:        cfg.Namespace,
		Disabled:         cfg.MeshDisabled,
		RetryBackoff:     cfg.SubscribeBackoff,
		RefreshTimeout:   cfg.RefreshTimeout,
		RefreshBatchSize: cfg.RefreshBatchSize,
	}

	var meshTransport mesh.Transport
	if transport != nil {
		meshTransport = transport
	}

	disp, err := dispatcher.New(meshTransport, store, cache, dispatcher.NewNotifier(), logger, dispCfg)
	if err != nil {
		return err
	}

	errCh := make(chan error, 2)
	go func() {
		if err := disp.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("dispatcher: %w", err)
		}
	}()

	if transport != nil && cfg.ServeRefresh {
		responder, err := dispatcher.NewResponder(meshTransport, store, cache, logger, dispCfg)
		if err != nil {
			return err
		}
		if err := responder.Start(); err != nil {
			return fmt.Errorf("start refresh responder: %w", err)
		}
		defer responder.Close()
	}

	blobs, err := gos3.NewClientFromEnv()
	if err != nil {
		logger.Printf("INFO payload downloads disabled: %v", err)
		blobs = nil
	}

	apiLayer, err := api.New(store, cache, disp, pub, blobs, logger)
	if err != nil {
		return err
	}
	routes, err := apiLayer.Routes()
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context(), pool); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		if !cache.Loaded() {
			http.Error(w, "revocation cache not loaded", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", routes)

	server := &http.Server{
		Addr:    cfg.Addr,
		Handler: middleware(mux),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "%s: http shutdown error: %v\n", serviceName, err)
		}
	}()

	logger.Printf("INFO http listening on %s", cfg.Addr)

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
