package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"caflz/api/auth"
	"caflz/api/azure"
	"caflz/api/config"
	"caflz/api/credentials"
	"caflz/api/drift"
	"caflz/api/handler"
	"caflz/api/hub"
	"caflz/api/pipeline"
	"caflz/api/runner"
	"caflz/api/secrets"
	"caflz/api/storage"
	"caflz/api/store"
	"caflz/api/terraform"
)

var version = "dev"

func main() {
	cfg := config.Load()
	log := newLogger(cfg.LogLevel)
	if err := run(cfg, log); err != nil {
		log.Error(err, "caflz stopped")
		os.Exit(1)
	}
}

func newLogger(level string) logr.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return logr.FromSlogHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func run(cfg *config.Config, log logr.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logr.NewContext(ctx, log)

	ledger, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer ledger.Close()

	if n, err := store.RecoverInFlight(ctx, ledger, time.Now()); err != nil {
		log.Error(err, "recover interrupted deployments")
	} else if n > 0 {
		log.Info("marked interrupted deployments failed", "count", n)
	}

	cipher, err := secrets.NewCipher(cfg.SecretKey, cfg.EncryptionSalt)
	if err != nil {
		return err
	}
	resolver := credentials.NewResolver(cipher)

	if v, err := terraform.Version(ctx, cfg.TFBinary, cfg.TFRoot); err != nil {
		log.Error(err, "terraform binary not usable", "binary", cfg.TFBinary)
	} else {
		log.Info("terraform found", "version", v)
	}

	// Workers outlive the signal so running applies get the drain window.
	workers := pipeline.NewWorkers(cfg.Workers, cfg.QueueSize)
	workers.Start(context.WithoutCancel(ctx))

	ws := hub.New(cfg.AllowedOrigins, log)
	go ws.Run(ctx)

	p := &pipeline.Pipeline{
		Ledger: ledger,
		Driver: &terraform.Driver{
			Runner:   runner.New(),
			Resolver: resolver,
			Root:     cfg.TFRoot,
			Binary:   cfg.TFBinary,
			Timeout:  cfg.TFTimeout,
		},
		Workers: workers,
		WS:      ws,
		Log:     log.WithName("pipeline"),
	}

	var s3Client *storage.Client
	if cfg.S3.Endpoint != "" {
		s3Client, err = storage.NewClient(storage.Config{
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Region:    cfg.S3.Region,
			UseSSL:    cfg.S3.UseSSL,
		})
		if err != nil {
			log.Error(err, "S3 storage unavailable")
		} else if err := s3Client.EnsureBucket(ctx, cfg.ArchiveBucket); err != nil {
			log.Error(err, "archive bucket unavailable", "bucket", cfg.ArchiveBucket)
		} else {
			p.Archive = &storage.Archiver{Client: s3Client, Bucket: cfg.ArchiveBucket}
			log.Info("archiving deployment outputs", "endpoint", s3Client.Endpoint(), "bucket", cfg.ArchiveBucket)
		}
	}

	var scheduler *drift.Scheduler
	if cfg.DriftSchedule != "" {
		scheduler, err = drift.New(cfg.DriftSchedule, ledger, p, log)
		if err != nil {
			return err
		}
		scheduler.Start()
		log.Info("drift detection enabled", "schedule", cfg.DriftSchedule)
	}

	var authn func(http.Handler) http.Handler
	if cfg.JWTSecret != "" {
		tokens, err := auth.NewTokens(cfg.JWTSecret, cfg.TokenTTL)
		if err != nil {
			return err
		}
		authn = tokens.Middleware
		log.Info("bearer token auth enabled")
	}

	h := handler.New(handler.Options{
		Ledger:    ledger,
		Pipeline:  p,
		Cipher:    cipher,
		Inventory: azure.NewInventory(resolver),
		S3:        s3Client,
		TFBinary:  cfg.TFBinary,
		TFRoot:    cfg.TFRoot,
		Log:       log,
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	}))

	h.Routes(r, authn)
	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"version": version})
	})
	r.Group(func(r chi.Router) {
		if authn != nil {
			r.Use(authn)
		}
		r.Get("/ws", ws.HandleConnect)
	})
	r.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("caflz listening", "version", version, "addr", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "http shutdown")
	}
	if scheduler != nil {
		scheduler.Stop()
	}
	if err := workers.Stop(shutdownCtx); err != nil {
		log.Error(err, "workers did not drain, unfinished deployments are recovered on next start")
	}
	return nil
}
