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

	"chronicle/api/internal/app"
	"chronicle/api/internal/config"
	"chronicle/api/internal/email"
	"chronicle/api/internal/ephemeral"
	"chronicle/api/internal/events"
	"chronicle/api/internal/gitrepo"
	"chronicle/api/internal/policy"
	"chronicle/api/internal/search"
	"chronicle/api/internal/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Printf("database connection failed: %v", err)
		return 1
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Printf("migrations failed: %v", err)
		return 1
	}

	if err := os.MkdirAll(cfg.PolicyReposDir, 0o755); err != nil {
		log.Printf("failed to create policy repos dir: %v", err)
		return 1
	}

	eph, err := ephemeral.NewStore(cfg.RedisURL)
	if err != nil {
		log.Printf("redis connection failed: %v", err)
		return 2
	}
	defer eph.Close()

	dataStore := store.NewPostgresStore(db)
	bus := events.NewBus(eph)
	repos := gitrepo.New(cfg.PolicyReposDir)
	policyEngine := policy.NewEngine(dataStore, repos)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts)

	mailer := email.NewService(email.Config{
		Host:      cfg.SMTPHost,
		Port:      cfg.SMTPPort,
		Username:  cfg.SMTPUsername,
		Password:  cfg.SMTPPassword,
		From:      cfg.SMTPFrom,
		FromName:  cfg.SMTPFromName,
		EnableTLS: true,
	})

	service := app.New(cfg, dataStore, eph, bus, policyEngine, repos, searchService, mailer)
	if err := service.Bootstrap(ctx); err != nil {
		log.Printf("WARNING: bootstrap error (will retry on next restart): %v", err)
	}

	workersCtx, stopWorkers := context.WithCancel(ctx)
	service.RunBackgroundWorkers(workersCtx)
	defer stopWorkers()

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.RequestTimeout,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("beadhub api listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		log.Printf("server failed: %v", err)
		return 1
	case sig := <-sigCh:
		log.Printf("received %s, draining", sig)
	}

	stopWorkers()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
		return 1
	}
	return 130
}
