package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/ignite/broadcast-lab/internal/api"
	"github.com/ignite/broadcast-lab/internal/config"
	"github.com/ignite/broadcast-lab/internal/pkg/httpretry"
	"github.com/ignite/broadcast-lab/internal/repository/postgres"
	"github.com/ignite/broadcast-lab/internal/service/experiment"
	"github.com/ignite/broadcast-lab/internal/template"
	"github.com/ignite/broadcast-lab/internal/transport/botapi"
	"github.com/ignite/broadcast-lab/internal/worker"
)

func main() {
	log.Println("Starting Broadcast Lab API server...")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(ctx); err != nil {
		cancel()
		log.Fatalf("Failed to ping database: %v", err)
	}
	cancel()
	log.Println("Connected to database")

	rootCtx, stop := context.WithCancel(context.Background())
	defer stop()

	httpClient := &http.Client{Timeout: time.Duration(cfg.Bot.TimeoutSeconds) * time.Second}
	transport := botapi.NewClient(cfg.Bot.BaseURL, cfg.Bot.Token, httpretry.NewRetryClient(httpClient, cfg.Bot.MaxRetries))

	repo := postgres.NewExperimentRepo(db)
	deliverer := experiment.NewDeliverer(repo, transport, template.NewRenderer(),
		time.Duration(cfg.Experiments.ThrottleMS)*time.Millisecond)
	scheduler := worker.NewJobScheduler(rootCtx)
	defer scheduler.Stop()

	svc := experiment.NewService(repo, postgres.NewAudienceRepo(db), deliverer, scheduler)

	srv := api.NewServer(svc, cfg.Server.AllowedOrigins)
	go func() {
		log.Printf("Listening on %s", cfg.Server.Addr())
		if err := srv.ListenAndServe(cfg.Server.Addr()); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
