package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/comfytd/relay/internal/comfy"
	"github.com/comfytd/relay/internal/config"
	"github.com/comfytd/relay/internal/hub"
	"github.com/comfytd/relay/internal/relay"
	"github.com/comfytd/relay/internal/server"
	"github.com/comfytd/relay/internal/track"
	"github.com/comfytd/relay/internal/workflow"
)

const shutdownTimeout = 10 * time.Second

func main() {
	log.SetPrefix("relay: ")

	// A local .env is optional.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Skipping .env: %v", err)
	}

	cfg := config.Load()
	endpoints := config.NewEndpointStore(cfg.EndpointFile)
	log.Printf("Engine endpoint: %s", endpoints.BaseURL())

	var jobs track.Store = track.NewMemoryStore()
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			log.Fatalf("Failed to reach Redis at %s: %v", cfg.RedisAddr, err)
		}
		jobs = track.NewRedisStore(redisClient, 0)
		log.Printf("Tracking jobs in Redis at %s", cfg.RedisAddr)
	}

	engine := comfy.NewClient(endpoints.BaseURL, uuid.NewString())
	clients := hub.New()
	router := relay.New(engine, jobs, clients, cfg.OutputDir, "/imagenes")
	template := workflow.NewTemplate(cfg.WorkflowFile)

	srv := server.New(cfg, endpoints, engine, template, jobs, clients, router)

	router.Reconnect()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutdown signal received, stopping server...")
		router.Close()

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("failed to serve: %v", err)
	}
}
