package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"webhook-relay/internal/api"
	"webhook-relay/internal/config"
	"webhook-relay/internal/queue"
	"webhook-relay/internal/quota"
	"webhook-relay/internal/ratelimit"
	"webhook-relay/internal/store"
	"webhook-relay/internal/webhook"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	limiter := ratelimit.NewSlidingWindow(redisClient, nil)
	limits, err := quota.ParseLimits(cfg.QuotaLimits)
	if err != nil {
		log.Fatalf("parse quota limits: %v", err)
	}
	enforcer := quota.New(st, redisClient, limits, cfg.QuotaWarnThreshold)

	q := queue.New(st, cfg)
	dispatcher := webhook.NewDispatcher(st, q)

	server := api.New(cfg, st, q, dispatcher, limiter, enforcer)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("api listening on :%s", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
