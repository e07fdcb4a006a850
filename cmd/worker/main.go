package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"webhook-relay/internal/config"
	"webhook-relay/internal/models"
	"webhook-relay/internal/platform"
	"webhook-relay/internal/queue"
	"webhook-relay/internal/quota"
	"webhook-relay/internal/store"
	"webhook-relay/internal/telemetry"
	workerproc "webhook-relay/internal/worker"
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

	q := queue.New(st, cfg)

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	processor := workerproc.NewProcessor(cfg, q, st, workerID)

	delivery := workerproc.NewDeliveryHandler(cfg, st, st)
	processor.RegisterHandler(models.TypeWebhookDelivery, delivery.Handle)

	platformClient := platform.NewClient(os.Getenv("PLATFORM_BASE_URL"))
	ingest, err := workerproc.NewIngestHandler(ctx, cfg, platformClient, q)
	if err != nil {
		log.Fatalf("init ingest handler: %v", err)
	}
	processor.RegisterHandler(models.TypeFileIngest, ingest.HandleFileIngest)
	processor.RegisterHandler(models.TypeAttachFileToStore, ingest.HandleAttachFile)
	processor.RegisterHandler(models.TypePollIngestionStatus, ingest.HandlePollIngestion)

	prompts := workerproc.NewPromptHandler(platformClient)
	processor.RegisterHandler(models.TypePromptVersionCreate, prompts.Handle)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limits, err := quota.ParseLimits(cfg.QuotaLimits)
	if err != nil {
		log.Fatalf("parse quota limits: %v", err)
	}
	enforcer := quota.New(st, redisClient, limits, cfg.QuotaWarnThreshold)
	go reconcileLoop(ctx, st, enforcer)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("worker %s started with staleness=%s poll=%s", workerID, cfg.StalenessWindow, cfg.WorkerPollInterval)
	if err := processor.Run(ctx); err != nil {
		log.Printf("worker stopped: %v", err)
	}
}

// reconcileLoop periodically corrects quota aggregates against the raw usage
// log.
func reconcileLoop(ctx context.Context, st *store.Store, enforcer *quota.Enforcer) {
	ticker := time.NewTicker(15 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tenants, err := st.ListActiveTenants(ctx)
			if err != nil {
				log.Printf("list tenants for reconcile: %v", err)
				continue
			}
			if err := enforcer.Reconcile(ctx, tenants); err != nil {
				log.Printf("reconcile usage: %v", err)
			}
		}
	}
}
