// Package main implements the task engine worker process.
// The worker continuously polls pending tasks from Redis, dispatches them to
// the registered processors, and tracks metrics.
//
// Features:
//   - Bounded concurrent task processing with graceful shutdown
//   - Prometheus metrics exposed on :8080/metrics
//   - Retry handling via failure classification (temporary/critical/ordinary)
//   - Scheduled webhook-subscription renewal (default every 12 hours)
//
// Usage:
//
//	go run cmd/worker/main.go
//
// The worker connects to Redis at localhost:6379 by default; see the
// environment variables read in main for overrides.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/agilefinance/taskengine/pkg/dispatch"
	"github.com/agilefinance/taskengine/pkg/logger"
	"github.com/agilefinance/taskengine/pkg/metrics"
	"github.com/agilefinance/taskengine/pkg/processor"
	"github.com/agilefinance/taskengine/pkg/renewal"
	"github.com/agilefinance/taskengine/pkg/store"
)

// main initializes the store, registry and dispatcher, starts the metrics
// server and the renewal cron, and runs the poll loop until SIGINT/SIGTERM.
func main() {
	redisAddr := envString("REDIS_ADDR", "127.0.0.1:6379")
	metricsAddr := envString("METRICS_ADDR", ":8080")
	pollInterval := envDuration("WORKER_POLL_INTERVAL", 5*time.Second)
	batchSize := envInt("WORKER_BATCH_SIZE", 10)
	concurrency := envInt("WORKER_CONCURRENCY", 4)
	renewalCron := envString("RENEWAL_CRON", "@every 12h")
	renewalHorizon := time.Duration(envInt("RENEWAL_HORIZON_HOURS", 24)) * time.Hour

	st := store.NewStore(redisAddr)
	defer st.Close()

	reg := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(reg)

	// Processor registration is checked at startup: a duplicate or unknown
	// type panics here instead of failing at dispatch time.
	registry := processor.NewRegistry()
	registry.MustRegister(processor.NewNFSeProcessor(devNFSeService{}))
	registry.MustRegister(processor.NewMessageProcessor(devMessageService{}))
	registry.MustRegister(processor.NewBillingProcessor(devBillingMessenger{}))
	registry.MustRegister(processor.NewEmailProcessor(devMailer{}))

	dispatcher := dispatch.NewDispatcher(st, registry, recorder)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Prometheus metrics server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		logger.Log.Info().Str("addr", metricsAddr).Msg("Metrics server listening")
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Log.Error().Err(err).Msg("Metrics server stopped")
		}
	}()

	// Subscription renewal on a fixed cadence
	job := renewal.NewJob(devWebhookProvider{}, st, renewalHorizon)
	c := cron.New()
	if _, err := c.AddFunc(renewalCron, func() {
		if _, err := job.Execute(ctx); err != nil {
			logger.Log.Error().Err(err).Msg("Subscription renewal job failed")
		}
	}); err != nil {
		logger.Log.Fatal().Err(err).Str("spec", renewalCron).Msg("Invalid renewal cron spec")
	}
	c.Start()
	defer c.Stop()

	// Pending gauge collector
	go collectPendingMetrics(ctx, st, recorder)

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Log.Info().Msg("Shutting down worker...")
		cancel()
	}()

	logger.Log.Info().
		Dur("poll_interval", pollInterval).
		Int("batch_size", batchSize).
		Int("concurrency", concurrency).
		Msg("Worker started. Waiting for tasks...")

	runWorker(ctx, st, dispatcher, recorder, pollInterval, batchSize, concurrency)
}

// runWorker polls pending tasks in batches and dispatches them through a
// bounded pool of goroutines. One batch settles fully before the next poll so
// a slow task type cannot cause the same task to be picked twice.
func runWorker(ctx context.Context, st *store.Store, dispatcher *dispatch.Dispatcher, recorder *metrics.Recorder, pollInterval time.Duration, batchSize, concurrency int) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	sem := make(chan struct{}, concurrency)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			batch, err := st.FindPendingTasks(ctx, int64(batchSize))
			if err != nil {
				logger.Log.Error().Err(err).Msg("Failed to load pending tasks")
				continue
			}
			if len(batch) == 0 {
				continue
			}

			logger.Log.Info().Int("count", len(batch)).Msg("Processing task batch")

			var wg sync.WaitGroup
			for _, task := range batch {
				task := task
				wg.Add(1)
				sem <- struct{}{}
				go func() {
					defer wg.Done()
					defer func() { <-sem }()
					// Dispatch persists the outcome and logs it; the
					// error return only matters to synchronous callers.
					dispatcher.Dispatch(ctx, task)
				}()
			}
			wg.Wait()
		}
	}
}

// collectPendingMetrics periodically feeds the per-type pending gauge.
func collectPendingMetrics(ctx context.Context, st *store.Store, recorder *metrics.Recorder) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counts, err := st.PendingCountByType(ctx)
			if err != nil {
				logger.Log.Error().Err(err).Msg("Failed to collect pending counts")
				continue
			}
			for typ, count := range counts {
				recorder.SetPending(typ, float64(count))
			}
		}
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		logger.Log.Warn().Str("key", key).Str("value", v).Msg("Invalid integer env value, using default")
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		logger.Log.Warn().Str("key", key).Str("value", v).Msg("Invalid duration env value, using default")
	}
	return fallback
}
