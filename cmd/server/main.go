// Package main implements the task engine HTTP API for task creation.
//
// API Endpoints:
//
//	POST /enqueue - Validates and creates a new task
//	GET  /tasks   - Looks up a task's persisted state by id
//	GET  /stats   - Returns task counts by status
//	GET  /metrics - Prometheus metrics (tasks created)
//
// Request Format:
//
//	{
//	  "type": "EMAIL",
//	  "payload": {
//	    "to": "user@example.com",
//	    "subject": "Hello",
//	    "content": "..."
//	  }
//	}
//
// The payload is validated against the processor's schema before the task is
// persisted, so malformed requests are rejected up front instead of burning a
// dispatch attempt.
//
// Usage:
//
//	go run ./cmd/server
//
// The server listens on :8081 and connects to Redis at localhost:6379 by
// default.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agilefinance/taskengine/pkg/logger"
	"github.com/agilefinance/taskengine/pkg/metrics"
	"github.com/agilefinance/taskengine/pkg/processor"
	"github.com/agilefinance/taskengine/pkg/store"
	"github.com/agilefinance/taskengine/pkg/tasks"
)

// authMiddleware wraps an http.HandlerFunc and enforces API Key authentication.
func authMiddleware(next http.HandlerFunc, requiredKey string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// If no key is configured, allow all (dev mode)
		if requiredKey == "" {
			next(w, r)
			return
		}

		apiKey := r.Header.Get("X-API-Key")
		if apiKey != requiredKey {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next(w, r)
	}
}

// enableCORS wraps an http.HandlerFunc and adds CORS headers.
// Applied before auth so OPTIONS preflight requests don't fail the key check.
func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*") // Allow all origins for dev
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization, X-API-Key")

		// Handle preflight requests
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

// writeJSON writes v as a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Error().Err(err).Msg("Failed to encode response")
	}
}

// setupRouter configures the HTTP handlers and returns the mux.
// The registry is used for payload validation only; processors are never
// invoked here, dispatch is the worker's job.
func setupRouter(st *store.Store, registry *processor.Registry, recorder *metrics.Recorder, apiKey string) *http.ServeMux {
	mux := http.NewServeMux()

	// enqueueHandler validates and creates tasks
	mux.HandleFunc("/enqueue", enableCORS(authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req struct {
			Type       string         `json:"type"`        // Task type (NFSE, MESSAGE, BILLING_MESSAGE, EMAIL)
			Payload    map[string]any `json:"payload"`     // Task data
			MaxRetries int            `json:"max_retries"` // Optional: 0 uses the default budget
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		typ := tasks.Type(req.Type)
		proc, err := registry.Resolve(typ)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		if err := proc.ValidatePayload(req.Payload); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		task, err := st.CreateTask(r.Context(), typ, req.Payload, store.CreateTaskOptions{
			MaxRetries: req.MaxRetries,
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		recorder.TaskCreated(typ)

		logger.Log.Info().
			Str("task_id", task.ID).
			Str("type", req.Type).
			Msg("Task created")

		writeJSON(w, http.StatusAccepted, map[string]string{
			"id":     task.ID,
			"status": string(task.Status),
		})
	}, apiKey)))

	// taskHandler returns the persisted state of a single task
	mux.HandleFunc("/tasks", enableCORS(authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		taskID := r.URL.Query().Get("id")
		if taskID == "" {
			http.Error(w, "Missing task ID", http.StatusBadRequest)
			return
		}

		task, err := st.GetTask(r.Context(), taskID)
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "Task not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, task)
	}, apiKey)))

	// statsHandler returns task counts by status
	mux.HandleFunc("/stats", enableCORS(authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		counts := make(map[string]int64)
		for _, status := range []tasks.Status{
			tasks.StatusPending,
			tasks.StatusProcessing,
			tasks.StatusCompleted,
			tasks.StatusFailed,
		} {
			count, err := st.CountByStatus(r.Context(), status)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			counts[string(status)] = count
		}

		writeJSON(w, http.StatusOK, counts)
	}, apiKey)))

	return mux
}

// validationRegistry builds a registry whose processors carry no
// collaborators. Safe because the server only calls ValidatePayload, which
// never touches the backing services.
func validationRegistry() *processor.Registry {
	registry := processor.NewRegistry()
	registry.MustRegister(processor.NewNFSeProcessor(nil))
	registry.MustRegister(processor.NewMessageProcessor(nil))
	registry.MustRegister(processor.NewBillingProcessor(nil))
	registry.MustRegister(processor.NewEmailProcessor(nil))
	return registry
}

// main initializes the HTTP server and its routes.
func main() {
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "127.0.0.1:6379"
	}

	st := store.NewStore(redisAddr)
	defer st.Close()

	if err := st.Ping(context.Background()); err != nil {
		logger.Log.Warn().Err(err).Str("addr", redisAddr).Msg("Redis not reachable at startup")
	}

	apiKey := os.Getenv("API_KEY")
	if apiKey == "" {
		logger.Log.Warn().Msg("API_KEY not set. Authentication disabled.")
	} else {
		logger.Log.Info().Msg("API Authentication enabled.")
	}

	reg := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(reg)

	mux := setupRouter(st, validationRegistry(), recorder, apiKey)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	logger.Log.Info().Msg("Server listening on :8081")
	if err := http.ListenAndServe(":8081", mux); err != nil {
		logger.Log.Fatal().Err(err).Msg("Server failed")
	}
}
