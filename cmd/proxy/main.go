// LLM Chat Dispatch Proxy — main entry point
//
// Consumes chat, score, and discussion requests from Redis-backed queues,
// bounds concurrent access to the LLM backends, and publishes responses
// correlated to their requests.
//
// Environment variables (a .env file is honored if present):
//   SERVICE_NAME            — queue name prefix (default: fastchat)
//   REDIS_ADDR              — Redis address (default: localhost:6379)
//   REDIS_PASSWORD          — Redis password (default: "")
//   REDIS_DB                — Redis database (default: 0)
//   BACKEND_URLS            — comma-separated OpenAI-compatible base URLs (default: http://localhost:8000)
//   MODEL                   — model identifier sent to the backend (default: fastchat-t5-3b)
//   CONTEXT_DEPTH           — turns of history retained (default: 3)
//   MAX_TOKENS              — generation length cap (default: 256)
//   NUM_PARALLEL_PROCESSES  — concurrency bound factor (default: 1)
//   NUM_THREADS_PER_PROCESS — concurrency bound factor (default: 1)
//   BACKLOG_LIMIT           — pending request cap, 0 = unbounded (default: 64 × slots)
//   REQUEST_TIMEOUT         — per-generate deadline (default: 120s)
//   CACHE_TTL               — response cache TTL, 0 disables (default: 0)
//   AUDIT_DB_PATH           — SQLite request log path, empty disables (default: "")
//   METRICS_PORT            — Prometheus metrics HTTP port (default: 9090)
//   SHUTDOWN_GRACE          — drain window on shutdown (default: 30s)
//   CB_FAILURE_THRESHOLD    — circuit breaker failure threshold (default: 5)
//   CB_COOLDOWN             — circuit breaker cooldown (default: 30s)
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/abdhe/llm-chat-dispatch/pkg/audit"
	"github.com/abdhe/llm-chat-dispatch/pkg/backend"
	"github.com/abdhe/llm-chat-dispatch/pkg/bus"
	"github.com/abdhe/llm-chat-dispatch/pkg/cache"
	"github.com/abdhe/llm-chat-dispatch/pkg/config"
	"github.com/abdhe/llm-chat-dispatch/pkg/dispatch"
	"github.com/abdhe/llm-chat-dispatch/pkg/pool"
	"github.com/abdhe/llm-chat-dispatch/pkg/resilience"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Starting LLM Chat Dispatch Proxy...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}
	log.Printf("Service %q: %d slots (%d×%d), context_depth=%d, max_tokens=%d, %d backend(s)",
		cfg.ServiceName, cfg.Slots(), cfg.NumParallelProcesses, cfg.NumThreadsPerProcess,
		cfg.ContextDepth, cfg.MaxTokens, len(cfg.BackendURLs))

	// -------------------------------------------------------------------------
	// Connect the transport before anything else; it is the one dependency
	// the service cannot run without.
	// -------------------------------------------------------------------------
	transport := bus.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	connectCtx, connectCancel := context.WithTimeout(context.Background(), 60*time.Second)
	if err := transport.Connect(connectCtx); err != nil {
		connectCancel()
		log.Fatalf("Transport connection failed: %v", err)
	}
	connectCancel()
	defer transport.Close()
	log.Printf("Connected to message bus at %s", cfg.RedisAddr)

	// -------------------------------------------------------------------------
	// Optional response cache
	// -------------------------------------------------------------------------
	var responseCache dispatch.ResponseCache
	if cfg.CacheTTL > 0 {
		rc := cache.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.CacheTTL)
		pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rc.Ping(pingCtx); err != nil {
			log.Printf("WARNING: response cache disabled: %v", err)
		} else {
			responseCache = rc
			defer rc.Close()
			log.Printf("Response cache enabled (TTL=%s)", cfg.CacheTTL)
		}
		pingCancel()
	}

	// -------------------------------------------------------------------------
	// Optional request log
	// -------------------------------------------------------------------------
	var requestLog dispatch.Auditor
	if cfg.AuditDBPath != "" {
		al, err := audit.Open(cfg.AuditDBPath)
		if err != nil {
			log.Fatalf("Request log error: %v", err)
		}
		requestLog = al
		defer al.Close()
		log.Printf("Request log enabled at %s", cfg.AuditDBPath)
	}

	// -------------------------------------------------------------------------
	// Worker pool: one adapter per slot, endpoints assigned round-robin,
	// one circuit breaker per endpoint shared by its slots.
	// -------------------------------------------------------------------------
	endpoints := resilience.NewEndpointPool(cfg.BackendURLs)
	cbCfg := resilience.CircuitBreakerConfig{
		FailureThreshold: cfg.CBFailureThreshold,
		Cooldown:         cfg.CBCooldown,
	}
	breakers := make(map[string]*resilience.CircuitBreaker)

	slots := make([]*pool.Slot, cfg.Slots())
	for i := range slots {
		url, err := endpoints.Next()
		if err != nil {
			log.Fatalf("Backend endpoint error: %v", err)
		}
		if breakers[url] == nil {
			breakers[url] = resilience.NewCircuitBreaker(url, cbCfg)
		}
		slots[i] = &pool.Slot{
			ID:      i,
			Backend: backend.NewHTTPBackend(url, cfg.Model, cfg.RequestTimeout),
			Breaker: breakers[url],
		}
	}
	workers := pool.New(slots)

	// -------------------------------------------------------------------------
	// Dispatcher
	// -------------------------------------------------------------------------
	dispatcher := dispatch.New(dispatch.Config{
		Consumer:  transport,
		Publisher: transport,
		Pool:      workers,
		Prompts:   backend.NewPromptBuilder(cfg.ContextDepth),
		Queues: dispatch.Queues{
			Ask:     cfg.QueueAsk(),
			Score:   cfg.QueueScore(),
			Opinion: cfg.QueueOpinion(),
		},
		MaxTokens:    cfg.MaxTokens,
		BacklogLimit: cfg.BacklogLimit,
		Cache:        responseCache,
		Audit:        requestLog,
	})

	// -------------------------------------------------------------------------
	// Metrics + health HTTP server
	// -------------------------------------------------------------------------
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})

	metricsServer := &http.Server{
		Addr:         ":" + cfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("Metrics server listening on :%s/metrics", cfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Metrics server error: %v", err)
		}
	}()

	// -------------------------------------------------------------------------
	// Run until a shutdown signal, then drain
	// -------------------------------------------------------------------------
	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("Consuming queues %s, %s, %s", cfg.QueueAsk(), cfg.QueueScore(), cfg.QueueOpinion())
	if err := dispatcher.Run(runCtx); err != nil {
		log.Fatalf("Dispatcher error: %v", err)
	}

	log.Printf("Shutdown signal received, draining for up to %s...", cfg.ShutdownGrace)
	if err := dispatcher.Drain(cfg.ShutdownGrace); err != nil {
		log.Printf("Force terminating: %v", err)
	} else {
		log.Println("All in-flight requests drained")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Metrics server shutdown error: %v", err)
	}

	log.Println("LLM Chat Dispatch Proxy shut down successfully")
}
