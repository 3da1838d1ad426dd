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

	"contest-arena/server/auth"
	"contest-arena/server/config"
	"contest-arena/server/contest"
	"contest-arena/server/judge"
	"contest-arena/server/leaderboard"
	"contest-arena/server/realtime"
	"contest-arena/server/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := setupTelemetry(ctx, cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("telemetry: %v", err)
	}
	defer shutdownTracing(context.Background())

	st := openStore(ctx, cfg)
	defer st.Close()

	engine := openEngine(ctx, cfg)

	jobs := NewJobs(cfg.RedisAddr, cfg.RedisDB)
	defer jobs.Close()

	orch := contest.NewOrchestrator(st, engine, nil, func(contestID string, rows []store.SnapshotRow) {
		if err := jobs.EnqueueSnapshot(contestID, rows); err != nil {
			// Queue down: write directly rather than lose the standings.
			log.Printf("main: snapshot enqueue for %s: %v, writing inline", contestID, err)
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := st.WriteSnapshot(ctx, contestID, rows); err != nil {
				log.Printf("main: ALERT: snapshot for %s lost in both paths: %v", contestID, err)
			}
		}
	})

	runner := openRunner(ctx, cfg)
	pipe := judge.NewPipeline(st, engine, orch, runner)

	worker := NewWorker(cfg.RedisAddr, cfg.RedisDB, st, pipe)
	if err := worker.Start(); err != nil {
		log.Printf("main: job worker unavailable: %v", err)
	} else {
		defer worker.Shutdown()
	}

	issuer, err := auth.NewIssuer(cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}

	ws := realtime.NewHandler(issuer, orch, pipe, st, engine)
	defer ws.Shutdown()

	if err := orch.Start(ctx); err != nil {
		log.Fatalf("orchestrator: %v", err)
	}
	defer orch.Shutdown()

	api := NewAPI(cfg, st, engine, orch, issuer, ws, jobs)
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("main: listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("main: serve: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("main: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("main: http shutdown: %v", err)
	}
}

// openStore prefers Postgres; without DATABASE_URL the in-memory store
// serves single-node development.
func openStore(ctx context.Context, cfg *config.Config) store.Store {
	if cfg.DatabaseURL == "" {
		log.Printf("main: DATABASE_URL unset, using in-memory store")
		return store.NewMemoryStore()
	}
	st, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("main: postgres: %v", err)
	}
	return st
}

// openEngine prefers Redis; an unreachable Redis falls back to the
// in-memory engine so development works without infrastructure.
func openEngine(ctx context.Context, cfg *config.Config) leaderboard.Engine {
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	engine, err := leaderboard.NewRedisEngine(client)
	if err != nil {
		log.Printf("main: redis leaderboard unavailable (%v), using in-memory engine", err)
		return leaderboard.NewMemoryEngine()
	}
	return engine
}

// openRunner starts the Docker sandbox pool. Without a Docker daemon the
// MCQ path still works; code submissions answer SERVICE_BUSY.
func openRunner(ctx context.Context, cfg *config.Config) judge.Runner {
	pool, err := judge.NewDockerPool(ctx, judge.PoolConfig{
		Workers:     cfg.SandboxWorkers,
		Image:       cfg.SandboxImage,
		ScratchRoot: cfg.SandboxScratch,
		Grace:       time.Duration(cfg.SandboxGraceMs) * time.Millisecond,
		QueueWait:   cfg.QueueWaitTimeout,
	})
	if err != nil {
		log.Printf("main: sandbox pool unavailable: %v", err)
		return unavailableRunner{}
	}
	return pool
}

type unavailableRunner struct{}

func (unavailableRunner) Run(ctx context.Context, job *judge.Job) (*judge.RunResult, error) {
	return nil, judge.ErrSandbox
}
