package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	pg_archive "spriteforge.dev/internal/adapters/archive/pg"
	"spriteforge.dev/internal/adapters/executor/comfy"
	"spriteforge.dev/internal/adapters/executor/sim"
	http_handler "spriteforge.dev/internal/adapters/handler/http"
	redis_history "spriteforge.dev/internal/adapters/history/redis"
	zmq_transport "spriteforge.dev/internal/adapters/transport/zmq"
	"spriteforge.dev/internal/config"
	"spriteforge.dev/internal/core/domain"
	"spriteforge.dev/internal/core/logger"
	"spriteforge.dev/internal/core/ports"
	"spriteforge.dev/internal/core/services"
	"spriteforge.dev/internal/core/tracing"
)

const version = "0.1.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger.Init(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting spriteforge worker", "version", version, "backend", cfg.Backend)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Tracing
	var shutdownTracing func(context.Context) error
	if cfg.EnableTracing {
		shutdownTracing, err = tracing.Init(cfg.ServiceName, cfg.OTLPEndpoint)
		if err != nil {
			logger.Error("failed to initialize tracing", "error", err)
		} else {
			defer func() {
				if err := shutdownTracing(context.Background()); err != nil {
					logger.Error("failed to shutdown tracing", "error", err)
				}
			}()
		}
	}

	// Execution backend
	var executor ports.Executor
	switch cfg.Backend {
	case "comfy":
		executor = comfy.New(comfy.Config{
			BaseURL:   cfg.BackendURL,
			OutputDir: cfg.OutputDir,
		})
	default:
		executor = sim.New(sim.Config{OutputDir: cfg.OutputDir})
	}

	// Progress tracker, seeded from persisted stage history when Redis is
	// configured.
	tracker := services.NewTracker(services.TrackerConfig{})
	var history *redis_history.History
	if cfg.RedisURL != "" {
		history, err = redis_history.New(cfg.RedisURL)
		if err != nil {
			log.Fatalf("failed to init redis: %v", err)
		}
		if err := history.Ping(ctx); err != nil {
			logger.Error("redis unreachable, estimates start from priors", "error", err)
		} else if stats, err := history.Load(ctx); err != nil {
			logger.Error("failed to load stage history", "error", err)
		} else {
			tracker.Restore(stats)
			logger.Info("stage history restored", "stages", len(stats))
		}
		defer history.Close()
	}

	// Job archive
	var archive ports.JobArchive
	if cfg.DatabaseURL != "" {
		pgArchive, err := pg_archive.New(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to init postgres: %v", err)
		}
		archive = pgArchive
	}

	// Update fan-out: wire broadcast, websocket mirror, metrics. The wire
	// publisher is appended once the scheduler exists.
	hub := http_handler.NewHub()
	go hub.Run()

	fanout := &services.FanoutPublisher{hub, http_handler.MetricsPublisher{}}

	opts := []services.SchedulerOption{}
	if archive != nil {
		opts = append(opts, services.WithTerminalHook(func(job *domain.Job) {
			saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := archive.Save(saveCtx, job); err != nil {
				logger.Error("failed to archive job", "job_id", job.ID, "error", err)
			}
		}))
	}

	sched := services.NewScheduler(services.SchedulerConfig{
		Concurrency: cfg.Concurrency,
	}, executor, fanout, tracker, opts...)

	scanner := &services.ModelScanner{
		CheckpointDir: cfg.CheckpointDir,
		LoraDir:       cfg.LoraDir,
		VaeDir:        cfg.VaeDir,
	}

	wire := zmq_transport.NewServer(cfg.CommandAddr, cfg.BroadcastAddr, version, sched, tracker, scanner)
	if err := wire.Listen(ctx); err != nil {
		log.Fatalf("failed to bind wire endpoints: %v", err)
	}
	defer wire.Close()
	*fanout = append(*fanout, wire)

	sched.Start(ctx)

	// Diagnostics HTTP
	httpServer := http_handler.NewServer(sched, scanner, archive, hub, version)
	go func() {
		logger.Info("diagnostics server starting", "port", cfg.HTTPPort)
		if err := httpServer.Run(":" + cfg.HTTPPort); err != nil {
			logger.Error("diagnostics server failed", "error", err)
		}
	}()

	// Periodically persist stage history and sweep old terminal jobs.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sched.PurgeTerminal(time.Hour)
				if history != nil {
					saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					if err := history.Save(saveCtx, tracker.Snapshot()); err != nil {
						logger.Error("failed to persist stage history", "error", err)
					}
					cancel()
				}
			}
		}
	}()

	logger.Info("command endpoint ready", "addr", wire.CommandAddr())
	logger.Info("broadcast endpoint ready", "addr", wire.BroadcastAddr())

	if err := wire.Run(ctx); err != nil {
		logger.Error("wire server failed", "error", err)
	}

	logger.Info("shutting down")
	sched.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("diagnostics shutdown failed", "error", err)
	}
	if history != nil {
		if err := history.Save(shutdownCtx, tracker.Snapshot()); err != nil {
			logger.Error("failed to persist stage history", "error", err)
		}
	}
}
