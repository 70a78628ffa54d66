package main

import (
	"context"
	"log"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/meikuraledutech/jobdag/api"
	"github.com/meikuraledutech/jobdag/config"
	"github.com/meikuraledutech/jobdag/expand"
	"github.com/meikuraledutech/jobdag/kube"
	"github.com/meikuraledutech/jobdag/postgres"
	"github.com/meikuraledutech/jobdag/scheduler"
	"k8s.io/client-go/kubernetes"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set")
	}
	logger, err := config.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer pool.Close()

	store := postgres.New(pool)
	if err := store.CreateSchema(ctx); err != nil {
		log.Fatalf("schema: %v", err)
	}

	// ── Clusters ──────────────────────────────────────────────────────
	clients := make(map[string]kubernetes.Interface, len(cfg.Clusters))
	for _, c := range cfg.Clusters {
		if err := store.UpsertCluster(ctx, c.Directory()); err != nil {
			log.Fatalf("register cluster %s: %v", c.Name, err)
		}
		cs, err := kube.NewClient(c.Kubeconfig, c.Context)
		if err != nil {
			log.Fatalf("cluster %s: %v", c.Name, err)
		}
		clients[c.Name] = cs

		w := kube.NewWatcher(cs, cfg.JobNamespace, store, logger.With(slog.String("cluster", c.Name)))
		go func() {
			if err := w.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("Watcher stopped", slog.String("cluster", c.Name), slog.String("error", err.Error()))
			}
		}()
	}
	dispatcher := kube.NewDispatcher(clients, cfg.JobNamespace, cfg.JobImage, logger)

	// ── Graph creation ────────────────────────────────────────────────
	expander := expand.New(expand.CommandGit{}, cfg.WorkDir, logger)
	creator := expand.NewCreator(store, expander, logger)

	// ── Scheduler ─────────────────────────────────────────────────────
	sched := scheduler.New(scheduler.Options{
		Store:      store,
		Clusters:   store,
		Dispatcher: dispatcher,
		Lease:      store.Lease(postgres.SchedulerLease, cfg.ReplicaID, cfg.LeaseTTL),
		Assigner:   scheduler.NewAssigner(rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), rand.Uint64()))),
		Logger:     logger,
		Config: scheduler.Config{
			Interval:        cfg.SchedulerInterval,
			DispatchTimeout: cfg.DispatchTimeout,
			CPUDiscount:     cfg.CPUDiscount,
			MemoryOverhead:  cfg.MemoryOverheadMB,
		},
	})
	go func() {
		if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("Scheduler stopped", slog.String("error", err.Error()))
		}
	}()

	// ── HTTP ──────────────────────────────────────────────────────────
	app := api.New(api.Options{
		Store:       store,
		Clusters:    store,
		Creator:     creator,
		Schema:      store,
		Logger:      logger,
		BaseContext: ctx,
	})
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := app.ShutdownWithContext(shutdown); err != nil {
			logger.Error("Shutdown failed", slog.String("error", err.Error()))
		}
	}()

	logger.Info("Listening", slog.String("addr", cfg.ListenAddr), slog.String("replica", cfg.ReplicaID))
	if err := app.Listen(cfg.ListenAddr); err != nil {
		log.Fatal(err)
	}
}
