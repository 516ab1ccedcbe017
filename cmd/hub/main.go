package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"

	"buildhub/internal/api"
	"buildhub/internal/config"
	"buildhub/internal/hooks"
	"buildhub/internal/notify"
	"buildhub/internal/repoqueue"
	"buildhub/internal/scheduler"
	"buildhub/internal/store"
	"buildhub/internal/telemetry"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
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

	reg := hooks.NewRegistry()
	pub := notify.New(cfg)
	defer pub.Close()
	if err := pub.Ping(ctx); err != nil {
		log.Printf("redis unavailable, notifications degraded: %v", err)
	}
	pub.Register(reg)
	reg.Seal()

	sched := scheduler.New(cfg, reg)
	queue := repoqueue.New(cfg, reg, afero.NewOsFs())
	server := api.New(cfg, st, sched, queue, reg)

	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	go func() {
		log.Printf("metrics listening on %s", cfg.MetricsAddr)
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.Handler())
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics listen: %v", err)
		}
	}()

	log.Printf("hub listening on :%s", cfg.HTTPPort)
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
