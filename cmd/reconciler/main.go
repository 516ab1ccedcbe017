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

	"buildhub/internal/config"
	"buildhub/internal/hooks"
	"buildhub/internal/notify"
	"buildhub/internal/repoqueue"
	"buildhub/internal/scheduler"
	"buildhub/internal/session"
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
	pub.Register(reg)
	reg.Seal()

	sched := scheduler.New(cfg, reg)
	queue := repoqueue.New(cfg, reg, afero.NewOsFs())

	// auto repo requests run as the configured queue user
	var queueSess *session.Session
	if id, found, err := st.UserID(ctx, cfg.RepoQueueUser); err != nil {
		log.Fatalf("lookup repo queue user: %v", err)
	} else if found {
		queueSess = session.New(id)
	} else {
		log.Printf("repo queue user %q not found, auto requests disabled", cfg.RepoQueueUser)
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.Handler())
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics listen: %v", err)
		}
	}()

	log.Printf("reconciler running every %s", cfg.ReconcileInterval)
	ticker := time.NewTicker(cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pass(ctx, st, sched, queue, queueSess)
		}
	}
}

// pass runs one reconciliation round. Each step gets its own
// transaction so a failure in one doesn't roll back the others.
func pass(ctx context.Context, st *store.Store, sched *scheduler.Scheduler, queue *repoqueue.Queue, queueSess *session.Session) {
	if err := st.WithTx(ctx, func(tx *store.Tx) error {
		_, err := sched.Run(ctx, tx, false)
		return err
	}); err != nil {
		log.Printf("scheduler pass: %v", err)
	}

	if err := st.WithTx(ctx, func(tx *store.Tx) error {
		_, err := queue.CheckQueue(ctx, tx)
		return err
	}); err != nil {
		log.Printf("repo queue check: %v", err)
	}

	if err := st.WithTx(ctx, func(tx *store.Tx) error {
		return queue.UpdateEndEvents(ctx, tx)
	}); err != nil {
		log.Printf("end event update: %v", err)
	}

	if queueSess != nil {
		if err := st.WithTx(ctx, func(tx *store.Tx) error {
			return queue.DoAutoRequests(ctx, tx, queueSess)
		}); err != nil {
			log.Printf("auto repo requests: %v", err)
		}
	}
}
