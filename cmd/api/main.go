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

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meetrec/meetrec-control-plane/internal/agent"
	"github.com/meetrec/meetrec-control-plane/internal/api"
	"github.com/meetrec/meetrec-control-plane/internal/audio"
	"github.com/meetrec/meetrec-control-plane/internal/config"
	"github.com/meetrec/meetrec-control-plane/internal/jobs"
	"github.com/meetrec/meetrec-control-plane/internal/notify"
	"github.com/meetrec/meetrec-control-plane/internal/session"
	"github.com/meetrec/meetrec-control-plane/internal/storage"
	"github.com/meetrec/meetrec-control-plane/internal/store"
	"github.com/meetrec/meetrec-control-plane/internal/tracing"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, "meetrec-control-plane", cfg.OTelEndpoint)
	if err != nil {
		log.Fatalf("init tracing: %v", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	if err := ensureRecordingsDir(cfg.RecordingsDir); err != nil {
		log.Fatalf("prepare recordings dir: %v", err)
	}

	backend, err := storage.New(ctx, cfg)
	if err != nil {
		log.Fatalf("init storage: %v", err)
	}

	var archive session.Archiver
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("connect db: %v", err)
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			log.Fatalf("ping db: %v", err)
		}
		a := store.NewArchive(pool)
		if err := a.EnsureSchema(ctx); err != nil {
			log.Fatalf("%v", err)
		}
		archive = a
	}

	tap := audio.NewTap(audio.Options{
		PactlBin:  cfg.PactlBin,
		FFmpegBin: cfg.FFmpegBin,
		MaxSinks:  cfg.MaxSinks,
	})
	agents := agent.NewSupervisor(agent.SupervisorOptions{
		Command:      cfg.AgentCmd,
		Secret:       cfg.AgentSecret,
		WSBaseURL:    cfg.AgentWSBaseURL,
		LeaveTimeout: cfg.AgentLeaveTimeout,
	})
	notifier := notify.New(cfg.WebhookURL, cfg.WebhookSecret, cfg.WebhookTimeout)
	if !notifier.Enabled() {
		log.Printf("event=webhook_disabled reason=%q", "MEETREC_WEBHOOK_URL is empty")
	}

	mgr := session.NewManager(session.Options{
		RecordingsDir: cfg.RecordingsDir,
		JoinTimeout:   cfg.JoinTimeout,
		LobbyTimeout:  cfg.LobbyTimeout,
		LeaveTimeout:  cfg.AgentLeaveTimeout,
		Tap:           tap,
		Agents:        agents,
		Storage:       backend,
		Notifier:      notifier,
		Archive:       archive,
	})

	jobsCtx, stopJobs := context.WithCancel(context.Background())
	defer stopJobs()
	jobs.NewRunner(mgr, jobOptions(cfg)).Start(jobsCtx)

	// No read or write deadline: agent websockets live as long as the
	// meeting and downloads stream whole recordings.
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewRouter(cfg, mgr, http.HandlerFunc(agents.ServeWS)),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("meetrec-control-plane listening on %s storage=%s", cfg.ListenAddr, backend.Name())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			log.Printf("event=http_server_failed err=%q", err.Error())
		}
	}

	// Sessions wind down before the listener closes so agents can still
	// receive leave frames.
	graceCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	if err := mgr.Shutdown(graceCtx); err != nil {
		log.Printf("event=manager_shutdown_incomplete err=%q", err.Error())
	}
	cancel()
	stopJobs()

	httpCtx, cancelHTTP := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelHTTP()
	_ = srv.Shutdown(httpCtx)
	log.Printf("meetrec-control-plane stopped")
}

func ensureRecordingsDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	return nil
}

func jobOptions(cfg config.Config) jobs.Options {
	return jobs.Options{
		SweepInterval: cfg.SweepInterval,
		Retention:     cfg.Retention,
	}
}
