package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"sessiongen.org/internal/account"
	"sessiongen.org/internal/audit"
	"sessiongen.org/internal/auth"
	"sessiongen.org/internal/config"
	"sessiongen.org/internal/credstore"
	"sessiongen.org/internal/httpapi"
	"sessiongen.org/internal/issuance"
	"sessiongen.org/internal/obs"
	"sessiongen.org/internal/orchestrator"
	"sessiongen.org/internal/outbox"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	roster := auth.NewRoster(cfg.Admins...)
	if cfg.RosterFile != "" {
		if err := roster.Reload(cfg.RosterFile, cfg.Admins...); err != nil {
			log.Fatalf("roster: %v", err)
		}
	}
	if !auth.SecretConfigured() {
		obs.Warn("SESSIONGEN_AUTH_SECRET not set; transport endpoints will refuse requests", nil)
	}

	store, err := credstore.Open(cfg.SessionDir)
	if err != nil {
		log.Fatalf("artifact store: %v", err)
	}
	records, err := audit.OpenFile(cfg.AuditLog)
	if err != nil {
		log.Fatalf("audit log: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gateway, err := account.Dial(ctx, cfg.GatewayAddr)
	if err != nil {
		log.Fatalf("account gateway: %v", err)
	}

	gate := auth.NewGate(roster, auth.WithStartLimit(cfg.Issuance.StartInterval, cfg.Issuance.StartBurst))
	machine := issuance.NewMachine(gateway, store, records,
		issuance.WithTTL(cfg.Issuance.SessionTTL),
		issuance.WithCallTimeout(cfg.Issuance.RemoteTimeout),
	)
	box := outbox.New(cfg.HTTP.OutboxLimit)
	orch := orchestrator.New(gate, machine, store, records, box,
		orchestrator.WithSweepInterval(cfg.Issuance.SweepInterval),
	)
	go orch.Run(ctx)

	probe := httpapi.ReadyProbe{Store: store, Audit: records}
	api := httpapi.New(probe, version, orch, box,
		httpapi.WithRateLimit(cfg.HTTP.RateBurst, cfg.HTTP.RatePerSec),
		httpapi.WithMaxBody(cfg.HTTP.MaxBodyBytes),
	)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// SSE streams stay open, so no write deadline.
		IdleTimeout: 60 * time.Second,
	}

	obs.Info("starting sessiongend", map[string]any{
		"version":     version,
		"http_addr":   cfg.HTTPAddr,
		"gateway":     cfg.GatewayAddr,
		"admins":      roster.Len(),
		"session_ttl": cfg.Issuance.SessionTTL.String(),
	})

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	var grpcSrv *grpc.Server
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			log.Fatalf("grpc listen: %v", err)
		}
		grpcSrv = grpc.NewServer()
		httpapi.NewGRPCServer(probe, version).Register(grpcSrv)
		go func() {
			if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				log.Fatalf("grpc serve: %v", err)
			}
		}()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigs {
		if sig != syscall.SIGHUP {
			break
		}
		if cfg.RosterFile == "" {
			obs.Warn("SIGHUP ignored: no roster file configured", nil)
			continue
		}
		if err := roster.Reload(cfg.RosterFile, cfg.Admins...); err != nil {
			obs.Error("roster reload failed", map[string]any{"error": err.Error()})
			continue
		}
		obs.Info("roster reloaded", map[string]any{"admins": roster.Len()})
	}

	obs.Info("shutting down", nil)

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()

	_ = srv.Shutdown(shutdownCtx)
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	cancel()
	orch.Close()
	_ = gateway.Close()
	_ = records.Close()
	obs.Info("stopped", nil)
}
