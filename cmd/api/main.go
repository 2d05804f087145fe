package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"staykey.io/internal/access"
	"staykey.io/internal/audit"
	"staykey.io/internal/config"
	"staykey.io/internal/httpapi"
	"staykey.io/internal/obs"
	"staykey.io/internal/store/pg"
	"staykey.io/internal/svcauth"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)

	store, err := pg.Open(cfg.Database.DSN)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	hasher, err := access.NewHasher(cfg.Access.HashKey)
	if err != nil {
		log.Fatalf("init hasher: %v", err)
	}
	verifier, err := svcauth.NewVerifier([]byte(cfg.Service.Secret))
	if err != nil {
		log.Fatalf("init verifier: %v", err)
	}

	sink := audit.NewSink()
	defer sink.Close()

	perms, err := access.NewPermissionService(store.Roles(), store,
		access.WithPermissionSink(sink))
	if err != nil {
		log.Fatalf("init permission service: %v", err)
	}
	tokens, err := access.NewTokenService(store.Tokens(), store, hasher,
		access.WithDefaultTTL(cfg.Access.DefaultTokenTTL),
		access.WithClockSkew(cfg.Access.ClockSkew),
		access.WithTokenSink(sink))
	if err != nil {
		log.Fatalf("init token service: %v", err)
	}
	sessions, err := access.NewSessionService(store.Sessions(), perms, hasher,
		access.WithMaxTTL(access.SessionKindGuest, cfg.Access.GuestSessionTTL),
		access.WithMaxTTL(access.SessionKindStaff, cfg.Access.StaffSessionTTL),
		access.WithSessionClockSkew(cfg.Access.ClockSkew),
		access.WithSessionSink(sink))
	if err != nil {
		log.Fatalf("init session service: %v", err)
	}

	api := httpapi.New(tokens, sessions, perms, verifier,
		httpapi.ReadyProbe{DB: store.DB()},
		httpapi.Limits{
			RateLimitRPS:   cfg.Limits.RateLimitRPS,
			RateLimitBurst: cfg.Limits.RateLimitBurst,
			MaxBodyBytes:   cfg.Limits.MaxBodyBytes,
		},
		version)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	log.Printf("starting staykey-access %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Println("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(ctx)
	log.Println("stopped")
}
