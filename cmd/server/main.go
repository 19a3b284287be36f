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

	"dokanpos/internal/cache"
	"dokanpos/internal/config"
	"dokanpos/internal/httpapi"
	"dokanpos/internal/service"
	"dokanpos/internal/store"
	"dokanpos/internal/store/memory"
	pgstore "dokanpos/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Println("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		log.Println("repository: in-memory")
	}

	attemptWindow := time.Duration(cfg.LoginAttemptWindowSec) * time.Second
	limiter := cache.AttemptLimiter(cache.NewMemoryAttemptLimiter(cfg.LoginAttemptLimit, attemptWindow))
	if cfg.RedisAddr != "" {
		redisLimiter := cache.NewRedisAttemptLimiter(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.LoginAttemptLimit, attemptWindow)
		if err := redisLimiter.Ping(ctx); err != nil {
			log.Printf("redis unavailable (%v), using in-memory login limiter", err)
		} else {
			limiter = redisLimiter
			closers = append(closers, redisLimiter.Close)
			log.Println("login limiter: redis")
		}
	} else {
		log.Println("login limiter: in-memory")
	}

	svc := service.New(repo)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	if err := auth.Bootstrap(ctx); err != nil {
		log.Fatalf("user bootstrap failed: %v", err)
	}
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, limiter)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("POS backend listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Printf("close error: %v", err)
		}
	}

	log.Println("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	return nil
}
