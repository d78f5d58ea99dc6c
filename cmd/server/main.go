package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/samezzz/church-attendance-check-in/internal/config"
	"github.com/samezzz/church-attendance-check-in/internal/db"
	internalhttp "github.com/samezzz/church-attendance-check-in/internal/http"
	"github.com/samezzz/church-attendance-check-in/internal/identity"
	"github.com/samezzz/church-attendance-check-in/internal/metrics"
	"github.com/samezzz/church-attendance-check-in/internal/records"
	"github.com/samezzz/church-attendance-check-in/internal/sessionsync"
)

func main() {
	cfg := config.Load()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MigrateOnStart {
		if err := db.RunMigrations(cfg.DatabaseURL); err != nil {
			log.Fatalf("migrations failed: %v", err)
		}
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connection failed: %v", err)
	}
	defer pool.Close()

	collector := metrics.NewCollector(prometheus.DefaultRegisterer)
	store := records.NewStore(db.NewStore(pool), cfg.StoreQueryTimeout, collector)

	identityClient := identity.NewClient(identity.Config{
		BaseURL:   cfg.IdentityBaseURL,
		AnonKey:   cfg.IdentityAnonKey,
		JWTSecret: cfg.IdentityJWTSecret,
		JWTIssuer: cfg.IdentityJWTIssuer,
		Timeout:   cfg.IdentityTimeout,
	})
	identityClient.StartAutoRefresh(ctx, 30*time.Second)

	manager := sessionsync.NewManager(sessionsync.Config{
		OAuthProvider:    cfg.OAuthProvider,
		OAuthRedirectURL: cfg.OAuthRedirectURL,
	}, identityClient, store, collector)
	manager.Start(ctx)

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			cancel()
			log.Fatalf("redis ping failed: %v", err)
		}
		cancel()
		defer func() {
			if err := redisClient.Close(); err != nil {
				log.Printf("redis close error: %v", err)
			}
		}()
	}

	server := internalhttp.NewServer(cfg, manager, store, identityClient, redisClient, collector)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("checkin http listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
