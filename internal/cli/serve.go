package cli

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"attendease/proximity/internal/config"
	internalhttp "attendease/proximity/internal/http"
	"attendease/proximity/internal/operations"
	"attendease/proximity/internal/registry"
	"attendease/proximity/internal/storage"
	memorystore "attendease/proximity/internal/storage/memory"
	"attendease/proximity/internal/storage/postgres"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the attendance verification API server",
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe() {
	cfg := config.Load()
	log := logrus.WithField("component", "server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Durable attendance lives in Postgres when configured; the in-memory
	// store covers dev setups and tests.
	var store storage.Interface
	if cfg.DatabaseURL != "" {
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			log.WithError(err).Fatal("db connection failed")
		}
		defer pool.Close()
		if err := postgres.Migrate(ctx, pool); err != nil {
			log.WithError(err).Fatal("db migration failed")
		}
		store = postgres.NewStore(pool)
	} else {
		log.Warn("DATABASE_URL not set, using in-memory storage")
		store = memorystore.NewStore()
	}

	// The token registry is ephemeral either way; Redis only widens it to
	// multiple server instances.
	var reg registry.Registry
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			cancel()
			log.WithError(err).Fatal("redis ping failed")
		}
		cancel()
		defer func() {
			if err := redisClient.Close(); err != nil {
				log.WithError(err).Warn("redis close error")
			}
		}()
		reg = registry.NewRedis(redisClient, cfg.TokenTTL)
	} else {
		reg = registry.NewMemory(cfg.TokenTTL)
	}

	sessions := operations.NewSessionManager(store, reg, cfg.SessionDuration)
	recorder := operations.NewRecorder(store)
	server := internalhttp.NewServer(cfg, store, reg, sessions, recorder)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("http listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("http server error")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("shutdown error")
	}
}
