// cmd/server/main.go
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/playsquad/playsquad/internal/auth"
	"github.com/playsquad/playsquad/internal/config"
	"github.com/playsquad/playsquad/internal/handlers"
	"github.com/playsquad/playsquad/internal/lobby"
	"github.com/playsquad/playsquad/internal/lock"
	"github.com/playsquad/playsquad/internal/matchmaking"
	"github.com/playsquad/playsquad/internal/notify"
	"github.com/playsquad/playsquad/internal/queue"
	"github.com/playsquad/playsquad/internal/socket"
	"github.com/playsquad/playsquad/internal/store"
)

func main() {
	cfg := config.Load()

	log := logrus.New()
	if cfg.Dev {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.InfoLevel)
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	if cfg.JWTSecret == "" {
		if !cfg.Dev {
			log.Fatal("JWT_SECRET is required outside development")
		}
		cfg.JWTSecret = "dev-secret"
		log.Warn("JWT_SECRET unset, using the development secret")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st := openStore(ctx, cfg, log)
	locks, notifier := openRedis(ctx, cfg, log)

	hub := socket.NewHub(log)
	tokens := auth.NewTokenService(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience, 24*time.Hour)
	engine := lobby.NewEngine(st, hub, notifier, lobby.Config{AutoStartDelay: cfg.AutoStartDelay}, log)
	svc := matchmaking.NewService(st, queue.NewManager(log), locks, engine, notifier, hub, matchmaking.Config{
		ProcessInterval: cfg.ProcessInterval,
		MinGroupSize:    cfg.MinGroupSize,
		RequestTTL:      cfg.RequestTTL,
		LockTTL:         cfg.LockTTL,
	}, log)

	// Requests that were searching when the last process died rejoin the
	// queue before matching starts.
	if err := svc.Rebuild(ctx); err != nil {
		log.WithError(err).Fatal("queue rebuild failed")
	}
	go svc.Run(ctx)

	srv := handlers.NewServer(svc, engine, hub, tokens, log, cfg.Dev)
	ws := socket.NewHandler(hub, tokens, st, engine, log)

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Routes(ws),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("shutdown did not finish cleanly")
		}
	}()

	log.WithField("addr", httpSrv.Addr).Info("listening")
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Fatal("server exited")
	}
	log.Info("stopped")
}

// openStore connects Postgres and applies the schema. Development falls back
// to the in-memory store when the database is unreachable.
func openStore(ctx context.Context, cfg config.Config, log *logrus.Logger) store.Store {
	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pg, err := store.NewPostgres(connectCtx, cfg.PostgresURL)
	if err != nil {
		if !cfg.Dev {
			log.WithError(err).Fatal("postgres connection failed")
		}
		log.WithError(err).Warn("postgres unreachable, using the in-memory store")
		return store.NewMemory()
	}
	if err := pg.EnsureSchema(connectCtx); err != nil {
		log.WithError(err).Fatal("schema migration failed")
	}
	log.Info("postgres connected")
	return pg
}

// openRedis wires the finalization lock and notification trigger. Development
// degrades to process-local locks and no notifications.
func openRedis(ctx context.Context, cfg config.Config, log *logrus.Logger) (lock.Manager, notify.Trigger) {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		if !cfg.Dev {
			log.WithError(err).Fatal("redis connection failed")
		}
		log.WithError(err).Warn("redis unreachable, using in-process locks and no notifications")
		return lock.NewMemoryManager(), notify.Noop{}
	}
	log.Info("redis connected")
	return lock.NewRedisManager(rdb), notify.NewRedisTrigger(rdb, cfg.NotifyQueueName)
}
