package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"molrender/internal/api"
	"molrender/internal/command"
	"molrender/internal/config"
	"molrender/internal/engine"
	"molrender/internal/events"
	"molrender/internal/ratelimit"
	"molrender/internal/render"
	"molrender/internal/store"
	"molrender/internal/ws"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	var jobStore render.JobStore
	if cfg.PostgresDSN != "" {
		st, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("connect postgres: %v", err)
		}
		defer st.Close()
		if err := st.RunMigrations(ctx); err != nil {
			log.Fatalf("migrations: %v", err)
		}
		jobStore = st
	}

	bus := events.NewBus(256)
	defer bus.Close()

	manager := engine.NewManager(cfg, bus)
	defer manager.Shutdown()
	go manager.RunReaper(ctx)

	commands := command.New(manager, command.NewHistory(cfg.CommandHistoryLimit), cfg.CommandTimeout)

	queue, err := render.NewQueue(cfg, manager, commands, bus, jobStore)
	if err != nil {
		log.Fatalf("init render queue: %v", err)
	}

	hub := ws.NewHub(cfg, tokenAuth{token: os.Getenv("AUTH_TOKEN")}, bus)
	go hub.Run(ctx)

	var limiter *ratelimit.SessionLimiter
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		limiter = ratelimit.NewSessionLimiter(client, cfg.RateLimitCapacity, cfg.RateLimitRefill)
	}

	server := api.New(cfg, manager, commands, queue, hub, limiter)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("orchestrator listening on :%s (engine %s, max %d instances)", cfg.HTTPPort, cfg.EngineBinary, cfg.EngineMaxInstances)
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

// tokenAuth is the stand-in for the external auth layer: a shared token
// resolves to a synthetic user id, and session authorization is assumed to
// have happened upstream. An empty configured token accepts any non-empty
// credential (local development).
type tokenAuth struct {
	token string
}

func (a tokenAuth) Authenticate(token string) (string, error) {
	if token == "" {
		return "", errors.New("missing token")
	}
	if a.token != "" && token != a.token {
		return "", errors.New("invalid token")
	}
	return fmt.Sprintf("user-%s", token[:minLen(len(token), 8)]), nil
}

func (a tokenAuth) ValidateSessionAccess(string, string) bool {
	return true
}

func minLen(a, b int) int {
	if a < b {
		return a
	}
	return b
}
