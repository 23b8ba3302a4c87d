// Command wsserver is the WebSocket gateway. Clients subscribe to event
// and user channels and receive the envelopes published on NATS.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/eventhub/realtime/internal/access"
	"github.com/eventhub/realtime/internal/auth"
	"github.com/eventhub/realtime/internal/config"
	"github.com/eventhub/realtime/internal/database"
	"github.com/eventhub/realtime/internal/directory"
	"github.com/eventhub/realtime/internal/fanout"
	"github.com/eventhub/realtime/internal/gateway"
	"github.com/eventhub/realtime/internal/logging"
	"github.com/eventhub/realtime/internal/messaging"
	"github.com/eventhub/realtime/internal/presence"
	"github.com/eventhub/realtime/internal/ratelimit"
	"github.com/eventhub/realtime/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	logger := logging.Setup(cfg.Log.Level, cfg.Log.Format, "wsserver")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db := database.NewHandle(cfg.DatabaseURL, database.DefaultOptions(), logging.Component(logger, "database"))
	defer db.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("redis ping")
	}

	nc, err := messaging.NewNATSClient(messaging.NATSConfig{
		URL:           cfg.NATS.URL,
		Name:          cfg.NATS.Name + "-ws-" + cfg.ServerName,
		ReconnectWait: cfg.NATS.ReconnectWait,
		MaxReconnects: cfg.NATS.MaxReconnects,
	}, logging.Component(logger, "nats"))
	if err != nil {
		logger.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()

	store := directory.NewStore(db)
	events := directory.NewEventCache(rdb, store, cfg.Chat.EventCacheTTL, logging.Component(logger, "event_cache"))
	presenceStore := presence.NewStore(rdb, cfg.ServerName)

	gw := gateway.New(gateway.Config{
		Subscriber: fanout.NewBroadcaster(nc, logging.Component(logger, "fanout")),
		Guard:      access.NewGuard(events, store, logging.Component(logger, "access")),
		Presence:   presenceStore,
		Limiter:    ratelimit.NewLimiter(rdb, logging.Component(logger, "ratelimit")),
		Logger:     logging.Component(logger, "gateway"),
	})

	wsCfg := ws.ServerConfig{
		ListenAddr:     cfg.WS.ListenAddr,
		WorkerPoolSize: cfg.WS.WorkerPoolSize,
		MaxConnections: cfg.WS.MaxConnections,
		ReadTimeout:    cfg.WS.ReadTimeout,
		WriteTimeout:   cfg.WS.WriteTimeout,
		Heartbeat: ws.HeartbeatConfig{
			Interval: cfg.WS.HeartbeatInterval,
			Timeout:  cfg.WS.HeartbeatTimeout,
		},
	}
	dispatcher := ws.NewMessageDispatcher(logging.Component(logger, "dispatch"))
	server := ws.NewServer(
		wsCfg,
		auth.New(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.TokenTTL),
		gw.Hooks(dispatcher),
		logging.Component(logger, "ws"),
	)

	logger.Info().
		Str("listen_addr", wsCfg.ListenAddr).
		Int("worker_pool", wsCfg.WorkerPoolSize).
		Int("max_connections", wsCfg.MaxConnections).
		Str("nats_url", cfg.NATS.URL).
		Str("redis_addr", cfg.RedisAddr).
		Str("server_name", cfg.ServerName).
		Msg("websocket gateway starting")

	// Keep presence records of live connections from expiring.
	go func() {
		ticker := time.NewTicker(presence.ConnTTL / 4)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				gw.TouchAll(ctx)
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server failed")
		}
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown")
		os.Exit(1)
	}
}
