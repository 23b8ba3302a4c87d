// Command apiserver serves the realtime HTTP API: chat history and
// mutations, activity feeds, check-in, stats and presence.
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
	"github.com/eventhub/realtime/internal/activity"
	"github.com/eventhub/realtime/internal/auth"
	"github.com/eventhub/realtime/internal/chat"
	"github.com/eventhub/realtime/internal/config"
	"github.com/eventhub/realtime/internal/database"
	"github.com/eventhub/realtime/internal/directory"
	"github.com/eventhub/realtime/internal/fanout"
	"github.com/eventhub/realtime/internal/httpapi"
	"github.com/eventhub/realtime/internal/logging"
	"github.com/eventhub/realtime/internal/messaging"
	"github.com/eventhub/realtime/internal/moderation"
	"github.com/eventhub/realtime/internal/presence"
	"github.com/eventhub/realtime/internal/ratelimit"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	logger := logging.Setup(cfg.Log.Level, cfg.Log.Format, "apiserver")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Postgres ---
	db := database.NewHandle(cfg.DatabaseURL, database.DefaultOptions(), logging.Component(logger, "database"))
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		logger.Fatal().Err(err).Msg("migrate")
	}

	// --- Redis ---
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("redis ping")
	}

	// --- NATS ---
	nc, err := messaging.NewNATSClient(messaging.NATSConfig{
		URL:           cfg.NATS.URL,
		Name:          cfg.NATS.Name + "-api",
		ReconnectWait: cfg.NATS.ReconnectWait,
		MaxReconnects: cfg.NATS.MaxReconnects,
	}, logging.Component(logger, "nats"))
	if err != nil {
		logger.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()

	store := directory.NewStore(db)
	events := directory.NewEventCache(rdb, store, cfg.Chat.EventCacheTTL, logging.Component(logger, "event_cache"))
	guard := access.NewGuard(events, store, logging.Component(logger, "access"))
	broadcaster := fanout.NewBroadcaster(nc, logging.Component(logger, "fanout"))

	recorder := activity.NewRecorder(
		activity.NewPostgresRepository(db),
		store,
		broadcaster,
		cfg.Chat.ActivityLimit,
		logging.Component(logger, "activity"),
	)
	chatSvc := chat.NewService(chat.Config{
		Repo:         chat.NewPostgresRepository(db),
		Events:       events,
		Guard:        guard,
		Filter:       moderation.NewFilter(cfg.Chat.BlockedTerms),
		Notifier:     broadcaster,
		Activities:   recorder,
		Logger:       logging.Component(logger, "chat"),
		HistoryLimit: cfg.Chat.HistoryLimit,
	})

	router := httpapi.NewRouter(httpapi.Config{
		Verifier:   auth.New(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.TokenTTL),
		Chat:       chatSvc,
		Activities: recorder,
		Guard:      guard,
		Directory:  store,
		Users:      store,
		Events:     events,
		Presence:   presence.NewStore(rdb, cfg.ServerName),
		Limiter:    ratelimit.NewLimiter(rdb, logging.Component(logger, "ratelimit")),
		Logger:     logging.Component(logger, "http"),
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("api server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("api server failed")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown")
		os.Exit(1)
	}
}
