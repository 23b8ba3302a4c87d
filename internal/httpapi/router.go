// Package httpapi is the JSON/HTTP surface of the realtime core: chat
// history and writes, activity timelines and feed, guest check-in, event
// stats and presence.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/eventhub/realtime/internal/activity"
	"github.com/eventhub/realtime/internal/auth"
	"github.com/eventhub/realtime/internal/chat"
	"github.com/eventhub/realtime/internal/directory"
	"github.com/eventhub/realtime/internal/metrics"
	"github.com/eventhub/realtime/internal/ratelimit"
)

// Verifier authenticates bearer tokens. *auth.Authenticator satisfies it.
type Verifier interface {
	Verify(token string) (auth.Identity, error)
}

// ChatService is the message store. *chat.Service satisfies it.
type ChatService interface {
	Append(ctx context.Context, req chat.AppendRequest) (chat.Message, error)
	ListHistory(ctx context.Context, eventID, userID string, before *time.Time, limit int) ([]chat.Message, error)
	Get(ctx context.Context, eventID, messageID, userID string) (chat.Message, error)
	Edit(ctx context.Context, eventID, messageID, content, userID string) (chat.Message, error)
	Remove(ctx context.Context, eventID, messageID, userID string) error
	MarkRead(ctx context.Context, eventID, messageID, userID string) (chat.Message, error)
}

// ActivityService is the activity store. *activity.Recorder satisfies it.
type ActivityService interface {
	Record(ctx context.Context, userID, eventID string, p activity.Payload) (activity.Activity, error)
	RecordRaw(ctx context.Context, t activity.Type, userID, eventID string, metadata map[string]any) (activity.Activity, error)
	RecentForEvent(ctx context.Context, eventID string, before *time.Time, limit int) ([]activity.Activity, error)
	RecentForUser(ctx context.Context, userID string, before *time.Time, limit int) ([]activity.Activity, error)
	Feed(ctx context.Context, q activity.FeedQuery) ([]activity.Activity, error)
}

// Guard authorizes event-scoped reads and host actions.
type Guard interface {
	CanAccessChannel(ctx context.Context, eventID, userID string) bool
	CanModerate(ctx context.Context, eventID, userID string) bool
}

// Directory performs check-ins and guest statistics. *directory.Store
// satisfies it.
type Directory interface {
	CheckIn(ctx context.Context, eventID, guestID string, at time.Time) (*directory.Guest, error)
	Stats(ctx context.Context, eventID string) (directory.Stats, error)
}

// EventCache drops cached event records.
type EventCache interface {
	Invalidate(ctx context.Context, eventID string) error
}

// Presence lists the users viewing an event.
type Presence interface {
	Viewers(ctx context.Context, eventID string) ([]string, error)
}

// Limiter applies rate limit rules.
type Limiter interface {
	Check(ctx context.Context, identifier string, rule ratelimit.Rule) (ratelimit.Decision, error)
}

// Config wires the router. Users, Events, Presence and Limiter may be nil.
type Config struct {
	Verifier   Verifier
	Chat       ChatService
	Activities ActivityService
	Guard      Guard
	Directory  Directory
	Users      directory.UserFinder
	Events     EventCache
	Presence   Presence
	Limiter    Limiter
	Logger     zerolog.Logger
}

// Handler holds the route handlers.
type Handler struct {
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(cfg Config) *gin.Engine {
	h := &Handler{cfg: cfg, logger: cfg.Logger, now: time.Now}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(cfg.Logger))

	r.GET("/health", h.health)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := r.Group("/")
	api.Use(h.authenticate(), h.rateLimit(ratelimit.RuleAPI, byUser))

	events := api.Group("/events/:eventId")
	events.GET("/chat", h.listMessages)
	events.POST("/chat", h.rateLimit(ratelimit.RuleChatSend, byUserAndEvent), h.sendMessage)
	events.GET("/chat/:messageId", h.getMessage)
	events.PATCH("/chat/:messageId", h.editMessage)
	events.DELETE("/chat/:messageId", h.deleteMessage)
	events.POST("/chat/:messageId/read", h.markRead)
	events.GET("/activities", h.eventActivities)
	events.POST("/activities", h.recordActivity)
	events.POST("/check-in", h.checkIn)
	events.GET("/stats", h.stats)
	events.GET("/presence", h.presence)

	api.GET("/activities", h.feed)
	api.GET("/me/activities", h.myActivities)

	return r
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
