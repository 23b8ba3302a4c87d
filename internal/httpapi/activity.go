package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/eventhub/realtime/internal/activity"
	"github.com/eventhub/realtime/internal/apperr"
)

type recordActivityReq struct {
	Type     activity.Type  `json:"type" binding:"required"`
	Metadata map[string]any `json:"metadata"`
}

// eventActivities is an event's timeline. With ?type= it goes through the
// feed query so before and limit still apply.
func (h *Handler) eventActivities(c *gin.Context) {
	const op = "http.event_activities"
	eventID := c.Param("eventId")
	userID := identity(c).ID

	before, limit, err := page(c, op)
	if err != nil {
		h.abort(c, err)
		return
	}
	if !h.cfg.Guard.CanAccessChannel(c.Request.Context(), eventID, userID) {
		h.abort(c, apperr.Unauthorized(op, "not a guest of this event"))
		return
	}

	var out []activity.Activity
	if t := c.Query("type"); t != "" {
		out, err = h.cfg.Activities.Feed(c.Request.Context(), activity.FeedQuery{
			VisibleTo: userID,
			EventID:   eventID,
			Type:      activity.Type(t),
			Before:    before,
			Limit:     limit,
		})
	} else {
		out, err = h.cfg.Activities.RecentForEvent(c.Request.Context(), eventID, before, limit)
	}
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": out})
}

// recordActivity lets an organizer or co-host log an action on the event.
func (h *Handler) recordActivity(c *gin.Context) {
	const op = "http.record_activity"
	eventID := c.Param("eventId")
	userID := identity(c).ID

	var req recordActivityReq
	if err := c.ShouldBindJSON(&req); err != nil {
		h.abort(c, apperr.Validation(op, "invalid body: type is required"))
		return
	}
	if !h.cfg.Guard.CanModerate(c.Request.Context(), eventID, userID) {
		h.abort(c, apperr.Unauthorized(op, "only the organizer or a co-host can record activities"))
		return
	}

	a, err := h.cfg.Activities.RecordRaw(c.Request.Context(), req.Type, userID, eventID, req.Metadata)
	if err != nil {
		h.abort(c, err)
		return
	}
	if changesEvent(req.Type) {
		h.invalidate(c, eventID)
	}
	c.JSON(http.StatusCreated, gin.H{"data": a})
}

// changesEvent reports activity types that follow a change to the event
// record itself, such as its host list.
func changesEvent(t activity.Type) bool {
	return strings.HasPrefix(string(t), "event.") || strings.HasPrefix(string(t), "cohost.")
}

func (h *Handler) invalidate(c *gin.Context, eventID string) {
	if h.cfg.Events == nil {
		return
	}
	if err := h.cfg.Events.Invalidate(c.Request.Context(), eventID); err != nil {
		h.logger.Warn().Err(err).Str("event_id", eventID).Msg("event cache invalidation failed")
	}
}

func (h *Handler) feed(c *gin.Context) {
	before, limit, err := page(c, "http.feed")
	if err != nil {
		h.abort(c, err)
		return
	}

	out, err := h.cfg.Activities.Feed(c.Request.Context(), activity.FeedQuery{
		VisibleTo: identity(c).ID,
		EventID:   c.Query("eventId"),
		Type:      activity.Type(c.Query("type")),
		Before:    before,
		Limit:     limit,
		Search:    c.Query("q"),
	})
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": out})
}

func (h *Handler) myActivities(c *gin.Context) {
	before, limit, err := page(c, "http.my_activities")
	if err != nil {
		h.abort(c, err)
		return
	}

	out, err := h.cfg.Activities.RecentForUser(c.Request.Context(), identity(c).ID, before, limit)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": out})
}
