package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/eventhub/realtime/internal/activity"
	"github.com/eventhub/realtime/internal/apperr"
	"github.com/eventhub/realtime/internal/directory"
)

type checkInReq struct {
	GuestID string `json:"guestId" binding:"required"`
}

// checkIn marks a guest as arrived and records guest.checked_in.
func (h *Handler) checkIn(c *gin.Context) {
	const op = "http.check_in"
	ctx := c.Request.Context()
	eventID := c.Param("eventId")
	userID := identity(c).ID

	var req checkInReq
	if err := c.ShouldBindJSON(&req); err != nil {
		h.abort(c, apperr.Validation(op, "invalid body: guestId is required"))
		return
	}
	if !h.cfg.Guard.CanModerate(ctx, eventID, userID) {
		h.abort(c, apperr.Unauthorized(op, "only the organizer or a co-host can check guests in"))
		return
	}

	guest, err := h.cfg.Directory.CheckIn(ctx, eventID, req.GuestID, h.now().UTC())
	if err != nil {
		h.abort(c, err)
		return
	}

	p, err := activity.NewGuestAction(activity.GuestCheckedIn, guest.ID, map[string]any{"guestName": guest.Name})
	if err == nil {
		_, err = h.cfg.Activities.Record(ctx, userID, eventID, p)
	}
	if err != nil {
		h.logger.Warn().Err(err).Str("event_id", eventID).Str("guest_id", guest.ID).Msg("check-in activity not recorded")
	}

	c.JSON(http.StatusOK, gin.H{"data": guest})
}

func (h *Handler) stats(c *gin.Context) {
	const op = "http.stats"
	eventID := c.Param("eventId")

	if !h.cfg.Guard.CanModerate(c.Request.Context(), eventID, identity(c).ID) {
		h.abort(c, apperr.Unauthorized(op, "only the organizer or a co-host can view stats"))
		return
	}
	st, err := h.cfg.Directory.Stats(c.Request.Context(), eventID)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": st})
}

// presence lists who is currently viewing the event.
func (h *Handler) presence(c *gin.Context) {
	const op = "http.presence"
	ctx := c.Request.Context()
	eventID := c.Param("eventId")

	if !h.cfg.Guard.CanAccessChannel(ctx, eventID, identity(c).ID) {
		h.abort(c, apperr.Unauthorized(op, "not a guest of this event"))
		return
	}
	if h.cfg.Presence == nil {
		c.JSON(http.StatusOK, gin.H{"data": []directory.User{}})
		return
	}

	ids, err := h.cfg.Presence.Viewers(ctx, eventID)
	if err != nil {
		h.abort(c, apperr.Transient(op, err))
		return
	}

	known := map[string]directory.User{}
	if h.cfg.Users != nil && len(ids) > 0 {
		if known, err = h.cfg.Users.FindUsers(ctx, ids); err != nil {
			h.logger.Debug().Err(err).Msg("viewer lookup failed")
			known = map[string]directory.User{}
		}
	}

	out := make([]directory.User, 0, len(ids))
	for _, id := range ids {
		u, ok := known[id]
		if !ok {
			u = directory.User{ID: id}
		}
		out = append(out, u)
	}
	c.JSON(http.StatusOK, gin.H{"data": out})
}
