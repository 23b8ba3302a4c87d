package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/eventhub/realtime/internal/apperr"
	"github.com/eventhub/realtime/internal/chat"
)

type sendMessageReq struct {
	Content     string            `json:"content" binding:"required"`
	ReplyTo     string            `json:"replyTo"`
	Kind        chat.Kind         `json:"kind"`
	Attachments []chat.Attachment `json:"attachments"`
}

type editMessageReq struct {
	Content string `json:"content" binding:"required"`
}

// page reads the before/limit query parameters.
func page(c *gin.Context, op string) (*time.Time, int, error) {
	var before *time.Time
	if v := c.Query("before"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, 0, apperr.Validation(op, "before must be an RFC 3339 timestamp")
		}
		before = &t
	}

	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, 0, apperr.Validation(op, "limit must be a non-negative integer")
		}
		limit = n
	}
	return before, limit, nil
}

func (h *Handler) listMessages(c *gin.Context) {
	before, limit, err := page(c, "http.list_messages")
	if err != nil {
		h.abort(c, err)
		return
	}

	msgs, err := h.cfg.Chat.ListHistory(c.Request.Context(), c.Param("eventId"), identity(c).ID, before, limit)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": msgs})
}

func (h *Handler) sendMessage(c *gin.Context) {
	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		h.abort(c, apperr.Validation("http.send_message", "invalid body: content is required"))
		return
	}

	id := identity(c)
	msg, err := h.cfg.Chat.Append(c.Request.Context(), chat.AppendRequest{
		EventID:     c.Param("eventId"),
		Sender:      h.sender(c, id.ID, id.DisplayName, id.AvatarURL),
		Content:     req.Content,
		Kind:        req.Kind,
		ReplyTo:     req.ReplyTo,
		Attachments: req.Attachments,
	})
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": msg})
}

// sender fills in display details the token did not carry.
func (h *Handler) sender(c *gin.Context, id, name, avatar string) chat.Sender {
	s := chat.Sender{ID: id, Name: name, Avatar: avatar}
	if s.Name != "" || h.cfg.Users == nil {
		return s
	}
	users, err := h.cfg.Users.FindUsers(c.Request.Context(), []string{id})
	if err != nil {
		h.logger.Debug().Err(err).Str("user_id", id).Msg("sender lookup failed")
		return s
	}
	if u, ok := users[id]; ok {
		s.Name = u.DisplayName
		if s.Avatar == "" {
			s.Avatar = u.AvatarURL
		}
	}
	return s
}

func (h *Handler) getMessage(c *gin.Context) {
	msg, err := h.cfg.Chat.Get(c.Request.Context(), c.Param("eventId"), c.Param("messageId"), identity(c).ID)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": msg})
}

func (h *Handler) editMessage(c *gin.Context) {
	var req editMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		h.abort(c, apperr.Validation("http.edit_message", "invalid body: content is required"))
		return
	}

	msg, err := h.cfg.Chat.Edit(c.Request.Context(), c.Param("eventId"), c.Param("messageId"), req.Content, identity(c).ID)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": msg})
}

func (h *Handler) deleteMessage(c *gin.Context) {
	if err := h.cfg.Chat.Remove(c.Request.Context(), c.Param("eventId"), c.Param("messageId"), identity(c).ID); err != nil {
		h.abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) markRead(c *gin.Context) {
	if _, err := h.cfg.Chat.MarkRead(c.Request.Context(), c.Param("eventId"), c.Param("messageId"), identity(c).ID); err != nil {
		h.abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
