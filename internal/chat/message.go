// Package chat persists event-scoped chat messages and broadcasts every
// change to the event's channel.
package chat

import (
	"time"
)

// Kind distinguishes ordinary chat from host announcements and
// system notices.
type Kind string

const (
	KindText         Kind = "text"
	KindAnnouncement Kind = "announcement"
	KindSystem       Kind = "system"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindText, KindAnnouncement, KindSystem:
		return true
	}
	return false
}

// ReplyTo quotes the message being replied to.
type ReplyTo struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

// Attachment is a file linked from a message.
type Attachment struct {
	Name string `json:"name" validate:"required,max=255"`
	URL  string `json:"url" validate:"required,url"`
	Type string `json:"type" validate:"max=100"`
}

// ReadReceipt records when a user read a message.
type ReadReceipt struct {
	UserID string    `json:"userId"`
	ReadAt time.Time `json:"readAt"`
}

// Message is a persisted chat message. CreatedAt is set once on insert;
// history is ordered by (CreatedAt, insertion order).
type Message struct {
	ID           string        `json:"id"`
	EventID      string        `json:"eventId"`
	SenderID     string        `json:"senderId"`
	SenderName   string        `json:"senderName"`
	SenderAvatar string        `json:"senderAvatar,omitempty"`
	Kind         Kind          `json:"type"`
	Content      string        `json:"content"`
	ReplyTo      *ReplyTo      `json:"replyTo,omitempty"`
	Attachments  []Attachment  `json:"attachments"`
	ReadBy       []ReadReceipt `json:"readBy"`
	Edited       bool          `json:"edited"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// HasRead reports whether userID has a read receipt on m.
func (m *Message) HasRead(userID string) bool {
	for _, r := range m.ReadBy {
		if r.UserID == userID {
			return true
		}
	}
	return false
}

// Deleted is the payload broadcast when a message is removed.
type Deleted struct {
	ID      string `json:"id"`
	EventID string `json:"eventId"`
}

// Sender identifies the author of a new message.
type Sender struct {
	ID     string
	Name   string
	Avatar string
}
