package domain

import (
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Session struct {
	ID             int64
	OwnerContextID string
	Title          string
	IsActive       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Message is one transcript row. ID is zero until the store has confirmed
// the row; until then LocalID identifies it in memory.
type Message struct {
	ID          int64        `json:"id,omitempty"`
	LocalID     string       `json:"localId,omitempty"`
	SessionID   int64        `json:"sessionId,omitempty"`
	Role        Role         `json:"role"`
	Text        string       `json:"text"`
	Notices     []string     `json:"notices,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Synthetic   bool         `json:"synthetic,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// Confirmed reports whether the message carries a store-assigned id.
func (m *Message) Confirmed() bool {
	return m.ID > 0
}

// LastImageURL returns the most recent attachment url, used as the image
// reference for multimodal continuity.
func (m *Message) LastImageURL() string {
	for i := len(m.Attachments) - 1; i >= 0; i-- {
		if m.Attachments[i].URL != "" {
			return m.Attachments[i].URL
		}
	}
	return ""
}

type AttachmentMeta struct {
	JobID       string `json:"jobId,omitempty"`
	Prompt      string `json:"prompt,omitempty"`
	AspectRatio string `json:"aspectRatio,omitempty"`
	StyleName   string `json:"styleName,omitempty"`
	ModelTier   string `json:"modelTier,omitempty"`
}

type Attachment struct {
	ID             int64          `json:"id,omitempty"`
	MessageID      int64          `json:"messageId"`
	OwnerContextID string         `json:"ownerContextId"`
	Type           string         `json:"type"`
	URL            string         `json:"url"`
	Metadata       AttachmentMeta `json:"metadata"`
	CreatedAt      time.Time      `json:"createdAt"`
}

const AttachmentTypeImage = "image"

// Snapshot is the per-owner transcript copy kept in the local cache.
type Snapshot struct {
	SessionID    int64     `json:"sessionId"`
	Messages     []Message `json:"messages"`
	LastSyncedAt time.Time `json:"lastSyncedAt"`
}

// HasContent reports whether the snapshot is bound to a session and holds
// at least one message.
func (s *Snapshot) HasContent() bool {
	return s != nil && s.SessionID > 0 && len(s.Messages) > 0
}
