// internal/models/chat.go
package models

import (
	"time"

	"github.com/google/uuid"
)

// MaxMessageLength caps chat message content.
const MaxMessageLength = 1000

// ChatType distinguishes lobby-bound chats from direct and group chats.
type ChatType string

const (
	ChatLobby  ChatType = "lobby"
	ChatDirect ChatType = "direct"
	ChatGroup  ChatType = "group"
)

// ContentType tags a message body. System and auto messages have no sender.
type ContentType string

const (
	ContentText   ContentType = "text"
	ContentEmoji  ContentType = "emoji"
	ContentSystem ContentType = "system"
	ContentAuto   ContentType = "auto"
)

// ChatMessage is one entry in a chat's bounded log. SenderID is nil for
// system-emitted messages.
type ChatMessage struct {
	ID          uuid.UUID   `json:"id"`
	SenderID    *uuid.UUID  `json:"senderId"`
	Content     string      `json:"content"`
	ContentType ContentType `json:"contentType"`
	CreatedAt   time.Time   `json:"createdAt"`
	EditedAt    *time.Time  `json:"editedAt,omitempty"`
	DeletedAt   *time.Time  `json:"deletedAt,omitempty"`
}

// Chat is a message log attached to a lobby (or standing alone as a direct
// or group chat). Participants form a monotone set: joining adds, leaving
// never removes, so history remains attributable.
type Chat struct {
	ID            uuid.UUID     `json:"id"`
	ChatType      ChatType      `json:"chatType"`
	Participants  []uuid.UUID   `json:"participants"`
	LobbyID       *uuid.UUID    `json:"lobbyId,omitempty"`
	Messages      []ChatMessage `json:"messages,omitempty"`
	LastMessageAt *time.Time    `json:"lastMessageAt,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
}

// HasParticipant reports whether userID is in the participant set.
func (c *Chat) HasParticipant(userID uuid.UUID) bool {
	for _, id := range c.Participants {
		if id == userID {
			return true
		}
	}
	return false
}
