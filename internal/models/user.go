// internal/models/user.go
package models

import (
	"time"

	"github.com/google/uuid"
)

// UserStatus is the account standing of a user. The matchmaking core only
// admits active users; everything else is rejected at the door.
type UserStatus string

const (
	UserActive    UserStatus = "active"
	UserSuspended UserStatus = "suspended"
	UserBanned    UserStatus = "banned"
	UserDeleted   UserStatus = "deleted"
)

// GameProfile is a user's standing in a single game.
type GameProfile struct {
	GameID     string `json:"gameId"`
	SkillLevel int    `json:"skillLevel"` // 0..100
	Rank       string `json:"rank,omitempty"`
	InGameName string `json:"inGameName,omitempty"`
}

// User is a read-only reference into the account subsystem. The core never
// mutates users except for the fire-and-forget lastActive touch on socket
// connect.
type User struct {
	ID           uuid.UUID     `json:"id"`
	Username     string        `json:"username"`
	Status       UserStatus    `json:"status"`
	GameProfiles []GameProfile `json:"gameProfiles,omitempty"`
	LastActive   time.Time     `json:"lastActive"`
}

// ProfileFor returns the user's profile for gameID, if any.
func (u *User) ProfileFor(gameID string) (GameProfile, bool) {
	for _, p := range u.GameProfiles {
		if p.GameID == gameID {
			return p, true
		}
	}
	return GameProfile{}, false
}

// IsActive reports whether the user may submit requests, join lobbies, or
// authenticate a socket.
func (u *User) IsActive() bool {
	return u.Status == UserActive
}
