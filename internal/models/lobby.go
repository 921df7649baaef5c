// internal/models/lobby.go
package models

import (
	"time"

	"github.com/google/uuid"
)

// LobbyStatus is the lobby state machine:
// forming -> ready -> active -> closed, with ready able to regress to
// forming when readiness drops. closed is terminal.
type LobbyStatus string

const (
	LobbyForming LobbyStatus = "forming"
	LobbyReady   LobbyStatus = "ready"
	LobbyActive  LobbyStatus = "active"
	LobbyClosed  LobbyStatus = "closed"
)

// MemberStatus tracks one member's standing in a lobby.
type MemberStatus string

const (
	MemberJoined MemberStatus = "joined"
	MemberReady  MemberStatus = "ready"
	MemberLeft   MemberStatus = "left"
	MemberKicked MemberStatus = "kicked"
)

// LobbyMember is one user's membership row. Exactly one active member holds
// IsHost while the lobby has members.
type LobbyMember struct {
	UserID      uuid.UUID    `json:"userId"`
	Status      MemberStatus `json:"status"`
	ReadyStatus bool         `json:"readyStatus"`
	IsHost      bool         `json:"isHost"`
	JoinedAt    time.Time    `json:"joinedAt"`
	LeftAt      *time.Time   `json:"leftAt,omitempty"`
}

// Active reports whether the member currently counts toward occupancy.
func (m LobbyMember) Active() bool {
	return m.Status == MemberJoined || m.Status == MemberReady
}

// LobbySettings holds per-lobby behavior toggles.
type LobbySettings struct {
	IsPrivate bool `json:"isPrivate"`
	AutoStart bool `json:"autoStart"`
	AutoClose bool `json:"autoClose"`
}

// LobbyCapacity bounds occupancy while the lobby is open.
type LobbyCapacity struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// Lobby is the live coordination container materialized from a match.
type Lobby struct {
	ID             uuid.UUID     `json:"id"`
	Name           string        `json:"name"`
	GameID         string        `json:"gameId"`
	GameMode       GameMode      `json:"gameMode"`
	Region         Region        `json:"region"`
	MatchHistoryID uuid.UUID     `json:"matchHistoryId"`
	HostID         uuid.UUID     `json:"hostId"`
	Capacity       LobbyCapacity `json:"capacity"`
	Members        []LobbyMember `json:"members"`
	Status         LobbyStatus   `json:"status"`
	ChatID         uuid.UUID     `json:"chatId"`
	Settings       LobbySettings `json:"settings"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
	ClosedAt       *time.Time    `json:"closedAt,omitempty"`
}

// MemberCount is the number of members in {joined, ready}.
func (l *Lobby) MemberCount() int {
	n := 0
	for _, m := range l.Members {
		if m.Active() {
			n++
		}
	}
	return n
}

// ReadyCount is the number of active members with readyStatus set.
func (l *Lobby) ReadyCount() int {
	n := 0
	for _, m := range l.Members {
		if m.Active() && m.ReadyStatus {
			n++
		}
	}
	return n
}

// ActiveMember returns a pointer into Members for userID if that user is
// currently joined or ready.
func (l *Lobby) ActiveMember(userID uuid.UUID) *LobbyMember {
	for i := range l.Members {
		if l.Members[i].UserID == userID && l.Members[i].Active() {
			return &l.Members[i]
		}
	}
	return nil
}

// MemberIndex returns the index of the most recent membership row for
// userID, active or not, or -1.
func (l *Lobby) MemberIndex(userID uuid.UUID) int {
	for i := len(l.Members) - 1; i >= 0; i-- {
		if l.Members[i].UserID == userID {
			return i
		}
	}
	return -1
}
