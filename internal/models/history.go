// internal/models/history.go
package models

import (
	"time"

	"github.com/google/uuid"
)

// HistoryStatus is the lifecycle state of a formed match.
type HistoryStatus string

const (
	HistoryForming    HistoryStatus = "forming"
	HistoryReady      HistoryStatus = "ready"
	HistoryInProgress HistoryStatus = "in_progress"
	HistoryCompleted  HistoryStatus = "completed"
	HistoryCancelled  HistoryStatus = "cancelled"
)

// ParticipantStatus tracks one participant's standing within a match.
type ParticipantStatus string

const (
	ParticipantActive       ParticipantStatus = "active"
	ParticipantLeft         ParticipantStatus = "left"
	ParticipantKicked       ParticipantStatus = "kicked"
	ParticipantDisconnected ParticipantStatus = "disconnected"
)

// MatchParticipant links one user and their originating request to a match.
type MatchParticipant struct {
	UserID    uuid.UUID         `json:"userId"`
	RequestID uuid.UUID         `json:"requestId"`
	JoinedAt  time.Time         `json:"joinedAt"`
	LeftAt    *time.Time        `json:"leftAt,omitempty"`
	Status    ParticipantStatus `json:"status"`
}

// MatchQuality scores how well a formed group fits together, each component
// in [0,100].
type MatchQuality struct {
	SkillBalance          float64 `json:"skillBalance"`
	RegionCompatibility   float64 `json:"regionCompatibility"`
	LanguageCompatibility float64 `json:"languageCompatibility"`
	OverallScore          float64 `json:"overallScore"`
}

// MatchingMetrics records how long the group waited and how far criteria
// were relaxed before the match formed. Times are in milliseconds.
type MatchingMetrics struct {
	TotalSearchTime      int64 `json:"totalSearchTime"`
	MaxSearchTime        int64 `json:"maxSearchTime"`
	MinSearchTime        int64 `json:"minSearchTime"`
	RelaxationLevelsUsed []int `json:"relaxationLevelsUsed"`
}

// MatchHistory is the authoritative record of a formed group. It is created
// during finalization and never mutated after completion.
type MatchHistory struct {
	ID           uuid.UUID          `json:"id"`
	GameID       string             `json:"gameId"`
	GameMode     GameMode           `json:"gameMode"`
	Region       Region             `json:"region"`
	Participants []MatchParticipant `json:"participants"`
	Quality      MatchQuality       `json:"matchQuality"`
	Metrics      MatchingMetrics    `json:"matchingMetrics"`
	LobbyID      *uuid.UUID         `json:"lobbyId,omitempty"`
	Status       HistoryStatus      `json:"status"`
	FormedAt     time.Time          `json:"formedAt"`
	StartedAt    *time.Time         `json:"startedAt,omitempty"`
	CompletedAt  *time.Time         `json:"completedAt,omitempty"`
}
