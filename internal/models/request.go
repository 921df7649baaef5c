// internal/models/request.go
package models

import (
	"time"

	"github.com/google/uuid"
)

// RequestStatus is the lifecycle state of a MatchRequest.
type RequestStatus string

const (
	RequestSearching RequestStatus = "searching"
	RequestCancelled RequestStatus = "cancelled"
	RequestMatched   RequestStatus = "matched"
	RequestExpired   RequestStatus = "expired"
)

// GameMode partitions the queue space alongside game and region.
type GameMode string

const (
	ModeCasual      GameMode = "casual"
	ModeCompetitive GameMode = "competitive"
	ModeRanked      GameMode = "ranked"
	ModeCustom      GameMode = "custom"
)

// ValidGameMode reports whether m is one of the enumerated modes.
func ValidGameMode(m GameMode) bool {
	switch m {
	case ModeCasual, ModeCompetitive, ModeRanked, ModeCustom:
		return true
	}
	return false
}

// Region is a coarse geographic partition.
type Region string

const (
	RegionNA  Region = "NA"
	RegionEU  Region = "EU"
	RegionAS  Region = "AS"
	RegionSA  Region = "SA"
	RegionOC  Region = "OC"
	RegionAF  Region = "AF"
	RegionAny Region = "ANY"
)

// ValidRegion reports whether r is one of the enumerated regions.
func ValidRegion(r Region) bool {
	switch r {
	case RegionNA, RegionEU, RegionAS, RegionSA, RegionOC, RegionAF, RegionAny:
		return true
	}
	return false
}

// MatchPreference controls how hard a criterion gates compatibility.
type MatchPreference string

const (
	PreferenceStrict    MatchPreference = "strict"
	PreferencePreferred MatchPreference = "preferred"
	PreferenceAny       MatchPreference = "any"
)

// SkillPreference controls whether skill deltas gate compatibility.
type SkillPreference string

const (
	SkillSimilar SkillPreference = "similar"
	SkillAny     SkillPreference = "any"
)

// GamePreference is one game the requester is willing to play, with a weight
// in [1,10]. The highest-weighted game is the request's primary game.
type GamePreference struct {
	GameID string `json:"gameId"`
	Weight int    `json:"weight"`
}

// GroupSize bounds the size of the group the requester accepts.
type GroupSize struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// Criteria is everything a user tells us about who they want to play with.
type Criteria struct {
	Games              []GamePreference `json:"games"`
	GameMode           GameMode         `json:"gameMode"`
	GroupSize          GroupSize        `json:"groupSize"`
	Regions            []Region         `json:"regions,omitempty"`
	RegionPreference   MatchPreference  `json:"regionPreference,omitempty"`
	Languages          []string         `json:"languages,omitempty"`
	LanguagePreference MatchPreference  `json:"languagePreference,omitempty"`
	SkillPreference    SkillPreference  `json:"skillPreference,omitempty"`
	ScheduledTime      *time.Time       `json:"scheduledTime,omitempty"`
}

// PrimaryGame returns the gameId with the highest weight. Ties break on the
// lexically smaller id so the choice is stable.
func (c Criteria) PrimaryGame() string {
	primary := ""
	best := -1
	for _, g := range c.Games {
		if g.Weight > best || (g.Weight == best && g.GameID < primary) {
			primary = g.GameID
			best = g.Weight
		}
	}
	return primary
}

// EffectiveRegions returns the criteria regions, or {ANY} when none were
// given, which is how the queue buckets an unconstrained request.
func (c Criteria) EffectiveRegions() []Region {
	if len(c.Regions) == 0 {
		return []Region{RegionAny}
	}
	return c.Regions
}

// MatchRequest is the atom of matchmaking: one user's standing ask to be
// grouped. At most one searching request may exist per user at a time.
type MatchRequest struct {
	ID                  uuid.UUID     `json:"id"`
	UserID              uuid.UUID     `json:"userId"`
	Status              RequestStatus `json:"status"`
	Criteria            Criteria      `json:"criteria"`
	PreselectedUsers    []uuid.UUID   `json:"preselectedUsers,omitempty"`
	SearchStartTime     time.Time     `json:"searchStartTime"`
	RelaxationLevel     int           `json:"relaxationLevel"`
	RelaxationTimestamp time.Time     `json:"relaxationTimestamp,omitempty"`
	MatchedLobbyID      *uuid.UUID    `json:"matchedLobbyId,omitempty"`
}

// SearchDuration is how long the request has been searching as of now.
// Terminal requests report zero.
func (r *MatchRequest) SearchDuration(now time.Time) time.Duration {
	if r.Status != RequestSearching {
		return 0
	}
	d := now.Sub(r.SearchStartTime)
	if d < 0 {
		return 0
	}
	return d
}

// Preselects reports whether the request names userID in its party.
func (r *MatchRequest) Preselects(userID uuid.UUID) bool {
	for _, id := range r.PreselectedUsers {
		if id == userID {
			return true
		}
	}
	return false
}
