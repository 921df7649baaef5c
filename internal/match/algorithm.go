// internal/match/algorithm.go
//
// Pure scoring and group selection over enriched requests. Nothing in this
// package touches storage or sockets; callers guard against empty input.
package match

import (
	"sort"
	"time"

	"github.com/playsquad/playsquad/internal/models"
)

// Scoring weights. The weighted components sum to 0.90; the queue-age bonus
// tops the score out at 1.0.
const (
	weightRegion    = 0.20
	weightLanguage  = 0.15
	weightSkill     = 0.30
	weightGroupSize = 0.10
	weightParty     = 0.15
	ageBonusMax     = 0.10
)

// Relaxation and acceptance constants.
const (
	RelaxationStep     = 30 * time.Second
	MaxRelaxationLevel = 10

	baseThreshold  = 0.55
	thresholdStep  = 0.05
	thresholdFloor = 0.35

	baseSkillTolerance     = 10.0
	tolerancePerRelaxation = 5.0

	ageBonusCeiling = 5 * time.Minute
)

// Enriched pairs a request with its submitter for scoring.
type Enriched struct {
	Request *models.MatchRequest
	User    *models.User
}

// Group is one selected candidate group with its quality and wait metrics.
type Group struct {
	Members []Enriched
	Quality models.MatchQuality
	Metrics models.MatchingMetrics
}

// Config tunes selection.
type Config struct {
	// MinGroupSize is the floor below which no group is emitted, regardless
	// of member preferences. Defaults to 2 when zero.
	MinGroupSize int
}

// RelaxationLevel derives the criteria-relaxation level from wait time:
// one level per 30 seconds, clamped to [0, 10]. It is monotone in wait.
func RelaxationLevel(wait time.Duration) int {
	if wait <= 0 {
		return 0
	}
	level := int(wait / RelaxationStep)
	if level > MaxRelaxationLevel {
		return MaxRelaxationLevel
	}
	return level
}

// Threshold is the pairwise acceptance floor for a group whose most-relaxed
// member sits at maxRelax: 0.55 lowered by 0.05 per level, floored at 0.35.
func Threshold(maxRelax int) float64 {
	t := baseThreshold - thresholdStep*float64(maxRelax)
	if t < thresholdFloor {
		return thresholdFloor
	}
	return t
}

// PairScore computes the compatibility of two enriched requests with
// respect to the bucket's primary gameID, in [0, 1]. Differing game modes
// gate the whole score to zero.
func PairScore(gameID string, a, b Enriched, now time.Time) float64 {
	if a.Request.Criteria.GameMode != b.Request.Criteria.GameMode {
		return 0
	}
	score := weightRegion*regionScore(a, b) +
		weightLanguage*languageScore(a, b) +
		weightSkill*skillScore(gameID, a, b) +
		weightGroupSize*groupSizeScore(a, b)
	if a.Request.Preselects(b.Request.UserID) && b.Request.Preselects(a.Request.UserID) {
		score += weightParty
	}
	score += ageBonus(a, b, now)
	if score > 1 {
		return 1
	}
	return score
}

// regionScore is 1 when the region sets intersect (ANY is a wildcard);
// otherwise it falls back per the stricter of the two preferences.
func regionScore(a, b Enriched) float64 {
	ra := a.Request.Criteria.EffectiveRegions()
	rb := b.Request.Criteria.EffectiveRegions()
	if regionsIntersect(ra, rb) {
		return 1
	}
	fa := preferenceFallback(a.Request.Criteria.RegionPreference)
	fb := preferenceFallback(b.Request.Criteria.RegionPreference)
	if fb < fa {
		return fb
	}
	return fa
}

func regionsIntersect(a, b []models.Region) bool {
	for _, ra := range a {
		if ra == models.RegionAny {
			return true
		}
		for _, rb := range b {
			if rb == models.RegionAny || ra == rb {
				return true
			}
		}
	}
	return false
}

// languageScore mirrors regionScore. An empty language list constrains
// nothing and counts as an intersection.
func languageScore(a, b Enriched) float64 {
	la := a.Request.Criteria.Languages
	lb := b.Request.Criteria.Languages
	if len(la) == 0 || len(lb) == 0 || languagesIntersect(la, lb) {
		return 1
	}
	fa := preferenceFallback(a.Request.Criteria.LanguagePreference)
	fb := preferenceFallback(b.Request.Criteria.LanguagePreference)
	if fb < fa {
		return fb
	}
	return fa
}

func languagesIntersect(a, b []string) bool {
	for _, la := range a {
		for _, lb := range b {
			if la == lb {
				return true
			}
		}
	}
	return false
}

// preferenceFallback is the score assigned when the sets do not intersect.
// Unset preferences behave as "preferred".
func preferenceFallback(p models.MatchPreference) float64 {
	switch p {
	case models.PreferenceStrict:
		return 0
	case models.PreferenceAny:
		return 0.5
	default:
		return 0.3
	}
}

// skillScore compares skill for the primary game. Tolerance widens with the
// more relaxed of the two requests; a missing profile on either side scores
// the neutral 0.5, and a pair that both opted out of skill gating scores 1.
func skillScore(gameID string, a, b Enriched) float64 {
	if a.Request.Criteria.SkillPreference == models.SkillAny &&
		b.Request.Criteria.SkillPreference == models.SkillAny {
		return 1
	}
	pa, okA := a.User.ProfileFor(gameID)
	pb, okB := b.User.ProfileFor(gameID)
	if !okA || !okB {
		return 0.5
	}
	delta := float64(pa.SkillLevel - pb.SkillLevel)
	if delta < 0 {
		delta = -delta
	}
	relax := a.Request.RelaxationLevel
	if b.Request.RelaxationLevel > relax {
		relax = b.Request.RelaxationLevel
	}
	tolerance := baseSkillTolerance + tolerancePerRelaxation*float64(relax)
	score := 1 - delta/tolerance
	if score < 0 {
		return 0
	}
	return score
}

// groupSizeScore is 1 when the [min,max] ranges overlap, else 0.
func groupSizeScore(a, b Enriched) float64 {
	lo := a.Request.Criteria.GroupSize.Min
	if b.Request.Criteria.GroupSize.Min > lo {
		lo = b.Request.Criteria.GroupSize.Min
	}
	hi := a.Request.Criteria.GroupSize.Max
	if b.Request.Criteria.GroupSize.Max < hi {
		hi = b.Request.Criteria.GroupSize.Max
	}
	if lo <= hi {
		return 1
	}
	return 0
}

// ageBonus rewards pairs containing a long-waiting request, capped at 0.10
// once the older request has waited five minutes.
func ageBonus(a, b Enriched, now time.Time) float64 {
	oldest := a.Request.SearchStartTime
	if b.Request.SearchStartTime.Before(oldest) {
		oldest = b.Request.SearchStartTime
	}
	wait := now.Sub(oldest)
	if wait <= 0 {
		return 0
	}
	frac := float64(wait) / float64(ageBonusCeiling)
	if frac > 1 {
		frac = 1
	}
	return frac * ageBonusMax
}

// FindMatches greedily selects zero or more candidate groups from a bucket
// snapshot. Groups are seeded from the oldest searching request; each step
// adds the unused peer with the highest mean pairwise compatibility to the
// current members, provided every pairwise score clears the threshold for
// the group's deepest relaxation, the group stays within the smallest
// groupSize.max among members, and no user repeats. A group is emitted once
// it reaches the largest groupSize.min among members (and the configured
// minimum).
func FindMatches(gameID string, reqs []Enriched, cfg Config, now time.Time) []Group {
	minGroup := cfg.MinGroupSize
	if minGroup < 2 {
		minGroup = 2
	}
	ordered := append([]Enriched(nil), reqs...)
	sortFIFO(ordered)

	usedRequest := make(map[string]bool)
	usedUser := make(map[string]bool)
	var groups []Group

	for _, seed := range ordered {
		if usedRequest[seed.Request.ID.String()] || usedUser[seed.Request.UserID.String()] {
			continue
		}
		members := []Enriched{seed}
		memberUsers := map[string]bool{seed.Request.UserID.String(): true}

		for {
			if len(members) >= groupCap(members) {
				break
			}
			best, ok := bestCandidate(gameID, members, memberUsers, ordered, usedRequest, usedUser, now)
			if !ok {
				break
			}
			members = append(members, best)
			memberUsers[best.Request.UserID.String()] = true
		}

		if len(members) >= requiredSize(members, minGroup) {
			for _, m := range members {
				usedRequest[m.Request.ID.String()] = true
				usedUser[m.Request.UserID.String()] = true
			}
			groups = append(groups, Group{
				Members: members,
				Quality: QualityFor(gameID, members),
				Metrics: MetricsFor(members, now),
			})
		}
	}
	return groups
}

// bestCandidate picks the addable peer with the highest mean pairwise score
// against the current members. Ties break by earlier searchStartTime, then
// lower userId.
func bestCandidate(gameID string, members []Enriched, memberUsers map[string]bool,
	ordered []Enriched, usedRequest, usedUser map[string]bool, now time.Time) (Enriched, bool) {

	var best Enriched
	bestMean := -1.0
	found := false

	for _, cand := range ordered {
		rid := cand.Request.ID.String()
		uid := cand.Request.UserID.String()
		if usedRequest[rid] || usedUser[uid] || memberUsers[uid] {
			continue
		}
		if len(members)+1 > groupCap(append(members, cand)) {
			continue
		}
		maxRelax := cand.Request.RelaxationLevel
		for _, m := range members {
			if m.Request.RelaxationLevel > maxRelax {
				maxRelax = m.Request.RelaxationLevel
			}
		}
		threshold := Threshold(maxRelax)

		sum := 0.0
		ok := true
		for _, m := range members {
			s := PairScore(gameID, m, cand, now)
			if s < threshold {
				ok = false
				break
			}
			sum += s
		}
		if !ok {
			continue
		}
		mean := sum / float64(len(members))
		if mean > bestMean || (mean == bestMean && earlier(cand, best)) {
			best = cand
			bestMean = mean
			found = true
		}
	}
	return best, found
}

// groupCap is the smallest groupSize.max across members.
func groupCap(members []Enriched) int {
	limit := members[0].Request.Criteria.GroupSize.Max
	for _, m := range members[1:] {
		if m.Request.Criteria.GroupSize.Max < limit {
			limit = m.Request.Criteria.GroupSize.Max
		}
	}
	return limit
}

// requiredSize is the largest groupSize.min across members, floored by the
// configured minimum.
func requiredSize(members []Enriched, minGroup int) int {
	need := minGroup
	for _, m := range members {
		if m.Request.Criteria.GroupSize.Min > need {
			need = m.Request.Criteria.GroupSize.Min
		}
	}
	return need
}

func earlier(a, b Enriched) bool {
	if a.Request.SearchStartTime.Equal(b.Request.SearchStartTime) {
		return a.Request.UserID.String() < b.Request.UserID.String()
	}
	return a.Request.SearchStartTime.Before(b.Request.SearchStartTime)
}

func sortFIFO(reqs []Enriched) {
	sort.Slice(reqs, func(i, j int) bool { return earlier(reqs[i], reqs[j]) })
}
