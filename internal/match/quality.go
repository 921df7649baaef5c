// internal/match/quality.go
package match

import (
	"sort"
	"time"

	"github.com/playsquad/playsquad/internal/models"
)

// QualityFor scores a formed group on a 0-100 scale:
// 0.3*region + 0.2*language + 0.5*skillBalance, where the first two are the
// mean pairwise compatibility and skillBalance reflects the spread of skill
// levels for the primary game (a 100-point spread scores zero).
func QualityFor(gameID string, members []Enriched) models.MatchQuality {
	region, language := meanPairwise(members)

	minSkill, maxSkill, haveSkill := skillRange(gameID, members)
	skillBalance := 0.5
	if haveSkill {
		skillBalance = 1 - float64(maxSkill-minSkill)/100
		if skillBalance < 0 {
			skillBalance = 0
		}
	}

	return models.MatchQuality{
		SkillBalance:          round2(skillBalance * 100),
		RegionCompatibility:   round2(region * 100),
		LanguageCompatibility: round2(language * 100),
		OverallScore:          round2((0.3*region + 0.2*language + 0.5*skillBalance) * 100),
	}
}

// MetricsFor aggregates per-member wait times (milliseconds) and the
// distinct relaxation levels present when the group formed.
func MetricsFor(members []Enriched, now time.Time) models.MatchingMetrics {
	var metrics models.MatchingMetrics
	seen := make(map[int]bool)
	for i, m := range members {
		waitMs := now.Sub(m.Request.SearchStartTime).Milliseconds()
		if waitMs < 0 {
			waitMs = 0
		}
		metrics.TotalSearchTime += waitMs
		if i == 0 || waitMs > metrics.MaxSearchTime {
			metrics.MaxSearchTime = waitMs
		}
		if i == 0 || waitMs < metrics.MinSearchTime {
			metrics.MinSearchTime = waitMs
		}
		if !seen[m.Request.RelaxationLevel] {
			seen[m.Request.RelaxationLevel] = true
			metrics.RelaxationLevelsUsed = append(metrics.RelaxationLevelsUsed, m.Request.RelaxationLevel)
		}
	}
	sort.Ints(metrics.RelaxationLevelsUsed)
	return metrics
}

func meanPairwise(members []Enriched) (region, language float64) {
	pairs := 0
	for i := 0; i < len(members); i++ {
		for j := i + 1; j < len(members); j++ {
			region += regionScore(members[i], members[j])
			language += languageScore(members[i], members[j])
			pairs++
		}
	}
	if pairs == 0 {
		return 1, 1
	}
	return region / float64(pairs), language / float64(pairs)
}

func skillRange(gameID string, members []Enriched) (min, max int, ok bool) {
	for _, m := range members {
		p, has := m.User.ProfileFor(gameID)
		if !has {
			continue
		}
		if !ok {
			min, max, ok = p.SkillLevel, p.SkillLevel, true
			continue
		}
		if p.SkillLevel < min {
			min = p.SkillLevel
		}
		if p.SkillLevel > max {
			max = p.SkillLevel
		}
	}
	return min, max, ok
}

func round2(v float64) float64 {
	if v < 0 {
		return 0
	}
	return float64(int(v*100+0.5)) / 100
}
