// Package rotation picks the sending instance for the next message of a
// campaign and atomically accounts for its use.
package rotation

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"

	"github.com/foxzi/chatblast/internal/models"
)

// ParseStrategy parses a rotation strategy name, case-insensitively
func ParseStrategy(s string) (models.RotationStrategy, error) {
	switch models.RotationStrategy(strings.ToUpper(strings.TrimSpace(s))) {
	case models.StrategyRandom:
		return models.StrategyRandom, nil
	case models.StrategySequential:
		return models.StrategySequential, nil
	case models.StrategyLoadBalanced:
		return models.StrategyLoadBalanced, nil
	}
	return "", fmt.Errorf("unknown rotation strategy %q", s)
}

// Eligible filters bindings to those that are connected, active and under cap
func Eligible(bindings []models.CampaignInstance) []models.CampaignInstance {
	var out []models.CampaignInstance
	for _, b := range bindings {
		if b.Connected && b.IsActive && b.UnderCap() {
			out = append(out, b)
		}
	}
	return out
}

// Pick applies a rotation strategy to an eligible set. It returns -1 when the
// set is empty. Unknown strategies behave like RANDOM.
func Pick(strategy models.RotationStrategy, eligible []models.CampaignInstance, rng *rand.Rand) int {
	if len(eligible) == 0 {
		return -1
	}

	switch strategy {
	case models.StrategySequential:
		return pickBy(eligible, lessLastUsed)
	case models.StrategyLoadBalanced:
		return pickBy(eligible, lessMessagesSent)
	default:
		return rng.Intn(len(eligible))
	}
}

func pickBy(eligible []models.CampaignInstance, less func(a, b *models.CampaignInstance) bool) int {
	idx := make([]int, len(eligible))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool {
		return less(&eligible[idx[i]], &eligible[idx[j]])
	})
	return idx[0]
}

// lessLastUsed orders never-used bindings first, then oldest use
func lessLastUsed(a, b *models.CampaignInstance) bool {
	switch {
	case a.LastUsedAt == nil && b.LastUsedAt != nil:
		return true
	case a.LastUsedAt != nil && b.LastUsedAt == nil:
		return false
	case a.LastUsedAt != nil && !a.LastUsedAt.Equal(*b.LastUsedAt):
		return a.LastUsedAt.Before(*b.LastUsedAt)
	}
	return tieBreak(a, b)
}

func lessMessagesSent(a, b *models.CampaignInstance) bool {
	if a.MessagesSent != b.MessagesSent {
		return a.MessagesSent < b.MessagesSent
	}
	return tieBreak(a, b)
}

func tieBreak(a, b *models.CampaignInstance) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.ID < b.ID
}
