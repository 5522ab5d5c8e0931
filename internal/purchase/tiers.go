package purchase

import (
	"sort"

	"agripulse.org/internal/config"
)

// Tier is one reward level.
type Tier struct {
	Name      string `json:"name"`
	Threshold int64  `json:"threshold"`
}

// TierTable is ordered by ascending threshold.
type TierTable []Tier

// NewTierTable copies and sorts the configured tiers.
func NewTierTable(tiers []config.Tier) TierTable {
	out := make(TierTable, 0, len(tiers))
	for _, t := range tiers {
		out = append(out, Tier{Name: t.Name, Threshold: t.Threshold})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Threshold < out[j].Threshold })
	return out
}

// Select returns the highest tier whose threshold is at most qty.
func (t TierTable) Select(qty int64) (Tier, bool) {
	var (
		best Tier
		ok   bool
	)
	for _, tier := range t {
		if tier.Threshold > qty {
			break
		}
		best, ok = tier, true
	}
	return best, ok
}
