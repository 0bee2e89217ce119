// Package domain resolves the features a user is entitled to from the plans
// of their subscriptions.
package domain

import (
	"sort"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/smallbiznis/allowance/internal/catalog/domain"
)

// MergeFeatureSets combines per-plan feature sets. A positive feature is
// granted by any set; a negative one applies only if every set carries it.
func MergeFeatureSets(sets [][]catalogdomain.Feature) []catalogdomain.Feature {
	if len(sets) == 0 {
		return nil
	}

	byID := make(map[snowflake.ID]catalogdomain.Feature)
	negativeHits := make(map[snowflake.ID]int)
	for _, set := range sets {
		seen := make(map[snowflake.ID]struct{}, len(set))
		for _, f := range set {
			if _, dup := seen[f.ID]; dup {
				continue
			}
			seen[f.ID] = struct{}{}
			byID[f.ID] = f
			if f.IsNegative {
				negativeHits[f.ID]++
			}
		}
	}

	out := make([]catalogdomain.Feature, 0, len(byID))
	for id, f := range byID {
		if f.IsNegative && negativeHits[id] != len(sets) {
			continue
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Codename < out[j].Codename })
	return out
}
