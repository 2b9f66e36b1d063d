package rules

import (
	"sort"
	"time"
)

// Select filters and orders matched rules into firing order. Inactive rules
// and rules still inside their cooldown window are dropped; the rest are
// sorted by priority descending, then CreatedAt ascending, then ID.
// The input slice is not modified.
func Select(candidates []*Rule, now time.Time) []*Rule {
	out := make([]*Rule, 0, len(candidates))
	for _, r := range candidates {
		if r == nil || !r.Active || coolingDown(r, now) {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return out
}

// coolingDown reports whether r fired less than its cooldown ago. A
// LastTriggeredAt after now counts as inside the window.
func coolingDown(r *Rule, now time.Time) bool {
	if r.LastTriggeredAt == nil || r.CooldownSeconds == nil {
		return false
	}
	return now.Sub(*r.LastTriggeredAt) < r.Cooldown()
}
