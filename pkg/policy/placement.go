package policy

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/cyberbeamhq/memoric/pkg/memory"
)

// PlacementRule decides the tier of a newly written memory. When is
// either "always" or "score>=N" with N on the 0-100 scale; To names a
// configured tier. Rules apply in order, first match wins.
type PlacementRule struct {
	When string `json:"when" koanf:"when"`
	To   string `json:"to" koanf:"to"`
}

// threshold parses the condition into a minimum score. "always" and an
// empty condition match any score.
func (r PlacementRule) threshold() (int, error) {
	cond := strings.TrimSpace(strings.ToLower(r.When))
	if cond == "" || cond == "always" {
		return 0, nil
	}
	rest, ok := strings.CutPrefix(cond, "score>=")
	if !ok {
		return 0, fmt.Errorf("unsupported condition %q", r.When)
	}
	n, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil || n < 0 || n > 100 {
		return 0, fmt.Errorf("score threshold %q must be an integer in [0, 100]", strings.TrimSpace(rest))
	}
	return n, nil
}

func (r PlacementRule) matches(score int) bool {
	n, err := r.threshold()
	if err != nil {
		return false
	}
	return score >= n
}

// PlaceTier returns the tier for a new record with the given score: the
// target of the first matching placement rule, or the first configured
// tier when no rule matches.
func (c Config) PlaceTier(score int) string {
	for _, rule := range c.Placement {
		if rule.matches(score) {
			return rule.To
		}
	}
	return c.Tiers[0].Name
}

// hasTier reports whether name is a configured tier.
func (c Config) hasTier(name string) bool {
	for _, tier := range c.Tiers {
		if tier.Name == name {
			return true
		}
	}
	return false
}

// Insert writes a new memory through the placement rules: an empty tier
// is assigned from the record's score, a non-empty tier must be one the
// configuration knows.
func (e *Executor) Insert(ctx context.Context, m *memory.Memory) (string, error) {
	if m.Tier != "" {
		if !e.cfg.hasTier(m.Tier) {
			return "", fmt.Errorf("%w: %s", memory.ErrUnknownTier, m.Tier)
		}
		return e.store.Insert(ctx, m)
	}
	rec := m.Clone()
	score := m.Score
	if score == 0 {
		score = memory.DefaultScore
	}
	rec.Tier = e.cfg.PlaceTier(score)
	return e.store.Insert(ctx, rec)
}

// PromoteToTier explicitly moves records to tier. UpdateTier refreshes
// updated_at, so promotion restarts the expiry clock.
func (e *Executor) PromoteToTier(ctx context.Context, ids []string, tier string) (int, error) {
	if !e.cfg.hasTier(tier) {
		return 0, fmt.Errorf("%w: %s", memory.ErrUnknownTier, tier)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	moved, err := e.store.UpdateTier(ctx, ids, tier)
	if err != nil {
		return 0, err
	}
	e.met.RecordPolicyOperation("promote", moved)
	e.log.DebugContext(ctx, "promoted records", "tier", tier, "count", moved)
	return moved, nil
}
