package scoring

import (
	"strings"
	"time"

	"github.com/cyberbeamhq/memoric/pkg/memory"
)

// Rule adjusts a record's base score. Positive values boost, negative
// values penalize; the engine clamps the final score to [0, 100].
type Rule func(m *memory.Memory, now time.Time) float64

// TopicBoost boosts records whose metadata topic is one of topics.
// Matching is case-insensitive.
func TopicBoost(topics []string, boost float64) Rule {
	want := normalizeSet(topics)
	return func(m *memory.Memory, _ time.Time) float64 {
		if _, ok := want[m.MetadataString("topic", "")]; ok {
			return boost
		}
		return 0
	}
}

// StalePenalty applies penalty to records not touched within staleDays.
// Pass a negative penalty to lower the score.
func StalePenalty(staleDays int, penalty float64) Rule {
	return func(m *memory.Memory, now time.Time) float64 {
		last := m.UpdatedAt
		if last.IsZero() {
			last = m.CreatedAt
		}
		if last.IsZero() {
			return 0
		}
		if now.Sub(last) > time.Duration(staleDays)*24*time.Hour {
			return penalty
		}
		return 0
	}
}

// EntityMatch boosts records whose metadata entities list overlaps the
// given entities. Matching is case-insensitive.
func EntityMatch(entities []string, boost float64) Rule {
	want := normalizeSet(entities)
	return func(m *memory.Memory, _ time.Time) float64 {
		if m.Metadata == nil {
			return 0
		}
		for _, entity := range metadataList(m.Metadata["entities"]) {
			if _, ok := want[strings.ToLower(strings.TrimSpace(entity))]; ok {
				return boost
			}
		}
		return 0
	}
}

// ThreadContinuity boosts records belonging to the active thread, so
// retrieval favors the conversation in progress.
func ThreadContinuity(threadID string, boost float64) Rule {
	return func(m *memory.Memory, _ time.Time) float64 {
		if threadID != "" && m.ThreadID == threadID {
			return boost
		}
		return 0
	}
}

// RuleConfig describes one custom rule declaratively, for building
// rule sets from configuration.
type RuleConfig struct {
	// Type is one of topic_boost, stale_penalty, entity_match,
	// thread_continuity.
	Type string `json:"type" koanf:"type"`

	Topics    []string `json:"topics,omitempty" koanf:"topics"`
	Entities  []string `json:"entities,omitempty" koanf:"entities"`
	ThreadID  string   `json:"thread_id,omitempty" koanf:"thread_id"`
	StaleDays int      `json:"stale_days,omitempty" koanf:"stale_days"`

	// Boost is the score adjustment; negative for penalties.
	Boost float64 `json:"boost" koanf:"boost"`
}

// RulesFromConfig builds the rule set a configuration describes.
func RulesFromConfig(cfgs []RuleConfig) ([]Rule, error) {
	rules := make([]Rule, 0, len(cfgs))
	for _, rc := range cfgs {
		switch rc.Type {
		case "topic_boost":
			if len(rc.Topics) == 0 {
				return nil, &memory.ConfigError{Field: "scoring.rules", Message: "topic_boost requires topics"}
			}
			rules = append(rules, TopicBoost(rc.Topics, rc.Boost))
		case "stale_penalty":
			if rc.StaleDays < 1 {
				return nil, &memory.ConfigError{Field: "scoring.rules", Message: "stale_penalty requires positive stale_days"}
			}
			rules = append(rules, StalePenalty(rc.StaleDays, rc.Boost))
		case "entity_match":
			if len(rc.Entities) == 0 {
				return nil, &memory.ConfigError{Field: "scoring.rules", Message: "entity_match requires entities"}
			}
			rules = append(rules, EntityMatch(rc.Entities, rc.Boost))
		case "thread_continuity":
			if rc.ThreadID == "" {
				return nil, &memory.ConfigError{Field: "scoring.rules", Message: "thread_continuity requires thread_id"}
			}
			rules = append(rules, ThreadContinuity(rc.ThreadID, rc.Boost))
		default:
			return nil, &memory.ConfigError{Field: "scoring.rules", Message: "unknown rule type: " + rc.Type}
		}
	}
	return rules, nil
}

func normalizeSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[strings.ToLower(strings.TrimSpace(v))] = struct{}{}
	}
	return set
}

func metadataList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, e := range list {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
