// Package scoring computes memory relevance scores. The engine is pure:
// the same record, clock, and configuration always produce the same
// score, so callers can re-score at will without side effects.
package scoring

import (
	"encoding/json"
	"math"
	"time"

	"github.com/cyberbeamhq/memoric/pkg/memory"
)

// Importance levels recognized in record metadata, on a 0-10 scale.
var importanceLevels = map[string]float64{
	"low":      3,
	"medium":   5,
	"high":     8,
	"critical": 10,
}

const defaultImportance = "medium"

// Config holds the scoring weights and decay parameters.
type Config struct {
	ImportanceWeight float64 `json:"importance_weight" koanf:"importance_weight"`
	RecencyWeight    float64 `json:"recency_weight" koanf:"recency_weight"`
	RepetitionWeight float64 `json:"repetition_weight" koanf:"repetition_weight"`

	// DecayDays controls recency decay: a record's recency component
	// is exp(-ageDays/DecayDays).
	DecayDays float64 `json:"decay_days" koanf:"decay_days"`

	// RepetitionCap is the seen_count at which the repetition component
	// saturates at 1.
	RepetitionCap float64 `json:"repetition_cap" koanf:"repetition_cap"`
}

// DefaultConfig returns the stock weights.
func DefaultConfig() Config {
	return Config{
		ImportanceWeight: 0.5,
		RecencyWeight:    0.3,
		RepetitionWeight: 0.2,
		DecayDays:        60,
		RepetitionCap:    20,
	}
}

// Validate rejects weights and parameters outside their working ranges.
func (c Config) Validate() error {
	for _, w := range []struct {
		name  string
		value float64
	}{
		{"importance_weight", c.ImportanceWeight},
		{"recency_weight", c.RecencyWeight},
		{"repetition_weight", c.RepetitionWeight},
	} {
		if w.value < 0 || w.value > 1 {
			return &memory.ConfigError{Field: "scoring." + w.name, Message: "must be in [0, 1]"}
		}
	}
	if c.DecayDays <= 0 {
		return &memory.ConfigError{Field: "scoring.decay_days", Message: "must be positive"}
	}
	if c.RepetitionCap <= 0 {
		return &memory.ConfigError{Field: "scoring.repetition_cap", Message: "must be positive"}
	}
	return nil
}

// Engine scores memories from config weights plus optional custom rules.
type Engine struct {
	cfg   Config
	rules []Rule
}

// NewEngine validates cfg and builds an engine with the given rules.
func NewEngine(cfg Config, rules ...Rule) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg, rules: rules}, nil
}

// AddRule appends a custom rule. Not safe for concurrent use with Compute.
func (e *Engine) AddRule(r Rule) {
	e.rules = append(e.rules, r)
}

// Compute returns the record's score in [0, 100] as of now.
//
// The base score is a weighted blend of three normalized components:
// importance (from the metadata importance level), recency (exponential
// decay from creation time), and repetition (seen_count saturating at
// the configured cap). Custom rules then adjust the base additively
// before the final clamp.
func (e *Engine) Compute(m *memory.Memory, now time.Time) int {
	importance := importanceLevels[m.MetadataString("importance", defaultImportance)]
	if importance == 0 {
		importance = importanceLevels[defaultImportance]
	}

	recency := 1.0
	if !m.CreatedAt.IsZero() {
		ageDays := now.Sub(m.CreatedAt).Hours() / 24
		if ageDays < 0 {
			ageDays = 0
		}
		recency = math.Exp(-ageDays / e.cfg.DecayDays)
	}

	repetition := math.Min(metadataNumber(m, "seen_count", 1)/e.cfg.RepetitionCap, 1)

	base := (e.cfg.ImportanceWeight*(importance/10) +
		e.cfg.RecencyWeight*recency +
		e.cfg.RepetitionWeight*repetition) * 100

	for _, rule := range e.rules {
		base += rule(m, now)
	}

	return int(math.Round(math.Max(0, math.Min(100, base))))
}

// metadataNumber reads a numeric metadata value, tolerating the types a
// JSON round-trip produces.
func metadataNumber(m *memory.Memory, key string, def float64) float64 {
	if m.Metadata == nil {
		return def
	}
	switch n := m.Metadata[key].(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return def
		}
		return f
	default:
		return def
	}
}
