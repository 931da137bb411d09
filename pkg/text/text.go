// Package text holds the pluggable content processors the lifecycle
// policies use: trimmers shorten over-long records, summarizers collapse
// thread histories. The built-in implementations are heuristic; callers
// with an LLM can provide their own.
package text

import "strings"

// Trimmer shortens text to at most maxChars characters.
type Trimmer interface {
	Trim(text string, maxChars int) string
}

// Summarizer condenses text towards targetChars characters.
type Summarizer interface {
	Summarize(text string, targetChars int) string
}

// NoOpTrimmer returns text unchanged.
type NoOpTrimmer struct{}

func (NoOpTrimmer) Trim(text string, _ int) string { return text }

// NoOpSummarizer returns text unchanged.
type NoOpSummarizer struct{}

func (NoOpSummarizer) Summarize(text string, _ int) string { return text }

// SimpleTrimmer truncates with a trailing ellipsis. Counting is by rune
// so multi-byte text is never cut mid-character.
type SimpleTrimmer struct{}

func (SimpleTrimmer) Trim(text string, maxChars int) string {
	if maxChars <= 0 {
		return ""
	}
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}
	trimmed := strings.TrimRight(string(runes[:maxChars-1]), " \t\n")
	if trimmed == "" {
		return string(runes[:maxChars])
	}
	return trimmed + "…"
}

// SimpleSummarizer keeps the first sentence when it fits the target,
// otherwise falls back to trimming. Not real summarization; a stand-in
// until an LLM-backed Summarizer is plugged in.
type SimpleSummarizer struct {
	Trimmer Trimmer
}

func (s SimpleSummarizer) Summarize(text string, targetChars int) string {
	if targetChars <= 0 {
		return ""
	}
	runes := []rune(text)
	if len(runes) <= targetChars {
		return text
	}

	if period := strings.IndexRune(text, '.'); period > 0 {
		sentence := text[:period+1]
		if len([]rune(sentence)) <= targetChars {
			return sentence
		}
	}

	trimmer := s.Trimmer
	if trimmer == nil {
		trimmer = SimpleTrimmer{}
	}
	return trimmer.Trim(text, targetChars)
}
