package text

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestSimpleTrimmer(t *testing.T) {
	tr := SimpleTrimmer{}

	assert.Equal(t, "short", tr.Trim("short", 100))
	assert.Equal(t, "", tr.Trim("anything", 0))
	assert.Equal(t, "", tr.Trim("anything", -5))

	got := tr.Trim("hello world this is long", 12)
	assert.True(t, strings.HasSuffix(got, "…"))
	assert.LessOrEqual(t, utf8.RuneCountInString(got), 12)

	// No trailing whitespace before the ellipsis.
	got = tr.Trim("hello      world", 8)
	assert.Equal(t, "hello…", got)
}

func TestSimpleTrimmerMultiByte(t *testing.T) {
	tr := SimpleTrimmer{}

	text := strings.Repeat("日本語テキスト", 10)
	got := tr.Trim(text, 10)
	assert.True(t, utf8.ValidString(got))
	assert.LessOrEqual(t, utf8.RuneCountInString(got), 10)
}

func TestSimpleSummarizerFirstSentence(t *testing.T) {
	s := SimpleSummarizer{}

	text := "The user prefers email. They asked about invoices twice and mentioned an urgent deadline."
	got := s.Summarize(text, 40)
	assert.Equal(t, "The user prefers email.", got)
}

func TestSimpleSummarizerFallsBackToTrim(t *testing.T) {
	s := SimpleSummarizer{}

	text := strings.Repeat("no sentence boundary here ", 20)
	got := s.Summarize(text, 50)
	assert.True(t, strings.HasSuffix(got, "…"))
	assert.LessOrEqual(t, utf8.RuneCountInString(got), 50)

	assert.Equal(t, "fits", s.Summarize("fits", 50))
	assert.Equal(t, "", s.Summarize("anything", 0))
}

func TestNoOpProcessors(t *testing.T) {
	assert.Equal(t, "unchanged", NoOpTrimmer{}.Trim("unchanged", 1))
	assert.Equal(t, "unchanged", NoOpSummarizer{}.Summarize("unchanged", 1))
}
