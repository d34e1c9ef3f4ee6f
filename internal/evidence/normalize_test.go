package evidence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeTextCollapsesWhitespace(t *testing.T) {
	out := NormalizeText("  faculty   review\n\ncycle\t2024  ")
	assert.Equal(t, "faculty review cycle 2024", out)
}

func TestNormalizeTextStripsHTML(t *testing.T) {
	html := `<html><head><style>body { color: red }</style></head><body>
		<nav>Site navigation</nav>
		<div>Assessment results are <b>reviewed annually</b>.</div>
		<script>track();</script>
	</body></html>`

	out := NormalizeText(html)
	assert.Contains(t, out, "Assessment results are reviewed annually.")
	assert.NotContains(t, out, "track()")
	assert.NotContains(t, out, "Site navigation")
	assert.NotContains(t, out, "color: red")
}

func TestNormalizeTextPlainTextUntouched(t *testing.T) {
	out := NormalizeText("Plain policy text with a < b comparison.")
	assert.Equal(t, "Plain policy text with a < b comparison.", out)
}

func TestSplitSentences(t *testing.T) {
	sentences := SplitSentences("The policy defines review cycles. Faculty credentials are checked annually. Results are published.")
	require.Len(t, sentences, 3)
	assert.Equal(t, "The policy defines review cycles.", sentences[0])
}

func TestLeadingExcerptBounded(t *testing.T) {
	text := "First sentence about governance. Second sentence about assessment. Third sentence about finances."

	excerpt := LeadingExcerpt(text, 40)
	assert.LessOrEqual(t, len(excerpt), 40)
	assert.Contains(t, excerpt, "First sentence")
}

func TestLeadingExcerptWholeShortText(t *testing.T) {
	excerpt := LeadingExcerpt("Short policy statement.", 300)
	assert.Equal(t, "Short policy statement.", excerpt)
}

func TestExtractKeywords(t *testing.T) {
	text := "The assessment policy governs assessment cycles. Every assessment produces a report. The report informs faculty."

	keywords := ExtractKeywords(text, 5)
	require.NotEmpty(t, keywords)
	assert.Equal(t, "assessment", keywords[0])
	assert.LessOrEqual(t, len(keywords), 5)
}
