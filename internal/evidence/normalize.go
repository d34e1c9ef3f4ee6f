// Package evidence prepares evidence and standard text for embedding and
// seeds the vector index before a pipeline run.
package evidence

import (
	"regexp"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/jdkato/prose/v2"
)

var whitespacePattern = regexp.MustCompile(`\s+`)

// NormalizeText collapses whitespace and, when the input looks like an
// HTML export, strips markup and boilerplate elements first. Extraction
// itself happens upstream; this only cleans what arrives.
func NormalizeText(raw string) string {
	text := raw
	if looksLikeHTML(raw) {
		text = stripHTML(raw)
	}

	text = whitespacePattern.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

func looksLikeHTML(s string) bool {
	lower := strings.ToLower(s)
	return strings.Contains(lower, "<html") ||
		strings.Contains(lower, "<body") ||
		strings.Contains(lower, "<div") ||
		strings.Contains(lower, "<p>")
}

func stripHTML(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html
	}

	doc.Find("script, style, nav, footer, header, aside").Each(func(i int, s *goquery.Selection) {
		s.Remove()
	})

	text := doc.Find("body").Text()
	if text == "" {
		text = doc.Text()
	}

	return text
}

// ExtractKeywords returns up to max frequent nouns from text, lowercased.
// Used to backfill keyword lists on evidence items that arrive without one.
func ExtractKeywords(text string, max int) []string {
	doc, err := prose.NewDocument(text, prose.WithExtraction(false))
	if err != nil {
		return nil
	}

	counts := make(map[string]int)
	for _, token := range doc.Tokens() {
		if !strings.HasPrefix(token.Tag, "NN") {
			continue
		}
		word := strings.ToLower(strings.Trim(token.Text, ".,;:!?()[]{}\"'"))
		if len(word) < 4 {
			continue
		}
		counts[word]++
	}

	keywords := make([]string, 0, len(counts))
	for word := range counts {
		keywords = append(keywords, word)
	}
	sort.Slice(keywords, func(i, j int) bool {
		if counts[keywords[i]] != counts[keywords[j]] {
			return counts[keywords[i]] > counts[keywords[j]]
		}
		return keywords[i] < keywords[j]
	})

	if len(keywords) > max {
		keywords = keywords[:max]
	}
	return keywords
}

// SplitSentences segments text into sentences, falling back to a naive
// period split when the tokenizer rejects the input.
func SplitSentences(text string) []string {
	doc, err := prose.NewDocument(text, prose.WithTagging(false), prose.WithExtraction(false))
	if err == nil {
		sentences := doc.Sentences()
		out := make([]string, 0, len(sentences))
		for _, sentence := range sentences {
			trimmed := strings.TrimSpace(sentence.Text)
			if trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}

	var out []string
	for _, part := range strings.Split(text, ". ") {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// LeadingExcerpt returns the first sentences of text up to roughly maxLen
// characters, used when a citation arrives without its own excerpt.
func LeadingExcerpt(text string, maxLen int) string {
	var builder strings.Builder
	for _, sentence := range SplitSentences(text) {
		if builder.Len() > 0 && builder.Len()+len(sentence)+1 > maxLen {
			break
		}
		if builder.Len() > 0 {
			builder.WriteString(" ")
		}
		builder.WriteString(sentence)
		if builder.Len() >= maxLen {
			break
		}
	}
	excerpt := builder.String()
	if len(excerpt) > maxLen {
		excerpt = excerpt[:maxLen]
	}
	return excerpt
}
