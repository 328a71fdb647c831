package retrieval

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/xhad/isoassist/internal/models"
	"github.com/xhad/isoassist/pkg/dedup"
)

// MaxHighlights is the most highlights kept for one chunk or source.
const MaxHighlights = 3

var (
	sentenceSplit = regexp.MustCompile(`[.!?]+`)

	requirementWords = []string{"must", "should", "required", "important"}

	stopwords = dedup.Stopwords()
)

// Deduplicate keeps one chunk per document, in the order documents first
// appear in ranked. A later chunk replaces the representative only when it
// is strictly more relevant. Highlights of all chunks of a document are
// merged without repeats, capped at MaxHighlights.
func Deduplicate(ranked []models.RetrievedChunk) []models.RetrievedChunk {
	index := make(map[int64]int, len(ranked))
	var out []models.RetrievedChunk

	for _, rc := range ranked {
		i, seen := index[rc.Document.ID]
		if !seen {
			rc.Highlights = mergeHighlights(nil, rc.Highlights)
			index[rc.Document.ID] = len(out)
			out = append(out, rc)
			continue
		}

		merged := mergeHighlights(out[i].Highlights, rc.Highlights)
		if rc.Relevance() > out[i].Relevance() {
			out[i] = rc
		}
		out[i].Highlights = merged
	}
	return out
}

func mergeHighlights(dst, src []string) []string {
	out := make([]string, 0, MaxHighlights)
	seen := make(map[string]struct{}, MaxHighlights)
	for _, list := range [][]string{dst, src} {
		for _, h := range list {
			if len(out) == MaxHighlights {
				return out
			}
			if _, ok := seen[h]; ok {
				continue
			}
			seen[h] = struct{}{}
			out = append(out, h)
		}
	}
	return out
}

// ExtractHighlights picks up to MaxHighlights sentences of content, in
// order. A sentence qualifies when it contains one of terms, has at least
// five words, or states a requirement. When nothing qualifies the first
// sentence is returned.
func ExtractHighlights(content string, terms []string) []string {
	var sentences []string
	for _, s := range sentenceSplit.Split(content, -1) {
		if s = strings.TrimSpace(s); s != "" {
			sentences = append(sentences, s)
		}
	}
	if len(sentences) == 0 {
		return nil
	}

	var highlights []string
	for _, s := range sentences {
		if qualifies(s, terms) {
			highlights = append(highlights, s)
			if len(highlights) == MaxHighlights {
				break
			}
		}
	}
	if len(highlights) == 0 {
		return sentences[:1]
	}
	return highlights
}

func qualifies(sentence string, terms []string) bool {
	lower := strings.ToLower(sentence)
	for _, t := range terms {
		if t != "" && strings.Contains(lower, strings.ToLower(t)) {
			return true
		}
	}
	if len(strings.Fields(sentence)) >= 5 {
		return true
	}
	for _, w := range strings.FieldsFunc(lower, notWordRune) {
		for _, kw := range requirementWords {
			if w == kw {
				return true
			}
		}
	}
	return false
}

// QueryTerms lowercases query, strips punctuation and drops stopwords.
func QueryTerms(query string) []string {
	var terms []string
	seen := make(map[string]struct{})
	for _, w := range strings.FieldsFunc(strings.ToLower(query), notWordRune) {
		if _, stop := stopwords[w]; stop {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		terms = append(terms, w)
	}
	return terms
}

func notWordRune(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != '_' && r != '-'
}
