package dedup

import (
	"errors"
	"math"
	"regexp"
	"sort"
	"strings"
)

// ErrEmptyVocabulary is returned when no chunk of a document yields a
// single non-stopword token.
var ErrEmptyVocabulary = errors.New("empty vocabulary")

// Vector is a sparse, L2-normalized term-weight vector.
type Vector map[int]float64

// Cosine returns the cosine similarity of two normalized vectors.
func Cosine(a, b Vector) float64 {
	if len(a) > len(b) {
		a, b = b, a
	}
	var dot float64
	for idx, v := range a {
		dot += v * b[idx]
	}
	return dot
}

// Vectorizer turns the chunk texts of one document into vectors. The
// vocabulary is scoped to the texts of a single call.
type Vectorizer interface {
	Vectorize(texts []string) ([]Vector, error)
}

// TFIDF is a TF-IDF vectorizer with English stopword filtering and
// smoothed idf.
type TFIDF struct {
	tokenPattern *regexp.Regexp
	stopwords    map[string]struct{}
}

// NewTFIDF creates a vectorizer with the default English stopword list.
func NewTFIDF() *TFIDF {
	return &TFIDF{
		tokenPattern: regexp.MustCompile(`[\p{L}\p{N}_]{2,}`),
		stopwords:    Stopwords(),
	}
}

func (v *TFIDF) Vectorize(texts []string) ([]Vector, error) {
	tokenized := make([][]string, len(texts))
	df := make(map[string]int)
	for i, text := range texts {
		tokens := v.tokenize(text)
		tokenized[i] = tokens
		seen := make(map[string]struct{}, len(tokens))
		for _, tok := range tokens {
			if _, ok := seen[tok]; ok {
				continue
			}
			seen[tok] = struct{}{}
			df[tok]++
		}
	}
	if len(df) == 0 {
		return nil, ErrEmptyVocabulary
	}

	// Create stable ordering for vocabulary
	terms := make([]string, 0, len(df))
	for term := range df {
		terms = append(terms, term)
	}
	sort.Strings(terms)
	vocabulary := make(map[string]int, len(terms))
	idf := make([]float64, len(terms))
	n := float64(len(texts))
	for i, term := range terms {
		vocabulary[term] = i
		idf[i] = math.Log((1+n)/(1+float64(df[term]))) + 1.0
	}

	out := make([]Vector, len(texts))
	for i, tokens := range tokenized {
		vec := make(Vector)
		for _, tok := range tokens {
			vec[vocabulary[tok]]++
		}
		var norm float64
		for idx, count := range vec {
			w := count * idf[idx]
			vec[idx] = w
			norm += w * w
		}
		norm = math.Sqrt(norm)
		if norm > 0 {
			for idx := range vec {
				vec[idx] /= norm
			}
		}
		out[i] = vec
	}
	return out, nil
}

func (v *TFIDF) tokenize(text string) []string {
	raw := v.tokenPattern.FindAllString(strings.ToLower(text), -1)
	out := raw[:0]
	for _, t := range raw {
		if _, isStop := v.stopwords[t]; isStop {
			continue
		}
		out = append(out, t)
	}
	return out
}

var stopwordList = []string{
	"a", "about", "above", "after", "again", "against", "all", "also", "am", "an", "and", "any",
	"are", "as", "at", "be", "because", "been", "before", "being", "below", "between", "both",
	"but", "by", "can", "could", "did", "do", "does", "doing", "down", "during", "each", "few",
	"for", "from", "further", "had", "has", "have", "having", "he", "her", "here", "hers",
	"herself", "him", "himself", "his", "how", "i", "if", "in", "into", "is", "it", "its",
	"itself", "just", "me", "more", "most", "my", "myself", "no", "nor", "not", "now", "of",
	"off", "on", "once", "only", "or", "other", "our", "ours", "ourselves", "out", "over", "own",
	"same", "she", "so", "some", "such", "than", "that", "the", "their", "theirs", "them",
	"themselves", "then", "there", "these", "they", "this", "those", "through", "to", "too",
	"under", "until", "up", "very", "was", "we", "were", "what", "when", "where", "which",
	"while", "who", "whom", "why", "with", "would", "you", "your", "yours", "yourself",
	"yourselves",
}

// Stopwords returns a fresh set of English stopwords.
func Stopwords() map[string]struct{} {
	m := make(map[string]struct{}, len(stopwordList))
	for _, w := range stopwordList {
		m[w] = struct{}{}
	}
	return m
}
