// Package assistant answers questions over the stored corpus: it retrieves
// and ranks chunks, collapses them to sources, asks the generator for a cited
// answer and formats the result.
package assistant

import (
	"context"
	"errors"
	"path"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/xhad/isoassist/internal/contextutil"
	"github.com/xhad/isoassist/internal/models"
	"github.com/xhad/isoassist/internal/types"
	"github.com/xhad/isoassist/pkg/citation"
	"github.com/xhad/isoassist/pkg/retrieval"
)

const (
	// NotFoundAnswer is returned when no chunk matches the query.
	NotFoundAnswer = "I couldn't find relevant information in the documentation to answer this question."
	// FailedAnswer is the answer text when generation or formatting fails.
	FailedAnswer = "Sorry, an answer could not be generated from the retrieved sources."

	previewLength = 200
)

// Store is the read side of the document store used at query time.
type Store interface {
	retrieval.Searcher
	citation.URLLookup
	CountDocuments(ctx context.Context) (int64, error)
}

// Deps are the collaborators of an Assistant. Closers are called in reverse
// order by Close.
type Deps struct {
	Store     Store
	Embedder  types.Embedder
	Generator types.Generator
	Closers   []func()
}

type Options struct {
	DefaultK int
	MaxK     int
}

// Assistant is created once per process and shared by all requests. It holds
// no per-request state.
type Assistant struct {
	store     Store
	generator types.Generator
	ranker    *retrieval.Ranker
	resolver  *citation.Resolver
	closers   []func()
	closeOnce sync.Once
}

func New(deps Deps, opts Options) (*Assistant, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("assistant: store is required")
	case deps.Embedder == nil:
		return nil, errors.New("assistant: embedder is required")
	case deps.Generator == nil:
		return nil, errors.New("assistant: generator is required")
	}

	return &Assistant{
		store:     deps.Store,
		generator: deps.Generator,
		ranker: retrieval.NewRanker(deps.Store, deps.Embedder, retrieval.RankerConfig{
			DefaultK: opts.DefaultK,
			MaxK:     opts.MaxK,
		}),
		resolver: citation.NewResolver(deps.Store),
		closers:  deps.Closers,
	}, nil
}

// Close releases the resources handed over in Deps. It is safe to call more
// than once.
func (a *Assistant) Close() {
	a.closeOnce.Do(func() {
		for i := len(a.closers) - 1; i >= 0; i-- {
			a.closers[i]()
		}
	})
}

// Ask answers query from the k best chunks. A retrieval failure is returned
// as *errs.RetrievalError with no answer.
func (a *Assistant) Ask(ctx context.Context, query string, k int) (models.Answer, error) {
	logger := contextutil.LoggerFromContext(ctx)
	logger.InfoContext(ctx, "query started", "query", query, "k", k)

	ranked, err := a.ranker.RetrieveText(ctx, query, k)
	if err != nil {
		logger.ErrorContext(ctx, "retrieval failed", "error", err)
		return models.Answer{}, err
	}
	sources := retrieval.Deduplicate(ranked)

	return a.SynthesizeAnswer(ctx, query, ranked, sources), nil
}

// SynthesizeAnswer builds the answer for already ranked chunks. Without
// chunks the not-found answer is returned and the generator is not called.
// Generation and formatting failures are reported in Answer.Error; the
// answer always has every field set.
func (a *Assistant) SynthesizeAnswer(ctx context.Context, query string, ranked, sources []models.RetrievedChunk) models.Answer {
	logger := contextutil.LoggerFromContext(ctx)
	start := time.Now()

	answer := models.Answer{
		Citations: []models.Citation{},
		Sources:   a.sources(ctx, sources),
		Metadata: models.QueryMetadata{
			TotalChunks:   len(ranked),
			UniqueSources: len(sources),
			TotalSources:  a.totalSources(ctx),
		},
	}
	finish := func() models.Answer {
		answer.Metadata.ProcessingTime = time.Since(start).Seconds()
		return answer
	}

	if len(ranked) == 0 {
		logger.InfoContext(ctx, "no chunks retrieved")
		answer.Answer = NotFoundAnswer
		return finish()
	}

	raw, err := a.generator.Generate(ctx, citation.BuildPrompt(query, ranked))
	if err != nil {
		logger.ErrorContext(ctx, "generation failed", "error", err)
		answer.Answer = FailedAnswer
		answer.Error = err.Error()
		return finish()
	}

	tagged, err := citation.TagTitles(raw, ranked)
	if err != nil {
		logger.WarnContext(ctx, "title tagging failed", "error", err)
		tagged = raw
	}

	html, err := citation.Format(tagged)
	if err != nil {
		logger.ErrorContext(ctx, "formatting failed", "error", err)
		answer.Answer = FailedAnswer
		answer.Error = err.Error()
		return finish()
	}

	answer.Answer = html
	answer.Citations = citation.Extract(html)
	answer.Metadata.TokenCount = len(strings.Fields(raw))

	logger.InfoContext(ctx, "query answered",
		"chunks", len(ranked),
		"sources", len(sources),
		"citations", len(answer.Citations))
	return finish()
}

func (a *Assistant) totalSources(ctx context.Context) int {
	n, err := a.store.CountDocuments(ctx)
	if err != nil {
		contextutil.LoggerFromContext(ctx).WarnContext(ctx, "document count failed", "error", err)
		return 0
	}
	return int(n)
}

func (a *Assistant) sources(ctx context.Context, chunks []models.RetrievedChunk) []models.Source {
	out := make([]models.Source, 0, len(chunks))
	for _, rc := range chunks {
		doc := rc.Document
		meta := models.SourceMetadata{
			DocumentID:   doc.ID,
			Title:        doc.Title,
			Type:         doc.ContentType,
			URL:          a.resolver.DisplayURL(ctx, doc),
			DocumentType: documentType(doc.FileName),
		}
		if !doc.CreatedAt.IsZero() {
			meta.CreatedAt = doc.CreatedAt.UTC().Format(time.RFC3339)
		}

		highlights := rc.Highlights
		if highlights == nil {
			highlights = []string{}
		}
		out = append(out, models.Source{
			ChunkID:    rc.ChunkID,
			Content:    strings.TrimSpace(rc.Content),
			Preview:    preview(rc.Content),
			Metadata:   meta,
			Highlights: highlights,
			Relevance:  rc.Relevance(),
		})
	}
	return out
}

// documentType is the file extension without the dot, or "web".
func documentType(fileName string) string {
	if ext := strings.TrimPrefix(path.Ext(fileName), "."); ext != "" {
		return strings.ToLower(ext)
	}
	return "web"
}

func preview(content string) string {
	content = strings.TrimSpace(content)
	if utf8.RuneCountInString(content) <= previewLength {
		return content
	}
	runes := []rune(content)
	return string(runes[:previewLength]) + "..."
}
