// Package retrieval ranks stored chunks against a query and collapses the
// ranking to one source per document.
package retrieval

import (
	"context"
	"fmt"
	"sort"

	"github.com/xhad/isoassist/internal/contextutil"
	"github.com/xhad/isoassist/internal/models"
	"github.com/xhad/isoassist/internal/types"
	"github.com/xhad/isoassist/pkg/errs"
)

const (
	DefaultK = 5
	MaxK     = 20
)

// Searcher is the read side of the vector store.
type Searcher interface {
	Search(ctx context.Context, vector []float32, k int) ([]models.RetrievedChunk, error)
}

type RankerConfig struct {
	DefaultK int
	MaxK     int
}

type Ranker struct {
	searcher Searcher
	embedder types.Embedder
	config   RankerConfig
}

func NewRanker(searcher Searcher, embedder types.Embedder, config RankerConfig) *Ranker {
	if config.DefaultK <= 0 {
		config.DefaultK = DefaultK
	}
	if config.MaxK <= 0 {
		config.MaxK = MaxK
	}
	if config.DefaultK > config.MaxK {
		config.DefaultK = config.MaxK
	}
	return &Ranker{searcher: searcher, embedder: embedder, config: config}
}

func (r *Ranker) limit(k int) int {
	if k <= 0 {
		return r.config.DefaultK
	}
	if k > r.config.MaxK {
		return r.config.MaxK
	}
	return k
}

// Retrieve returns the k chunks nearest to vector, ordered by ascending
// distance and then by chunk id.
func (r *Ranker) Retrieve(ctx context.Context, vector []float32, k int) ([]models.RetrievedChunk, error) {
	if len(vector) == 0 {
		return nil, &errs.RetrievalError{Op: "search", Err: errs.ErrNoEmbedding}
	}

	chunks, err := r.searcher.Search(ctx, vector, r.limit(k))
	if err != nil {
		return nil, &errs.RetrievalError{Op: "search", Err: err}
	}

	sort.SliceStable(chunks, func(i, j int) bool {
		if chunks[i].Distance != chunks[j].Distance {
			return chunks[i].Distance < chunks[j].Distance
		}
		return chunks[i].ChunkID < chunks[j].ChunkID
	})
	return chunks, nil
}

// RetrieveText embeds query and retrieves its nearest chunks, each with
// highlights for the query terms.
func (r *Ranker) RetrieveText(ctx context.Context, query string, k int) ([]models.RetrievedChunk, error) {
	logger := contextutil.LoggerFromContext(ctx)
	if r.embedder == nil {
		return nil, &errs.RetrievalError{Op: "embed", Err: fmt.Errorf("no embedder configured")}
	}

	res, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		logger.ErrorContext(ctx, "query embedding failed", "error", err)
		return nil, &errs.RetrievalError{Op: "embed", Err: err}
	}
	if len(res.Vectors) != 1 {
		return nil, &errs.RetrievalError{
			Op:  "embed",
			Err: fmt.Errorf("%w: got %d vectors for 1 query", errs.ErrNoEmbedding, len(res.Vectors)),
		}
	}

	chunks, err := r.Retrieve(ctx, res.Vectors[0], k)
	if err != nil {
		return nil, err
	}

	terms := QueryTerms(query)
	for i := range chunks {
		chunks[i].Highlights = ExtractHighlights(chunks[i].Content, terms)
	}

	logger.DebugContext(ctx, "chunks retrieved",
		"query_terms", terms,
		"chunks", len(chunks))
	return chunks, nil
}
