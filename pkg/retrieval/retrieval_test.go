package retrieval_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/isoassist/internal/models"
	"github.com/xhad/isoassist/internal/types"
	"github.com/xhad/isoassist/pkg/errs"
	"github.com/xhad/isoassist/pkg/retrieval"
	"github.com/xhad/isoassist/pkg/store"
)

type fakeEmbedder struct {
	vector []float32
	err    error
	calls  int
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) (types.EmbedResult, error) {
	f.calls++
	if f.err != nil {
		return types.EmbedResult{}, f.err
	}
	vectors := make([][]float32, len(texts))
	for i := range texts {
		vectors[i] = f.vector
	}
	return types.EmbedResult{Vectors: vectors, TokensUsed: len(texts)}, nil
}

type searcherFunc func(ctx context.Context, vector []float32, k int) ([]models.RetrievedChunk, error)

func (f searcherFunc) Search(ctx context.Context, vector []float32, k int) ([]models.RetrievedChunk, error) {
	return f(ctx, vector, k)
}

// derCorpus stores five chunks over three documents, nearest first for the
// query vector {1, 0}.
func derCorpus(t *testing.T) *store.Memory {
	t.Helper()
	m := store.NewMemory()
	m.AddDocument(models.Document{ID: 1, Title: "DER Registration Guide", URL: "https://iso.test/der-guide.pdf", ContentType: "pdf"})
	m.AddDocument(models.Document{ID: 2, Title: "Resource Entity Checklist", URL: "https://iso.test/checklist.docx", ContentType: "document"})
	m.AddDocument(models.Document{ID: 3, Title: "Market Notice", URL: "https://iso.test/notice", ContentType: "web"})

	chunks := []struct {
		id, doc int64
		content string
		vector  []float32
	}{
		{1, 1, "To register a DER, submit the RARF. Approval takes time. Ok.", []float32{1, 0}},
		{2, 2, "Each entity must register with the market. Fees apply.", []float32{1, 0.1}},
		{3, 1, "A DER owner should keep records. Register early! Call us.", []float32{1, 0.2}},
		{4, 3, "Notices are posted weekly. See the calendar.", []float32{1, 0.5}},
		{5, 2, "Registration forms are listed in section four of the guide.", []float32{0, 1}},
	}
	for _, c := range chunks {
		m.AddChunk(models.Chunk{ID: c.id, DocumentID: c.doc, Content: c.content})
		m.SetEmbedding(c.id, c.vector)
	}
	return m
}

func TestRetrieveTextAndDeduplicate(t *testing.T) {
	ctx := context.Background()
	embedder := &fakeEmbedder{vector: []float32{1, 0}}
	ranker := retrieval.NewRanker(derCorpus(t), embedder, retrieval.RankerConfig{})

	ranked, err := ranker.RetrieveText(ctx, "How to register DER?", 5)
	require.NoError(t, err)
	require.Len(t, ranked, 5)

	var ids []int64
	for i, rc := range ranked {
		ids = append(ids, rc.ChunkID)
		if i > 0 {
			assert.LessOrEqual(t, ranked[i-1].Distance, rc.Distance)
		}
	}
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, ids)

	sources := retrieval.Deduplicate(ranked)
	require.Len(t, sources, 3)
	assert.Equal(t, int64(1), sources[0].Document.ID)
	assert.Equal(t, int64(2), sources[1].Document.ID)
	assert.Equal(t, int64(3), sources[2].Document.ID)
	assert.Equal(t, int64(1), sources[0].ChunkID)

	for _, src := range sources {
		assert.LessOrEqual(t, len(src.Highlights), retrieval.MaxHighlights)
		seen := map[string]bool{}
		for _, h := range src.Highlights {
			assert.False(t, seen[h], "duplicate highlight %q", h)
			seen[h] = true
		}
		lower := strings.ToLower(src.Content)
		if strings.Contains(lower, "register") || strings.Contains(lower, "der") {
			assert.True(t, containsTerm(src.Highlights, "register", "der"), "chunk %d", src.ChunkID)
		}
	}

	assert.Equal(t, []string{
		"To register a DER, submit the RARF",
		"A DER owner should keep records",
		"Register early",
	}, sources[0].Highlights)
}

func containsTerm(highlights []string, terms ...string) bool {
	for _, h := range highlights {
		for _, t := range terms {
			if strings.Contains(strings.ToLower(h), t) {
				return true
			}
		}
	}
	return false
}

func TestRetrieveLimits(t *testing.T) {
	var gotK []int
	searcher := searcherFunc(func(_ context.Context, _ []float32, k int) ([]models.RetrievedChunk, error) {
		gotK = append(gotK, k)
		return nil, nil
	})
	ranker := retrieval.NewRanker(searcher, nil, retrieval.RankerConfig{})

	for _, k := range []int{0, -1, 7, 100} {
		_, err := ranker.Retrieve(context.Background(), []float32{1}, k)
		require.NoError(t, err)
	}
	assert.Equal(t, []int{5, 5, 7, 20}, gotK)
}

func TestRetrieveStableOrder(t *testing.T) {
	searcher := searcherFunc(func(context.Context, []float32, int) ([]models.RetrievedChunk, error) {
		return []models.RetrievedChunk{
			{ChunkID: 9, Distance: 0.2},
			{ChunkID: 4, Distance: 0.2},
			{ChunkID: 7, Distance: 0.1},
		}, nil
	})
	ranker := retrieval.NewRanker(searcher, nil, retrieval.RankerConfig{})

	got, err := ranker.Retrieve(context.Background(), []float32{1}, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(7), got[0].ChunkID)
	assert.Equal(t, int64(4), got[1].ChunkID)
	assert.Equal(t, int64(9), got[2].ChunkID)
}

func TestRetrieveErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("embedding failure is a retrieval error", func(t *testing.T) {
		quota := errs.FromStatus("jina", 402, errors.New("payment required"))
		mem := derCorpus(t)
		ranker := retrieval.NewRanker(mem, &fakeEmbedder{err: quota}, retrieval.RankerConfig{})

		_, err := ranker.RetrieveText(ctx, "register", 5)
		var rerr *errs.RetrievalError
		require.ErrorAs(t, err, &rerr)
		assert.Equal(t, "embed", rerr.Op)
		assert.True(t, errs.IsTerminal(err))
		assert.ErrorIs(t, err, errs.ErrQuotaExceeded)
	})

	t.Run("search failure is a retrieval error", func(t *testing.T) {
		mem := derCorpus(t)
		mem.FailOn(store.OpSearch, errors.New("connection reset"))
		ranker := retrieval.NewRanker(mem, &fakeEmbedder{vector: []float32{1, 0}}, retrieval.RankerConfig{})

		_, err := ranker.RetrieveText(ctx, "register", 5)
		var rerr *errs.RetrievalError
		require.ErrorAs(t, err, &rerr)
		assert.Equal(t, "search", rerr.Op)
	})
}

func TestDeduplicate(t *testing.T) {
	doc := func(id int64) models.Document { return models.Document{ID: id} }

	tests := []struct {
		name       string
		ranked     []models.RetrievedChunk
		wantIDs    []int64
		highlights [][]string
	}{
		{
			name: "more relevant chunk replaces representative",
			ranked: []models.RetrievedChunk{
				{ChunkID: 1, Document: doc(1), Distance: 0.3, Highlights: []string{"a", "b"}},
				{ChunkID: 2, Document: doc(2), Distance: 0.2, Highlights: []string{"x"}},
				{ChunkID: 3, Document: doc(1), Distance: 0.1, Highlights: []string{"b", "c", "d"}},
			},
			wantIDs:    []int64{3, 2},
			highlights: [][]string{{"a", "b", "c"}, {"x"}},
		},
		{
			name: "equal relevance keeps first",
			ranked: []models.RetrievedChunk{
				{ChunkID: 1, Document: doc(1), Distance: 0.2, Highlights: []string{"a"}},
				{ChunkID: 2, Document: doc(1), Distance: 0.2, Highlights: []string{"a"}},
			},
			wantIDs:    []int64{1},
			highlights: [][]string{{"a"}},
		},
		{
			name:    "empty",
			ranked:  nil,
			wantIDs: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := retrieval.Deduplicate(tt.ranked)
			var ids []int64
			for i, rc := range got {
				ids = append(ids, rc.ChunkID)
				assert.Equal(t, tt.highlights[i], rc.Highlights)
			}
			assert.Equal(t, tt.wantIDs, ids)
		})
	}
}

func TestExtractHighlights(t *testing.T) {
	tests := []struct {
		name    string
		content string
		terms   []string
		want    []string
	}{
		{
			name:    "term match is case-insensitive",
			content: "Intro. The DER form. Done.",
			terms:   []string{"der"},
			want:    []string{"The DER form"},
		},
		{
			name:    "long sentences and requirement keywords qualify",
			content: "Hi. Fees are due on the first day. Forms required. Bye!",
			terms:   []string{"zzz"},
			want:    []string{"Fees are due on the first day", "Forms required"},
		},
		{
			name:    "capped at three in order",
			content: "One must go. Two must go. Three must go. Four must go.",
			want:    []string{"One must go", "Two must go", "Three must go"},
		},
		{
			name:    "falls back to first sentence",
			content: "  Short one!? Tiny two.",
			terms:   []string{"register"},
			want:    []string{"Short one"},
		},
		{
			name:    "empty content",
			content: " ... ",
			want:    nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, retrieval.ExtractHighlights(tt.content, tt.terms))
		})
	}
}

func TestQueryTerms(t *testing.T) {
	assert.Equal(t, []string{"register", "der"}, retrieval.QueryTerms("How to register DER?"))
	assert.Equal(t, []string{"rarf", "form", "qse"}, retrieval.QueryTerms("RARF form, form & QSE!"))
	assert.Empty(t, retrieval.QueryTerms("what is the"))
}
