package dedup_test

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/isoassist/internal/models"
	"github.com/xhad/isoassist/pkg/dedup"
	"github.com/xhad/isoassist/pkg/doctype"
	"github.com/xhad/isoassist/pkg/errs"
)

// fixedVectorizer returns the vectors registered for each text.
type fixedVectorizer struct {
	vectors map[string]dedup.Vector
	err     error
}

func (f fixedVectorizer) Vectorize(texts []string) ([]dedup.Vector, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]dedup.Vector, len(texts))
	for i, t := range texts {
		out[i] = f.vectors[t]
	}
	return out, nil
}

const (
	textA = "the operator submits the form before the review starts"
	textB = "the operator submits the form before the review begins"
)

func nearDuplicates() fixedVectorizer {
	return fixedVectorizer{vectors: map[string]dedup.Vector{
		textA: {0: 1},
		textB: {0: 0.99, 1: math.Sqrt(1 - 0.99*0.99)},
	}}
}

func TestTFIDFVectorize(t *testing.T) {
	v := dedup.NewTFIDF()

	vectors, err := v.Vectorize([]string{
		"Interconnection request review",
		"Interconnection request review",
		"Meter data submission deadline",
	})
	require.NoError(t, err)
	require.Len(t, vectors, 3)

	for _, vec := range vectors {
		assert.InDelta(t, 1.0, dedup.Cosine(vec, vec), 1e-9)
	}
	assert.InDelta(t, 1.0, dedup.Cosine(vectors[0], vectors[1]), 1e-9)
	assert.InDelta(t, 0.0, dedup.Cosine(vectors[0], vectors[2]), 1e-9)
}

func TestTFIDFSimilarityIsSymmetric(t *testing.T) {
	v := dedup.NewTFIDF()
	vectors, err := v.Vectorize([]string{
		"generator commissioning checklist for new resources",
		"commissioning checklist for storage resources",
	})
	require.NoError(t, err)

	ab := dedup.Cosine(vectors[0], vectors[1])
	ba := dedup.Cosine(vectors[1], vectors[0])
	assert.InDelta(t, ab, ba, 1e-12)
	assert.Greater(t, ab, 0.0)
	assert.Less(t, ab, 1.0)
}

func TestTFIDFEmptyVocabulary(t *testing.T) {
	_, err := dedup.NewTFIDF().Vectorize([]string{"the and of", "a"})
	assert.ErrorIs(t, err, dedup.ErrEmptyVocabulary)
}

func TestFindInDocument(t *testing.T) {
	d := dedup.NewDetector(nearDuplicates())

	// higher id listed first to check the ordering of reported pairs
	pairs, err := d.FindInDocument(context.Background(), 7, doctype.Technical, []models.Chunk{
		{ID: 12, DocumentID: 7, Content: textB},
		{ID: 11, DocumentID: 7, Content: textA},
	})
	require.NoError(t, err)
	require.Len(t, pairs, 1)

	p := pairs[0]
	assert.Equal(t, int64(7), p.DocumentID)
	assert.Equal(t, int64(11), p.ChunkIDA)
	assert.Equal(t, int64(12), p.ChunkIDB)
	assert.InDelta(t, 0.99, p.Similarity, 1e-9)
	assert.Equal(t, "technical", p.DocType)
	assert.Equal(t, []int64{12}, dedup.Resolve(pairs))
}

func TestFindInDocumentThresholdIsStrict(t *testing.T) {
	d := dedup.NewDetector(fixedVectorizer{vectors: map[string]dedup.Vector{
		textA: {0: 1},
		textB: {0: 0.98, 1: math.Sqrt(1 - 0.98*0.98)},
	}})

	pairs, err := d.FindInDocument(context.Background(), 1, doctype.Legal, []models.Chunk{
		{ID: 1, Content: textA},
		{ID: 2, Content: textB},
	})
	require.NoError(t, err)
	assert.Len(t, pairs, 1, "0.98 is above the legal threshold")

	pairs, err = d.FindInDocument(context.Background(), 1, doctype.Technical, []models.Chunk{
		{ID: 1, Content: textA},
		{ID: 2, Content: textB},
	})
	require.NoError(t, err)
	assert.Empty(t, pairs, "0.98 is not above the technical threshold")
}

func TestFindInDocumentPreserveOverride(t *testing.T) {
	preservedText := "Resource ID: GEN-001 5.2 MW"
	d := dedup.NewDetector(fixedVectorizer{vectors: map[string]dedup.Vector{
		preservedText: {0: 1},
		textA:         {0: 1},
	}})

	pairs, err := d.FindInDocument(context.Background(), 3, doctype.Technical, []models.Chunk{
		{ID: 1, Content: preservedText},
		{ID: 2, Content: textA},
	})
	require.NoError(t, err)
	assert.Empty(t, pairs)
}

func TestFindInDocumentSkipsLowQuality(t *testing.T) {
	d := dedup.NewDetector(nearDuplicates())

	pairs, err := d.FindInDocument(context.Background(), 1, doctype.Technical, []models.Chunk{
		{ID: 1, Content: textA},
		{ID: 2, Content: "   "},
	})
	require.NoError(t, err)
	assert.Empty(t, pairs)
}

func TestFindInDocumentEmptyVocabulary(t *testing.T) {
	d := dedup.NewDetector(fixedVectorizer{err: dedup.ErrEmptyVocabulary})

	_, err := d.FindInDocument(context.Background(), 5, doctype.Default, []models.Chunk{
		{ID: 1, Content: textA},
		{ID: 2, Content: textB},
	})
	var integrity *errs.DataIntegrityError
	require.ErrorAs(t, err, &integrity)
	assert.Equal(t, int64(5), integrity.DocumentID)
}

func record(id, docID int64, fileName, content string) models.ChunkRecord {
	return models.ChunkRecord{
		Chunk:    models.Chunk{ID: id, DocumentID: docID, Content: content},
		FileName: fileName,
	}
}

func TestFindNeverCrossesDocuments(t *testing.T) {
	d := dedup.NewDetector(nearDuplicates())

	res := d.Find(context.Background(), []models.ChunkRecord{
		record(1, 100, "Generator_Checklist.pdf", textA),
		record(2, 200, "Generator_Checklist.pdf", textB),
	})
	assert.Empty(t, res.Pairs)
	assert.Equal(t, 2, res.Summary.OK)
}

func TestFind(t *testing.T) {
	failing := errors.New("boom")
	calls := 0
	v := vectorizerFunc(func(texts []string) ([]dedup.Vector, error) {
		calls++
		if calls == 2 {
			return nil, failing
		}
		return nearDuplicates().Vectorize(texts)
	})
	d := dedup.NewDetector(v)

	records := []models.ChunkRecord{
		record(1, 10, "Generator_Checklist.pdf", textA),
		record(2, 10, "Generator_Checklist.pdf", textB),
		record(3, 20, "Protocol_Guide.pdf", textA),
		record(4, 20, "Protocol_Guide.pdf", textB),
		record(5, 30, "Meter_Guide.pdf", textA),
		record(6, 30, "Meter_Guide.pdf", textB),
		{Chunk: models.Chunk{ID: 7, DocumentID: 40, Content: textA}, Orphaned: true},
	}

	res := d.Find(context.Background(), records)

	require.Len(t, res.Pairs, 2)
	assert.Equal(t, int64(10), res.Pairs[0].DocumentID)
	assert.Equal(t, int64(30), res.Pairs[1].DocumentID)
	assert.Equal(t, []int64{2, 6}, dedup.Resolve(res.Pairs))

	assert.Equal(t, 2, res.Summary.OK)
	assert.Equal(t, 1, res.Summary.Failed)
	assert.Equal(t, 1, res.Summary.Skipped)
	require.Len(t, res.Summary.Units, 2)
	assert.Equal(t, int64(7), res.Summary.Units[0].ChunkID)
	assert.Equal(t, int64(20), res.Summary.Units[1].DocumentID)
	assert.ErrorIs(t, res.Summary.Units[1].Err, failing)
}

func TestResolve(t *testing.T) {
	pairs := []models.DuplicatePair{
		{ChunkIDA: 1, ChunkIDB: 3},
		{ChunkIDA: 2, ChunkIDB: 3},
		{ChunkIDA: 1, ChunkIDB: 2},
		{ChunkIDA: 4, ChunkIDB: 9},
	}

	removed := dedup.Resolve(pairs)
	assert.Equal(t, []int64{2, 3, 9}, removed)
	assert.Equal(t, removed, dedup.Resolve(append(pairs, pairs...)))
	assert.Empty(t, dedup.Resolve(nil))
}

type vectorizerFunc func([]string) ([]dedup.Vector, error)

func (f vectorizerFunc) Vectorize(texts []string) ([]dedup.Vector, error) { return f(texts) }
