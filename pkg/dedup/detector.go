// Package dedup finds near-duplicate chunks inside a document.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/xhad/isoassist/internal/contextutil"
	"github.com/xhad/isoassist/internal/models"
	"github.com/xhad/isoassist/pkg/doctype"
	"github.com/xhad/isoassist/pkg/errs"
	"github.com/xhad/isoassist/pkg/quality"
)

// Detector compares chunks pairwise within one document at a time.
type Detector struct {
	vectorizer Vectorizer
}

// NewDetector creates a detector. A nil vectorizer means TF-IDF.
func NewDetector(v Vectorizer) *Detector {
	if v == nil {
		v = NewTFIDF()
	}
	return &Detector{vectorizer: v}
}

// Result is the outcome of a full duplicate scan.
type Result struct {
	Pairs   []models.DuplicatePair
	Summary models.BatchSummary
}

// FindInDocument returns the duplicate pairs among chunks of one document.
// Chunks are compared in ascending id order so every pair is reported once
// with ChunkIDA < ChunkIDB.
func (d *Detector) FindInDocument(ctx context.Context, docID int64, t doctype.DocType, chunks []models.Chunk) ([]models.DuplicatePair, error) {
	cfg := doctype.ConfigFor(t)

	candidates := make([]models.Chunk, 0, len(chunks))
	for _, c := range chunks {
		if quality.IsLowQuality(ctx, c.Content, t) {
			continue
		}
		candidates = append(candidates, c)
	}
	if len(candidates) < 2 {
		return nil, nil
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })

	texts := make([]string, len(candidates))
	preserved := make([]bool, len(candidates))
	for i, c := range candidates {
		texts[i] = quality.Normalize(c.Content)
		preserved[i] = cfg.Preserves(ctx, texts[i])
	}

	vectors, err := d.vectorizer.Vectorize(texts)
	if err != nil {
		if errors.Is(err, ErrEmptyVocabulary) {
			return nil, &errs.DataIntegrityError{DocumentID: docID, Reason: "no vocabulary after stopword removal"}
		}
		return nil, fmt.Errorf("vectorize document %d: %w", docID, err)
	}
	if len(vectors) != len(candidates) {
		return nil, &errs.DataIntegrityError{
			DocumentID: docID,
			Reason:     fmt.Sprintf("vectorizer returned %d vectors for %d chunks", len(vectors), len(candidates)),
		}
	}

	var pairs []models.DuplicatePair
	for i := 0; i < len(candidates); i++ {
		for j := i + 1; j < len(candidates); j++ {
			if preserved[i] || preserved[j] {
				continue
			}
			sim := Cosine(vectors[i], vectors[j])
			if sim <= cfg.SimilarityThreshold {
				continue
			}
			pairs = append(pairs, models.DuplicatePair{
				DocumentID: docID,
				ChunkIDA:   candidates[i].ID,
				ChunkIDB:   candidates[j].ID,
				Similarity: sim,
				DocType:    string(t),
			})
		}
	}
	return pairs, nil
}

type docGroup struct {
	id       int64
	fileName string
	chunks   []models.Chunk
}

// Find groups chunk records by document and scans each group. A failing
// document is recorded in the summary and contributes no pairs.
func (d *Detector) Find(ctx context.Context, records []models.ChunkRecord) Result {
	logger := contextutil.LoggerFromContext(ctx)

	var res Result
	groups := make(map[int64]*docGroup)
	for _, r := range records {
		if r.Orphaned || r.FileName == "" {
			res.Summary.Add(models.UnitResult{
				DocumentID: r.DocumentID,
				ChunkID:    r.ID,
				Status:     models.UnitSkipped,
				Reason:     "chunk has no owning document file",
			})
			continue
		}
		g, ok := groups[r.DocumentID]
		if !ok {
			g = &docGroup{id: r.DocumentID, fileName: r.FileName}
			groups[r.DocumentID] = g
		}
		g.chunks = append(g.chunks, r.Chunk)
	}

	ids := make([]int64, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			res.Summary.Add(models.UnitResult{DocumentID: id, Status: models.UnitSkipped, Reason: "cancelled", Err: err})
			continue
		}
		g := groups[id]
		t := doctype.Classify(g.fileName, "")
		pairs, err := d.FindInDocument(ctx, g.id, t, g.chunks)
		if err != nil {
			logger.WarnContext(ctx, "duplicate scan failed for document",
				"document_id", g.id,
				"file_name", g.fileName,
				"error", err)
			res.Summary.Add(models.UnitResult{DocumentID: g.id, Status: models.UnitFailed, Reason: err.Error(), Err: err})
			continue
		}
		if len(pairs) > 0 {
			logger.DebugContext(ctx, "duplicates found",
				"document_id", g.id,
				"doc_type", t,
				"pairs", len(pairs))
		}
		res.Pairs = append(res.Pairs, pairs...)
		res.Summary.Add(models.UnitResult{DocumentID: g.id, Status: models.UnitOK})
	}
	return res
}

// Resolve returns the chunk ids to remove: the higher id of every pair,
// sorted and without repeats.
func Resolve(pairs []models.DuplicatePair) []int64 {
	seen := make(map[int64]struct{}, len(pairs))
	out := make([]int64, 0, len(pairs))
	for _, p := range pairs {
		drop := p.ChunkIDB
		if p.ChunkIDA > drop {
			drop = p.ChunkIDA
		}
		if _, ok := seen[drop]; ok {
			continue
		}
		seen[drop] = struct{}{}
		out = append(out, drop)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
