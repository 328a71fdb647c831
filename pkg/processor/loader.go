package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/xhad/isoassist/internal/contextutil"
	"github.com/xhad/isoassist/internal/models"
	"github.com/xhad/isoassist/pkg/errs"
)

// DocumentWriter is the part of the store the loader writes to.
type DocumentWriter interface {
	RegisterDocument(ctx context.Context, doc models.Document) (models.Document, error)
	InsertChunks(ctx context.Context, documentID int64, chunks []string) ([]int64, error)
}

type LoadResult struct {
	Documents int
	Chunks    int
	Summary   models.BatchSummary
}

// Loader reads extracted documents as a stream of JSON objects, chunks them
// and stores documents and chunks.
type Loader struct {
	store     DocumentWriter
	processor Processor
}

func NewLoader(store DocumentWriter, processor Processor) *Loader {
	return &Loader{store: store, processor: processor}
}

// Load stores every document in r. Documents without a URL or without text
// are skipped; a store failure stops the load.
func (l *Loader) Load(ctx context.Context, r io.Reader) (LoadResult, error) {
	logger := contextutil.LoggerFromContext(ctx)
	dec := json.NewDecoder(r)

	var res LoadResult
	for n := 1; ; n++ {
		var doc models.ExtractedDocument
		if err := dec.Decode(&doc); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return res, fmt.Errorf("decode document %d: %w", n, err)
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		if doc.URL == "" {
			res.Summary.Add(skipped(0, fmt.Sprintf("record %d has no url", n)))
			continue
		}

		processed := l.processor.Process([]models.ExtractedDocument{doc})[0]
		if len(processed.Chunks) == 0 {
			res.Summary.Add(skipped(0, fmt.Sprintf("%s has no text", doc.URL)))
			continue
		}

		stored, err := l.store.RegisterDocument(ctx, models.Document{
			URL:         doc.URL,
			Title:       doc.Title,
			ContentType: doc.ContentType,
			FileName:    doc.FileName,
		})
		if err != nil {
			return res, fmt.Errorf("register %s: %w", doc.URL, err)
		}

		ids, err := l.store.InsertChunks(ctx, stored.ID, processed.Chunks)
		if err != nil {
			return res, fmt.Errorf("insert chunks for document %d: %w", stored.ID, err)
		}

		logger.DebugContext(ctx, "document loaded",
			"document_id", stored.ID,
			"url", stored.URL,
			"chunks", len(ids))
		res.Documents++
		res.Chunks += len(ids)
		res.Summary.Add(models.UnitResult{DocumentID: stored.ID, Status: models.UnitOK})
	}

	logger.InfoContext(ctx, "load complete",
		"documents", res.Documents,
		"chunks", res.Chunks,
		"skipped", res.Summary.Skipped)
	return res, nil
}

func skipped(docID int64, reason string) models.UnitResult {
	return models.UnitResult{
		DocumentID: docID,
		Status:     models.UnitSkipped,
		Reason:     reason,
		Err:        &errs.DataIntegrityError{DocumentID: docID, Reason: reason},
	}
}
