package quality

import (
	"context"

	"github.com/xhad/isoassist/internal/models"
	"github.com/xhad/isoassist/pkg/doctype"
	"github.com/xhad/isoassist/pkg/errs"
)

// Flagged is a chunk selected for removal, with the type it was judged as.
type Flagged struct {
	ChunkID    int64
	DocumentID int64
	FileName   string
	DocType    doctype.DocType
	Content    string
}

type FilterResult struct {
	Kept        []int64
	Removed     []int64
	Flagged     []Flagged
	StatsByType map[doctype.DocType]int
	Units       []models.UnitResult
}

// ClassifyAndFilter types every chunk from its file name and content and
// splits the set into kept and removed ids. Chunks without an owning
// document are skipped and reported as units.
func ClassifyAndFilter(ctx context.Context, chunks []models.ChunkRecord) FilterResult {
	res := FilterResult{StatsByType: make(map[doctype.DocType]int, len(doctype.All))}
	for _, t := range doctype.All {
		res.StatsByType[t] = 0
	}

	for _, c := range chunks {
		if c.Orphaned || c.FileName == "" {
			err := &errs.DataIntegrityError{DocumentID: c.DocumentID, ChunkID: c.ID, Reason: "chunk has no owning document file"}
			res.Units = append(res.Units, models.UnitResult{
				DocumentID: c.DocumentID,
				ChunkID:    c.ID,
				Status:     models.UnitSkipped,
				Reason:     err.Reason,
				Err:        err,
			})
			continue
		}

		t := doctype.Classify(c.FileName, c.Content)
		res.StatsByType[t]++

		if IsLowQuality(ctx, c.Content, t) {
			res.Removed = append(res.Removed, c.ID)
			res.Flagged = append(res.Flagged, Flagged{
				ChunkID:    c.ID,
				DocumentID: c.DocumentID,
				FileName:   c.FileName,
				DocType:    t,
				Content:    c.Content,
			})
			continue
		}
		res.Kept = append(res.Kept, c.ID)
	}
	return res
}
