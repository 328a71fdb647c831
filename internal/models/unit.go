package models

// UnitStatus is the outcome of processing one unit (a chunk or a document
// group) inside a batch job.
type UnitStatus string

const (
	UnitOK      UnitStatus = "ok"
	UnitSkipped UnitStatus = "skipped"
	UnitFailed  UnitStatus = "failed"
)

type UnitResult struct {
	DocumentID int64      `json:"document_id"`
	ChunkID    int64      `json:"chunk_id,omitempty"`
	Status     UnitStatus `json:"status"`
	Reason     string     `json:"reason,omitempty"`
	Err        error      `json:"-"`
}

// BatchSummary aggregates unit results by status.
type BatchSummary struct {
	OK      int
	Skipped int
	Failed  int
	Units   []UnitResult
}

func (s *BatchSummary) Add(results ...UnitResult) {
	for _, r := range results {
		switch r.Status {
		case UnitOK:
			s.OK++
		case UnitSkipped:
			s.Skipped++
		case UnitFailed:
			s.Failed++
		}
		if r.Status != UnitOK {
			s.Units = append(s.Units, r)
		}
	}
}
