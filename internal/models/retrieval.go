package models

// RetrievedChunk is a nearest-neighbour hit for one query.
type RetrievedChunk struct {
	ChunkID    int64    `json:"chunk_id"`
	Content    string   `json:"content"`
	Document   Document `json:"document"`
	Distance   float64  `json:"distance"`
	Highlights []string `json:"highlights"`
}

// Relevance is 1 - distance.
func (rc RetrievedChunk) Relevance() float64 {
	return 1 - rc.Distance
}

// DuplicatePair is a near-duplicate found inside one document. ChunkIDA is
// always the lower id.
type DuplicatePair struct {
	DocumentID int64   `json:"document_id"`
	ChunkIDA   int64   `json:"chunk_id_a"`
	ChunkIDB   int64   `json:"chunk_id_b"`
	Similarity float64 `json:"similarity"`
	DocType    string  `json:"doc_type"`
}

type Citation struct {
	DocumentID int64  `json:"document_id"`
	Title      string `json:"title"`
	Start      int    `json:"start_idx"`
	End        int    `json:"end_idx"`
}

type SourceMetadata struct {
	DocumentID   int64  `json:"document_id"`
	Title        string `json:"title"`
	Type         string `json:"type"`
	URL          string `json:"url"`
	DocumentType string `json:"document_type"`
	CreatedAt    string `json:"created_at,omitempty"`
}

type Source struct {
	ChunkID    int64          `json:"chunk_id"`
	Content    string         `json:"content"`
	Preview    string         `json:"preview"`
	Metadata   SourceMetadata `json:"metadata"`
	Highlights []string       `json:"highlights"`
	Relevance  float64        `json:"relevance"`
}

type QueryMetadata struct {
	TotalChunks    int     `json:"total_chunks"`
	UniqueSources  int     `json:"unique_sources"`
	TotalSources   int     `json:"total_sources"`
	TokenCount     int     `json:"token_count"`
	ProcessingTime float64 `json:"processing_time"`
}

// Answer always carries the full response shape, including on error.
type Answer struct {
	Answer    string        `json:"answer"`
	Citations []Citation    `json:"citations"`
	Sources   []Source      `json:"sources"`
	Metadata  QueryMetadata `json:"metadata"`
	Error     string        `json:"error,omitempty"`
}
