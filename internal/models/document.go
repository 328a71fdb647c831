package models

import "time"

type Document struct {
	ID          int64     `json:"id"`
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	ContentType string    `json:"content_type"`
	FileName    string    `json:"file_name"`
	CreatedAt   time.Time `json:"created_at"`
}

type Chunk struct {
	ID         int64     `json:"id"`
	DocumentID int64     `json:"document_id"`
	Content    string    `json:"content"`
	ChunkIndex int       `json:"chunk_index"`
	CreatedAt  time.Time `json:"created_at"`
}

// ChunkRecord is a chunk joined with its owning document, as read by the
// curation job. Orphaned is set when the document row no longer exists.
type ChunkRecord struct {
	Chunk
	FileName string
	Title    string
	Orphaned bool
}

type Embedding struct {
	ID           int64
	ChunkID      int64
	Vector       []float32
	ModelVersion string
	TokensUsed   int
	CreatedAt    time.Time
}

// ExtractedDocument is a document whose text has already been pulled out
// of its source file, ready to be chunked and stored.
type ExtractedDocument struct {
	URL         string `json:"url"`
	Title       string `json:"title"`
	ContentType string `json:"content_type"`
	FileName    string `json:"file_name"`
	Content     string `json:"content"`
}

// ProcessedDocument is an extracted document split into chunk texts.
type ProcessedDocument struct {
	Document ExtractedDocument
	Chunks   []string
}
