// Package processor splits extracted document text into chunks and loads
// them into the store.
package processor

import (
	"strings"
	"unicode/utf8"

	"github.com/xhad/isoassist/internal/models"
)

type ProcessorConfig struct {
	ChunkSize      int
	ChunkOverlap   int
	MinChunkLength int
	// RowsAsChunks keeps every line of a spreadsheet export as its own chunk.
	RowsAsChunks bool
}

type Processor struct {
	config ProcessorConfig
}

func NewWithConfig(config ProcessorConfig) Processor {
	if config.ChunkSize == 0 {
		config.ChunkSize = 1000
	}
	if config.ChunkOverlap == 0 {
		config.ChunkOverlap = 200
	}
	if config.ChunkOverlap >= config.ChunkSize {
		config.ChunkOverlap = config.ChunkSize / 5
	}
	if config.MinChunkLength == 0 {
		config.MinChunkLength = 1
	}

	return Processor{
		config: config,
	}
}

func (p *Processor) Process(docs []models.ExtractedDocument) []models.ProcessedDocument {
	processed := make([]models.ProcessedDocument, 0, len(docs))

	for _, doc := range docs {
		var chunks []string
		if p.config.RowsAsChunks && doc.ContentType == "excel" {
			chunks = p.splitRows(doc.Content)
		} else {
			chunks = p.splitIntoChunks(cleanText(doc.Content))
		}

		processed = append(processed, models.ProcessedDocument{
			Document: doc,
			Chunks:   chunks,
		})
	}

	return processed
}

func cleanText(text string) string {
	// Replace multiple spaces with single space
	return strings.TrimSpace(strings.Join(strings.Fields(text), " "))
}

func (p *Processor) splitRows(text string) []string {
	var rows []string
	for _, line := range strings.Split(text, "\n") {
		line = cleanText(line)
		if utf8.RuneCountInString(line) >= p.config.MinChunkLength {
			rows = append(rows, line)
		}
	}
	return rows
}

func (p *Processor) splitIntoChunks(text string) []string {
	var chunks []string

	// Split by sentences first
	sentences := splitIntoSentences(text)

	currentChunk := strings.Builder{}

	for _, sentence := range sentences {
		// If adding this sentence would exceed chunk size
		if currentChunk.Len() > 0 && currentChunk.Len()+len(sentence) > p.config.ChunkSize {
			chunk := strings.TrimSpace(currentChunk.String())
			// Save current chunk if it meets minimum length
			if utf8.RuneCountInString(chunk) >= p.config.MinChunkLength {
				chunks = append(chunks, chunk)
			}

			// Start new chunk with overlap
			currentChunk.Reset()
			if tail := overlapTail(chunk, p.config.ChunkOverlap); tail != "" {
				currentChunk.WriteString(tail)
				currentChunk.WriteString(" ")
			}
		}

		currentChunk.WriteString(sentence)
		currentChunk.WriteString(" ")
	}

	// Add the last chunk if it meets minimum length
	if chunk := strings.TrimSpace(currentChunk.String()); utf8.RuneCountInString(chunk) >= p.config.MinChunkLength {
		chunks = append(chunks, chunk)
	}

	return chunks
}

// overlapTail returns at most n trailing bytes of text, starting on a word
// boundary.
func overlapTail(text string, n int) string {
	if n <= 0 || len(text) <= n {
		return ""
	}
	tail := text[len(text)-n:]
	if i := strings.IndexByte(tail, ' '); i >= 0 {
		return strings.TrimSpace(tail[i+1:])
	}
	return ""
}

func splitIntoSentences(text string) []string {
	sentenceEnders := []string{". ", "! ", "? "}
	var sentences []string

	for len(text) > 0 {
		cut := -1
		for _, ender := range sentenceEnders {
			if i := strings.Index(text, ender); i >= 0 && (cut < 0 || i < cut) {
				cut = i
			}
		}
		if cut < 0 {
			sentences = append(sentences, strings.TrimSpace(text))
			break
		}
		sentences = append(sentences, strings.TrimSpace(text[:cut+1]))
		text = text[cut+2:]
	}

	return sentences
}
