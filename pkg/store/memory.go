package store

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xhad/isoassist/internal/models"
	"github.com/xhad/isoassist/pkg/urlutil"
)

// Operation names accepted by Memory.FailOn.
const (
	OpSearch           = "search"
	OpListChunks       = "list_chunks"
	OpBackup           = "backup"
	OpRestore          = "restore"
	OpDelete           = "delete"
	OpPending          = "pending"
	OpInsertEmbeddings = "insert_embeddings"
	OpAlternateURL     = "alternate_url"
	OpCountDocuments   = "count_documents"
)

// Memory is an in-process store with the same semantics as VectorStore. It
// backs tests and local dry runs.
type Memory struct {
	mu         sync.RWMutex
	now        func() time.Time
	documents  map[int64]models.Document
	chunks     map[int64]models.Chunk
	embeddings map[int64]models.Embedding
	backups    map[string][]models.Chunk
	failures   map[string]error
	nextDoc    int64
	nextChunk  int64
	nextEmb    int64
}

func NewMemory() *Memory {
	return &Memory{
		now:        time.Now,
		documents:  make(map[int64]models.Document),
		chunks:     make(map[int64]models.Chunk),
		embeddings: make(map[int64]models.Embedding),
		backups:    make(map[string][]models.Chunk),
		failures:   make(map[string]error),
	}
}

// FailOn makes every later call of op return err. A nil err clears it.
func (m *Memory) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

func (m *Memory) fail(op string) error {
	return m.failures[op]
}

// AddDocument stores doc with the given id, or the next id when zero.
func (m *Memory) AddDocument(doc models.Document) models.Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addDocumentLocked(doc)
}

func (m *Memory) addDocumentLocked(doc models.Document) models.Document {
	if doc.ID == 0 {
		m.nextDoc++
		doc.ID = m.nextDoc
	} else if doc.ID > m.nextDoc {
		m.nextDoc = doc.ID
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = m.now()
	}
	m.documents[doc.ID] = doc
	return doc
}

// AddChunk stores c with the given id, or the next id when zero.
func (m *Memory) AddChunk(c models.Chunk) models.Chunk {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addChunkLocked(c)
}

func (m *Memory) addChunkLocked(c models.Chunk) models.Chunk {
	if c.ID == 0 {
		m.nextChunk++
		c.ID = m.nextChunk
	} else if c.ID > m.nextChunk {
		m.nextChunk = c.ID
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = m.now()
	}
	m.chunks[c.ID] = c
	return c
}

// SetEmbedding stores a vector for chunkID, replacing any existing one.
func (m *Memory) SetEmbedding(chunkID int64, vector []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextEmb++
	m.embeddings[chunkID] = models.Embedding{ID: m.nextEmb, ChunkID: chunkID, Vector: vector, CreatedAt: m.now()}
}

// Embedding returns the stored embedding of chunkID.
func (m *Memory) Embedding(chunkID int64) (models.Embedding, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.embeddings[chunkID]
	return e, ok
}

// ChunkIDs returns the live chunk ids in ascending order.
func (m *Memory) ChunkIDs() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedKeys(m.chunks)
}

func (m *Memory) Search(ctx context.Context, vector []float32, k int) ([]models.RetrievedChunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fail(OpSearch); err != nil {
		return nil, err
	}

	var out []models.RetrievedChunk
	for chunkID, e := range m.embeddings {
		c, ok := m.chunks[chunkID]
		if !ok {
			continue
		}
		doc, ok := m.documents[c.DocumentID]
		if !ok {
			continue
		}
		out = append(out, models.RetrievedChunk{
			ChunkID:  c.ID,
			Content:  c.Content,
			Document: doc,
			Distance: cosineDistance(vector, e.Vector),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	if k >= 0 && len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (m *Memory) ListChunks(ctx context.Context) ([]models.ChunkRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fail(OpListChunks); err != nil {
		return nil, err
	}

	out := make([]models.ChunkRecord, 0, len(m.chunks))
	for _, id := range sortedKeys(m.chunks) {
		c := m.chunks[id]
		r := models.ChunkRecord{Chunk: c}
		if doc, ok := m.documents[c.DocumentID]; ok {
			r.FileName = doc.FileName
			r.Title = doc.Title
		} else {
			r.Orphaned = true
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DocumentID != out[j].DocumentID {
			return out[i].DocumentID < out[j].DocumentID
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) BackupChunks(ctx context.Context, name string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(OpBackup); err != nil {
		return 0, err
	}
	if !backupName.MatchString(name) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidBackupName, name)
	}
	if _, exists := m.backups[name]; exists {
		return 0, fmt.Errorf("failed to create backup %s: already exists", name)
	}

	rows := make([]models.Chunk, 0, len(m.chunks))
	for _, id := range sortedKeys(m.chunks) {
		rows = append(rows, m.chunks[id])
	}
	m.backups[name] = rows
	return int64(len(rows)), nil
}

func (m *Memory) ListBackups(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.backups))
	for name := range m.backups {
		names = append(names, name)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}

func (m *Memory) RestoreChunks(ctx context.Context, backup string) (RestoreResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(OpRestore); err != nil {
		return RestoreResult{}, err
	}
	rows, ok := m.backups[backup]
	if !ok {
		return RestoreResult{}, fmt.Errorf("%w: %q", ErrInvalidBackupName, backup)
	}

	res := RestoreResult{BackupRows: int64(len(rows))}
	for _, c := range rows {
		if _, live := m.chunks[c.ID]; live {
			continue
		}
		m.addChunkLocked(c)
		res.Restored++
	}
	res.LiveRows = int64(len(m.chunks))
	return res, nil
}

func (m *Memory) DeleteChunks(ctx context.Context, ids []int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(OpDelete); err != nil {
		return 0, err
	}

	var deleted int64
	for _, id := range ids {
		if _, ok := m.chunks[id]; !ok {
			continue
		}
		delete(m.chunks, id)
		delete(m.embeddings, id)
		deleted++
	}
	return deleted, nil
}

func (m *Memory) PendingChunks(ctx context.Context, afterID int64, limit int) ([]models.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fail(OpPending); err != nil {
		return nil, err
	}

	var out []models.Chunk
	for _, id := range sortedKeys(m.chunks) {
		if id <= afterID {
			continue
		}
		if _, done := m.embeddings[id]; done {
			continue
		}
		out = append(out, m.chunks[id])
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) CountPending(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for id := range m.chunks {
		if _, done := m.embeddings[id]; !done {
			n++
		}
	}
	return n, nil
}

func (m *Memory) InsertEmbeddings(ctx context.Context, batch []models.Embedding) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(OpInsertEmbeddings); err != nil {
		return 0, err
	}

	for _, e := range batch {
		if _, ok := m.chunks[e.ChunkID]; !ok {
			return 0, fmt.Errorf("failed to insert embedding: chunk %d does not exist", e.ChunkID)
		}
	}
	var inserted int64
	for _, e := range batch {
		if _, exists := m.embeddings[e.ChunkID]; exists {
			continue
		}
		m.nextEmb++
		e.ID = m.nextEmb
		e.CreatedAt = m.now()
		m.embeddings[e.ChunkID] = e
		inserted++
	}
	return inserted, nil
}

func (m *Memory) AlternateURLByTitle(ctx context.Context, title string, excludeID int64) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fail(OpAlternateURL); err != nil {
		return "", err
	}

	var best string
	for _, id := range sortedKeys(m.documents) {
		doc := m.documents[id]
		if id == excludeID || doc.Title != title || !urlutil.HasDocumentExtension(doc.URL) {
			continue
		}
		if len(doc.URL) > len(best) {
			best = doc.URL
		}
	}
	return best, nil
}

func (m *Memory) RegisterDocument(ctx context.Context, doc models.Document) (models.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	taken := make(map[string]bool, len(m.documents))
	for _, d := range m.documents {
		taken[d.URL] = true
	}

	for n := 0; n <= maxURLVersions; n++ {
		candidate := urlCandidate(doc.URL, n)
		if taken[candidate] {
			continue
		}
		doc.ID = 0
		doc.URL = candidate
		return m.addDocumentLocked(doc), nil
	}
	return models.Document{}, fmt.Errorf("failed to insert document: no free version of %s", doc.URL)
}

func (m *Memory) InsertChunks(ctx context.Context, documentID int64, chunks []string) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, 0, len(chunks))
	for i, text := range chunks {
		c := m.addChunkLocked(models.Chunk{DocumentID: documentID, Content: strings.ToValidUTF8(text, ""), ChunkIndex: i})
		ids = append(ids, c.ID)
	}
	return ids, nil
}

func (m *Memory) CountDocuments(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fail(OpCountDocuments); err != nil {
		return 0, err
	}
	docs := make(map[int64]struct{})
	for _, c := range m.chunks {
		docs[c.DocumentID] = struct{}{}
	}
	return int64(len(docs)), nil
}

func (m *Memory) Close() {}

func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 1
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

func sortedKeys[V any](m map[int64]V) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
