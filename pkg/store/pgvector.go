package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/xhad/isoassist/internal/models"
	"github.com/xhad/isoassist/pkg/errs"
	"github.com/xhad/isoassist/pkg/urlutil"
)

// ErrInvalidBackupName is returned for a backup table name outside the
// configured prefix.
var ErrInvalidBackupName = errors.New("invalid backup name")

var backupName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// maxURLVersions bounds the _vN suffixes tried when registering a
// document whose URL is taken.
const maxURLVersions = 100

type VectorStoreConfig struct {
	ConnString   string
	VectorDim    int
	MaxConns     int32
	BackupPrefix string
}

// VectorStore keeps documents, chunks and chunk embeddings in Postgres with
// the pgvector extension.
type VectorStore struct {
	config VectorStoreConfig
	pool   *pgxpool.Pool
}

func NewWithConfig(ctx context.Context, config VectorStoreConfig) (*VectorStore, error) {
	if config.VectorDim == 0 {
		config.VectorDim = 1024
	}
	if config.BackupPrefix == "" {
		config.BackupPrefix = "chunks_backup"
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	vs := &VectorStore{
		config: config,
		pool:   pool,
	}

	if err := vs.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return vs, nil
}

// EnsureSchema creates the extension, tables and indexes when missing.
func (vs *VectorStore) EnsureSchema(ctx context.Context) error {
	// Enable pgvector extension
	if _, err := vs.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			id BIGSERIAL PRIMARY KEY,
			url TEXT NOT NULL UNIQUE,
			title TEXT,
			content_type TEXT,
			file_name TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS chunks (
			id BIGSERIAL PRIMARY KEY,
			document_id BIGINT NOT NULL,
			content TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS chunks_document_id_idx ON chunks (document_id, id)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS embeddings (
			id BIGSERIAL PRIMARY KEY,
			chunk_id BIGINT NOT NULL UNIQUE REFERENCES chunks(id) ON DELETE CASCADE,
			embedding vector(%d) NOT NULL,
			model_version TEXT NOT NULL,
			tokens_used INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, vs.config.VectorDim),
		`CREATE INDEX IF NOT EXISTS embeddings_embedding_idx
			ON embeddings
			USING ivfflat (embedding vector_cosine_ops)
			WITH (lists = 100)`,
	}

	for _, stmt := range statements {
		if _, err := vs.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// Search returns the k chunks nearest to vector by cosine distance, ties
// broken by chunk id.
func (vs *VectorStore) Search(ctx context.Context, vector []float32, k int) ([]models.RetrievedChunk, error) {
	const query = `
		SELECT c.id, c.content,
			d.id, d.url, COALESCE(d.title, ''), COALESCE(d.content_type, ''),
			COALESCE(d.file_name, ''), d.created_at,
			e.embedding <=> $1 AS distance
		FROM embeddings e
		JOIN chunks c ON c.id = e.chunk_id
		JOIN documents d ON d.id = c.document_id
		ORDER BY distance, c.id
		LIMIT $2`

	rows, err := vs.pool.Query(ctx, query, pgvector.NewVector(vector), k)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	var out []models.RetrievedChunk
	for rows.Next() {
		var rc models.RetrievedChunk
		err := rows.Scan(
			&rc.ChunkID,
			&rc.Content,
			&rc.Document.ID,
			&rc.Document.URL,
			&rc.Document.Title,
			&rc.Document.ContentType,
			&rc.Document.FileName,
			&rc.Document.CreatedAt,
			&rc.Distance,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}

// ListChunks returns every chunk with its document's file name, ordered by
// document then chunk id. Chunks whose document is gone are marked
// orphaned.
func (vs *VectorStore) ListChunks(ctx context.Context) ([]models.ChunkRecord, error) {
	const query = `
		SELECT c.id, c.document_id, c.content, c.chunk_index, c.created_at,
			COALESCE(d.file_name, ''), COALESCE(d.title, ''), d.id IS NULL
		FROM chunks c
		LEFT JOIN documents d ON d.id = c.document_id
		ORDER BY c.document_id, c.id`

	rows, err := vs.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	defer rows.Close()

	var out []models.ChunkRecord
	for rows.Next() {
		var r models.ChunkRecord
		if err := rows.Scan(&r.ID, &r.DocumentID, &r.Content, &r.ChunkIndex, &r.CreatedAt,
			&r.FileName, &r.Title, &r.Orphaned); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (vs *VectorStore) validBackup(name string) error {
	if !backupName.MatchString(name) || !strings.HasPrefix(name, vs.config.BackupPrefix+"_") {
		return fmt.Errorf("%w: %q", ErrInvalidBackupName, name)
	}
	return nil
}

// BackupChunks copies the whole chunks table into a new table and returns
// the number of rows copied.
func (vs *VectorStore) BackupChunks(ctx context.Context, name string) (int64, error) {
	if err := vs.validBackup(name); err != nil {
		return 0, err
	}
	table := pgx.Identifier{name}.Sanitize()

	tx, err := vs.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, "CREATE TABLE "+table+" AS SELECT * FROM chunks"); err != nil {
		return 0, fmt.Errorf("failed to create backup %s: %w", name, err)
	}

	var n int64
	if err := tx.QueryRow(ctx, "SELECT count(*) FROM "+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count backup %s: %w", name, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return n, nil
}

// ListBackups returns backup table names, newest first.
func (vs *VectorStore) ListBackups(ctx context.Context) ([]string, error) {
	rows, err := vs.pool.Query(ctx, `
		SELECT table_name FROM information_schema.tables
		WHERE table_schema = current_schema() AND table_name LIKE $1
		ORDER BY table_name DESC`, vs.config.BackupPrefix+"\\_%")
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}
	defer rows.Close()

	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan row: %w", err)
	}
	return names, nil
}

// RestoreChunks re-inserts backup rows missing from chunks. The counts are
// checked before commit; a mismatch rolls everything back.
func (vs *VectorStore) RestoreChunks(ctx context.Context, backup string) (RestoreResult, error) {
	if err := vs.validBackup(backup); err != nil {
		return RestoreResult{}, err
	}
	table := pgx.Identifier{backup}.Sanitize()

	tx, err := vs.pool.Begin(ctx)
	if err != nil {
		return RestoreResult{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var res RestoreResult
	if err := tx.QueryRow(ctx, "SELECT count(*) FROM "+table).Scan(&res.BackupRows); err != nil {
		return RestoreResult{}, fmt.Errorf("failed to count backup %s: %w", backup, err)
	}
	var before int64
	if err := tx.QueryRow(ctx, "SELECT count(*) FROM chunks").Scan(&before); err != nil {
		return RestoreResult{}, fmt.Errorf("failed to count chunks: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO chunks (id, document_id, content, chunk_index, created_at)
		SELECT b.id, b.document_id, b.content, b.chunk_index, b.created_at
		FROM `+table+` b
		WHERE NOT EXISTS (SELECT 1 FROM chunks c WHERE c.id = b.id)`)
	if err != nil {
		return RestoreResult{}, fmt.Errorf("failed to restore chunks: %w", err)
	}
	res.Restored = tag.RowsAffected()

	if err := tx.QueryRow(ctx, "SELECT count(*) FROM chunks").Scan(&res.LiveRows); err != nil {
		return RestoreResult{}, fmt.Errorf("failed to count chunks: %w", err)
	}
	var missing int64
	if err := tx.QueryRow(ctx, `
		SELECT count(*) FROM `+table+` b
		WHERE NOT EXISTS (SELECT 1 FROM chunks c WHERE c.id = b.id)`).Scan(&missing); err != nil {
		return RestoreResult{}, fmt.Errorf("failed to verify restore: %w", err)
	}
	if missing != 0 || res.LiveRows != before+res.Restored {
		return RestoreResult{}, &errs.DataIntegrityError{
			Reason: fmt.Sprintf("restore from %s: %d rows still missing, %d live rows after inserting %d into %d",
				backup, missing, res.LiveRows, res.Restored, before),
		}
	}

	// Keep the id sequence ahead of restored ids
	if _, err := tx.Exec(ctx, `SELECT setval(pg_get_serial_sequence('chunks', 'id'), GREATEST((SELECT COALESCE(max(id), 1) FROM chunks), 1))`); err != nil {
		return RestoreResult{}, fmt.Errorf("failed to reset chunk id sequence: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return RestoreResult{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return res, nil
}

// DeleteChunks removes the given chunks in one transaction and returns the
// number of rows actually deleted.
func (vs *VectorStore) DeleteChunks(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := vs.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, "DELETE FROM chunks WHERE id = ANY($1) RETURNING id", ids)
	if err != nil {
		return 0, fmt.Errorf("failed to delete chunks: %w", err)
	}
	deleted, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return 0, fmt.Errorf("failed to delete chunks: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return int64(len(deleted)), nil
}

// PendingChunks returns up to limit chunks without an embedding whose id is
// greater than afterID, in id order.
func (vs *VectorStore) PendingChunks(ctx context.Context, afterID int64, limit int) ([]models.Chunk, error) {
	rows, err := vs.pool.Query(ctx, `
		SELECT c.id, c.document_id, c.content, c.chunk_index, c.created_at
		FROM chunks c
		LEFT JOIN embeddings e ON e.chunk_id = c.id
		WHERE e.id IS NULL AND c.id > $1
		ORDER BY c.id
		LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending chunks: %w", err)
	}
	defer rows.Close()

	var out []models.Chunk
	for rows.Next() {
		var c models.Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Content, &c.ChunkIndex, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CountPending returns the number of chunks without an embedding.
func (vs *VectorStore) CountPending(ctx context.Context) (int64, error) {
	var n int64
	err := vs.pool.QueryRow(ctx, `
		SELECT count(*) FROM chunks c
		LEFT JOIN embeddings e ON e.chunk_id = c.id
		WHERE e.id IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending chunks: %w", err)
	}
	return n, nil
}

// InsertEmbeddings stores one batch in a single transaction. Chunks that
// already have an embedding are left untouched.
func (vs *VectorStore) InsertEmbeddings(ctx context.Context, batch []models.Embedding) (int64, error) {
	if len(batch) == 0 {
		return 0, nil
	}

	tx, err := vs.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const stmt = `
		INSERT INTO embeddings (chunk_id, embedding, model_version, tokens_used)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (chunk_id) DO NOTHING`

	b := &pgx.Batch{}
	for _, e := range batch {
		b.Queue(stmt, e.ChunkID, pgvector.NewVector(e.Vector), e.ModelVersion, e.TokensUsed)
	}
	results := tx.SendBatch(ctx, b)
	var inserted int64
	for range batch {
		tag, err := results.Exec()
		if err != nil {
			_ = results.Close()
			return 0, fmt.Errorf("failed to insert embedding: %w", err)
		}
		inserted += tag.RowsAffected()
	}
	if err := results.Close(); err != nil {
		return 0, fmt.Errorf("failed to insert embeddings: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return inserted, nil
}

// AlternateURLByTitle returns the longest URL of another document with the
// same title that carries a document extension, or "" when there is none.
func (vs *VectorStore) AlternateURLByTitle(ctx context.Context, title string, excludeID int64) (string, error) {
	rows, err := vs.pool.Query(ctx, `
		SELECT url FROM documents
		WHERE title = $1 AND id <> $2
		ORDER BY length(url) DESC, id`, title, excludeID)
	if err != nil {
		return "", fmt.Errorf("failed to query documents: %w", err)
	}
	urls, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return "", fmt.Errorf("failed to scan row: %w", err)
	}
	for _, u := range urls {
		if urlutil.HasDocumentExtension(u) {
			return u, nil
		}
	}
	return "", nil
}

// RegisterDocument inserts a document under its URL as given. When that URL
// is taken, the first free _vN suffix of the version-stripped URL is used.
func (vs *VectorStore) RegisterDocument(ctx context.Context, doc models.Document) (models.Document, error) {
	title := sanitizeUTF8(doc.Title)

	for n := 0; n <= maxURLVersions; n++ {
		candidate := urlCandidate(doc.URL, n)
		err := vs.pool.QueryRow(ctx, `
			INSERT INTO documents (url, title, content_type, file_name)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (url) DO NOTHING
			RETURNING id, created_at`,
			candidate, title, doc.ContentType, doc.FileName).Scan(&doc.ID, &doc.CreatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return models.Document{}, fmt.Errorf("failed to insert document: %w", err)
		}
		doc.URL = candidate
		doc.Title = title
		return doc, nil
	}
	return models.Document{}, fmt.Errorf("failed to insert document: no free version of %s", doc.URL)
}

// InsertChunks stores the chunk texts of one document in a single
// transaction.
func (vs *VectorStore) InsertChunks(ctx context.Context, documentID int64, chunks []string) ([]int64, error) {
	tx, err := vs.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ids := make([]int64, 0, len(chunks))
	for i, chunk := range chunks {
		var id int64
		err := tx.QueryRow(ctx, `
			INSERT INTO chunks (document_id, content, chunk_index)
			VALUES ($1, $2, $3)
			RETURNING id`, documentID, sanitizeUTF8(chunk), i).Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("failed to insert chunk: %w", err)
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return ids, nil
}

// CountDocuments returns the number of documents that have chunks.
func (vs *VectorStore) CountDocuments(ctx context.Context) (int64, error) {
	var n int64
	if err := vs.pool.QueryRow(ctx, `SELECT count(DISTINCT document_id) FROM chunks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return n, nil
}

func (vs *VectorStore) Close() {
	if vs.pool != nil {
		vs.pool.Close()
	}
}

// sanitizeUTF8 drops invalid bytes, which Postgres TEXT rejects.
func sanitizeUTF8(s string) string {
	if !utf8.ValidString(s) {
		v := make([]rune, 0, len(s))
		for i, r := range s {
			if r == utf8.RuneError {
				_, size := utf8.DecodeRuneInString(s[i:])
				if size == 1 {
					continue
				}
			}
			v = append(v, r)
		}
		return string(v)
	}
	return s
}
