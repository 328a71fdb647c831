// Package backfill embeds every chunk that has no embedding yet, in
// bounded batches.
package backfill

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/xhad/isoassist/internal/contextutil"
	"github.com/xhad/isoassist/internal/models"
	"github.com/xhad/isoassist/internal/types"
	"github.com/xhad/isoassist/pkg/errs"
	"github.com/xhad/isoassist/pkg/retry"
)

// Store is the part of the chunk store the runner needs.
type Store interface {
	PendingChunks(ctx context.Context, afterID int64, limit int) ([]models.Chunk, error)
	CountPending(ctx context.Context) (int64, error)
	InsertEmbeddings(ctx context.Context, batch []models.Embedding) (int64, error)
}

type Config struct {
	BatchSize     int
	MaxRetries    int
	RetryDelay    time.Duration
	BatchInterval time.Duration
	ModelVersion  string
	// Sleep replaces the retry backoff timer.
	Sleep func(ctx context.Context, d time.Duration) error
	// Progress is called after every batch with the chunks handled so far.
	Progress func(done, total int64)
}

type Runner struct {
	store    Store
	embedder types.Embedder
	config   Config
	limiter  *rate.Limiter
}

func NewRunner(store Store, embedder types.Embedder, config Config) *Runner {
	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 2 * time.Second
	}

	limit := rate.Inf
	if config.BatchInterval > 0 {
		limit = rate.Every(config.BatchInterval)
	}
	return &Runner{
		store:    store,
		embedder: embedder,
		config:   config,
		limiter:  rate.NewLimiter(limit, 1),
	}
}

type Result struct {
	Pending    int64
	Batches    int
	Embedded   int64
	TokensUsed int
	Summary    models.BatchSummary
}

// Run embeds pending chunks in id order. A batch whose retries run out is
// recorded as failed and skipped. A terminal provider error stops the run;
// the batch in flight is not written and earlier batches stay committed.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	logger := contextutil.LoggerFromContext(ctx)

	var res Result
	pending, err := r.store.CountPending(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to count pending chunks: %w", err)
	}
	res.Pending = pending
	logger.InfoContext(ctx, "backfill started", "pending", pending, "batch_size", r.config.BatchSize)

	policy := retry.Policy{
		MaxRetries: r.config.MaxRetries,
		BaseDelay:  r.config.RetryDelay,
		Sleep:      r.config.Sleep,
	}

	var cursor, done int64
	for {
		if err := r.limiter.Wait(ctx); err != nil {
			return res, err
		}

		batch, err := r.store.PendingChunks(ctx, cursor, r.config.BatchSize)
		if err != nil {
			return res, fmt.Errorf("failed to read pending chunks after %d: %w", cursor, err)
		}
		if len(batch) == 0 {
			break
		}
		cursor = batch[len(batch)-1].ID
		res.Batches++

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Content
		}

		var out types.EmbedResult
		err = retry.Do(ctx, policy, func(ctx context.Context) error {
			var err error
			out, err = r.embedder.Embed(ctx, texts)
			return err
		})
		switch {
		case err == nil && len(out.Vectors) != len(batch):
			err = &errs.DataIntegrityError{
				DocumentID: batch[0].DocumentID,
				ChunkID:    batch[0].ID,
				Reason:     fmt.Sprintf("got %d vectors for %d chunks", len(out.Vectors), len(batch)),
			}
			logger.WarnContext(ctx, "batch skipped", "first_chunk", batch[0].ID, "error", err)
			res.Summary.Add(failed(batch, err)...)
		case errs.IsTerminal(err):
			logger.ErrorContext(ctx, "backfill aborted",
				"first_chunk", batch[0].ID,
				"embedded", res.Embedded,
				"error", err)
			res.Summary.Add(failed(batch, err)...)
			return res, fmt.Errorf("backfill aborted at chunk %d: %w", batch[0].ID, err)
		case ctx.Err() != nil:
			return res, ctx.Err()
		case err != nil:
			logger.WarnContext(ctx, "batch failed after retries",
				"first_chunk", batch[0].ID,
				"chunks", len(batch),
				"error", err)
			res.Summary.Add(failed(batch, err)...)
		default:
			inserted, err := r.store.InsertEmbeddings(ctx, r.embeddings(batch, out))
			if err != nil {
				return res, fmt.Errorf("failed to store embeddings for batch at chunk %d: %w", batch[0].ID, err)
			}
			res.Embedded += inserted
			res.TokensUsed += out.TokensUsed
			for _, c := range batch {
				res.Summary.Add(models.UnitResult{DocumentID: c.DocumentID, ChunkID: c.ID, Status: models.UnitOK})
			}
			logger.DebugContext(ctx, "batch embedded",
				"first_chunk", batch[0].ID,
				"inserted", inserted,
				"tokens", out.TokensUsed)
		}

		done += int64(len(batch))
		if r.config.Progress != nil {
			r.config.Progress(done, pending)
		}
	}

	logger.InfoContext(ctx, "backfill complete",
		"batches", res.Batches,
		"embedded", res.Embedded,
		"failed", res.Summary.Failed,
		"tokens", res.TokensUsed)
	return res, nil
}

// embeddings pairs chunks with vectors, splitting the batch's token usage
// evenly. The remainder goes to the first chunks.
func (r *Runner) embeddings(batch []models.Chunk, out types.EmbedResult) []models.Embedding {
	model := r.config.ModelVersion
	if out.Model != "" {
		model = out.Model
	}
	n := len(batch)
	per, rem := out.TokensUsed/n, out.TokensUsed%n

	embs := make([]models.Embedding, n)
	for i, c := range batch {
		tokens := per
		if i < rem {
			tokens++
		}
		embs[i] = models.Embedding{
			ChunkID:      c.ID,
			Vector:       out.Vectors[i],
			ModelVersion: model,
			TokensUsed:   tokens,
		}
	}
	return embs
}

func failed(batch []models.Chunk, err error) []models.UnitResult {
	units := make([]models.UnitResult, len(batch))
	for i, c := range batch {
		units[i] = models.UnitResult{
			DocumentID: c.DocumentID,
			ChunkID:    c.ID,
			Status:     models.UnitFailed,
			Reason:     err.Error(),
			Err:        err,
		}
	}
	return units
}
