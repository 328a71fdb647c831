// Package curation runs the chunk cleanup job: it plans the removal of low
// quality and near-duplicate chunks, backs up the chunk table, asks for
// confirmation and deletes the planned chunks in one transaction.
package curation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/xhad/isoassist/internal/contextutil"
	"github.com/xhad/isoassist/internal/models"
	"github.com/xhad/isoassist/pkg/dedup"
	"github.com/xhad/isoassist/pkg/doctype"
	"github.com/xhad/isoassist/pkg/quality"
	"github.com/xhad/isoassist/pkg/store"
)

// ErrNotConfirmed is returned by Run when the deletion was declined.
var ErrNotConfirmed = errors.New("deletion not confirmed")

// Store is the part of the chunk store the curator needs.
type Store interface {
	ListChunks(ctx context.Context) ([]models.ChunkRecord, error)
	BackupChunks(ctx context.Context, name string) (int64, error)
	ListBackups(ctx context.Context) ([]string, error)
	DeleteChunks(ctx context.Context, ids []int64) (int64, error)
	RestoreChunks(ctx context.Context, backup string) (store.RestoreResult, error)
}

// Confirmer decides whether a plan may be applied.
type Confirmer interface {
	Confirm(ctx context.Context, plan *Plan) (bool, error)
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, plan *Plan) (bool, error)

func (f ConfirmFunc) Confirm(ctx context.Context, plan *Plan) (bool, error) {
	return f(ctx, plan)
}

// AutoConfirm approves every plan.
var AutoConfirm = ConfirmFunc(func(context.Context, *Plan) (bool, error) { return true, nil })

type Config struct {
	BackupPrefix string
	Counter      TokenCounter
	Confirmer    Confirmer
	Detector     *dedup.Detector
	Now          func() time.Time
}

type Curator struct {
	store  Store
	config Config
}

func New(store Store, config Config) *Curator {
	if config.BackupPrefix == "" {
		config.BackupPrefix = "chunks_backup"
	}
	if config.Counter == nil {
		config.Counter = WordCounter{}
	}
	if config.Detector == nil {
		config.Detector = dedup.NewDetector(nil)
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Curator{store: store, config: config}
}

// Plan is what a curation run would delete.
type Plan struct {
	RunID       string
	Chunks      int
	LowQuality  []quality.Flagged
	Duplicates  []models.DuplicatePair
	Delete      []int64
	StatsByType map[doctype.DocType]int
	Summary     models.BatchSummary
	TokensSaved int
}

// RunResult reports what a run did. Backup is empty when nothing needed
// deleting.
type RunResult struct {
	Plan       *Plan
	Backup     string
	BackupRows int64
	Deleted    int64
}

// Plan reads every chunk and works out the deletion set without touching
// the store.
func (c *Curator) Plan(ctx context.Context) (*Plan, error) {
	runID := uuid.NewString()
	return c.plan(withRunID(ctx, runID), runID)
}

func withRunID(ctx context.Context, runID string) context.Context {
	return contextutil.WithLogger(ctx, contextutil.LoggerFromContext(ctx).With("run_id", runID))
}

func (c *Curator) plan(ctx context.Context, runID string) (*Plan, error) {
	logger := contextutil.LoggerFromContext(ctx)

	records, err := c.store.ListChunks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	logger.InfoContext(ctx, "curation plan started", "chunks", len(records))

	filtered := quality.ClassifyAndFilter(ctx, records)
	found := c.config.Detector.Find(ctx, records)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	removed := make(map[int64]struct{}, len(filtered.Removed))
	for _, id := range filtered.Removed {
		removed[id] = struct{}{}
	}
	for _, id := range dedup.Resolve(found.Pairs) {
		removed[id] = struct{}{}
	}
	ids := make([]int64, 0, len(removed))
	for id := range removed {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	tokens := 0
	for _, r := range records {
		if _, ok := removed[r.ID]; ok {
			tokens += c.config.Counter.Count(r.Content)
		}
	}

	// Orphaned chunks are reported by both passes; the duplicate scan
	// summary already carries them.
	plan := &Plan{
		RunID:       runID,
		Chunks:      len(records),
		LowQuality:  filtered.Flagged,
		Duplicates:  found.Pairs,
		Delete:      ids,
		StatsByType: filtered.StatsByType,
		Summary:     found.Summary,
		TokensSaved: tokens,
	}

	for _, u := range plan.Summary.Units {
		logger.WarnContext(ctx, "unit not curated",
			"document_id", u.DocumentID,
			"chunk_id", u.ChunkID,
			"status", u.Status,
			"reason", u.Reason)
	}
	logger.InfoContext(ctx, "curation plan ready",
		"low_quality", len(plan.LowQuality),
		"duplicate_pairs", len(plan.Duplicates),
		"delete", len(plan.Delete),
		"tokens_saved", plan.TokensSaved)
	return plan, nil
}

// Run plans, backs up the chunk table, asks for confirmation and deletes.
// Backup and delete failures abort the run; the delete is transactional.
func (c *Curator) Run(ctx context.Context) (RunResult, error) {
	runID := uuid.NewString()
	ctx = withRunID(ctx, runID)
	logger := contextutil.LoggerFromContext(ctx)

	plan, err := c.plan(ctx, runID)
	if err != nil {
		return RunResult{}, err
	}

	res := RunResult{Plan: plan}
	if len(plan.Delete) == 0 {
		logger.InfoContext(ctx, "nothing to curate")
		return res, nil
	}

	res.Backup = backupName(c.config.BackupPrefix, c.config.Now(), runID)
	res.BackupRows, err = c.store.BackupChunks(ctx, res.Backup)
	if err != nil {
		logger.ErrorContext(ctx, "backup failed", "backup", res.Backup, "error", err)
		return res, fmt.Errorf("failed to back up chunks: %w", err)
	}
	logger.InfoContext(ctx, "chunks backed up", "backup", res.Backup, "rows", res.BackupRows)

	if c.config.Confirmer != nil {
		ok, err := c.config.Confirmer.Confirm(ctx, plan)
		if err != nil {
			return res, fmt.Errorf("confirmation failed: %w", err)
		}
		if !ok {
			logger.InfoContext(ctx, "deletion declined", "backup", res.Backup)
			return res, ErrNotConfirmed
		}
	}

	res.Deleted, err = c.store.DeleteChunks(ctx, plan.Delete)
	if err != nil {
		logger.ErrorContext(ctx, "delete failed", "error", err)
		return res, fmt.Errorf("failed to delete chunks: %w", err)
	}
	logger.InfoContext(ctx, "curation complete",
		"planned", len(plan.Delete),
		"deleted", res.Deleted,
		"backup", res.Backup)
	return res, nil
}

// Restore re-inserts the chunks of backup that are missing from the live
// table.
func (c *Curator) Restore(ctx context.Context, backup string) (store.RestoreResult, error) {
	logger := contextutil.LoggerFromContext(ctx)

	backups, err := c.store.ListBackups(ctx)
	if err != nil {
		return store.RestoreResult{}, fmt.Errorf("failed to list backups: %w", err)
	}
	if !contains(backups, backup) {
		return store.RestoreResult{}, fmt.Errorf("backup %q not found", backup)
	}

	res, err := c.store.RestoreChunks(ctx, backup)
	if err != nil {
		logger.ErrorContext(ctx, "restore failed", "backup", backup, "error", err)
		return res, fmt.Errorf("failed to restore %s: %w", backup, err)
	}
	logger.InfoContext(ctx, "chunks restored",
		"backup", backup,
		"backup_rows", res.BackupRows,
		"restored", res.Restored,
		"live_rows", res.LiveRows)
	return res, nil
}

// Backups lists the available backup tables.
func (c *Curator) Backups(ctx context.Context) ([]string, error) {
	return c.store.ListBackups(ctx)
}

// backupName is unique per run: the timestamp has second resolution, so the
// first 8 hex digits of the run id are appended.
func backupName(prefix string, now time.Time, runID string) string {
	short := strings.ReplaceAll(runID, "-", "")
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("%s_%s_%s", prefix, now.UTC().Format("20060102_150405"), strings.ToLower(short))
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
