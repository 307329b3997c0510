package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fairyhunter13/ai-chat-orchestrator/internal/domain"
)

// CleanupService handles data retention and cleanup
type CleanupService struct {
	Pool          PgxPool
	UploadDir     string
	RetentionDays int
}

// NewCleanupService creates a new cleanup service
func NewCleanupService(pool PgxPool, uploadDir string, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 90 // default 90 days
	}
	return &CleanupService{Pool: pool, UploadDir: uploadDir, RetentionDays: retentionDays}
}

// CleanupOldData removes data older than the retention period. Only terminal
// tasks are pruned; an in-flight task keeps its batch and conversation alive
// regardless of age.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.RetentionDays)

	// Start transaction for consistency
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("cleanup begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		DELETE FROM tasks
		WHERE created_at < $1 AND status IN ($2,$3)
	`, cutoff, int(domain.TaskSuccess), int(domain.TaskFailed))
	if err != nil {
		return fmt.Errorf("cleanup tasks: %w", err)
	}
	deletedTasks := tag.RowsAffected()

	// Delete batches whose tasks are all gone
	tag, err = tx.Exec(ctx, `
		DELETE FROM chat_batches b
		WHERE b.created_at < $1
		AND NOT EXISTS (SELECT 1 FROM tasks t WHERE t.batch_id = b.batch_id)
	`, cutoff)
	if err != nil {
		return fmt.Errorf("cleanup batches: %w", err)
	}
	deletedBatches := tag.RowsAffected()

	// Delete conversations with no surviving history
	tag, err = tx.Exec(ctx, `
		DELETE FROM conversations c
		WHERE c.updated_at < $1
		AND NOT EXISTS (SELECT 1 FROM tasks t WHERE t.conversation_id = c.conversation_id)
	`, cutoff)
	if err != nil {
		return fmt.Errorf("cleanup conversations: %w", err)
	}
	deletedConversations := tag.RowsAffected()

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("cleanup commit: %w", err)
	}

	removedFiles := s.pruneUploads(cutoff)

	slog.Info("data cleanup completed",
		slog.Int64("deleted_tasks", deletedTasks),
		slog.Int64("deleted_batches", deletedBatches),
		slog.Int64("deleted_conversations", deletedConversations),
		slog.Int("removed_files", removedFiles),
		slog.Time("cutoff", cutoff),
	)

	return nil
}

// pruneUploads removes staged upload files whose modification time predates
// cutoff. Per-file failures are logged and skipped.
func (s *CleanupService) pruneUploads(cutoff time.Time) int {
	if s.UploadDir == "" {
		return 0
	}
	entries, err := os.ReadDir(s.UploadDir)
	if err != nil {
		slog.Warn("upload dir scan failed", slog.Any("error", err))
		return 0
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(s.UploadDir, e.Name())); err != nil {
				slog.Warn("upload prune failed", slog.String("file", e.Name()), slog.Any("error", err))
				continue
			}
			removed++
		}
	}
	return removed
}

// RunPeriodic starts a periodic cleanup job
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour // daily by default
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run initial cleanup
	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
