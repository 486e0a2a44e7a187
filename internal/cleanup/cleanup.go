package cleanup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/italolelis/transferd/internal/logctx"
	"github.com/italolelis/transferd/internal/staging"
	"github.com/italolelis/transferd/internal/transfer"
)

// Lister returns the known records.
type Lister interface {
	List(ctx context.Context) ([]transfer.Record, error)
}

// DeleteOrphanedStaging removes staging directories that no live record owns.
// A directory is orphaned when its record is gone or has finished. Directories
// modified within minAge are left alone. Every save directory of a known
// record is swept together with extraDirs.
func DeleteOrphanedStaging(ctx context.Context, lister Lister, extraDirs []string, minAge time.Duration) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	records, err := lister.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list records: %w", err)
	}

	owners := make(map[string]transfer.Status, len(records))
	dirs := slices.Clone(extraDirs)

	for _, rec := range records {
		owners[rec.ID] = rec.Status

		if rec.SavePath != "" && !slices.Contains(dirs, rec.SavePath) {
			dirs = append(dirs, rec.SavePath)
		}
	}

	now := time.Now()
	removed := 0

	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}

			logger.Error("Failed to read save directory", "dir", dir, "err", err)

			return removed, err
		}

		for _, e := range entries {
			if !e.IsDir() || !staging.IsStagingDir(e.Name()) {
				continue
			}

			path := filepath.Join(dir, e.Name())
			id, _ := staging.IDFromDir(path)

			if status, ok := owners[id]; ok && !finished(status) {
				continue
			}

			info, err := e.Info()
			if err != nil {
				continue
			}

			if now.Sub(info.ModTime()) < minAge {
				continue
			}

			if err := staging.Cleanup(path); err != nil {
				logger.Error("Failed to delete orphaned staging directory", "dir", path, "err", err)

				return removed, err
			}

			removed++

			logger.Info("Deleted orphaned staging directory", "dir", path, "record_id", id)
		}
	}

	return removed, nil
}

func finished(s transfer.Status) bool {
	return s.IsTerminal() || s == transfer.StatusFailed
}

// Run sweeps every interval until ctx is cancelled.
func Run(ctx context.Context, lister Lister, extraDirs []string, interval, minAge time.Duration) {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("cleanup goroutine shutting down.")

			return
		case <-ticker.C:
			if _, err := DeleteOrphanedStaging(ctx, lister, extraDirs, minAge); err != nil {
				logger.Error("failed to delete orphaned staging directories", "err", err)
			}
		}
	}
}
