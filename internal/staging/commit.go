package staging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/transferd/internal/logctx"
	"github.com/italolelis/transferd/internal/progress"
	"github.com/italolelis/transferd/internal/transfer"
)

const copyReportInterval = 100 * 1024 * 1024

// Commit promotes a staged file or directory to finalPath: a stale final file
// is removed, the staged data is renamed into place (copied when the rename
// crosses devices) and the staging directory is removed once empty.
func Commit(ctx context.Context, stagedPath, finalPath string) error {
	logger := logctx.LoggerFromContext(ctx)

	if _, err := os.Lstat(stagedPath); err != nil {
		return resourceError(stagedPath, err)
	}

	if err := os.MkdirAll(filepath.Dir(finalPath), dirPerm); err != nil {
		return resourceError(finalPath, err)
	}

	if err := os.RemoveAll(finalPath); err != nil {
		return resourceError(finalPath, err)
	}

	if err := os.Rename(stagedPath, finalPath); err != nil {
		if !errors.Is(err, syscall.EXDEV) {
			return resourceError(finalPath, err)
		}

		logger.Debug("staged data on another device, copying", "staged", stagedPath, "final", finalPath)

		if err := copyTree(ctx, stagedPath, finalPath); err != nil {
			_ = os.RemoveAll(finalPath)

			return err
		}

		if err := os.RemoveAll(stagedPath); err != nil {
			return resourceError(stagedPath, err)
		}
	}

	dir := filepath.Dir(stagedPath)
	if IsStagingDir(filepath.Base(dir)) {
		if err := os.Remove(dir); err != nil && !os.IsNotExist(err) {
			logger.Debug("staging directory not empty, keeping it", "dir", dir, "err", err)
		}
	}

	logger.Info("committed staged file", "final", finalPath)

	return nil
}

func copyTree(ctx context.Context, src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return resourceError(src, err)
	}

	if !info.IsDir() {
		return copyFile(ctx, src, dst, info.Mode())
	}

	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return resourceError(path, err)
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return fmt.Errorf("failed to relativise %s: %w", path, err)
		}

		target := filepath.Join(dst, rel)

		if d.IsDir() {
			if err := os.MkdirAll(target, dirPerm); err != nil {
				return resourceError(target, err)
			}

			return nil
		}

		fi, err := d.Info()
		if err != nil {
			return resourceError(path, err)
		}

		return copyFile(ctx, path, target, fi.Mode())
	})
}

func copyFile(ctx context.Context, src, dst string, mode fs.FileMode) error {
	logger := logctx.LoggerFromContext(ctx)

	in, err := os.Open(src)
	if err != nil {
		return resourceError(src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return resourceError(src, err)
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode.Perm())
	if err != nil {
		return resourceError(dst, err)
	}
	defer out.Close()

	pr := progress.NewReader(in, info.Size(), copyReportInterval, func(read, total int64) {
		logger.Debug("copy progress",
			"file", dst,
			"copied", humanize.IBytes(uint64(read)),
			"total", humanize.IBytes(uint64(total)))
	})

	if _, err := io.Copy(out, pr); err != nil {
		return resourceError(dst, err)
	}

	if err := out.Sync(); err != nil {
		return resourceError(dst, err)
	}

	return nil
}

// resourceError converts a filesystem failure into the resource class with a
// short reason the user can act on.
func resourceError(path string, err error) error {
	reason := err.Error()

	switch {
	case errors.Is(err, syscall.ENOSPC):
		reason = "No space left on device"
	case errors.Is(err, fs.ErrPermission):
		reason = "Permission denied"
	case errors.Is(err, fs.ErrNotExist):
		reason = "File not found"
	case errors.Is(err, fs.ErrExist):
		reason = "File already exists"
	}

	return &transfer.ResourceError{Path: path, Reason: reason, Err: err}
}
