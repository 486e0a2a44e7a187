package notifier

import (
	"context"
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/transferd/internal/logctx"
	"github.com/italolelis/transferd/internal/transfer"
)

// Watch sends one notification per finished record until both channels are closed.
func Watch(ctx context.Context, n Notifier, completed, failed <-chan transfer.Record) {
	logger := logctx.LoggerFromContext(ctx)

	var wg sync.WaitGroup

	wg.Add(2)

	go func() {
		defer wg.Done()

		for rec := range failed {
			logger.Error("transfer failed", "record_id", rec.ID, "file_name", rec.FileName, "reason", rec.FailureReason)

			if err := n.Notify(ctx, FailedMessage(rec)); err != nil {
				logger.Error("failed to send notification", "record_id", rec.ID, "err", err)
			}
		}
	}()

	go func() {
		defer wg.Done()

		for rec := range completed {
			logger.Info("transfer finished", "record_id", rec.ID, "file_name", rec.FileName)

			if err := n.Notify(ctx, CompletedMessage(rec)); err != nil {
				logger.Error("failed to send notification", "record_id", rec.ID, "err", err)
			}
		}
	}()

	wg.Wait()
}

func CompletedMessage(rec transfer.Record) string {
	if rec.FileSize > 0 {
		return fmt.Sprintf("✅ Download finished: %s (%s)", rec.FileName, humanize.IBytes(uint64(rec.FileSize)))
	}

	return "✅ Download finished: " + rec.FileName
}

func FailedMessage(rec transfer.Record) string {
	return fmt.Sprintf("❌ Download failed: %s (%s)", rec.FileName, rec.FailureReason)
}
