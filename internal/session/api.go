package session

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/italolelis/transferd/internal/logctx"
	"github.com/italolelis/transferd/internal/speed"
	"github.com/italolelis/transferd/internal/staging"
	"github.com/italolelis/transferd/internal/transfer"
)

// Add creates a record and starts it, or queues it when every slot is busy.
func (o *Orchestrator) Add(ctx context.Context, req transfer.AddRequest) (transfer.Record, error) {
	var out transfer.Record

	err := o.do(ctx, "add", func(ctx context.Context) error {
		rec, err := transfer.NewRecord(req, o.now())
		if err != nil {
			return fmt.Errorf("failed to create record: %w", err)
		}

		if rec.Kind == transfer.KindNormal && rec.ChunkCount <= 0 {
			rec.ChunkCount = o.cfg.Connections
		}

		o.records[rec.ID] = rec
		o.order = append(o.order, rec.ID)
		o.logger(ctx, rec).Info("record added", "url", rec.URL, "file_name", rec.FileName, "save_path", rec.SavePath)

		o.start(ctx, rec.ID, false, false)
		o.persist(ctx)

		out = *rec.Clone()

		return nil
	})

	return out, err
}

// Start starts a waiting, paused or failed record on user request.
func (o *Orchestrator) Start(ctx context.Context, id string) error {
	return o.do(ctx, "start", func(ctx context.Context) error {
		rec, err := o.record(id)
		if err != nil {
			return err
		}

		switch rec.Status {
		case transfer.StatusDownloading:
			return nil
		case transfer.StatusCompleted, transfer.StatusCancelled:
			return fmt.Errorf("%w: cannot start a %s record", transfer.ErrInvalidState, rec.Status)
		case transfer.StatusFailed:
			// The staged data was removed when it failed.
			rec.ResetProgress()
			o.estimator.Remove(id)
		}

		rec.WasManuallyPaused = false
		o.start(ctx, id, false, false)
		o.touch(rec)

		return nil
	})
}

// Pause stops the backend of a record and keeps its partial data. Pausing a
// paused record changes nothing.
func (o *Orchestrator) Pause(ctx context.Context, id string) error {
	return o.do(ctx, "pause", func(ctx context.Context) error {
		rec, err := o.record(id)
		if err != nil {
			return err
		}

		switch rec.Status {
		case transfer.StatusPaused:
			return nil
		case transfer.StatusDownloading, transfer.StatusWaiting:
		default:
			return fmt.Errorf("%w: cannot pause a %s record", transfer.ErrInvalidState, rec.Status)
		}

		rec.WasManuallyPaused = true
		rec.Status = transfer.StatusPaused
		rec.StatusText = textPaused
		rec.InstantSpeed = 0
		rec.SmoothedSpeed = 0
		rec.UploadSpeed = 0
		rec.RemainingTime = speed.Unknown
		rec.IsResuming = false
		rec.ResumingSince = time.Time{}
		o.touch(rec)

		o.dropPending(id)
		o.stopRun(id, nil)

		o.logger(ctx, rec).Info("record paused", "progress", rec.Progress)
		o.persist(ctx)

		return nil
	})
}

// Resume restarts a paused record where it left off.
func (o *Orchestrator) Resume(ctx context.Context, id string) error {
	return o.do(ctx, "resume", func(ctx context.Context) error {
		rec, err := o.record(id)
		if err != nil {
			return err
		}

		switch rec.Status {
		case transfer.StatusDownloading, transfer.StatusWaiting:
			return nil
		case transfer.StatusPaused, transfer.StatusFailed:
		default:
			return fmt.Errorf("%w: cannot resume a %s record", transfer.ErrInvalidState, rec.Status)
		}

		if rec.Status == transfer.StatusFailed {
			rec.ResetProgress()
			o.estimator.Remove(id)
		}

		now := o.now()
		rec.WasManuallyPaused = false
		rec.IsResuming = true
		rec.ResumingSince = now
		rec.FailureReason = ""
		rec.StatusText = textResuming
		o.touch(rec)

		o.logger(ctx, rec).Info("resuming record", "progress", rec.Progress, "downloaded", rec.DownloadedSize)
		o.start(ctx, id, true, false)

		return nil
	})
}

// Cancel stops a record for good and removes its staged data.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	return o.do(ctx, "cancel", func(ctx context.Context) error {
		rec, err := o.record(id)
		if err != nil {
			return err
		}

		switch rec.Status {
		case transfer.StatusCancelled:
			return nil
		case transfer.StatusCompleted:
			return fmt.Errorf("%w: cannot cancel a completed record", transfer.ErrInvalidState)
		}

		o.cancel(ctx, rec)
		o.persist(ctx)

		return nil
	})
}

// Delete forgets a record and removes its staged data. A committed file is kept.
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	return o.do(ctx, "delete", func(ctx context.Context) error {
		rec, err := o.record(id)
		if err != nil {
			return err
		}

		o.dropPending(id)

		dir := staging.Dir(rec.SavePath, rec.ID)
		cleanup := func() { o.cleanupStaging(ctx, rec, dir) }

		if !o.stopRun(id, cleanup) {
			cleanup()
		}

		delete(o.records, id)
		o.order = slices.DeleteFunc(o.order, func(v string) bool { return v == id })
		o.estimator.Remove(id)

		o.logger(ctx, rec).Info("record deleted")
		o.persist(ctx)

		return nil
	})
}

// Restart discards all progress and staged data and downloads from scratch.
// It is the only operation that lowers progress.
func (o *Orchestrator) Restart(ctx context.Context, id string) error {
	return o.do(ctx, "restart", func(ctx context.Context) error {
		if _, err := o.record(id); err != nil {
			return err
		}

		o.dropPending(id)

		restart := func() {
			rec, ok := o.records[id]
			if !ok {
				return
			}

			o.cleanupStaging(ctx, rec, staging.Dir(rec.SavePath, rec.ID))
			rec.ResetProgress()
			rec.WasManuallyPaused = false
			rec.Status = transfer.StatusWaiting
			o.estimator.Remove(id)
			o.touch(rec)

			o.logger(ctx, rec).Info("restarting record from scratch")
			o.start(ctx, id, false, true)
		}

		if !o.stopRun(id, restart) {
			restart()
		}

		return nil
	})
}

// Get returns a snapshot of one record.
func (o *Orchestrator) Get(ctx context.Context, id string) (transfer.Record, error) {
	var out transfer.Record

	err := o.do(ctx, "get", func(context.Context) error {
		rec, err := o.record(id)
		if err != nil {
			return err
		}

		out = *rec.Clone()

		return nil
	})

	return out, err
}

// List returns snapshots of every record in insertion order.
func (o *Orchestrator) List(ctx context.Context) ([]transfer.Record, error) {
	var out []transfer.Record

	err := o.do(ctx, "list", func(context.Context) error {
		out = make([]transfer.Record, 0, len(o.order))
		for _, id := range o.order {
			out = append(out, *o.records[id].Clone())
		}

		return nil
	})

	return out, err
}

// ConnectivityLost freezes the display of every running record without
// touching its status.
func (o *Orchestrator) ConnectivityLost(ctx context.Context) {
	o.submit(func() { o.connectivityLost(ctx) })
}

// ConnectivityRestored marks running records as resuming and restarts those
// whose backend cannot recover on its own.
func (o *Orchestrator) ConnectivityRestored(ctx context.Context) {
	o.submit(func() { o.connectivityRestored(ctx) })
}

// Restore loads the persisted records. Records that were downloading when
// the process ended are started again unless they were paused by the user.
func (o *Orchestrator) Restore(ctx context.Context) error {
	recs, err := o.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load records: %w", err)
	}

	return o.do(ctx, "restore", func(ctx context.Context) error {
		var resume []string

		for i := range recs {
			rec := recs[i].Clone()
			if _, ok := o.records[rec.ID]; ok {
				continue
			}

			rec.IsResuming = false
			rec.ResumingSince = time.Time{}
			rec.DisconnectSnapshot = nil
			rec.InstantSpeed = 0
			rec.SmoothedSpeed = 0

			switch rec.Status {
			case transfer.StatusDownloading:
				if rec.WasManuallyPaused {
					rec.Status = transfer.StatusPaused
					rec.StatusText = textPaused
				} else {
					rec.Status = transfer.StatusWaiting
					rec.StatusText = textQueued
					resume = append(resume, rec.ID)
				}
			case transfer.StatusWaiting:
				resume = append(resume, rec.ID)
			}

			o.records[rec.ID] = rec
			o.order = append(o.order, rec.ID)
		}

		for _, id := range resume {
			o.start(ctx, id, true, false)
		}

		o.dirty = true

		logctx.LoggerFromContext(ctx).Info("records restored", "count", len(recs), "resumed", len(resume))

		return nil
	})
}
