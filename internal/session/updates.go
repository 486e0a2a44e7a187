package session

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/transferd/internal/logctx"
	"github.com/italolelis/transferd/internal/progress"
	"github.com/italolelis/transferd/internal/speed"
	"github.com/italolelis/transferd/internal/transfer"
)

// applyUpdate folds one parser update into the record. Known values are only
// overwritten by fields the update carries, and progress never goes down.
func (o *Orchestrator) applyUpdate(ctx context.Context, id string, gen int, u progress.Update) {
	r, ok := o.runs[id]
	if !ok || r.gen != gen || r.stopping {
		return
	}

	rec, ok := o.records[id]
	if !ok || rec.Status != transfer.StatusDownloading {
		return
	}

	now := o.now()

	if u.TotalBytes != nil && *u.TotalBytes > 0 {
		rec.FileSize = *u.TotalBytes
	}

	if u.DownloadedBytes != nil {
		raw := *u.DownloadedBytes
		if delta := raw - r.raw; delta > 0 {
			o.telemetry.RecordBytes(ctx, string(rec.Kind), delta)
			r.grew = now
		}

		r.raw = raw
		o.estimator.Observe(id, raw, now)

		if raw > rec.DownloadedSize {
			rec.DownloadedSize = raw
		}
	}

	next := -1.0

	switch {
	case u.Progress != nil:
		next = *u.Progress
	case u.DownloadedBytes != nil && rec.FileSize > 0:
		next = float64(*u.DownloadedBytes) / float64(rec.FileSize)
	}

	if next > rec.Progress && (!rec.IsResuming || o.guard.Allow(rec.Progress, next, rec.ResumingSince, now)) {
		rec.Progress = next
	}

	if u.Peers != nil {
		rec.PeerCount = *u.Peers
	}

	if u.Seeds != nil {
		rec.SeedCount = *u.Seeds
	}

	if o.online {
		if u.UploadSpeed != nil {
			rec.UploadSpeed = *u.UploadSpeed
		}

		switch {
		case u.Speed != nil:
			rec.InstantSpeed = *u.Speed
		case u.DownloadedBytes != nil:
			rec.InstantSpeed = o.estimator.Instant(id)
		}

		if smoothed := o.estimator.Speed(id); smoothed > 0 {
			rec.SmoothedSpeed = smoothed
		} else if u.Speed != nil {
			rec.SmoothedSpeed = *u.Speed
		}

		switch {
		case rec.FileSize > 0 && rec.SmoothedSpeed > 0:
			rec.RemainingTime = speed.RemainingTime(rec.FileSize, rec.DownloadedSize, rec.SmoothedSpeed)
		case u.ETA != nil:
			rec.RemainingTime = *u.ETA
		}

		switch {
		case u.Phase != "":
			rec.StatusText = u.Phase
		case u.DownloadedBytes != nil || u.Progress != nil:
			rec.StatusText = progressText(rec)
		}
	}

	rec.ClampProgress()
	o.touch(rec)
}

func progressText(rec *transfer.Record) string {
	switch {
	case rec.FileSize > 0:
		return humanize.IBytes(uint64(rec.DownloadedSize)) + " of " + humanize.IBytes(uint64(rec.FileSize))
	case rec.DownloadedSize > 0:
		return humanize.IBytes(uint64(rec.DownloadedSize))
	}

	return "Downloading"
}

// tick recomputes the speed of every running record, closes expired resume
// guards and persists when something changed.
func (o *Orchestrator) tick(now time.Time) {
	ctx := o.ctx

	if o.online {
		for id, r := range o.runs {
			rec, ok := o.records[id]
			if !ok || r.stopping || r.task == nil || rec.Status != transfer.StatusDownloading {
				continue
			}

			smoothed := o.estimator.Observe(id, r.raw, now)
			if smoothed == rec.SmoothedSpeed {
				continue
			}

			// Until the estimator has samples the parser speed stands, unless
			// the counter has stalled.
			if smoothed == 0 && now.Sub(r.grew) < o.estimator.Stall {
				continue
			}

			rec.SmoothedSpeed = smoothed
			rec.InstantSpeed = o.estimator.Instant(id)

			if rec.FileSize > 0 {
				rec.RemainingTime = speed.RemainingTime(rec.FileSize, rec.DownloadedSize, smoothed)
			}

			o.touch(rec)
		}
	}

	for _, rec := range o.records {
		if rec.IsResuming && !o.guard.Active(rec.ResumingSince, now) {
			rec.IsResuming = false
			rec.ResumingSince = time.Time{}
			rec.DisconnectSnapshot = nil
			o.touch(rec)
		}
	}

	if o.dirty && now.Sub(o.lastPersist) >= o.cfg.PersistInterval {
		o.persist(ctx)
	}
}

func (o *Orchestrator) connectivityLost(ctx context.Context) {
	if !o.online {
		return
	}

	o.online = false
	o.telemetry.SetNetworkOnline(ctx, false)

	now := o.now()
	affected := 0

	for _, rec := range o.records {
		switch rec.Status {
		case transfer.StatusDownloading:
			rec.DisconnectSnapshot = &transfer.Snapshot{Speed: rec.SmoothedSpeed, Progress: rec.Progress, Timestamp: now}
			rec.InstantSpeed = 0
			rec.SmoothedSpeed = 0
			rec.UploadSpeed = 0
			rec.RemainingTime = speed.Unknown
			rec.StatusText = textOffline
			o.touch(rec)

			affected++
		case transfer.StatusWaiting:
			if _, ok := o.retries[rec.ID]; ok {
				rec.StatusText = textOffline
				o.touch(rec)
			}
		}
	}

	logctx.LoggerFromContext(ctx).Warn("connectivity lost", "downloading", affected)
}

func (o *Orchestrator) connectivityRestored(ctx context.Context) {
	if o.online {
		return
	}

	o.online = true
	o.telemetry.SetNetworkOnline(ctx, true)

	now := o.now()
	restarted := 0

	for id, rec := range o.records {
		if rec.Status != transfer.StatusDownloading {
			continue
		}

		rec.IsResuming = true
		rec.ResumingSince = now
		rec.StatusText = textResuming
		o.touch(rec)

		r, ok := o.runs[id]
		if !ok {
			continue
		}

		o.estimator.Reset(id, r.raw, now)

		if r.adapter.SelfRetries() && !taskDone(r) {
			continue
		}

		restarted++

		o.stopRun(id, func() { o.start(ctx, id, true, false) })
	}

	for id, timer := range o.retries {
		timer.Stop()
		delete(o.retries, id)

		o.start(ctx, id, true, false)
	}

	logctx.LoggerFromContext(ctx).Info("connectivity restored", "restarted", restarted)
}

func taskDone(r *run) bool {
	if r.task == nil {
		return false
	}

	select {
	case <-r.task.Done():
		return true
	default:
		return false
	}
}
