package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/italolelis/transferd/internal/backend"
	"github.com/italolelis/transferd/internal/progress"
	"github.com/italolelis/transferd/internal/speed"
	"github.com/italolelis/transferd/internal/staging"
	"github.com/italolelis/transferd/internal/transfer"
)

var errNoBackend = errors.New("no backend for this kind")

// start probes the disk and launches the backend of id. auto marks a start
// the user did not ask for directly; force skips the probe.
func (o *Orchestrator) start(ctx context.Context, id string, auto, force bool) {
	rec, ok := o.records[id]
	if !ok || rec.Status.IsTerminal() {
		return
	}

	if r, ok := o.runs[id]; ok {
		// The previous process is still winding down.
		r.after = func() { o.start(ctx, id, auto, force) }

		return
	}

	o.dropPending(id)

	adapter, ok := o.adapters[rec.Kind]
	if !ok {
		o.fail(ctx, rec, &transfer.ProcessError{Program: string(rec.Kind), ExitCode: -1, Err: errNoBackend})

		return
	}

	if force {
		o.launch(ctx, rec, adapter)

		return
	}

	probe := staging.Probe(rec.FinalPath(), staging.Dir(rec.SavePath, rec.ID), rec.FileSize)
	action, deferred := staging.Decide(probe, auto)

	o.logger(ctx, rec).Debug("probed existing data",
		"state", probe.State, "size", probe.Size, "staged", probe.Staged, "action", action, "deferred", deferred)

	if deferred && o.decider != nil {
		o.ask(ctx, rec, probe, action)

		return
	}

	o.apply(ctx, rec, adapter, probe, action)
}

// ask defers the probe decision to the UI. Only the latest question of a
// record is honoured.
func (o *Orchestrator) ask(ctx context.Context, rec *transfer.Record, probe staging.ProbeResult, suggested staging.Action) {
	o.nextToken++
	token := o.nextToken
	id := rec.ID
	o.pending[id] = token

	rec.Status = transfer.StatusWaiting
	rec.StatusText = textDeciding
	o.touch(rec)

	snapshot := *rec.Clone()
	askCtx := context.WithoutCancel(ctx)

	go func() {
		choice, err := o.decider.DecideExisting(askCtx, snapshot, probe, suggested)

		o.submit(func() {
			if o.pending[id] != token {
				return
			}

			delete(o.pending, id)

			rec, ok := o.records[id]
			if !ok || rec.Status.IsTerminal() {
				return
			}

			if err != nil {
				o.logger(ctx, rec).Warn("existing file decision failed, using the default", "action", suggested, "err", err)
				choice = suggested
			}

			adapter, ok := o.adapters[rec.Kind]
			if !ok {
				return
			}

			o.apply(ctx, rec, adapter, probe, choice)
		})
	}()
}

func (o *Orchestrator) apply(ctx context.Context, rec *transfer.Record, adapter backend.Adapter, probe staging.ProbeResult, action staging.Action) {
	logger := o.logger(ctx, rec)
	dir := staging.Dir(rec.SavePath, rec.ID)

	switch action {
	case staging.ActionSkip:
		o.completeExisting(ctx, rec, probe)
	case staging.ActionCancel:
		o.cancel(ctx, rec)
	case staging.ActionRedownload:
		o.cleanupStaging(ctx, rec, dir)

		if !probe.Staged {
			if err := os.RemoveAll(rec.FinalPath()); err != nil {
				o.fail(ctx, rec, &transfer.ResourceError{Path: rec.FinalPath(), Reason: "cannot remove existing file", Err: err})

				return
			}
		}

		rec.ResetProgress()
		o.estimator.Remove(rec.ID)
		o.launch(ctx, rec, adapter)
	case staging.ActionRedownloadNewName:
		o.cleanupStaging(ctx, rec, dir)

		name := staging.UniqueName(rec.SavePath, rec.FileName)
		logger.Info("existing file kept, downloading under a new name", "file_name", name)

		rec.FileName = name
		rec.ResetProgress()
		o.estimator.Remove(rec.ID)
		o.launch(ctx, rec, adapter)
	default:
		o.launch(ctx, rec, adapter)
	}
}

// launch hands the record to its backend, or queues it when every slot is taken.
func (o *Orchestrator) launch(ctx context.Context, rec *transfer.Record, adapter backend.Adapter) {
	if len(o.runs) >= o.cfg.MaxConcurrent {
		rec.Status = transfer.StatusWaiting
		rec.StatusText = textQueued
		o.touch(rec)

		if !slices.ContainsFunc(o.queue, func(q queued) bool { return q.id == rec.ID }) {
			o.queue = append(o.queue, queued{id: rec.ID, auto: true, force: true})
		}

		return
	}

	dir, err := staging.Ensure(rec.SavePath, rec.ID)
	if err != nil {
		o.fail(ctx, rec, err)

		return
	}

	now := o.now()
	o.nextGen++

	r := &run{gen: o.nextGen, adapter: adapter, started: now, raw: rec.DownloadedSize, grew: now}
	o.runs[rec.ID] = r
	o.telemetry.IncrementActiveTransfers(ctx)

	rec.Status = transfer.StatusDownloading
	rec.StatusText = textConnecting
	rec.FailureReason = ""
	rec.InstantSpeed = 0
	rec.SmoothedSpeed = 0
	rec.RemainingTime = speed.Unknown
	o.touch(rec)
	o.estimator.Reset(rec.ID, rec.DownloadedSize, now)

	req := backend.Request{
		ID:           rec.ID,
		URL:          rec.URL,
		FileName:     rec.FileName,
		StagingDir:   dir,
		Connections:  rec.ChunkCount,
		Headers:      rec.Headers,
		CookiesPath:  rec.CookiesPath,
		ExpectedSize: rec.FileSize,
		Media:        rec.Clone().Media,
		Torrent:      rec.Clone().Torrent,
	}

	id, gen := rec.ID, r.gen
	runCtx := o.ctx

	o.logger(ctx, rec).Info("starting backend", "file_name", rec.FileName, "staging_dir", dir, "gen", gen)

	onUpdate := func(u progress.Update) {
		o.submit(func() { o.applyUpdate(runCtx, id, gen, u) })
	}

	go func() {
		task, err := adapter.Start(runCtx, req, onUpdate)
		if !o.submit(func() { o.started(runCtx, id, gen, task, err) }) || err != nil {
			return
		}

		<-task.Done()

		res, _ := task.Wait(context.Background())
		o.submit(func() { o.exited(runCtx, id, gen, res) })
	}()
}

func (o *Orchestrator) started(ctx context.Context, id string, gen int, task *backend.Task, err error) {
	r, ok := o.runs[id]
	if !ok || r.gen != gen {
		if task != nil {
			task.Stop(o.cfg.Grace)
		}

		return
	}

	if err != nil {
		delete(o.runs, id)
		o.telemetry.DecrementActiveTransfers(ctx)

		if rec, ok := o.records[id]; ok && !r.stopping {
			o.failOrRetry(ctx, rec, transfer.Classify(err), err)
		} else if r.after != nil {
			r.after()
		}

		o.dequeue(ctx)

		return
	}

	r.task = task
	if r.stopping {
		task.Stop(o.cfg.Grace)
	}
}

func (o *Orchestrator) exited(ctx context.Context, id string, gen int, res backend.Result) {
	r, ok := o.runs[id]
	if !ok || r.gen != gen {
		return
	}

	delete(o.runs, id)
	o.telemetry.DecrementActiveTransfers(ctx)

	rec, exists := o.records[id]

	switch {
	case r.stopping || res.Stopped:
		if exists {
			o.logger(ctx, rec).Debug("backend stopped", "exit_code", res.ExitCode, "signaled", res.Signaled)
		}

		if r.after != nil {
			r.after()
		}
	case !exists:
	case res.Complete:
		o.commit(ctx, rec, r, res)
	default:
		class := r.adapter.Classify(res)

		err := res.Err
		if err == nil || class == transfer.ClassNone {
			class = transfer.ClassProcess
			err = &transfer.ProcessError{Program: string(rec.Kind), ExitCode: res.ExitCode, Err: errors.New("backend exited without a result")}
		}

		o.logger(ctx, rec).Warn("backend failed",
			"exit_code", res.ExitCode, "class", class, "err", res.Err, "stderr", res.Stderr)
		o.failOrRetry(ctx, rec, class, err)
	}

	o.dequeue(ctx)
}

// commit promotes the staged output and only then marks the record completed.
func (o *Orchestrator) commit(ctx context.Context, rec *transfer.Record, r *run, res backend.Result) {
	staged := res.Staged
	if staged == "" {
		staged = filepath.Join(staging.Dir(rec.SavePath, rec.ID), rec.FileName)
	}

	name := filepath.Base(staged)
	final := filepath.Join(rec.SavePath, name)

	if err := staging.Commit(ctx, staged, final); err != nil {
		o.fail(ctx, rec, err)

		return
	}

	rec.FileName = name
	o.markCompleted(ctx, rec, res.TotalBytes, r.started)
}

// completeExisting finishes a record whose data is already on disk without
// launching a backend.
func (o *Orchestrator) completeExisting(ctx context.Context, rec *transfer.Record, probe staging.ProbeResult) {
	if probe.Staged {
		if err := staging.Commit(ctx, probe.Path, rec.FinalPath()); err != nil {
			o.fail(ctx, rec, err)

			return
		}
	}

	o.logger(ctx, rec).Info("data already complete, skipping download", "size", probe.Size)
	o.markCompleted(ctx, rec, probe.Size, o.now())
}

func (o *Orchestrator) markCompleted(ctx context.Context, rec *transfer.Record, size int64, since time.Time) {
	now := o.now()

	if size > 0 {
		rec.FileSize = size
	}

	rec.DownloadedSize = rec.FileSize
	rec.Progress = 1
	rec.Status = transfer.StatusCompleted
	rec.StatusText = textCompleted
	rec.FailureReason = ""
	rec.InstantSpeed = 0
	rec.SmoothedSpeed = 0
	rec.UploadSpeed = 0
	rec.RemainingTime = speed.FormatDuration(0)
	rec.RetryCount = 0
	rec.WasManuallyPaused = false
	rec.IsResuming = false
	rec.ResumingSince = time.Time{}
	rec.DisconnectSnapshot = nil
	rec.CompletedAt = now
	o.touch(rec)

	o.cleanupStaging(ctx, rec, staging.Dir(rec.SavePath, rec.ID))
	o.estimator.Remove(rec.ID)

	o.logger(ctx, rec).Info("record completed", "final", rec.FinalPath(), "size", rec.FileSize)
	o.telemetry.RecordTransferFinished(ctx, string(rec.Kind), string(transfer.StatusCompleted), now.Sub(since))
	o.notify(ctx, o.OnRecordCompleted, rec)
	o.persist(ctx)
}

// failOrRetry retries transient failures and fails everything else. While
// offline transient failures are retried without limit.
func (o *Orchestrator) failOrRetry(ctx context.Context, rec *transfer.Record, class transfer.Class, err error) {
	if !class.Retryable() {
		o.fail(ctx, rec, err)

		return
	}

	rec.RetryCount++
	o.telemetry.RecordRetry(ctx, string(rec.Kind), class.String())

	if o.online && o.cfg.MaxTransientRetries > 0 && rec.RetryCount > o.cfg.MaxTransientRetries {
		o.fail(ctx, rec, err)

		return
	}

	rec.Status = transfer.StatusWaiting
	rec.StatusText = textRetrying
	if !o.online {
		rec.StatusText = textOffline
	}

	rec.InstantSpeed = 0
	rec.SmoothedSpeed = 0
	rec.RemainingTime = speed.Unknown
	o.touch(rec)

	o.logger(ctx, rec).Info("transient failure, retrying",
		"retry", rec.RetryCount, "delay", o.cfg.RetryDelay, "online", o.online, "err", err)

	o.scheduleRetry(ctx, rec.ID)
}

func (o *Orchestrator) scheduleRetry(ctx context.Context, id string) {
	if old, ok := o.retries[id]; ok {
		old.Stop()
	}

	var timer *time.Timer

	timer = time.AfterFunc(o.cfg.RetryDelay, func() {
		o.submit(func() {
			if o.retries[id] != timer {
				return
			}

			delete(o.retries, id)
			o.start(ctx, id, true, false)
		})
	})

	o.retries[id] = timer
}

func (o *Orchestrator) fail(ctx context.Context, rec *transfer.Record, err error) {
	reason := transfer.Reason(err)

	rec.Status = transfer.StatusFailed
	rec.FailureReason = reason
	rec.StatusText = reason
	rec.InstantSpeed = 0
	rec.SmoothedSpeed = 0
	rec.UploadSpeed = 0
	rec.RemainingTime = speed.Unknown
	rec.IsResuming = false
	rec.ResumingSince = time.Time{}
	o.touch(rec)

	o.cleanupStaging(ctx, rec, staging.Dir(rec.SavePath, rec.ID))
	o.estimator.Remove(rec.ID)

	o.logger(ctx, rec).Error("record failed", "reason", reason, "class", transfer.Classify(err), "err", err)
	o.telemetry.RecordTransferFinished(ctx, string(rec.Kind), string(transfer.StatusFailed), o.now().Sub(rec.CreatedAt))
	o.notify(ctx, o.OnRecordFailed, rec)
	o.persist(ctx)
}

func (o *Orchestrator) cancel(ctx context.Context, rec *transfer.Record) {
	o.dropPending(rec.ID)

	rec.Status = transfer.StatusCancelled
	rec.StatusText = textCancelled
	rec.InstantSpeed = 0
	rec.SmoothedSpeed = 0
	rec.UploadSpeed = 0
	rec.RemainingTime = speed.Unknown
	rec.IsResuming = false
	o.touch(rec)

	dir := staging.Dir(rec.SavePath, rec.ID)
	cleanup := func() { o.cleanupStaging(ctx, rec, dir) }

	if !o.stopRun(rec.ID, cleanup) {
		cleanup()
	}

	o.estimator.Remove(rec.ID)
	o.logger(ctx, rec).Info("record cancelled")
}

// stopRun marks the live run of id as stopping and signals it. after runs
// once the process has exited. It reports whether a run was live.
func (o *Orchestrator) stopRun(id string, after func()) bool {
	r, ok := o.runs[id]
	if !ok {
		return false
	}

	r.after = after

	if r.stopping {
		return true
	}

	r.stopping = true
	if r.task != nil {
		r.task.Stop(o.cfg.Grace)
	}

	return true
}

// dropPending forgets queued starts, retry timers and open decisions of id.
func (o *Orchestrator) dropPending(id string) {
	o.queue = slices.DeleteFunc(o.queue, func(q queued) bool { return q.id == id })

	if timer, ok := o.retries[id]; ok {
		timer.Stop()
		delete(o.retries, id)
	}

	delete(o.pending, id)
}

func (o *Orchestrator) dequeue(ctx context.Context) {
	for len(o.runs) < o.cfg.MaxConcurrent && len(o.queue) > 0 {
		q := o.queue[0]
		o.queue = o.queue[1:]

		rec, ok := o.records[q.id]
		if !ok || rec.Status != transfer.StatusWaiting {
			continue
		}

		o.start(ctx, q.id, q.auto, q.force)
	}
}

func (o *Orchestrator) cleanupStaging(ctx context.Context, rec *transfer.Record, dir string) {
	if err := staging.Cleanup(dir); err != nil {
		o.logger(ctx, rec).Warn("failed to remove staging directory", "dir", dir, "err", err)
	}
}
