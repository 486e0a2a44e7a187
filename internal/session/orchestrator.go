// Package session owns the lifecycle of every transfer record. All record
// state is mutated by a single goroutine; public methods and backend
// callbacks submit closures to it.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/italolelis/transferd/internal/backend"
	"github.com/italolelis/transferd/internal/logctx"
	"github.com/italolelis/transferd/internal/speed"
	"github.com/italolelis/transferd/internal/staging"
	"github.com/italolelis/transferd/internal/storage"
	"github.com/italolelis/transferd/internal/telemetry"
	"github.com/italolelis/transferd/internal/transfer"
)

// ErrClosed is returned once Run has returned.
var ErrClosed = errors.New("orchestrator is shut down")

const (
	textConnecting = "Connecting…"
	textQueued     = "Queued"
	textPaused     = "Paused"
	textCancelled  = "Cancelled"
	textCompleted  = "Completed"
	textRetrying   = "Retrying…"
	textOffline    = "Waiting for network…"
	textResuming   = "Resuming…"
	textDeciding   = "Waiting for decision"

	eventBuffer = 16
	opsBuffer   = 256
)

// Config tunes the orchestrator. Zero values fall back to the defaults.
type Config struct {
	MaxConcurrent int
	// Connections is the chunk count given to new normal records.
	Connections int
	RetryDelay  time.Duration
	// MaxTransientRetries bounds transient retries while the network is up.
	// Zero means unbounded.
	MaxTransientRetries int
	Grace               time.Duration
	TickInterval        time.Duration
	ResumeGuard         time.Duration
	// ResumeMaxJump is the largest progress step accepted inside the resume guard window.
	ResumeMaxJump   float64
	PersistInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 16
	}

	if c.Connections <= 0 {
		c.Connections = backend.DefaultConnections
	}

	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Second
	}

	if c.Grace <= 0 {
		c.Grace = backend.DefaultGrace
	}

	if c.TickInterval <= 0 {
		c.TickInterval = 500 * time.Millisecond
	}

	if c.ResumeGuard <= 0 {
		c.ResumeGuard = 3 * time.Second
	}

	if c.ResumeMaxJump <= 0 {
		c.ResumeMaxJump = 0.25
	}

	if c.PersistInterval <= 0 {
		c.PersistInterval = 5 * time.Second
	}

	return c
}

// Decider is the UI collaborator asked what to do with data already on disk
// when a start was not an automatic resume.
type Decider interface {
	DecideExisting(ctx context.Context, rec transfer.Record, probe staging.ProbeResult, suggested staging.Action) (staging.Action, error)
}

// Services are the collaborators injected into the orchestrator.
type Services struct {
	Store     storage.Store
	Estimator *speed.Estimator
	// Decider may be nil, in which case the suggested action is taken.
	Decider   Decider
	Telemetry *telemetry.Telemetry
	Now       func() time.Time
}

// run is the live backend task of one record.
type run struct {
	gen     int
	adapter backend.Adapter
	task    *backend.Task
	started time.Time
	// stopping is set before the task is signalled so that its exit is not
	// mistaken for a completion or a failure.
	stopping bool
	// after runs in the funnel once a stopping task has exited.
	after func()
	// raw is the last byte counter reported by the backend.
	raw int64
	// grew is when raw last increased.
	grew time.Time
}

type queued struct {
	id    string
	auto  bool
	force bool
}

// Orchestrator is the only writer of record state.
type Orchestrator struct {
	cfg       Config
	adapters  map[transfer.Kind]backend.Adapter
	store     storage.Store
	estimator *speed.Estimator
	guard     speed.Guard
	decider   Decider
	telemetry *telemetry.Telemetry
	now       func() time.Time

	ops  chan func()
	done chan struct{}

	// Everything below is owned by the Run goroutine.
	ctx         context.Context
	records     map[string]*transfer.Record
	order       []string
	runs        map[string]*run
	queue       []queued
	retries     map[string]*time.Timer
	pending     map[string]int
	online      bool
	dirty       bool
	lastPersist time.Time
	nextGen     int
	nextToken   int

	OnRecordCompleted chan transfer.Record
	OnRecordFailed    chan transfer.Record
}

// New creates an orchestrator with one adapter per record kind.
func New(cfg Config, svc Services, adapters ...backend.Adapter) *Orchestrator {
	cfg = cfg.withDefaults()

	if svc.Store == nil {
		svc.Store = storage.NewMemory()
	}

	if svc.Estimator == nil {
		svc.Estimator = speed.NewEstimator(0, 0)
	}

	if svc.Now == nil {
		svc.Now = time.Now
	}

	o := &Orchestrator{
		cfg:               cfg,
		adapters:          make(map[transfer.Kind]backend.Adapter, len(adapters)),
		store:             svc.Store,
		estimator:         svc.Estimator,
		guard:             speed.Guard{Window: cfg.ResumeGuard, MaxJump: cfg.ResumeMaxJump},
		decider:           svc.Decider,
		telemetry:         svc.Telemetry,
		now:               svc.Now,
		ops:               make(chan func(), opsBuffer),
		done:              make(chan struct{}),
		ctx:               context.Background(),
		records:           make(map[string]*transfer.Record),
		runs:              make(map[string]*run),
		retries:           make(map[string]*time.Timer),
		pending:           make(map[string]int),
		online:            true,
		OnRecordCompleted: make(chan transfer.Record, eventBuffer),
		OnRecordFailed:    make(chan transfer.Record, eventBuffer),
	}

	for _, a := range adapters {
		o.adapters[a.Kind()] = a
	}

	return o
}

// Run is the funnel loop. It returns once ctx is cancelled and every running
// backend has been stopped and the records persisted.
func (o *Orchestrator) Run(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)
	logger.Info("session orchestrator started", "max_concurrent", o.cfg.MaxConcurrent)

	o.ctx = ctx
	o.lastPersist = o.now()

	ticker := time.NewTicker(o.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.shutdown(ctx)
			logger.Info("session orchestrator stopped")

			return
		case fn := <-o.ops:
			fn()
		case <-ticker.C:
			o.tick(o.now())
		}
	}
}

// Done is closed when Run has returned.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

func (o *Orchestrator) shutdown(ctx context.Context) {
	var tasks []*backend.Task

	for _, r := range o.runs {
		r.stopping = true
		r.after = nil

		if r.task != nil {
			r.task.Stop(o.cfg.Grace)
			tasks = append(tasks, r.task)
		}
	}

	for id, timer := range o.retries {
		timer.Stop()
		delete(o.retries, id)
	}

	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*o.cfg.Grace+time.Second)
	defer cancel()

	for _, t := range tasks {
		if _, err := t.Wait(waitCtx); err != nil {
			logctx.LoggerFromContext(ctx).Warn("backend did not exit before shutdown", "err", err)

			break
		}
	}

	o.persist(context.WithoutCancel(ctx))

	close(o.done)
	close(o.OnRecordCompleted)
	close(o.OnRecordFailed)
}

// submit hands fn to the funnel. It reports false once the funnel is gone.
func (o *Orchestrator) submit(fn func()) bool {
	select {
	case <-o.done:
		return false
	default:
	}

	select {
	case o.ops <- fn:
		return true
	case <-o.done:
		return false
	}
}

// do runs fn in the funnel and waits for its result.
func (o *Orchestrator) do(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	return o.telemetry.InstrumentTransfer(ctx, operation, func(ctx context.Context) error {
		errc := make(chan error, 1)

		select {
		case o.ops <- func() { errc <- fn(ctx) }:
		case <-o.done:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}

		select {
		case err := <-errc:
			return err
		case <-o.done:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

func (o *Orchestrator) record(id string) (*transfer.Record, error) {
	rec, ok := o.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", transfer.ErrNotFound, id)
	}

	return rec, nil
}

func (o *Orchestrator) logger(ctx context.Context, rec *transfer.Record) *slog.Logger {
	return logctx.LoggerFromContext(ctx).With("record_id", rec.ID, "kind", rec.Kind)
}

func (o *Orchestrator) touch(rec *transfer.Record) {
	rec.UpdatedAt = o.now()
	o.dirty = true
}

// notify never blocks the funnel; slow consumers lose events.
func (o *Orchestrator) notify(ctx context.Context, ch chan transfer.Record, rec *transfer.Record) {
	select {
	case ch <- *rec.Clone():
	default:
		o.logger(ctx, rec).Warn("event dropped, no consumer ready", "status", rec.Status)
	}
}

func (o *Orchestrator) persist(ctx context.Context) {
	recs := make([]transfer.Record, 0, len(o.order))
	for _, id := range o.order {
		if rec, ok := o.records[id]; ok {
			recs = append(recs, *rec.Clone())
		}
	}

	// A request that triggered the write may already be gone.
	if err := o.store.Save(context.WithoutCancel(ctx), recs); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to persist records", "count", len(recs), "err", err)
		o.telemetry.RecordSystemError("session", "persist")

		return
	}

	o.dirty = false
	o.lastPersist = o.now()
}
