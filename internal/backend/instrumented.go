package backend

import (
	"context"
	"time"

	"github.com/italolelis/transferd/internal/telemetry"
	"github.com/italolelis/transferd/internal/transfer"
)

// InstrumentedAdapter wraps an Adapter with telemetry.
type InstrumentedAdapter struct {
	adapter   Adapter
	telemetry *telemetry.Telemetry
}

// NewInstrumentedAdapter creates a new instrumented adapter.
func NewInstrumentedAdapter(adapter Adapter, tel *telemetry.Telemetry) *InstrumentedAdapter {
	return &InstrumentedAdapter{
		adapter:   adapter,
		telemetry: tel,
	}
}

func (a *InstrumentedAdapter) Kind() transfer.Kind {
	return a.adapter.Kind()
}

func (a *InstrumentedAdapter) SelfRetries() bool {
	return a.adapter.SelfRetries()
}

func (a *InstrumentedAdapter) Classify(res Result) transfer.Class {
	return a.adapter.Classify(res)
}

// Start starts the wrapped adapter inside a span and records the run outcome
// once the task finishes.
func (a *InstrumentedAdapter) Start(ctx context.Context, req Request, onUpdate UpdateFunc) (*Task, error) {
	var task *Task

	backend := string(a.adapter.Kind())
	start := time.Now()

	err := a.telemetry.InstrumentBackendStart(ctx, backend, func(ctx context.Context) error {
		var err error

		task, err = a.adapter.Start(ctx, req, onUpdate)

		return err
	})
	if err != nil {
		return nil, err
	}

	go func() {
		<-task.Done()

		res := task.result
		a.telemetry.RecordBackendRun(context.WithoutCancel(ctx), backend, a.outcome(res), time.Since(start))
	}()

	return task, nil
}

func (a *InstrumentedAdapter) outcome(res Result) string {
	switch {
	case res.Stopped:
		return "stopped"
	case res.Complete:
		return "success"
	}

	return a.adapter.Classify(res).String()
}
