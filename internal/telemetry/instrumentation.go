package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Span attributes must stay low cardinality: record ids, URLs and file names
// belong in logs, not in attributes.

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

// InstrumentOperation instruments a generic operation with a span.
func (t *Telemetry) InstrumentOperation(ctx context.Context, operationName, component string, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	start := time.Now()
	ctx, span := t.tracer.Start(ctx, operationName)

	defer span.End()

	span.SetAttributes(
		attribute.String("component", component),
		attribute.String("operation", operationName),
	)

	err := fn(ctx)
	duration := time.Since(start)

	status := "success"
	if err != nil {
		status = "error"

		span.SetAttributes(attribute.Bool("error", true))
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		attribute.String("status", status),
		attribute.Float64("duration_seconds", duration.Seconds()),
	)

	return err
}

// InstrumentDBOperation instruments database operations.
func (t *Telemetry) InstrumentDBOperation(ctx context.Context, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()
	err := t.InstrumentOperation(ctx, "db_"+operation, "database", fn)
	duration := time.Since(start)

	status := "success"
	if err != nil {
		status = "error"
	}

	t.RecordDBOperation(operation, status, duration)

	return err
}

// InstrumentBackendStart instruments the launch of a backend task.
func (t *Telemetry) InstrumentBackendStart(ctx context.Context, backend string, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	err := t.InstrumentOperation(ctx, "backend_start", "backend", func(ctx context.Context) error {
		ctx, span := t.tracer.Start(ctx, "backend_"+backend)
		defer span.End()

		span.SetAttributes(attribute.String("backend.type", backend))

		return fn(ctx)
	})

	if err != nil {
		t.RecordBackendRun(ctx, backend, "spawn_error", 0)
	}

	return err
}

// InstrumentTransfer instruments a lifecycle operation on a record.
func (t *Telemetry) InstrumentTransfer(ctx context.Context, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	err := t.InstrumentOperation(ctx, "transfer_"+operation, "session", fn)

	status := "success"
	if err != nil {
		status = "error"
	}

	t.RecordTransfer(ctx, operation, status)

	return err
}

// InstrumentControlMessage instruments one control plane message.
func (t *Telemetry) InstrumentControlMessage(ctx context.Context, msgType string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	err := t.InstrumentOperation(ctx, "control_"+msgType, "control_plane", fn)

	status := "success"
	if err != nil {
		status = "error"
	}

	t.RecordControlMessage(ctx, msgType, status)

	return err
}
