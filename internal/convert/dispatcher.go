package convert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/withObsrvr/ksj-ingest/internal/logging"
	"github.com/withObsrvr/ksj-ingest/internal/mapping"
	"github.com/withObsrvr/ksj-ingest/internal/metrics"
)

// Dispatcher routes requests to the engine for the sink format and never
// runs two conversions against the same destination at once.
type Dispatcher struct {
	engines  map[string]Engine
	fallback Engine
	log      *slog.Logger

	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewDispatcher creates a Dispatcher. engines is keyed by format name
// (case-insensitive); fallback handles every other format.
func NewDispatcher(engines map[string]Engine, fallback Engine) *Dispatcher {
	d := &Dispatcher{
		engines:  make(map[string]Engine, len(engines)),
		fallback: fallback,
		log:      logging.Component("convert"),
		locks:    make(map[string]chan struct{}),
	}
	for format, e := range engines {
		d.engines[strings.ToLower(format)] = e
	}
	return d
}

// Engine returns the engine for format.
func (d *Dispatcher) Engine(format string) (Engine, error) {
	if e, ok := d.engines[strings.ToLower(format)]; ok {
		return e, nil
	}
	if d.fallback == nil {
		return nil, fmt.Errorf("%w: no engine for format %q", ErrConversionFailure, format)
	}
	return d.fallback, nil
}

// Convert converts req into sink. The schema findings of every layer are
// added to the result's warnings. Engine errors are returned as *Failure.
func (d *Dispatcher) Convert(ctx context.Context, req Request, sink Sink) (Result, error) {
	engine, err := d.Engine(sink.Format)
	if err != nil {
		return Result{}, err
	}

	dest := Destination(sink, req)
	release, err := d.lock(ctx, dest)
	if err != nil {
		return Result{}, err
	}
	defer release()

	log := d.log.With("dataset", req.Descriptor.ID, "variant", req.Variant, "engine", engine.Name(), "destination", dest)
	log.Debug("converting", "layers", len(req.Layers))
	start := time.Now()

	res, err := engine.Convert(ctx, req, sink)
	if m := metrics.Get(); m != nil {
		m.ObserveStage("convert", time.Since(start).Seconds())
	}
	if err != nil {
		var f *Failure
		if !errors.As(err, &f) && ctx.Err() == nil {
			err = &Failure{Engine: engine.Name(), Reason: err.Error(), Err: err}
		}
		return Result{}, fmt.Errorf("convert %s/%s: %w", req.Descriptor.ID, req.Variant, err)
	}

	var warnings []string
	schemas := make([]mapping.Schema, 0, len(req.Layers))
	for _, l := range req.Layers {
		warnings = append(warnings, l.Schema.Warnings()...)
		schemas = append(schemas, l.Schema)
	}
	res.Warnings = append(warnings, res.Warnings...)
	if res.Columns == nil {
		res.Columns = mapping.ColumnInfos(schemas...)
	}
	res.Engine = engine.Name()
	if m := metrics.Get(); m != nil {
		m.ObserveConvertedRows(sink.Format, int(res.Rows))
	}

	log.Info("converted", "layers", res.Layers, "rows", res.Rows, "warnings", len(res.Warnings), "duration", time.Since(start).String())
	return res, nil
}

// lock acquires the destination's lock or returns when ctx is done.
func (d *Dispatcher) lock(ctx context.Context, dest string) (func(), error) {
	d.mu.Lock()
	ch, ok := d.locks[dest]
	if !ok {
		ch = make(chan struct{}, 1)
		d.locks[dest] = ch
	}
	d.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
