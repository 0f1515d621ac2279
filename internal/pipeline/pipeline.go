// Package pipeline drives (dataset, variant) pairs through download,
// extraction, schema mapping and conversion.
//
// Pairs run concurrently on a bounded worker pool; the stages of one pair
// run in order. The ledger is consulted before each stage, so a rerun
// resumes at the first incomplete stage, and is advanced after each one.
// A failure is recorded against its own pair and never stops the others.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/withObsrvr/ksj-ingest/internal/audit"
	"github.com/withObsrvr/ksj-ingest/internal/catalog"
	"github.com/withObsrvr/ksj-ingest/internal/convert"
	"github.com/withObsrvr/ksj-ingest/internal/download"
	"github.com/withObsrvr/ksj-ingest/internal/extract"
	"github.com/withObsrvr/ksj-ingest/internal/filter"
	"github.com/withObsrvr/ksj-ingest/internal/ledger"
	"github.com/withObsrvr/ksj-ingest/internal/logging"
	"github.com/withObsrvr/ksj-ingest/internal/mapping"
	"github.com/withObsrvr/ksj-ingest/internal/metadata"
	"github.com/withObsrvr/ksj-ingest/internal/metrics"
	"github.com/withObsrvr/ksj-ingest/internal/storage"
)

// Version is stamped on published manifests (set via ldflags).
var Version = "v0.1.0"

// ErrLedger marks a ledger read or write failure. It aborts the run: without
// the ledger, progress can no longer be recorded.
var ErrLedger = errors.New("ledger failure")

// Config configures an Orchestrator.
type Config struct {
	// WorkDir holds archives, extracted layers and resolved schemas.
	WorkDir string

	// Workers bounds concurrent pipelines (default: CPU count).
	Workers int

	// Downloads bounds in-flight downloads across pipelines (default: Workers).
	Downloads int

	// SkipIfExists reports a pair as done when its destination table or
	// published output already exists.
	SkipIfExists bool

	Sink   convert.Sink
	Filter filter.Policy
}

// Deps are the collaborators of an Orchestrator. Store, Metadata and Audit
// are optional.
type Deps struct {
	Ledger     *ledger.Ledger
	Downloads  *download.Manager
	Extractor  *extract.Extractor
	Mapper     *mapping.Mapper
	Dispatcher *convert.Dispatcher
	Store      storage.OutputStore
	Metadata   metadata.Writer
	Audit      audit.Emitter

	// RunID identifies the run in logs, ledger entries and manifests.
	RunID string
}

// Orchestrator runs the pipeline for every variant of a catalog snapshot.
type Orchestrator struct {
	cfg   Config
	deps  Deps
	slots *semaphore.Weighted
	log   *slog.Logger
}

// New creates an Orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Ledger == nil || deps.Downloads == nil || deps.Extractor == nil || deps.Mapper == nil || deps.Dispatcher == nil {
		return nil, errors.New("pipeline: ledger, download manager, extractor, mapper and dispatcher are required")
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = "./tmp"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.Downloads <= 0 {
		cfg.Downloads = cfg.Workers
	}
	if deps.Metadata == nil {
		deps.Metadata, _ = metadata.NewWriter(context.Background(), metadata.Config{})
	}
	if deps.Audit == nil {
		deps.Audit, _ = audit.NewEmitter(audit.Config{})
	}
	if deps.RunID == "" {
		deps.RunID = logging.NewRunID()
	}
	return &Orchestrator{
		cfg:   cfg,
		deps:  deps,
		slots: semaphore.NewWeighted(int64(cfg.Downloads)),
		log:   logging.Component("pipeline"),
	}, nil
}

// RunID returns the identifier of the orchestrator's run.
func (o *Orchestrator) RunID() string {
	return o.deps.RunID
}

// job is one (dataset, variant) pair. desc is narrowed to the variant.
type job struct {
	desc    catalog.DatasetDescriptor
	variant catalog.Variant
}

func jobs(snap *catalog.Snapshot) []job {
	var out []job
	for _, d := range snap.Descriptors {
		for _, v := range d.Variants {
			desc, _ := d.ForVariant(v.ID)
			out = append(out, job{desc: desc, variant: v})
		}
	}
	return out
}

// Run processes every variant of snap. It returns an error only when the
// ledger fails or ctx is cancelled; per-pair failures are in the report.
// On cancellation no new pipelines start and running ones stop at their
// current stage, keeping partial downloads for the next run.
func (o *Orchestrator) Run(ctx context.Context, snap *catalog.Snapshot) (*Report, error) {
	report := newReport(o.deps.RunID)
	for _, m := range snap.Malformed {
		report.Malformed = append(report.Malformed, m.Error())
	}
	for _, u := range snap.Unavailable {
		report.Unavailable = append(report.Unavailable, u.Error())
	}

	work := jobs(snap)
	mtr := metrics.Get()
	if mtr != nil {
		mtr.QueuedPipelines.Set(float64(len(work)))
	}

	o.log.Info("starting run",
		"run_id", o.deps.RunID,
		"pipelines", len(work),
		"workers", o.cfg.Workers,
		"downloads", o.cfg.Downloads,
		"sink", o.cfg.Sink.Format,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Workers)
	for _, j := range work {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if mtr != nil {
				mtr.QueuedPipelines.Dec()
			}
			out, err := o.process(gctx, j)
			if err != nil {
				return err
			}
			report.add(out)
			if mtr != nil && !out.Interrupted {
				mtr.IncPipeline(string(out.Status))
			}
			return nil
		})
	}
	err := g.Wait()
	report.Finished = time.Now()

	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		o.log.Error("run stopped", "run_id", o.deps.RunID, "error", err, "summary", report.Summary())
		return report, err
	}
	o.log.Info("run complete", "run_id", o.deps.RunID, "summary", report.Summary(),
		"duration", report.Finished.Sub(report.Started).String())
	return report, nil
}

// process runs one pair. The returned error is fatal to the run.
func (o *Orchestrator) process(ctx context.Context, j job) (Outcome, error) {
	start := time.Now()
	d, v := j.desc.ID, j.variant.ID
	log := logging.DatasetLogger(logging.WithCorrelationID(ctx, logging.GenerateCorrelationID()), o.deps.RunID, d, v)
	out := Outcome{Dataset: d, Variant: v}

	entry, err := o.deps.Ledger.Get(ctx, d, v)
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrLedger, err)
	}
	out.Stage = entry.Stage

	decision := filter.IsEligible(j.desc, j.variant, entry, o.cfg.Filter)
	switch decision.Verdict {
	case filter.Filtered:
		if _, err := o.deps.Ledger.MarkFiltered(ctx, d, v, decision.Reason); err != nil {
			return out, fmt.Errorf("%w: %v", ErrLedger, err)
		}
		log.Info("skipped", "reason", decision.Reason)
		out.Status, out.Reason = StatusFiltered, decision.Reason
		return out, nil
	case filter.Done:
		log.Debug("skipped", "reason", decision.Reason)
		out.Status, out.Reason, out.Warnings = StatusDone, decision.Reason, entry.Warnings
		out.Destination = entry.Detail
		return out, nil
	case filter.Failed:
		log.Info("previously failed, not retried", "reason", decision.Reason)
		out.Status, out.Reason = StatusFailed, decision.Reason
		out.Stage = entry.Failure.Stage
		return out, nil
	}

	// Failed pairs and forced reruns start over from pending.
	force := o.cfg.Filter.Force || o.deps.Ledger.Force()
	if entry.Failed() || (force && entry.Stage > ledger.StagePending) {
		if entry, err = o.deps.Ledger.Reset(ctx, d, v); err != nil {
			return out, fmt.Errorf("%w: %v", ErrLedger, err)
		}
		log.Info("reset to pending", "retries", entry.Retries)
	}

	if o.cfg.SkipIfExists && !force {
		exists, dest, err := o.destinationExists(ctx, j)
		if err != nil {
			log.Warn("could not check destination", "error", err)
		} else if exists {
			if _, err := o.deps.Ledger.Advance(ctx, d, v, ledger.StageConverted, dest); err != nil {
				return out, fmt.Errorf("%w: %v", ErrLedger, err)
			}
			log.Info("skipped", "reason", "destination exists", "destination", dest)
			out.Status, out.Reason, out.Stage, out.Destination = StatusDone, "destination exists", ledger.StageConverted, dest
			return out, nil
		}
	}

	r := &run{o: o, job: j, entry: entry, dir: workDir(o.cfg.WorkDir, d, v), log: log}
	res, err := r.execute(ctx)
	out.Duration = time.Since(start)
	if err != nil {
		if errors.Is(err, ErrLedger) {
			return out, err
		}
		out.Status, out.Stage = StatusFailed, r.attempted
		if ctx.Err() != nil {
			out.Reason, out.Interrupted = "interrupted", true
			log.Info("interrupted", "stage", r.attempted)
			return out, nil
		}
		out.Reason = err.Error()
		if _, lerr := o.deps.Ledger.MarkFailed(ctx, d, v, r.attempted, out.Reason); lerr != nil {
			return out, fmt.Errorf("%w: %v", ErrLedger, lerr)
		}
		log.Error("pipeline failed", "stage", r.attempted, "error", err)
		return out, nil
	}

	out.Stage = ledger.StageConverted
	out.Destination = r.entry.Detail
	out.Rows = res.Rows
	out.Warnings = res.Warnings
	out.Status = StatusConverted
	if len(res.Warnings) > 0 {
		out.Status = StatusConvertedWithWarnings
	}
	log.Info("pipeline complete", "status", out.Status, "rows", res.Rows, "warnings", len(res.Warnings), "duration", out.Duration.String())
	return out, nil
}

// destinationExists checks the database table, or the published manifest
// for file sinks.
func (o *Orchestrator) destinationExists(ctx context.Context, j job) (bool, string, error) {
	if o.cfg.Sink.IsDatabase() {
		table := convert.TableName(j.variant.ID)
		ok, err := o.deps.Metadata.TableExists(ctx, table)
		return ok, "pg:" + table, err
	}
	if o.deps.Store == nil {
		return false, "", nil
	}
	ref := storage.OutputRef{Dataset: j.desc.ID, Variant: j.variant.ID, Format: o.cfg.Sink.Format}
	ok, err := o.deps.Store.Exists(ctx, ref)
	return ok, "published:" + ref.DirPath(""), err
}
