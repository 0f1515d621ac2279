package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/withObsrvr/ksj-ingest/internal/audit"
	"github.com/withObsrvr/ksj-ingest/internal/convert"
	"github.com/withObsrvr/ksj-ingest/internal/download"
	"github.com/withObsrvr/ksj-ingest/internal/extract"
	"github.com/withObsrvr/ksj-ingest/internal/ledger"
	"github.com/withObsrvr/ksj-ingest/internal/mapping"
	"github.com/withObsrvr/ksj-ingest/internal/metadata"
	"github.com/withObsrvr/ksj-ingest/internal/metrics"
	"github.com/withObsrvr/ksj-ingest/internal/storage"
)

const schemasFile = "schemas.json"

// workDir is the per-pair directory under root.
func workDir(root, dataset, variant string) string {
	return filepath.Join(root, safeName(dataset), safeName(variant))
}

// archivePath is where a part is downloaded. Archives are shared between
// variants that reference the same URL; the URL digest keeps parts with
// equal file names apart.
func archivePath(root, rawURL string) string {
	name := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		name = path.Base(u.Path)
	}
	sum := sha256.Sum256([]byte(rawURL))
	return filepath.Join(root, "archives", hex.EncodeToString(sum[:6])+"_"+safeName(name))
}

func safeName(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, s)
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}

// run is the state of one pair's pipeline.
type run struct {
	o     *Orchestrator
	job   job
	entry ledger.Entry
	dir   string
	log   *slog.Logger

	// attempted is the stage being worked on.
	attempted ledger.Stage

	archives []string
	layers   []extract.Layer
	schemas  []mapping.Schema
}

// execute runs the stages the ledger has not recorded yet. Stages already
// recorded load their outputs from the work directory instead.
func (r *run) execute(ctx context.Context) (convert.Result, error) {
	steps := []struct {
		stage ledger.Stage
		do    func(context.Context) error
	}{
		{ledger.StageDownloaded, r.download},
		{ledger.StageExtracted, r.extract},
		{ledger.StageMapped, r.mapLayers},
	}
	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return convert.Result{}, err
		}
		r.attempted = s.stage
		start := time.Now()
		if err := s.do(ctx); err != nil {
			return convert.Result{}, err
		}
		if m := metrics.Get(); m != nil {
			m.ObserveStage(s.stage.String(), time.Since(start).Seconds())
		}
	}

	if err := ctx.Err(); err != nil {
		return convert.Result{}, err
	}
	r.attempted = ledger.StageConverted
	return r.convert(ctx)
}

// done asks the ledger whether stage is already recorded for the pair.
func (r *run) done(ctx context.Context, stage ledger.Stage) (bool, error) {
	skip, err := r.o.deps.Ledger.ShouldSkip(ctx, r.job.desc.ID, r.job.variant.ID, stage)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrLedger, err)
	}
	return skip, nil
}

func (r *run) advance(ctx context.Context, stage ledger.Stage, detail string, warnings ...string) error {
	e, err := r.o.deps.Ledger.Advance(ctx, r.job.desc.ID, r.job.variant.ID, stage, detail, warnings...)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLedger, err)
	}
	r.entry = e
	r.log.Debug("stage complete", "stage", stage, "detail", detail)
	return nil
}

func (r *run) download(ctx context.Context) error {
	parts := r.job.variant.Parts
	if len(parts) == 0 {
		return errors.New("variant has no archives")
	}

	tasks := make([]download.Task, len(parts))
	r.archives = make([]string, len(parts))
	for i, p := range parts {
		dest := archivePath(r.o.cfg.WorkDir, p.URL)
		tasks[i] = download.Task{ID: strconv.Itoa(i), URL: p.URL, Dest: dest, ExpectedSize: p.Size}
		r.archives[i] = dest
	}
	if skip, err := r.done(ctx, ledger.StageDownloaded); err != nil || skip {
		return err
	}

	n := int64(len(tasks))
	if limit := int64(r.o.cfg.Downloads); n > limit {
		n = limit
	}
	if err := r.o.slots.Acquire(ctx, n); err != nil {
		return err
	}
	defer r.o.slots.Release(n)

	var (
		size  int64
		first error
	)
	// Drain every result so no transfer outlives the stage.
	for res := range r.o.deps.Downloads.Fetch(ctx, tasks, int(n)) {
		if res.Outcome.OK() {
			size += res.Outcome.Size
			continue
		}
		if first == nil {
			first = fmt.Errorf("download %s: %w", res.Task.URL, res.Outcome.Err)
		}
	}
	if first != nil {
		return first
	}
	return r.advance(ctx, ledger.StageDownloaded, fmt.Sprintf("%d archive(s), %d bytes", len(tasks), size))
}

func (r *run) extract(ctx context.Context) error {
	dir := filepath.Join(r.dir, "extracted")
	skip, err := r.done(ctx, ledger.StageExtracted)
	if err != nil {
		return err
	}
	if skip {
		layers, err := extract.LoadManifest(dir)
		if err == nil {
			r.layers = layers
			return nil
		}
		if !errors.Is(err, extract.ErrNoManifest) {
			return err
		}
		r.log.Warn("extraction manifest missing, extracting again")
	}

	matchers, err := r.job.variant.Matchers()
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clear extraction directory: %w", err)
	}

	r.layers = nil
	for _, a := range r.archives {
		sub := filepath.Join(dir, strings.TrimSuffix(filepath.Base(a), filepath.Ext(a)))
		layers, err := r.o.deps.Extractor.Extract(ctx, a, sub, matchers)
		if err != nil {
			return fmt.Errorf("extract %s: %w", filepath.Base(a), err)
		}
		r.layers = append(r.layers, layers...)
	}
	if len(r.layers) == 0 {
		return fmt.Errorf("%w: no layer matching %v in %d archive(s)", extract.ErrExtraction, r.job.variant.ShapefileHint, len(r.archives))
	}
	if err := extract.WriteManifest(dir, r.archives, r.layers); err != nil {
		return fmt.Errorf("write extraction manifest: %w", err)
	}
	return r.advance(ctx, ledger.StageExtracted, fmt.Sprintf("%d layer(s)", len(r.layers)))
}

func (r *run) mapLayers(ctx context.Context) error {
	file := filepath.Join(r.dir, schemasFile)
	skip, err := r.done(ctx, ledger.StageMapped)
	if err != nil {
		return err
	}
	if skip {
		schemas, err := mapping.LoadSchemas(file)
		if err == nil && len(schemas) == len(r.layers) {
			r.schemas = schemas
			return nil
		}
		if err != nil && !errors.Is(err, mapping.ErrNoSchema) {
			return err
		}
		r.log.Warn("saved schemas missing, mapping again")
	}

	r.schemas = make([]mapping.Schema, 0, len(r.layers))
	var warnings []string
	for _, l := range r.layers {
		s, err := r.o.deps.Mapper.Map(l, r.job.desc)
		if err != nil {
			return err
		}
		s.Variant = r.job.variant.ID
		r.schemas = append(r.schemas, s)
		warnings = append(warnings, s.Warnings()...)
	}
	if err := mapping.SaveSchemas(file, r.schemas); err != nil {
		return fmt.Errorf("save schemas: %w", err)
	}
	return r.advance(ctx, ledger.StageMapped, fmt.Sprintf("%d schema(s)", len(r.schemas)), warnings...)
}

// request pairs layers with their schemas by layer name.
func (r *run) request() convert.Request {
	byLayer := make(map[string]mapping.Schema, len(r.schemas))
	for _, s := range r.schemas {
		byLayer[s.Layer] = s
	}
	req := convert.Request{Descriptor: r.job.desc, Variant: r.job.variant.ID}
	for _, l := range r.layers {
		req.Layers = append(req.Layers, convert.Layer{Layer: l, Schema: byLayer[l.Name]})
	}
	return req
}

func (r *run) convert(ctx context.Context) (convert.Result, error) {
	sink := r.o.cfg.Sink
	req := r.request()
	res, err := r.o.deps.Dispatcher.Convert(ctx, req, sink)
	if err != nil {
		return convert.Result{}, err
	}

	dest := convert.Destination(sink, req)
	var manifest *storage.Manifest
	if store := r.o.deps.Store; store != nil && len(res.Files) > 0 {
		ref := storage.OutputRef{Dataset: r.job.desc.ID, Variant: r.job.variant.ID, Format: sink.Format}
		producer := storage.ProducerInfo{Name: "ksj-ingest", Version: Version, RunID: r.o.deps.RunID}
		manifest, err = storage.Publish(ctx, store, ref, res.Files, res.Warnings, producer)
		if err != nil {
			return convert.Result{}, fmt.Errorf("publish: %w", err)
		}
		dest = "published:" + ref.DirPath("")
	}

	warnings := r.recordMetadata(ctx, res)
	warnings = append(warnings, r.emitAudit(ctx, res, dest, manifest)...)
	res.Warnings = append(res.Warnings, warnings...)

	if err := r.advance(ctx, ledger.StageConverted, dest, res.Warnings...); err != nil {
		return convert.Result{}, err
	}
	return res, nil
}

// recordMetadata writes the dataset row and the conversion lineage. Its
// failures do not undo a conversion and are returned as warnings.
func (r *run) recordMetadata(ctx context.Context, res convert.Result) []string {
	meta := r.o.deps.Metadata
	var warnings []string

	rec, err := metadata.NewDatasetRecord(r.job.desc)
	if err == nil {
		err = meta.UpsertDataset(ctx, rec)
	}
	if err != nil {
		r.log.Warn("failed to record dataset metadata", "error", err)
		warnings = append(warnings, "metadata: "+err.Error())
	}

	err = meta.RecordConversion(ctx, metadata.ConversionRecord{
		Identifier:  r.job.desc.ID,
		Variant:     r.job.variant.ID,
		Table:       res.Table,
		Layers:      res.Layers,
		RowCount:    res.Rows,
		Warnings:    res.Warnings,
		RunID:       r.o.deps.RunID,
		ConvertedAt: time.Now().UTC(),
		Columns:     res.Columns,
	})
	if err != nil {
		r.log.Warn("failed to record conversion", "error", err)
		warnings = append(warnings, "metadata: "+err.Error())
	}
	return warnings
}

// emitAudit records the conversion in the audit trail. Like metadata, its
// failures are returned as warnings.
func (r *run) emitAudit(ctx context.Context, res convert.Result, dest string, manifest *storage.Manifest) []string {
	evt := &audit.Event{
		Output: audit.OutputInfo{
			Dataset:        r.job.desc.ID,
			Variant:        r.job.variant.ID,
			CatalogVersion: r.job.desc.Version,
			License:        r.job.desc.License.String(),
			Format:         r.o.cfg.Sink.Format,
			Destination:    dest,
			RowCount:       res.Rows,
		},
		Layers:   make(map[string]audit.LayerInfo),
		Warnings: res.Warnings,
		Producer: audit.ProducerInfo{Name: "ksj-ingest", Version: Version, RunID: r.o.deps.RunID},
	}
	switch {
	case manifest != nil:
		ref := storage.OutputRef{Dataset: r.job.desc.ID, Variant: r.job.variant.ID, Format: r.o.cfg.Sink.Format}
		for layer, fi := range manifest.Layers {
			evt.Layers[layer] = audit.LayerInfo{
				Checksum:    fi.Checksum,
				RowCount:    fi.RowCount,
				ByteSize:    fi.ByteSize,
				StoragePath: ref.Path("", fi.File),
			}
		}
	case len(res.Files) > 0:
		for _, f := range res.Files {
			evt.Layers[f.Layer] = audit.LayerInfo{RowCount: f.RowCount, StoragePath: f.Path}
		}
	default:
		key := res.Table
		if key == "" {
			key = r.job.variant.ID
		}
		evt.Layers[key] = audit.LayerInfo{RowCount: res.Rows}
	}

	if err := r.o.deps.Audit.Emit(ctx, evt); err != nil {
		r.log.Warn("failed to emit audit event", "error", err)
		return []string{"audit: " + err.Error()}
	}
	return nil
}
