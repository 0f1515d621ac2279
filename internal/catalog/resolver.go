package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/ksj-ingest/internal/logging"
)

// Options tunes resolution.
type Options struct {
	// Year selects the dataset version and files covering this year.
	// Zero picks the most recent version and the newest files.
	Year int

	// Concurrency bounds parallel descriptor fetches (default: 4).
	Concurrency int

	// Now is the clock used for the snapshot timestamp.
	Now func() time.Time
}

// Resolver builds catalog snapshots from a Source.
type Resolver struct {
	src  Source
	opts Options
	log  *slog.Logger
}

// NewResolver creates a resolver over the given source.
func NewResolver(src Source, opts Options) *Resolver {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Resolver{src: src, opts: opts, log: logging.Component("catalog")}
}

// Resolve fetches every descriptor. It fails when the dataset list cannot
// be obtained, or when no descriptor resolved because the source stopped
// answering. Descriptors that cannot be parsed are reported in
// Snapshot.Malformed, those whose documents could not be fetched in
// Snapshot.Unavailable.
func (r *Resolver) Resolve(ctx context.Context) (*Snapshot, error) {
	body, err := r.src.Fetch(ctx, "datasets.json")
	if err != nil {
		if errors.Is(err, ErrUnavailable) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("fetch dataset list: %w", err)
		}
		return nil, fmt.Errorf("fetch dataset list: %w: %v", ErrUnavailable, err)
	}

	var items []apiDatasetItem
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("%w: decode dataset list: %v", ErrUnavailable, err)
	}

	var (
		mu    sync.Mutex
		snap  = &Snapshot{FetchedAt: r.opts.Now()}
		seen  = make(map[string]bool, len(items))
		group errgroup.Group
	)
	group.SetLimit(r.opts.Concurrency)

	for _, item := range items {
		if item.ID == "" {
			snap.Malformed = append(snap.Malformed, &MalformedError{DatasetID: "?", Err: errors.New("missing identifier")})
			continue
		}
		if seen[item.ID] {
			snap.Malformed = append(snap.Malformed, &MalformedError{DatasetID: item.ID, Err: errors.New("duplicate identifier")})
			continue
		}
		seen[item.ID] = true

		group.Go(func() error {
			desc, err := r.resolveOne(ctx, item)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				r.log.Warn("skipping descriptor", "dataset", item.ID, "error", err)
				if errors.Is(err, ErrUnavailable) {
					snap.Unavailable = append(snap.Unavailable, &UnavailableError{DatasetID: item.ID, Err: err})
				} else {
					snap.Malformed = append(snap.Malformed, &MalformedError{DatasetID: item.ID, Err: err})
				}
				return nil
			}
			snap.Descriptors = append(snap.Descriptors, desc)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(snap.Descriptors, func(i, j int) bool { return snap.Descriptors[i].ID < snap.Descriptors[j].ID })
	sort.Slice(snap.Malformed, func(i, j int) bool { return snap.Malformed[i].DatasetID < snap.Malformed[j].DatasetID })
	sort.Slice(snap.Unavailable, func(i, j int) bool { return snap.Unavailable[i].DatasetID < snap.Unavailable[j].DatasetID })

	if len(snap.Descriptors) == 0 && len(snap.Unavailable) > 0 {
		return nil, fmt.Errorf("%w: none of %d descriptor(s) could be fetched: %v", ErrUnavailable, len(items), snap.Unavailable[0].Err)
	}

	r.log.Info("catalog resolved", "descriptors", len(snap.Descriptors), "malformed", len(snap.Malformed), "unavailable", len(snap.Unavailable))
	return snap, nil
}

func (r *Resolver) fetchJSON(ctx context.Context, path string, v any) error {
	body, err := r.src.Fetch(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (r *Resolver) resolveOne(ctx context.Context, item apiDatasetItem) (DatasetDescriptor, error) {
	id := url.PathEscape(item.ID)

	var detail apiDatasetDetail
	if err := r.fetchJSON(ctx, "datasets/"+id+".json", &detail); err != nil {
		return DatasetDescriptor{}, err
	}
	version, err := selectVersion(detail.Versions, r.opts.Year)
	if err != nil {
		return DatasetDescriptor{}, err
	}

	var vd apiVersionDetail
	if err := r.fetchJSON(ctx, "datasets/"+id+"/"+url.PathEscape(version.ID)+".json", &vd); err != nil {
		return DatasetDescriptor{}, err
	}
	return buildDescriptor(item, detail, version, vd, r.opts.Year)
}

// buildDescriptor assembles a descriptor from the three API documents.
func buildDescriptor(item apiDatasetItem, detail apiDatasetDetail, version apiVersion, vd apiVersionDetail, year int) (DatasetDescriptor, error) {
	usage := firstNonEmpty(item.License, item.Usage, detail.Usage)
	desc := DatasetDescriptor{
		ID:          item.ID,
		Name:        FormatName(item.Name),
		Description: item.Description,
		License:     ClassifyUsage(usage),
		Usage:       usage,
		SourceURL:   firstNonEmpty(version.SourceURL, item.SourceURL),
		Version:     version.ID,
		PrimaryKey:  vd.PrimaryKey,
	}
	for _, c := range []string{item.Category1, item.Category2} {
		if c != "" {
			desc.Category = append(desc.Category, c)
		}
	}

	parts := selectFiles(vd.Files, year)

	if len(vd.Variants) == 0 {
		if len(parts) == 0 {
			return DatasetDescriptor{}, errors.New("no downloadable files")
		}
		desc.Variants = []Variant{{ID: item.ID, Name: desc.Name, Parts: parts}}
		return desc, nil
	}

	ids := make(map[string]bool)
	for _, av := range vd.Variants {
		base := Variant{
			ID:            firstNonEmpty(av.Identifier, item.ID),
			Name:          firstNonEmpty(FormatName(av.Name), desc.Name),
			GeometryType:  firstNonEmpty(av.GeometryType, av.GeometryDescription),
			ShapefileHint: SplitShapefileHint(av.ShapefileHint),
			Columns:       buildColumns(av.Attributes),
			Parts:         parts,
		}
		for _, h := range base.ShapefileHint {
			if _, err := CompileShapefileMatcher(h); err != nil {
				return DatasetDescriptor{}, err
			}
		}

		expanded := []Variant{base}
		if av.URLTemplate != "" {
			var err error
			expanded, err = expandTemplate(base, av.URLTemplate, av.Parameters)
			if err != nil {
				return DatasetDescriptor{}, fmt.Errorf("variant %s: %w", base.ID, err)
			}
		}

		for _, v := range expanded {
			for _, sv := range splitMedicalAreas(item.ID, v) {
				if len(sv.Parts) == 0 {
					return DatasetDescriptor{}, fmt.Errorf("variant %s: no downloadable files", sv.ID)
				}
				if ids[sv.ID] {
					return DatasetDescriptor{}, fmt.Errorf("duplicate variant identifier %s", sv.ID)
				}
				ids[sv.ID] = true
				desc.Variants = append(desc.Variants, sv)
				desc.Columns = mergeColumns(desc.Columns, sv.Columns)
			}
		}
	}
	return desc, nil
}

// mergeColumns appends columns whose raw names are not yet declared.
func mergeColumns(dst, src []ColumnSpec) []ColumnSpec {
	have := make(map[string]bool, len(dst))
	for _, c := range dst {
		have[c.RawName] = true
	}
	for _, c := range src {
		if !have[c.RawName] {
			have[c.RawName] = true
			dst = append(dst, c)
		}
	}
	return dst
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
