// Package extract unpacks downloaded archives into shapefile layers with a
// detected source encoding.
package extract

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/withObsrvr/ksj-ingest/internal/logging"
)

var (
	// ErrExtraction marks a corrupt archive or an unsupported compression method.
	ErrExtraction = errors.New("extraction failed")

	// ErrUnsupportedEncoding is returned only after both the declared charset
	// and heuristic detection failed.
	ErrUnsupportedEncoding = errors.New("unsupported text encoding")

	// ErrPasswordRequired is returned for encrypted entries when no password
	// is configured.
	ErrPasswordRequired = errors.New("encrypted entry and no archive password configured")

	// ErrAuthentication is returned when an encrypted entry fails the password
	// check or its authentication code.
	ErrAuthentication = errors.New("encrypted entry failed authentication")
)

// Layer is one shapefile extracted from an archive together with its
// sidecar files.
type Layer struct {
	Name         string   `json:"name"`
	Archive      string   `json:"archive"`
	Shapefile    string   `json:"shapefile"`
	Files        []string `json:"files"`
	GeometryType string   `json:"geometry_type,omitempty"`
	Encoding     string   `json:"encoding"`

	// EncodingSource says how Encoding was chosen: cpg, ldid, heuristic or default.
	EncodingSource string `json:"encoding_source,omitempty"`

	Fields   []string `json:"fields"`
	RowCount int      `json:"row_count"`
}

// Path returns the sidecar of the layer with the given extension (".dbf").
func (l Layer) Path(ext string) string {
	return strings.TrimSuffix(l.Shapefile, filepath.Ext(l.Shapefile)) + ext
}

// Empty reports whether the layer has no data rows.
func (l Layer) Empty() bool {
	return l.RowCount == 0
}

// Config configures an Extractor.
type Config struct {
	// Password decrypts AES entries. It is read from the environment, never
	// from the config file.
	Password string `yaml:"-"`

	// MaxDepth bounds nested archive recursion (default: 4).
	MaxDepth int `yaml:"max_depth"`
}

// Extractor unpacks archives.
type Extractor struct {
	cfg Config
	log *slog.Logger
}

// New creates an Extractor.
func New(cfg Config) *Extractor {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 4
	}
	return &Extractor{cfg: cfg, log: logging.Component("extract")}
}

// Extract unpacks the entries of archive matching any of matchers into dir
// and returns one Layer per shapefile found, sorted by path. Nested archives
// are traversed. Layers are never merged.
func (x *Extractor) Extract(ctx context.Context, archive, dir string, matchers []*regexp.Regexp) ([]Layer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create extraction directory: %w", err)
	}

	var files []string
	if err := x.walk(ctx, archive, dir, matchers, 0, &files); err != nil {
		return nil, err
	}

	layers := groupLayers(archive, files)
	for i := range layers {
		if err := inspect(&layers[i]); err != nil {
			return nil, err
		}
	}

	x.log.Debug("archive extracted", "archive", archive, "files", len(files), "layers", len(layers))
	return layers, nil
}

func (x *Extractor) walk(ctx context.Context, archive, dir string, matchers []*regexp.Regexp, depth int, out *[]string) error {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return fmt.Errorf("%w: open %s: %w", ErrExtraction, filepath.Base(archive), err)
	}
	defer zr.Close()
	registerDecompressors(&zr.Reader)
	enc := &encryptedArchive{path: archive}
	defer enc.Close()

	for i, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			continue
		}

		name, err := entryName(f)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrExtraction, filepath.Base(archive), err)
		}

		if strings.EqualFold(path.Ext(name), ".zip") {
			if depth+1 > x.cfg.MaxDepth {
				x.log.Warn("nested archive too deep, skipping", "archive", archive, "entry", name)
				continue
			}
			if err := x.walkNested(ctx, enc, i, f, name, dir, matchers, depth, out); err != nil {
				return err
			}
			continue
		}

		if !matchAny(matchers, name) {
			continue
		}

		target, err := safeJoin(dir, normalizeExt(name))
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrExtraction, filepath.Base(archive), err)
		}
		if err := x.writeEntry(enc, i, f, target); err != nil {
			return fmt.Errorf("%w: %s: entry %s: %w", ErrExtraction, filepath.Base(archive), name, err)
		}
		*out = append(*out, target)
	}
	return nil
}

func (x *Extractor) walkNested(ctx context.Context, enc *encryptedArchive, index int, f *zip.File, name, dir string, matchers []*regexp.Regexp, depth int, out *[]string) error {
	tmp, err := os.CreateTemp(dir, ".nested-*.zip")
	if err != nil {
		return fmt.Errorf("create temp file for nested archive: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	rc, err := x.open(enc, index, f)
	if err == nil {
		_, err = io.Copy(tmp, rc)
		if cerr := rc.Close(); err == nil {
			err = cerr
		}
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("%w: nested archive %s: %w", ErrExtraction, name, err)
	}

	nestedDir, err := safeJoin(dir, strings.TrimSuffix(name, path.Ext(name)))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrExtraction, err)
	}
	return x.walk(ctx, tmpPath, nestedDir, matchers, depth+1, out)
}

func (x *Extractor) writeEntry(enc *encryptedArchive, index int, f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	rc, err := x.open(enc, index, f)
	if err != nil {
		return err
	}
	defer rc.Close()

	w, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, rc); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func matchAny(matchers []*regexp.Regexp, name string) bool {
	for _, m := range matchers {
		if m.MatchString(name) {
			return true
		}
	}
	return false
}

// normalizeExt lowercases the extension so sidecars are found by readers
// that derive their names from the .shp path.
func normalizeExt(name string) string {
	ext := path.Ext(name)
	return strings.TrimSuffix(name, ext) + strings.ToLower(ext)
}

// safeJoin joins an archive entry name onto dir, rejecting names that would
// escape it.
func safeJoin(dir, name string) (string, error) {
	slashed := strings.ReplaceAll(name, `\`, "/")
	if path.IsAbs(slashed) || filepath.VolumeName(slashed) != "" {
		return "", fmt.Errorf("entry %q has an absolute path", name)
	}
	clean := path.Clean(slashed)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("entry %q escapes the extraction directory", name)
	}
	return filepath.Join(dir, filepath.FromSlash(clean)), nil
}

// groupLayers groups extracted files by stem into one layer per .shp.
func groupLayers(archive string, files []string) []Layer {
	byStem := make(map[string][]string)
	for _, f := range files {
		stem := strings.TrimSuffix(f, filepath.Ext(f))
		byStem[stem] = append(byStem[stem], f)
	}

	var layers []Layer
	for stem, group := range byStem {
		shp := stem + ".shp"
		found := false
		for _, f := range group {
			if f == shp {
				found = true
				break
			}
		}
		if !found {
			continue
		}
		sort.Strings(group)
		layers = append(layers, Layer{
			Name:      filepath.Base(stem),
			Archive:   archive,
			Shapefile: shp,
			Files:     group,
		})
	}
	sort.Slice(layers, func(i, j int) bool { return layers[i].Shapefile < layers[j].Shapefile })
	return layers
}
