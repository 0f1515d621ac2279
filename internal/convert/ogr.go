package convert

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/withObsrvr/ksj-ingest/internal/catalog"
	"github.com/withObsrvr/ksj-ingest/internal/storage"
)

// Runner runs an external command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// OGREngine converts layers with GDAL's ogr2ogr. Each layer is exposed
// through a generated VRT that renames and types its fields.
type OGREngine struct {
	Binary string
	Run    Runner
}

// NewOGREngine creates an engine running binary ("ogr2ogr" when empty).
func NewOGREngine(binary string) *OGREngine {
	if binary == "" {
		binary = "ogr2ogr"
	}
	return &OGREngine{Binary: binary, Run: execRunner}
}

func (e *OGREngine) Name() string { return "ogr2ogr" }

// Convert runs ogr2ogr once per layer. For PostgreSQL all layers of the
// variant go to one table: the first overwrites it, the rest append. File
// drivers get one file per layer. Empty layers are skipped with a warning.
func (e *OGREngine) Convert(ctx context.Context, req Request, sink Sink) (Result, error) {
	res := Result{}
	if sink.IsDatabase() {
		res.Table = req.Table()
	}

	written := 0
	for _, in := range req.Layers {
		if in.Layer.Empty() {
			res.Warnings = append(res.Warnings, fmt.Sprintf("layer %s: no features, not converted", in.Layer.Name))
			continue
		}

		vrtPath := in.Layer.Path(".vrt")
		if err := writeVRT(vrtPath, in); err != nil {
			return Result{}, &Failure{Engine: e.Name(), Layer: in.Layer.Name, Reason: "write vrt", Err: err}
		}

		var args []string
		var file string
		if sink.IsDatabase() {
			args = e.databaseArgs(sink, vrtPath, in.Layer.Name, res.Table, written == 0)
		} else {
			dir := OutputDir(sink, req)
			if err := os.MkdirAll(dir, 0755); err != nil {
				return Result{}, fmt.Errorf("create output directory: %w", err)
			}
			file = filepath.Join(dir, in.Layer.Name+driverExt(sink.Format))
			args = e.fileArgs(sink, vrtPath, in.Layer.Name, file)
		}

		out, err := e.Run(ctx, e.Binary, args...)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			return Result{}, &Failure{Engine: e.Name(), Layer: in.Layer.Name, Reason: reason(out, err), Err: err}
		}

		written++
		res.Layers++
		res.Rows += int64(in.Layer.RowCount)
		if file != "" {
			res.Files = append(res.Files, storage.LayerFile{Layer: in.Layer.Name, Path: file, RowCount: int64(in.Layer.RowCount)})
		}
	}
	return res, nil
}

func (e *OGREngine) databaseArgs(sink Sink, vrt, layer, table string, first bool) []string {
	args := []string{
		"-f", "PostgreSQL", "PG:" + sink.DSN,
		vrt, layer,
		"-nln", table,
		"-lco", "GEOM_TYPE=geometry",
		"-lco", "GEOMETRY_NAME=geom",
		"-lco", "FID=ogc_fid",
		"-nlt", "PROMOTE_TO_MULTI",
		"--config", "PG_USE_COPY", "YES",
	}
	if sink.Schema != "" {
		args = append(args, "-lco", "SCHEMA="+sink.Schema)
	}
	if first {
		return append(args, "-overwrite")
	}
	return append(args, "-append", "-update")
}

func (e *OGREngine) fileArgs(sink Sink, vrt, layer, file string) []string {
	return []string{
		"-f", sink.Format, file,
		vrt, layer,
		"-nln", layer,
		"-nlt", "PROMOTE_TO_MULTI",
		"-overwrite",
	}
}

// reason extracts the last error line of ogr2ogr's output.
func reason(out []byte, err error) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return err.Error()
}

func driverExt(format string) string {
	switch strings.ToLower(format) {
	case "gpkg":
		return ".gpkg"
	case "flatgeobuf":
		return ".fgb"
	case "geojson":
		return ".geojson"
	case "geojsonseq":
		return ".geojsonl"
	case "esri shapefile":
		return ".shp"
	case "csv":
		return ".csv"
	default:
		return "." + strings.ToLower(strings.ReplaceAll(format, " ", "_"))
	}
}

type vrtDataSource struct {
	XMLName xml.Name `xml:"OGRVRTDataSource"`
	Layer   vrtLayer `xml:"OGRVRTLayer"`
}

type vrtLayer struct {
	Name          string      `xml:"name,attr"`
	SrcDataSource string      `xml:"SrcDataSource"`
	OpenOptions   []vrtOption `xml:"OpenOptions>OOI"`
	SrcLayer      string      `xml:"SrcLayer"`
	Fields        []vrtField  `xml:"Field"`
}

type vrtOption struct {
	Key   string `xml:"key,attr"`
	Value string `xml:",chardata"`
}

type vrtField struct {
	Name string `xml:"name,attr"`
	Src  string `xml:"src,attr"`
	Type string `xml:"type,attr"`
}

// buildVRT describes the layer's renamed fields. Unmapped columns are kept
// under their raw names.
func buildVRT(in Layer) vrtDataSource {
	l := vrtLayer{
		Name:          in.Layer.Name,
		SrcDataSource: in.Layer.Shapefile,
		OpenOptions:   []vrtOption{{Key: "ENCODING", Value: in.Layer.Encoding}},
		SrcLayer:      strings.TrimSuffix(filepath.Base(in.Layer.Shapefile), filepath.Ext(in.Layer.Shapefile)),
	}
	for _, c := range in.Schema.Columns {
		l.Fields = append(l.Fields, vrtField{Name: c.Output, Src: c.Raw, Type: ogrType(c.Type)})
	}
	return vrtDataSource{Layer: l}
}

func writeVRT(path string, in Layer) error {
	b, err := xml.MarshalIndent(buildVRT(in), "", "  ")
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.Write(b)
	buf.WriteByte('\n')
	return os.WriteFile(path, buf.Bytes(), 0644)
}

// ogrType maps a declared type to an OGR field type. Dates stay strings:
// the source data mixes several date notations.
func ogrType(t catalog.DataType) string {
	switch t {
	case catalog.TypeInteger:
		return "Integer64"
	case catalog.TypeReal:
		return "Real"
	default:
		return "String"
	}
}

var _ Engine = (*OGREngine)(nil)
