package convert

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/mmcloughlin/geohash"
	"github.com/parquet-go/parquet-go"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"

	"github.com/withObsrvr/ksj-ingest/internal/catalog"
	"github.com/withObsrvr/ksj-ingest/internal/storage"
)

const (
	geometryColumn = "geometry"
	geohashColumn  = "geohash"
)

// ParquetEngine writes each layer as a GeoParquet file: attribute columns
// under their resolved names, a WKB geometry column and a geohash of the
// geometry's center.
type ParquetEngine struct {
	// GeohashPrecision is the geohash length (default: 7).
	GeohashPrecision uint

	// Compression is "snappy" (default), "zstd", "gzip" or "none".
	Compression string
}

func (e *ParquetEngine) Name() string { return "geoparquet" }

// Convert writes one file per layer, empty layers included.
func (e *ParquetEngine) Convert(ctx context.Context, req Request, sink Sink) (Result, error) {
	dir := OutputDir(sink, req)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Result{}, fmt.Errorf("create output directory: %w", err)
	}

	var res Result
	for _, in := range req.Layers {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		path := filepath.Join(dir, in.Layer.Name+".parquet")
		rows, warnings, err := e.writeLayer(ctx, path, in)
		if err != nil {
			return Result{}, &Failure{Engine: e.Name(), Layer: in.Layer.Name, Reason: err.Error(), Err: err}
		}
		res.Layers++
		res.Rows += rows
		res.Warnings = append(res.Warnings, warnings...)
		res.Files = append(res.Files, storage.LayerFile{Layer: in.Layer.Name, Path: path, RowCount: rows})
	}
	return res, nil
}

// parquetColumn is one attribute column of the output.
type parquetColumn struct {
	name  string
	typ   catalog.DataType
	index int // leaf column index
	bad   int // values that failed to parse
}

func (e *ParquetEngine) compression() parquet.WriterOption {
	switch strings.ToLower(e.Compression) {
	case "zstd":
		return parquet.Compression(&parquet.Zstd)
	case "gzip":
		return parquet.Compression(&parquet.Gzip)
	case "none", "uncompressed":
		return parquet.Compression(&parquet.Uncompressed)
	default:
		return parquet.Compression(&parquet.Snappy)
	}
}

func (e *ParquetEngine) writeLayer(ctx context.Context, path string, in Layer) (int64, []string, error) {
	precision := e.GeohashPrecision
	if precision == 0 {
		precision = 7
	}

	cols := make([]*parquetColumn, len(in.Schema.Columns))
	group := parquet.Group{
		geometryColumn: parquet.Optional(parquet.Leaf(parquet.ByteArrayType)),
		geohashColumn:  parquet.Optional(parquet.String()),
	}
	for i, c := range in.Schema.Columns {
		name := c.Output
		for group[name] != nil {
			name += "_attr"
		}
		group[name] = parquet.Optional(parquetNode(c.Type))
		cols[i] = &parquetColumn{name: name, typ: c.Type}
	}
	schema := parquet.NewSchema(in.Layer.Name, group)
	for _, c := range cols {
		leaf, _ := schema.Lookup(c.name)
		c.index = leaf.ColumnIndex
	}
	geomLeaf, _ := schema.Lookup(geometryColumn)
	hashLeaf, _ := schema.Lookup(geohashColumn)
	width := len(schema.Columns())

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, nil, err
	}
	defer os.Remove(tmp)
	defer f.Close()

	w := parquet.NewWriter(f, schema, e.compression())
	var (
		rows  int64
		bound orb.Bound
		types = map[string]bool{}
	)
	err = in.Layer.Features(func(row int, shape shp.Shape, values []string) error {
		if row%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		out := make(parquet.Row, width)

		geom, err := toOrb(shape)
		if err != nil {
			return fmt.Errorf("row %d: %w", row, err)
		}
		if geom == nil {
			out[geomLeaf.ColumnIndex] = parquet.NullValue().Level(0, 0, geomLeaf.ColumnIndex)
			out[hashLeaf.ColumnIndex] = parquet.NullValue().Level(0, 0, hashLeaf.ColumnIndex)
		} else {
			b, err := wkb.Marshal(geom)
			if err != nil {
				return fmt.Errorf("row %d: encode geometry: %w", row, err)
			}
			out[geomLeaf.ColumnIndex] = parquet.ByteArrayValue(b).Level(0, 1, geomLeaf.ColumnIndex)
			gb := geom.Bound()
			center := gb.Center()
			hash := geohash.EncodeWithPrecision(center.Lat(), center.Lon(), precision)
			out[hashLeaf.ColumnIndex] = parquet.ByteArrayValue([]byte(hash)).Level(0, 1, hashLeaf.ColumnIndex)
			if len(types) == 0 {
				bound = gb
			} else {
				bound = bound.Union(gb)
			}
			types[geom.GeoJSONType()] = true
		}

		for i, c := range cols {
			v := ""
			if i < len(values) {
				v = values[i]
			}
			out[c.index] = c.value(v)
		}

		if _, err := w.WriteRows([]parquet.Row{out}); err != nil {
			return fmt.Errorf("row %d: %w", row, err)
		}
		rows++
		return nil
	})
	if err != nil {
		return 0, nil, err
	}

	geo, err := geoMetadata(in.Layer.GeometryType, types, bound)
	if err != nil {
		return 0, nil, err
	}
	w.SetKeyValueMetadata("geo", geo)
	if err := w.Close(); err != nil {
		return 0, nil, fmt.Errorf("close parquet writer: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, nil, err
	}
	if err := os.Rename(tmp, path); err != nil {
		return 0, nil, err
	}

	var warnings []string
	for _, c := range cols {
		if c.bad > 0 {
			warnings = append(warnings, fmt.Sprintf("layer %s: column %s: %d value(s) not parseable as %s, written as null",
				in.Layer.Name, c.name, c.bad, c.typ))
		}
	}
	return rows, warnings, nil
}

func parquetNode(t catalog.DataType) parquet.Node {
	switch t {
	case catalog.TypeInteger:
		return parquet.Int(64)
	case catalog.TypeReal:
		return parquet.Leaf(parquet.DoubleType)
	case catalog.TypeBoolean:
		return parquet.Leaf(parquet.BooleanType)
	default:
		return parquet.String()
	}
}

// value converts a decoded attribute. Empty strings and values that do not
// parse as the declared type are nulls.
func (c *parquetColumn) value(v string) parquet.Value {
	null := parquet.NullValue().Level(0, 0, c.index)
	if v == "" {
		return null
	}
	var pv parquet.Value
	switch c.typ {
	case catalog.TypeInteger:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			c.bad++
			return null
		}
		pv = parquet.Int64Value(n)
	case catalog.TypeReal:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			c.bad++
			return null
		}
		pv = parquet.DoubleValue(f)
	case catalog.TypeBoolean:
		b, err := strconv.ParseBool(v)
		if err != nil {
			c.bad++
			return null
		}
		pv = parquet.BooleanValue(b)
	default:
		pv = parquet.ByteArrayValue([]byte(v))
	}
	return pv.Level(0, 1, c.index)
}

type geoColumn struct {
	Encoding      string    `json:"encoding"`
	GeometryTypes []string  `json:"geometry_types"`
	BBox          []float64 `json:"bbox,omitempty"`
}

type geoFileMetadata struct {
	Version       string               `json:"version"`
	PrimaryColumn string               `json:"primary_column"`
	Columns       map[string]geoColumn `json:"columns"`
}

// geoMetadata builds the GeoParquet "geo" key. The declared layer type wins
// over the types seen, which may include single-part rows.
func geoMetadata(declared string, seen map[string]bool, bound orb.Bound) (string, error) {
	col := geoColumn{Encoding: "WKB", GeometryTypes: []string{}}
	if declared != "" && declared != "Unknown" {
		col.GeometryTypes = append(col.GeometryTypes, declared)
	} else {
		for t := range seen {
			col.GeometryTypes = append(col.GeometryTypes, t)
		}
		sort.Strings(col.GeometryTypes)
	}
	if len(seen) > 0 {
		col.BBox = []float64{bound.Min.X(), bound.Min.Y(), bound.Max.X(), bound.Max.Y()}
	}
	b, err := json.Marshal(geoFileMetadata{
		Version:       "1.1.0",
		PrimaryColumn: geometryColumn,
		Columns:       map[string]geoColumn{geometryColumn: col},
	})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

var _ Engine = (*ParquetEngine)(nil)
