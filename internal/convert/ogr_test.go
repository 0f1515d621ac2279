package convert

import (
	"context"
	"encoding/xml"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/ksj-ingest/internal/catalog"
	"github.com/withObsrvr/ksj-ingest/internal/extract"
	"github.com/withObsrvr/ksj-ingest/internal/mapping"
)

type recordedRun struct {
	name string
	args []string
}

// recorder returns a Runner that records its calls and fails the call
// whose arguments contain failOn.
func recorder(calls *[]recordedRun, failOn, output string) Runner {
	return func(_ context.Context, name string, args ...string) ([]byte, error) {
		*calls = append(*calls, recordedRun{name: name, args: args})
		if failOn != "" && strings.Contains(strings.Join(args, " "), failOn) {
			return []byte(output), errors.New("exit status 1")
		}
		return nil, nil
	}
}

func ogrLayer(t *testing.T, dir, name string, rows int) Layer {
	t.Helper()
	shp := filepath.Join(dir, name+".shp")
	require.NoError(t, os.WriteFile(shp, nil, 0644))
	specs := []catalog.ColumnSpec{
		{RawName: "N03_001", Name: "都道府県名"},
		{RawName: "N03_007", Name: "行政区域コード", Type: catalog.TypeInteger},
	}
	return Layer{
		Layer: extract.Layer{
			Name:      name,
			Shapefile: shp,
			Encoding:  extract.EncodingCP932,
			Fields:    []string{"N03_001", "N03_007", "N03_099"},
			RowCount:  rows,
		},
		Schema: mapping.Schema{
			Layer:   name,
			Columns: mapping.Resolve([]string{"N03_001", "N03_007", "N03_099"}, specs, false),
		},
	}
}

func ogrRequest(layers ...Layer) Request {
	return Request{Descriptor: catalog.DatasetDescriptor{ID: "N03"}, Variant: "N03-2024", Layers: layers}
}

func TestOGRDatabaseOverwritesThenAppends(t *testing.T) {
	dir := t.TempDir()
	var calls []recordedRun
	e := &OGREngine{Binary: "ogr2ogr", Run: recorder(&calls, "", "")}

	req := ogrRequest(ogrLayer(t, dir, "N03-24_01", 3), ogrLayer(t, dir, "N03-24_02", 2))
	res, err := e.Convert(context.Background(), req, Sink{Format: "PostgreSQL", DSN: "host=db dbname=ksj", Schema: "ksj"})
	require.NoError(t, err)

	assert.Equal(t, "n03_2024", res.Table)
	assert.Equal(t, 2, res.Layers)
	assert.Equal(t, int64(5), res.Rows)
	assert.Empty(t, res.Files)

	require.Len(t, calls, 2)
	first, second := calls[0].args, calls[1].args
	assert.Equal(t, []string{"-f", "PostgreSQL", "PG:host=db dbname=ksj"}, first[:3])
	assert.Contains(t, first, "-overwrite")
	assert.NotContains(t, first, "-append")
	assert.Contains(t, second, "-append")
	assert.Contains(t, second, "-update")
	assert.Contains(t, first, "SCHEMA=ksj")
	assert.Equal(t, "n03_2024", first[indexOf(first, "-nln")+1])
}

func TestOGRWritesVRT(t *testing.T) {
	dir := t.TempDir()
	var calls []recordedRun
	e := &OGREngine{Binary: "ogr2ogr", Run: recorder(&calls, "", "")}

	in := ogrLayer(t, dir, "N03-24_01", 1)
	_, err := e.Convert(context.Background(), ogrRequest(in), Sink{Format: "PostgreSQL"})
	require.NoError(t, err)

	b, err := os.ReadFile(in.Layer.Path(".vrt"))
	require.NoError(t, err)
	var vrt vrtDataSource
	require.NoError(t, xml.Unmarshal(b, &vrt))

	assert.Equal(t, "N03-24_01", vrt.Layer.Name)
	assert.Equal(t, "N03-24_01", vrt.Layer.SrcLayer)
	assert.Equal(t, []vrtOption{{Key: "ENCODING", Value: "CP932"}}, vrt.Layer.OpenOptions)
	assert.Equal(t, []vrtField{
		{Name: "都道府県名", Src: "N03_001", Type: "String"},
		{Name: "行政区域コード", Src: "N03_007", Type: "Integer64"},
		{Name: "N03_099", Src: "N03_099", Type: "String"},
	}, vrt.Layer.Fields)
	assert.Equal(t, in.Layer.Path(".vrt"), calls[0].args[3])
}

func TestOGRFileDriver(t *testing.T) {
	dir := t.TempDir()
	out := t.TempDir()
	var calls []recordedRun
	e := &OGREngine{Binary: "ogr2ogr", Run: recorder(&calls, "", "")}

	req := ogrRequest(ogrLayer(t, dir, "N03-24_01", 4))
	res, err := e.Convert(context.Background(), req, Sink{Format: "GPKG", OutputDir: out})
	require.NoError(t, err)

	want := filepath.Join(out, "N03", "N03-2024", "N03-24_01.gpkg")
	require.Len(t, res.Files, 1)
	assert.Equal(t, want, res.Files[0].Path)
	assert.Equal(t, int64(4), res.Files[0].RowCount)
	assert.Equal(t, []string{"-f", "GPKG", want}, calls[0].args[:3])
	assert.DirExists(t, filepath.Dir(want))
}

func TestOGRFailureReason(t *testing.T) {
	dir := t.TempDir()
	var calls []recordedRun
	output := "Warning 1: something minor\nERROR 1: relation \"n03_2024\" does not exist\n\n"
	e := &OGREngine{Binary: "ogr2ogr", Run: recorder(&calls, "N03-24_02", output)}

	req := ogrRequest(ogrLayer(t, dir, "N03-24_01", 1), ogrLayer(t, dir, "N03-24_02", 1))
	_, err := e.Convert(context.Background(), req, Sink{Format: "PostgreSQL"})
	require.Error(t, err)

	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, "N03-24_02", f.Layer)
	assert.Equal(t, `ERROR 1: relation "n03_2024" does not exist`, f.Reason)
	assert.ErrorIs(t, err, ErrConversionFailure)
}

func TestOGRSkipsEmptyLayers(t *testing.T) {
	dir := t.TempDir()
	var calls []recordedRun
	e := &OGREngine{Binary: "ogr2ogr", Run: recorder(&calls, "", "")}

	req := ogrRequest(ogrLayer(t, dir, "empty", 0), ogrLayer(t, dir, "full", 2))
	res, err := e.Convert(context.Background(), req, Sink{Format: "PostgreSQL"})
	require.NoError(t, err)

	assert.Equal(t, []string{"layer empty: no features, not converted"}, res.Warnings)
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].args, "-overwrite", "first written layer overwrites")
}

func TestDriverExt(t *testing.T) {
	assert.Equal(t, ".fgb", driverExt("FlatGeobuf"))
	assert.Equal(t, ".geojson", driverExt("GeoJSON"))
	assert.Equal(t, ".mapinfo_file", driverExt("MapInfo File"))
}

func indexOf(args []string, s string) int {
	for i, a := range args {
		if a == s {
			return i
		}
	}
	return -1
}
