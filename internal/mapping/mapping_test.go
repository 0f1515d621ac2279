package mapping

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jonas-p/go-shp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/ksj-ingest/internal/catalog"
	"github.com/withObsrvr/ksj-ingest/internal/extract"
)

func pointLayer(t *testing.T, name string, fields []string, rows [][]string) extract.Layer {
	t.Helper()
	path := filepath.Join(t.TempDir(), name+".shp")
	w, err := shp.Create(path, shp.POINT)
	require.NoError(t, err)
	defs := make([]shp.Field, len(fields))
	for i, f := range fields {
		defs[i] = shp.StringField(f, 20)
	}
	require.NoError(t, w.SetFields(defs))
	for row, values := range rows {
		w.Write(&shp.Point{X: 135, Y: 35})
		for i, v := range values {
			require.NoError(t, w.WriteAttribute(row, i, v))
		}
	}
	w.Close()
	// go-shp writes the attribute table as <base>dbf.
	base := strings.TrimSuffix(path, ".shp")
	require.NoError(t, os.Rename(base+"dbf", base+".dbf"))

	return extract.Layer{
		Name:      name,
		Shapefile: path,
		Files:     []string{path},
		Encoding:  extract.EncodingCP932,
		Fields:    fields,
		RowCount:  len(rows),
	}
}

func descriptor(columns ...catalog.ColumnSpec) catalog.DatasetDescriptor {
	return catalog.DatasetDescriptor{
		ID:       "X01",
		Variants: []catalog.Variant{{ID: "X01"}},
		Columns:  columns,
	}
}

func TestMapFlagsUnmappedColumn(t *testing.T) {
	layer := pointLayer(t, "X01", []string{"G04a_001", "G04a_002"}, [][]string{{"a", "b"}})
	s, err := New(Options{}).Map(layer, descriptor(catalog.ColumnSpec{RawName: "G04a_001", Name: "名称", Type: catalog.TypeString}))
	require.NoError(t, err)

	require.Len(t, s.Columns, 2)
	assert.Equal(t, ExactMatch, s.Columns[0].Match)
	assert.Equal(t, "名称", s.Columns[0].Output)
	assert.Equal(t, Unmapped, s.Columns[1].Match)
	assert.Equal(t, "G04a_002", s.Columns[1].Output, "unmapped columns are kept under their raw name")
	assert.Nil(t, s.Columns[1].Spec)

	assert.Equal(t, "X01", s.Variant)
	assert.Equal(t, []string{"G04a_002"}, s.Unmapped())
	assert.Equal(t, []string{"layer X01: unmapped column G04a_002"}, s.Warnings())
	assert.ErrorIs(t, s.Err(), ErrSchemaMismatch)
}

func TestResolveFallbackRules(t *testing.T) {
	specs := []catalog.ColumnSpec{
		{RawName: "P12_001", Name: "施設名"},
		{RawName: "P12_002_address", Name: "所在地"},
	}
	cols := Resolve([]string{"p12_001", "P12_002_ad"}, specs, true)
	assert.Equal(t, FallbackMatch, cols[0].Match)
	assert.Equal(t, RuleCaseFold, cols[0].Rule)
	assert.Equal(t, "施設名", cols[0].Output)
	assert.Equal(t, FallbackMatch, cols[1].Match)
	assert.Equal(t, RulePrefix, cols[1].Rule)
	assert.Equal(t, "所在地", cols[1].Output)

	// Full-width names fold to their ASCII form.
	cols = Resolve([]string{"Ｐ１２＿００１"}, specs[:1], true)
	assert.Equal(t, RuleCaseFold, cols[0].Rule)

	cols = Resolve([]string{"p12_001"}, specs, false)
	assert.Equal(t, Unmapped, cols[0].Match, "fallback disabled")
}

func TestResolvePositionalFallback(t *testing.T) {
	specs := []catalog.ColumnSpec{{RawName: "N03_001", Name: "都道府県名"}, {RawName: "N03_004", Name: "市区町村名"}}

	cols := Resolve([]string{"FIELD1", "FIELD2"}, specs, true)
	for i, c := range cols {
		assert.Equal(t, FallbackMatch, c.Match)
		assert.Equal(t, RulePosition, c.Rule)
		assert.Equal(t, specs[i].Name, c.Output)
	}

	cols = Resolve([]string{"FIELD1", "FIELD2", "FIELD3"}, specs, true)
	for _, c := range cols {
		assert.Equal(t, Unmapped, c.Match, "counts differ, no positional guess")
	}
}

func TestResolveAmbiguousPrefixIsNotGuessed(t *testing.T) {
	specs := []catalog.ColumnSpec{{RawName: "A38a_001"}, {RawName: "A38a_002"}, {RawName: "OTHER"}}
	cols := Resolve([]string{"A38a", "X", "Y", "Z"}, specs, true)
	for _, c := range cols {
		assert.Equal(t, Unmapped, c.Match)
	}
}

func TestResolveDeduplicatesOutputNames(t *testing.T) {
	specs := []catalog.ColumnSpec{{RawName: "A_1", Name: "名称"}, {RawName: "A_2", Name: "名称"}}
	cols := Resolve([]string{"A_1", "A_2", "名称_2"}, specs, false)
	assert.Equal(t, []string{"名称", "名称_2", "名称_2_2"}, []string{cols[0].Output, cols[1].Output, cols[2].Output})
}

func TestResolveIsIdempotent(t *testing.T) {
	specs := []catalog.ColumnSpec{
		{RawName: "L01_001", Name: "基準地コード", Type: catalog.TypeString},
		{RawName: "L01_006", Name: "公示価格", Type: catalog.TypeInteger},
	}
	raw := []string{"L01_001", "l01_006", "L01_099"}
	first := Resolve(raw, specs, true)
	again := Resolve(raw, specs, true)
	assert.Equal(t, first, again)

	s := Schema{Columns: first}
	remapped := Resolve(s.OutputNames(), specs, true)
	require.Len(t, remapped, len(first))
	for i := range first {
		assert.Equal(t, first[i].Output, remapped[i].Output)
		assert.Equal(t, first[i].Spec, remapped[i].Spec)
		assert.Equal(t, first[i].Type, remapped[i].Type)
	}
}

func TestMapFlagsEnumViolationsPerRow(t *testing.T) {
	layer := pointLayer(t, "A01", []string{"A01_003"}, [][]string{{"1"}, {"9"}, {"01"}, {""}, {"7"}})
	spec := catalog.ColumnSpec{
		RawName: "A01_003",
		Name:    "種別",
		Enum:    []catalog.EnumValue{{Code: "1", Description: "一般"}, {Code: "2", Description: "特殊"}},
	}

	s, err := New(Options{}).Map(layer, descriptor(spec))
	require.NoError(t, err)
	assert.Equal(t, []EnumViolation{
		{Row: 1, Column: "種別", Value: "9"},
		{Row: 4, Column: "種別", Value: "7"},
	}, s.Violations)
	assert.Equal(t, 2, s.ViolationCount)
	assert.Equal(t, 5, s.RowCount)
	require.Len(t, s.Warnings(), 1)
	assert.Contains(t, s.Warnings()[0], `first "9" at row 1`)

	s, err = New(Options{MaxViolations: 1}).Map(layer, descriptor(spec))
	require.NoError(t, err)
	assert.Len(t, s.Violations, 1)
	assert.Equal(t, 2, s.ViolationCount)
	assert.Len(t, s.Warnings(), 2)
}

func TestMapForeignKeyPassThrough(t *testing.T) {
	fk := catalog.AdminBoundaryTable
	cols := Resolve([]string{"N03_007"}, []catalog.ColumnSpec{{RawName: "N03_007", Name: "行政区域コード", ForeignKey: &fk}}, true)
	require.NotNil(t, cols[0].ForeignKey())
	assert.Equal(t, catalog.AdminBoundaryTable, *cols[0].ForeignKey())
	assert.Nil(t, Resolve([]string{"N03_001"}, nil, true)[0].ForeignKey())
}

func TestMapEmptyLayer(t *testing.T) {
	layer := extract.Layer{Name: "E01", Encoding: extract.EncodingCP932}
	s, err := New(Options{}).Map(layer, descriptor(catalog.ColumnSpec{RawName: "E01_001", Name: "名称", Enum: []catalog.EnumValue{{Code: "1"}}}))
	require.NoError(t, err)
	assert.Zero(t, s.RowCount)
	assert.Empty(t, s.Columns)
	assert.NoError(t, s.Err())
}

func TestSchemasRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.json")
	_, err := LoadSchemas(path)
	assert.ErrorIs(t, err, ErrNoSchema)

	schemas := []Schema{{
		Dataset: "X01", Variant: "X01", Layer: "X01",
		Columns:  Resolve([]string{"G04a_001", "G04a_002"}, []catalog.ColumnSpec{{RawName: "G04a_001", Name: "名称", Type: catalog.TypeString}}, true),
		RowCount: 3,
	}}
	require.NoError(t, SaveSchemas(path, schemas))
	got, err := LoadSchemas(path)
	require.NoError(t, err)
	assert.Equal(t, schemas, got)
}
