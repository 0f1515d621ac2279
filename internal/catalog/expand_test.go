package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseYear(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"2020", 2020},
		{"2020年", 2020},
		{"２０２１年度（令和３年度）", 2021},
		{"平成22年", 2010},
		{"令和元年", 2019},
		{"データ基準年：2015年", 2015},
		{"不明", 0},
		{"", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseYear(tt.in), tt.in)
	}
}

func TestCompileShapefileMatcher(t *testing.T) {
	re, err := CompileShapefileMatcher("A30a5-YY_mmmm_SedimentDisasterAndSnowslide.shp")
	require.NoError(t, err)

	assert.True(t, re.MatchString("A30a5-11_5339_SedimentDisasterAndSnowslide.shp"))
	assert.True(t, re.MatchString("dir/A30a5-11_5339_SedimentDisasterAndSnowslide.DBF"))
	assert.False(t, re.MatchString("A30a5-2011_5339_SedimentDisasterAndSnowslide.shp"))
	assert.False(t, re.MatchString("A30a5-11_5339_SedimentDisasterAndSnowslide.xml"))
	assert.False(t, re.MatchString("XA30a5-11_5339_SedimentDisasterAndSnowslide.shp"))
}

func TestSplitShapefileHint(t *testing.T) {
	got := SplitShapefileHint("A38-YY_PP_MedicalArea1.shp\r\n\r\n  A38-YY_MedicalArea2.shp ")
	assert.Equal(t, []string{"A38-YY_MedicalArea1.shp", "A38-YY_MedicalArea2.shp"}, got)
}

func TestVariantMatchersDefault(t *testing.T) {
	ms, err := Variant{}.Matchers()
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.True(t, ms[0].MatchString("anything.shx"))
	assert.False(t, ms[0].MatchString("readme.txt"))
}

func TestSelectFilesWithoutNationwide(t *testing.T) {
	parts := selectFiles([]apiFile{
		{Area: "北海道", Year: 2019, FileURL: "a"},
		{Area: "青森", Year: 2020, FileURL: "b"},
		{Area: "岩手", Year: 2020, FileURL: "c"},
		{Area: "宮城", Year: 2020},
	}, 0)
	require.Len(t, parts, 2)
	assert.Equal(t, "b", parts[0].URL)
	assert.Equal(t, "c", parts[1].URL)
}

func TestExpandTemplateErrors(t *testing.T) {
	base := Variant{ID: "L03"}

	_, err := expandTemplate(base, "https://x/{mesh}.zip", map[string]paramValues{"mesh": {All: true}})
	assert.Error(t, err, "mesh codes cannot be enumerated implicitly")

	_, err = expandTemplate(base, "https://x/a.zip", map[string]paramValues{"pref": {Values: []string{"01"}}})
	assert.Error(t, err, "placeholder missing from template")

	vs, err := expandTemplate(base, "https://x/{pref}/{mesh}.zip", map[string]paramValues{
		"pref": {Values: []string{"01", "02"}},
		"mesh": {Values: []string{"5339"}},
	})
	require.NoError(t, err)
	require.Len(t, vs, 2)
	assert.Equal(t, "L03-5339-01", vs[0].ID)
	assert.Equal(t, "https://x/02/5339.zip", vs[1].Parts[0].URL)
}

func TestSplitMedicalAreas(t *testing.T) {
	v := Variant{ID: "A38", Columns: []ColumnSpec{
		{RawName: "A38a_001"}, {RawName: "A38a_002"}, {RawName: "A38b_001"}, {RawName: "A38c_001"},
	}}
	out := splitMedicalAreas("A38", v)
	require.Len(t, out, 3)
	assert.Equal(t, "A38a", out[0].ID)
	assert.Equal(t, "一次医療圏", out[0].Name)
	assert.Len(t, out[0].Columns, 2)
	assert.Equal(t, "A38c", out[2].ID)

	assert.Len(t, splitMedicalAreas("X01", v), 1)
}

func TestClassifyUsage(t *testing.T) {
	assert.Equal(t, LicenseNonCommercial, ClassifyUsage("非商用"))
	assert.Equal(t, LicenseAttribution, ClassifyUsage("CC BY 4.0"))
	assert.Equal(t, LicenseOpen, ClassifyUsage("オープンデータ"))
	assert.Equal(t, LicenseUnknown, ClassifyUsage(""))
	assert.Equal(t, LicenseUnknown, ClassifyUsage("要問合せ"))
}

func TestLicenseText(t *testing.T) {
	for _, l := range []License{LicenseUnknown, LicenseOpen, LicenseAttribution, LicenseNonCommercial} {
		b, err := l.MarshalText()
		require.NoError(t, err)
		var got License
		require.NoError(t, got.UnmarshalText(b))
		assert.Equal(t, l, got)
	}
	var l License
	assert.Error(t, l.UnmarshalText([]byte("proprietary")))
}
