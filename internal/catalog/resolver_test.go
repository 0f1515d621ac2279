package catalog

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixtures = map[string]string{
	"/datasets.json": `[
		{"id": "X01", "name": "テスト施設（ポイント）", "usage": "オープンデータ（CC BY 4.0互換）", "category1_name": "施設"},
		{"id": "N01", "name": "非商用データ", "usage": "非商用"},
		{"id": "BAD", "name": "壊れた記述"},
		{"id": "P12", "name": "観光資源", "usage": "CC BY 4.0"}
	]`,
	"/datasets/X01.json": `{"versions": [
		{"id": "X01-2019", "start_year": 2019, "end_year": 2019},
		{"id": "X01-2020", "start_year": 2020, "end_year": 2020, "most_recent": true}
	]}`,
	"/datasets/X01/X01-2020.json": `{
		"variants": [{
			"variant_identifier": "X01",
			"variant_name": "テスト施設",
			"geometry_type": "Point",
			"shapefile_hint": "X01-YY_PP.shp",
			"attributes": [
				{"readable_name": "名称（施設名）", "attribute_name": "G04a_001", "type": "文字列型"},
				{"readable_name": "行政区域コード", "attribute_name": "G04a_003", "type": "コードリスト「行政区域コード」"}
			]
		}],
		"files": [
			{"area": "北海道", "bytes": 100, "year": "2020年", "file_url": "https://example.test/X01-20_01.zip"},
			{"area": "全国", "bytes": "2,048", "year": "2020年", "file_url": "https://example.test/X01-20.zip"},
			{"area": "全国", "bytes": 1024, "year": "2019年", "file_url": "https://example.test/X01-19.zip"}
		]
	}`,
	"/datasets/N01.json":          `{"versions": [{"id": "N01-1", "start_year": 2010, "end_year": 2010}]}`,
	"/datasets/N01/N01-1.json":    `{"files": [{"area": "全国", "year": "平成22年", "file_url": "https://example.test/N01.zip"}]}`,
	"/datasets/BAD.json":          `{"versions": [`,
	"/datasets/P12.json":          `{"versions": [{"id": "P12-14", "start_year": 2014, "end_year": 2014}]}`,
	"/datasets/P12/P12-14.json": `{
		"variants": [{
			"variant_identifier": "P12",
			"url_template": "https://example.test/P12-14_{pref}_GML.zip",
			"parameters": {"pref": "all"}
		}]
	}`,
}

func newFixtureServer(t *testing.T, files map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testSource(url string) *HTTPSource {
	return NewHTTPSource(SourceConfig{
		BaseURL:    url,
		MaxRetries: 1,
		RetryDelay: time.Millisecond,
		RateLimit:  1000,
		RateBurst:  100,
	})
}

func TestResolveBuildsDescriptors(t *testing.T) {
	srv := newFixtureServer(t, fixtures)
	r := NewResolver(testSource(srv.URL), Options{})

	snap, err := r.Resolve(context.Background())
	require.NoError(t, err)

	require.Len(t, snap.Descriptors, 3)
	require.Len(t, snap.Malformed, 1)
	assert.Equal(t, "BAD", snap.Malformed[0].DatasetID)
	assert.ErrorIs(t, snap.Malformed[0], ErrMalformed)

	x01, ok := snap.Lookup("X01")
	require.True(t, ok)
	assert.Equal(t, "テスト施設", x01.Name)
	assert.Equal(t, LicenseAttribution, x01.License)
	assert.Equal(t, "X01-2020", x01.Version)
	require.Len(t, x01.Variants, 1)

	v := x01.Variants[0]
	require.Len(t, v.Parts, 1, "only the nationwide file of the newest year is kept")
	assert.Equal(t, "https://example.test/X01-20.zip", v.Parts[0].URL)
	assert.Equal(t, int64(2048), v.Parts[0].Size)

	require.Len(t, v.Columns, 2)
	assert.Equal(t, "名称", v.Columns[0].Name)
	assert.Equal(t, TypeString, v.Columns[0].Type)
	require.NotNil(t, v.Columns[1].ForeignKey)
	assert.Equal(t, AdminBoundaryTable, *v.Columns[1].ForeignKey)

	n01, ok := snap.Lookup("N01")
	require.True(t, ok)
	assert.Equal(t, LicenseNonCommercial, n01.License)
	require.Len(t, n01.Variants, 1)
	assert.Equal(t, "N01", n01.Variants[0].ID)
	assert.Equal(t, 2010, n01.Variants[0].Parts[0].Year)

	p12, ok := snap.Lookup("P12")
	require.True(t, ok)
	require.Len(t, p12.Variants, 47)
	assert.Equal(t, "P12-01", p12.Variants[0].ID)
	assert.Equal(t, "https://example.test/P12-14_13_GML.zip", p12.Variants[12].Parts[0].URL)
	assert.Equal(t, map[string]string{"pref": "47"}, p12.Variants[46].Params)
}

func TestResolveSelectsYear(t *testing.T) {
	srv := newFixtureServer(t, map[string]string{
		"/datasets.json":              `[{"id": "X01", "name": "x"}]`,
		"/datasets/X01.json":          fixtures["/datasets/X01.json"],
		"/datasets/X01/X01-2019.json": `{"files": [{"area": "全国", "year": 2019, "file_url": "https://example.test/X01-19.zip"}]}`,
	})
	r := NewResolver(testSource(srv.URL), Options{Year: 2019})

	snap, err := r.Resolve(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Descriptors, 1)
	assert.Equal(t, "X01-2019", snap.Descriptors[0].Version)
	assert.Equal(t, "https://example.test/X01-19.zip", snap.Descriptors[0].Variants[0].Parts[0].URL)
}

func TestResolveUnavailable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewResolver(testSource(srv.URL), Options{}).Resolve(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.Equal(t, int32(2), calls.Load(), "one attempt plus one retry")
}

func TestResolveMissingDetailIsNotFatal(t *testing.T) {
	srv := newFixtureServer(t, map[string]string{
		"/datasets.json": `[{"id": "GONE", "name": "gone"}]`,
	})

	snap, err := NewResolver(testSource(srv.URL), Options{}).Resolve(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Descriptors)
	require.Len(t, snap.Malformed, 1)
	assert.ErrorIs(t, snap.Malformed[0], ErrNotFound)
}

func TestResolveSeparatesUnavailableFromMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/datasets.json":
			w.Write([]byte(`[{"id": "X01", "name": "x"}, {"id": "DOWN", "name": "down"}, {"id": "BAD", "name": "bad"}]`))
		case "/datasets/X01.json", "/datasets/X01/X01-2020.json":
			w.Write([]byte(fixtures[r.URL.Path]))
		case "/datasets/BAD.json":
			w.Write([]byte(`{"versions": "nope"}`))
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	snap, err := NewResolver(testSource(srv.URL), Options{}).Resolve(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Descriptors, 1)

	require.Len(t, snap.Unavailable, 1)
	assert.Equal(t, "DOWN", snap.Unavailable[0].DatasetID)
	assert.ErrorIs(t, snap.Unavailable[0], ErrUnavailable)

	require.Len(t, snap.Malformed, 1)
	assert.Equal(t, "BAD", snap.Malformed[0].DatasetID)
	assert.False(t, errors.Is(snap.Malformed[0], ErrUnavailable))
}

func TestResolveFailsWhenNoDetailCanBeFetched(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/datasets.json" {
			w.Write([]byte(`[{"id": "A01", "name": "a"}, {"id": "B01", "name": "b"}]`))
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewResolver(testSource(srv.URL), Options{}).Resolve(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestForVariantNarrowsColumns(t *testing.T) {
	d := DatasetDescriptor{
		ID:      "A38",
		Columns: []ColumnSpec{{RawName: "A38a_001"}, {RawName: "A38b_001"}},
		Variants: []Variant{
			{ID: "A38a", Columns: []ColumnSpec{{RawName: "A38a_001"}}},
			{ID: "A38b", Columns: []ColumnSpec{{RawName: "A38b_001"}}},
		},
	}
	nd, ok := d.ForVariant("A38b")
	require.True(t, ok)
	require.Len(t, nd.Variants, 1)
	assert.Equal(t, []ColumnSpec{{RawName: "A38b_001"}}, nd.Columns)

	_, ok = d.ForVariant("A38z")
	assert.False(t, ok)
}
