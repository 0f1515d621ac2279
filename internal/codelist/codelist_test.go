package codelist

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/withObsrvr/ksj-ingest/internal/catalog"
	"github.com/withObsrvr/ksj-ingest/internal/download"
	"github.com/withObsrvr/ksj-ingest/internal/metadata"
)

// workbook builds a code list workbook with a title, the header row and
// rows starting at A4.
func workbook(t *testing.T, sheet string, rows ...[]any) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	require.NoError(t, f.SetSheetName("Sheet1", sheet))

	require.NoError(t, f.SetSheetRow(sheet, "A1", &[]any{"行政区域コード表"}))
	header := make([]any, len(Columns))
	for i, c := range Columns {
		header[i] = c
	}
	require.NoError(t, f.SetSheetRow(sheet, "A3", &header))
	for i, r := range rows {
		cell, err := excelize.CoordinatesToCellName(1, 4+i)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow(sheet, cell, &r))
	}

	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return buf.Bytes()
}

func sampleWorkbook(t *testing.T) []byte {
	return workbook(t, Sheet,
		[]any{"０１０００", "北海道", "", "ﾎｯｶｲﾄﾞｳ"},
		[]any{},
		[]any{"01100", "北海道", "札幌市", "ﾎｯｶｲﾄﾞｳ", "ｻｯﾎﾟﾛｼ", "", "", "01100", "", "", ""},
	)
}

func TestParse(t *testing.T) {
	rows, err := Parse(bytes.NewReader(sampleWorkbook(t)))
	require.NoError(t, err)
	require.Len(t, rows, 2, "title, header and blank rows are skipped")

	first := rows[0]
	assert.Len(t, first, len(Columns))
	assert.Equal(t, "01000", first.Value(0), "cells are NFKC-normalized")
	assert.Equal(t, "北海道", first.Value(1))
	assert.Nil(t, first[2], "empty cells are nil")
	assert.Equal(t, "ホッカイドウ", first.Value(3))
	assert.Nil(t, first[10])

	assert.Equal(t, "札幌市", rows[1].Value(2))
	assert.Equal(t, "01100", rows[1].Value(7))
}

func TestParseWithoutHeader(t *testing.T) {
	f := excelize.NewFile()
	require.NoError(t, f.SetSheetName("Sheet1", Sheet))
	require.NoError(t, f.SetSheetRow(Sheet, "A1", &[]any{"01000", "北海道"}))
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)

	_, err = Parse(bytes.NewReader(buf.Bytes()))
	assert.ErrorIs(t, err, ErrNoHeader)
}

func TestParseMissingSheet(t *testing.T) {
	_, err := Parse(bytes.NewReader(workbook(t, "Sheet2")))
	assert.Error(t, err)
}

var fixedTime = time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)

type memoryStore struct {
	mu    sync.Mutex
	calls int
	rows  []Row
}

func (s *memoryStore) Replace(_ context.Context, rows []Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.rows = rows
	return nil
}

func TestLoaderStoresRowsAndMetadata(t *testing.T) {
	data := sampleWorkbook(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "AdminiBoundary_CD.xlsx", fixedTime, bytes.NewReader(data))
	}))
	defer srv.Close()

	metaDir := t.TempDir()
	meta, err := metadata.NewFileWriter(metaDir)
	require.NoError(t, err)
	store := &memoryStore{}
	url := srv.URL + "/ksj/gml/codelist/AdminiBoundary_CD.xlsx"
	l := NewLoader(Config{URL: url}, download.NewManager(download.Config{MaxAttempts: 1}), store, meta)

	dir := t.TempDir()
	n, err := l.Load(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, store.calls)
	assert.Equal(t, "01000", store.rows[0].Value(0))
	assert.FileExists(t, filepath.Join(dir, "AdminiBoundary_CD.xlsx"))

	b, err := os.ReadFile(filepath.Join(metaDir, "datasets", Table+".json"))
	require.NoError(t, err)
	var rec metadata.DatasetRecord
	require.NoError(t, json.Unmarshal(b, &rec))
	assert.Equal(t, "admini_boundary_cd", rec.Identifier)
	assert.Equal(t, "行政区域コード", rec.Name)

	var desc catalog.DatasetDescriptor
	require.NoError(t, json.Unmarshal(rec.Document, &desc))
	assert.Equal(t, url, desc.SourceURL)
	assert.Equal(t, []string{"行政区域", "行政区域コード"}, desc.Category)
	require.Len(t, desc.Columns, len(Columns))
	assert.Equal(t, "改正後のコード", desc.Columns[7].Name)
	assert.Contains(t, desc.Columns[7].Description, "全国地方公共団体コード")

	n, err = l.Load(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, store.calls, "every load replaces the table")
}

func TestLoaderDownloadFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	meta, err := metadata.NewFileWriter(t.TempDir())
	require.NoError(t, err)
	store := &memoryStore{}
	l := NewLoader(Config{URL: srv.URL + "/missing.xlsx"}, download.NewManager(download.Config{MaxAttempts: 1}), store, meta)

	_, err = l.Load(context.Background(), t.TempDir())
	assert.ErrorIs(t, err, download.ErrPermanent)
	assert.Zero(t, store.calls)
}

func TestTableSQL(t *testing.T) {
	table := `"public"."admini_boundary_cd"`
	create := createTableSQL(table)
	assert.True(t, strings.HasPrefix(create, `CREATE TABLE IF NOT EXISTS "public"."admini_boundary_cd" (`))
	assert.Contains(t, create, `"行政区域コード" TEXT PRIMARY KEY, "都道府県名（漢字）" TEXT`)
	assert.Equal(t, len(Columns), strings.Count(create, " TEXT"))

	insert := insertSQL(table)
	assert.Contains(t, insert, "$11)")
	assert.NotContains(t, insert, "$12")
	assert.True(t, strings.HasSuffix(insert, `ON CONFLICT ("行政区域コード") DO NOTHING`))
}

func TestDescriptorReferencedByAreaCodeColumns(t *testing.T) {
	d := Descriptor(DefaultURL)
	assert.Equal(t, catalog.AdminBoundaryTable.Table, d.ID)
	assert.Equal(t, Columns[0], d.PrimaryKey)

	found := false
	for _, c := range d.Columns {
		if c.Name == catalog.AdminBoundaryTable.Column {
			found = true
		}
	}
	assert.True(t, found, "foreign keys of area code columns point at an existing column")
}
