// Package codelist loads the administrative area code list
// (AdminiBoundary_CD.xlsx) into the reference table that area code columns
// of converted datasets point at.
package codelist

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"
	"golang.org/x/text/unicode/norm"

	"github.com/withObsrvr/ksj-ingest/internal/catalog"
)

const (
	// DefaultURL is the published code list workbook.
	DefaultURL = "https://nlftp.mlit.go.jp/ksj/gml/codelist/AdminiBoundary_CD.xlsx"

	// Sheet holds the code table; its header row starts with the same name.
	Sheet = "行政区域コード"
)

// Table is the reference table name.
var Table = catalog.AdminBoundaryTable.Table

// Columns are the table columns in workbook order.
var Columns = []string{
	"行政区域コード",
	"都道府県名（漢字）",
	"市区町村名（漢字）",
	"都道府県名（カナ）",
	"市区町村名（カナ）",
	"コードの改定区分",
	"改正年月日",
	"改正後のコード",
	"改正後の名称",
	"改正後の名称（カナ）",
	"改正事由等",
}

var columnDescriptions = map[string]string{
	"行政区域コード": "統廃合前の行政区域コード",
	"改正後のコード": "統廃合後の行政区域コード。全国地方公共団体コードに相当する値。",
}

const description = "コードリスト「行政区域コード」の定義。統廃合による欠番の関連付けに使ってください。" +
	"このテーブルに位置情報は存在しません。行政界は「改正後のコード」を行政区域データの「全国地方公共団体コード」にジョインしてご利用ください。"

// ErrNoHeader is returned when the sheet has no header row.
var ErrNoHeader = errors.New("code list header row not found")

// Row is one code list entry with one value per column. Empty cells are nil.
type Row []*string

// Value returns the cell of column i, "" when empty.
func (r Row) Value(i int) string {
	if i >= len(r) || r[i] == nil {
		return ""
	}
	return *r[i]
}

// Parse reads the code sheet of the workbook in r. Rows before the header
// are skipped, cells are NFKC-normalized and rows without any value are
// dropped.
func Parse(r io.Reader) ([]Row, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheet, err := f.GetRows(Sheet)
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", Sheet, err)
	}

	started := false
	var rows []Row
	for _, cells := range sheet {
		if !started {
			started = len(cells) > 0 && strings.TrimSpace(cells[0]) == Sheet
			continue
		}
		row := make(Row, len(Columns))
		empty := true
		for i := 0; i < len(Columns) && i < len(cells); i++ {
			v := norm.NFKC.String(cells[i])
			if v == "" {
				continue
			}
			row[i] = &v
			empty = false
		}
		if !empty {
			rows = append(rows, row)
		}
	}
	if !started {
		return nil, ErrNoHeader
	}
	return rows, nil
}

// Descriptor is the dataset metadata of the reference table.
func Descriptor(url string) catalog.DatasetDescriptor {
	cols := make([]catalog.ColumnSpec, len(Columns))
	for i, name := range Columns {
		desc, ok := columnDescriptions[name]
		if !ok {
			desc = name
		}
		cols[i] = catalog.ColumnSpec{RawName: name, Name: name, Type: catalog.TypeString, Description: desc}
	}
	return catalog.DatasetDescriptor{
		ID:          Table,
		Name:        Sheet,
		Description: description,
		Category:    []string{"行政区域", "行政区域コード"},
		SourceURL:   url,
		Columns:     cols,
		PrimaryKey:  Columns[0],
	}
}
