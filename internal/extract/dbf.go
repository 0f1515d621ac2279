package extract

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jonas-p/go-shp"
)

const (
	dbfHeaderSize = 32
	sampleBytes   = 256 << 10
)

// dbfHeader is the fixed part of a dBASE III header.
type dbfHeader struct {
	records   uint32
	headerLen uint16
	recordLen uint16
	ldid      byte
}

func readDBFHeader(r io.Reader) (dbfHeader, error) {
	var b [dbfHeaderSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return dbfHeader{}, fmt.Errorf("read dbf header: %w", err)
	}
	return dbfHeader{
		records:   binary.LittleEndian.Uint32(b[4:]),
		headerLen: binary.LittleEndian.Uint16(b[8:]),
		recordLen: binary.LittleEndian.Uint16(b[10:]),
		ldid:      b[29],
	}, nil
}

// sampleDBF returns the language driver byte and up to sampleBytes of whole
// records for charset detection.
func sampleDBF(path string) (dbfHeader, []byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return dbfHeader{}, nil, err
	}
	defer f.Close()

	h, err := readDBFHeader(f)
	if err != nil {
		return dbfHeader{}, nil, err
	}
	if h.recordLen == 0 || h.records == 0 {
		return h, nil, nil
	}
	if _, err := f.Seek(int64(h.headerLen), io.SeekStart); err != nil {
		return h, nil, err
	}
	n := int64(h.records) * int64(h.recordLen)
	if limit := int64(sampleBytes/int(h.recordLen)) * int64(h.recordLen); n > limit {
		n = limit
	}
	buf := make([]byte, n)
	read, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return h, nil, fmt.Errorf("read dbf records: %w", err)
	}
	return h, buf[:read-read%int(h.recordLen)], nil
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return -1
	}
	return info.Size()
}

// inspect fills in geometry type, encoding, fields and row count. A layer
// whose shapefile or table is empty is valid and has no rows.
func inspect(l *Layer) error {
	cpg := ""
	if b, err := os.ReadFile(l.Path(".cpg")); err == nil {
		cpg = string(b)
	}

	dbfPath := l.Path(".dbf")
	if fileSize(l.Shapefile) <= 0 || fileSize(dbfPath) <= 0 {
		l.Encoding = DefaultEncoding
		if name, ok := canonicalEncoding(cpg); ok {
			l.Encoding = name
		}
		return nil
	}

	h, sample, err := sampleDBF(dbfPath)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrExtraction, l.Name, err)
	}
	enc, source, err := detectEncoding(cpg, h.ldid, sample)
	if err != nil {
		return fmt.Errorf("layer %s: %w", l.Name, err)
	}
	l.Encoding, l.EncodingSource = enc, source

	r, err := shp.Open(l.Shapefile)
	if err != nil {
		return fmt.Errorf("%w: open shapefile %s: %w", ErrExtraction, l.Name, err)
	}
	defer r.Close()

	l.GeometryType = geometryName(r.GeometryType)
	fields := r.Fields()
	l.Fields = make([]string, len(fields))
	for i, f := range fields {
		name, err := Decode(enc, []byte(f.String()))
		if err != nil {
			return fmt.Errorf("layer %s field %d: %w", l.Name, i, err)
		}
		l.Fields[i] = name
	}
	l.RowCount = int(h.records)
	return nil
}

// geometryName maps a shapefile shape type to the multi-geometry it is
// loaded as.
func geometryName(t shp.ShapeType) string {
	switch t {
	case shp.POINT, shp.POINTZ, shp.POINTM:
		return "Point"
	case shp.MULTIPOINT, shp.MULTIPOINTZ, shp.MULTIPOINTM:
		return "MultiPoint"
	case shp.POLYLINE, shp.POLYLINEZ, shp.POLYLINEM:
		return "MultiLineString"
	case shp.POLYGON, shp.POLYGONZ, shp.POLYGONM:
		return "MultiPolygon"
	case shp.NULL:
		return ""
	default:
		return "Unknown"
	}
}

// Rows calls fn for every data row with its values decoded to NFC UTF-8, in
// field order. values is reused between calls.
func (l Layer) Rows(fn func(row int, values []string) error) error {
	return l.Features(func(row int, _ shp.Shape, values []string) error {
		return fn(row, values)
	})
}

// Features is Rows with the row's shape. A nil shape is a null geometry.
func (l Layer) Features(fn func(row int, shape shp.Shape, values []string) error) error {
	if l.RowCount == 0 || len(l.Fields) == 0 {
		return nil
	}
	r, err := shp.Open(l.Shapefile)
	if err != nil {
		return fmt.Errorf("%w: open shapefile %s: %w", ErrExtraction, l.Name, err)
	}
	defer r.Close()

	values := make([]string, len(l.Fields))
	for r.Next() {
		row, shape := r.Shape()
		if _, null := shape.(*shp.Null); null {
			shape = nil
		}
		for i := range values {
			raw := strings.TrimRight(r.ReadAttribute(row, i), "\x00 ")
			v, err := Decode(l.Encoding, []byte(raw))
			if err != nil {
				return fmt.Errorf("layer %s row %d field %s: %w", l.Name, row, l.Fields[i], err)
			}
			values[i] = strings.TrimSpace(v)
		}
		if err := fn(row, shape, values); err != nil {
			return err
		}
	}
	if err := r.Err(); err != nil {
		return fmt.Errorf("%w: read %s: %w", ErrExtraction, l.Name, err)
	}
	return nil
}
