package extract

import (
	"archive/zip"
	"bytes"
	"hash/crc32"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jonas-p/go-shp"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/japanese"
)

func sjis(t *testing.T, s string) string {
	t.Helper()
	b, err := japanese.ShiftJIS.NewEncoder().String(s)
	require.NoError(t, err)
	return b
}

// writePoints writes a point shapefile with string fields. Values are
// written as given, so callers pass already encoded bytes.
func writePoints(t *testing.T, shpPath string, fields []string, rows [][]string) {
	t.Helper()
	w, err := shp.Create(shpPath, shp.POINT)
	require.NoError(t, err)

	defs := make([]shp.Field, len(fields))
	for i, f := range fields {
		defs[i] = shp.StringField(f, 40)
	}
	require.NoError(t, w.SetFields(defs))

	for row, values := range rows {
		w.Write(&shp.Point{X: 139.7 + float64(row)/100, Y: 35.6})
		for i, v := range values {
			require.NoError(t, w.WriteAttribute(row, i, v))
		}
	}
	w.Close()
	// go-shp writes the attribute table as <base>dbf.
	base := strings.TrimSuffix(shpPath, filepath.Ext(shpPath))
	require.NoError(t, os.Rename(base+"dbf", base+".dbf"))
}

type zipEntry struct {
	name    string
	data    []byte
	nonUTF8 bool

	// raw entries are written as is with the given method and sizes.
	raw    bool
	method uint16
	flags  uint16
	extra  []byte
	size   uint64
	crc    uint32
}

func buildZip(t *testing.T, path string, entries []zipEntry) {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		if e.raw {
			w, err := zw.CreateRaw(&zip.FileHeader{
				Name:               e.name,
				Method:             e.method,
				Flags:              e.flags,
				Extra:              e.extra,
				CRC32:              e.crc,
				CompressedSize64:   uint64(len(e.data)),
				UncompressedSize64: e.size,
				NonUTF8:            e.nonUTF8,
			})
			require.NoError(t, err)
			_, err = w.Write(e.data)
			require.NoError(t, err)
			continue
		}
		w, err := zw.CreateHeader(&zip.FileHeader{Name: e.name, Method: zip.Deflate, NonUTF8: e.nonUTF8})
		require.NoError(t, err)
		_, err = w.Write(e.data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
}

// shapefileEntries reads the files of a shapefile written by writePoints
// and returns them as zip entries under prefix.
func shapefileEntries(t *testing.T, shpPath, prefix string) []zipEntry {
	t.Helper()
	stem := shpPath[:len(shpPath)-len(".shp")]
	var out []zipEntry
	for _, ext := range []string{".shp", ".shx", ".dbf"} {
		data, err := os.ReadFile(stem + ext)
		require.NoError(t, err)
		out = append(out, zipEntry{name: prefix + filepath.Base(stem) + ext, data: data})
	}
	return out
}

func crcOf(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}
