package extract

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz/lzma"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/unicode/norm"
)

// Zip compression method identifiers.
const (
	methodStore     uint16 = 0
	methodDeflate   uint16 = 8
	methodDeflate64 uint16 = 9
	methodLZMA      uint16 = 14
	methodZstd      uint16 = 93
	methodAES       uint16 = 99
)

const (
	flagEncrypted = 0x1
	flagLZMAEOS   = 0x2
	extraUnicode  = 0x7075
)

// registerDecompressors installs the stream codecs on a zip reader. LZMA
// entries need header data and are opened raw instead; AES entries go
// through encryptedArchive.
func registerDecompressors(zr *zip.Reader) {
	zr.RegisterDecompressor(methodDeflate, flate.NewReader)
	zr.RegisterDecompressor(methodDeflate64, newDeflate64Reader)
	zr.RegisterDecompressor(methodZstd, newZstdReader)
}

func newZstdReader(r io.Reader) io.ReadCloser {
	d, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return errReadCloser{err}
	}
	return d.IOReadCloser()
}

type errReadCloser struct{ err error }

func (e errReadCloser) Read([]byte) (int, error) { return 0, e.err }
func (e errReadCloser) Close() error             { return nil }

// open returns the decompressed, integrity-checked contents of f, the
// index-th entry of the archive enc refers to.
func (x *Extractor) open(enc *encryptedArchive, index int, f *zip.File) (io.ReadCloser, error) {
	switch {
	case f.Method == methodAES:
		return x.openAES(enc, index, f)
	case f.Flags&flagEncrypted != 0:
		return nil, fmt.Errorf("traditional zip encryption is not supported (method %d)", f.Method)
	case f.Method == methodLZMA:
		raw, err := f.OpenRaw()
		if err != nil {
			return nil, err
		}
		r, err := openLZMA(raw, f.Flags&flagLZMAEOS != 0, f.UncompressedSize64)
		if err != nil {
			return nil, err
		}
		return newChecked(io.NopCloser(r), f.CRC32, f.UncompressedSize64, true), nil
	default:
		rc, err := f.Open()
		if errors.Is(err, zip.ErrAlgorithm) {
			return nil, fmt.Errorf("unsupported compression method %d", f.Method)
		}
		return rc, err
	}
}

// openLZMA reads the zip LZMA preamble (version, properties size,
// properties) and returns a reader over the stream. When the stream carries
// an end marker the size is left unknown so the decoder stops at the marker.
func openLZMA(r io.Reader, eos bool, size uint64) (io.Reader, error) {
	var pre [4]byte
	if _, err := io.ReadFull(r, pre[:]); err != nil {
		return nil, fmt.Errorf("read lzma header: %w", err)
	}
	propSize := binary.LittleEndian.Uint16(pre[2:])
	if propSize != 5 {
		return nil, fmt.Errorf("lzma properties size %d, want 5", propSize)
	}
	props := make([]byte, 5, 13)
	if _, err := io.ReadFull(r, props); err != nil {
		return nil, fmt.Errorf("read lzma properties: %w", err)
	}

	// Classic .lzma header: properties, dictionary size, uncompressed size.
	declared := size
	if eos {
		declared = ^uint64(0)
	}
	header := binary.LittleEndian.AppendUint64(props, declared)

	lr, err := lzma.NewReader(io.MultiReader(bytes.NewReader(header), r))
	if err != nil {
		return nil, fmt.Errorf("open lzma stream: %w", err)
	}
	return lr, nil
}

// checked verifies size and CRC-32 once the stream is drained.
type checked struct {
	rc       io.ReadCloser
	hash     hash.Hash32
	want     uint32
	size     uint64
	n        uint64
	checkCRC bool
}

func newChecked(rc io.ReadCloser, crc uint32, size uint64, checkCRC bool) *checked {
	return &checked{rc: rc, hash: crc32.NewIEEE(), want: crc, size: size, checkCRC: checkCRC}
}

func (c *checked) Read(p []byte) (int, error) {
	n, err := c.rc.Read(p)
	c.hash.Write(p[:n])
	c.n += uint64(n)
	if c.n > c.size {
		return n, fmt.Errorf("entry larger than declared size %d", c.size)
	}
	if err == io.EOF {
		if c.n != c.size {
			return n, io.ErrUnexpectedEOF
		}
		if c.checkCRC && c.hash.Sum32() != c.want {
			return n, zip.ErrChecksum
		}
	}
	return n, err
}

func (c *checked) Close() error {
	return c.rc.Close()
}

// entryName decodes an entry name to normalized UTF-8. Names without the
// UTF-8 flag are Shift_JIS unless an Info-ZIP Unicode path field overrides
// them.
func entryName(f *zip.File) (string, error) {
	name := f.Name
	if u, ok := unicodePathExtra(f.Extra); ok {
		name = u
	} else if f.NonUTF8 {
		decoded, err := japanese.ShiftJIS.NewDecoder().String(name)
		if err == nil && !strings.ContainsRune(decoded, utf8.RuneError) {
			name = decoded
		} else if !utf8.ValidString(name) {
			return "", fmt.Errorf("entry name %q is neither Shift_JIS nor UTF-8", name)
		}
	}
	return norm.NFC.String(name), nil
}

// unicodePathExtra returns the name stored in an Info-ZIP Unicode Path
// extra field (0x7075), if present.
func unicodePathExtra(extra []byte) (string, bool) {
	for len(extra) >= 4 {
		id := binary.LittleEndian.Uint16(extra)
		size := int(binary.LittleEndian.Uint16(extra[2:]))
		extra = extra[4:]
		if size > len(extra) {
			return "", false
		}
		field := extra[:size]
		extra = extra[size:]
		// version(1) + crc32 of the original name(4) + utf-8 name
		if id == extraUnicode && len(field) > 5 && field[0] == 1 && utf8.Valid(field[5:]) {
			return string(field[5:]), true
		}
	}
	return "", false
}
