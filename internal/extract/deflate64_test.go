package extract

import (
	"bytes"
	"compress/flate"
	"io"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sampleText is word soup with short repeats only. Deflate64 shares every
// code with deflate except length 258, which needs a 258-byte repeat.
func sampleText(n int) []byte {
	words := []string{"行政", "区域", "river", "mesh", "5339", "station", "railway", "路線", "bus", "stop", "code"}
	rng := rand.New(rand.NewSource(1))
	var b strings.Builder
	for b.Len() < n {
		b.WriteString(words[rng.Intn(len(words))])
		b.WriteByte(" ,;\n"[rng.Intn(4)])
	}
	return []byte(b.String())
}

func deflated(t *testing.T, data []byte, level ...int) []byte {
	t.Helper()
	lvl := flate.DefaultCompression
	if len(level) > 0 {
		lvl = level[0]
	}
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, lvl)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func inflate64(data []byte) ([]byte, error) {
	return io.ReadAll(newDeflate64Reader(bytes.NewReader(data)))
}

func TestDeflate64DecodesDeflateSubset(t *testing.T) {
	content := sampleText(200 << 10)
	for _, level := range []int{flate.NoCompression, flate.BestSpeed, flate.DefaultCompression, flate.HuffmanOnly} {
		got, err := inflate64(deflated(t, content, level))
		require.NoError(t, err, "level %d", level)
		assert.Equal(t, content, got, "level %d", level)
	}
}

// bitWriter packs deflate bit strings: values LSB first, Huffman codes
// MSB first.
type bitWriter struct {
	out   []byte
	acc   uint32
	nbits uint
}

func (w *bitWriter) bits(v uint32, n uint) {
	for i := uint(0); i < n; i++ {
		w.acc |= ((v >> i) & 1) << w.nbits
		w.nbits++
		if w.nbits == 8 {
			w.out = append(w.out, byte(w.acc))
			w.acc, w.nbits = 0, 0
		}
	}
}

func (w *bitWriter) code(c uint32, n uint) {
	for i := int(n) - 1; i >= 0; i-- {
		w.bits((c>>uint(i))&1, 1)
	}
}

func (w *bitWriter) bytes() []byte {
	if w.nbits > 0 {
		return append(w.out, byte(w.acc))
	}
	return w.out
}

func TestDeflate64LongMatch(t *testing.T) {
	const run = 40_000
	var w bitWriter
	w.bits(1, 1)              // final block
	w.bits(1, 2)              // fixed huffman
	w.code(0x30+'a', 8)       // literal 'a'
	w.code(0xc0+(285-280), 8) // length symbol 285
	w.bits(run-3, 16)         // 16 extra bits
	w.code(0, 5)              // distance code 0 = 1
	w.code(0, 7)              // end of block

	got, err := inflate64(w.bytes())
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("a", run+1), string(got))
}

func TestDeflate64LargeDistance(t *testing.T) {
	// A stored block of 50000 bytes followed by a fixed block copying from
	// distance 49153 (code 31), beyond the deflate window.
	prefix := sampleText(50_000)[:50_000]
	var w bitWriter
	w.bits(0, 1)
	w.bits(0, 2)
	w.bits(0, 5) // align
	w.bits(uint32(len(prefix)), 16)
	w.bits(^uint32(len(prefix))&0xffff, 16)
	for _, b := range prefix {
		w.bits(uint32(b), 8)
	}
	w.bits(1, 1)
	w.bits(1, 2)
	w.code(0xc0+(284-280), 8) // length symbol 284: base 227, 5 extra bits
	w.bits(0, 5)
	w.code(31, 5) // distance code 31: base 49153, 14 extra bits
	w.bits(0, 14)
	w.code(0, 7)

	got, err := inflate64(w.bytes())
	require.NoError(t, err)
	start := len(prefix) - 49153
	assert.Equal(t, prefix, got[:len(prefix)])
	assert.Equal(t, prefix[start:start+227], got[len(prefix):])
}

func TestDeflate64Corrupt(t *testing.T) {
	_, err := inflate64([]byte{0xff, 0xff, 0xff})
	assert.Error(t, err)

	full := deflated(t, sampleText(10_000))
	_, err = inflate64(full[:len(full)/2])
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
