package extract

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// Deflate64 ("enhanced deflate", zip method 9) differs from deflate in its
// 64 KiB window, length code 285 (base 3 with 16 extra bits) and distance
// codes 30 and 31. Neither compress/flate nor klauspost/compress decode it.

const (
	d64Window  = 1 << 16
	d64MaxBits = 15
	d64Chunk   = 32 << 10
)

var (
	d64LenBase  = [29]uint32{3, 4, 5, 6, 7, 8, 9, 10, 11, 13, 15, 17, 19, 23, 27, 31, 35, 43, 51, 59, 67, 83, 99, 115, 131, 163, 195, 227, 3}
	d64LenExtra = [29]uint{0, 0, 0, 0, 0, 0, 0, 0, 1, 1, 1, 1, 2, 2, 2, 2, 3, 3, 3, 3, 4, 4, 4, 4, 5, 5, 5, 5, 16}

	d64DistBase = [32]uint32{1, 2, 3, 4, 5, 7, 9, 13, 17, 25, 33, 49, 65, 97, 129, 193, 257, 385, 513, 769,
		1025, 1537, 2049, 3073, 4097, 6145, 8193, 12289, 16385, 24577, 32769, 49153}
	d64DistExtra = [32]uint{0, 0, 0, 0, 1, 1, 2, 2, 3, 3, 4, 4, 5, 5, 6, 6, 7, 7, 8, 8, 9, 9, 10, 10, 11, 11, 12, 12, 13, 13, 14, 14}

	d64CodeOrder = [19]int{16, 17, 18, 0, 8, 7, 9, 6, 10, 5, 11, 4, 12, 3, 13, 2, 14, 1, 15}

	errDeflate64 = errors.New("corrupt deflate64 stream")
)

// huffman is a canonical Huffman code in count/symbol form.
type huffman struct {
	count  [d64MaxBits + 1]uint16
	symbol []uint16
}

// build constructs the code from per-symbol lengths. Incomplete codes are
// accepted (a single distance code is legal); over-subscribed ones are not.
func (h *huffman) build(lengths []uint8) error {
	h.count = [d64MaxBits + 1]uint16{}
	for _, l := range lengths {
		h.count[l]++
	}
	if int(h.count[0]) == len(lengths) {
		h.symbol = h.symbol[:0]
		return nil
	}
	left := 1
	for l := 1; l <= d64MaxBits; l++ {
		left <<= 1
		left -= int(h.count[l])
		if left < 0 {
			return fmt.Errorf("%w: over-subscribed code", errDeflate64)
		}
	}
	var offs [d64MaxBits + 2]uint16
	for l := 1; l < d64MaxBits; l++ {
		offs[l+1] = offs[l] + h.count[l]
	}
	h.symbol = make([]uint16, len(lengths))
	for sym, l := range lengths {
		if l != 0 {
			h.symbol[offs[l]] = uint16(sym)
			offs[l]++
		}
	}
	return nil
}

type d64State int

const (
	d64Header d64State = iota
	d64Stored
	d64Codes
	d64Done
)

type deflate64Reader struct {
	src   io.ByteReader
	bits  uint64
	nbits uint

	state  d64State
	final  bool
	stored int
	lit    huffman
	dist   huffman

	hist    [d64Window]byte
	hpos    int
	written int64

	copyLen  int
	copyDist int

	out []byte
	buf []byte
	err error
}

func newDeflate64Reader(r io.Reader) io.ReadCloser {
	br, ok := r.(io.ByteReader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &deflate64Reader{src: br, buf: make([]byte, 0, d64Chunk)}
}

func (d *deflate64Reader) Read(p []byte) (int, error) {
	for len(d.out) == 0 {
		if d.err != nil {
			return 0, d.err
		}
		d.fill()
	}
	n := copy(p, d.out)
	d.out = d.out[n:]
	return n, nil
}

func (d *deflate64Reader) Close() error {
	return nil
}

func (d *deflate64Reader) needBits(n uint) error {
	for d.nbits < n {
		b, err := d.src.ReadByte()
		if err != nil {
			if err == io.EOF {
				return io.ErrUnexpectedEOF
			}
			return err
		}
		d.bits |= uint64(b) << d.nbits
		d.nbits += 8
	}
	return nil
}

func (d *deflate64Reader) readBits(n uint) (uint32, error) {
	if n == 0 {
		return 0, nil
	}
	if err := d.needBits(n); err != nil {
		return 0, err
	}
	v := uint32(d.bits & (1<<n - 1))
	d.bits >>= n
	d.nbits -= n
	return v, nil
}

func (d *deflate64Reader) decode(h *huffman) (int, error) {
	code, first, index := 0, 0, 0
	for l := 1; l <= d64MaxBits; l++ {
		bit, err := d.readBits(1)
		if err != nil {
			return 0, err
		}
		code |= int(bit)
		count := int(h.count[l])
		if code-count < first {
			return int(h.symbol[index+code-first]), nil
		}
		index += count
		first += count
		first <<= 1
		code <<= 1
	}
	return 0, fmt.Errorf("%w: invalid huffman code", errDeflate64)
}

func (d *deflate64Reader) emit(b byte) {
	d.hist[d.hpos] = b
	d.hpos = (d.hpos + 1) & (d64Window - 1)
	d.written++
	d.buf = append(d.buf, b)
}

// fill decodes up to one chunk of output into d.out.
func (d *deflate64Reader) fill() {
	d.buf = d.buf[:0]
	for len(d.buf) < d64Chunk && d.err == nil {
		if err := d.step(); err != nil {
			d.err = err
		}
	}
	d.out = d.buf
}

func (d *deflate64Reader) step() error {
	switch d.state {
	case d64Done:
		return io.EOF

	case d64Header:
		if d.final {
			d.state = d64Done
			return io.EOF
		}
		hdr, err := d.readBits(3)
		if err != nil {
			return err
		}
		d.final = hdr&1 == 1
		switch hdr >> 1 {
		case 0:
			return d.startStored()
		case 1:
			d.fixedTables()
			d.state = d64Codes
		case 2:
			if err := d.dynamicTables(); err != nil {
				return err
			}
			d.state = d64Codes
		default:
			return fmt.Errorf("%w: invalid block type", errDeflate64)
		}
		return nil

	case d64Stored:
		if d.stored == 0 {
			d.state = d64Header
			return nil
		}
		b, err := d.readBits(8)
		if err != nil {
			return err
		}
		d.emit(byte(b))
		d.stored--
		return nil

	default:
		if d.copyLen > 0 {
			d.emit(d.hist[(d.hpos-d.copyDist)&(d64Window-1)])
			d.copyLen--
			return nil
		}
		return d.symbol()
	}
}

func (d *deflate64Reader) startStored() error {
	// Discard to the byte boundary.
	d.bits >>= d.nbits % 8
	d.nbits -= d.nbits % 8
	n, err := d.readBits(16)
	if err != nil {
		return err
	}
	nn, err := d.readBits(16)
	if err != nil {
		return err
	}
	if n != ^nn&0xffff {
		return fmt.Errorf("%w: stored block length check", errDeflate64)
	}
	d.stored = int(n)
	d.state = d64Stored
	return nil
}

func (d *deflate64Reader) symbol() error {
	sym, err := d.decode(&d.lit)
	if err != nil {
		return err
	}
	switch {
	case sym < 256:
		d.emit(byte(sym))
		return nil
	case sym == 256:
		d.state = d64Header
		return nil
	}

	sym -= 257
	if sym >= len(d64LenBase) {
		return fmt.Errorf("%w: invalid length symbol", errDeflate64)
	}
	extra, err := d.readBits(d64LenExtra[sym])
	if err != nil {
		return err
	}
	length := int(d64LenBase[sym] + extra)

	dsym, err := d.decode(&d.dist)
	if err != nil {
		return err
	}
	if dsym >= len(d64DistBase) {
		return fmt.Errorf("%w: invalid distance symbol", errDeflate64)
	}
	extra, err = d.readBits(d64DistExtra[dsym])
	if err != nil {
		return err
	}
	dist := int(d64DistBase[dsym] + extra)
	if int64(dist) > d.written {
		return fmt.Errorf("%w: distance %d beyond output", errDeflate64, dist)
	}
	d.copyLen, d.copyDist = length, dist
	return nil
}

func (d *deflate64Reader) fixedTables() {
	var lengths [288]uint8
	for i := range lengths {
		switch {
		case i < 144:
			lengths[i] = 8
		case i < 256:
			lengths[i] = 9
		case i < 280:
			lengths[i] = 7
		default:
			lengths[i] = 8
		}
	}
	d.lit.build(lengths[:])

	var dist [32]uint8
	for i := range dist {
		dist[i] = 5
	}
	d.dist.build(dist[:])
}

func (d *deflate64Reader) dynamicTables() error {
	hlit, err := d.readBits(5)
	if err != nil {
		return err
	}
	hdist, err := d.readBits(5)
	if err != nil {
		return err
	}
	hclen, err := d.readBits(4)
	if err != nil {
		return err
	}
	nlen, ndist, ncode := int(hlit)+257, int(hdist)+1, int(hclen)+4
	if nlen > 286 {
		return fmt.Errorf("%w: too many length codes", errDeflate64)
	}

	var codeLengths [19]uint8
	for i := 0; i < ncode; i++ {
		v, err := d.readBits(3)
		if err != nil {
			return err
		}
		codeLengths[d64CodeOrder[i]] = uint8(v)
	}
	var lencode huffman
	if err := lencode.build(codeLengths[:]); err != nil {
		return err
	}

	lengths := make([]uint8, nlen+ndist)
	for i := 0; i < len(lengths); {
		sym, err := d.decode(&lencode)
		if err != nil {
			return err
		}
		if sym < 16 {
			lengths[i] = uint8(sym)
			i++
			continue
		}

		var (
			repeat uint32
			value  uint8
		)
		switch sym {
		case 16:
			if i == 0 {
				return fmt.Errorf("%w: repeat with no previous length", errDeflate64)
			}
			value = lengths[i-1]
			if repeat, err = d.readBits(2); err != nil {
				return err
			}
			repeat += 3
		case 17:
			if repeat, err = d.readBits(3); err != nil {
				return err
			}
			repeat += 3
		default:
			if repeat, err = d.readBits(7); err != nil {
				return err
			}
			repeat += 11
		}
		if i+int(repeat) > len(lengths) {
			return fmt.Errorf("%w: too many lengths", errDeflate64)
		}
		for ; repeat > 0; repeat-- {
			lengths[i] = value
			i++
		}
	}

	if lengths[256] == 0 {
		return fmt.Errorf("%w: missing end-of-block code", errDeflate64)
	}
	if err := d.lit.build(lengths[:nlen]); err != nil {
		return err
	}
	return d.dist.build(lengths[nlen:])
}
