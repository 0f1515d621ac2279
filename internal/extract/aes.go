package extract

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	yzip "github.com/yeka/zip"
)

// encryptedArchive opens the WinZip AES entries of one archive. archive/zip
// lists them but cannot decrypt them; yeka/zip reads the same central
// directory, so entries line up by position. The reader is opened on first
// use.
type encryptedArchive struct {
	path string
	zr   *yzip.ReadCloser
}

func (e *encryptedArchive) file(index int, name string) (*yzip.File, error) {
	if e.zr == nil {
		zr, err := yzip.OpenReader(e.path)
		if err != nil {
			return nil, err
		}
		zr.RegisterDecompressor(methodDeflate, flate.NewReader)
		zr.RegisterDecompressor(methodDeflate64, newDeflate64Reader)
		zr.RegisterDecompressor(methodZstd, newZstdReader)
		e.zr = zr
	}
	if index >= len(e.zr.File) || e.zr.File[index].Name != name {
		return nil, fmt.Errorf("aes entry %q not found in central directory", name)
	}
	return e.zr.File[index], nil
}

func (e *encryptedArchive) Close() error {
	if e.zr == nil {
		return nil
	}
	return e.zr.Close()
}

func (x *Extractor) openAES(enc *encryptedArchive, index int, f *zip.File) (io.ReadCloser, error) {
	if x.cfg.Password == "" {
		return nil, ErrPasswordRequired
	}
	yf, err := enc.file(index, f.Name)
	if err != nil {
		return nil, err
	}
	if !yf.IsEncrypted() {
		return nil, fmt.Errorf("aes entry without a valid 0x9901 extra field")
	}
	if yf.Method == methodLZMA {
		// The LZMA preamble needs the entry's flags and size.
		enc.zr.RegisterDecompressor(methodLZMA, lzmaDecompressor(f.Flags, f.UncompressedSize64))
	}

	yf.SetPassword(x.cfg.Password)
	rc, err := yf.Open()
	if err != nil {
		return nil, aesError(err)
	}
	return &aesReader{rc: rc}, nil
}

func lzmaDecompressor(flags uint16, size uint64) yzip.Decompressor {
	return func(r io.Reader) io.ReadCloser {
		lr, err := openLZMA(r, flags&flagLZMAEOS != 0, size)
		if err != nil {
			return errReadCloser{err}
		}
		return io.NopCloser(lr)
	}
}

// aesError maps yeka/zip password and integrity failures to
// ErrAuthentication.
func aesError(err error) error {
	switch {
	case errors.Is(err, yzip.ErrPassword):
		return fmt.Errorf("%w: wrong password", ErrAuthentication)
	case errors.Is(err, yzip.ErrAuthentication), errors.Is(err, yzip.ErrDecryption):
		return fmt.Errorf("%w: %v", ErrAuthentication, err)
	default:
		return err
	}
}

type aesReader struct {
	rc io.ReadCloser
}

func (a *aesReader) Read(p []byte) (int, error) {
	n, err := a.rc.Read(p)
	if err != nil && err != io.EOF {
		err = aesError(err)
	}
	return n, err
}

func (a *aesReader) Close() error {
	return a.rc.Close()
}
