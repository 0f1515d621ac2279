package extract

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/unicode/norm"
)

// Canonical encoding names, as understood by GDAL's ENCODING open option.
const (
	EncodingCP932 = "CP932"
	EncodingUTF8  = "UTF-8"
	EncodingEUCJP = "EUC-JP"
)

// DefaultEncoding is assumed for text that carries no evidence either way.
const DefaultEncoding = EncodingCP932

// canonicalEncoding maps a declared charset (a .cpg body, a code page
// number) to a canonical name.
func canonicalEncoding(declared string) (string, bool) {
	key := strings.ToUpper(strings.TrimSpace(declared))
	key = strings.NewReplacer("-", "", "_", "", " ", "").Replace(key)
	switch key {
	case "CP932", "932", "SHIFTJIS", "SJIS", "MS932", "WINDOWS31J", "ANSI932", "WINDOWS932":
		return EncodingCP932, true
	case "UTF8", "65001":
		return EncodingUTF8, true
	case "EUCJP", "20932", "51932":
		return EncodingEUCJP, true
	default:
		return "", false
	}
}

// ldidEncoding maps a DBF language driver byte.
func ldidEncoding(ldid byte) (string, bool) {
	switch ldid {
	case 0x13, 0x7b:
		return EncodingCP932, true
	default:
		return "", false
	}
}

func textEncoding(name string) encoding.Encoding {
	switch name {
	case EncodingCP932:
		return japanese.ShiftJIS
	case EncodingEUCJP:
		return japanese.EUCJP
	default:
		return nil
	}
}

// Decode transcodes raw text in the named encoding to NFC-normalized UTF-8.
// Undecodable input is an error wrapping ErrUnsupportedEncoding.
func Decode(name string, raw []byte) (string, error) {
	if name == EncodingUTF8 {
		if !utf8.Valid(raw) {
			return "", fmt.Errorf("%w: invalid UTF-8", ErrUnsupportedEncoding)
		}
		return norm.NFC.String(string(raw)), nil
	}
	enc := textEncoding(name)
	if enc == nil {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedEncoding, name)
	}
	if isASCII(raw) {
		return string(raw), nil
	}
	out, err := enc.NewDecoder().Bytes(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrUnsupportedEncoding, name, err)
	}
	if strings.ContainsRune(string(out), utf8.RuneError) {
		return "", fmt.Errorf("%w: bytes invalid in %s", ErrUnsupportedEncoding, name)
	}
	return norm.NFC.String(string(out)), nil
}

// decodes reports whether raw decodes cleanly in the named encoding.
func decodes(name string, raw []byte) bool {
	_, err := Decode(name, raw)
	return err == nil
}

func isASCII(b []byte) bool {
	for _, c := range b {
		if c >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

// detectEncoding picks the encoding of a layer's attribute text. A declared
// charset (.cpg, then the DBF language driver) is trusted when the sample
// decodes under it; otherwise the sample is tried against CP932, UTF-8 and
// EUC-JP in that order. Pure ASCII text gets the default encoding.
func detectEncoding(cpg string, ldid byte, sample []byte) (string, string, error) {
	if name, ok := canonicalEncoding(cpg); ok && decodes(name, sample) {
		return name, "cpg", nil
	}
	if name, ok := ldidEncoding(ldid); ok && decodes(name, sample) {
		return name, "ldid", nil
	}
	if isASCII(sample) {
		return DefaultEncoding, "default", nil
	}
	if text, err := Decode(EncodingCP932, sample); err == nil {
		if utf8.Valid(sample) && misreadUTF8(text) {
			return EncodingUTF8, "heuristic", nil
		}
		return EncodingCP932, "heuristic", nil
	}
	for _, name := range []string{EncodingUTF8, EncodingEUCJP} {
		if decodes(name, sample) {
			return name, "heuristic", nil
		}
	}
	return "", "", fmt.Errorf("%w: declared %q, no candidate decodes the attribute text", ErrUnsupportedEncoding, strings.TrimSpace(cpg))
}

// misreadUTF8 reports whether CP932-decoded text has the shape of UTF-8 read
// as CP932: the third byte of a three-byte sequence surfaces as a half-width
// katakana right after a double-byte character.
func misreadUTF8(text string) bool {
	prevWide := false
	for _, r := range text {
		halfKana := r >= 0xff61 && r <= 0xff9f
		if halfKana && prevWide {
			return true
		}
		prevWide = r >= 0x0800 && !halfKana
	}
	return false
}
