// Package catalog resolves the open-data catalog into an immutable snapshot of
// dataset descriptors whose variants are concrete, fully addressed download targets.
package catalog

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	// ErrUnavailable is returned when the metadata source cannot be reached
	// after the client's own retry budget.
	ErrUnavailable = errors.New("catalog unavailable")

	// ErrMalformed marks a descriptor that could not be parsed. It is reported
	// per descriptor and never fails a whole resolve.
	ErrMalformed = errors.New("catalog descriptor malformed")

	// ErrNotFound is returned by sources for a missing document.
	ErrNotFound = errors.New("catalog document not found")
)

// MalformedError records a descriptor skipped during resolution.
type MalformedError struct {
	DatasetID string
	Err       error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("dataset %s: %v", e.DatasetID, e.Err)
}

func (e *MalformedError) Unwrap() []error {
	return []error{ErrMalformed, e.Err}
}

// UnavailableError records a descriptor whose documents could not be
// fetched. Unlike a malformed descriptor it may resolve on a later run.
type UnavailableError struct {
	DatasetID string
	Err       error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("dataset %s: %v", e.DatasetID, e.Err)
}

func (e *UnavailableError) Unwrap() []error {
	return []error{ErrUnavailable, e.Err}
}

// License is the license classification of a dataset.
type License int

const (
	LicenseUnknown License = iota
	LicenseOpen
	LicenseAttribution
	LicenseNonCommercial
)

var licenseNames = map[License]string{
	LicenseUnknown:       "unknown",
	LicenseOpen:          "open",
	LicenseAttribution:   "attribution-required",
	LicenseNonCommercial: "non-commercial",
}

func (l License) String() string {
	if s, ok := licenseNames[l]; ok {
		return s
	}
	return fmt.Sprintf("license(%d)", int(l))
}

// MarshalText implements encoding.TextMarshaler.
func (l License) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *License) UnmarshalText(b []byte) error {
	parsed, err := ParseLicense(string(b))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// ParseLicense parses a license class name as produced by License.String.
func ParseLicense(s string) (License, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for l, name := range licenseNames {
		if s == name {
			return l, nil
		}
	}
	return LicenseUnknown, fmt.Errorf("unknown license class %q", s)
}

// ClassifyUsage maps a free-text usage or license statement to a License.
func ClassifyUsage(usage string) License {
	u := strings.ToUpper(usage)
	switch {
	case u == "":
		return LicenseUnknown
	case strings.Contains(u, "非商用"):
		return LicenseNonCommercial
	case strings.Contains(u, "CC BY"), strings.Contains(u, "CC_BY"), strings.Contains(u, "CC-BY"),
		strings.Contains(u, "出典"):
		return LicenseAttribution
	case strings.Contains(u, "オープン"), strings.Contains(u, "CC0"), strings.Contains(u, "PDL"),
		strings.Contains(u, "OPEN"):
		return LicenseOpen
	default:
		return LicenseUnknown
	}
}

// DataType is the declared type of a column.
type DataType string

const (
	TypeString  DataType = "string"
	TypeInteger DataType = "integer"
	TypeReal    DataType = "real"
	TypeDate    DataType = "date"
	TypeBoolean DataType = "boolean"
)

// ParseDataType maps a catalog type label (Japanese or English) to a DataType.
// Code-list types are stored as strings, their values come from the enumeration.
func ParseDataType(label string) DataType {
	l := strings.ToLower(label)
	switch {
	case strings.Contains(l, "整数"), strings.Contains(l, "integer"), l == "int":
		return TypeInteger
	case strings.Contains(l, "実数"), strings.Contains(l, "real"), strings.Contains(l, "double"),
		strings.Contains(l, "decimal"):
		return TypeReal
	case strings.Contains(l, "日付"), strings.Contains(l, "時間"), strings.Contains(l, "date"):
		return TypeDate
	case strings.Contains(l, "真偽"), strings.Contains(l, "bool"):
		return TypeBoolean
	default:
		return TypeString
	}
}

// EnumValue is one value of an enumerated column.
type EnumValue struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

// ForeignKey references a column of another table.
type ForeignKey struct {
	Table  string `json:"table"`
	Column string `json:"column"`
}

// ColumnSpec declares one column of a dataset.
type ColumnSpec struct {
	// RawName is the identifier as it appears on disk, e.g. "G04a_001".
	RawName     string      `json:"raw_name"`
	Name        string      `json:"name"`
	Type        DataType    `json:"type"`
	Description string      `json:"description,omitempty"`
	Enum        []EnumValue `json:"enum,omitempty"`
	ForeignKey  *ForeignKey `json:"foreign_key,omitempty"`
}

// IsEnum reports whether the column has a declared enumeration.
func (c ColumnSpec) IsEnum() bool {
	return len(c.Enum) > 0
}

// Part is one archive of a variant.
type Part struct {
	URL  string `json:"url"`
	Size int64  `json:"size,omitempty"`
	Area string `json:"area,omitempty"`
	Year int    `json:"year,omitempty"`
}

// Variant is one concretely downloadable unit of a dataset.
type Variant struct {
	ID            string            `json:"id"`
	Name          string            `json:"name,omitempty"`
	GeometryType  string            `json:"geometry_type,omitempty"`
	Parts         []Part            `json:"parts"`
	ShapefileHint []string          `json:"shapefile_hint,omitempty"`
	Params        map[string]string `json:"params,omitempty"`
	Columns       []ColumnSpec      `json:"columns,omitempty"`
}

// DatasetDescriptor describes one open-data product.
type DatasetDescriptor struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Category    []string     `json:"category,omitempty"`
	License     License      `json:"license"`
	Usage       string       `json:"usage,omitempty"`
	SourceURL   string       `json:"source_url,omitempty"`
	Version     string       `json:"version,omitempty"`
	Variants    []Variant    `json:"variants"`
	Columns     []ColumnSpec `json:"columns,omitempty"`
	PrimaryKey  string       `json:"primary_key,omitempty"`
}

// Variant returns the variant with the given identifier.
func (d DatasetDescriptor) Variant(id string) (Variant, bool) {
	for _, v := range d.Variants {
		if v.ID == id {
			return v, true
		}
	}
	return Variant{}, false
}

// ForVariant narrows the descriptor to a single variant. The variant's own
// columns replace the descriptor's declared list when it has any.
func (d DatasetDescriptor) ForVariant(id string) (DatasetDescriptor, bool) {
	v, ok := d.Variant(id)
	if !ok {
		return DatasetDescriptor{}, false
	}
	out := d
	out.Variants = []Variant{v}
	if len(v.Columns) > 0 {
		out.Columns = v.Columns
	}
	return out, true
}

// Snapshot is the catalog as fetched once for a run.
type Snapshot struct {
	Descriptors []DatasetDescriptor
	Malformed   []*MalformedError
	Unavailable []*UnavailableError
	FetchedAt   time.Time
}

// Lookup returns the descriptor with the given identifier.
func (s *Snapshot) Lookup(id string) (DatasetDescriptor, bool) {
	i := sort.Search(len(s.Descriptors), func(i int) bool { return s.Descriptors[i].ID >= id })
	if i < len(s.Descriptors) && s.Descriptors[i].ID == id {
		return s.Descriptors[i], true
	}
	return DatasetDescriptor{}, false
}
