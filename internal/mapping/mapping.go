// Package mapping resolves the on-disk columns of an extracted layer against
// the columns a dataset declares.
package mapping

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/withObsrvr/ksj-ingest/internal/catalog"
	"github.com/withObsrvr/ksj-ingest/internal/extract"
)

// ErrSchemaMismatch marks unmapped or enum-violating columns. It is a
// finding attached to a successful conversion, never a stage failure.
var ErrSchemaMismatch = errors.New("schema mismatch")

// MatchKind is how a raw column was matched.
type MatchKind int

const (
	Unmapped MatchKind = iota
	ExactMatch
	FallbackMatch
)

var matchKindNames = [...]string{"unmapped", "exact", "fallback"}

func (k MatchKind) String() string {
	if int(k) < len(matchKindNames) {
		return matchKindNames[k]
	}
	return fmt.Sprintf("match(%d)", int(k))
}

// MarshalText implements encoding.TextMarshaler.
func (k MatchKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *MatchKind) UnmarshalText(b []byte) error {
	for i, name := range matchKindNames {
		if string(b) == name {
			*k = MatchKind(i)
			return nil
		}
	}
	return fmt.Errorf("unknown match kind %q", b)
}

// Rule names the fallback that produced a FallbackMatch.
type Rule string

const (
	// RuleCaseFold matches names that differ only in case or width.
	RuleCaseFold Rule = "case-fold"

	// RulePrefix matches a raw name that is a prefix of exactly one declared
	// name, or the reverse, such as field names truncated to the DBF limit.
	RulePrefix Rule = "prefix"

	// RulePosition pairs the remaining raw and declared columns in order when
	// both have the same non-zero count.
	RulePosition Rule = "position"
)

const minPrefixLen = 4

// Column is one raw column and the outcome of matching it.
type Column struct {
	Raw   string `json:"raw"`
	Index int    `json:"index"`

	Match MatchKind `json:"match"`
	Rule  Rule      `json:"rule,omitempty"`

	// Spec is the declared column, nil when unmapped.
	Spec *catalog.ColumnSpec `json:"spec,omitempty"`

	// Output is the unique name the column is written under.
	Output string           `json:"output"`
	Type   catalog.DataType `json:"type"`
}

// ForeignKey returns the reference target of the column, if any.
func (c Column) ForeignKey() *catalog.ForeignKey {
	if c.Spec == nil {
		return nil
	}
	return c.Spec.ForeignKey
}

// ColumnInfo describes an output column for metadata consumers: its
// declared description, reference target and enumeration.
type ColumnInfo struct {
	Name        string              `json:"name"`
	Raw         string              `json:"raw"`
	Type        catalog.DataType    `json:"type"`
	Description string              `json:"description,omitempty"`
	ForeignKey  *catalog.ForeignKey `json:"foreign_key,omitempty"`
	Enum        []catalog.EnumValue `json:"enum_values,omitempty"`
}

// Info returns the metadata view of the column.
func (c Column) Info() ColumnInfo {
	info := ColumnInfo{Name: c.Output, Raw: c.Raw, Type: c.Type, ForeignKey: c.ForeignKey()}
	if c.Spec != nil {
		info.Description = c.Spec.Description
		info.Enum = c.Spec.Enum
	}
	return info
}

// ColumnInfos merges the output columns of schemas, first occurrence wins.
// Layers of one variant share a table, so equal output names are one column.
func ColumnInfos(schemas ...Schema) []ColumnInfo {
	seen := make(map[string]bool)
	var out []ColumnInfo
	for _, s := range schemas {
		for _, c := range s.Columns {
			if seen[c.Output] {
				continue
			}
			seen[c.Output] = true
			out = append(out, c.Info())
		}
	}
	return out
}

// EnumViolation is a raw value absent from a column's declared enumeration.
type EnumViolation struct {
	Row    int    `json:"row"`
	Column string `json:"column"`
	Value  string `json:"value"`
}

// Schema is the resolved mapping of one layer.
type Schema struct {
	Dataset  string   `json:"dataset"`
	Variant  string   `json:"variant"`
	Layer    string   `json:"layer"`
	Columns  []Column `json:"columns"`
	RowCount int      `json:"row_count"`

	// Violations holds the first enum violations found; ViolationCount counts
	// all of them.
	Violations     []EnumViolation `json:"violations,omitempty"`
	ViolationCount int             `json:"violation_count,omitempty"`
}

// Unmapped returns the raw names of columns without a declared match.
func (s Schema) Unmapped() []string {
	var out []string
	for _, c := range s.Columns {
		if c.Match == Unmapped {
			out = append(out, c.Raw)
		}
	}
	return out
}

// OutputNames returns the output column names in layer order.
func (s Schema) OutputNames() []string {
	out := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		out[i] = c.Output
	}
	return out
}

// Warnings describes the schema findings, one line each.
func (s Schema) Warnings() []string {
	var out []string
	for _, raw := range s.Unmapped() {
		out = append(out, fmt.Sprintf("layer %s: unmapped column %s", s.Layer, raw))
	}

	type tally struct {
		count int
		first EnumViolation
	}
	byColumn := make(map[string]*tally)
	var order []string
	for _, v := range s.Violations {
		t, ok := byColumn[v.Column]
		if !ok {
			t = &tally{first: v}
			byColumn[v.Column] = t
			order = append(order, v.Column)
		}
		t.count++
	}
	for _, col := range order {
		t := byColumn[col]
		out = append(out, fmt.Sprintf("layer %s: column %s has %d value(s) outside its enumeration, first %q at row %d",
			s.Layer, col, t.count, t.first.Value, t.first.Row))
	}
	if extra := s.ViolationCount - len(s.Violations); extra > 0 {
		out = append(out, fmt.Sprintf("layer %s: %d further enumeration violations not listed", s.Layer, extra))
	}
	return out
}

// Err returns an error wrapping ErrSchemaMismatch when the schema has
// findings, nil otherwise.
func (s Schema) Err() error {
	w := s.Warnings()
	if len(w) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrSchemaMismatch, strings.Join(w, "; "))
}

// Options configures a Mapper.
type Options struct {
	// ExactOnly disables the fallback rules.
	ExactOnly bool `yaml:"exact_only"`

	// MaxViolations bounds the violations kept per layer (default: 100).
	MaxViolations int `yaml:"max_violations"`
}

// Mapper maps extracted layers to declared schemas.
type Mapper struct {
	opts Options
}

// New creates a Mapper.
func New(opts Options) *Mapper {
	if opts.MaxViolations <= 0 {
		opts.MaxViolations = 100
	}
	return &Mapper{opts: opts}
}

// Map resolves the layer's columns against desc and validates enumerated
// columns row by row. desc should already be narrowed to the variant.
func (m *Mapper) Map(layer extract.Layer, desc catalog.DatasetDescriptor) (Schema, error) {
	s := Schema{
		Dataset:  desc.ID,
		Layer:    layer.Name,
		Columns:  Resolve(layer.Fields, desc.Columns, !m.opts.ExactOnly),
		RowCount: layer.RowCount,
	}
	if len(desc.Variants) == 1 {
		s.Variant = desc.Variants[0].ID
	}

	type enumColumn struct {
		index int
		set   enumSet
	}
	var enums []enumColumn
	for i, c := range s.Columns {
		if c.Spec != nil && c.Spec.IsEnum() {
			enums = append(enums, enumColumn{index: i, set: newEnumSet(c.Spec.Enum)})
		}
	}
	if len(enums) == 0 {
		return s, nil
	}

	err := layer.Rows(func(row int, values []string) error {
		for _, e := range enums {
			if e.index >= len(values) || e.set.contains(values[e.index]) {
				continue
			}
			s.ViolationCount++
			if len(s.Violations) < m.opts.MaxViolations {
				s.Violations = append(s.Violations, EnumViolation{Row: row, Column: s.Columns[e.index].Output, Value: values[e.index]})
			}
		}
		return nil
	})
	if err != nil {
		return Schema{}, fmt.Errorf("validate enumerations of %s: %w", layer.Name, err)
	}
	return s, nil
}

// Resolve matches raw column names against specs. Exact matches are taken
// first (on-disk name, or the declared name for an already mapped layer),
// then, when fallback is set, case-fold, prefix and positional matches, in
// that order. Every raw column appears in the result in its original order.
func Resolve(raw []string, specs []catalog.ColumnSpec, fallback bool) []Column {
	cols := make([]Column, len(raw))
	taken := make([]bool, len(specs))
	for i, r := range raw {
		cols[i] = Column{Raw: r, Index: i}
	}

	assign := func(i, j int, kind MatchKind, rule Rule) {
		spec := specs[j]
		cols[i].Match, cols[i].Rule, cols[i].Spec = kind, rule, &spec
		taken[j] = true
	}

	for i, c := range cols {
		key := norm.NFC.String(c.Raw)
		for j, spec := range specs {
			if !taken[j] && (key == spec.RawName || (spec.Name != "" && key == spec.Name)) {
				assign(i, j, ExactMatch, "")
				break
			}
		}
	}

	if fallback {
		for i := range cols {
			if cols[i].Match != Unmapped {
				continue
			}
			key := foldKey(cols[i].Raw)
			for j, spec := range specs {
				if !taken[j] && key == foldKey(spec.RawName) {
					assign(i, j, FallbackMatch, RuleCaseFold)
					break
				}
			}
		}

		for i := range cols {
			if cols[i].Match != Unmapped {
				continue
			}
			if j, ok := uniquePrefix(cols[i].Raw, specs, taken); ok {
				assign(i, j, FallbackMatch, RulePrefix)
			}
		}

		var openRaw, openSpec []int
		for i := range cols {
			if cols[i].Match == Unmapped {
				openRaw = append(openRaw, i)
			}
		}
		for j := range specs {
			if !taken[j] {
				openSpec = append(openSpec, j)
			}
		}
		if len(openRaw) > 0 && len(openRaw) == len(openSpec) {
			for k, i := range openRaw {
				assign(i, openSpec[k], FallbackMatch, RulePosition)
			}
		}
	}

	used := make(map[string]bool)
	for i := range cols {
		c := &cols[i]
		c.Type = catalog.TypeString
		name := c.Raw
		if c.Spec != nil {
			c.Type = c.Spec.Type
			if c.Spec.Name != "" {
				name = c.Spec.Name
			}
		}
		c.Output = uniqueName(norm.NFC.String(name), used)
	}
	return cols
}

func foldKey(s string) string {
	return strings.ToLower(norm.NFKC.String(s))
}

// uniquePrefix finds the single open spec whose raw name and raw share a
// prefix relation.
func uniquePrefix(raw string, specs []catalog.ColumnSpec, taken []bool) (int, bool) {
	key := foldKey(raw)
	if len(key) < minPrefixLen {
		return 0, false
	}
	found := -1
	for j, spec := range specs {
		if taken[j] {
			continue
		}
		other := foldKey(spec.RawName)
		if len(other) < minPrefixLen {
			continue
		}
		if strings.HasPrefix(other, key) || strings.HasPrefix(key, other) {
			if found >= 0 {
				return 0, false
			}
			found = j
		}
	}
	return found, found >= 0
}

func uniqueName(name string, used map[string]bool) string {
	if name == "" {
		name = "column"
	}
	candidate := name
	for n := 2; used[strings.ToLower(candidate)]; n++ {
		candidate = fmt.Sprintf("%s_%d", name, n)
	}
	used[strings.ToLower(candidate)] = true
	return candidate
}

// enumSet holds declared codes. Numeric codes also match without leading
// zeros, since the source data pads codes inconsistently.
type enumSet map[string]struct{}

func newEnumSet(values []catalog.EnumValue) enumSet {
	set := make(enumSet, len(values))
	for _, v := range values {
		code := norm.NFKC.String(strings.TrimSpace(v.Code))
		set[code] = struct{}{}
		if n, err := strconv.ParseInt(code, 10, 64); err == nil {
			set[strconv.FormatInt(n, 10)] = struct{}{}
		}
	}
	return set
}

// contains reports whether value is declared. Empty values are nulls.
func (s enumSet) contains(value string) bool {
	v := norm.NFKC.String(strings.TrimSpace(value))
	if v == "" {
		return true
	}
	if _, ok := s[v]; ok {
		return true
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		_, ok := s[strconv.FormatInt(n, 10)]
		return ok
	}
	return false
}
