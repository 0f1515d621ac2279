package catalog

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NationwideArea is the area label of files covering the whole country.
const NationwideArea = "全国"

// AdminBoundaryTable is the reference table targeted by administrative-area code columns.
var AdminBoundaryTable = ForeignKey{Table: "admini_boundary_cd", Column: "改正後のコード"}

var (
	leadingYear = regexp.MustCompile(`^(\d{4})`)
	eraYear     = regexp.MustCompile(`(明治|大正|昭和|平成|令和)(\d+|元)年`)
	anyYear     = regexp.MustCompile(`(\d{4})年`)
	parenthesis = regexp.MustCompile(`（[^）]+）`)
	hintTokens  = regexp.MustCompile(`YY|MM|PP|CCCCC|AA|mmmm`)
)

var eraOffsets = map[string]int{
	"明治": 1867,
	"大正": 1911,
	"昭和": 1925,
	"平成": 1988,
	"令和": 2018,
}

// shapefileExtensions is appended to every compiled shapefile matcher.
const shapefileExtensions = `(?i:(?:\.shp|\.cpg|\.dbf|\.prj|\.qmd|\.shx))$`

// ParseYear extracts a western calendar year from labels such as "2020",
// "2020年度（令和2年度）" or "平成22年". It returns 0 when no year is found.
func ParseYear(label string) int {
	s := norm.NFKC.String(strings.TrimSpace(label))
	if m := leadingYear.FindStringSubmatch(s); m != nil {
		y, _ := strconv.Atoi(m[1])
		return y
	}
	if m := eraYear.FindStringSubmatch(s); m != nil {
		n := 1
		if m[2] != "元" {
			n, _ = strconv.Atoi(m[2])
		}
		return eraOffsets[m[1]] + n
	}
	if m := anyYear.FindStringSubmatch(s); m != nil {
		y, _ := strconv.Atoi(m[1])
		return y
	}
	return 0
}

// FormatName strips full-width parenthesised suffixes from a readable name.
func FormatName(name string) string {
	return strings.TrimSpace(parenthesis.ReplaceAllString(name, ""))
}

// SplitShapefileHint splits a multi-line shapefile name hint into templates.
func SplitShapefileHint(hint string) []string {
	hint = strings.ReplaceAll(hint, "\r\n", "\n")
	// The medical area hint carries a stray prefecture token.
	hint = strings.ReplaceAll(hint, "A38-YY_PP_", "A38-YY_")
	var out []string
	for _, line := range strings.Split(hint, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

// CompileShapefileMatcher turns a name template into a regular expression.
// YY, MM, PP, CCCCC, AA and mmmm stand for digit runs of the same length.
func CompileShapefileMatcher(template string) (*regexp.Regexp, error) {
	t := strings.TrimSpace(parenthesis.ReplaceAllString(template, ""))
	if strings.HasSuffix(strings.ToLower(t), ".shp") {
		t = t[:len(t)-4]
	}

	var b strings.Builder
	b.WriteString(`(?:^|/)`)
	last := 0
	for _, loc := range hintTokens.FindAllStringIndex(t, -1) {
		b.WriteString(regexp.QuoteMeta(t[last:loc[0]]))
		fmt.Fprintf(&b, `\d{%d}`, loc[1]-loc[0])
		last = loc[1]
	}
	b.WriteString(regexp.QuoteMeta(t[last:]))
	b.WriteString(shapefileExtensions)

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("compile shapefile matcher %q: %w", template, err)
	}
	return re, nil
}

// Matchers compiles the variant's shapefile hints. A variant without hints
// matches every shapefile component.
func (v Variant) Matchers() ([]*regexp.Regexp, error) {
	if len(v.ShapefileHint) == 0 {
		return []*regexp.Regexp{regexp.MustCompile(shapefileExtensions)}, nil
	}
	out := make([]*regexp.Regexp, 0, len(v.ShapefileHint))
	for _, h := range v.ShapefileHint {
		re, err := CompileShapefileMatcher(h)
		if err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	return out, nil
}

// selectVersion picks the version covering year, or the most recent one.
func selectVersion(versions []apiVersion, year int) (apiVersion, error) {
	if len(versions) == 0 {
		return apiVersion{}, errors.New("no versions")
	}
	if year > 0 {
		for _, v := range versions {
			if v.StartYear <= year && (v.EndYear == 0 || year <= v.EndYear) {
				return v, nil
			}
		}
		return apiVersion{}, fmt.Errorf("no version covers year %d", year)
	}
	best := versions[0]
	for _, v := range versions {
		if v.MostRecent {
			return v, nil
		}
		if v.EndYear > best.EndYear {
			best = v
		}
	}
	return best, nil
}

// selectFiles keeps nationwide files when present, then the files of the
// requested year (or the newest year).
func selectFiles(files []apiFile, year int) []Part {
	var parts []Part
	nationwide := false
	for _, f := range files {
		if strings.TrimSpace(f.FileURL) == "" {
			continue
		}
		if f.Area == NationwideArea {
			nationwide = true
		}
		parts = append(parts, Part{URL: f.FileURL, Size: int64(f.Bytes), Area: f.Area, Year: int(f.Year)})
	}
	if nationwide {
		parts = keepParts(parts, func(p Part) bool { return p.Area == NationwideArea })
	}

	target := 0
	for _, p := range parts {
		if year > 0 && p.Year > year {
			continue
		}
		if p.Year > target {
			target = p.Year
		}
	}
	if target == 0 {
		if year > 0 {
			return keepParts(parts, func(p Part) bool { return p.Year == 0 })
		}
		return parts
	}
	return keepParts(parts, func(p Part) bool { return p.Year == target })
}

func keepParts(parts []Part, keep func(Part) bool) []Part {
	out := parts[:0:0]
	for _, p := range parts {
		if keep(p) {
			out = append(out, p)
		}
	}
	return out
}

// prefectureCodes enumerates the 47 two-digit prefecture codes.
func prefectureCodes() []string {
	codes := make([]string, 47)
	for i := range codes {
		codes[i] = fmt.Sprintf("%02d", i+1)
	}
	return codes
}

// expandTemplate enumerates a parameterized URL template into concrete
// variants, one per parameter combination.
func expandTemplate(base Variant, template string, params map[string]paramValues) ([]Variant, error) {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	values := make([][]string, len(keys))
	for i, k := range keys {
		p := params[k]
		switch {
		case p.All && k == "pref":
			values[i] = prefectureCodes()
		case p.All:
			return nil, fmt.Errorf("parameter %q cannot be enumerated as \"all\"", k)
		case len(p.Values) == 0:
			return nil, fmt.Errorf("parameter %q has no values", k)
		default:
			values[i] = p.Values
		}
		if !strings.Contains(template, "{"+k+"}") {
			return nil, fmt.Errorf("url template %q lacks placeholder {%s}", template, k)
		}
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("url template %q has no parameters", template)
	}

	var out []Variant
	combo := make([]string, len(keys))
	var walk func(depth int)
	walk = func(depth int) {
		if depth == len(keys) {
			v := base
			v.Params = make(map[string]string, len(keys))
			url := template
			for i, k := range keys {
				v.Params[k] = combo[i]
				url = strings.ReplaceAll(url, "{"+k+"}", combo[i])
			}
			v.ID = base.ID + "-" + strings.Join(combo, "-")
			v.Parts = []Part{{URL: url}}
			out = append(out, v)
			return
		}
		for _, val := range values[depth] {
			combo[depth] = val
			walk(depth + 1)
		}
	}
	walk(0)
	return out, nil
}

// buildColumns converts API attributes into column specs.
func buildColumns(attrs []apiAttribute) []ColumnSpec {
	cols := make([]ColumnSpec, 0, len(attrs))
	for _, a := range attrs {
		raw := strings.TrimSpace(a.AttributeName)
		if raw == "" {
			continue
		}
		name := FormatName(norm.NFC.String(a.ReadableName))
		if name == "" {
			name = raw
		}
		col := ColumnSpec{
			RawName:     raw,
			Name:        name,
			Type:        ParseDataType(a.Type),
			Description: a.Description,
			Enum:        a.Enum,
			ForeignKey:  a.ForeignKey,
		}
		if col.ForeignKey == nil && strings.Contains(a.Type, "行政区域コード") {
			fk := AdminBoundaryTable
			col.ForeignKey = &fk
		}
		cols = append(cols, col)
	}
	return cols
}

var medicalAreaNames = map[string]string{
	"A38a": "一次医療圏",
	"A38b": "二次医療圏",
	"A38c": "三次医療圏",
}

// splitMedicalAreas splits the A38 dataset, whose three tables share one
// identifier and differ by the first four characters of the attribute code.
func splitMedicalAreas(datasetID string, v Variant) []Variant {
	if datasetID != "A38" {
		return []Variant{v}
	}
	var order []string
	groups := make(map[string][]ColumnSpec)
	for _, c := range v.Columns {
		prefix := c.RawName
		if r := []rune(prefix); len(r) > 4 {
			prefix = string(r[:4])
		}
		if _, ok := groups[prefix]; !ok {
			order = append(order, prefix)
		}
		groups[prefix] = append(groups[prefix], c)
	}
	if len(order) < 2 {
		return []Variant{v}
	}
	out := make([]Variant, 0, len(order))
	for _, prefix := range order {
		sv := v
		sv.ID = prefix
		sv.Columns = groups[prefix]
		if name, ok := medicalAreaNames[prefix]; ok {
			sv.Name = name
		}
		out = append(out, sv)
	}
	return out
}
