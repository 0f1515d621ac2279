package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Wire shapes of the catalog API (datasets.json, datasets/{id}.json,
// datasets/{id}/{version}.json).

type apiDatasetItem struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category1   string `json:"category1_name"`
	Category2   string `json:"category2_name"`
	SourceURL   string `json:"source_url"`
	Usage       string `json:"usage"`
	License     string `json:"license"`
}

type apiDatasetDetail struct {
	Versions []apiVersion `json:"versions"`
	Usage    string       `json:"usage"`
}

type apiVersion struct {
	ID         string `json:"id"`
	StartYear  int    `json:"start_year"`
	EndYear    int    `json:"end_year"`
	MostRecent bool   `json:"most_recent"`
	SourceURL  string `json:"source_url"`
}

type apiVersionDetail struct {
	IDWithVersion string       `json:"id_with_version"`
	PrimaryKey    string       `json:"primary_key"`
	Variants      []apiVariant `json:"variants"`
	Files         []apiFile    `json:"files"`
}

type apiVariant struct {
	Name                string                 `json:"variant_name"`
	Identifier          string                 `json:"variant_identifier"`
	GeometryType        string                 `json:"geometry_type"`
	GeometryDescription string                 `json:"geometry_description"`
	ShapefileHint       string                 `json:"shapefile_hint"`
	Attributes          []apiAttribute         `json:"attributes"`
	URLTemplate         string                 `json:"url_template"`
	Parameters          map[string]paramValues `json:"parameters"`
}

type apiAttribute struct {
	ReadableName  string      `json:"readable_name"`
	AttributeName string      `json:"attribute_name"`
	Description   string      `json:"description"`
	Type          string      `json:"type"`
	TypeRefURL    string      `json:"type_ref_url"`
	Enum          []EnumValue `json:"enum"`
	ForeignKey    *ForeignKey `json:"foreign_key"`
}

type apiFile struct {
	Area    string   `json:"area"`
	Bytes   flexInt  `json:"bytes"`
	Year    flexYear `json:"year"`
	FileURL string   `json:"file_url"`
}

// paramValues accepts either a list of values or the literal "all".
type paramValues struct {
	All    bool
	Values []string
}

func (p *paramValues) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if strings.EqualFold(s, "all") {
			p.All = true
			return nil
		}
		p.Values = []string{s}
		return nil
	}
	return json.Unmarshal(b, &p.Values)
}

// flexInt accepts a JSON number or a numeric string.
type flexInt int64

func (n *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(b)), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	v, err := strconv.ParseInt(strings.ReplaceAll(s, ",", ""), 10, 64)
	if err != nil {
		return fmt.Errorf("parse integer %q: %w", s, err)
	}
	*n = flexInt(v)
	return nil
}

// flexYear accepts 2020, "2020", "2020年" or "平成22年".
type flexYear int

func (y *flexYear) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(b)), `"`)
	if s == "" || s == "null" {
		*y = 0
		return nil
	}
	*y = flexYear(ParseYear(s))
	return nil
}
