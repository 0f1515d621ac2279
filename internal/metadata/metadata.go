// Package metadata records dataset descriptors and conversion lineage next
// to the converted data.
package metadata

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/withObsrvr/ksj-ingest/internal/catalog"
	"github.com/withObsrvr/ksj-ingest/internal/mapping"
)

// DatasetRecord is the metadata row of one dataset: its identifier and the
// serialized descriptor.
type DatasetRecord struct {
	Identifier string          `json:"identifier"`
	Name       string          `json:"name"`
	License    string          `json:"license"`
	Version    string          `json:"version,omitempty"`
	Document   json.RawMessage `json:"metadata"`
}

// NewDatasetRecord serializes desc.
func NewDatasetRecord(desc catalog.DatasetDescriptor) (DatasetRecord, error) {
	doc, err := json.Marshal(desc)
	if err != nil {
		return DatasetRecord{}, fmt.Errorf("marshal descriptor %s: %w", desc.ID, err)
	}
	return DatasetRecord{
		Identifier: desc.ID,
		Name:       desc.Name,
		License:    desc.License.String(),
		Version:    desc.Version,
		Document:   doc,
	}, nil
}

// ConversionRecord is the lineage of one converted (dataset, variant).
type ConversionRecord struct {
	Identifier  string    `json:"identifier"`
	Variant     string    `json:"variant"`
	Table       string    `json:"table"`
	Layers      int       `json:"layers"`
	RowCount    int64     `json:"row_count"`
	Warnings    []string  `json:"warnings,omitempty"`
	RunID       string    `json:"run_id,omitempty"`
	ConvertedAt time.Time `json:"converted_at"`

	// Columns carries each output column's description, foreign key and
	// enumeration.
	Columns []mapping.ColumnInfo `json:"columns,omitempty"`
}

// ColumnComment renders the description, enumeration and reference of a
// column as a database comment. It is empty when there is nothing to say.
func ColumnComment(c mapping.ColumnInfo) string {
	var lines []string
	if c.Description != "" {
		lines = append(lines, c.Description)
	}
	if len(c.Enum) > 0 {
		values := make([]string, len(c.Enum))
		for i, v := range c.Enum {
			values[i] = v.Code
			if v.Description != "" {
				values[i] += "=" + v.Description
			}
		}
		lines = append(lines, "values: "+strings.Join(values, ", "))
	}
	if fk := c.ForeignKey; fk != nil {
		lines = append(lines, fmt.Sprintf("references %s(%s)", fk.Table, fk.Column))
	}
	return strings.Join(lines, "\n")
}

// writeJSON writes v to path through a temp file and a rename.
func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func readJSON(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}
