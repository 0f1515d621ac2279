package mapping

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ErrNoSchema is returned by LoadSchemas when no schemas were saved.
var ErrNoSchema = errors.New("no saved schema")

// SaveSchemas writes the schemas of one pipeline to path.
func SaveSchemas(path string, schemas []Schema) error {
	data, err := json.MarshalIndent(schemas, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal schemas: %w", err)
	}
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write schemas: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename schemas: %w", err)
	}
	return nil
}

// LoadSchemas reads schemas saved by SaveSchemas.
func LoadSchemas(path string) ([]Schema, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoSchema
	}
	if err != nil {
		return nil, fmt.Errorf("read schemas: %w", err)
	}
	var schemas []Schema
	if err := json.Unmarshal(data, &schemas); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoSchema, err)
	}
	return schemas, nil
}
