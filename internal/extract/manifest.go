package extract

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ManifestName is the file recording the layers unpacked into a directory.
const ManifestName = "layers.json"

// ErrNoManifest is returned by LoadManifest when the directory has no usable
// manifest and the archives must be extracted again.
var ErrNoManifest = errors.New("no extraction manifest")

type manifest struct {
	Archives  []string  `json:"archives"`
	Layers    []Layer   `json:"layers"`
	CreatedAt time.Time `json:"created_at"`
}

// WriteManifest records layers extracted from archives into dir.
func WriteManifest(dir string, archives []string, layers []Layer) error {
	data, err := json.MarshalIndent(manifest{
		Archives:  archives,
		Layers:    layers,
		CreatedAt: time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	path := filepath.Join(dir, ManifestName)
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename manifest: %w", err)
	}
	return nil
}

// LoadManifest returns the layers recorded in dir. It returns ErrNoManifest
// when the manifest is missing, unreadable or refers to files that are gone.
func LoadManifest(dir string) ([]Layer, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoManifest
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoManifest, err)
	}
	for _, l := range m.Layers {
		for _, f := range l.Files {
			if _, err := os.Stat(f); err != nil {
				return nil, fmt.Errorf("%w: %s missing", ErrNoManifest, f)
			}
		}
	}
	return m.Layers, nil
}
