package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// LayerFile is one converted layer file awaiting publication.
type LayerFile struct {
	Layer    string
	Path     string
	RowCount int64
}

// Publish copies files to store and then writes the manifest. Files are
// streamed through a SHA-256 hash so the manifest checksums describe the
// bytes that were written.
func Publish(ctx context.Context, store OutputStore, ref OutputRef, files []LayerFile, warnings []string, producer ProducerInfo) (*Manifest, error) {
	manifest := &Manifest{
		Output:    OutputInfo{Dataset: ref.Dataset, Variant: ref.Variant, Format: ref.Format},
		Layers:    make(map[string]FileInfo, len(files)),
		Warnings:  warnings,
		Producer:  producer,
		CreatedAt: time.Now().UTC(),
	}

	sorted := append([]LayerFile(nil), files...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Layer < sorted[j].Layer })

	for _, f := range sorted {
		info, err := putFile(ctx, store, ref, f)
		if err != nil {
			return nil, err
		}
		manifest.Layers[f.Layer] = info
	}

	if err := store.WriteManifest(ctx, ref, manifest); err != nil {
		return nil, fmt.Errorf("write manifest %s/%s: %w", ref.Dataset, ref.Variant, err)
	}
	return manifest, nil
}

func putFile(ctx context.Context, store OutputStore, ref OutputRef, f LayerFile) (FileInfo, error) {
	src, err := os.Open(f.Path)
	if err != nil {
		return FileInfo{}, fmt.Errorf("open %s: %w", f.Path, err)
	}
	defer src.Close()

	name := filepath.Base(f.Path)
	h := sha256.New()
	counter := &countingReader{r: io.TeeReader(src, h)}
	if err := store.Put(ctx, ref, name, counter); err != nil {
		return FileInfo{}, fmt.Errorf("publish %s: %w", name, err)
	}

	return FileInfo{
		File:     name,
		Checksum: "sha256:" + hex.EncodeToString(h.Sum(nil)),
		RowCount: f.RowCount,
		ByteSize: counter.n,
	}, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
