package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
)

// FileBackup saves events as JSON files, one per event.
type FileBackup struct {
	dir string
}

// NewFileBackup creates dir if needed.
func NewFileBackup(dir string) (*FileBackup, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	return &FileBackup{dir: dir}, nil
}

// Path returns the file an event is saved to:
// {dataset}_{variant}_{format}_{timestamp}_{event_id}.json.
func (f *FileBackup) Path(evt *Event) string {
	name := fmt.Sprintf("%s_%s_%s_%s_%s.json",
		evt.Output.Dataset,
		evt.Output.Variant,
		strings.ToLower(evt.Output.Format),
		evt.Timestamp.UTC().Format("20060102T150405Z"),
		evt.EventID,
	)
	name = strings.NewReplacer("/", "_", `\`, "_", ":", "_").Replace(name)
	return filepath.Join(f.dir, name)
}

// Save writes evt to its file.
func (f *FileBackup) Save(evt *Event) error {
	data, err := json.MarshalIndent(evt, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	path := f.Path(evt)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	log.Printf("[audit] saved %s", filepath.Base(path))
	return nil
}

// FileEmitter appends events to local files only.
type FileEmitter struct {
	chain  *ChainTracker
	backup *FileBackup
}

// NewFileEmitter creates an emitter writing to dir.
func NewFileEmitter(dir string) (*FileEmitter, error) {
	chain, err := NewChainTracker(dir)
	if err != nil {
		return nil, err
	}
	backup, err := NewFileBackup(dir)
	if err != nil {
		return nil, err
	}
	return &FileEmitter{chain: chain, backup: backup}, nil
}

// Emit links evt into its chain and saves it.
func (e *FileEmitter) Emit(_ context.Context, evt *Event) error {
	key := evt.Output.ChainKey()
	prev, _ := e.chain.GetHead(key)
	prepare(evt, prev)

	if err := e.backup.Save(evt); err != nil {
		return err
	}
	if err := e.chain.SetHead(key, evt.Chain.EventHash); err != nil {
		return fmt.Errorf("update chain head: %w", err)
	}
	return nil
}

// Close implements Emitter.
func (e *FileEmitter) Close() error {
	return nil
}
