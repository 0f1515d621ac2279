// Package audit emits a hash-chained record of every conversion. Each
// (dataset, variant, format) output has its own chain: an event carries the
// hash of the previous event for the same output, so a rewritten or missing
// event breaks the chain.
package audit

import (
	"time"
)

const (
	eventVersion = "1.0"
	eventType    = "ksj_conversion"
)

// Event is one conversion audit record.
type Event struct {
	Version   string    `json:"version"`
	EventType string    `json:"event_type"`
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`

	Output   OutputInfo           `json:"output"`
	Layers   map[string]LayerInfo `json:"layers"`
	Warnings []string             `json:"warnings,omitempty"`
	Producer ProducerInfo         `json:"producer"`
	Chain    ChainInfo            `json:"chain"`
}

// OutputInfo identifies the converted output.
type OutputInfo struct {
	Dataset        string `json:"dataset"`
	Variant        string `json:"variant"`
	CatalogVersion string `json:"catalog_version,omitempty"`
	License        string `json:"license"`
	Format         string `json:"format"`
	Destination    string `json:"destination"`
	RowCount       int64  `json:"row_count"`
}

// LayerInfo describes one converted layer. Checksum, ByteSize and
// StoragePath are set for published file outputs only.
type LayerInfo struct {
	Checksum    string `json:"checksum,omitempty"`
	RowCount    int64  `json:"row_count"`
	StoragePath string `json:"storage_path,omitempty"`
	ByteSize    int64  `json:"byte_size,omitempty"`
}

// ProducerInfo identifies the software and run that produced the output.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	RunID   string `json:"run_id,omitempty"`
}

// ChainInfo links the event to its predecessor.
type ChainInfo struct {
	PrevEventHash string `json:"prev_event_hash"`
	EventHash     string `json:"event_hash"`
}

// ChainKey returns the key of the output's chain.
func (o OutputInfo) ChainKey() string {
	return o.Dataset + "/" + o.Variant + "/" + o.Format
}

// SetChainHashes links the event to prev and computes its own hash.
func (e *Event) SetChainHashes(prev string) {
	e.Chain.PrevEventHash = prev
	e.Chain.EventHash = ComputeEventHash(e)
}
