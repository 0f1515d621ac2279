package audit

import (
	"context"
	"log"
	"sync"
	"time"
)

// Config enables the audit trail.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// Endpoint receives events by HTTP POST. Events are only written to
	// Dir when it is empty.
	Endpoint string `yaml:"endpoint"`

	// Dir holds event backups and chain heads (default: ./audit).
	Dir string `yaml:"dir"`
}

func (c Config) dir() string {
	if c.Dir == "" {
		return "./audit"
	}
	return c.Dir
}

// Emitter records conversion events.
type Emitter interface {
	Emit(ctx context.Context, evt *Event) error
	Close() error
}

// NewEmitter returns the emitter for cfg: a no-op emitter when disabled,
// an HTTP emitter when an endpoint is set, a file emitter otherwise. Emit
// calls on the returned emitter are serialized so chain heads never race.
func NewEmitter(cfg Config) (Emitter, error) {
	if !cfg.Enabled {
		return noopEmitter{}, nil
	}
	if cfg.Endpoint != "" {
		e, err := NewHTTPEmitter(cfg)
		if err != nil {
			return nil, err
		}
		log.Printf("[audit] using HTTP emitter -> %s", cfg.Endpoint)
		return &serialized{e: e}, nil
	}
	e, err := NewFileEmitter(cfg.dir())
	if err != nil {
		return nil, err
	}
	log.Printf("[audit] using file emitter -> %s", cfg.dir())
	return &serialized{e: e}, nil
}

// prepare stamps the event header and links it to prev.
func prepare(evt *Event, prev string) {
	evt.Version = eventVersion
	evt.EventType = eventType
	evt.EventID = GenerateEventID()
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	evt.SetChainHashes(prev)
}

type serialized struct {
	mu sync.Mutex
	e  Emitter
}

func (s *serialized) Emit(ctx context.Context, evt *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.e.Emit(ctx, evt)
}

func (s *serialized) Close() error {
	return s.e.Close()
}

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, *Event) error { return nil }
func (noopEmitter) Close() error                       { return nil }
