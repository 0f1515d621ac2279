// Package ledger is the durable record of per-(dataset, variant) progress.
//
// Stages only move forward. A failed entry is terminal until Reset is called
// for it, which returns it to pending. Every mutation is committed to the
// backing store before the call returns.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned by stores for a missing entry.
	ErrNotFound = errors.New("ledger entry not found")

	// ErrTerminal is returned when advancing an entry that has failed.
	ErrTerminal = errors.New("ledger entry is failed")

	// ErrInvalidStage is returned for stages outside the pipeline.
	ErrInvalidStage = errors.New("invalid ledger stage")
)

// Stage is the furthest pipeline stage an entry has completed.
type Stage int

const (
	StagePending Stage = iota
	StageDownloaded
	StageExtracted
	StageMapped
	StageConverted
)

var stageNames = []string{"pending", "downloaded", "extracted", "mapped", "converted"}

func (s Stage) String() string {
	if s >= 0 && int(s) < len(stageNames) {
		return stageNames[s]
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Stage) UnmarshalText(b []byte) error {
	for i, name := range stageNames {
		if string(b) == name {
			*s = Stage(i)
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrInvalidStage, string(b))
}

// Key identifies one ledger entry.
type Key struct {
	Dataset string
	Variant string
}

func (k Key) String() string {
	return k.Dataset + "/" + k.Variant
}

// Failure describes why an entry failed.
type Failure struct {
	// Stage is the stage that was being attempted.
	Stage  Stage     `json:"stage"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Entry is the persisted state of one (dataset, variant) pair.
type Entry struct {
	Dataset   string    `json:"dataset"`
	Variant   string    `json:"variant"`
	Stage     Stage     `json:"stage"`
	Failure   *Failure  `json:"failure,omitempty"`
	Filtered  string    `json:"filtered,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Warnings  []string  `json:"warnings,omitempty"`
	RunID     string    `json:"run_id,omitempty"`
	Retries   int       `json:"retries,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Key returns the entry's key.
func (e Entry) Key() Key {
	return Key{Dataset: e.Dataset, Variant: e.Variant}
}

// Failed reports whether the entry is in the terminal failed state.
func (e Entry) Failed() bool {
	return e.Failure != nil
}

// State is the user-facing state name: a stage name or "failed".
func (e Entry) State() string {
	if e.Failed() {
		return "failed"
	}
	return e.Stage.String()
}

// Store persists entries. Update must apply fn and durably commit the result
// atomically with respect to other calls.
type Store interface {
	Get(ctx context.Context, key Key) (Entry, error)
	Update(ctx context.Context, key Key, fn func(e *Entry) (bool, error)) (Entry, error)
	List(ctx context.Context) ([]Entry, error)
	Close() error
}

// Options configures a Ledger.
type Options struct {
	// Force makes ShouldSkip report false for every entry.
	Force bool

	// RunID is stamped on every entry written by this ledger.
	RunID string

	// Now is the clock used for timestamps.
	Now func() time.Time
}

// Ledger serializes read-modify-write cycles against a Store.
type Ledger struct {
	store Store
	opts  Options
	mu    sync.Mutex
}

// New creates a ledger over store.
func New(store Store, opts Options) *Ledger {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Ledger{store: store, opts: opts}
}

// Get returns the entry for (dataset, variant). A pair never seen before is
// reported as pending.
func (l *Ledger) Get(ctx context.Context, dataset, variant string) (Entry, error) {
	key := Key{Dataset: dataset, Variant: variant}
	e, err := l.store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return Entry{Dataset: dataset, Variant: variant, Stage: StagePending}, nil
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get %s: %w", key, err)
	}
	return e, nil
}

// Advance moves the entry forward to stage. Advancing to the same or an
// earlier stage is a no-op. Warnings replace those recorded previously.
func (l *Ledger) Advance(ctx context.Context, dataset, variant string, stage Stage, detail string, warnings ...string) (Entry, error) {
	if stage <= StagePending || stage > StageConverted {
		return Entry{}, fmt.Errorf("%w: advance to %s", ErrInvalidStage, stage)
	}
	return l.update(ctx, dataset, variant, func(e *Entry) (bool, error) {
		if e.Failed() {
			return false, fmt.Errorf("%w: %s/%s failed at %s", ErrTerminal, dataset, variant, e.Failure.Stage)
		}
		if e.Stage >= stage {
			return false, nil
		}
		e.Stage = stage
		e.Detail = detail
		e.Warnings = warnings
		e.Filtered = ""
		return true, nil
	})
}

// MarkFailed moves the entry to the terminal failed state. The first
// failure is kept if the entry already failed.
func (l *Ledger) MarkFailed(ctx context.Context, dataset, variant string, attempted Stage, reason string) (Entry, error) {
	return l.update(ctx, dataset, variant, func(e *Entry) (bool, error) {
		if e.Failed() {
			return false, nil
		}
		e.Failure = &Failure{Stage: attempted, Reason: reason, At: l.opts.Now().UTC()}
		return true, nil
	})
}

// MarkFiltered records that the filter excluded the pair. The stage is untouched.
func (l *Ledger) MarkFiltered(ctx context.Context, dataset, variant, reason string) (Entry, error) {
	return l.update(ctx, dataset, variant, func(e *Entry) (bool, error) {
		if e.Filtered == reason {
			return false, nil
		}
		e.Filtered = reason
		return true, nil
	})
}

// ShouldSkip reports whether the entry already reached stage and the ledger
// is not forcing reprocessing.
func (l *Ledger) ShouldSkip(ctx context.Context, dataset, variant string, stage Stage) (bool, error) {
	if l.opts.Force {
		return false, nil
	}
	e, err := l.Get(ctx, dataset, variant)
	if err != nil {
		return false, err
	}
	return !e.Failed() && e.Stage >= stage, nil
}

// Force reports whether the ledger is in forced-retry mode.
func (l *Ledger) Force() bool {
	return l.opts.Force
}

// Reset returns exactly one entry to pending, clearing any failure.
func (l *Ledger) Reset(ctx context.Context, dataset, variant string) (Entry, error) {
	return l.update(ctx, dataset, variant, func(e *Entry) (bool, error) {
		e.Stage = StagePending
		e.Failure = nil
		e.Filtered = ""
		e.Detail = ""
		e.Warnings = nil
		e.Retries++
		return true, nil
	})
}

// List returns all entries ordered by key.
func (l *Ledger) List(ctx context.Context) ([]Entry, error) {
	entries, err := l.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Dataset != entries[j].Dataset {
			return entries[i].Dataset < entries[j].Dataset
		}
		return entries[i].Variant < entries[j].Variant
	})
	return entries, nil
}

// Close closes the backing store.
func (l *Ledger) Close() error {
	return l.store.Close()
}

func (l *Ledger) update(ctx context.Context, dataset, variant string, fn func(e *Entry) (bool, error)) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := Key{Dataset: dataset, Variant: variant}
	e, err := l.store.Update(ctx, key, func(e *Entry) (bool, error) {
		e.Dataset, e.Variant = dataset, variant
		changed, err := fn(e)
		if err != nil || !changed {
			return false, err
		}
		e.RunID = l.opts.RunID
		e.UpdatedAt = l.opts.Now().UTC()
		return true, nil
	})
	if err != nil {
		return Entry{}, fmt.Errorf("update %s: %w", key, err)
	}
	return e, nil
}
