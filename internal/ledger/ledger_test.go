package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeFactory struct {
	name string
	open func(t *testing.T, path string) Store
}

var factories = []storeFactory{
	{"bolt", func(t *testing.T, path string) Store {
		s, err := OpenBolt(path + ".db")
		require.NoError(t, err)
		return s
	}},
	{"file", func(t *testing.T, path string) Store {
		s, err := OpenFile(path + ".json")
		require.NoError(t, err)
		return s
	}},
}

func fixedClock() func() time.Time {
	t0 := time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time { return t0 }
}

func forEachStore(t *testing.T, fn func(t *testing.T, open func(opts Options) *Ledger)) {
	for _, f := range factories {
		t.Run(f.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "ledger")
			var current *Ledger
			open := func(opts Options) *Ledger {
				if current != nil {
					require.NoError(t, current.Close())
				}
				if opts.Now == nil {
					opts.Now = fixedClock()
				}
				current = New(f.open(t, path), opts)
				return current
			}
			t.Cleanup(func() {
				if current != nil {
					current.Close()
				}
			})
			fn(t, open)
		})
	}
}

func TestGetUnknownIsPending(t *testing.T) {
	forEachStore(t, func(t *testing.T, open func(Options) *Ledger) {
		l := open(Options{})
		e, err := l.Get(context.Background(), "X01", "X01")
		require.NoError(t, err)
		assert.Equal(t, StagePending, e.Stage)
		assert.False(t, e.Failed())
		assert.Equal(t, "pending", e.State())
	})
}

func TestAdvanceIsMonotonicAndDurable(t *testing.T) {
	forEachStore(t, func(t *testing.T, open func(Options) *Ledger) {
		ctx := context.Background()
		l := open(Options{RunID: "run-1"})

		_, err := l.Advance(ctx, "X01", "X01", StageExtracted, "2 layers")
		require.NoError(t, err)

		e, err := l.Advance(ctx, "X01", "X01", StageDownloaded, "again")
		require.NoError(t, err)
		assert.Equal(t, StageExtracted, e.Stage, "earlier stage is a no-op")
		assert.Equal(t, "2 layers", e.Detail)

		_, err = l.Advance(ctx, "X01", "X01", StagePending, "")
		assert.ErrorIs(t, err, ErrInvalidStage)

		l = open(Options{RunID: "run-2"})
		e, err = l.Get(ctx, "X01", "X01")
		require.NoError(t, err)
		assert.Equal(t, StageExtracted, e.Stage)
		assert.Equal(t, "run-1", e.RunID)
		assert.Equal(t, fixedClock()(), e.UpdatedAt)
	})
}

func TestFailedIsTerminalUntilReset(t *testing.T) {
	forEachStore(t, func(t *testing.T, open func(Options) *Ledger) {
		ctx := context.Background()
		l := open(Options{})

		_, err := l.Advance(ctx, "A", "A1", StageDownloaded, "")
		require.NoError(t, err)
		_, err = l.Advance(ctx, "B", "B1", StageConverted, "", "unmapped column G04a_002")
		require.NoError(t, err)

		e, err := l.MarkFailed(ctx, "A", "A1", StageExtracted, "corrupt archive")
		require.NoError(t, err)
		assert.Equal(t, "failed", e.State())

		e, err = l.MarkFailed(ctx, "A", "A1", StageMapped, "second failure")
		require.NoError(t, err)
		assert.Equal(t, "corrupt archive", e.Failure.Reason, "first failure is kept")

		_, err = l.Advance(ctx, "A", "A1", StageExtracted, "")
		assert.True(t, errors.Is(err, ErrTerminal))

		skip, err := l.ShouldSkip(ctx, "A", "A1", StageDownloaded)
		require.NoError(t, err)
		assert.False(t, skip)

		before, err := l.Get(ctx, "B", "B1")
		require.NoError(t, err)

		e, err = l.Reset(ctx, "A", "A1")
		require.NoError(t, err)
		assert.Equal(t, StagePending, e.Stage)
		assert.Nil(t, e.Failure)
		assert.Equal(t, 1, e.Retries)

		after, err := l.Get(ctx, "B", "B1")
		require.NoError(t, err)
		assert.Equal(t, before, after, "reset touches only the targeted entry")
		assert.Equal(t, []string{"unmapped column G04a_002"}, after.Warnings)
	})
}

func TestShouldSkip(t *testing.T) {
	forEachStore(t, func(t *testing.T, open func(Options) *Ledger) {
		ctx := context.Background()
		l := open(Options{})
		_, err := l.Advance(ctx, "X", "X", StageMapped, "")
		require.NoError(t, err)

		for stage, want := range map[Stage]bool{
			StageDownloaded: true,
			StageMapped:     true,
			StageConverted:  false,
		} {
			got, err := l.ShouldSkip(ctx, "X", "X", stage)
			require.NoError(t, err)
			assert.Equal(t, want, got, stage.String())
		}

		l = open(Options{Force: true})
		got, err := l.ShouldSkip(ctx, "X", "X", StageDownloaded)
		require.NoError(t, err)
		assert.False(t, got, "forced mode never skips")
	})
}

func TestMarkFilteredKeepsStage(t *testing.T) {
	forEachStore(t, func(t *testing.T, open func(Options) *Ledger) {
		ctx := context.Background()
		l := open(Options{})
		e, err := l.MarkFiltered(ctx, "N01", "N01", "license non-commercial")
		require.NoError(t, err)
		assert.Equal(t, StagePending, e.Stage)
		assert.Equal(t, "license non-commercial", e.Filtered)

		entries, err := l.List(ctx)
		require.NoError(t, err)
		require.Len(t, entries, 1)

		e, err = l.Advance(ctx, "N01", "N01", StageDownloaded, "")
		require.NoError(t, err)
		assert.Empty(t, e.Filtered)
	})
}

func TestConcurrentAdvance(t *testing.T) {
	forEachStore(t, func(t *testing.T, open func(Options) *Ledger) {
		ctx := context.Background()
		l := open(Options{})

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			for _, s := range []Stage{StageDownloaded, StageExtracted, StageMapped, StageConverted} {
				wg.Add(1)
				go func(s Stage) {
					defer wg.Done()
					_, err := l.Advance(ctx, "X", "X", s, s.String())
					assert.NoError(t, err)
				}(s)
			}
		}
		wg.Wait()

		e, err := l.Get(ctx, "X", "X")
		require.NoError(t, err)
		assert.Equal(t, StageConverted, e.Stage)
		assert.Equal(t, "converted", e.Detail)
	})
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open(Config{Backend: "sqlite"}, Options{})
	assert.Error(t, err)
}
