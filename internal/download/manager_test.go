package download

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func payload(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func testManager(cfg Config) *Manager {
	if cfg.Sleep == nil {
		cfg.Sleep = (&sleepRecorder{}).sleep
	}
	if cfg.CheckpointBytes == 0 {
		cfg.CheckpointBytes = 1024
	}
	return NewManager(cfg)
}

func fetchOne(t *testing.T, m *Manager, task Task) Result {
	t.Helper()
	results := Collect(m.Fetch(context.Background(), []Task{task}, 1))
	require.Len(t, results, 1)
	return results[0]
}

func TestFetchDownloadsAndReuses(t *testing.T) {
	data := payload(t, 10_000)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.ServeContent(w, r, "A.zip", time.Time{}, bytes.NewReader(data))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "A", "A.zip")
	m := testManager(Config{})

	res := fetchOne(t, m, Task{ID: "a", URL: srv.URL + "/A.zip", Dest: dest})
	require.NoError(t, res.Outcome.Err)
	assert.Equal(t, StatusComplete, res.Task.Status)
	assert.Equal(t, int64(len(data)), res.Outcome.Size)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	_, err = os.Stat(partPath(dest))
	assert.True(t, os.IsNotExist(err), "part file is renamed into place")

	res = fetchOne(t, m, Task{ID: "a", URL: srv.URL + "/A.zip", Dest: dest})
	require.NoError(t, res.Outcome.Err)
	assert.True(t, res.Outcome.Reused)
	assert.Equal(t, int32(1), hits.Load(), "complete file is not fetched again")
}

func TestFetchResumesPartialTransfer(t *testing.T) {
	data := payload(t, 20_000)
	half := 8_000

	var (
		mu     sync.Mutex
		ranges []string
		calls  int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		first := calls == 1
		ranges = append(ranges, r.Header.Get("Range"))
		mu.Unlock()

		w.Header().Set("ETag", `"v1"`)
		if first {
			w.Header().Set("Content-Length", "20000")
			w.WriteHeader(http.StatusOK)
			w.Write(data[:half])
			w.(http.Flusher).Flush()
			panic(http.ErrAbortHandler)
		}
		http.ServeContent(w, r, "B.zip", time.Time{}, bytes.NewReader(data))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "B.zip")
	task := Task{ID: "b", URL: srv.URL + "/B.zip", Dest: dest}

	res := fetchOne(t, testManager(Config{MaxAttempts: 1}), task)
	require.Error(t, res.Outcome.Err)
	assert.ErrorIs(t, res.Outcome.Err, ErrPermanent, "budget exhaustion is permanent")
	assert.Equal(t, int64(half), res.Task.Offset)

	st, err := loadState(dest)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, int64(half), st.Offset, "interrupted read is checkpointed at the last byte received")

	res = fetchOne(t, testManager(Config{}), task)
	require.NoError(t, res.Outcome.Err)
	assert.Equal(t, int64(half), res.Outcome.ResumedFrom)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, got, "resumed file is byte-identical")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, ranges, 2)
	assert.Empty(t, ranges[0])
	assert.Equal(t, "bytes=8000-", ranges[1])
}

func TestFetchResumesFromLastCheckpointAfterCrash(t *testing.T) {
	data := payload(t, 10_000)
	var (
		mu     sync.Mutex
		ranges []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		ranges = append(ranges, r.Header.Get("Range"))
		mu.Unlock()
		http.ServeContent(w, r, "D.zip", time.Time{}, bytes.NewReader(data))
	}))
	defer srv.Close()

	// A crash after 6000 bytes were written but only 4096 checkpointed.
	dest := filepath.Join(t.TempDir(), "D.zip")
	require.NoError(t, os.WriteFile(partPath(dest), data[:6000], 0644))
	prefix := sha256.Sum256(data[:4096])
	require.NoError(t, saveState(dest, &resumeState{
		URL:          srv.URL + "/D.zip",
		TotalSize:    int64(len(data)),
		Offset:       4096,
		PrefixSHA256: hex.EncodeToString(prefix[:]),
	}))

	res := fetchOne(t, testManager(Config{}), Task{URL: srv.URL + "/D.zip", Dest: dest})
	require.NoError(t, res.Outcome.Err)
	assert.Equal(t, int64(4096), res.Outcome.ResumedFrom)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"bytes=4096-"}, ranges)
}

func TestFetchDiscardsCorruptPartial(t *testing.T) {
	data := payload(t, 4_000)
	var ranges []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		ranges = append(ranges, r.Header.Get("Range"))
		mu.Unlock()
		http.ServeContent(w, r, "C.zip", time.Time{}, bytes.NewReader(data))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "C.zip")
	require.NoError(t, os.WriteFile(partPath(dest), []byte("garbage that does not match"), 0644))
	require.NoError(t, saveState(dest, &resumeState{URL: srv.URL + "/C.zip", Offset: 10, PrefixSHA256: "00"}))

	res := fetchOne(t, testManager(Config{}), Task{URL: srv.URL + "/C.zip", Dest: dest})
	require.NoError(t, res.Outcome.Err)
	assert.Zero(t, res.Outcome.ResumedFrom)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, []string{""}, ranges, "unverified prefix is never resumed")
}

func TestFetchNotFoundIsPermanent(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	res := fetchOne(t, testManager(Config{}), Task{URL: srv.URL + "/missing.zip", Dest: filepath.Join(t.TempDir(), "m.zip")})
	assert.ErrorIs(t, res.Outcome.Err, ErrPermanent)
	assert.Equal(t, StatusFailed, res.Task.Status)
	assert.Equal(t, 1, res.Task.Attempts)
	assert.Equal(t, int32(1), hits.Load())
}

func TestFetchRetriesTransientWithBackoff(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	rec := &sleepRecorder{}
	m := testManager(Config{MaxAttempts: 3, BackoffBase: 10 * time.Millisecond, BackoffMax: time.Second, Sleep: rec.sleep})
	res := fetchOne(t, m, Task{URL: srv.URL + "/x.zip", Dest: filepath.Join(t.TempDir(), "x.zip")})

	assert.ErrorIs(t, res.Outcome.Err, ErrPermanent)
	assert.ErrorIs(t, res.Outcome.Err, ErrTransient, "the last transient cause is kept")
	assert.Equal(t, 3, res.Task.Attempts)
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, rec.delays)
}

func TestFetchRecoversAfterTransientFailure(t *testing.T) {
	data := payload(t, 2_000)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		http.ServeContent(w, r, "D.zip", time.Time{}, bytes.NewReader(data))
	}))
	defer srv.Close()

	res := fetchOne(t, testManager(Config{}), Task{URL: srv.URL + "/D.zip", Dest: filepath.Join(t.TempDir(), "D.zip")})
	require.NoError(t, res.Outcome.Err)
	assert.Equal(t, 2, res.Task.Attempts)
}

func TestFetchSharedDestinationDownloadsOnce(t *testing.T) {
	data := payload(t, 3_000)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.ServeContent(w, r, "E.zip", time.Time{}, bytes.NewReader(data))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "E.zip")
	tasks := []Task{
		{ID: "E-1", URL: srv.URL + "/E.zip", Dest: dest},
		{ID: "E-2", URL: srv.URL + "/E.zip", Dest: dest},
	}
	results := Collect(testManager(Config{}).Fetch(context.Background(), tasks, 4))
	require.Len(t, results, 2)

	ids := map[string]bool{}
	for _, r := range results {
		require.NoError(t, r.Outcome.Err)
		ids[r.Task.ID] = true
	}
	assert.Equal(t, map[string]bool{"E-1": true, "E-2": true}, ids)
	assert.Equal(t, int32(1), hits.Load())
}

func TestFetchConflictingDestinationIsPermanent(t *testing.T) {
	data := payload(t, 2_000)
	var hits sync.Map
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n, _ := hits.LoadOrStore(r.URL.Path, new(atomic.Int32))
		n.(*atomic.Int32).Add(1)
		http.ServeContent(w, r, "data.zip", time.Time{}, bytes.NewReader(data))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "data.zip")
	tasks := []Task{
		{ID: "a", URL: srv.URL + "/a/data.zip", Dest: dest},
		{ID: "b", URL: srv.URL + "/b/data.zip", Dest: dest},
	}
	results := Collect(testManager(Config{}).Fetch(context.Background(), tasks, 2))
	require.Len(t, results, 2)

	byID := map[string]Result{}
	for _, r := range results {
		byID[r.Task.ID] = r
	}
	require.NoError(t, byID["a"].Outcome.Err)
	assert.ErrorIs(t, byID["b"].Outcome.Err, ErrDestinationConflict)
	assert.ErrorIs(t, byID["b"].Outcome.Err, ErrPermanent)
	assert.Equal(t, StatusFailed, byID["b"].Task.Status)

	_, fetchedB := hits.Load("/b/data.zip")
	assert.False(t, fetchedB, "the conflicting URL is never fetched")
}

func TestFetchOffline(t *testing.T) {
	dir := t.TempDir()
	present := filepath.Join(dir, "present.zip")
	require.NoError(t, os.WriteFile(present, []byte("zip"), 0644))

	m := testManager(Config{Offline: true})
	results := Collect(m.Fetch(context.Background(), []Task{
		{ID: "p", URL: "http://invalid.invalid/p.zip", Dest: present},
		{ID: "q", URL: "http://invalid.invalid/q.zip", Dest: filepath.Join(dir, "absent.zip")},
	}, 2))
	require.Len(t, results, 2)
	for _, r := range results {
		switch r.Task.ID {
		case "p":
			require.NoError(t, r.Outcome.Err)
			assert.True(t, r.Outcome.Reused)
		case "q":
			assert.ErrorIs(t, r.Outcome.Err, ErrPermanent)
		}
	}
}

func TestFetchCancelledKeepsPending(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := testManager(Config{})
	results := Collect(m.Fetch(ctx, []Task{{URL: "http://127.0.0.1:1/x.zip", Dest: filepath.Join(t.TempDir(), "x.zip")}}, 1))
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Outcome.Err, context.Canceled)
	assert.Equal(t, StatusPending, results[0].Task.Status)
	assert.False(t, Failed(results[0].Outcome.Err))
}
