package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/withObsrvr/ksj-ingest/internal/logging"
	"github.com/withObsrvr/ksj-ingest/internal/metrics"
)

// Config configures a Manager.
type Config struct {
	// Concurrency is the default limit on in-flight tasks (default: CPU count).
	Concurrency int `yaml:"concurrency"`

	// MaxAttempts is the per-task attempt ceiling (default: 4).
	MaxAttempts int `yaml:"max_attempts"`

	// BackoffBase and BackoffMax bound the retry delay (default: 1s, 30s).
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max"`

	// CheckpointBytes is how often the verified prefix is recorded (default: 8 MiB).
	// A failed or cancelled read checkpoints at the last byte received; after
	// a hard crash the unrecorded tail is discarded.
	CheckpointBytes int64 `yaml:"checkpoint_bytes"`

	// Revalidate issues conditional requests for files already complete.
	Revalidate bool `yaml:"revalidate"`

	// Offline trusts files on disk and never touches the network.
	Offline bool `yaml:"offline"`

	// Timeout bounds the response header wait (default: 60s).
	Timeout time.Duration `yaml:"timeout"`

	UserAgent string `yaml:"user_agent"`

	// Client overrides the HTTP client.
	Client *http.Client `yaml:"-"`

	// Sleep waits between attempts; tests replace it to avoid real delays.
	Sleep func(ctx context.Context, d time.Duration) error `yaml:"-"`
}

// Manager runs download tasks.
type Manager struct {
	cfg     Config
	client  *http.Client
	flights singleflight.Group
	log     *slog.Logger
}

// NewManager creates a manager with defaults applied.
func NewManager(cfg Config) *Manager {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = runtime.NumCPU()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	if cfg.CheckpointBytes <= 0 {
		cfg.CheckpointBytes = 8 << 20
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "ksj-ingest/1.0"
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}

	client := cfg.Client
	if client == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.ResponseHeaderTimeout = cfg.Timeout
		client = &http.Client{Transport: transport}
	}

	return &Manager{
		cfg:    cfg,
		client: client,
		log:    logging.Component("download"),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// group is the set of tasks sharing one destination path.
type group struct {
	dest  string
	tasks []Task
}

// Fetch runs tasks with at most limit transfers in flight (the configured
// concurrency when limit is not positive) and streams one Result per task.
// Tasks sharing a destination path are downloaded once. The channel is
// closed when every task has a result; on cancellation the remaining tasks
// report the context error and keep their partial files.
func (m *Manager) Fetch(ctx context.Context, tasks []Task, limit int) <-chan Result {
	if limit <= 0 {
		limit = m.cfg.Concurrency
	}

	var groups []*group
	byDest := make(map[string]*group)
	for _, t := range tasks {
		dest := filepath.Clean(t.Dest)
		g, ok := byDest[dest]
		if !ok {
			g = &group{dest: dest}
			byDest[dest] = g
			groups = append(groups, g)
		}
		g.tasks = append(g.tasks, t)
	}

	results := make(chan Result, len(tasks))
	work := make(chan *group)

	var wg sync.WaitGroup
	for i := 0; i < limit && i < len(groups); i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			log := logging.WorkerLogger(workerID).With("component", "download")
			for g := range work {
				m.runGroup(ctx, log, g, results)
			}
		}(i)
	}

	go func() {
		defer close(results)
		defer wg.Wait()
		defer close(work)
		for _, g := range groups {
			select {
			case work <- g:
			case <-ctx.Done():
				// Stop issuing new transfers.
				for _, t := range g.tasks {
					t.Status = StatusPending
					results <- Result{Task: t, Outcome: Outcome{Path: t.Dest, Err: ctx.Err()}}
				}
			}
		}
	}()

	return results
}

func (m *Manager) runGroup(ctx context.Context, log *slog.Logger, g *group, results chan<- Result) {
	lead := g.tasks[0]
	v, _, _ := m.flights.Do(g.dest, func() (any, error) {
		return m.run(ctx, log, lead), nil
	})
	done := v.(taskRun)
	outcome := done.outcome

	for _, t := range g.tasks {
		if t.URL != done.URL {
			// The file on disk belongs to another URL.
			t.Status = StatusFailed
			err := permanent(t.URL, 0, fmt.Errorf("%w: %s is also the destination of %s", ErrDestinationConflict, t.Dest, done.URL))
			log.Error("download failed", "url", t.URL, "error", err)
			results <- Result{Task: t, Outcome: Outcome{Path: t.Dest, Err: err}}
			continue
		}
		t.Attempts = done.Attempts
		t.Offset = done.Offset
		t.Status = done.Status
		results <- Result{Task: t, Outcome: outcome}
	}
}

// run drives one task through its attempts.
func (m *Manager) run(ctx context.Context, log *slog.Logger, task Task) taskRun {
	log = log.With("url", task.URL, "dest", task.Dest)
	mtr := metrics.Get()

	for attempt := 0; ; attempt++ {
		task.Attempts = attempt + 1
		task.Status = StatusInProgress

		out, offset := m.transfer(ctx, log, task)
		task.Offset = offset
		if out.Err == nil {
			task.Status = StatusComplete
			if mtr != nil {
				if out.Reused {
					mtr.IncDownload("reused")
				} else {
					mtr.IncDownload("success")
				}
			}
			log.Info("download complete", "bytes", out.Size, "resumed_from", out.ResumedFrom, "reused", out.Reused, "attempts", task.Attempts)
			return taskRun{Task: task, outcome: out}
		}

		if ctx.Err() != nil {
			task.Status = StatusPending
			out.Err = ctx.Err()
			log.Info("download interrupted", "offset", offset)
			return taskRun{Task: task, outcome: out}
		}

		if KindOf(out.Err) == KindPermanent {
			task.Status = StatusFailed
			if mtr != nil {
				mtr.IncDownload("permanent_failure")
			}
			log.Error("download failed", "error", out.Err, "attempts", task.Attempts)
			return taskRun{Task: task, outcome: out}
		}

		if task.Attempts >= m.cfg.MaxAttempts {
			task.Status = StatusFailed
			out.Err = permanent(task.URL, 0, fmt.Errorf("retry budget of %d attempts exhausted: %w", m.cfg.MaxAttempts, out.Err))
			if mtr != nil {
				mtr.IncDownload("retries_exhausted")
			}
			log.Error("download failed", "error", out.Err, "attempts", task.Attempts)
			return taskRun{Task: task, outcome: out}
		}

		delay := Backoff(attempt, m.cfg.BackoffBase, m.cfg.BackoffMax)
		log.Warn("download attempt failed, retrying", "error", out.Err, "attempt", task.Attempts, "backoff", delay)
		if mtr != nil {
			mtr.DownloadRetries.Inc()
		}
		if err := m.cfg.Sleep(ctx, delay); err != nil {
			task.Status = StatusPending
			out.Err = err
			return taskRun{Task: task, outcome: out}
		}
	}
}

// taskRun is the final task state plus its outcome, shared between tasks
// with the same destination.
type taskRun struct {
	Task
	outcome Outcome
}

// Collect drains a result stream into a slice, for callers that do not
// need streaming.
func Collect(results <-chan Result) []Result {
	var out []Result
	for r := range results {
		out = append(out, r)
	}
	return out
}

// Failed reports whether err is a download failure rather than cancellation.
func Failed(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
