package pipeline

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/withObsrvr/ksj-ingest/internal/ledger"
)

// Status is the user-facing outcome of one (dataset, variant) pipeline.
type Status string

const (
	StatusConverted             Status = "converted"
	StatusConvertedWithWarnings Status = "converted-with-warnings"
	StatusFailed                Status = "failed"
	StatusDone                  Status = "skipped(already-done)"
	StatusFiltered              Status = "skipped(filtered)"
)

// Outcome is the result of one pipeline in a run.
type Outcome struct {
	Dataset string
	Variant string
	Status  Status

	// Reason explains failed and skipped outcomes.
	Reason   string
	Warnings []string

	// Stage is the ledger stage reached, or the stage that failed.
	Stage ledger.Stage

	Destination string
	Rows        int64
	Duration    time.Duration

	// Interrupted marks a pipeline stopped by cancellation. Its ledger entry
	// is left at the last completed stage.
	Interrupted bool
}

// Label renders the status the way reports show it: failed outcomes carry
// their reason.
func (o Outcome) Label() string {
	if o.Status == StatusFailed {
		return fmt.Sprintf("failed(%s)", o.Reason)
	}
	return string(o.Status)
}

func (o Outcome) String() string {
	return o.Dataset + "/" + o.Variant + ": " + o.Label()
}

// Report collects the outcomes of a run. It is safe for concurrent use.
type Report struct {
	RunID    string
	Started  time.Time
	Finished time.Time

	// Malformed and Unavailable list catalog descriptors skipped during
	// resolution.
	Malformed   []string
	Unavailable []string

	mu       sync.Mutex
	outcomes []Outcome
}

func newReport(runID string) *Report {
	return &Report{RunID: runID, Started: time.Now()}
}

func (r *Report) add(o Outcome) {
	r.mu.Lock()
	r.outcomes = append(r.outcomes, o)
	r.mu.Unlock()
}

// Outcomes returns the outcomes ordered by dataset and variant.
func (r *Report) Outcomes() []Outcome {
	r.mu.Lock()
	out := append([]Outcome(nil), r.outcomes...)
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Dataset != out[j].Dataset {
			return out[i].Dataset < out[j].Dataset
		}
		return out[i].Variant < out[j].Variant
	})
	return out
}

// Outcome returns the outcome of one pair.
func (r *Report) Outcome(dataset, variant string) (Outcome, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.outcomes {
		if o.Dataset == dataset && o.Variant == variant {
			return o, true
		}
	}
	return Outcome{}, false
}

// Counts returns the number of outcomes per status.
func (r *Report) Counts() map[Status]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[Status]int)
	for _, o := range r.outcomes {
		counts[o.Status]++
	}
	return counts
}

// Summary is a one-line count of outcomes.
func (r *Report) Summary() string {
	counts := r.Counts()
	parts := make([]string, 0, 5)
	for _, s := range []Status{StatusConverted, StatusConvertedWithWarnings, StatusFailed, StatusDone, StatusFiltered} {
		if n := counts[s]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", s, n))
		}
	}
	if len(parts) == 0 {
		return "no datasets processed"
	}
	return strings.Join(parts, " ")
}

// Write renders the report as a table followed by the warnings of each
// converted pipeline.
func (r *Report) Write(w io.Writer) {
	outcomes := r.Outcomes()

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Dataset", "Variant", "Status", "Stage", "Rows", "Destination"})
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	for _, o := range outcomes {
		rows := ""
		if o.Rows > 0 {
			rows = strconv.FormatInt(o.Rows, 10)
		}
		table.Append([]string{o.Dataset, o.Variant, o.Label(), o.Stage.String(), rows, o.Destination})
	}
	table.Render()

	for _, o := range outcomes {
		for _, warning := range o.Warnings {
			fmt.Fprintf(w, "warning %s/%s: %s\n", o.Dataset, o.Variant, warning)
		}
	}
	for _, m := range r.Malformed {
		fmt.Fprintf(w, "catalog: skipped %s\n", m)
	}
	for _, u := range r.Unavailable {
		fmt.Fprintf(w, "catalog: unavailable %s\n", u)
	}
	fmt.Fprintf(w, "run %s: %s (%s)\n", r.RunID, r.Summary(), r.Finished.Sub(r.Started).Round(time.Millisecond))
}
