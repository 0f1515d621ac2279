// Package download fetches archive files with bounded concurrency,
// resumable partial transfers and retry with exponential backoff.
package download

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrTransient marks failures worth retrying: timeouts, resets, 5xx.
	ErrTransient = errors.New("transient download failure")

	// ErrPermanent marks failures that retrying cannot fix, including a
	// transient failure that exhausted the retry budget.
	ErrPermanent = errors.New("permanent download failure")

	// ErrDestinationConflict is returned when two different URLs are
	// downloaded to the same path.
	ErrDestinationConflict = errors.New("destination shared by different URLs")
)

// Kind classifies a download failure.
type Kind int

const (
	KindTransient Kind = iota
	KindPermanent
)

func (k Kind) String() string {
	if k == KindPermanent {
		return "permanent"
	}
	return "transient"
}

// Error is a classified download failure.
type Error struct {
	Kind       Kind
	StatusCode int
	URL        string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s failure for %s (status %d): %v", e.Kind, e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s failure for %s: %v", e.Kind, e.URL, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Kind == KindPermanent {
		return []error{ErrPermanent, e.Err}
	}
	return []error{ErrTransient, e.Err}
}

func transient(url string, code int, err error) *Error {
	return &Error{Kind: KindTransient, StatusCode: code, URL: url, Err: err}
}

func permanent(url string, code int, err error) *Error {
	return &Error{Kind: KindPermanent, StatusCode: code, URL: url, Err: err}
}

// KindOf returns the failure kind of err. Errors that are not classified
// are treated as permanent.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindPermanent
}

// Status is the lifecycle state of a task.
type Status int

const (
	StatusPending Status = iota
	StatusInProgress
	StatusComplete
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusInProgress:
		return "in-progress"
	case StatusComplete:
		return "complete"
	case StatusFailed:
		return "failed"
	default:
		return "pending"
	}
}

// Task is one archive part to download.
type Task struct {
	// ID is an opaque caller key returned with the result.
	ID           string
	URL          string
	Dest         string
	ExpectedSize int64
	Offset       int64
	Status       Status
	Attempts     int
}

// Outcome is the result of one task.
type Outcome struct {
	Path string
	Size int64

	// ResumedFrom is the verified offset the transfer continued from.
	ResumedFrom int64

	// Reused is set when an existing complete file was kept.
	Reused bool

	// Err is nil on success. Otherwise it is an *Error, or the context
	// error when the run was cancelled.
	Err error
}

// OK reports whether the task succeeded.
func (o Outcome) OK() bool {
	return o.Err == nil
}

// Result pairs a task with its outcome.
type Result struct {
	Task    Task
	Outcome Outcome
}

// Backoff returns the delay before retry number attempt (0-based):
// base doubled per attempt, capped at ceiling when ceiling is positive.
func Backoff(attempt int, base, ceiling time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		if ceiling > 0 && d >= ceiling {
			return ceiling
		}
		if d > math.MaxInt64/2 {
			return time.Duration(math.MaxInt64)
		}
		d *= 2
	}
	if ceiling > 0 && d > ceiling {
		return ceiling
	}
	return d
}
