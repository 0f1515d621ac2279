package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/withObsrvr/ksj-ingest/internal/metrics"
)

// transfer performs one attempt and returns its outcome together with the
// verified offset reached, which is what a later attempt resumes from.
func (m *Manager) transfer(ctx context.Context, log *slog.Logger, task Task) (Outcome, int64) {
	dest := task.Dest
	out := Outcome{Path: dest}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		out.Err = permanent(task.URL, 0, fmt.Errorf("create destination directory: %w", err))
		return out, 0
	}

	st, err := loadState(dest)
	if err != nil {
		out.Err = permanent(task.URL, 0, err)
		return out, 0
	}

	size, present := completeSize(dest)
	if m.cfg.Offline {
		if !present {
			out.Err = permanent(task.URL, 0, fmt.Errorf("offline mode and %s is not on disk", dest))
			return out, 0
		}
		out.Size, out.Reused = size, true
		return out, size
	}

	revalidate := false
	if present && reusable(st, task, size) {
		if !m.cfg.Revalidate || st == nil {
			out.Size, out.Reused = size, true
			return out, size
		}
		revalidate = true
	}

	offset, h, err := verifyPartial(dest, task.URL, st)
	if err != nil {
		out.Err = permanent(task.URL, 0, err)
		return out, 0
	}
	if offset == 0 && !revalidate {
		st = &resumeState{URL: task.URL}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, task.URL, nil)
	if err != nil {
		out.Err = permanent(task.URL, 0, fmt.Errorf("build request: %w", err))
		return out, offset
	}
	req.Header.Set("User-Agent", m.cfg.UserAgent)
	switch {
	case revalidate:
		if st.ETag != "" {
			req.Header.Set("If-None-Match", st.ETag)
		}
		if st.LastModified != "" {
			req.Header.Set("If-Modified-Since", st.LastModified)
		}
	case offset > 0:
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		if st.ETag != "" && !strings.HasPrefix(st.ETag, "W/") {
			req.Header.Set("If-Range", st.ETag)
		} else if st.LastModified != "" {
			req.Header.Set("If-Range", st.LastModified)
		}
	}

	resp, err := m.client.Do(req)
	if err != nil {
		out.Err = transient(task.URL, 0, err)
		return out, offset
	}
	defer resp.Body.Close()

	total := int64(-1)
	switch {
	case resp.StatusCode == http.StatusNotModified && revalidate:
		log.Debug("complete file still current")
		out.Size, out.Reused = size, true
		return out, size

	case resp.StatusCode == http.StatusPartialContent:
		start, end, full, perr := parseContentRange(resp.Header.Get("Content-Range"))
		if perr != nil || offset == 0 || start != offset {
			// The server answered a range we did not ask for.
			clearState(dest)
			out.Err = transient(task.URL, resp.StatusCode, fmt.Errorf("unexpected content range %q for offset %d", resp.Header.Get("Content-Range"), offset))
			return out, 0
		}
		total = full
		if total < 0 {
			total = end + 1
		}
		out.ResumedFrom = offset

	case resp.StatusCode == http.StatusOK:
		if offset > 0 {
			log.Info("server ignored range request, restarting", "offset", offset)
		}
		offset, h = 0, sha256.New()
		st = &resumeState{URL: task.URL}
		total = resp.ContentLength
		st.ETag = resp.Header.Get("ETag")
		st.LastModified = resp.Header.Get("Last-Modified")

	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		clearState(dest)
		out.Err = transient(task.URL, resp.StatusCode, errors.New("range not satisfiable, restarting from zero"))
		return out, 0

	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests ||
		resp.StatusCode >= 500:
		out.Err = transient(task.URL, resp.StatusCode, fmt.Errorf("server returned %s", resp.Status))
		return out, offset

	default:
		out.Err = permanent(task.URL, resp.StatusCode, fmt.Errorf("server returned %s", resp.Status))
		return out, offset
	}

	if total >= 0 {
		if offset > total {
			clearState(dest)
			out.Err = transient(task.URL, resp.StatusCode, fmt.Errorf("offset %d beyond total size %d", offset, total))
			return out, 0
		}
		st.TotalSize = total
	}
	if task.ExpectedSize > 0 && total >= 0 && task.ExpectedSize != total {
		log.Debug("catalog size differs from server size", "catalog", task.ExpectedSize, "server", total)
	}

	flags := os.O_WRONLY | os.O_CREATE
	if offset == 0 {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(partPath(dest), flags, 0644)
	if err != nil {
		out.Err = permanent(task.URL, 0, fmt.Errorf("open partial file: %w", err))
		return out, offset
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		out.Err = permanent(task.URL, 0, fmt.Errorf("seek partial file: %w", err))
		return out, offset
	}

	mtr := metrics.Get()
	if mtr != nil {
		mtr.InFlightDownloads.Inc()
		defer mtr.InFlightDownloads.Dec()
	}

	verified, copyErr := m.copyBody(f, resp.Body, h, dest, st, offset, mtr)
	if copyErr != nil {
		f.Close()
		out.Err = copyErr
		if errors.Is(copyErr, ErrTransient) || ctx.Err() != nil {
			return out, verified
		}
		out.Err = permanent(task.URL, 0, copyErr)
		return out, verified
	}

	written := st.Offset
	if total >= 0 && written != total {
		f.Close()
		if written < total {
			// Body ended early; keep the checkpoint and resume.
			out.Err = transient(task.URL, resp.StatusCode, fmt.Errorf("body ended at %d of %d bytes", written, total))
			return out, written
		}
		clearState(dest)
		out.Err = permanent(task.URL, resp.StatusCode, fmt.Errorf("received %d bytes, server announced %d", written, total))
		return out, 0
	}

	if err := f.Close(); err != nil {
		out.Err = permanent(task.URL, 0, fmt.Errorf("close partial file: %w", err))
		return out, verified
	}
	if err := os.Rename(partPath(dest), dest); err != nil {
		out.Err = permanent(task.URL, 0, fmt.Errorf("publish download: %w", err))
		return out, verified
	}

	st.Complete = true
	st.TotalSize = written
	st.SHA256 = hex.EncodeToString(h.Sum(nil))
	if err := saveState(dest, st); err != nil {
		log.Warn("failed to record completed download", "error", err)
	}

	out.Size = written
	return out, written
}

// copyBody streams body into f, feeding h and checkpointing the verified
// prefix into st every CheckpointBytes. It returns the last checkpointed
// offset. On success st.Offset equals the full length written.
func (m *Manager) copyBody(f *os.File, body io.Reader, h hash.Hash, dest string, st *resumeState, offset int64, mtr *metrics.Metrics) (int64, error) {
	checkpoint := func(at int64) error {
		if err := f.Sync(); err != nil {
			return fmt.Errorf("sync partial file: %w", err)
		}
		st.Offset = at
		st.PrefixSHA256 = hex.EncodeToString(h.Sum(nil))
		return saveState(dest, st)
	}

	verified := offset
	pos := offset
	buf := make([]byte, 64<<10)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, err := f.Write(buf[:n]); err != nil {
				return verified, fmt.Errorf("write partial file: %w", err)
			}
			h.Write(buf[:n])
			pos += int64(n)
			if mtr != nil {
				mtr.AddDownloadBytes(int64(n))
			}
			if pos-verified >= m.cfg.CheckpointBytes {
				if err := checkpoint(pos); err != nil {
					return verified, err
				}
				verified = pos
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if err := checkpoint(pos); err == nil {
				verified = pos
			}
			return verified, transient(st.URL, 0, fmt.Errorf("read body: %w", rerr))
		}
	}

	if err := checkpoint(pos); err != nil {
		return verified, err
	}
	return pos, nil
}

// completeSize reports whether dest exists as a regular file and its size.
func completeSize(dest string) (int64, bool) {
	info, err := os.Stat(dest)
	if err != nil || !info.Mode().IsRegular() {
		return 0, false
	}
	return info.Size(), true
}

// reusable decides whether a file already at dest satisfies task.
func reusable(st *resumeState, task Task, size int64) bool {
	if st != nil && st.Complete && st.URL == task.URL {
		return st.TotalSize <= 0 || st.TotalSize == size
	}
	// A file without a sidecar was placed by hand; trust it when it matches
	// the catalog size.
	return st == nil && task.ExpectedSize > 0 && task.ExpectedSize == size
}

// parseContentRange parses "bytes start-end/total". total is -1 when the
// server sends "*".
func parseContentRange(v string) (start, end, total int64, err error) {
	spec, ok := strings.CutPrefix(strings.TrimSpace(v), "bytes ")
	if !ok {
		return 0, 0, 0, fmt.Errorf("malformed content range %q", v)
	}
	rng, size, ok := strings.Cut(spec, "/")
	if !ok {
		return 0, 0, 0, fmt.Errorf("malformed content range %q", v)
	}
	first, last, ok := strings.Cut(rng, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("malformed content range %q", v)
	}
	if start, err = strconv.ParseInt(first, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("malformed content range %q: %w", v, err)
	}
	if end, err = strconv.ParseInt(last, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("malformed content range %q: %w", v, err)
	}
	total = -1
	if size != "*" {
		if total, err = strconv.ParseInt(size, 10, 64); err != nil {
			return 0, 0, 0, fmt.Errorf("malformed content range %q: %w", v, err)
		}
	}
	if end < start || (total >= 0 && end >= total) {
		return 0, 0, 0, fmt.Errorf("invalid content range %q", v)
	}
	return start, end, total, nil
}
