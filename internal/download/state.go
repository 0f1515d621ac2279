package download

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"time"
)

// resumeState is the sidecar written next to every download as
// <dest>.meta.json. Offset and PrefixSHA256 describe the verified prefix
// of <dest>.part; they are only advanced after the part file is synced.
type resumeState struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	TotalSize    int64     `json:"total_size,omitempty"`
	Offset       int64     `json:"offset"`
	PrefixSHA256 string    `json:"prefix_sha256,omitempty"`
	Complete     bool      `json:"complete"`
	SHA256       string    `json:"sha256,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func partPath(dest string) string  { return dest + ".part" }
func statePath(dest string) string { return dest + ".meta.json" }

func loadState(dest string) (*resumeState, error) {
	data, err := os.ReadFile(statePath(dest))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read resume state: %w", err)
	}
	var st resumeState
	if err := json.Unmarshal(data, &st); err != nil {
		// A torn or foreign sidecar is treated as absent.
		return nil, nil
	}
	return &st, nil
}

func saveState(dest string, st *resumeState) error {
	st.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal resume state: %w", err)
	}
	path := statePath(dest)
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write resume state: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename resume state: %w", err)
	}
	return nil
}

func clearState(dest string) {
	os.Remove(partPath(dest))
	os.Remove(statePath(dest))
}

// verifyPartial checks the part file against the recorded prefix. It returns
// the offset to resume from and a hash primed with exactly those bytes. Any
// inconsistency (missing state, different URL, truncated or modified bytes,
// offset beyond the known total) yields offset zero with the part removed.
func verifyPartial(dest, url string, st *resumeState) (int64, hash.Hash, error) {
	h := sha256.New()
	if st == nil || st.Complete || st.URL != url || st.Offset <= 0 || st.PrefixSHA256 == "" ||
		(st.TotalSize > 0 && st.Offset > st.TotalSize) {
		os.Remove(partPath(dest))
		return 0, h, nil
	}

	f, err := os.OpenFile(partPath(dest), os.O_RDWR, 0644)
	if errors.Is(err, os.ErrNotExist) {
		return 0, h, nil
	}
	if err != nil {
		return 0, nil, fmt.Errorf("open partial file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, nil, fmt.Errorf("stat partial file: %w", err)
	}
	if info.Size() < st.Offset {
		f.Close()
		os.Remove(partPath(dest))
		return 0, h, nil
	}

	if _, err := io.CopyN(h, f, st.Offset); err != nil {
		return 0, nil, fmt.Errorf("hash partial file: %w", err)
	}
	if hex.EncodeToString(h.Sum(nil)) != st.PrefixSHA256 {
		f.Close()
		os.Remove(partPath(dest))
		return 0, sha256.New(), nil
	}

	// Bytes past the last checkpoint were never verified.
	if info.Size() > st.Offset {
		if err := f.Truncate(st.Offset); err != nil {
			return 0, nil, fmt.Errorf("truncate partial file: %w", err)
		}
	}
	return st.Offset, h, nil
}
