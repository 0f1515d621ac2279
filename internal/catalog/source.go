package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // gs:// driver
	_ "gocloud.dev/blob/s3blob"   // s3:// driver
	"gocloud.dev/gcerrors"
	"golang.org/x/time/rate"
)

// DefaultBaseURL is the public catalog API.
const DefaultBaseURL = "https://jpksj-api.kmproj.com/"

// Source fetches raw catalog documents by relative path.
type Source interface {
	Fetch(ctx context.Context, path string) ([]byte, error)
	Close() error
}

// SourceConfig configures a catalog source.
type SourceConfig struct {
	// BaseURL is an http(s) API root, or an s3://, gs:// or file:// bucket
	// holding a mirror of the same documents.
	BaseURL string

	// Timeout for individual requests (default: 30s).
	Timeout time.Duration

	// MaxRetries for failed requests (default: 3).
	MaxRetries int

	// RetryDelay is the base of the exponential retry delay (default: 200ms).
	RetryDelay time.Duration

	// RateLimit requests per second (default: 10).
	RateLimit float64

	// RateBurst maximum burst size (default: 5).
	RateBurst int

	// UserAgent string (default: "ksj-ingest/1.0").
	UserAgent string

	// Transport allows injecting a custom HTTP transport.
	Transport http.RoundTripper
}

// NewSource opens the source matching the base URL scheme.
func NewSource(ctx context.Context, cfg SourceConfig) (Source, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	switch {
	case strings.HasPrefix(cfg.BaseURL, "http://"), strings.HasPrefix(cfg.BaseURL, "https://"):
		return NewHTTPSource(cfg), nil
	case strings.Contains(cfg.BaseURL, "://"):
		return NewBucketSource(ctx, cfg.BaseURL)
	default:
		abs, err := filepath.Abs(cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("resolve catalog dir: %w", err)
		}
		return NewBucketSource(ctx, "file://"+filepath.ToSlash(abs))
	}
}

// HTTPSource is a rate-limited, retry-capable catalog client.
type HTTPSource struct {
	cfg         SourceConfig
	httpClient  *http.Client
	rateLimiter *rate.Limiter
}

// NewHTTPSource creates an HTTP catalog source.
func NewHTTPSource(cfg SourceConfig) *HTTPSource {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 200 * time.Millisecond
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 10.0
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = 5
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "ksj-ingest/1.0"
	}

	return &HTTPSource{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: cfg.Transport,
		},
		rateLimiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
	}
}

// statusError is a non-2xx response.
type statusError struct {
	code int
	url  string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("GET %s: status %d", e.url, e.code)
}

// Fetch retrieves one document, retrying transport failures and 5xx/429
// responses with exponential backoff.
func (s *HTTPSource) Fetch(ctx context.Context, path string) ([]byte, error) {
	url := strings.TrimSuffix(s.cfg.BaseURL, "/") + "/" + strings.TrimPrefix(path, "/")

	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if err := s.rateLimiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}

		body, err := s.fetchOnce(ctx, url)
		if err == nil {
			return body, nil
		}
		lastErr = err

		var se *statusError
		if errors.As(err, &se) && se.code == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, url)
		}
		if !isRetryable(err) {
			return nil, err
		}

		backoff := time.Duration(1<<uint(attempt)) * s.cfg.RetryDelay
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}

	return nil, fmt.Errorf("%w: max retries exceeded: %v", ErrUnavailable, lastErr)
}

func (s *HTTPSource) fetchOnce(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", s.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return nil, &statusError{code: resp.StatusCode, url: url}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// Close implements Source.
func (s *HTTPSource) Close() error {
	s.httpClient.CloseIdleConnections()
	return nil
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}

// BucketSource reads catalog documents from a mirror in object storage.
type BucketSource struct {
	bucket *blob.Bucket
	url    string
}

// NewBucketSource opens a bucket URL such as s3://bucket?region=ap-northeast-1
// or file:///var/lib/ksj/catalog.
func NewBucketSource(ctx context.Context, url string) (*BucketSource, error) {
	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("%w: open bucket %s: %v", ErrUnavailable, url, err)
	}
	return &BucketSource{bucket: bucket, url: url}, nil
}

// Fetch implements Source.
func (s *BucketSource) Fetch(ctx context.Context, path string) ([]byte, error) {
	data, err := s.bucket.ReadAll(ctx, strings.TrimPrefix(path, "/"))
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("%w: read %s: %v", ErrUnavailable, path, err)
	}
	return data, nil
}

// Close implements Source.
func (s *BucketSource) Close() error {
	return s.bucket.Close()
}
