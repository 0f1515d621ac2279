package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// HTTPEmitter posts events to an endpoint. Every event is saved locally
// before it is posted.
type HTTPEmitter struct {
	endpoint string
	client   *http.Client
	retries  int
	delay    time.Duration

	chain  *ChainTracker
	backup *FileBackup
}

// NewHTTPEmitter creates an emitter posting to cfg.Endpoint and keeping its
// chain heads and backups in cfg.Dir.
func NewHTTPEmitter(cfg Config) (*HTTPEmitter, error) {
	chain, err := NewChainTracker(cfg.dir())
	if err != nil {
		return nil, err
	}
	backup, err := NewFileBackup(cfg.dir())
	if err != nil {
		return nil, err
	}
	return &HTTPEmitter{
		endpoint: cfg.Endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
		retries:  3,
		delay:    time.Second,
		chain:    chain,
		backup:   backup,
	}, nil
}

// Emit links evt into its chain, saves it and posts it. The chain head only
// advances once the endpoint accepted the event.
func (e *HTTPEmitter) Emit(ctx context.Context, evt *Event) error {
	key := evt.Output.ChainKey()
	prev, err := e.chain.GetHead(key)
	if err != nil && !errors.Is(err, ErrNoChainHead) {
		return fmt.Errorf("get chain head: %w", err)
	}
	prepare(evt, prev)

	if err := e.backup.Save(evt); err != nil {
		log.Printf("[audit] warning: backup failed: %v", err)
	}
	if err := e.postWithRetry(ctx, evt); err != nil {
		return fmt.Errorf("audit emit failed: %w", err)
	}
	if err := e.chain.SetHead(key, evt.Chain.EventHash); err != nil {
		return fmt.Errorf("update chain head: %w", err)
	}
	return nil
}

func (e *HTTPEmitter) postWithRetry(ctx context.Context, evt *Event) error {
	var lastErr error
	delay := e.delay
	for attempt := 1; attempt <= e.retries; attempt++ {
		err := e.post(ctx, evt)
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt < e.retries {
			log.Printf("[audit] attempt %d/%d failed: %v, retrying in %v", attempt, e.retries, err, delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return fmt.Errorf("all %d attempts failed: %w", e.retries, lastErr)
}

func (e *HTTPEmitter) post(ctx context.Context, evt *Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("http %d: %s", resp.StatusCode, bytes.TrimSpace(respBody))
}

// Close implements Emitter.
func (e *HTTPEmitter) Close() error {
	e.client.CloseIdleConnections()
	return nil
}
