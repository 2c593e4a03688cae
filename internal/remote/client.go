// Package remote is the client for the central server's REST contract. It
// classifies responses into the sync core's error taxonomy and wraps each call
// in a short transient-retry envelope; durable retries across attempts belong
// to the queue, not this client.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/reliefops/fieldsync/internal/queue"
)

var (
	// ErrNotFound is returned for 404 responses.
	ErrNotFound = errors.New("entity not found upstream")
	// ErrConflict is returned for version-skew rejections (409/412); the sync
	// engine routes these into the conflict store.
	ErrConflict = errors.New("upstream rejected write due to version skew")
	// ErrRejected is returned for other 4xx responses; never retried.
	ErrRejected = errors.New("upstream rejected request")
	// ErrTransient wraps timeouts, connection errors, and 5xx responses;
	// retried with backoff until the item's retry budget runs out.
	ErrTransient = errors.New("transient upstream error")
)

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Client talks to the central server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client with the given per-request timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// newRetryBackoff bounds the in-call retry envelope. Attempts that outlive it
// surface as transient errors and reschedule through the queue's backoff.
func newRetryBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = 10 * time.Second
	return bo
}

// GetEntity fetches the server version of an entity. Returns ErrNotFound for
// absent records.
func (c *Client) GetEntity(ctx context.Context, kind queue.EntityKind, entityID string) (map[string]any, error) {
	return c.do(ctx, http.MethodGet,
		fmt.Sprintf("%s/api/v1/%s/%s", c.baseURL, kind.Collection(), entityID), nil, "")
}

// CreateEntity POSTs a new record. requestID keys server-side idempotency so
// duplicate leases cannot double-apply.
func (c *Client) CreateEntity(ctx context.Context, kind queue.EntityKind, record map[string]any, requestID string) (map[string]any, error) {
	return c.do(ctx, http.MethodPost,
		fmt.Sprintf("%s/api/v1/%s", c.baseURL, kind.Collection()), record, requestID)
}

// UpdateEntity PUTs a full record.
func (c *Client) UpdateEntity(ctx context.Context, kind queue.EntityKind, entityID string, record map[string]any, requestID string) (map[string]any, error) {
	return c.do(ctx, http.MethodPut,
		fmt.Sprintf("%s/api/v1/%s/%s", c.baseURL, kind.Collection(), entityID), record, requestID)
}

// Put implements the resolver's Applier: a resolution PUT with its own
// idempotency key.
func (c *Client) Put(ctx context.Context, kind queue.EntityKind, entityID string, record map[string]any) (map[string]any, error) {
	return c.UpdateEntity(ctx, kind, entityID, record, uuid.New().String())
}

// NotifyResolution posts resolution metadata to the server's conflict log.
func (c *Client) NotifyResolution(ctx context.Context, payload map[string]any) error {
	_, err := c.do(ctx, http.MethodPost, c.baseURL+"/api/v1/sync/conflicts/resolve", payload, "")
	return err
}

// do executes one logical request. Transient failures retry inside a bounded
// backoff envelope; everything else is classified and returned immediately.
func (c *Client) do(ctx context.Context, method, url string, body map[string]any, requestID string) (map[string]any, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
	}

	correlationID := uuid.New().String()
	logger := log.With().
		Str("method", method).
		Str("url", url).
		Str("correlationId", correlationID).
		Logger()

	var result map[string]any
	op := func() error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return backoff.Permanent(err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("X-Correlation-ID", correlationID)
		if requestID != "" {
			req.Header.Set("Idempotency-Key", requestID)
		}

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			logger.Warn().Err(err).Dur("duration", time.Since(start)).Msg("upstream request failed")
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return fmt.Errorf("%w: read response: %v", ErrTransient, err)
		}

		logger.Debug().
			Int("status", resp.StatusCode).
			Dur("duration", time.Since(start)).
			Msg("upstream request completed")

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &result); err != nil {
					return backoff.Permanent(fmt.Errorf("decode response: %w", err))
				}
			}
			return nil
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(ErrNotFound)
		case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusPreconditionFailed:
			return backoff.Permanent(fmt.Errorf("%w: status %d", ErrConflict, resp.StatusCode))
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, truncate(raw, 200)))
		}
	}

	if err := backoff.Retry(op, backoff.WithContext(newRetryBackoff(), ctx)); err != nil {
		return nil, err
	}
	return result, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
