// Package remote talks to the sync server: REST for pull/push cycles
// and a WebSocket channel for live change notifications.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/opuslog/opuslog/internal/core/entity"
	"github.com/opuslog/opuslog/internal/core/observability/log"
)

// PullResult is one page of server-side changes.
type PullResult struct {
	Entities     []entity.SyncableEntity `json:"entities"`
	NewSyncToken string                  `json:"newSyncToken"`
}

// Rejection mirrors the server's per-entity push rejection.
type Rejection struct {
	ID            string `json:"id"`
	ServerVersion int64  `json:"serverVersion,omitempty"`
	Reason        string `json:"reason"`
}

// PushResult is the server's verdict on one uploaded batch.
type PushResult struct {
	Accepted []string                `json:"accepted"`
	Rejected []Rejection             `json:"rejected"`
	Entities []entity.SyncableEntity `json:"entities"`
}

// Client is the REST client. It is safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  log.Log
}

// NewClient builds a Client for the server at baseURL authenticating
// with the given bearer token.
func NewClient(baseURL, token string, logger log.Log) *Client {
	if logger == nil {
		logger = log.Provide()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger.With(log.String("component", "remote")),
	}
}

// Pull fetches changes past the token. An empty token requests the full
// dataset from the beginning of the change stream.
func (c *Client) Pull(ctx context.Context, token string, limit int) (PullResult, error) {
	var out PullResult
	err := c.post(ctx, "/sync/pull", map[string]any{"syncToken": token, "limit": limit}, &out)
	return out, err
}

// Push uploads a batch. Stale versions come back in Rejected with the
// server's version; the caller resolves and re-pushes.
func (c *Client) Push(ctx context.Context, batch []entity.SyncableEntity) (PushResult, error) {
	var out PushResult
	err := c.post(ctx, "/sync/push", map[string]any{"batch": batch}, &out)
	return out, err
}

// PushBulk uploads a bootstrap batch. The server resolves conflicts
// itself instead of rejecting, so the result carries merged entities.
func (c *Client) PushBulk(ctx context.Context, batch []entity.SyncableEntity) (PushResult, error) {
	var out PushResult
	err := c.post(ctx, "/sync/batch", map[string]any{"batch": batch}, &out)
	return out, err
}

// Fetch returns the server's current row for one entity, tombstones
// included. Returns ErrNotFound when the server holds no row for it.
func (c *Client) Fetch(ctx context.Context, t entity.Type, id string) (*entity.SyncableEntity, error) {
	var out entity.SyncableEntity
	path := fmt.Sprintf("/sync/entities/%s/%s", url.PathEscape(string(t)), url.PathEscape(id))
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FetchMetadata returns the server's view of this user's sync state.
func (c *Client) FetchMetadata(ctx context.Context) (entity.SyncMetadata, error) {
	var out entity.SyncMetadata
	err := c.get(ctx, "/sync/status", &out)
	return out, err
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrNetwork, err)
	}
	if resp.StatusCode != http.StatusOK {
		return classify(resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	if err = json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrValidation, err)
	}
	return nil
}
