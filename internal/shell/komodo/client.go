// Package komodo provides an HTTP client for the Komodo Core API. It covers
// the calls the CLI needs: health, version, resource syncs and the server
// registry. It is not a general Komodo SDK.
package komodo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// =============================================================================
// Errors
// =============================================================================

var (
	ErrUnauthorized = errors.New("core rejected api credentials")
	ErrSyncNotFound = errors.New("resource sync not found")
	ErrCoreDown     = errors.New("core is not reachable")
)

// APIError wraps non-2xx responses from Core.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: core returned %d: %s", e.Op, e.StatusCode, e.Body)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// =============================================================================
// Types
// =============================================================================

// CoreVersion is the version info Core reports.
type CoreVersion struct {
	Version string `json:"version"`
}

// ResourceSync is a Core resource-sync entry as listed by the API.
type ResourceSync struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Info struct {
		LastSyncTS int64  `json:"last_sync_ts"`
		LastHash   string `json:"last_sync_hash"`
		PendingErr string `json:"pending_error"`
	} `json:"info"`
}

// Server is a registered periphery server and its reported state.
type Server struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Info struct {
		State   string `json:"state"` // Ok | NotOk | Disabled
		Address string `json:"address"`
		Version string `json:"version"`
	} `json:"info"`
}

// Update is the handle Core returns when an execution is queued.
type Update struct {
	ID        string `json:"_id"`
	Operation string `json:"operation"`
	Status    string `json:"status"`
}

// =============================================================================
// Client
// =============================================================================

// Config holds connection settings for the Core API.
type Config struct {
	BaseURL       string
	APIKey        string
	APISecret     string
	Timeout       time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
}

// DefaultConfig returns client defaults suitable for a LAN core host.
func DefaultConfig() Config {
	return Config{
		Timeout:       15 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    2 * time.Second,
	}
}

// Client talks to one Komodo Core instance.
type Client struct {
	baseURL       string
	apiKey        string
	apiSecret     string
	httpClient    *http.Client
	retryAttempts int
	retryDelay    time.Duration
}

// NewClient creates a Core API client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 2 * time.Second
	}

	return &Client{
		baseURL:       cfg.BaseURL,
		apiKey:        cfg.APIKey,
		apiSecret:     cfg.APISecret,
		httpClient:    &http.Client{Timeout: cfg.Timeout},
		retryAttempts: cfg.RetryAttempts,
		retryDelay:    cfg.RetryDelay,
	}
}

// Health checks that Core answers on /health.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCoreDown, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &APIError{Op: "Health", StatusCode: resp.StatusCode, Err: ErrCoreDown}
	}
	return nil
}

// Version returns the Core version.
func (c *Client) Version(ctx context.Context) (CoreVersion, error) {
	var out CoreVersion
	err := c.call(ctx, "Version", "/read", request{Type: "GetVersion", Params: struct{}{}}, &out)
	return out, err
}

// ListSyncs lists the resource syncs Core knows about.
func (c *Client) ListSyncs(ctx context.Context) ([]ResourceSync, error) {
	var out []ResourceSync
	err := c.call(ctx, "ListSyncs", "/read", request{Type: "ListResourceSyncs", Params: struct{}{}}, &out)
	return out, err
}

// RunSync triggers the named resource sync and returns the queued update.
func (c *Client) RunSync(ctx context.Context, name string) (Update, error) {
	var out Update
	params := struct {
		Sync string `json:"sync"`
	}{Sync: name}
	err := c.call(ctx, "RunSync", "/execute", request{Type: "RunSync", Params: params}, &out)
	return out, err
}

// ListServers lists registered periphery servers and their state.
func (c *Client) ListServers(ctx context.Context) ([]Server, error) {
	var out []Server
	err := c.call(ctx, "ListServers", "/read", request{Type: "ListServers", Params: struct{}{}}, &out)
	return out, err
}

// =============================================================================
// Transport
// =============================================================================

// request is the envelope Core expects on /read, /write and /execute.
type request struct {
	Type   string `json:"type"`
	Params any    `json:"params"`
}

// call posts the envelope and decodes the response, retrying transport
// failures and 5xx answers with a fixed delay.
func (c *Client) call(ctx context.Context, op, path string, payload request, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", op, err)
	}

	var lastErr error
	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryDelay):
			}
		}

		retry, err := c.doOnce(ctx, op, path, body, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry {
			return err
		}
	}
	return lastErr
}

func (c *Client) doOnce(ctx context.Context, op, path string, body []byte, out any) (retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("X-Api-Secret", c.apiSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return true, fmt.Errorf("%s: %w: %v", op, ErrCoreDown, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		if out == nil {
			return false, nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return false, fmt.Errorf("failed to decode %s response: %w", op, err)
		}
		return false, nil

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return false, &APIError{Op: op, StatusCode: resp.StatusCode, Err: ErrUnauthorized}

	case resp.StatusCode == http.StatusNotFound:
		respBody, _ := io.ReadAll(resp.Body)
		return false, &APIError{Op: op, StatusCode: resp.StatusCode, Body: string(respBody), Err: ErrSyncNotFound}

	case resp.StatusCode >= 500:
		respBody, _ := io.ReadAll(resp.Body)
		return true, &APIError{Op: op, StatusCode: resp.StatusCode, Body: string(respBody)}

	default:
		respBody, _ := io.ReadAll(resp.Body)
		return false, &APIError{Op: op, StatusCode: resp.StatusCode, Body: string(respBody)}
	}
}
