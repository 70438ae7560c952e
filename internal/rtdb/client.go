// Package rtdb reads and writes kiosk accounts, the token index and container levels
// in a Firebase Realtime Database over its REST API.
//
// Layout (shared with the mobile app):
//
//	nfc_index/<UID>              -> user id
//	usuarios/<user id>           -> {usuario_nombre, usuario_puntos}
//	contenedor/<container id>    -> latest level reading
package rtdb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rewired-gh/recyclekiosk/internal/models"
)

var (
	// ErrNotFound is returned when a user record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a conditional write keeps losing to concurrent writers.
	ErrConflict = errors.New("concurrent update")
)

// Client provides access to a Realtime Database instance.
type Client struct {
	baseURL        string
	authToken      string
	httpClient     *http.Client
	maxRetries     int
	retryDelayBase time.Duration
}

// ClientConfig holds retry and transport settings.
type ClientConfig struct {
	AuthToken      string
	Timeout        time.Duration
	MaxRetries     int
	RetryDelayBase time.Duration
}

// NewClient creates a client for the database rooted at baseURL.
func NewClient(baseURL string, cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelayBase <= 0 {
		cfg.RetryDelayBase = 500 * time.Millisecond
	}
	return &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		authToken:      cfg.AuthToken,
		httpClient:     &http.Client{Timeout: cfg.Timeout},
		maxRetries:     cfg.MaxRetries,
		retryDelayBase: cfg.RetryDelayBase,
	}
}

type userRecord struct {
	Name   string `json:"usuario_nombre"`
	Points int    `json:"usuario_puntos"`
}

type containerRecord struct {
	DeviceID   string  `json:"deviceId,omitempty"`
	DistanceCm float64 `json:"distance_cm"`
	State      string  `json:"estado"`
	Percent    float64 `json:"porcentaje"`
	Timestamp  int64   `json:"timestamp"`
	UpdatedAt  int64   `json:"updatedAt"`
}

// Resolve maps a token uid to its account. It returns nil, nil for unregistered tokens.
func (c *Client) Resolve(ctx context.Context, uid string) (*models.Account, error) {
	var userID string
	found, err := c.getJSON(ctx, "nfc_index/"+strings.ToUpper(strings.TrimSpace(uid)), &userID)
	if err != nil {
		return nil, fmt.Errorf("failed to read token index: %w", err)
	}
	if !found || userID == "" {
		return nil, nil
	}

	var user userRecord
	found, err = c.getJSON(ctx, "usuarios/"+userID, &user)
	if err != nil {
		return nil, fmt.Errorf("failed to read user %s: %w", userID, err)
	}
	if !found {
		// dangling index entry
		return nil, nil
	}
	return &models.Account{UserID: userID, Name: user.Name, Points: user.Points}, nil
}

// Balance returns the current point balance for userID.
func (c *Client) Balance(ctx context.Context, userID string) (int, error) {
	var user userRecord
	found, err := c.getJSON(ctx, "usuarios/"+userID, &user)
	if err != nil {
		return 0, fmt.Errorf("failed to read user %s: %w", userID, err)
	}
	if !found {
		return 0, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return user.Points, nil
}

// Credit adds points to userID with an ETag-guarded read-modify-write and returns the
// new balance. The write itself is never retried blindly: a lost response must not be
// able to apply the same credit twice.
func (c *Client) Credit(ctx context.Context, userID string, points int) (int, error) {
	if points <= 0 {
		return 0, fmt.Errorf("points must be positive, got %d", points)
	}
	if _, err := c.Balance(ctx, userID); err != nil {
		return 0, err
	}

	path := "usuarios/" + userID + "/usuario_puntos"
	for i := 0; i < c.maxRetries; i++ {
		current, etag, err := c.getWithETag(ctx, path)
		if err != nil {
			return 0, fmt.Errorf("failed to read balance: %w", err)
		}
		next := current + points

		body, _ := json.Marshal(next)
		resp, err := c.do(ctx, http.MethodPut, path, body, map[string]string{"if-match": etag}, false)
		if err != nil {
			return 0, fmt.Errorf("failed to write balance: %w", err)
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusPreconditionFailed:
			continue
		case resp.StatusCode >= 300:
			return 0, fmt.Errorf("failed to write balance: status %d", resp.StatusCode)
		}
		return next, nil
	}
	return 0, fmt.Errorf("credit %s after %d attempts: %w", userID, c.maxRetries, ErrConflict)
}

// SaveContainer overwrites the level record for one container.
func (c *Client) SaveContainer(ctx context.Context, t models.ContainerTelemetry) error {
	if t.ContainerID == "" {
		return errors.New("container ID must not be empty")
	}
	rec := containerRecord{
		DeviceID:   t.DeviceID,
		DistanceCm: t.DistanceCm,
		State:      string(t.State),
		Percent:    t.FillPercent,
		Timestamp:  t.Timestamp,
		UpdatedAt:  t.LastUpdated.UnixMilli(),
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal container: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPatch, "contenedor/"+t.ContainerID, body, nil, true)
	if err != nil {
		return fmt.Errorf("failed to save container: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("failed to save container: status %d", resp.StatusCode)
	}
	return nil
}

// getJSON decodes the value at path into v. A JSON null means the node does not exist.
func (c *Client) getJSON(ctx context.Context, path string, v any) (bool, error) {
	resp, err := c.do(ctx, http.MethodGet, path, nil, nil, true)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return false, fmt.Errorf("status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, fmt.Errorf("failed to read body: %w", err)
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return true, nil
}

func (c *Client) getWithETag(ctx context.Context, path string) (int, string, error) {
	resp, err := c.do(ctx, http.MethodGet, path, nil, map[string]string{"X-Firebase-ETag": "true"}, true)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return 0, "", fmt.Errorf("status %d", resp.StatusCode)
	}

	var value *float64
	if err := json.NewDecoder(resp.Body).Decode(&value); err != nil {
		return 0, "", fmt.Errorf("failed to decode balance: %w", err)
	}
	current := 0
	if value != nil {
		current = int(math.Round(*value))
	}
	return current, resp.Header.Get("ETag"), nil
}

func (c *Client) endpoint(path string) string {
	u := c.baseURL + "/" + strings.Trim(path, "/") + ".json"
	if c.authToken != "" {
		u += "?auth=" + url.QueryEscape(c.authToken)
	}
	return u
}

// do performs an HTTP request. Idempotent requests are retried with linear backoff on
// transport errors and 5xx responses.
func (c *Client) do(ctx context.Context, method, path string, body []byte, headers map[string]string, retry bool) (*http.Response, error) {
	attempts := 1
	if retry {
		attempts = c.maxRetries
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), rd)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
		} else if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("server error: %d", resp.StatusCode)
		} else {
			return resp, nil
		}

		if i+1 < attempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.retryDelayBase * time.Duration(i+1)):
			}
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}
