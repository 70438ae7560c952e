package vision

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"time"
)

// maxFrameBytes caps a single snapshot download.
const maxFrameBytes = 16 << 20

// Frame is one captured JPEG image.
type Frame struct {
	Data       []byte
	Width      int
	Height     int
	CapturedAt time.Time
}

// Camera is the frame source. Close must be safe to call after a failed Open.
type Camera interface {
	Open(ctx context.Context) error
	Capture(ctx context.Context) (Frame, error)
	Close() error
}

// HTTPCamera pulls JPEG snapshots from an HTTP endpoint, as exposed by most IP cameras
// and by mjpg-streamer's snapshot action.
type HTTPCamera struct {
	url    string
	client *http.Client
}

// NewHTTPCamera creates a camera reading from snapshotURL.
func NewHTTPCamera(snapshotURL string, timeout time.Duration) *HTTPCamera {
	return &HTTPCamera{
		url:    snapshotURL,
		client: &http.Client{Timeout: timeout},
	}
}

// Open verifies the camera answers with a decodable frame.
func (c *HTTPCamera) Open(ctx context.Context) error {
	if _, err := c.Capture(ctx); err != nil {
		return fmt.Errorf("camera unavailable at %s: %w", c.url, err)
	}
	return nil
}

// Capture fetches a single frame.
func (c *HTTPCamera) Capture(ctx context.Context) (Frame, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to fetch snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Frame{}, fmt.Errorf("snapshot returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFrameBytes))
	if err != nil {
		return Frame{}, fmt.Errorf("failed to read snapshot: %w", err)
	}
	if len(data) == 0 {
		return Frame{}, errors.New("empty snapshot")
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Frame{}, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if format != "jpeg" {
		return Frame{}, fmt.Errorf("unsupported snapshot format %q", format)
	}

	return Frame{
		Data:       data,
		Width:      cfg.Width,
		Height:     cfg.Height,
		CapturedAt: time.Now(),
	}, nil
}

// Close releases idle connections.
func (c *HTTPCamera) Close() error {
	c.client.CloseIdleConnections()
	return nil
}
