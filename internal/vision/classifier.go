package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rewired-gh/recyclekiosk/internal/models"
)

// Classifier labels the objects in a frame.
type Classifier interface {
	Classify(ctx context.Context, frame Frame) ([]models.Detection, error)
}

// HTTPClassifier posts frames to an object detection service.
//
// Request: the raw JPEG with Content-Type image/jpeg.
// Response: {"detections":[{"label":"plastico","confidence":0.91,"box":{"x1":..,"y1":..,"x2":..,"y2":..}}]}
type HTTPClassifier struct {
	url    string
	client *http.Client
}

type detectResponse struct {
	Detections []models.Detection `json:"detections"`
}

func NewHTTPClassifier(endpoint string, timeout time.Duration) *HTTPClassifier {
	return &HTTPClassifier{
		url:    endpoint,
		client: &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClassifier) Classify(ctx context.Context, frame Frame) ([]models.Detection, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(frame.Data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("classifier request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("classifier returned status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var out detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode detections: %w", err)
	}
	return out.Detections, nil
}
