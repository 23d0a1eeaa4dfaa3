package detector

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dj-oyu/zone-occupancy/pkg/types"
)

const maxReplyBytes = 4 << 20

// HTTPDetector posts each frame as a JPEG body to URL and reads predictions
// from the JSON reply.
type HTTPDetector struct {
	URL string
	// InputSize caps the longest side of the posted image; boxes in the
	// reply are mapped back to the original frame. 0 posts full size.
	InputSize int
	Quality   int
	Client    *http.Client
}

// NewHTTPDetector returns an HTTP detector with its own client timeout.
func NewHTTPDetector(url string, inputSize int, timeout time.Duration) *HTTPDetector {
	return &HTTPDetector{
		URL:       url,
		InputSize: inputSize,
		Quality:   90,
		Client:    &http.Client{Timeout: timeout},
	}
}

// Detect implements Detector.
func (d *HTTPDetector) Detect(ctx context.Context, frame *types.Frame) ([]types.Detection, error) {
	payload, sx, sy, err := prepare(frame, d.InputSize, d.Quality)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, failure("build request: %v", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")
	req.Header.Set("Accept", "application/json")

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDetectionFailure, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return nil, failure("read reply: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, failure("detector returned %s: %s", resp.Status, bytes.TrimSpace(body))
	}

	dets, err := parsePredictions(body)
	if err != nil {
		return nil, err
	}
	rescale(dets, sx, sy)
	return dets, nil
}
