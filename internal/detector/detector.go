// Package detector talks to the external object detector.
//
// The detector is a black box: a frame goes in, boxes with class ids and
// confidences come out. Two transports are provided, an HTTP endpoint taking
// a JPEG body and a raw TCP socket using a length-prefixed JPEG request with a
// newline-terminated JSON reply.
package detector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/disintegration/imaging"

	"github.com/dj-oyu/zone-occupancy/pkg/types"
)

// ErrDetectionFailure wraps every error returned by a detector call.
var ErrDetectionFailure = errors.New("detection failure")

// Detector returns the detections found in one frame.
type Detector interface {
	Detect(ctx context.Context, frame *types.Frame) ([]types.Detection, error)
}

// Func adapts a plain function to Detector.
type Func func(ctx context.Context, frame *types.Frame) ([]types.Detection, error)

// Detect calls f.
func (f Func) Detect(ctx context.Context, frame *types.Frame) ([]types.Detection, error) {
	return f(ctx, frame)
}

func failure(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrDetectionFailure, fmt.Sprintf(format, args...))
}

// prepare resizes the frame so its longest side is at most size and returns
// the JPEG payload plus the factors mapping payload pixels back to the frame.
func prepare(frame *types.Frame, size, quality int) ([]byte, float64, float64, error) {
	if frame == nil || frame.Image == nil {
		return nil, 0, 0, failure("empty frame")
	}

	var img image.Image = frame.Image
	b := img.Bounds()
	if size > 0 && (b.Dx() > size || b.Dy() > size) {
		img = imaging.Fit(img, size, size, imaging.Linear)
	}
	rb := img.Bounds()
	sx := float64(b.Dx()) / float64(rb.Dx())
	sy := float64(b.Dy()) / float64(rb.Dy())

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, 0, 0, failure("encode frame: %v", err)
	}
	return buf.Bytes(), sx, sy, nil
}

func rescale(dets []types.Detection, sx, sy float64) {
	if sx == 1 && sy == 1 {
		return
	}
	for i := range dets {
		dets[i].Box.X1 *= sx
		dets[i].Box.X2 *= sx
		dets[i].Box.Y1 *= sy
		dets[i].Box.Y2 *= sy
	}
}
