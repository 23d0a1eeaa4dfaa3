// Package analysis runs the per-frame step shared by uploads and the live
// camera: detect, filter, count inside the zone, summarize by class.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"

	"github.com/dj-oyu/zone-occupancy/internal/detector"
	"github.com/dj-oyu/zone-occupancy/internal/summary"
	"github.com/dj-oyu/zone-occupancy/internal/zone"
	"github.com/dj-oyu/zone-occupancy/pkg/types"
)

// Policy selects how detections with an unknown class id are handled.
type Policy int

const (
	// Strict fails the frame with summary.ErrUnknownClass.
	Strict Policy = iota
	// Lenient drops the detection from the class summary and reports its id.
	Lenient
)

// FrameResult is the outcome of analyzing one frame.
type FrameResult struct {
	Frame      *types.Frame
	Detections []types.Detection
	Occupancy  int
	Summary    map[string]int
	// Unknown lists class ids skipped under the lenient policy.
	Unknown    []int
	DetectTime time.Duration
}

// Analyzer wires a detector to a zone and a class vocabulary.
type Analyzer struct {
	Detector detector.Detector
	Zone     *zone.Zone
	Names    summary.ClassNamer
	// MinConfidence drops detections below it before counting. 0 keeps all.
	MinConfidence float64
}

// Analyze runs one frame through detection, zone counting and class
// summarizing. Detector errors are returned wrapped in
// detector.ErrDetectionFailure.
func (a *Analyzer) Analyze(ctx context.Context, frame *types.Frame, policy Policy) (FrameResult, error) {
	start := time.Now()
	dets, err := a.Detector.Detect(ctx, frame)
	if err != nil {
		if !errors.Is(err, detector.ErrDetectionFailure) {
			err = fmt.Errorf("%w: %w", detector.ErrDetectionFailure, err)
		}
		return FrameResult{}, fmt.Errorf("frame %d: %w", frame.Number, err)
	}
	res := FrameResult{Frame: frame, DetectTime: time.Since(start)}

	if a.MinConfidence > 0 {
		dets = lo.Filter(dets, func(d types.Detection, _ int) bool {
			return d.Confidence >= a.MinConfidence
		})
	}

	switch policy {
	case Lenient:
		res.Summary, res.Unknown = summary.SummarizeLenient(dets, a.Names)
		if len(res.Unknown) > 0 {
			// skipped detections count nowhere
			dets = lo.Filter(dets, func(d types.Detection, _ int) bool {
				_, ok := a.Names.ClassName(d.ClassID)
				return ok
			})
		}
	default:
		res.Summary, err = summary.Summarize(dets, a.Names)
		if err != nil {
			return FrameResult{}, fmt.Errorf("frame %d: %w", frame.Number, err)
		}
	}
	res.Detections = dets

	res.Occupancy, err = a.Zone.Count(frame.Width, frame.Height, dets)
	if err != nil {
		return FrameResult{}, fmt.Errorf("frame %d: %w", frame.Number, err)
	}
	return res, nil
}
