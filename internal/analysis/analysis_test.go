package analysis

import (
	"context"
	"errors"
	"image"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/zone-occupancy/internal/detector"
	"github.com/dj-oyu/zone-occupancy/internal/summary"
	"github.com/dj-oyu/zone-occupancy/internal/zone"
	"github.com/dj-oyu/zone-occupancy/pkg/types"
)

func fixed(dets ...types.Detection) detector.Func {
	return func(ctx context.Context, f *types.Frame) ([]types.Detection, error) {
		return dets, nil
	}
}

func leftHalf(t *testing.T) *zone.Zone {
	t.Helper()
	z, err := zone.New(zone.Polygon{{X: 0, Y: 0}, {X: 0.5, Y: 0}, {X: 0.5, Y: 1}, {X: 0, Y: 1}}, zone.AnchorBottomCenter)
	require.NoError(t, err)
	return z
}

func frame100() *types.Frame {
	return types.NewFrame(image.NewRGBA(image.Rect(0, 0, 100, 100)), 4)
}

var vocab = detector.Vocabulary{"person", "bicycle", "car"}

func TestAnalyzeCountsZoneAndWholeFrameSummary(t *testing.T) {
	a := &Analyzer{
		Detector: fixed(
			types.Detection{ClassID: 2, Confidence: 0.9, Box: types.Box{X1: 10, Y1: 10, X2: 30, Y2: 40}},
			types.Detection{ClassID: 2, Confidence: 0.8, Box: types.Box{X1: 60, Y1: 10, X2: 90, Y2: 40}},
			types.Detection{ClassID: 0, Confidence: 0.7, Box: types.Box{X1: 20, Y1: 50, X2: 40, Y2: 90}},
		),
		Zone:  leftHalf(t),
		Names: vocab,
	}

	res, err := a.Analyze(context.Background(), frame100(), Strict)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Occupancy)
	if diff := cmp.Diff(map[string]int{"car": 2, "person": 1}, res.Summary); diff != "" {
		t.Errorf("summary mismatch (-want +got):\n%s", diff)
	}
	assert.Len(t, res.Detections, 3)
	assert.Equal(t, uint64(4), res.Frame.Number)
}

func TestAnalyzeMinConfidence(t *testing.T) {
	a := &Analyzer{
		Detector: fixed(
			types.Detection{ClassID: 0, Confidence: 0.2, Box: types.Box{X1: 10, Y1: 10, X2: 20, Y2: 20}},
			types.Detection{ClassID: 0, Confidence: 0.6, Box: types.Box{X1: 10, Y1: 10, X2: 20, Y2: 20}},
		),
		Zone:          leftHalf(t),
		Names:         vocab,
		MinConfidence: 0.5,
	}

	res, err := a.Analyze(context.Background(), frame100(), Strict)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Occupancy)
	assert.Equal(t, map[string]int{"person": 1}, res.Summary)
}

func TestAnalyzeUnknownClassPolicies(t *testing.T) {
	a := &Analyzer{
		Detector: fixed(
			types.Detection{ClassID: 0, Box: types.Box{X1: 10, Y1: 10, X2: 20, Y2: 20}},
			types.Detection{ClassID: 42, Box: types.Box{X1: 10, Y1: 10, X2: 20, Y2: 20}},
		),
		Zone:  leftHalf(t),
		Names: vocab,
	}

	_, err := a.Analyze(context.Background(), frame100(), Strict)
	assert.True(t, errors.Is(err, summary.ErrUnknownClass), "got %v", err)

	res, err := a.Analyze(context.Background(), frame100(), Lenient)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"person": 1}, res.Summary)
	assert.Equal(t, []int{42}, res.Unknown)
	assert.Equal(t, 1, res.Occupancy, "unknown classes are not counted")
	assert.Len(t, res.Detections, 1)
}

func TestAnalyzeWrapsDetectorErrors(t *testing.T) {
	a := &Analyzer{
		Detector: detector.Func(func(ctx context.Context, f *types.Frame) ([]types.Detection, error) {
			return nil, errors.New("socket closed")
		}),
		Zone:  leftHalf(t),
		Names: vocab,
	}

	_, err := a.Analyze(context.Background(), frame100(), Lenient)
	require.Error(t, err)
	assert.True(t, errors.Is(err, detector.ErrDetectionFailure))
	assert.Contains(t, err.Error(), "socket closed")
}
