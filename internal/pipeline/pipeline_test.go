package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/zone-occupancy/internal/analysis"
	"github.com/dj-oyu/zone-occupancy/internal/capture"
	"github.com/dj-oyu/zone-occupancy/internal/capture/capturetest"
	"github.com/dj-oyu/zone-occupancy/internal/detector"
	"github.com/dj-oyu/zone-occupancy/internal/metrics"
	"github.com/dj-oyu/zone-occupancy/internal/summary"
	"github.com/dj-oyu/zone-occupancy/internal/zone"
	"github.com/dj-oyu/zone-occupancy/pkg/types"
)

const (
	person = 0
	car    = 2
)

func box() types.Box {
	return types.Box{X1: 10, Y1: 10, X2: 20, Y2: 30}
}

// perFrame returns a detector answering frame n with script[n-1].
func perFrame(script [][]int) detector.Func {
	return func(ctx context.Context, f *types.Frame) ([]types.Detection, error) {
		var dets []types.Detection
		for _, id := range script[f.Number-1] {
			dets = append(dets, types.Detection{ClassID: id, Confidence: 0.9, Box: box()})
		}
		return dets, nil
	}
}

func newPipeline(t *testing.T, opener capture.Opener, d detector.Detector) (*Pipeline, *metrics.Metrics) {
	t.Helper()
	z, err := zone.New(zone.FullFrame, zone.AnchorBottomCenter)
	require.NoError(t, err)
	m := metrics.New()
	a := &analysis.Analyzer{Detector: d, Zone: z, Names: detector.COCO}
	return New(opener, a, m), m
}

func framesOpener(n int) *capturetest.Opener {
	return &capturetest.Opener{New: func() *capturetest.Handle {
		return capturetest.Frames(n, 100, 100)
	}}
}

func TestRunReportsPeakOccupancy(t *testing.T) {
	occupancy := []int{1, 3, 2, 4, 0}
	script := make([][]int, len(occupancy))
	for i, n := range occupancy {
		for j := 0; j < n; j++ {
			script[i] = append(script[i], person)
		}
	}

	opener := framesOpener(len(occupancy))
	p, m := newPipeline(t, opener, perFrame(script))

	res, err := p.Run(context.Background(), "parking.mp4")
	require.NoError(t, err)

	assert.Equal(t, 4, res.PeakOccupancy)
	assert.Equal(t, uint64(5), res.Frames)
	assert.Equal(t, map[string]int{"person": 4}, res.PeakClassSummary)
	assert.Equal(t, uint64(5), m.FramesProcessed.Load())
	assert.Equal(t, []string{"parking.mp4"}, opener.IDs())
	assert.True(t, opener.Handles()[0].Released())
}

func TestRunReportsPerClassPeaks(t *testing.T) {
	script := [][]int{{car, car}, {car, person}}
	p, _ := newPipeline(t, framesOpener(2), perFrame(script))

	res, err := p.Run(context.Background(), "street.mp4")
	require.NoError(t, err)

	if diff := cmp.Diff(map[string]int{"car": 2, "person": 1}, res.PeakClassSummary); diff != "" {
		t.Errorf("peak summary mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 2, res.PeakOccupancy)
}

func TestRunEmptySource(t *testing.T) {
	p, _ := newPipeline(t, framesOpener(0), perFrame(nil))

	res, err := p.Run(context.Background(), "empty.mp4")
	require.NoError(t, err)
	assert.Equal(t, 0, res.PeakOccupancy)
	assert.NotNil(t, res.PeakClassSummary)
	assert.Empty(t, res.PeakClassSummary)
}

func TestRunSourceUnavailable(t *testing.T) {
	opener := &capturetest.Opener{Err: errors.New("no such file")}
	p, m := newPipeline(t, opener, perFrame(nil))

	res, err := p.Run(context.Background(), "missing.mp4")
	require.Error(t, err)
	assert.True(t, errors.Is(err, capture.ErrSourceUnavailable))
	assert.Equal(t, 0, res.PeakOccupancy)
	assert.NotNil(t, res.PeakClassSummary)
	assert.Empty(t, res.PeakClassSummary)
	assert.Equal(t, uint64(1), m.SourceUnavailable.Load())
}

func TestRunAbortsOnDetectorFailure(t *testing.T) {
	opener := framesOpener(5)
	d := detector.Func(func(ctx context.Context, f *types.Frame) ([]types.Detection, error) {
		if f.Number == 3 {
			return nil, errors.New("inference server down")
		}
		return []types.Detection{{ClassID: car, Box: box()}}, nil
	})
	p, m := newPipeline(t, opener, d)

	_, err := p.Run(context.Background(), "clip.mp4")
	require.Error(t, err)
	assert.True(t, errors.Is(err, detector.ErrDetectionFailure))
	assert.True(t, opener.Handles()[0].Released(), "handle must be released on failure")
	assert.Equal(t, 3, opener.Handles()[0].Reads())
	assert.Equal(t, uint64(1), m.DetectionErrors.Load())
}

func TestRunAbortsOnUnknownClass(t *testing.T) {
	opener := framesOpener(2)
	p, m := newPipeline(t, opener, perFrame([][]int{{car}, {999}}))

	_, err := p.Run(context.Background(), "clip.mp4")
	require.Error(t, err)
	assert.True(t, errors.Is(err, summary.ErrUnknownClass))
	assert.True(t, opener.Handles()[0].Released())
	assert.Equal(t, uint64(1), m.UnknownClasses.Load())
}

func TestRunAbortsOnReadError(t *testing.T) {
	opener := &capturetest.Opener{New: func() *capturetest.Handle {
		return &capturetest.Handle{Steps: []capturetest.Step{{}, {Err: errors.New("corrupt packet")}}}
	}}
	p, _ := newPipeline(t, opener, perFrame([][]int{{car}}))

	_, err := p.Run(context.Background(), "clip.mp4")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt packet")
	assert.True(t, opener.Handles()[0].Released())
}

func TestRunHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	opener := framesOpener(10)
	d := detector.Func(func(_ context.Context, f *types.Frame) ([]types.Detection, error) {
		if f.Number == 2 {
			cancel()
		}
		return nil, nil
	})
	p, _ := newPipeline(t, opener, d)

	_, err := p.Run(ctx, "clip.mp4")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Less(t, opener.Handles()[0].Reads(), 10)
	assert.True(t, opener.Handles()[0].Released())
}
