package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/zone-occupancy/internal/analysis"
	"github.com/dj-oyu/zone-occupancy/internal/annotate"
	"github.com/dj-oyu/zone-occupancy/internal/capture"
	"github.com/dj-oyu/zone-occupancy/internal/capture/capturetest"
	"github.com/dj-oyu/zone-occupancy/internal/detector"
	"github.com/dj-oyu/zone-occupancy/internal/metrics"
	"github.com/dj-oyu/zone-occupancy/internal/zone"
	"github.com/dj-oyu/zone-occupancy/pkg/types"
)

const (
	person = 0
	car    = 2
)

func endless() *capturetest.Opener {
	return &capturetest.Opener{New: func() *capturetest.Handle {
		return &capturetest.Handle{Endless: true, Interval: time.Millisecond, Width: 64, Height: 48}
	}}
}

func classes(ids ...int) detector.Func {
	return func(_ context.Context, _ *types.Frame) ([]types.Detection, error) {
		dets := make([]types.Detection, 0, len(ids))
		for _, id := range ids {
			dets = append(dets, types.Detection{ClassID: id, Confidence: 0.9, Box: types.Box{X1: 10, Y1: 10, X2: 20, Y2: 30}})
		}
		return dets, nil
	}
}

func newManager(t *testing.T, opener capture.Opener, d detector.Detector) (*Manager, *metrics.Metrics) {
	t.Helper()
	z, err := zone.New(zone.FullFrame, zone.AnchorBottomCenter)
	require.NoError(t, err)
	m := metrics.New()
	a := &analysis.Analyzer{Detector: d, Zone: z, Names: detector.COCO}
	mgr := NewManager(opener, a, annotate.New(detector.COCO, 70), m, Options{
		Device:        "/dev/video0",
		RetryInterval: time.Millisecond,
	})
	t.Cleanup(mgr.Close)
	return mgr, m
}

func waitForFrame(t *testing.T, mgr *Manager, n uint64) Snapshot {
	t.Helper()
	var snap Snapshot
	require.Eventually(t, func() bool {
		snap = mgr.Current()
		return snap.FrameNumber >= n
	}, 2*time.Second, time.Millisecond)
	return snap
}

func TestStartIsIdempotent(t *testing.T) {
	opener := endless()
	mgr, m := newManager(t, opener, classes(car))

	res, err := mgr.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusStarted, res.Status)
	assert.NotEmpty(t, res.SessionID)

	again, err := mgr.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyRunning, again.Status)
	assert.Equal(t, res.SessionID, again.SessionID)

	assert.Equal(t, 1, opener.Opens(), "a running session must not reopen the device")
	assert.Equal(t, uint64(1), m.SessionsStarted.Load())
	assert.True(t, mgr.Running())
}

func TestStartFailsWhenCameraMissing(t *testing.T) {
	opener := &capturetest.Opener{Err: errors.New("no such device")}
	mgr, m := newManager(t, opener, classes())

	res, err := mgr.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, capture.ErrSourceUnavailable))
	assert.Equal(t, StatusError, res.Status)
	assert.False(t, mgr.Running())
	assert.Equal(t, uint64(1), m.SourceUnavailable.Load())
}

func TestCurrentReflectsLatestFrame(t *testing.T) {
	mgr, _ := newManager(t, endless(), classes(car, car, person))

	_, err := mgr.Start(context.Background())
	require.NoError(t, err)

	snap := waitForFrame(t, mgr, 1)
	assert.True(t, snap.Running)
	assert.Equal(t, 3, snap.Count)
	assert.Equal(t, map[string]int{"car": 2, "person": 1}, snap.Summary)

	// The returned summary is a copy.
	snap.Summary["car"] = 100
	assert.Equal(t, 2, mgr.Current().Summary["car"])
}

func TestStopReportsFinalAndPeak(t *testing.T) {
	var calls atomic.Int64
	d := detector.Func(func(ctx context.Context, f *types.Frame) ([]types.Detection, error) {
		// Three cars on the first frame, one afterwards.
		n := 1
		if calls.Add(1) == 1 {
			n = 3
		}
		return classes(make([]int, n)...)(ctx, f)
	})
	opener := endless()
	mgr, m := newManager(t, opener, d)

	_, err := mgr.Start(context.Background())
	require.NoError(t, err)
	waitForFrame(t, mgr, 3)

	res := mgr.Stop()
	assert.Equal(t, StatusStopped, res.Status)
	assert.Equal(t, 1, res.FinalCount)
	assert.Equal(t, map[string]int{"person": 1}, res.FinalSummary)
	assert.Equal(t, 3, res.PeakCount)
	assert.Equal(t, map[string]int{"person": 3}, res.PeakSummary)
	assert.GreaterOrEqual(t, res.Frames, uint64(3))

	assert.False(t, mgr.Running())
	assert.False(t, mgr.Current().Running)
	assert.True(t, opener.Handles()[0].Released())
	assert.Equal(t, uint64(0), m.SessionRunning.Load())

	// No more publishes once stopped.
	frame := mgr.Current().FrameNumber
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, frame, mgr.Current().FrameNumber)
}

func TestStopWhenNeverStarted(t *testing.T) {
	mgr, _ := newManager(t, endless(), classes())

	res := mgr.Stop()
	assert.Equal(t, StatusStopped, res.Status)
	assert.Equal(t, 0, res.FinalCount)
	assert.NotNil(t, res.FinalSummary)
	assert.Empty(t, res.FinalSummary)
}

func TestRestartResetsPeaks(t *testing.T) {
	var sessions atomic.Int64
	d := detector.Func(func(ctx context.Context, f *types.Frame) ([]types.Detection, error) {
		if sessions.Load() == 1 {
			return classes(car, car, car)(ctx, f)
		}
		return classes(car)(ctx, f)
	})
	opener := endless()
	mgr, _ := newManager(t, opener, d)

	sessions.Store(1)
	first, err := mgr.Start(context.Background())
	require.NoError(t, err)
	waitForFrame(t, mgr, 2)
	assert.Equal(t, 3, mgr.Stop().PeakCount)

	sessions.Store(2)
	second, err := mgr.Start(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first.SessionID, second.SessionID)
	assert.Equal(t, 0, mgr.Current().Count, "current values reset on start")

	waitForFrame(t, mgr, 2)
	assert.Equal(t, 1, mgr.Stop().PeakCount)
	assert.Equal(t, 2, opener.Opens())
}

func TestTransientReadErrorsAreRetried(t *testing.T) {
	opener := &capturetest.Opener{New: func() *capturetest.Handle {
		return &capturetest.Handle{
			Steps: []capturetest.Step{
				{Err: errors.New("select timeout")},
				{Err: errors.New("select timeout")},
			},
			Endless:  true,
			Interval: time.Millisecond,
		}
	}}
	mgr, m := newManager(t, opener, classes(person))

	_, err := mgr.Start(context.Background())
	require.NoError(t, err)

	snap := waitForFrame(t, mgr, 1)
	assert.Equal(t, 1, snap.Count)
	assert.Equal(t, uint64(2), m.ReadRetries.Load())
	assert.True(t, mgr.Running())
}

func TestDetectorFailureSkipsFrame(t *testing.T) {
	d := detector.Func(func(ctx context.Context, f *types.Frame) ([]types.Detection, error) {
		if f.Number == 1 {
			return nil, errors.New("inference timeout")
		}
		return classes(car)(ctx, f)
	})
	mgr, m := newManager(t, endless(), d)

	_, err := mgr.Start(context.Background())
	require.NoError(t, err)

	snap := waitForFrame(t, mgr, 2)
	assert.Equal(t, 1, snap.Count)
	assert.Equal(t, uint64(1), m.DetectionErrors.Load())
	assert.Equal(t, uint64(1), m.FramesSkipped.Load())
	assert.True(t, mgr.Running())
}

func TestUnknownClassIsSkipped(t *testing.T) {
	mgr, m := newManager(t, endless(), classes(car, 999))

	_, err := mgr.Start(context.Background())
	require.NoError(t, err)

	snap := waitForFrame(t, mgr, 1)
	assert.Equal(t, 1, snap.Count, "unknown classes are not counted")
	assert.Equal(t, map[string]int{"car": 1}, snap.Summary)
	assert.GreaterOrEqual(t, m.UnknownClasses.Load(), uint64(1))
}

func TestConcurrentReadersSeeConsistentSnapshots(t *testing.T) {
	var calls atomic.Int64
	d := detector.Func(func(ctx context.Context, f *types.Frame) ([]types.Detection, error) {
		n := int(calls.Add(1) % 4)
		ids := make([]int, n)
		for i := range ids {
			ids[i] = car
		}
		return classes(ids...)(ctx, f)
	})
	mgr, _ := newManager(t, endless(), d)

	_, err := mgr.Start(context.Background())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				snap := mgr.Current()
				// All detections are cars, so count and summary must agree.
				assert.Equal(t, snap.Count, snap.Summary["car"])
			}
		}()
	}
	wg.Wait()
}

func TestFrameStreamClosesOnStop(t *testing.T) {
	mgr, m := newManager(t, endless(), classes(car))

	_, err := mgr.Start(context.Background())
	require.NoError(t, err)

	id, ch := mgr.SubscribeFrames()
	defer mgr.UnsubscribeFrames(id)

	select {
	case data, ok := <-ch:
		require.True(t, ok)
		require.Greater(t, len(data), 2)
		assert.Equal(t, []byte{0xFF, 0xD8}, data[:2], "frames are JPEG")
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
	}

	mgr.Stop()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, time.Millisecond)
	assert.Greater(t, m.StreamFramesSent.Load(), uint64(0))
}

func TestSubscribeFramesWhileStopped(t *testing.T) {
	mgr, _ := newManager(t, endless(), classes())

	_, ch := mgr.SubscribeFrames()
	_, ok := <-ch
	assert.False(t, ok)
}

func TestEventsPrimeNewSubscribers(t *testing.T) {
	mgr, _ := newManager(t, endless(), classes(person, person))

	_, err := mgr.Start(context.Background())
	require.NoError(t, err)
	waitForFrame(t, mgr, 2)

	id, ch := mgr.SubscribeEvents()
	defer mgr.UnsubscribeEvents(id)

	var ev *Event
	select {
	case ev = <-ch:
	case <-time.After(time.Second):
		t.Fatal("new subscriber was not primed")
	}

	var data CurrentData
	require.NoError(t, json.Unmarshal(ev.JSONData, &data))
	assert.True(t, data.Running)
	assert.Equal(t, 2, data.Summary["person"])

	raw, err := base64.StdEncoding.DecodeString(string(ev.ProtobufData))
	require.NoError(t, err)
	var st structpb.Struct
	require.NoError(t, proto.Unmarshal(raw, &st))
	assert.Equal(t, float64(2), st.Fields["count"].GetNumberValue())
	assert.Equal(t, float64(2), st.Fields["summary"].GetStructValue().Fields["person"].GetNumberValue())
}

func TestReportIncludesPeak(t *testing.T) {
	mgr, _ := newManager(t, endless(), classes(car))

	r := mgr.Report()
	assert.Equal(t, "stopped", r.State)
	assert.Nil(t, r.StartedAt)

	_, err := mgr.Start(context.Background())
	require.NoError(t, err)
	waitForFrame(t, mgr, 1)

	r = mgr.Report()
	assert.Equal(t, "running", r.State)
	assert.NotNil(t, r.StartedAt)
	assert.Equal(t, "/dev/video0", r.Device)
	assert.Equal(t, 1, r.Peak.PeakOccupancy)
	assert.GreaterOrEqual(t, r.FramesProcessed, uint64(1))
}

func TestCloseEndsEventSubscriptions(t *testing.T) {
	mgr, _ := newManager(t, endless(), classes())

	_, ch := mgr.SubscribeEvents()
	mgr.Close()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, time.Millisecond)
}
