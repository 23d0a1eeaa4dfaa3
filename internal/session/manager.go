// Package session runs the live camera: one producer goroutine reads,
// analyzes and publishes frames while any number of readers poll the latest
// values or consume the annotated stream.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dj-oyu/zone-occupancy/internal/aggregate"
	"github.com/dj-oyu/zone-occupancy/internal/analysis"
	"github.com/dj-oyu/zone-occupancy/internal/annotate"
	"github.com/dj-oyu/zone-occupancy/internal/capture"
	"github.com/dj-oyu/zone-occupancy/internal/logger"
	"github.com/dj-oyu/zone-occupancy/internal/metrics"
)

var log = logger.For("Session")

// Status is the outcome reported by Start and Stop.
type Status string

const (
	StatusStarted        Status = "started"
	StatusAlreadyRunning Status = "already_running"
	StatusError          Status = "error"
	StatusStopped        Status = "stopped"
)

// State is the lifecycle state of the manager.
type State int

const (
	Stopped State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "stopped"
}

// StartResult is returned by Start.
type StartResult struct {
	Status    Status `json:"status"`
	SessionID string `json:"session_id,omitempty"`
}

// StopResult reports the values of the last processed frame, plus the peaks
// of the session that just ended.
type StopResult struct {
	Status       Status         `json:"status"`
	FinalCount   int            `json:"final_count"`
	FinalSummary map[string]int `json:"final_summary"`
	PeakCount    int            `json:"peak_count"`
	PeakSummary  map[string]int `json:"peak_summary"`
	Frames       uint64         `json:"frames"`
}

// Snapshot is a consistent copy of the current-frame values.
type Snapshot struct {
	Running     bool           `json:"running"`
	SessionID   string         `json:"session_id,omitempty"`
	Count       int            `json:"count"`
	Summary     map[string]int `json:"summary"`
	FrameNumber uint64         `json:"frame_number"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Report is the full state exposed by the status endpoint.
type Report struct {
	State           string                     `json:"state"`
	SessionID       string                     `json:"session_id,omitempty"`
	Device          string                     `json:"device"`
	StartedAt       *time.Time                 `json:"started_at,omitempty"`
	Current         Snapshot                   `json:"current"`
	Peak            aggregate.SessionAggregate `json:"peak"`
	FramesProcessed uint64                     `json:"frames_processed"`
	StreamClients   int                        `json:"stream_clients"`
	EventClients    int                        `json:"event_clients"`
}

// Options configures a Manager.
type Options struct {
	Device        string
	RetryInterval time.Duration
}

// Manager owns the live session. Start and Stop are serialized; the current
// snapshot is guarded by a read-write mutex that the producer holds only
// while publishing, never while the detector runs.
type Manager struct {
	opener    capture.Opener
	analyzer  *analysis.Analyzer
	annotator *annotate.Annotator
	metrics   *metrics.Metrics
	opts      Options

	ctrl sync.Mutex

	mu        sync.RWMutex
	state     State
	sessionID string
	startedAt time.Time
	current   Snapshot
	handle    capture.Handle
	cancel    context.CancelFunc
	done      chan struct{}

	peaks  *aggregate.RunningMax
	frames *FrameBroadcaster
	events *EventBroadcaster
}

// NewManager returns a stopped manager. annotator may be nil, in which case
// no stream frames are produced.
func NewManager(opener capture.Opener, analyzer *analysis.Analyzer, annotator *annotate.Annotator, m *metrics.Metrics, opts Options) *Manager {
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 100 * time.Millisecond
	}
	return &Manager{
		opener:    opener,
		analyzer:  analyzer,
		annotator: annotator,
		metrics:   m,
		opts:      opts,
		current:   Snapshot{Summary: map[string]int{}},
		peaks:     aggregate.NewRunningMax(),
		frames:    NewFrameBroadcaster(),
		events:    NewEventBroadcaster(),
	}
}

// Start opens the device and launches the producer. A running session is
// left untouched and reported as StatusAlreadyRunning. If the device cannot
// be opened the manager stays stopped and the error wraps
// capture.ErrSourceUnavailable.
func (m *Manager) Start(ctx context.Context) (StartResult, error) {
	m.ctrl.Lock()
	defer m.ctrl.Unlock()

	m.mu.RLock()
	running, id := m.state == Running, m.sessionID
	m.mu.RUnlock()
	if running {
		log.Info("Start ignored, session %s already running", id)
		return StartResult{Status: StatusAlreadyRunning, SessionID: id}, nil
	}

	handle, err := m.opener.Open(ctx, m.opts.Device)
	if err != nil {
		m.metrics.SourceUnavailable.Add(1)
		if !errors.Is(err, capture.ErrSourceUnavailable) {
			err = fmt.Errorf("%w: %w", capture.ErrSourceUnavailable, err)
		}
		log.Error("Cannot open camera %s: %v", m.opts.Device, err)
		return StartResult{Status: StatusError}, err
	}

	prodCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	id = uuid.NewString()

	m.peaks.Reset()
	m.frames.open()

	m.mu.Lock()
	m.state = Running
	m.sessionID = id
	m.startedAt = time.Now()
	m.current = Snapshot{Running: true, SessionID: id, Summary: map[string]int{}}
	m.handle = handle
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	m.metrics.SessionRunning.Store(1)
	m.metrics.SessionsStarted.Add(1)
	m.metrics.CurrentOccupancy.Store(0)
	m.metrics.PeakOccupancy.Store(0)

	go m.produce(prodCtx, handle, id, done)

	log.Info("Session %s started on %s", id, m.opts.Device)
	m.publishEvent(m.Current())
	return StartResult{Status: StatusStarted, SessionID: id}, nil
}

// Stop ends the session: the producer is cancelled, the device released and
// every stream subscriber closed. It returns the last published frame values
// and the session peaks. Stopping a stopped manager reports the last known
// values without error.
func (m *Manager) Stop() StopResult {
	m.ctrl.Lock()
	defer m.ctrl.Unlock()

	m.mu.Lock()
	if m.state != Running {
		m.mu.Unlock()
		return m.stopResult()
	}
	m.state = Stopped
	cancel, handle, done, id := m.cancel, m.handle, m.done, m.sessionID
	m.cancel, m.handle, m.done = nil, nil, nil
	m.mu.Unlock()

	cancel()
	if err := handle.Release(); err != nil {
		log.Warn("Release camera: %v", err)
	}
	<-done
	m.frames.closeAll()

	m.mu.Lock()
	m.current.Running = false
	m.mu.Unlock()
	m.metrics.SessionRunning.Store(0)

	res := m.stopResult()
	m.publishEvent(m.Current())
	log.Info("Session %s stopped after %d frames: final %d, peak %d",
		id, res.Frames, res.FinalCount, res.PeakCount)
	return res
}

func (m *Manager) stopResult() StopResult {
	snap := m.Current()
	peak := m.peaks.Snapshot()
	return StopResult{
		Status:       StatusStopped,
		FinalCount:   snap.Count,
		FinalSummary: snap.Summary,
		PeakCount:    peak.PeakOccupancy,
		PeakSummary:  peak.PeakClassSummary,
		Frames:       m.peaks.Frames(),
	}
}

// Close stops any running session and ends all event subscriptions.
func (m *Manager) Close() {
	m.Stop()
	m.events.Close()
}

// Current returns a copy of the latest published frame values.
func (m *Manager) Current() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := m.current
	snap.Summary = maps.Clone(m.current.Summary)
	return snap
}

// Running reports whether a session is active.
func (m *Manager) Running() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == Running
}

// Report returns the state, current values and peaks of the session.
func (m *Manager) Report() Report {
	m.mu.RLock()
	r := Report{
		State:     m.state.String(),
		SessionID: m.sessionID,
		Device:    m.opts.Device,
	}
	if !m.startedAt.IsZero() {
		started := m.startedAt
		r.StartedAt = &started
	}
	m.mu.RUnlock()

	r.Current = m.Current()
	r.Peak = m.peaks.Snapshot()
	r.FramesProcessed = m.peaks.Frames()
	r.StreamClients = m.frames.ClientCount()
	r.EventClients = m.events.ClientCount()
	return r
}

// SubscribeFrames subscribes to annotated JPEG frames. The channel is closed
// when the session stops, or immediately if none is running.
func (m *Manager) SubscribeFrames() (int, <-chan []byte) {
	id, ch := m.frames.Subscribe()
	m.metrics.StreamClients.Store(uint64(m.frames.ClientCount()))
	return id, ch
}

// UnsubscribeFrames drops a frame subscription.
func (m *Manager) UnsubscribeFrames(id int) {
	m.frames.Unsubscribe(id)
	m.metrics.StreamClients.Store(uint64(m.frames.ClientCount()))
}

// SubscribeEvents subscribes to current-data events. The latest event, if
// any, is delivered first.
func (m *Manager) SubscribeEvents() (int, <-chan *Event) {
	id, ch := m.events.Subscribe()
	m.metrics.EventClients.Store(uint64(m.events.ClientCount()))
	return id, ch
}

// UnsubscribeEvents drops an event subscription.
func (m *Manager) UnsubscribeEvents(id int) {
	m.events.Unsubscribe(id)
	m.metrics.EventClients.Store(uint64(m.events.ClientCount()))
}

func (m *Manager) publishEvent(snap Snapshot) {
	ts := snap.UpdatedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	ev, err := NewEvent(CurrentData{
		SessionID:   snap.SessionID,
		Running:     snap.Running,
		FrameNumber: snap.FrameNumber,
		Timestamp:   ts,
		Count:       snap.Count,
		Summary:     snap.Summary,
	})
	if err != nil {
		log.Error("Serialize event: %v", err)
		return
	}
	m.events.Broadcast(ev)
}

// produce is the single writer of the session. It exits when ctx is
// cancelled; read failures are retried after RetryInterval.
func (m *Manager) produce(ctx context.Context, handle capture.Handle, id string, done chan struct{}) {
	defer close(done)

	failures := 0
	unknownSeen := make(map[int]bool)

	for {
		if ctx.Err() != nil {
			return
		}

		frame, err := handle.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			m.metrics.ReadRetries.Add(1)
			switch {
			case failures == 1:
				log.Warn("Camera read failed, retrying every %v: %v", m.opts.RetryInterval, err)
			case failures%50 == 0:
				log.Debug("Camera read still failing (%d attempts): %v", failures, err)
			}
			if errors.Is(err, io.EOF) {
				log.Debug("Camera reported end of stream")
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.opts.RetryInterval):
			}
			continue
		}
		if failures > 0 {
			log.Info("Camera read recovered after %d failures", failures)
			failures = 0
		}
		m.metrics.FramesRead.Add(1)

		res, err := m.analyzer.Analyze(ctx, frame, analysis.Lenient)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.metrics.DetectionErrors.Add(1)
			m.metrics.FramesSkipped.Add(1)
			log.Warn("Skipping frame %d: %v", frame.Number, err)
			continue
		}
		m.metrics.UpdateDetectLatency(res.DetectTime)

		for _, classID := range res.Unknown {
			m.metrics.UnknownClasses.Add(1)
			if !unknownSeen[classID] {
				unknownSeen[classID] = true
				log.Warn("Ignoring unknown class id %d", classID)
			}
		}

		snap := Snapshot{
			Running:     true,
			SessionID:   id,
			Count:       res.Occupancy,
			Summary:     res.Summary,
			FrameNumber: frame.Number,
			UpdatedAt:   frame.Timestamp,
		}
		m.mu.Lock()
		m.current = snap
		m.mu.Unlock()

		m.peaks.Update(res.Occupancy, res.Summary)
		m.metrics.FramesProcessed.Add(1)
		m.metrics.CurrentOccupancy.Store(uint64(res.Occupancy))
		m.metrics.PeakOccupancy.Store(uint64(m.peaks.Snapshot().PeakOccupancy))
		m.metrics.SetClassCounts(res.Summary)

		m.publishEvent(snap)
		m.streamFrame(res)
	}
}

func (m *Manager) streamFrame(res analysis.FrameResult) {
	if m.annotator == nil || m.frames.ClientCount() == 0 {
		return
	}

	start := time.Now()
	poly, err := m.analyzer.Zone.Scaled(res.Frame.Width, res.Frame.Height)
	if err != nil {
		m.metrics.EncodeErrors.Add(1)
		log.Warn("Scale zone for frame %d: %v", res.Frame.Number, err)
		return
	}
	data, err := m.annotator.Encode(res.Frame, res.Detections, poly, res.Occupancy)
	if err != nil {
		m.metrics.EncodeErrors.Add(1)
		log.Warn("Annotate frame %d: %v", res.Frame.Number, err)
		return
	}
	m.metrics.UpdateEncodeLatency(time.Since(start))

	sent, dropped := m.frames.Broadcast(data)
	m.metrics.StreamFramesSent.Add(uint64(sent))
	m.metrics.StreamFramesDropped.Add(uint64(dropped))
}
