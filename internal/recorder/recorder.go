// Package recorder saves the annotated live stream to disk as a raw MJPEG
// file (concatenated JPEG images, playable with ffmpeg -f mjpeg).
package recorder

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dj-oyu/zone-occupancy/internal/logger"
)

var (
	ErrAlreadyRecording = errors.New("already recording")
	ErrNotRecording     = errors.New("not recording")
	ErrSessionStopped   = errors.New("no live session to record")
)

// FrameSource supplies encoded frames of the live session.
type FrameSource interface {
	Running() bool
	SubscribeFrames() (int, <-chan []byte)
	UnsubscribeFrames(id int)
}

// Recorder records annotated frames to file
type Recorder struct {
	basePath string
	source   FrameSource

	mu           sync.RWMutex
	file         *os.File
	filename     string
	recording    bool
	frameCount   uint64
	bytesWritten uint64
	startTime    time.Time
	subID        int
	stopChan     chan struct{}
	done         chan struct{}
}

// NewRecorder creates a recorder writing into basePath.
func NewRecorder(basePath string, source FrameSource) *Recorder {
	return &Recorder{basePath: basePath, source: source}
}

// Start starts recording the running session to a new file. Recording ends
// on Stop or when the session stops.
func (r *Recorder) Start() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		return "", ErrAlreadyRecording
	}
	if !r.source.Running() {
		return "", ErrSessionStopped
	}
	if err := os.MkdirAll(r.basePath, 0o755); err != nil {
		return "", fmt.Errorf("failed to create recordings directory: %w", err)
	}

	timestamp := time.Now().Format("20060102_150405")
	filename := fmt.Sprintf("recording_%s.mjpeg", timestamp)
	file, err := os.Create(filepath.Join(r.basePath, filename))
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}

	id, frames := r.source.SubscribeFrames()

	r.file = file
	r.filename = filename
	r.recording = true
	r.frameCount = 0
	r.bytesWritten = 0
	r.startTime = time.Now()
	r.subID = id
	r.stopChan = make(chan struct{})
	r.done = make(chan struct{})

	go r.writeFrames(frames, r.stopChan, r.done)

	logger.Info("Recorder", "Recording to %s", filename)
	return filename, nil
}

// Stop stops recording and returns the final status.
func (r *Recorder) Stop() (Status, error) {
	r.mu.Lock()
	if !r.recording || r.stopChan == nil {
		r.mu.Unlock()
		return r.Status(), ErrNotRecording
	}
	stop, done := r.stopChan, r.done
	r.stopChan = nil
	r.mu.Unlock()

	close(stop)
	<-done
	return r.Status(), r.closeErr()
}

func (r *Recorder) closeErr() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.file != nil {
		return fmt.Errorf("recording file %s still open", r.filename)
	}
	return nil
}

// writeFrames appends frames until stopped or the session ends, then closes
// the file.
func (r *Recorder) writeFrames(frames <-chan []byte, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer r.finish()

	for {
		select {
		case <-stop:
			return
		case data, ok := <-frames:
			if !ok {
				logger.Info("Recorder", "Session ended, closing recording")
				return
			}
			r.writeFrame(data)
		}
	}
}

func (r *Recorder) writeFrame(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return
	}
	n, err := r.file.Write(data)
	r.bytesWritten += uint64(n)
	if err != nil {
		logger.Warn("Recorder", "Write %s: %v", r.filename, err)
		return
	}
	r.frameCount++
}

func (r *Recorder) finish() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.source.UnsubscribeFrames(r.subID)
	if r.file != nil {
		if err := r.file.Sync(); err != nil {
			logger.Warn("Recorder", "Sync %s: %v", r.filename, err)
		}
		if err := r.file.Close(); err != nil {
			logger.Warn("Recorder", "Close %s: %v", r.filename, err)
		}
		r.file = nil
	}
	r.recording = false
	logger.Info("Recorder", "Recording %s finished (%d frames, %d bytes)",
		r.filename, r.frameCount, r.bytesWritten)
}

// IsRecording returns true if currently recording
func (r *Recorder) IsRecording() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recording
}

// Status returns the current recording status
func (r *Recorder) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var duration time.Duration
	if r.recording {
		duration = time.Since(r.startTime)
	}

	return Status{
		Recording:    r.recording,
		Filename:     r.filename,
		FrameCount:   r.frameCount,
		BytesWritten: r.bytesWritten,
		DurationMs:   duration.Milliseconds(),
		StartTime:    r.startTime,
	}
}

// Close stops any recording in progress.
func (r *Recorder) Close() error {
	if _, err := r.Stop(); err != nil && !errors.Is(err, ErrNotRecording) {
		return err
	}
	return nil
}

// Status holds the current recording status
type Status struct {
	Recording    bool      `json:"recording"`
	Filename     string    `json:"filename"`
	FrameCount   uint64    `json:"frame_count"`
	BytesWritten uint64    `json:"bytes_written"`
	DurationMs   int64     `json:"duration_ms"`
	StartTime    time.Time `json:"start_time"`
}
