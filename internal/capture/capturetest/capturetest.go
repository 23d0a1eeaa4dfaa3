// Package capturetest provides scripted capture sources for tests.
package capturetest

import (
	"context"
	"errors"
	"image"
	"io"
	"sync"
	"time"

	"github.com/dj-oyu/zone-occupancy/internal/capture"
	"github.com/dj-oyu/zone-occupancy/pkg/types"
)

// ErrReleased is returned by reads on a released handle.
var ErrReleased = errors.New("capturetest: handle released")

// NewFrame returns a blank width x height frame numbered n.
func NewFrame(n uint64, width, height int) *types.Frame {
	return types.NewFrame(image.NewRGBA(image.Rect(0, 0, width, height)), n)
}

// Step is one scripted Read result. A nil Frame with a nil Err yields the
// next numbered blank frame.
type Step struct {
	Frame *types.Frame
	Err   error
}

// Handle replays Steps, then either reports io.EOF or, when Endless is set,
// keeps producing blank frames every Interval until released.
type Handle struct {
	Steps    []Step
	Endless  bool
	Interval time.Duration
	Width    int
	Height   int

	mu       sync.Mutex
	pos      int
	number   uint64
	released bool
	done     chan struct{}
	once     sync.Once
}

// Frames returns a finite handle with n blank frames.
func Frames(n, width, height int) *Handle {
	return &Handle{Steps: make([]Step, n), Width: width, Height: height}
}

func (h *Handle) doneCh() chan struct{} {
	h.once.Do(func() { h.done = make(chan struct{}) })
	return h.done
}

func (h *Handle) blank() *types.Frame {
	h.number++
	w, hh := h.Width, h.Height
	if w == 0 {
		w = 64
	}
	if hh == 0 {
		hh = 48
	}
	return NewFrame(h.number, w, hh)
}

// Read implements capture.Handle.
func (h *Handle) Read(ctx context.Context) (*types.Frame, error) {
	done := h.doneCh()

	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return nil, ErrReleased
	}
	if h.pos < len(h.Steps) {
		step := h.Steps[h.pos]
		h.pos++
		defer h.mu.Unlock()
		if step.Err != nil {
			return nil, step.Err
		}
		if step.Frame != nil {
			h.number = step.Frame.Number
			return step.Frame, nil
		}
		return h.blank(), nil
	}
	if !h.Endless {
		h.mu.Unlock()
		return nil, io.EOF
	}
	h.mu.Unlock()

	if h.Interval > 0 {
		select {
		case <-time.After(h.Interval):
		case <-done:
			return nil, ErrReleased
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil, ErrReleased
	}
	return h.blank(), nil
}

// Release implements capture.Handle.
func (h *Handle) Release() error {
	done := h.doneCh()

	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.released {
		h.released = true
		close(done)
	}
	return nil
}

// Released reports whether Release was called at least once.
func (h *Handle) Released() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

// Reads returns how many steps have been consumed.
func (h *Handle) Reads() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pos
}

// Opener hands out handles built by New, or fails with Err.
type Opener struct {
	New func() *Handle
	Err error

	mu      sync.Mutex
	handles []*Handle
	ids     []string
}

// Open implements capture.Opener.
func (o *Opener) Open(ctx context.Context, id string) (capture.Handle, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ids = append(o.ids, id)
	if o.Err != nil {
		return nil, o.Err
	}
	h := o.New()
	o.handles = append(o.handles, h)
	return h, nil
}

// Opens returns the number of Open calls, failed ones included.
func (o *Opener) Opens() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.ids)
}

// Handles returns the handles opened so far.
func (o *Opener) Handles() []*Handle {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*Handle(nil), o.handles...)
}

// IDs returns the identifiers passed to Open.
func (o *Opener) IDs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.ids...)
}
