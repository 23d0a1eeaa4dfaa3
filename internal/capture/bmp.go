package capture

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"sync"

	"golang.org/x/image/bmp"

	"github.com/dj-oyu/zone-occupancy/pkg/types"
)

const (
	bmpHeaderSize = 14
	maxBMPSize    = 256 << 20
)

// readBMP reads one BMP image from a concatenated image2pipe stream. A clean
// end of stream between images is io.EOF; a stream cut inside an image is
// io.ErrUnexpectedEOF.
func readBMP(r io.Reader) (image.Image, error) {
	header := make([]byte, bmpHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	if header[0] != 'B' || header[1] != 'M' {
		return nil, fmt.Errorf("not a BMP frame (magic %q)", header[:2])
	}

	fileSize := binary.LittleEndian.Uint32(header[2:6])
	if fileSize <= bmpHeaderSize || fileSize > maxBMPSize {
		return nil, fmt.Errorf("implausible BMP size %d", fileSize)
	}
	data := make([]byte, fileSize)
	copy(data, header)
	if _, err := io.ReadFull(r, data[bmpHeaderSize:]); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	img, err := bmp.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode BMP frame: %w", err)
	}
	return img, nil
}

type readResult struct {
	frame *types.Frame
	err   error
}

// pipeHandle decodes BMP frames from r on its own goroutine so that Read can
// honor context cancellation and Release can unblock it.
type pipeHandle struct {
	r      io.ReadCloser
	stop   func() error
	frames chan readResult
	closed chan struct{}

	// first frame read during Open, handed out by the first Read
	pending *readResult

	mu       sync.Mutex
	final    error
	released bool
	once     sync.Once
	done     chan struct{}
}

func newPipeHandle(r io.ReadCloser, stop func() error) *pipeHandle {
	h := &pipeHandle{
		r:      r,
		stop:   stop,
		frames: make(chan readResult),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go h.decode()
	return h
}

func (h *pipeHandle) decode() {
	defer close(h.done)

	br := bufio.NewReaderSize(h.r, 1<<20)
	var number uint64
	for {
		img, err := readBMP(br)
		var res readResult
		if err != nil {
			res.err = err
		} else {
			number++
			res.frame = types.NewFrame(img, number)
		}

		select {
		case h.frames <- res:
		case <-h.closed:
			return
		}
		if err != nil {
			h.mu.Lock()
			h.final = err
			h.mu.Unlock()
			return
		}
	}
}

// Read returns the next frame. After the stream ends every Read repeats the
// terminal error.
func (h *pipeHandle) Read(ctx context.Context) (*types.Frame, error) {
	if p := h.pending; p != nil {
		h.pending = nil
		return p.frame, p.err
	}

	select {
	case res := <-h.frames:
		return res.frame, res.err
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.released {
			return nil, errReleased
		}
		if h.final != nil {
			return nil, h.final
		}
		return nil, io.EOF
	case <-h.closed:
		return nil, errReleased
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

var errReleased = errors.New("capture handle released")

// Release stops the producer and closes the stream.
func (h *pipeHandle) Release() error {
	var err error
	h.once.Do(func() {
		h.mu.Lock()
		h.released = true
		h.mu.Unlock()

		close(h.closed)
		// closing the reader first unblocks a producer stuck writing to it
		err = h.r.Close()
		if h.stop != nil {
			if serr := h.stop(); err == nil {
				err = serr
			}
		}
		<-h.done
	})
	return err
}
