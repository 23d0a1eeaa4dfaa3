package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	ffmpeg "github.com/u2takey/ffmpeg-go"

	"github.com/dj-oyu/zone-occupancy/internal/logger"
)

var log = logger.For("Capture")

// FFmpegOpener decodes sources with an ffmpeg child process writing BMP
// images to a pipe. File sources are probed first; camera sources are opened
// with an explicit input format (v4l2, avfoundation, dshow).
type FFmpegOpener struct {
	FFmpegPath string
	// InputFormat is the ffmpeg -f value for camera devices. Empty means
	// the opener reads files.
	InputFormat string
	FrameRate   int
	// OpenTimeout bounds the wait for the first decoded frame.
	OpenTimeout time.Duration
}

// NewFileOpener returns an opener for video files.
func NewFileOpener(ffmpegPath string) *FFmpegOpener {
	return &FFmpegOpener{FFmpegPath: ffmpegPath, OpenTimeout: 30 * time.Second}
}

// NewCameraOpener returns an opener for capture devices.
func NewCameraOpener(ffmpegPath, inputFormat string, frameRate int) *FFmpegOpener {
	return &FFmpegOpener{
		FFmpegPath:  ffmpegPath,
		InputFormat: inputFormat,
		FrameRate:   frameRate,
		OpenTimeout: 10 * time.Second,
	}
}

func (o *FFmpegOpener) live() bool { return o.InputFormat != "" }

// binary resolves FFmpegPath. Empty means ffmpeg-go's default lookup of
// "ffmpeg" on PATH.
func (o *FFmpegOpener) binary() (string, error) {
	if o.FFmpegPath == "" {
		return "", nil
	}
	path, err := exec.LookPath(o.FFmpegPath)
	if err != nil {
		return "", fmt.Errorf("ffmpeg binary: %w", err)
	}
	return path, nil
}

// probe checks that a file exists and has a decodable video stream.
func (o *FFmpegOpener) probe(path string) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}
	out, err := ffmpeg.ProbeWithTimeout(path, o.OpenTimeout, ffmpeg.KwArgs{})
	if err != nil {
		return fmt.Errorf("probe: %w", err)
	}
	video := gjson.Get(out, `streams.#(codec_type=="video")`)
	if !video.Exists() {
		return errors.New("no video stream")
	}
	w, h := video.Get("width").Int(), video.Get("height").Int()
	if w <= 0 || h <= 0 {
		return fmt.Errorf("video stream has size %dx%d", w, h)
	}
	log.Debug("Probed %s: %dx%d %s, %s frames", path, w, h,
		video.Get("codec_name").String(), video.Get("nb_frames").String())
	return nil
}

// Open starts decoding id and waits for the first frame, so a source that
// cannot deliver one is reported as unavailable here rather than on Read.
func (o *FFmpegOpener) Open(ctx context.Context, id string) (Handle, error) {
	inArgs := ffmpeg.KwArgs{}
	if o.live() {
		inArgs["f"] = o.InputFormat
		if o.FrameRate > 0 {
			inArgs["framerate"] = o.FrameRate
		}
	} else if err := o.probe(id); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, id, err)
	}

	bin, err := o.binary()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, id, err)
	}

	pr, pw := io.Pipe()
	stderr := &tailBuffer{max: 4096}
	procCtx, cancel := context.WithCancel(context.Background())

	// The pipe writers live in the stream context, so it must be set first.
	stream := ffmpeg.Input(id, inArgs).
		Output("pipe:", ffmpeg.KwArgs{"format": "image2pipe", "vcodec": "bmp"})
	stream.Context = procCtx
	cmd := stream.WithOutput(pw).WithErrorOutput(stderr).Compile()
	if bin != "" {
		cmd.Path = bin
		cmd.Err = nil
	}

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		err := cmd.Run()
		if err != nil && procCtx.Err() == nil {
			err = fmt.Errorf("ffmpeg exited: %w: %s", err, stderr.String())
			pw.CloseWithError(err)
			return
		}
		pw.Close()
	}()

	h := newPipeHandle(pr, func() error {
		cancel()
		<-runDone
		return nil
	})

	openCtx := ctx
	if o.OpenTimeout > 0 {
		var cancelOpen context.CancelFunc
		openCtx, cancelOpen = context.WithTimeout(ctx, o.OpenTimeout)
		defer cancelOpen()
	}
	first, err := h.Read(openCtx)
	switch {
	case err == nil:
		h.pending = &readResult{frame: first}
	case errors.Is(err, io.EOF) && !o.live():
		// a file with no decodable frames is an empty source, not a missing one
		h.pending = &readResult{err: io.EOF}
	default:
		h.Release()
		return nil, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, id, err)
	}

	if first != nil {
		log.Info("Opened %s (%dx%d)", id, first.Width, first.Height)
	} else {
		log.Warn("Opened %s but it has no frames", id)
	}
	return h, nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
