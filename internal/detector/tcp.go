package detector

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/dj-oyu/zone-occupancy/pkg/types"
)

// TCPDetector speaks the socket protocol of standalone detector scripts:
// a 4-byte big-endian length, the JPEG bytes, then one JSON line in reply.
// One connection is dialed per frame.
type TCPDetector struct {
	Addr      string
	InputSize int
	Quality   int
	Timeout   time.Duration
}

// NewTCPDetector returns a TCP detector for addr (host:port).
func NewTCPDetector(addr string, inputSize int, timeout time.Duration) *TCPDetector {
	return &TCPDetector{Addr: addr, InputSize: inputSize, Quality: 90, Timeout: timeout}
}

// Detect implements Detector.
func (d *TCPDetector) Detect(ctx context.Context, frame *types.Frame) ([]types.Detection, error) {
	payload, sx, sy, err := prepare(frame, d.InputSize, d.Quality)
	if err != nil {
		return nil, err
	}

	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", d.Addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDetectionFailure, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	sizeBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(sizeBytes, uint32(len(payload)))
	if _, err := conn.Write(sizeBytes); err != nil {
		return nil, failure("send size: %v", err)
	}
	if _, err := conn.Write(payload); err != nil {
		return nil, failure("send image: %v", err)
	}

	reply, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrDetectionFailure, ctx.Err())
		}
		return nil, failure("read reply: %v", err)
	}

	dets, err := parsePredictions(reply)
	if err != nil {
		return nil, err
	}
	rescale(dets, sx, sy)
	return dets, nil
}
