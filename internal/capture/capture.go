// Package capture opens video sources and yields decoded frames.
package capture

import (
	"context"
	"errors"

	"github.com/dj-oyu/zone-occupancy/pkg/types"
)

// ErrSourceUnavailable is returned when a source cannot be opened: a missing
// or unreadable file, or a camera that cannot be acquired.
var ErrSourceUnavailable = errors.New("source unavailable")

// Opener opens a source by identifier (file path or device).
type Opener interface {
	Open(ctx context.Context, id string) (Handle, error)
}

// Handle is an open source. Read returns io.EOF once a finite source is
// exhausted; any other error is a failed read. Release frees the underlying
// device and unblocks a pending Read; it is safe to call more than once.
type Handle interface {
	Read(ctx context.Context) (*types.Frame, error)
	Release() error
}
