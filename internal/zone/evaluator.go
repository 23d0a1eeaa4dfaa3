package zone

import (
	"fmt"
	"strings"
	"sync"

	"github.com/golang/geo/r2"

	"github.com/dj-oyu/zone-occupancy/pkg/types"
)

// Anchor selects which point of a detection box is tested against the zone.
type Anchor int

const (
	// AnchorBottomCenter tests the middle of the bottom edge (the "foot point").
	AnchorBottomCenter Anchor = iota
	// AnchorCenter tests the box center.
	AnchorCenter
)

// ParseAnchor parses an anchor name as used in configuration.
func ParseAnchor(s string) (Anchor, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "bottom_center", "bottom-center", "foot":
		return AnchorBottomCenter, nil
	case "center", "centre":
		return AnchorCenter, nil
	default:
		return AnchorBottomCenter, fmt.Errorf("unknown zone anchor: %q", s)
	}
}

// String returns the configuration name of the anchor.
func (a Anchor) String() string {
	switch a {
	case AnchorCenter:
		return "center"
	default:
		return "bottom_center"
	}
}

// Point returns the representative point of a box for this anchor.
func (a Anchor) Point(b types.Box) r2.Point {
	x := (b.X1 + b.X2) / 2
	if a == AnchorCenter {
		return r2.Point{X: x, Y: (b.Y1 + b.Y2) / 2}
	}
	return r2.Point{X: x, Y: b.Y2}
}

// Evaluate scales poly to the frame and counts the detections whose anchor
// point lies inside it. It has no side effects.
func Evaluate(poly Polygon, width, height int, dets []types.Detection, anchor Anchor) (int, error) {
	scaled, err := poly.Scale(width, height)
	if err != nil {
		return 0, err
	}
	return countInside(scaled, dets, anchor), nil
}

func countInside(pp PixelPolygon, dets []types.Detection, anchor Anchor) int {
	count := 0
	for _, det := range dets {
		if pp.Contains(anchor.Point(det.Box)) {
			count++
		}
	}
	return count
}

// Zone is a configured polygon that keeps its pixel scaling for the last
// frame size seen and rescales when the size changes.
type Zone struct {
	polygon Polygon
	anchor  Anchor

	mu     sync.Mutex
	width  int
	height int
	scaled PixelPolygon
}

// New validates poly and returns a Zone using the given anchor.
func New(poly Polygon, anchor Anchor) (*Zone, error) {
	if err := poly.Validate(); err != nil {
		return nil, err
	}
	cp := make(Polygon, len(poly))
	copy(cp, poly)
	return &Zone{polygon: cp, anchor: anchor}, nil
}

// Polygon returns a copy of the normalized polygon.
func (z *Zone) Polygon() Polygon {
	cp := make(Polygon, len(z.polygon))
	copy(cp, z.polygon)
	return cp
}

// Anchor returns the anchor used for membership tests.
func (z *Zone) Anchor() Anchor {
	return z.anchor
}

// Scaled returns the polygon in pixel coordinates for a width x height frame.
func (z *Zone) Scaled(width, height int) (PixelPolygon, error) {
	z.mu.Lock()
	defer z.mu.Unlock()

	if width == z.width && height == z.height && len(z.scaled.vertices) > 0 {
		return z.scaled, nil
	}
	scaled, err := z.polygon.Scale(width, height)
	if err != nil {
		return PixelPolygon{}, err
	}
	z.width, z.height, z.scaled = width, height, scaled
	return scaled, nil
}

// Count returns the occupancy of one frame.
func (z *Zone) Count(width, height int, dets []types.Detection) (int, error) {
	scaled, err := z.Scaled(width, height)
	if err != nil {
		return 0, err
	}
	return countInside(scaled, dets, z.anchor), nil
}
