// Package zone decides which detections fall inside the counting region.
//
// A zone is configured once as a polygon in normalized [0,1] coordinates and
// scaled to the pixel dimensions of whatever frame is being evaluated, so one
// configuration serves uploads and cameras of any resolution.
package zone

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"math"
	"strconv"
	"strings"

	"github.com/golang/geo/r2"
)

// ErrInvalidGeometry is returned for polygons that cannot describe a region
// or for frame dimensions that cannot be scaled to.
var ErrInvalidGeometry = errors.New("invalid zone geometry")

// edgeEpsilon bounds the cross product for a point to count as lying on an edge.
const edgeEpsilon = 1e-9

// Point is a polygon vertex in normalized frame coordinates.
type Point struct {
	X float64
	Y float64
}

// MarshalJSON encodes the point as a two element array.
func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{p.X, p.Y})
}

// UnmarshalJSON accepts the [x, y] form used by zone configuration files.
func (p *Point) UnmarshalJSON(data []byte) error {
	var xy []float64
	if err := json.Unmarshal(data, &xy); err != nil {
		return fmt.Errorf("zone point: %w", err)
	}
	if len(xy) != 2 {
		return fmt.Errorf("zone point: expected [x, y], got %d values", len(xy))
	}
	p.X, p.Y = xy[0], xy[1]
	return nil
}

// Polygon is a closed region given as an ordered list of normalized vertices.
// The last vertex connects back to the first.
type Polygon []Point

// FullFrame covers the whole frame.
var FullFrame = Polygon{{0, 0}, {1, 0}, {1, 1}, {0, 1}}

// Validate checks that the polygon has at least three vertices, all inside [0,1].
func (p Polygon) Validate() error {
	if len(p) < 3 {
		return fmt.Errorf("%w: polygon needs at least 3 points, got %d", ErrInvalidGeometry, len(p))
	}
	for i, pt := range p {
		if math.IsNaN(pt.X) || math.IsNaN(pt.Y) ||
			pt.X < 0 || pt.X > 1 || pt.Y < 0 || pt.Y > 1 {
			return fmt.Errorf("%w: point %d (%g, %g) outside normalized range", ErrInvalidGeometry, i, pt.X, pt.Y)
		}
	}
	return nil
}

// Scale maps the polygon onto a width x height frame. Each axis is multiplied
// independently and truncated to whole pixels.
func (p Polygon) Scale(width, height int) (PixelPolygon, error) {
	if err := p.Validate(); err != nil {
		return PixelPolygon{}, err
	}
	if width <= 0 || height <= 0 {
		return PixelPolygon{}, fmt.Errorf("%w: frame size %dx%d", ErrInvalidGeometry, width, height)
	}

	vertices := make([]r2.Point, len(p))
	for i, pt := range p {
		vertices[i] = r2.Point{
			X: float64(int(pt.X * float64(width))),
			Y: float64(int(pt.Y * float64(height))),
		}
	}
	return PixelPolygon{
		vertices: vertices,
		bounds:   r2.RectFromPoints(vertices...),
	}, nil
}

// String renders the polygon in the flag syntax accepted by ParsePolygon.
func (p Polygon) String() string {
	parts := make([]string, len(p))
	for i, pt := range p {
		parts[i] = strconv.FormatFloat(pt.X, 'g', -1, 64) + "," + strconv.FormatFloat(pt.Y, 'g', -1, 64)
	}
	return strings.Join(parts, ";")
}

// ParsePolygon parses "x1,y1;x2,y2;..." into a validated polygon.
func ParsePolygon(s string) (Polygon, error) {
	var poly Polygon
	for _, pair := range strings.Split(strings.TrimSpace(s), ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		xy := strings.Split(pair, ",")
		if len(xy) != 2 {
			return nil, fmt.Errorf("%w: malformed point %q", ErrInvalidGeometry, pair)
		}
		x, err := strconv.ParseFloat(strings.TrimSpace(xy[0]), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: point %q: %v", ErrInvalidGeometry, pair, err)
		}
		y, err := strconv.ParseFloat(strings.TrimSpace(xy[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: point %q: %v", ErrInvalidGeometry, pair, err)
		}
		poly = append(poly, Point{X: x, Y: y})
	}
	if err := poly.Validate(); err != nil {
		return nil, err
	}
	return poly, nil
}

// PixelPolygon is a polygon scaled to a concrete frame.
type PixelPolygon struct {
	vertices []r2.Point
	bounds   r2.Rect
}

// Vertices returns the scaled vertices as image points.
func (pp PixelPolygon) Vertices() []image.Point {
	out := make([]image.Point, len(pp.vertices))
	for i, v := range pp.vertices {
		out[i] = image.Pt(int(v.X), int(v.Y))
	}
	return out
}

// Centroid returns the vertex average, used to place the zone label.
func (pp PixelPolygon) Centroid() image.Point {
	if len(pp.vertices) == 0 {
		return image.Point{}
	}
	var sum r2.Point
	for _, v := range pp.vertices {
		sum = sum.Add(v)
	}
	c := sum.Mul(1 / float64(len(pp.vertices)))
	return image.Pt(int(c.X), int(c.Y))
}

// Contains reports whether pt lies inside the polygon. Points on an edge or
// vertex count as inside; everything else follows the even-odd rule.
func (pp PixelPolygon) Contains(pt r2.Point) bool {
	n := len(pp.vertices)
	if n < 3 || !pp.bounds.ContainsPoint(pt) {
		return false
	}

	inside := false
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		a, b := pp.vertices[i], pp.vertices[j]
		if onSegment(a, b, pt) {
			return true
		}
		if (a.Y > pt.Y) != (b.Y > pt.Y) {
			crossX := (b.X-a.X)*(pt.Y-a.Y)/(b.Y-a.Y) + a.X
			if pt.X < crossX {
				inside = !inside
			}
		}
	}
	return inside
}

func onSegment(a, b, pt r2.Point) bool {
	if math.Abs(b.Sub(a).Cross(pt.Sub(a))) > edgeEpsilon {
		return false
	}
	return r2.RectFromPoints(a, b).ContainsPoint(pt)
}
