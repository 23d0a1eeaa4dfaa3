package types

import (
	"image"
	"time"
)

// Frame represents one decoded video frame with metadata
type Frame struct {
	Image     image.Image // Decoded pixels
	Number    uint64      // Sequential frame number within the source (1-based)
	Timestamp time.Time   // Time the frame was read from the source
	Width     int         // Frame width in pixels
	Height    int         // Frame height in pixels
}

// NewFrame wraps a decoded image, taking the dimensions from its bounds
func NewFrame(img image.Image, number uint64) *Frame {
	b := img.Bounds()
	return &Frame{
		Image:     img,
		Number:    number,
		Timestamp: time.Now(),
		Width:     b.Dx(),
		Height:    b.Dy(),
	}
}

// Box is an axis-aligned rectangle in pixel coordinates (x1,y1 top-left; x2,y2 bottom-right)
type Box struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Width returns the box width
func (b Box) Width() float64 { return b.X2 - b.X1 }

// Height returns the box height
func (b Box) Height() float64 { return b.Y2 - b.Y1 }

// Detection is one recognized object instance in one frame
type Detection struct {
	ClassID    int     `json:"class_id"`
	Confidence float64 `json:"confidence"`
	Box        Box     `json:"box"`
}
