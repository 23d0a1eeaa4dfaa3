// Package annotate draws detections and the zone onto frames for the live
// preview stream. Nothing here affects counting.
package annotate

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"strconv"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/dj-oyu/zone-occupancy/internal/summary"
	"github.com/dj-oyu/zone-occupancy/internal/zone"
	"github.com/dj-oyu/zone-occupancy/pkg/types"
)

var font *truetype.Font

func init() {
	var err error
	font, err = truetype.Parse(goregular.TTF)
	if err != nil {
		panic(err)
	}
}

var (
	zoneColor = color.RGBA{R: 255, A: 255}
	textColor = color.White

	palette = []color.RGBA{
		{R: 0x3c, G: 0xb4, B: 0x4b, A: 255},
		{R: 0x43, G: 0x63, B: 0xd8, A: 255},
		{R: 0xf5, G: 0x82, B: 0x31, A: 255},
		{R: 0x91, G: 0x1e, B: 0xb4, A: 255},
		{R: 0x42, G: 0xd4, B: 0xf4, A: 255},
		{R: 0xf0, G: 0x32, B: 0xe6, A: 255},
		{R: 0xbf, G: 0xef, B: 0x45, A: 255},
		{R: 0x46, G: 0x99, B: 0x90, A: 255},
	}
)

// ClassColor returns the box colour used for a class id.
func ClassColor(id int) color.RGBA {
	if id < 0 {
		id = -id
	}
	return palette[id%len(palette)]
}

// Label formats the caption drawn above a box, e.g. "car 0.87".
func Label(names summary.ClassNamer, det types.Detection) string {
	name, ok := names.ClassName(det.ClassID)
	if !ok {
		name = "#" + strconv.Itoa(det.ClassID)
	}
	return fmt.Sprintf("%s %0.2f", name, det.Confidence)
}

// Annotator renders annotated JPEG frames.
type Annotator struct {
	names     summary.ClassNamer
	quality   int
	thickness float64
}

// New returns an annotator labelling boxes with names and encoding at the
// given JPEG quality.
func New(names summary.ClassNamer, quality int) *Annotator {
	return &Annotator{names: names, quality: quality, thickness: 2}
}

// Render draws boxes with labels, the zone outline and the zone count onto a
// copy of the frame.
func (a *Annotator) Render(frame *types.Frame, dets []types.Detection, poly zone.PixelPolygon, count int) image.Image {
	dc := gg.NewContextForImage(frame.Image)

	size := max(12, float64(frame.Height)/40)
	dc.SetFontFace(truetype.NewFace(font, &truetype.Options{Size: size}))

	for _, det := range dets {
		c := ClassColor(det.ClassID)
		r := det.Box

		dc.SetColor(c)
		dc.SetLineWidth(a.thickness)
		dc.DrawRectangle(r.X1, r.Y1, r.Width(), r.Height())
		dc.Stroke()

		label := Label(a.names, det)
		w, h := dc.MeasureString(label)
		top := max(r.Y1-h-4, 0)
		dc.DrawRectangle(r.X1, top, w+6, h+4)
		dc.Fill()
		dc.SetColor(textColor)
		dc.DrawStringAnchored(label, r.X1+3, top+2, 0, 1)
	}

	vertices := poly.Vertices()
	if len(vertices) > 0 {
		dc.SetColor(zoneColor)
		dc.SetLineWidth(a.thickness)
		for _, v := range vertices {
			dc.LineTo(float64(v.X), float64(v.Y))
		}
		dc.ClosePath()
		dc.Stroke()

		center := poly.Centroid()
		text := strconv.Itoa(count)
		w, h := dc.MeasureString(text)
		dc.DrawRectangle(float64(center.X)-w/2-6, float64(center.Y)-h/2-4, w+12, h+8)
		dc.Fill()
		dc.SetColor(textColor)
		dc.DrawStringAnchored(text, float64(center.X), float64(center.Y), 0.5, 0.35)
	}

	return dc.Image()
}

// Encode renders the frame and encodes it as JPEG.
func (a *Annotator) Encode(frame *types.Frame, dets []types.Detection, poly zone.PixelPolygon, count int) ([]byte, error) {
	img := a.Render(frame, dets, poly, count)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(a.quality)); err != nil {
		return nil, fmt.Errorf("encode annotated frame: %w", err)
	}
	return buf.Bytes(), nil
}
