// Package viewport maps pointer positions on a scaled, centred display surface
// to native image pixels and back.
package viewport

import (
	"image"
	"math"

	"reimage/internal/failure"
)

// Size is a width/height pair in pixels.
type Size struct {
	W, H int
}

// PointF is a display-space position. Pointer events may land between pixels.
type PointF struct {
	X, Y float64
}

// FitScale picks the aspect-preserving scale that fits an image into
// fraction of the available area without ever enlarging it.
func FitScale(imageW, imageH, availW, availH int, fraction float64) float64 {
	if imageW <= 0 || imageH <= 0 || availW <= 0 || availH <= 0 || fraction <= 0 {
		return 1
	}
	maxW := math.Floor(float64(availW) * fraction)
	maxH := math.Floor(float64(availH) * fraction)
	return math.Min(1, math.Min(maxW/float64(imageW), maxH/float64(imageH)))
}

// Mapper converts between display and image coordinates for one loaded image.
type Mapper struct {
	viewport  Size
	img       Size
	scale     float64
	displayed Size
}

// NewMapper fixes the viewport, image size and scale for the session.
func NewMapper(viewport, img Size, scale float64) (*Mapper, error) {
	if viewport.W <= 0 || viewport.H <= 0 {
		return nil, failure.Validationf("viewport", "viewport must be positive, got %dx%d", viewport.W, viewport.H)
	}
	if img.W <= 0 || img.H <= 0 {
		return nil, failure.Validationf("viewport", "image must be positive, got %dx%d", img.W, img.H)
	}
	if math.IsNaN(scale) || math.IsInf(scale, 0) || scale <= 0 || scale > 1 {
		return nil, failure.Validationf("viewport", "scale must be in (0,1], got %v", scale)
	}
	return &Mapper{
		viewport: viewport,
		img:      img,
		scale:    scale,
		displayed: Size{
			W: max(1, int(math.Round(float64(img.W)*scale))),
			H: max(1, int(math.Round(float64(img.H)*scale))),
		},
	}, nil
}

// Fit builds a Mapper whose scale fits img into the given fraction of the viewport.
func Fit(viewport, img Size, fraction float64) (*Mapper, error) {
	return NewMapper(viewport, img, FitScale(img.W, img.H, viewport.W, viewport.H, fraction))
}

func (m *Mapper) Viewport() Size  { return m.viewport }
func (m *Mapper) Image() Size     { return m.img }
func (m *Mapper) Scale() float64  { return m.scale }
func (m *Mapper) Displayed() Size { return m.displayed }

// Offset is the top-left corner of the centred image on the display.
func (m *Mapper) Offset() (float64, float64) {
	return float64(m.viewport.W-m.displayed.W) / 2, float64(m.viewport.H-m.displayed.H) / 2
}

// ToImage maps a display point to an image pixel. ok is false when the point
// falls outside the image; no hint may be recorded in that case.
func (m *Mapper) ToImage(p PointF) (image.Point, bool) {
	if math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsInf(p.X, 0) || math.IsInf(p.Y, 0) {
		return image.Point{}, false
	}
	ox, oy := m.Offset()
	x := int(math.Floor((p.X - ox) * float64(m.img.W) / float64(m.displayed.W)))
	y := int(math.Floor((p.Y - oy) * float64(m.img.H) / float64(m.displayed.H)))
	if x < 0 || y < 0 || x >= m.img.W || y >= m.img.H {
		return image.Point{}, false
	}
	return image.Point{X: x, Y: y}, true
}

// ToImageClamped maps like ToImage but pins out-of-canvas points to the
// nearest edge pixel. Rectangle corners dragged past the image use this.
func (m *Mapper) ToImageClamped(p PointF) (image.Point, bool) {
	if math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsInf(p.X, 0) || math.IsInf(p.Y, 0) {
		return image.Point{}, false
	}
	ox, oy := m.Offset()
	x := int(math.Floor((p.X - ox) * float64(m.img.W) / float64(m.displayed.W)))
	y := int(math.Floor((p.Y - oy) * float64(m.img.H) / float64(m.displayed.H)))
	return image.Point{X: min(max(x, 0), m.img.W-1), Y: min(max(y, 0), m.img.H-1)}, true
}

// ToDisplay returns the display position of the centre of an image pixel.
func (m *Mapper) ToDisplay(p image.Point) PointF {
	ox, oy := m.Offset()
	return PointF{
		X: ox + (float64(p.X)+0.5)*float64(m.displayed.W)/float64(m.img.W),
		Y: oy + (float64(p.Y)+0.5)*float64(m.displayed.H)/float64(m.img.H),
	}
}
