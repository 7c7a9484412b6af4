package trimap

import (
	"fmt"
	"image"
	"math"

	"reimage/internal/failure"
)

// Rect is an axis-aligned rectangle in image pixels with inclusive bounds.
type Rect struct {
	X0, Y0, X1, Y1 int
}

// Normalized orders the corners so X0 <= X1 and Y0 <= Y1.
func (r Rect) Normalized() Rect {
	if r.X1 < r.X0 {
		r.X0, r.X1 = r.X1, r.X0
	}
	if r.Y1 < r.Y0 {
		r.Y0, r.Y1 = r.Y1, r.Y0
	}
	return r
}

// Contains reports whether (x, y) is inside the inclusive bounds.
func (r Rect) Contains(x, y int) bool {
	return x >= r.X0 && x <= r.X1 && y >= r.Y0 && y <= r.Y1
}

// Array returns the [x0,y0,x1,y1] form used in manifests.
func (r Rect) Array() [4]int {
	return [4]int{r.X0, r.Y0, r.X1, r.Y1}
}

func (r Rect) String() string {
	return fmt.Sprintf("(%d,%d)-(%d,%d)", r.X0, r.Y0, r.X1, r.Y1)
}

// RectFromFloats converts pointer-space corners, rejecting NaN and infinities.
func RectFromFloats(x0, y0, x1, y1 float64) (Rect, error) {
	for _, v := range []float64{x0, y0, x1, y1} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Rect{}, failure.Validationf("rect", "non-finite coordinate %v", v)
		}
	}
	return Rect{
		X0: int(math.Floor(x0)), Y0: int(math.Floor(y0)),
		X1: int(math.Floor(x1)), Y1: int(math.Floor(y1)),
	}, nil
}

// Clamp normalises r and clips it to a width x height image. It fails when
// nothing of the rectangle is left.
func (r Rect) Clamp(width, height int) (Rect, error) {
	r = r.Normalized()
	if r.X1 < 0 || r.Y1 < 0 || r.X0 >= width || r.Y0 >= height {
		return Rect{}, failure.Validationf("rect", "%s has zero area inside %dx%d", r, width, height)
	}
	r.X0 = max(r.X0, 0)
	r.Y0 = max(r.Y0, 0)
	r.X1 = min(r.X1, width-1)
	r.Y1 = min(r.Y1, height-1)
	return r, nil
}

// Stroke is one brush gesture in image pixels.
type Stroke struct {
	Points []image.Point
	Radius int
	Label  Label
}

// Validate checks radius and label.
func (s Stroke) Validate() error {
	if s.Radius < 1 {
		return failure.Validationf("stroke", "radius must be >= 1, got %d", s.Radius)
	}
	if s.Label != Foreground && s.Label != Background {
		return failure.Validationf("stroke", "label must be foreground or background, got %s", s.Label)
	}
	if len(s.Points) == 0 {
		return failure.Validationf("stroke", "no points")
	}
	return nil
}

// Samples returns the densified path: consecutive samples differ by at most
// one pixel on each axis.
func (s Stroke) Samples() []image.Point {
	if len(s.Points) == 0 {
		return nil
	}
	out := []image.Point{s.Points[0]}
	for i := 1; i < len(s.Points); i++ {
		a, b := s.Points[i-1], s.Points[i]
		dx, dy := b.X-a.X, b.Y-a.Y
		n := max(abs(dx), abs(dy))
		for k := 1; k <= n; k++ {
			t := float64(k) / float64(n)
			out = append(out, image.Point{
				X: a.X + int(math.Round(t*float64(dx))),
				Y: a.Y + int(math.Round(t*float64(dy))),
			})
		}
	}
	return out
}

// Builder mutates one trimap from rectangle and stroke hints. It is owned by
// a single editing session and is not safe for concurrent use.
type Builder struct {
	t       *Trimap
	rect    *Rect
	strokes []Stroke
}

// NewBuilder starts a session with an all-Unknown grid.
func NewBuilder(width, height int) (*Builder, error) {
	t, err := New(width, height)
	if err != nil {
		return nil, err
	}
	return &Builder{t: t}, nil
}

func (b *Builder) Width() int  { return b.t.Width }
func (b *Builder) Height() int { return b.t.Height }

// ApplyRect replaces the whole grid: Unknown inside r, Background outside.
// Earlier rectangles and strokes are discarded.
func (b *Builder) ApplyRect(r Rect) (Rect, error) {
	c, err := r.Clamp(b.t.Width, b.t.Height)
	if err != nil {
		return Rect{}, err
	}
	for y := 0; y < b.t.Height; y++ {
		row := b.t.pix[y*b.t.Width : (y+1)*b.t.Width]
		for x := range row {
			if c.Contains(x, y) {
				row[x] = Unknown
			} else {
				row[x] = Background
			}
		}
	}
	b.rect = &c
	b.strokes = nil
	return c, nil
}

// ApplyStroke paints a disk of the stroke's radius at every sample whose
// centre is inside the image. Later strokes overwrite earlier ones.
func (b *Builder) ApplyStroke(s Stroke) error {
	if err := s.Validate(); err != nil {
		return err
	}
	for _, p := range s.Samples() {
		if !b.t.In(p.X, p.Y) {
			continue
		}
		b.paintDisk(p, s.Radius, s.Label)
	}
	cp := s
	cp.Points = append([]image.Point(nil), s.Points...)
	b.strokes = append(b.strokes, cp)
	return nil
}

func (b *Builder) paintDisk(c image.Point, r int, l Label) {
	r2 := r * r
	for dy := -r; dy <= r; dy++ {
		y := c.Y + dy
		if y < 0 || y >= b.t.Height {
			continue
		}
		for dx := -r; dx <= r; dx++ {
			if dx*dx+dy*dy > r2 {
				continue
			}
			x := c.X + dx
			if x < 0 || x >= b.t.Width {
				continue
			}
			b.t.pix[y*b.t.Width+x] = l
		}
	}
}

// Replace swaps in an externally built trimap of the same size, such as an
// imported mask image. Rectangle and stroke history are cleared.
func (b *Builder) Replace(t *Trimap) error {
	if t.Width != b.t.Width || t.Height != b.t.Height {
		return failure.Validationf("replace trimap", "got %dx%d, session is %dx%d", t.Width, t.Height, b.t.Width, b.t.Height)
	}
	b.t = t.Clone()
	b.rect = nil
	b.strokes = nil
	return nil
}

// Reset clears every hint back to all-Unknown.
func (b *Builder) Reset() {
	b.t.fill(Unknown)
	b.rect = nil
	b.strokes = nil
}

// Snapshot returns a copy that later edits do not affect.
func (b *Builder) Snapshot() *Trimap {
	return b.t.Clone()
}

// Rect returns the last applied rectangle, if any.
func (b *Builder) Rect() (Rect, bool) {
	if b.rect == nil {
		return Rect{}, false
	}
	return *b.rect, true
}

// Strokes returns the strokes applied since the last rectangle or reset.
func (b *Builder) Strokes() []Stroke {
	return append([]Stroke(nil), b.strokes...)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
