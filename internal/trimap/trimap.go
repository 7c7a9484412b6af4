// Package trimap holds the per-pixel seed labels and the builder that paints them.
package trimap

import (
	"reimage/internal/failure"
)

// Label is the seed state of one pixel.
type Label uint8

const (
	Unknown Label = iota
	Foreground
	Background
)

func (l Label) String() string {
	switch l {
	case Unknown:
		return "unknown"
	case Foreground:
		return "foreground"
	case Background:
		return "background"
	default:
		return "invalid"
	}
}

// ParseLabel accepts the short names used by the CLI and the pointer protocol.
func ParseLabel(s string) (Label, error) {
	switch s {
	case "fg", "foreground":
		return Foreground, nil
	case "bg", "background":
		return Background, nil
	case "unknown":
		return Unknown, nil
	}
	return Unknown, failure.Validationf("parse label", "unknown label %q", s)
}

// Trimap is a fixed-size, row-major label grid.
type Trimap struct {
	Width  int
	Height int
	pix    []Label
}

// New returns an all-Unknown trimap.
func New(width, height int) (*Trimap, error) {
	if width <= 0 || height <= 0 {
		return nil, failure.Validationf("new trimap", "dimensions must be positive, got %dx%d", width, height)
	}
	return &Trimap{Width: width, Height: height, pix: make([]Label, width*height)}, nil
}

// FromLabels wraps a copy of labels. len(labels) must equal width*height.
func FromLabels(width, height int, labels []Label) (*Trimap, error) {
	t, err := New(width, height)
	if err != nil {
		return nil, err
	}
	if len(labels) != width*height {
		return nil, failure.Validationf("trimap from labels", "got %d labels for %dx%d", len(labels), width, height)
	}
	copy(t.pix, labels)
	return t, nil
}

// In reports whether (x, y) lies inside the grid.
func (t *Trimap) In(x, y int) bool {
	return x >= 0 && y >= 0 && x < t.Width && y < t.Height
}

// At returns the label at (x, y). Out-of-range coordinates read as Unknown.
func (t *Trimap) At(x, y int) Label {
	if !t.In(x, y) {
		return Unknown
	}
	return t.pix[y*t.Width+x]
}

// Set writes a label. Out-of-range writes are dropped.
func (t *Trimap) Set(x, y int, l Label) {
	if !t.In(x, y) {
		return
	}
	t.pix[y*t.Width+x] = l
}

func (t *Trimap) fill(l Label) {
	for i := range t.pix {
		t.pix[i] = l
	}
}

// Labels returns a copy of the row-major label slice.
func (t *Trimap) Labels() []Label {
	out := make([]Label, len(t.pix))
	copy(out, t.pix)
	return out
}

// Clone returns a deep copy.
func (t *Trimap) Clone() *Trimap {
	return &Trimap{Width: t.Width, Height: t.Height, pix: t.Labels()}
}

// Equal compares dimensions and every label.
func (t *Trimap) Equal(o *Trimap) bool {
	if t == nil || o == nil {
		return t == o
	}
	if t.Width != o.Width || t.Height != o.Height {
		return false
	}
	for i := range t.pix {
		if t.pix[i] != o.pix[i] {
			return false
		}
	}
	return true
}

// Count returns the number of pixels carrying l.
func (t *Trimap) Count(l Label) int {
	n := 0
	for _, p := range t.pix {
		if p == l {
			n++
		}
	}
	return n
}

// Has reports whether any pixel carries l.
func (t *Trimap) Has(l Label) bool {
	for _, p := range t.pix {
		if p == l {
			return true
		}
	}
	return false
}
