package viewport

import (
	"image"
	"testing"

	"reimage/internal/failure"
)

func TestCenteredClickMapsToImage(t *testing.T) {
	m, err := NewMapper(Size{800, 600}, Size{400, 300}, 1.0)
	if err != nil {
		t.Fatalf("NewMapper: %v", err)
	}
	ox, oy := m.Offset()
	if ox != 200 || oy != 150 {
		t.Fatalf("expected offset (200,150), got (%v,%v)", ox, oy)
	}
	p, ok := m.ToImage(PointF{450, 340})
	if !ok {
		t.Fatalf("expected mapping to succeed")
	}
	if p != (image.Point{250, 190}) {
		t.Fatalf("expected (250,190), got %v", p)
	}
}

func TestToImageRejectsOutsideCanvas(t *testing.T) {
	m, err := NewMapper(Size{800, 600}, Size{400, 300}, 1.0)
	if err != nil {
		t.Fatalf("NewMapper: %v", err)
	}
	for _, p := range []PointF{{199, 300}, {600, 300}, {400, 149.5}, {400, 450}, {10, 10}} {
		if got, ok := m.ToImage(p); ok {
			t.Fatalf("point %v should not map, got %v", p, got)
		}
	}
	if _, ok := m.ToImage(PointF{200, 150}); !ok {
		t.Fatalf("top-left corner should map")
	}
	if got, ok := m.ToImage(PointF{599.9, 449.9}); !ok || got != (image.Point{399, 299}) {
		t.Fatalf("bottom-right edge should map to (399,299), got %v ok=%v", got, ok)
	}
}

func TestScaledMappingRoundTrip(t *testing.T) {
	m, err := NewMapper(Size{1000, 700}, Size{1600, 1200}, 0.5)
	if err != nil {
		t.Fatalf("NewMapper: %v", err)
	}
	if d := m.Displayed(); d != (Size{800, 600}) {
		t.Fatalf("unexpected displayed size %v", d)
	}
	for _, p := range []image.Point{{0, 0}, {1599, 1199}, {800, 600}, {13, 977}} {
		back, ok := m.ToImage(m.ToDisplay(p))
		if !ok {
			t.Fatalf("round trip of %v failed", p)
		}
		if abs(back.X-p.X) > 1 || abs(back.Y-p.Y) > 1 {
			t.Fatalf("round trip of %v drifted to %v", p, back)
		}
	}
}

func TestFitScale(t *testing.T) {
	cases := []struct {
		name           string
		imgW, imgH     int
		availW, availH int
		want           float64
	}{
		{"fits already", 400, 300, 1366, 768, 1},
		{"width bound", 2000, 500, 1000, 1000, 0.45},
		{"height bound", 500, 2000, 1000, 1000, 0.45},
		{"invalid falls back", 0, 10, 100, 100, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := FitScale(tc.imgW, tc.imgH, tc.availW, tc.availH, 0.9); got != tc.want {
				t.Fatalf("want %v, got %v", tc.want, got)
			}
		})
	}
}

func TestNewMapperValidation(t *testing.T) {
	if _, err := NewMapper(Size{0, 10}, Size{10, 10}, 1); !failure.Is(err, failure.KindValidation) {
		t.Fatalf("expected validation error for empty viewport, got %v", err)
	}
	if _, err := NewMapper(Size{10, 10}, Size{10, 10}, 1.5); !failure.Is(err, failure.KindValidation) {
		t.Fatalf("expected validation error for upscaling, got %v", err)
	}
}

func TestToImageClampedPinsToEdges(t *testing.T) {
	m, err := Fit(Size{800, 600}, Size{400, 300}, 0.9)
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	p, ok := m.ToImageClamped(PointF{-50, 5000})
	if !ok || p != (image.Point{0, 299}) {
		t.Fatalf("expected (0,299), got %v ok=%v", p, ok)
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
