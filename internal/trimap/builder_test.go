package trimap

import (
	"image"
	"math"
	"testing"

	"reimage/internal/failure"
)

func newBuilder(t *testing.T, w, h int) *Builder {
	t.Helper()
	b, err := NewBuilder(w, h)
	if err != nil {
		t.Fatalf("NewBuilder(%d,%d): %v", w, h, err)
	}
	return b
}

func TestNewBuilderStartsUnknown(t *testing.T) {
	b := newBuilder(t, 3, 2)
	snap := b.Snapshot()
	if got := snap.Count(Unknown); got != 6 {
		t.Fatalf("expected 6 unknown pixels, got %d", got)
	}
	if _, err := NewBuilder(0, 4); !failure.Is(err, failure.KindValidation) {
		t.Fatalf("expected validation error for zero width, got %v", err)
	}
}

func TestApplyRectLabelsInsideAndOutside(t *testing.T) {
	b := newBuilder(t, 4, 4)
	got, err := b.ApplyRect(Rect{X0: 2, Y0: 2, X1: 1, Y1: 1})
	if err != nil {
		t.Fatalf("ApplyRect: %v", err)
	}
	if got != (Rect{1, 1, 2, 2}) {
		t.Fatalf("expected normalized rect, got %v", got)
	}
	snap := b.Snapshot()
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			want := Background
			if x >= 1 && x <= 2 && y >= 1 && y <= 2 {
				want = Unknown
			}
			if snap.At(x, y) != want {
				t.Fatalf("pixel (%d,%d): want %s, got %s", x, y, want, snap.At(x, y))
			}
		}
	}
	if snap.Has(Foreground) {
		t.Fatalf("rect mode must never produce foreground")
	}
}

func TestApplyRectIsIdempotent(t *testing.T) {
	b := newBuilder(t, 10, 8)
	r := Rect{X0: 2, Y0: 1, X1: 6, Y1: 5}
	if _, err := b.ApplyRect(r); err != nil {
		t.Fatalf("first ApplyRect: %v", err)
	}
	once := b.Snapshot()
	if _, err := b.ApplyRect(r); err != nil {
		t.Fatalf("second ApplyRect: %v", err)
	}
	if !once.Equal(b.Snapshot()) {
		t.Fatalf("applying the same rect twice changed the trimap")
	}
}

func TestApplyRectReplacesStrokes(t *testing.T) {
	b := newBuilder(t, 6, 6)
	if err := b.ApplyStroke(Stroke{Points: []image.Point{{1, 1}}, Radius: 1, Label: Foreground}); err != nil {
		t.Fatalf("ApplyStroke: %v", err)
	}
	if _, err := b.ApplyRect(Rect{0, 0, 5, 5}); err != nil {
		t.Fatalf("ApplyRect: %v", err)
	}
	if b.Snapshot().Has(Foreground) {
		t.Fatalf("rect should replace earlier strokes")
	}
	if len(b.Strokes()) != 0 {
		t.Fatalf("stroke history should be cleared")
	}
}

func TestApplyRectClampsAndRejects(t *testing.T) {
	b := newBuilder(t, 5, 5)
	got, err := b.ApplyRect(Rect{X0: -3, Y0: 2, X1: 9, Y1: 40})
	if err != nil {
		t.Fatalf("ApplyRect: %v", err)
	}
	if got != (Rect{0, 2, 4, 4}) {
		t.Fatalf("unexpected clamp %v", got)
	}

	before := b.Snapshot()
	cases := []Rect{
		{X0: 5, Y0: 0, X1: 9, Y1: 4},
		{X0: -4, Y0: -4, X1: -1, Y1: -1},
		{X0: 0, Y0: 7, X1: 4, Y1: 9},
	}
	for _, r := range cases {
		if _, err := b.ApplyRect(r); !failure.Is(err, failure.KindValidation) {
			t.Fatalf("rect %v: expected validation error, got %v", r, err)
		}
	}
	if !before.Equal(b.Snapshot()) {
		t.Fatalf("rejected rects must not modify the trimap")
	}
}

func TestRectFromFloatsRejectsNonFinite(t *testing.T) {
	if _, err := RectFromFloats(math.NaN(), 0, 1, 1); !failure.Is(err, failure.KindValidation) {
		t.Fatalf("expected validation error for NaN, got %v", err)
	}
	if _, err := RectFromFloats(0, math.Inf(1), 1, 1); !failure.Is(err, failure.KindValidation) {
		t.Fatalf("expected validation error for +Inf, got %v", err)
	}
	r, err := RectFromFloats(1.7, -0.5, 3.2, 2.9)
	if err != nil {
		t.Fatalf("RectFromFloats: %v", err)
	}
	if r != (Rect{1, -1, 3, 2}) {
		t.Fatalf("unexpected rect %v", r)
	}
}

func TestSingleDotStrokeRadiusOne(t *testing.T) {
	b := newBuilder(t, 5, 5)
	if err := b.ApplyStroke(Stroke{Points: []image.Point{{2, 2}}, Radius: 1, Label: Foreground}); err != nil {
		t.Fatalf("ApplyStroke: %v", err)
	}
	want := map[image.Point]bool{{2, 2}: true, {1, 2}: true, {3, 2}: true, {2, 1}: true, {2, 3}: true}
	snap := b.Snapshot()
	for y := 0; y < 5; y++ {
		for x := 0; x < 5; x++ {
			got := snap.At(x, y)
			if want[image.Point{x, y}] && got != Foreground {
				t.Fatalf("(%d,%d) should be foreground, got %s", x, y, got)
			}
			if !want[image.Point{x, y}] && got != Unknown {
				t.Fatalf("(%d,%d) should be unknown, got %s", x, y, got)
			}
		}
	}
}

func TestStrokeOutsideImageIsNoop(t *testing.T) {
	b := newBuilder(t, 8, 8)
	if _, err := b.ApplyRect(Rect{1, 1, 6, 6}); err != nil {
		t.Fatalf("ApplyRect: %v", err)
	}
	before := b.Snapshot()
	strokes := []Stroke{
		{Points: []image.Point{{-3, -3}, {-3, 20}}, Radius: 2, Label: Foreground},
		{Points: []image.Point{{8, 0}, {8, 7}}, Radius: 3, Label: Background},
		{Points: []image.Point{{100, 100}}, Radius: 1, Label: Foreground},
	}
	for _, s := range strokes {
		if err := b.ApplyStroke(s); err != nil {
			t.Fatalf("ApplyStroke: %v", err)
		}
	}
	if !before.Equal(b.Snapshot()) {
		t.Fatalf("strokes outside the image changed the trimap")
	}
}

func TestLaterStrokeWins(t *testing.T) {
	b := newBuilder(t, 20, 10)
	a := Stroke{Points: []image.Point{{2, 5}, {12, 5}}, Radius: 2, Label: Foreground}
	c := Stroke{Points: []image.Point{{8, 0}, {8, 9}}, Radius: 2, Label: Background}
	if err := b.ApplyStroke(a); err != nil {
		t.Fatalf("stroke A: %v", err)
	}
	if err := b.ApplyStroke(c); err != nil {
		t.Fatalf("stroke B: %v", err)
	}
	snap := b.Snapshot()
	for y := 3; y <= 7; y++ {
		for x := 6; x <= 10; x++ {
			if inDisk(c, x, y) && snap.At(x, y) != Background {
				t.Fatalf("overlap pixel (%d,%d) should carry the later label, got %s", x, y, snap.At(x, y))
			}
		}
	}
	if snap.At(2, 5) != Foreground {
		t.Fatalf("untouched part of stroke A should stay foreground")
	}
}

func inDisk(s Stroke, x, y int) bool {
	for _, p := range s.Samples() {
		dx, dy := x-p.X, y-p.Y
		if dx*dx+dy*dy <= s.Radius*s.Radius {
			return true
		}
	}
	return false
}

func TestStrokeSamplesHaveNoGaps(t *testing.T) {
	s := Stroke{Points: []image.Point{{0, 0}, {17, 5}, {3, 30}, {3, 30}}, Radius: 1, Label: Foreground}
	samples := s.Samples()
	for i := 1; i < len(samples); i++ {
		dx := abs(samples[i].X - samples[i-1].X)
		dy := abs(samples[i].Y - samples[i-1].Y)
		if dx > 1 || dy > 1 {
			t.Fatalf("gap between %v and %v", samples[i-1], samples[i])
		}
	}
	if samples[len(samples)-1] != (image.Point{3, 30}) {
		t.Fatalf("path should end on the last point, got %v", samples[len(samples)-1])
	}
}

func TestStrokeValidation(t *testing.T) {
	b := newBuilder(t, 4, 4)
	cases := []struct {
		name string
		s    Stroke
	}{
		{"zero radius", Stroke{Points: []image.Point{{1, 1}}, Radius: 0, Label: Foreground}},
		{"unknown label", Stroke{Points: []image.Point{{1, 1}}, Radius: 1, Label: Unknown}},
		{"empty path", Stroke{Radius: 2, Label: Background}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := b.ApplyStroke(tc.s); !failure.Is(err, failure.KindValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestResetAndSnapshotIsolation(t *testing.T) {
	b := newBuilder(t, 6, 4)
	if err := b.ApplyStroke(Stroke{Points: []image.Point{{3, 2}}, Radius: 2, Label: Background}); err != nil {
		t.Fatalf("ApplyStroke: %v", err)
	}
	snap := b.Snapshot()
	b.Reset()
	if !snap.Has(Background) {
		t.Fatalf("snapshot should not be affected by Reset")
	}
	after := b.Snapshot()
	if after.Count(Unknown) != 24 || after.Width != 6 || after.Height != 4 {
		t.Fatalf("reset should restore an all-unknown 6x4 grid")
	}
	if _, ok := b.Rect(); ok {
		t.Fatalf("reset should forget the rectangle")
	}
}

func TestReplaceRequiresSameSize(t *testing.T) {
	b := newBuilder(t, 3, 3)
	other, _ := New(4, 3)
	if err := b.Replace(other); !failure.Is(err, failure.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	same, _ := New(3, 3)
	same.Set(1, 1, Foreground)
	if err := b.Replace(same); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	same.Set(0, 0, Background)
	if b.Snapshot().At(0, 0) != Unknown {
		t.Fatalf("Replace must copy the input")
	}
}
