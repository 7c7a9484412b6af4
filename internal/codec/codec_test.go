package codec

import (
	"bytes"
	"image"
	"image/color"
	"log/slog"
	"math/rand/v2"
	"strings"
	"testing"

	"reimage/internal/failure"
	"reimage/internal/trimap"
)

func int8s(vals ...int8) []byte {
	out := make([]byte, len(vals))
	for i, v := range vals {
		out[i] = byte(v)
	}
	return out
}

func TestEncodeSeedRectScenario(t *testing.T) {
	b, err := trimap.NewBuilder(4, 4)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	if _, err := b.ApplyRect(trimap.Rect{X0: 1, Y0: 1, X1: 2, Y1: 2}); err != nil {
		t.Fatalf("ApplyRect: %v", err)
	}
	got, err := EncodeSeed(b.Snapshot(), ModeRect)
	if err != nil {
		t.Fatalf("EncodeSeed: %v", err)
	}
	want := int8s(
		0, 0, 0, 0,
		0, -1, -1, 0,
		0, -1, -1, 0,
		0, 0, 0, 0,
	)
	if !bytes.Equal(got, want) {
		t.Fatalf("rect seed mismatch\nwant %v\n got %v", want, got)
	}
}

func TestEncodeSeedScribblesScenario(t *testing.T) {
	b, err := trimap.NewBuilder(5, 5)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	if err := b.ApplyStroke(trimap.Stroke{Points: []image.Point{{2, 2}}, Radius: 1, Label: trimap.Foreground}); err != nil {
		t.Fatalf("ApplyStroke: %v", err)
	}
	got, err := EncodeSeed(b.Snapshot(), ModeScribbles)
	if err != nil {
		t.Fatalf("EncodeSeed: %v", err)
	}
	fg := map[int]bool{2*5 + 2: true, 2*5 + 1: true, 2*5 + 3: true, 1*5 + 2: true, 3*5 + 2: true}
	for i, v := range got {
		want := int8(-1)
		if fg[i] {
			want = 1
		}
		if int8(v) != want {
			t.Fatalf("offset %d: want %d, got %d", i, want, int8(v))
		}
	}
}

// TestSeedRoundTripAllSmallGrids enumerates every labelling of a 3x2 grid
// (729 trimaps) and checks that decoding the encoding gives it back. Rect
// mode cannot express Foreground, so only its two labels are enumerated.
func TestSeedRoundTripAllSmallGrids(t *testing.T) {
	const w, h = 3, 2
	all := []trimap.Label{trimap.Unknown, trimap.Foreground, trimap.Background}
	cases := []struct {
		mode   SeedMode
		labels []trimap.Label
	}{
		{ModeMask, all},
		{ModeScribbles, all},
		{ModeRect, []trimap.Label{trimap.Unknown, trimap.Background}},
	}
	for _, tc := range cases {
		t.Run(string(tc.mode), func(t *testing.T) {
			base := len(tc.labels)
			total := 1
			for i := 0; i < w*h; i++ {
				total *= base
			}
			labels := make([]trimap.Label, w*h)
			for n := 0; n < total; n++ {
				for i, v := 0, n; i < len(labels); i, v = i+1, v/base {
					labels[i] = tc.labels[v%base]
				}
				tm, err := trimap.FromLabels(w, h, labels)
				if err != nil {
					t.Fatalf("FromLabels: %v", err)
				}
				buf, err := EncodeSeed(tm, tc.mode)
				if err != nil {
					t.Fatalf("labelling %d: EncodeSeed: %v", n, err)
				}
				back, err := DecodeSeed(buf, w, h, tc.mode)
				if err != nil {
					t.Fatalf("labelling %d: DecodeSeed: %v", n, err)
				}
				if !back.Equal(tm) {
					t.Fatalf("labelling %d: got %v, want %v", n, back.Labels(), labels)
				}
			}
		})
	}
}

func TestSeedRoundTripRandomTrimaps(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	all := []trimap.Label{trimap.Unknown, trimap.Foreground, trimap.Background}
	for i := 0; i < 200; i++ {
		w, h := 1+rng.IntN(40), 1+rng.IntN(40)
		labels := make([]trimap.Label, w*h)
		for j := range labels {
			labels[j] = all[rng.IntN(len(all))]
		}
		tm, err := trimap.FromLabels(w, h, labels)
		if err != nil {
			t.Fatalf("FromLabels: %v", err)
		}
		for _, mode := range []SeedMode{ModeMask, ModeScribbles} {
			buf, err := EncodeSeed(tm, mode)
			if err != nil {
				t.Fatalf("%s %dx%d: EncodeSeed: %v", mode, w, h, err)
			}
			if len(buf) != w*h {
				t.Fatalf("%s %dx%d: %d bytes", mode, w, h, len(buf))
			}
			back, err := DecodeSeed(buf, w, h, mode)
			if err != nil {
				t.Fatalf("%s %dx%d: DecodeSeed: %v", mode, w, h, err)
			}
			if !back.Equal(tm) {
				t.Fatalf("%s %dx%d: round trip changed the trimap", mode, w, h)
			}
		}
	}
}

func TestEncodeSeedTables(t *testing.T) {
	tm, _ := trimap.New(3, 1)
	tm.Set(1, 0, trimap.Background)
	tm.Set(2, 0, trimap.Foreground)

	cases := []struct {
		mode SeedMode
		want []byte
	}{
		{ModeMask, []byte{128, 0, 255}},
		{ModeScribbles, int8s(-1, 0, 1)},
	}
	for _, tc := range cases {
		t.Run(string(tc.mode), func(t *testing.T) {
			got, err := EncodeSeed(tm, tc.mode)
			if err != nil {
				t.Fatalf("EncodeSeed: %v", err)
			}
			if !bytes.Equal(got, tc.want) {
				t.Fatalf("want %v, got %v", tc.want, got)
			}
			back, err := DecodeSeed(got, 3, 1, tc.mode)
			if err != nil {
				t.Fatalf("DecodeSeed: %v", err)
			}
			if !back.Equal(tm) {
				t.Fatalf("decode did not restore the trimap")
			}
		})
	}
}

func TestEncodeSeedRectRejectsForeground(t *testing.T) {
	tm, _ := trimap.New(2, 2)
	tm.Set(1, 1, trimap.Foreground)
	if _, err := EncodeSeed(tm, ModeRect); !failure.Is(err, failure.KindCodec) {
		t.Fatalf("expected codec error, got %v", err)
	}
	if _, err := EncodeSeed(tm, ModeNone); !failure.Is(err, failure.KindCodec) {
		t.Fatalf("expected codec error for mode none, got %v", err)
	}
}

func TestDecodeSeedErrors(t *testing.T) {
	if _, err := DecodeSeed(make([]byte, 10), 4, 4, ModeScribbles); !failure.Is(err, failure.KindCodec) {
		t.Fatalf("expected size mismatch, got %v", err)
	}
	_, err := DecodeSeed([]byte{128, 7, 0, 255}, 2, 2, ModeMask)
	if !failure.Is(err, failure.KindCodec) {
		t.Fatalf("expected codec error for stray byte, got %v", err)
	}
	if !strings.Contains(err.Error(), "offset 1") {
		t.Fatalf("error should name the offset: %v", err)
	}
	// 1 is foreground in scribbles mode but rect mode has no such entry.
	if _, err := DecodeSeed(int8s(-1, 0, 1, 0), 2, 2, ModeRect); !failure.Is(err, failure.KindCodec) {
		t.Fatalf("expected codec error for foreground byte in rect mode, got %v", err)
	}
}

func TestParseSeedMode(t *testing.T) {
	cases := map[string]SeedMode{"rect": ModeRect, "brush": ModeMask, "mask": ModeMask, "scribbles": ModeScribbles, "": ModeNone}
	for in, want := range cases {
		got, err := ParseSeedMode(in)
		if err != nil || got != want {
			t.Fatalf("ParseSeedMode(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseSeedMode("lasso"); !failure.Is(err, failure.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestScribblesDocument(t *testing.T) {
	tm, _ := trimap.New(3, 3)
	tm.Set(0, 0, trimap.Background)
	flags := Presence(tm)
	if flags.FG || !flags.BG {
		t.Fatalf("unexpected presence %+v", flags)
	}
	b, err := MarshalScribbles(NewScribblesDoc(flags))
	if err != nil {
		t.Fatalf("MarshalScribbles: %v", err)
	}
	for _, frag := range []string{`"fg_confirm": false`, `"bg_confirm": true`, `"fg_value": 1`, `"bg_value": -1`} {
		if !bytes.Contains(b, []byte(frag)) {
			t.Fatalf("document missing %s:\n%s", frag, b)
		}
	}
	doc, err := UnmarshalScribbles(b)
	if err != nil {
		t.Fatalf("UnmarshalScribbles: %v", err)
	}
	if doc.FGConfirm || !doc.BGConfirm {
		t.Fatalf("flags lost: %+v", doc)
	}
	if _, err := UnmarshalScribbles([]byte(`{"fg_value":1,"bg_value":0}`)); !failure.Is(err, failure.KindCodec) {
		t.Fatalf("expected codec error for wrong bg_value, got %v", err)
	}
}

func TestDecodeMaskSizeMismatch(t *testing.T) {
	_, err := DecodeMask(make([]byte, 10), 4, 4, nil)
	if !failure.Is(err, failure.KindCodec) {
		t.Fatalf("expected codec error, got %v", err)
	}
	if !strings.Contains(err.Error(), "size mismatch") {
		t.Fatalf("error should mention size mismatch: %v", err)
	}
}

func TestDecodeMaskLogsAnomalies(t *testing.T) {
	var logs bytes.Buffer
	log := slog.New(slog.NewTextHandler(&logs, nil))
	m, err := DecodeMask([]byte{0, 1, 7, 255, 0, 1}, 3, 2, log)
	if err != nil {
		t.Fatalf("DecodeMask: %v", err)
	}
	if m.Count() != 4 {
		t.Fatalf("expected 4 foreground pixels, got %d", m.Count())
	}
	if !m.Foreground(2, 0) || m.Foreground(1, 1) {
		t.Fatalf("unexpected per-pixel classification")
	}
	out := logs.String()
	if strings.Count(out, "non-binary") != 1 || !strings.Contains(out, "count=2") {
		t.Fatalf("expected one anomaly line with count=2, got %q", out)
	}
	if got := m.Bounds(); got != image.Rect(0, 0, 3, 2) {
		t.Fatalf("unexpected bounds %v", got)
	}
}

func TestImageBufferRoundTrip(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 3, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < 3; x++ {
			src.SetNRGBA(x, y, color.NRGBA{R: uint8(10 * x), G: uint8(20 * y), B: 200, A: 255})
		}
	}
	buf := EncodeImage(src)
	if len(buf) != 3*2*3 {
		t.Fatalf("expected 18 bytes, got %d", len(buf))
	}
	if !bytes.Equal(buf[:6], []byte{0, 0, 200, 10, 0, 200}) {
		t.Fatalf("unexpected first row %v", buf[:6])
	}
	img, err := DecodeImage(buf, 3, 2)
	if err != nil {
		t.Fatalf("DecodeImage: %v", err)
	}
	if got := img.RGBAAt(2, 1); got != (color.RGBA{R: 20, G: 20, B: 200, A: 255}) {
		t.Fatalf("unexpected pixel %v", got)
	}
	if !bytes.Equal(EncodeImage(img), buf) {
		t.Fatalf("re-encoding the decoded image changed the bytes")
	}
	if _, err := DecodeImage(buf[:17], 3, 2); !failure.Is(err, failure.KindCodec) {
		t.Fatalf("expected codec error, got %v", err)
	}
}

func TestEncodeImageGenericPath(t *testing.T) {
	g := image.NewGray(image.Rect(5, 5, 7, 6))
	g.SetGray(5, 5, color.Gray{Y: 9})
	g.SetGray(6, 5, color.Gray{Y: 250})
	if got := EncodeImage(g); !bytes.Equal(got, []byte{9, 9, 9, 250, 250, 250}) {
		t.Fatalf("unexpected bytes %v", got)
	}
}

func TestTrimapFromMaskImage(t *testing.T) {
	src := image.NewGray(image.Rect(0, 0, 4, 4))
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			src.SetGray(x, y, color.Gray{Y: 255})
		}
	}
	tm, err := TrimapFromMaskImage(src, 2, 2)
	if err != nil {
		t.Fatalf("TrimapFromMaskImage: %v", err)
	}
	if tm.At(0, 0) != trimap.Foreground || tm.At(1, 1) != trimap.Background {
		t.Fatalf("unexpected labels %v", tm.Labels())
	}
	if tm.Count(trimap.Unknown) != 0 {
		t.Fatalf("imported masks are fully definite")
	}
}
