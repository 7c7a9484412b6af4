package codec

import (
	"image"
	"log/slog"

	"reimage/internal/failure"
)

// Channels is the fixed channel count of image buffers.
const Channels = 3

// EncodeImage flattens img to W*H*3 bytes, row-major, RGB interleaved, no
// header and no padding. Alpha is dropped.
func EncodeImage(img image.Image) []byte {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := make([]byte, 0, w*h*Channels)

	switch src := img.(type) {
	case *image.RGBA:
		for y := 0; y < h; y++ {
			row := src.Pix[y*src.Stride : y*src.Stride+w*4]
			for x := 0; x < w; x++ {
				out = append(out, row[x*4], row[x*4+1], row[x*4+2])
			}
		}
	case *image.NRGBA:
		for y := 0; y < h; y++ {
			row := src.Pix[y*src.Stride : y*src.Stride+w*4]
			for x := 0; x < w; x++ {
				out = append(out, row[x*4], row[x*4+1], row[x*4+2])
			}
		}
	default:
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				r, g, bl, _ := img.At(x, y).RGBA()
				out = append(out, uint8(r>>8), uint8(g>>8), uint8(bl>>8))
			}
		}
	}
	return out
}

// DecodeImage rebuilds an opaque RGBA image from an image.bin buffer.
func DecodeImage(buf []byte, width, height int) (*image.RGBA, error) {
	if width <= 0 || height <= 0 {
		return nil, failure.Validationf("decode image", "dimensions must be positive, got %dx%d", width, height)
	}
	if len(buf) != width*height*Channels {
		return nil, failure.Codecf("decode image", "size mismatch: expected %d bytes for %dx%dx%d, got %d",
			width*height*Channels, width, height, Channels, len(buf))
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i, j := 0, 0; i < len(buf); i, j = i+Channels, j+4 {
		img.Pix[j] = buf[i]
		img.Pix[j+1] = buf[i+1]
		img.Pix[j+2] = buf[i+2]
		img.Pix[j+3] = 0xFF
	}
	return img, nil
}

// Mask is the engine's binary output: 1 for foreground, 0 for background.
type Mask struct {
	Width  int
	Height int
	Pix    []uint8
}

// Foreground reports whether (x, y) was classified as foreground.
func (m *Mask) Foreground(x, y int) bool {
	if x < 0 || y < 0 || x >= m.Width || y >= m.Height {
		return false
	}
	return m.Pix[y*m.Width+x] != 0
}

// Count returns the number of foreground pixels.
func (m *Mask) Count() int {
	n := 0
	for _, v := range m.Pix {
		if v != 0 {
			n++
		}
	}
	return n
}

// Bounds returns the bounding box of the foreground, empty when there is none.
func (m *Mask) Bounds() image.Rectangle {
	var r image.Rectangle
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			if m.Pix[y*m.Width+x] == 0 {
				continue
			}
			px := image.Rect(x, y, x+1, y+1)
			if r.Empty() {
				r = px
			} else {
				r = r.Union(px)
			}
		}
	}
	return r
}

// Encode returns the wire form (one 0/1 byte per pixel).
func (m *Mask) Encode() []byte {
	out := make([]byte, len(m.Pix))
	copy(out, m.Pix)
	return out
}

// DecodeMask parses an engine output buffer. The length must be exactly
// width*height. Bytes other than 0 and 1 count as foreground and are logged.
func DecodeMask(buf []byte, width, height int, log *slog.Logger) (*Mask, error) {
	if width <= 0 || height <= 0 {
		return nil, failure.Validationf("decode mask", "dimensions must be positive, got %dx%d", width, height)
	}
	if len(buf) != width*height {
		return nil, failure.Codecf("decode mask", "size mismatch: expected %d bytes for %dx%d, got %d",
			width*height, width, height, len(buf))
	}
	m := &Mask{Width: width, Height: height, Pix: make([]uint8, len(buf))}
	anomalies, first := 0, -1
	for i, b := range buf {
		switch b {
		case 0:
		case 1:
			m.Pix[i] = 1
		default:
			m.Pix[i] = 1
			if first < 0 {
				first = i
			}
			anomalies++
		}
	}
	if anomalies > 0 {
		if log == nil {
			log = slog.Default()
		}
		log.Warn("mask contains non-binary values",
			"count", anomalies,
			"first_offset", first,
			"first_value", buf[first],
		)
	}
	return m, nil
}
