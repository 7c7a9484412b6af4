package imaging

import (
	"image"
	"image/color"

	"reimage/internal/codec"
	"reimage/internal/failure"
)

// DefaultOverlay is the preview tint: red at 55%.
var DefaultOverlay = color.RGBA{R: 255, A: 255}

const DefaultAlpha = 0.55

func checkSize(op string, img image.Image, m *codec.Mask) error {
	if m == nil {
		return failure.Validationf(op, "no mask")
	}
	b := img.Bounds()
	if b.Dx() != m.Width || b.Dy() != m.Height {
		return failure.Validationf(op, "mask is %dx%d but image is %dx%d", m.Width, m.Height, b.Dx(), b.Dy())
	}
	return nil
}

// Overlay blends foreground pixels toward tint by alpha. Background pixels
// are copied unchanged.
func Overlay(img image.Image, m *codec.Mask, tint color.RGBA, alpha float64) (*image.RGBA, error) {
	if err := checkSize("overlay", img, m); err != nil {
		return nil, err
	}
	alpha = min(max(alpha, 0), 1)
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			c := color.RGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.RGBA)
			if m.Foreground(x, y) {
				c.R = blend(c.R, tint.R, alpha)
				c.G = blend(c.G, tint.G, alpha)
				c.B = blend(c.B, tint.B, alpha)
				c.A = 255
			}
			out.SetRGBA(x, y, c)
		}
	}
	return out, nil
}

func blend(a, b uint8, alpha float64) uint8 {
	return uint8(float64(a)*(1-alpha) + float64(b)*alpha + 0.5)
}

// Cutout keeps foreground pixels opaque and makes the rest transparent.
func Cutout(img image.Image, m *codec.Mask) (*image.NRGBA, error) {
	if err := checkSize("cutout", img, m); err != nil {
		return nil, err
	}
	b := img.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			if !m.Foreground(x, y) {
				continue
			}
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			c.A = 255
			out.SetNRGBA(x, y, c)
		}
	}
	return out, nil
}

// MaskImage renders the mask as black and white.
func MaskImage(m *codec.Mask) *image.Gray {
	out := image.NewGray(image.Rect(0, 0, m.Width, m.Height))
	for i, v := range m.Pix {
		if v != 0 {
			out.Pix[i] = 255
		}
	}
	return out
}
