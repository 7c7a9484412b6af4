// Package magick decodes and encodes images through ImageMagick, for formats
// the Go decoders do not cover (RAW, HEIC, PSD and friends).
package magick

import (
	"fmt"
	"image"
	"os"
	"path/filepath"

	"gopkg.in/gographics/imagick.v3/imagick"
)

// Codec implements imaging.Codec with ImageMagick.
type Codec struct{}

// Load reads any format ImageMagick understands into an opaque RGBA image.
func (Codec) Load(path string) (image.Image, error) {
	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(path); err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err := mw.AutoOrientImage(); err != nil {
		return nil, fmt.Errorf("orient %s: %w", filepath.Base(path), err)
	}
	width, height := mw.GetImageWidth(), mw.GetImageHeight()
	pixels, err := mw.ExportImagePixels(0, 0, width, height, "RGB", imagick.PIXEL_CHAR)
	if err != nil {
		return nil, fmt.Errorf("export pixels from %s: %w", filepath.Base(path), err)
	}
	rgb, ok := pixels.([]byte)
	if !ok || len(rgb) != int(width*height*3) {
		return nil, fmt.Errorf("unexpected pixel buffer from %s", filepath.Base(path))
	}

	img := image.NewRGBA(image.Rect(0, 0, int(width), int(height)))
	for i, j := 0, 0; i < len(rgb); i, j = i+3, j+4 {
		img.Pix[j] = rgb[i]
		img.Pix[j+1] = rgb[i+1]
		img.Pix[j+2] = rgb[i+2]
		img.Pix[j+3] = 0xFF
	}
	return img, nil
}

// Save writes img; the format follows the file extension.
func (Codec) Save(path string, img image.Image) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	imagick.Initialize()
	defer imagick.Terminate()

	b := img.Bounds()
	pix := make([]byte, 0, b.Dx()*b.Dy()*4)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, a := img.At(x, y).RGBA()
			if a > 0 && a < 0xffff {
				// un-premultiply
				r, g, bl = r*0xffff/a, g*0xffff/a, bl*0xffff/a
			}
			pix = append(pix, uint8(r>>8), uint8(g>>8), uint8(bl>>8), uint8(a>>8))
		}
	}

	mw := imagick.NewMagickWand()
	defer mw.Destroy()
	if err := mw.ConstituteImage(uint(b.Dx()), uint(b.Dy()), "RGBA", imagick.PIXEL_CHAR, pix); err != nil {
		return fmt.Errorf("constitute image: %w", err)
	}
	if err := mw.SetImageColorspace(imagick.COLORSPACE_SRGB); err != nil {
		return fmt.Errorf("set colorspace: %w", err)
	}
	if err := mw.WriteImage(path); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}
