// Package imaging decodes input photos and encodes result images. The
// segmentation core only ever sees decoded image.Image values.
package imaging

import (
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"reimage/internal/imaging/magick"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Loader decodes an image file.
type Loader interface {
	Load(path string) (image.Image, error)
}

// Saver encodes an image to a file, choosing the format from the extension.
type Saver interface {
	Save(path string, img image.Image) error
}

// Codec is a Loader and Saver pair.
type Codec interface {
	Loader
	Saver
}

// Std uses the Go image decoders: png, jpeg, gif, tiff, bmp and webp.
type Std struct {
	JPEGQuality int
}

// Load implements Loader.
func (Std) Load(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return img, nil
}

// Decode reads an uploaded image from r using the registered Go decoders.
func Decode(r io.Reader) (image.Image, string, error) {
	return image.Decode(r)
}

// New picks a codec by backend name: "go" or "magick".
func New(backend string) (Codec, error) {
	switch backend {
	case "", "go":
		return Std{}, nil
	case "magick":
		return magick.Codec{}, nil
	default:
		return nil, fmt.Errorf("unknown imaging backend %q", backend)
	}
}

// Save implements Saver. webp has no Go encoder.
func (s Std) Save(path string, img image.Image) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := s.encode(f, path, img); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

func (s Std) encode(f *os.File, path string, img image.Image) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".png", "":
		return png.Encode(f, img)
	case ".jpg", ".jpeg":
		q := s.JPEGQuality
		if q <= 0 {
			q = 95
		}
		return jpeg.Encode(f, img, &jpeg.Options{Quality: q})
	case ".tif", ".tiff":
		return tiff.Encode(f, img, &tiff.Options{Compression: tiff.Deflate})
	case ".bmp":
		return bmp.Encode(f, img)
	default:
		return fmt.Errorf("no encoder for %s", ext)
	}
}

// ResultPaths names the preview files written next to an image.
func ResultPaths(dir, name string) (overlay, cutout string) {
	base := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	return filepath.Join(dir, base+"_overlay.png"), filepath.Join(dir, base+".segmented.png")
}
