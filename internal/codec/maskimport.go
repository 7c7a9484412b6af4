package codec

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"

	"reimage/internal/failure"
	"reimage/internal/trimap"
)

// TrimapFromMaskImage turns a black/white mask image into a definite trimap of
// width x height. The image is resized nearest-neighbour when its size differs.
// Any non-zero luminance is Foreground, zero is Background.
func TrimapFromMaskImage(img image.Image, width, height int) (*trimap.Trimap, error) {
	if img == nil {
		return nil, failure.Validationf("import mask", "no image")
	}
	t, err := trimap.New(width, height)
	if err != nil {
		return nil, err
	}

	gray := image.NewGray(image.Rect(0, 0, width, height))
	b := img.Bounds()
	if b.Dx() == width && b.Dy() == height {
		draw.Draw(gray, gray.Bounds(), img, b.Min, draw.Src)
	} else {
		draw.NearestNeighbor.Scale(gray, gray.Bounds(), img, b, draw.Src, nil)
	}

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if gray.GrayAt(x, y) != (color.Gray{}) {
				t.Set(x, y, trimap.Foreground)
			} else {
				t.Set(x, y, trimap.Background)
			}
		}
	}
	return t, nil
}
