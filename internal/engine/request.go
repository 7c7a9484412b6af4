// Package engine runs the external segmentation process and owns the files
// exchanged with it.
package engine

import (
	"strconv"
	"time"

	"reimage/internal/codec"
	"reimage/internal/failure"
	"reimage/internal/trimap"
)

// DefaultTimeout bounds a run when the request does not set one.
const DefaultTimeout = 120 * time.Second

// Request is everything needed to launch one engine invocation.
type Request struct {
	ID            string
	Exe           string
	Mode          codec.SeedMode
	Width         int
	Height        int
	ImageBin      string
	SeedBin       string
	ScribblesJSON string
	Rect          trimap.Rect
	OutMask       string
	Timeout       time.Duration
}

// Validate checks that the mode's required fields are present.
func (r Request) Validate() error {
	if r.Exe == "" {
		return failure.Validationf("engine request", "no engine executable")
	}
	if r.Width <= 0 || r.Height <= 0 {
		return failure.Validationf("engine request", "dimensions must be positive, got %dx%d", r.Width, r.Height)
	}
	if r.ImageBin == "" || r.OutMask == "" {
		return failure.Validationf("engine request", "image and output paths are required")
	}
	switch r.Mode {
	case codec.ModeRect:
	case codec.ModeMask:
		if r.SeedBin == "" {
			return failure.Validationf("engine request", "mask mode needs a seed buffer")
		}
	case codec.ModeScribbles:
		if r.SeedBin == "" || r.ScribblesJSON == "" {
			return failure.Validationf("engine request", "scribbles mode needs a seed buffer and a scribbles document")
		}
	default:
		return failure.Validationf("engine request", "mode %q cannot be run", r.Mode)
	}
	return nil
}

// Args returns the positional arguments after the executable name.
func (r Request) Args() ([]string, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	args := []string{r.ImageBin, strconv.Itoa(r.Width), strconv.Itoa(r.Height), string(r.Mode)}
	switch r.Mode {
	case codec.ModeRect:
		args = append(args,
			strconv.Itoa(r.Rect.X0), strconv.Itoa(r.Rect.Y0),
			strconv.Itoa(r.Rect.X1), strconv.Itoa(r.Rect.Y1))
	case codec.ModeMask:
		args = append(args, r.SeedBin)
	case codec.ModeScribbles:
		args = append(args, r.SeedBin, r.ScribblesJSON)
	}
	return append(args, r.OutMask), nil
}

func (r Request) timeout() time.Duration {
	if r.Timeout <= 0 {
		return DefaultTimeout
	}
	return r.Timeout
}
