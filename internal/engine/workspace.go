package engine

import (
	"errors"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"reimage/internal/codec"
	"reimage/internal/failure"
	"reimage/internal/logging"
	"reimage/internal/trimap"
)

// Interchange file suffixes appended to the workspace prefix.
const (
	ImageSuffix     = ".image.bin"
	SeedSuffix      = ".seed.bin"
	ScribblesSuffix = ".scribbles.json"
	OutMaskSuffix   = ".out_mask.bin"
)

// Workspace is the per-session directory holding interchange files. Every
// invocation overwrites the previous one's files.
type Workspace struct {
	Dir     string
	Prefix  string
	Exe     string
	Timeout time.Duration
	Log     *slog.Logger
}

// Input is the live state exported for one invocation.
type Input struct {
	Image  image.Image
	Trimap *trimap.Trimap
	Mode   codec.SeedMode
	Rect   *trimap.Rect
}

func (w *Workspace) path(suffix string) string {
	return filepath.Join(w.Dir, w.Prefix+suffix)
}

// ManifestPath is where Prepare writes the manifest.
func (w *Workspace) ManifestPath() string { return w.path(ManifestSuffix) }

// OutMaskPath is where the engine is told to write its result.
func (w *Workspace) OutMaskPath() string { return w.path(OutMaskSuffix) }

func validateInput(in Input) error {
	const op = "prepare"
	if in.Image == nil || in.Trimap == nil {
		return failure.Validationf(op, "image and trimap are required")
	}
	b := in.Image.Bounds()
	if b.Dx() != in.Trimap.Width || b.Dy() != in.Trimap.Height {
		return failure.Validationf(op, "trimap is %dx%d but image is %dx%d",
			in.Trimap.Width, in.Trimap.Height, b.Dx(), b.Dy())
	}
	switch in.Mode {
	case codec.ModeRect:
		if in.Rect == nil {
			return failure.Validationf(op, "rect mode needs a rectangle")
		}
	case codec.ModeMask, codec.ModeScribbles:
		if !in.Trimap.Has(trimap.Foreground) && !in.Trimap.Has(trimap.Background) {
			return failure.Validationf(op, "no scribbles: mark foreground or background first")
		}
	case codec.ModeNone:
	default:
		return failure.Validationf(op, "unknown mode %q", in.Mode)
	}
	return nil
}

// Export encodes everything up front and only then writes the image, seed,
// scribbles and manifest files. Nothing is written when validation or
// encoding fails.
func (w *Workspace) Export(in Input) (*Manifest, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}
	log := logging.OrDefault(w.Log)

	m := &Manifest{
		Width:    in.Trimap.Width,
		Height:   in.Trimap.Height,
		Channels: codec.Channels,
		ImageBin: w.Prefix + ImageSuffix,
		SeedMode: in.Mode,
	}
	files := map[string][]byte{
		w.path(ImageSuffix): codec.EncodeImage(in.Image),
	}

	if in.Mode != codec.ModeNone {
		seed, err := codec.EncodeSeed(in.Trimap, in.Mode)
		if err != nil {
			return nil, err
		}
		m.SeedBin = w.Prefix + SeedSuffix
		files[w.path(SeedSuffix)] = seed
	}
	if in.Mode == codec.ModeRect {
		r := in.Rect.Array()
		m.Rect = &r
	}
	if in.Mode == codec.ModeScribbles {
		flags := codec.Presence(in.Trimap)
		doc, err := codec.MarshalScribbles(codec.NewScribblesDoc(flags))
		if err != nil {
			return nil, failure.IO("encode scribbles", err)
		}
		m.Scribbles = &flags
		m.ScribblesJSON = w.Prefix + ScribblesSuffix
		files[w.path(ScribblesSuffix)] = doc
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return nil, failure.IO("create workspace", err)
	}
	for p, b := range files {
		if err := os.WriteFile(p, b, 0o644); err != nil {
			return nil, failure.IO("write "+filepath.Base(p), err)
		}
		logging.LogBufferWritten(log, p, len(b))
	}
	if err := m.Write(w.ManifestPath()); err != nil {
		return nil, err
	}
	return m, nil
}

// Prepare exports in and returns the matching engine request.
func (w *Workspace) Prepare(in Input) (*Manifest, Request, error) {
	if in.Mode == codec.ModeNone {
		return nil, Request{}, failure.Validationf("prepare", "choose a seed mode before running")
	}
	m, err := w.Export(in)
	if err != nil {
		return nil, Request{}, err
	}
	req, err := m.Request(w.Exe)
	if err != nil {
		return nil, Request{}, err
	}
	req.Timeout = w.Timeout
	return m, req, nil
}

// Clean removes the interchange files of the last invocation.
func (w *Workspace) Clean() error {
	var errs []error
	for _, s := range []string{ImageSuffix, SeedSuffix, ScribblesSuffix, OutMaskSuffix, ManifestSuffix} {
		if err := os.Remove(w.path(s)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return failure.IO("clean workspace", errors.Join(errs...))
}
