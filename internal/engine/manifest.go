package engine

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"reimage/internal/codec"
	"reimage/internal/failure"
	"reimage/internal/trimap"
)

// ManifestSuffix names the metadata file written next to each buffer set.
const ManifestSuffix = ".meta.json"

// Manifest ties the buffers of one invocation together. File references are
// basenames relative to the manifest's directory.
type Manifest struct {
	Width         int                  `json:"width"`
	Height        int                  `json:"height"`
	Channels      int                  `json:"channels"`
	ImageBin      string               `json:"image_bin"`
	SeedBin       string               `json:"seed_bin,omitempty"`
	SeedMode      codec.SeedMode       `json:"seed_mode"`
	Rect          *[4]int              `json:"rect,omitempty"`
	ScribblesJSON string               `json:"scribbles_json,omitempty"`
	Scribbles     *codec.ScribbleFlags `json:"scribbles,omitempty"`

	dir string
}

// Validate checks the shape of the manifest for its seed mode.
func (m *Manifest) Validate() error {
	const op = "manifest"
	if m.Channels != codec.Channels {
		return failure.Validationf(op, "channels must be %d, got %d", codec.Channels, m.Channels)
	}
	if m.Width <= 0 || m.Height <= 0 {
		return failure.Validationf(op, "dimensions must be positive, got %dx%d", m.Width, m.Height)
	}
	if m.ImageBin == "" {
		return failure.Validationf(op, "image_bin is required")
	}
	for _, p := range []string{m.ImageBin, m.SeedBin, m.ScribblesJSON} {
		if p != "" && filepath.Base(p) != p {
			return failure.Validationf(op, "file reference %q must be a name inside the manifest directory", p)
		}
	}
	switch m.SeedMode {
	case codec.ModeNone:
	case codec.ModeRect:
		if m.Rect == nil {
			return failure.Validationf(op, "rect mode needs rect bounds")
		}
	case codec.ModeMask:
		if m.SeedBin == "" {
			return failure.Validationf(op, "mask mode needs seed_bin")
		}
	case codec.ModeScribbles:
		if m.SeedBin == "" || m.ScribblesJSON == "" || m.Scribbles == nil {
			return failure.Validationf(op, "scribbles mode needs seed_bin, scribbles_json and scribbles flags")
		}
	default:
		return failure.Validationf(op, "unknown seed_mode %q", m.SeedMode)
	}
	return nil
}

// Dir is the directory file references resolve against.
func (m *Manifest) Dir() string { return m.dir }

// Resolve joins a file reference with the manifest directory. Empty stays empty.
func (m *Manifest) Resolve(ref string) string {
	if ref == "" {
		return ""
	}
	return filepath.Join(m.dir, ref)
}

// RectSeed returns the rectangle of a rect-mode manifest.
func (m *Manifest) RectSeed() (trimap.Rect, bool) {
	if m.Rect == nil {
		return trimap.Rect{}, false
	}
	return trimap.Rect{X0: m.Rect[0], Y0: m.Rect[1], X1: m.Rect[2], Y1: m.Rect[3]}, true
}

// Prefix is the shared file-name stem, derived from the image buffer name.
func (m *Manifest) Prefix() string {
	return strings.TrimSuffix(m.ImageBin, ImageSuffix)
}

// Request builds the engine request the manifest describes. The output mask
// goes next to the other buffers.
func (m *Manifest) Request(exe string) (Request, error) {
	if m.SeedMode == codec.ModeNone {
		return Request{}, failure.Validationf("manifest", "seed_mode none has nothing to run")
	}
	req := Request{
		Exe:           exe,
		Mode:          m.SeedMode,
		Width:         m.Width,
		Height:        m.Height,
		ImageBin:      m.Resolve(m.ImageBin),
		SeedBin:       m.Resolve(m.SeedBin),
		ScribblesJSON: m.Resolve(m.ScribblesJSON),
		OutMask:       m.Resolve(m.Prefix() + OutMaskSuffix),
	}
	if r, ok := m.RectSeed(); ok {
		req.Rect = r
	}
	return req, req.Validate()
}

// Write stores the manifest as indented JSON.
func (m *Manifest) Write(path string) error {
	if err := m.Validate(); err != nil {
		return err
	}
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return failure.IO("encode manifest", err)
	}
	if err := os.WriteFile(path, append(b, '\n'), 0o644); err != nil {
		return failure.IO("write manifest", err)
	}
	m.dir = filepath.Dir(path)
	return nil
}

// LoadManifest reads and validates a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, failure.IO("read manifest", err)
	}
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, failure.Codecf("read manifest", "%s: %v", path, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	m.dir = filepath.Dir(path)
	return &m, nil
}
