// Package codec converts trimaps, images and engine masks to and from the
// raw byte buffers exchanged with the segmentation engine.
package codec

import (
	"encoding/json"
	"fmt"

	"reimage/internal/failure"
	"reimage/internal/trimap"
)

// SeedMode selects the engine invocation mode and its seed byte table.
type SeedMode string

const (
	ModeNone      SeedMode = "none"
	ModeRect      SeedMode = "rect"
	ModeMask      SeedMode = "mask"
	ModeScribbles SeedMode = "scribbles"
)

// ParseSeedMode accepts the manifest spellings plus "brush" for mask mode.
func ParseSeedMode(s string) (SeedMode, error) {
	switch s {
	case "none", "":
		return ModeNone, nil
	case "rect":
		return ModeRect, nil
	case "mask", "brush":
		return ModeMask, nil
	case "scribbles":
		return ModeScribbles, nil
	}
	return "", failure.Validationf("seed mode", "unknown seed mode %q", s)
}

const noEntry = -1

// table maps each label to its wire byte, or noEntry when the mode cannot express it.
type table struct {
	unknown, background, foreground int
}

var tables = map[SeedMode]table{
	ModeRect:      {unknown: 0xFF, background: 0x00, foreground: noEntry}, // int8 -1 / 0
	ModeMask:      {unknown: 128, background: 0, foreground: 255},
	ModeScribbles: {unknown: 0xFF, background: 0x00, foreground: 0x01}, // int8 -1 / 0 / 1
}

func tableFor(op string, mode SeedMode) (table, error) {
	tb, ok := tables[mode]
	if !ok {
		return table{}, failure.Codecf(op, "mode %q has no seed encoding", mode)
	}
	return tb, nil
}

func (tb table) encode(l trimap.Label) int {
	switch l {
	case trimap.Foreground:
		return tb.foreground
	case trimap.Background:
		return tb.background
	default:
		return tb.unknown
	}
}

func (tb table) decode(b byte) (trimap.Label, bool) {
	switch int(b) {
	case tb.unknown:
		return trimap.Unknown, true
	case tb.background:
		return trimap.Background, true
	case tb.foreground:
		return trimap.Foreground, true
	}
	return trimap.Unknown, false
}

// EncodeSeed writes one byte per pixel, row-major, using the mode's table.
func EncodeSeed(t *trimap.Trimap, mode SeedMode) ([]byte, error) {
	tb, err := tableFor("encode seed", mode)
	if err != nil {
		return nil, err
	}
	labels := t.Labels()
	out := make([]byte, len(labels))
	for i, l := range labels {
		v := tb.encode(l)
		if v == noEntry {
			return nil, failure.Codecf("encode seed", "%s mode cannot encode %s at pixel (%d,%d)",
				mode, l, i%t.Width, i/t.Width)
		}
		out[i] = byte(v)
	}
	return out, nil
}

// DecodeSeed inverts EncodeSeed. Unknown byte values and wrong lengths are errors.
func DecodeSeed(buf []byte, width, height int, mode SeedMode) (*trimap.Trimap, error) {
	tb, err := tableFor("decode seed", mode)
	if err != nil {
		return nil, err
	}
	if width <= 0 || height <= 0 {
		return nil, failure.Validationf("decode seed", "dimensions must be positive, got %dx%d", width, height)
	}
	if len(buf) != width*height {
		return nil, failure.Codecf("decode seed", "size mismatch: expected %d bytes for %dx%d, got %d",
			width*height, width, height, len(buf))
	}
	labels := make([]trimap.Label, len(buf))
	for i, b := range buf {
		l, ok := tb.decode(b)
		if !ok {
			return nil, failure.Codecf("decode seed", "byte 0x%02x at offset %d is not a %s label", b, i, mode)
		}
		labels[i] = l
	}
	return trimap.FromLabels(width, height, labels)
}

// ScribbleFlags records which definite labels are present at all. The engine
// treats a present label as a hard constraint.
type ScribbleFlags struct {
	FG bool `json:"fg_present"`
	BG bool `json:"bg_present"`
}

// Presence scans t for foreground and background pixels.
func Presence(t *trimap.Trimap) ScribbleFlags {
	return ScribbleFlags{FG: t.Has(trimap.Foreground), BG: t.Has(trimap.Background)}
}

// ScribblesDoc is the *.scribbles.json document passed in scribbles mode.
type ScribblesDoc struct {
	FGConfirm bool `json:"fg_confirm"`
	BGConfirm bool `json:"bg_confirm"`
	FGValue   int  `json:"fg_value"`
	BGValue   int  `json:"bg_value"`
}

// NewScribblesDoc fills the fixed values around the presence flags.
func NewScribblesDoc(f ScribbleFlags) ScribblesDoc {
	return ScribblesDoc{FGConfirm: f.FG, BGConfirm: f.BG, FGValue: 1, BGValue: -1}
}

// MarshalScribbles renders the document with stable indentation.
func MarshalScribbles(doc ScribblesDoc) ([]byte, error) {
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal scribbles: %w", err)
	}
	return append(b, '\n'), nil
}

// UnmarshalScribbles parses a scribbles document and checks its fixed values.
func UnmarshalScribbles(b []byte) (ScribblesDoc, error) {
	var doc ScribblesDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return doc, failure.Codecf("decode scribbles", "%v", err)
	}
	if doc.FGValue != 1 || doc.BGValue != -1 {
		return doc, failure.Codecf("decode scribbles", "unexpected label values fg=%d bg=%d", doc.FGValue, doc.BGValue)
	}
	return doc, nil
}
