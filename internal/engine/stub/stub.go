// Package stub is a stand-in segmentation engine. It honours the engine argv
// and file contract and echoes the seeds back as a mask; it does not segment.
package stub

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"reimage/internal/codec"
	"reimage/internal/trimap"
)

// Fault injection for end-to-end checks of the caller's error handling.
const (
	EnvDelay    = "REIMAGE_STUB_DELAY"    // sleep before doing anything, e.g. "5s"
	EnvExit     = "REIMAGE_STUB_EXIT"     // exit with this code after writing EnvStderr
	EnvStderr   = "REIMAGE_STUB_STDERR"   // text written to stderr with EnvExit
	EnvTruncate = "REIMAGE_STUB_TRUNCATE" // write only this many mask bytes
)

type invocation struct {
	image     string
	width     int
	height    int
	mode      codec.SeedMode
	rect      trimap.Rect
	seed      string
	scribbles string
	out       string
}

func parseArgs(args []string) (invocation, error) {
	var inv invocation
	if len(args) < 5 {
		return inv, fmt.Errorf("usage: <image.bin> <W> <H> rect|mask|scribbles ... <out_mask.bin>")
	}
	var err error
	inv.image = args[0]
	if inv.width, err = strconv.Atoi(args[1]); err != nil || inv.width <= 0 {
		return inv, fmt.Errorf("bad width %q", args[1])
	}
	if inv.height, err = strconv.Atoi(args[2]); err != nil || inv.height <= 0 {
		return inv, fmt.Errorf("bad height %q", args[2])
	}
	inv.mode = codec.SeedMode(args[3])
	rest := args[4:]
	switch inv.mode {
	case codec.ModeRect:
		if len(rest) != 5 {
			return inv, fmt.Errorf("rect mode takes x0 y0 x1 y1 out")
		}
		var v [4]int
		for i := range v {
			if v[i], err = strconv.Atoi(rest[i]); err != nil {
				return inv, fmt.Errorf("bad rect coordinate %q", rest[i])
			}
		}
		inv.rect = trimap.Rect{X0: v[0], Y0: v[1], X1: v[2], Y1: v[3]}
		inv.out = rest[4]
	case codec.ModeMask:
		if len(rest) != 2 {
			return inv, fmt.Errorf("mask mode takes seed out")
		}
		inv.seed, inv.out = rest[0], rest[1]
	case codec.ModeScribbles:
		if len(rest) != 3 {
			return inv, fmt.Errorf("scribbles mode takes seed scribbles out")
		}
		inv.seed, inv.scribbles, inv.out = rest[0], rest[1], rest[2]
	default:
		return inv, fmt.Errorf("unknown mode %q", args[3])
	}
	return inv, nil
}

// Run executes the stub with args (without the program name) and returns the
// process exit code.
func Run(args []string, stdout, stderr io.Writer) int {
	if d, err := time.ParseDuration(os.Getenv(EnvDelay)); err == nil {
		time.Sleep(d)
	}
	if code, err := strconv.Atoi(os.Getenv(EnvExit)); err == nil && code != 0 {
		fmt.Fprint(stderr, os.Getenv(EnvStderr))
		return code
	}

	inv, err := parseArgs(args)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	m, err := segment(inv)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	mask := m.Encode()
	if n, err := strconv.Atoi(os.Getenv(EnvTruncate)); err == nil && n >= 0 && n < len(mask) {
		mask = mask[:n]
	}
	if err := os.WriteFile(inv.out, mask, 0o644); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	fmt.Fprintf(stdout, "stub %s %dx%d: wrote %d bytes\n", inv.mode, inv.width, inv.height, len(mask))
	return 0
}

func segment(inv invocation) (*codec.Mask, error) {
	img, err := os.ReadFile(inv.image)
	if err != nil {
		return nil, err
	}
	if _, err := codec.DecodeImage(img, inv.width, inv.height); err != nil {
		return nil, err
	}

	mask := &codec.Mask{Width: inv.width, Height: inv.height, Pix: make([]uint8, inv.width*inv.height)}
	if inv.mode == codec.ModeRect {
		r, err := inv.rect.Clamp(inv.width, inv.height)
		if err != nil {
			return nil, err
		}
		for y := r.Y0; y <= r.Y1; y++ {
			for x := r.X0; x <= r.X1; x++ {
				mask.Pix[y*inv.width+x] = 1
			}
		}
		return mask, nil
	}

	seedBuf, err := os.ReadFile(inv.seed)
	if err != nil {
		return nil, err
	}
	seed, err := codec.DecodeSeed(seedBuf, inv.width, inv.height, inv.mode)
	if err != nil {
		return nil, err
	}
	if inv.mode == codec.ModeScribbles {
		b, err := os.ReadFile(inv.scribbles)
		if err != nil {
			return nil, err
		}
		doc, err := codec.UnmarshalScribbles(b)
		if err != nil {
			return nil, err
		}
		if !doc.FGConfirm && !doc.BGConfirm {
			return nil, fmt.Errorf("no scribbles confirmed")
		}
	}
	for i, l := range seed.Labels() {
		if l == trimap.Foreground {
			mask.Pix[i] = 1
		}
	}
	return mask, nil
}
