// Package session is the interactive editing controller: it owns one image,
// its trimap builder and coordinate mapper, and at most one pending engine run.
package session

import (
	"context"
	"image"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"reimage/internal/codec"
	"reimage/internal/engine"
	"reimage/internal/failure"
	"reimage/internal/logging"
	"reimage/internal/pipeline"
	"reimage/internal/trimap"
	"reimage/internal/viewport"
)

// State is the pointer state machine.
type State int

const (
	Idle State = iota
	Drawing
)

func (s State) String() string {
	if s == Drawing {
		return "drawing"
	}
	return "idle"
}

// Submitter accepts engine jobs. *pipeline.Pipeline implements it.
type Submitter interface {
	Submit(job pipeline.Job) error
}

// Options configures new sessions.
type Options struct {
	Viewport      viewport.Size
	FitFraction   float64
	DefaultRadius int
	MaxRadius     int
	WorkDir       string
	Engine        string
	Timeout       time.Duration
	KeepFiles     bool
	Log           *slog.Logger
}

// Brush is the active stroke label and radius.
type Brush struct {
	Label  trimap.Label
	Radius int
}

// Outcome is delivered once per Run after the engine has exited.
type Outcome struct {
	InvocationID string
	Mode         codec.SeedMode
	Mask         *codec.Mask
	Result       engine.Result
	Err          error
}

// Session serialises every event through one mutex, standing in for a UI
// event thread. The engine worker never touches the trimap.
type Session struct {
	ID string

	mu      sync.Mutex
	opts    Options
	log     *slog.Logger
	pipe    Submitter
	name    string
	img     image.Image
	builder *trimap.Builder
	mapper  *viewport.Mapper
	ws      *engine.Workspace
	brush   Brush
	state   State
	last    image.Point
	hasLast bool
	pending string
	mask    *codec.Mask
}

// New creates an empty session. LoadImage must be called before editing.
func New(id string, opts Options, pipe Submitter) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	if opts.MaxRadius < 1 {
		opts.MaxRadius = 20
	}
	if opts.DefaultRadius < 1 || opts.DefaultRadius > opts.MaxRadius {
		opts.DefaultRadius = min(3, opts.MaxRadius)
	}
	if opts.FitFraction <= 0 || opts.FitFraction > 1 {
		opts.FitFraction = 0.9
	}
	if opts.Viewport.W <= 0 || opts.Viewport.H <= 0 {
		opts.Viewport = viewport.Size{W: 1366, H: 768}
	}
	return &Session{
		ID:    id,
		opts:  opts,
		log:   logging.OrDefault(opts.Log).With("session", id),
		pipe:  pipe,
		brush: Brush{Label: trimap.Foreground, Radius: opts.DefaultRadius},
	}
}

func errNoImage(op string) error {
	return failure.Validationf(op, "no image loaded")
}

// LoadImage replaces the session image. The trimap, mapper and last result
// are discarded and a fresh all-Unknown trimap of the new size is created.
func (s *Session) LoadImage(name string, img image.Image) error {
	if img == nil {
		return failure.Validationf("load image", "no image")
	}
	b := img.Bounds()
	builder, err := trimap.NewBuilder(b.Dx(), b.Dy())
	if err != nil {
		return err
	}
	mapper, err := viewport.Fit(s.opts.Viewport, viewport.Size{W: b.Dx(), H: b.Dy()}, s.opts.FitFraction)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != "" {
		return failure.Busyf("load image", "invocation %s is still running", s.pending)
	}
	s.name = name
	s.img = img
	s.builder = builder
	s.mapper = mapper
	s.state = Idle
	s.hasLast = false
	s.mask = nil
	s.ws = &engine.Workspace{
		Dir:     filepath.Join(s.opts.WorkDir, s.ID),
		Prefix:  prefixFor(name),
		Exe:     s.opts.Engine,
		Timeout: s.opts.Timeout,
		Log:     s.log,
	}
	s.log.Info("image loaded", "name", name, "size", b.Size(), "scale", mapper.Scale())
	return nil
}

func prefixFor(name string) string {
	base := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	if base == "" || base == "." || base == string(filepath.Separator) {
		return "image"
	}
	return base
}

// SetBrush validates and sets the active label and radius.
func (s *Session) SetBrush(label trimap.Label, radius int) error {
	if label != trimap.Foreground && label != trimap.Background {
		return failure.Validationf("set brush", "label must be foreground or background, got %s", label)
	}
	if radius < 1 || radius > s.opts.MaxRadius {
		return failure.Validationf("set brush", "radius must be in 1..%d, got %d", s.opts.MaxRadius, radius)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.brush = Brush{Label: label, Radius: radius}
	return nil
}

// Brush returns the active brush.
func (s *Session) Brush() Brush {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.brush
}

// PointerDown starts a stroke. It reports false when the event was ignored
// because a stroke is already in progress.
func (s *Session) PointerDown(p viewport.PointF) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.builder == nil {
		return false, errNoImage("pointer down")
	}
	if s.state != Idle {
		return false, nil
	}
	s.state = Drawing
	s.hasLast = false
	return true, s.paintLocked(p)
}

// PointerMove extends the stroke from the last mapped point. Samples that
// fall outside the canvas are dropped and the next mapped sample starts a
// new segment.
func (s *Session) PointerMove(p viewport.PointF) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.builder == nil {
		return false, errNoImage("pointer move")
	}
	if s.state != Drawing {
		return false, nil
	}
	return true, s.paintLocked(p)
}

// PointerUp ends the stroke.
func (s *Session) PointerUp(p viewport.PointF) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.builder == nil {
		return false, errNoImage("pointer up")
	}
	if s.state != Drawing {
		return false, nil
	}
	err := s.paintLocked(p)
	s.state = Idle
	s.hasLast = false
	return true, err
}

func (s *Session) paintLocked(p viewport.PointF) error {
	pt, ok := s.mapper.ToImage(p)
	if !ok {
		s.hasLast = false
		return nil
	}
	points := []image.Point{pt}
	if s.hasLast {
		if s.last == pt {
			return nil
		}
		points = []image.Point{s.last, pt}
	}
	if err := s.builder.ApplyStroke(trimap.Stroke{Points: points, Radius: s.brush.Radius, Label: s.brush.Label}); err != nil {
		return err
	}
	s.last = pt
	s.hasLast = true
	return nil
}

// SetRect maps two display corners to image pixels and applies the
// rectangle. Corners dragged past the canvas are pinned to its edge.
func (s *Session) SetRect(a, b viewport.PointF) (trimap.Rect, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.builder == nil {
		return trimap.Rect{}, errNoImage("set rect")
	}
	if _, err := trimap.RectFromFloats(a.X, a.Y, b.X, b.Y); err != nil {
		return trimap.Rect{}, err
	}
	pa, _ := s.mapper.ToImageClamped(a)
	pb, _ := s.mapper.ToImageClamped(b)
	return s.builder.ApplyRect(trimap.Rect{X0: pa.X, Y0: pa.Y, X1: pb.X, Y1: pb.Y})
}

// ApplyRect applies a rectangle given directly in image pixels.
func (s *Session) ApplyRect(r trimap.Rect) (trimap.Rect, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.builder == nil {
		return trimap.Rect{}, errNoImage("apply rect")
	}
	return s.builder.ApplyRect(r)
}

// ApplyStroke applies a stroke given directly in image pixels.
func (s *Session) ApplyStroke(st trimap.Stroke) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.builder == nil {
		return errNoImage("apply stroke")
	}
	return s.builder.ApplyStroke(st)
}

// ImportTrimap replaces the trimap wholesale, e.g. from a mask image.
func (s *Session) ImportTrimap(t *trimap.Trimap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.builder == nil {
		return errNoImage("import trimap")
	}
	return s.builder.Replace(t)
}

// Reset clears all hints, keeping the image.
func (s *Session) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.builder == nil {
		return errNoImage("reset")
	}
	s.builder.Reset()
	s.state = Idle
	s.hasLast = false
	return nil
}

// Snapshot returns a copy of the live trimap.
func (s *Session) Snapshot() (*trimap.Trimap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.builder == nil {
		return nil, errNoImage("snapshot")
	}
	return s.builder.Snapshot(), nil
}

// Info is a read-only view of session state.
type Info struct {
	ID        string
	Name      string
	Width     int
	Height    int
	Scale     float64
	Displayed viewport.Size
	State     State
	Brush     Brush
	Rect      *trimap.Rect
	Strokes   int
	Pending   string
	HasMask   bool
}

// Info reports the current session state.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{ID: s.ID, Name: s.name, State: s.state, Brush: s.brush, Pending: s.pending, HasMask: s.mask != nil}
	if s.builder != nil {
		info.Width, info.Height = s.builder.Width(), s.builder.Height()
		info.Scale = s.mapper.Scale()
		info.Displayed = s.mapper.Displayed()
		if r, ok := s.builder.Rect(); ok {
			info.Rect = &r
		}
		info.Strokes = len(s.builder.Strokes())
	}
	return info
}

// Mapper returns the coordinate mapper of the loaded image.
func (s *Session) Mapper() *viewport.Mapper {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mapper
}

// Image returns the loaded image.
func (s *Session) Image() image.Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.img
}

// LastMask returns the mask of the last successful run, if any.
func (s *Session) LastMask() *codec.Mask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mask
}

// Run exports the live trimap and submits one engine invocation, returning
// its ID. A second Run while one is pending is rejected with a busy failure.
// The returned channel yields exactly one Outcome after the engine exits,
// then closes. ctx bounds the engine run itself.
func (s *Session) Run(ctx context.Context, mode codec.SeedMode) (string, <-chan Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.builder == nil {
		return "", nil, errNoImage("run")
	}
	if s.pending != "" {
		return "", nil, failure.Busyf("run", "invocation %s is still running", s.pending)
	}

	in := engine.Input{Image: s.img, Trimap: s.builder.Snapshot(), Mode: mode}
	if r, ok := s.builder.Rect(); ok {
		in.Rect = &r
	}
	_, req, err := s.ws.Prepare(in)
	if err != nil {
		return "", nil, err
	}

	id := uuid.NewString()
	req.ID = id
	ws := s.ws
	out := make(chan Outcome, 1)
	job := pipeline.Job{
		ID:           id,
		SessionID:    s.ID,
		ManifestPath: ws.ManifestPath(),
		Request:      req,
		Context:      ctx,
		Done: func(r pipeline.Result) {
			s.complete(id, mode, ws, r, out)
		},
	}
	s.pending = id
	if err := s.pipe.Submit(job); err != nil {
		s.pending = ""
		return "", nil, err
	}
	return id, out, nil
}

func (s *Session) complete(id string, mode codec.SeedMode, ws *engine.Workspace, r pipeline.Result, out chan<- Outcome) {
	o := Outcome{InvocationID: id, Mode: mode, Result: r.Engine, Err: r.Error}
	if r.Error == nil {
		o.Mask = r.Engine.Mask
	}

	// The files are removed while the run still counts as pending, so a
	// following Run never has its fresh buffers deleted.
	if !s.opts.KeepFiles {
		if err := ws.Clean(); err != nil {
			s.log.Warn("failed to clean workspace", "dir", ws.Dir, "error", err)
		}
	}

	s.mu.Lock()
	if s.pending == id {
		s.pending = ""
	}
	if o.Mask != nil && s.ws == ws {
		s.mask = o.Mask
	}
	s.mu.Unlock()

	out <- o
	close(out)
}
