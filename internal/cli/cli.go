package cli

import (
	"context"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"reimage/internal/codec"
	"reimage/internal/config"
	"reimage/internal/engine"
	"reimage/internal/imaging"
	"reimage/internal/pipeline"
	"reimage/internal/storage"
	"reimage/internal/trimap"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

type serverFunc func(ctx context.Context, r *Root) error

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline pipelineClient
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	images   imaging.Codec
	out      io.Writer
	serveFn  serverFunc
}

// NewRoot constructs the CLI root.
func NewRoot(pl *pipeline.Pipeline, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	images, err := imaging.New(cfg.Imaging.Backend)
	if err != nil {
		logger.Warn("falling back to Go image codecs", "error", err)
		images = imaging.Std{}
	}
	return &Root{
		pipeline: pl,
		cfg:      cfg,
		log:      logger,
		store:    store,
		images:   images,
		out:      os.Stdout,
		serveFn:  defaultServe,
	}
}

// Run parses args and dispatches to subcommands.
func (r *Root) Run(ctx context.Context, args []string) error {
	cmd := newRootCmd(r)
	cmd.SetArgs(args)
	cmd.SetOut(r.out)
	return cmd.ExecuteContext(ctx)
}

func (r *Root) printf(format string, args ...any) {
	fmt.Fprintf(r.out, format, args...)
}

// enginePath is the launchable engine, or the configured name when it
// cannot be found so the run fails with the runner's own error.
func (r *Root) enginePath() string {
	if st := engine.Locate(r.cfg.Engine.Path); st.Available {
		return st.Path
	}
	return r.cfg.Engine.Path
}

func (r *Root) loadImage(path string) (image.Image, error) {
	img, err := r.images.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return img, nil
}

// segmentation is one image plus the hints to send with it.
type segmentation struct {
	name   string
	img    image.Image
	trimap *trimap.Trimap
	rect   *trimap.Rect
	mode   codec.SeedMode
	outDir string
	export bool // write the buffers and manifest only
}

func prefixOf(name string) string {
	return strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
}

func (r *Root) segment(ctx context.Context, s segmentation) error {
	ws := &engine.Workspace{
		Dir:     r.cfg.Engine.WorkDir,
		Prefix:  prefixOf(s.name),
		Exe:     r.enginePath(),
		Timeout: r.cfg.Engine.Timeout(),
		Log:     r.log,
	}
	in := engine.Input{Image: s.img, Trimap: s.trimap, Mode: s.mode, Rect: s.rect}

	if s.export {
		if _, err := ws.Export(in); err != nil {
			return err
		}
		r.printf("Wrote %s\n", ws.ManifestPath())
		return nil
	}

	_, req, err := ws.Prepare(in)
	if err != nil {
		return err
	}
	if !r.cfg.Engine.KeepFiles {
		defer func() {
			if err := ws.Clean(); err != nil {
				r.log.Warn("failed to clean workspace", "dir", ws.Dir, "error", err)
			}
		}()
	}

	job := pipeline.Job{ID: uuid.NewString(), ManifestPath: ws.ManifestPath(), Request: req}
	job.Request.ID = job.ID
	res, err := r.enqueueAndWait(ctx, job)
	if err != nil {
		return err
	}
	return r.saveResults(s, res.Engine.Mask)
}

func (r *Root) saveResults(s segmentation, mask *codec.Mask) error {
	total := mask.Width * mask.Height
	r.printf("Foreground: %s of %s pixels (%.1f%%)\n",
		humanize.Comma(int64(mask.Count())), humanize.Comma(int64(total)), 100*float64(mask.Count())/float64(total))

	overlay, err := imaging.Overlay(s.img, mask, r.cfg.Overlay.RGBA(), r.cfg.Overlay.Alpha)
	if err != nil {
		return err
	}
	cutout, err := imaging.Cutout(s.img, mask)
	if err != nil {
		return err
	}
	overlayPath, cutoutPath := imaging.ResultPaths(s.outDir, s.name)
	for path, img := range map[string]image.Image{overlayPath: overlay, cutoutPath: cutout} {
		if err := r.images.Save(path, img); err != nil {
			return fmt.Errorf("save %s: %w", path, err)
		}
		r.printf("Saved %s\n", path)
	}
	return nil
}

func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	if err := r.enqueue(ctx, job); err != nil {
		return pipeline.Result{}, err
	}
	for {
		select {
		case <-ctx.Done():
			return pipeline.Result{}, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return pipeline.Result{}, fmt.Errorf("pipeline stopped before completion")
			}
			if res.Job.ID == job.ID {
				return res, res.Error
			}
		}
	}
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := r.pipeline.Submit(job); err != nil {
		return err
	}

	r.log.Info("invocation queued", "mode", job.Request.Mode, "id", job.ID, "manifest", job.ManifestPath)
	return nil
}

// parsePolyline reads "x,y x,y ..." into image points.
func parsePolyline(s string) ([]image.Point, error) {
	fields := strings.Fields(strings.ReplaceAll(s, ";", " "))
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty stroke")
	}
	pts := make([]image.Point, 0, len(fields))
	for _, f := range fields {
		xs, ys, ok := strings.Cut(f, ",")
		if !ok {
			return nil, fmt.Errorf("point %q is not x,y", f)
		}
		x, err := strconv.Atoi(xs)
		if err != nil {
			return nil, fmt.Errorf("point %q: %w", f, err)
		}
		y, err := strconv.Atoi(ys)
		if err != nil {
			return nil, fmt.Errorf("point %q: %w", f, err)
		}
		pts = append(pts, image.Pt(x, y))
	}
	return pts, nil
}
