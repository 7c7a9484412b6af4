package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"reimage/internal/codec"
	"reimage/internal/config"
	"reimage/internal/engine"
	"reimage/internal/grpcserver"
	"reimage/internal/pipeline"
	"reimage/internal/server"
	"reimage/internal/session"
	"reimage/internal/storage"
	"reimage/internal/trimap"
	"reimage/internal/viewport"
	"reimage/internal/watch"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline) *cobra.Command {
	return newRootCmd(NewRoot(pipe, cfg, log, store))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "reimage",
		Short: "Interactive foreground segmentation front end",
		Long: `reimage turns rectangles, brush strokes and mask images into seed buffers,
runs the external segmentation engine on them and saves the resulting cutouts.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newRectCmd(root))
	rootCmd.AddCommand(newScribbleCmd(root))
	rootCmd.AddCommand(newImportMaskCmd(root))
	rootCmd.AddCommand(newRunCmd(root))
	rootCmd.AddCommand(newInspectSeedCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newHistoryCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func addOutputFlags(cmd *cobra.Command, root *Root, output *string, export *bool) {
	cmd.Flags().StringVarP(output, "output", "o", root.cfg.Paths.OutputDir, "Directory for overlay and cutout images")
	cmd.Flags().BoolVar(export, "export-only", false, "Write the engine buffers and manifest without running the engine")
}

func newRectCmd(root *Root) *cobra.Command {
	var (
		output string
		export bool
	)

	cmd := &cobra.Command{
		Use:   "rect <image> <x0> <y0> <x1> <y1>",
		Short: "Segment the object inside a rectangle",
		Long: `Mark everything inside the rectangle as unknown and everything outside as
background, then let the engine decide which unknown pixels are foreground.
Corners are image pixels and inclusive.`,
		Args: cobra.ExactArgs(5),
		RunE: func(cmd *cobra.Command, args []string) error {
			var v [4]int
			for i, a := range args[1:] {
				n, err := strconv.Atoi(a)
				if err != nil {
					return fmt.Errorf("bad coordinate %q", a)
				}
				v[i] = n
			}
			img, err := root.loadImage(args[0])
			if err != nil {
				return err
			}
			b := img.Bounds()
			builder, err := trimap.NewBuilder(b.Dx(), b.Dy())
			if err != nil {
				return err
			}
			rect, err := builder.ApplyRect(trimap.Rect{X0: v[0], Y0: v[1], X1: v[2], Y1: v[3]})
			if err != nil {
				return err
			}
			return root.segment(cmd.Context(), segmentation{
				name:   args[0],
				img:    img,
				trimap: builder.Snapshot(),
				rect:   &rect,
				mode:   codec.ModeRect,
				outDir: output,
				export: export,
			})
		},
	}

	addOutputFlags(cmd, root, &output, &export)
	return cmd
}

func newScribbleCmd(root *Root) *cobra.Command {
	var (
		fg     []string
		bg     []string
		radius int
		mode   string
		output string
		export bool
	)

	cmd := &cobra.Command{
		Use:   "scribble <image>",
		Short: "Segment from foreground and background brush strokes",
		Long: `Each --fg or --bg value is one stroke given as image points "x,y x,y ...".
Consecutive points are joined with a brush of the given radius.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seedMode, err := codec.ParseSeedMode(mode)
			if err != nil {
				return err
			}
			if seedMode != codec.ModeScribbles && seedMode != codec.ModeMask {
				return fmt.Errorf("scribble supports --mode scribbles or mask, got %q", mode)
			}
			if len(fg)+len(bg) == 0 {
				return fmt.Errorf("at least one --fg or --bg stroke is required")
			}

			img, err := root.loadImage(args[0])
			if err != nil {
				return err
			}
			b := img.Bounds()
			builder, err := trimap.NewBuilder(b.Dx(), b.Dy())
			if err != nil {
				return err
			}
			apply := func(strokes []string, label trimap.Label) error {
				for _, s := range strokes {
					pts, err := parsePolyline(s)
					if err != nil {
						return err
					}
					if err := builder.ApplyStroke(trimap.Stroke{Points: pts, Radius: radius, Label: label}); err != nil {
						return err
					}
				}
				return nil
			}
			if err := apply(fg, trimap.Foreground); err != nil {
				return err
			}
			if err := apply(bg, trimap.Background); err != nil {
				return err
			}

			return root.segment(cmd.Context(), segmentation{
				name:   args[0],
				img:    img,
				trimap: builder.Snapshot(),
				mode:   seedMode,
				outDir: output,
				export: export,
			})
		},
	}

	cmd.Flags().StringArrayVar(&fg, "fg", nil, "Foreground stroke \"x,y x,y ...\" (repeatable)")
	cmd.Flags().StringArrayVar(&bg, "bg", nil, "Background stroke \"x,y x,y ...\" (repeatable)")
	cmd.Flags().IntVarP(&radius, "radius", "r", root.cfg.Brush.DefaultRadius, "Brush radius in pixels")
	cmd.Flags().StringVar(&mode, "mode", root.cfg.Brush.DefaultMode, "Seed mode: scribbles or mask")
	addOutputFlags(cmd, root, &output, &export)
	return cmd
}

func newImportMaskCmd(root *Root) *cobra.Command {
	var (
		mode   string
		output string
		export bool
	)

	cmd := &cobra.Command{
		Use:   "import-mask <image> <mask-image>",
		Short: "Segment using an existing mask as seeds",
		Long: `Non-zero mask pixels become foreground seeds and zero pixels background.
The mask is scaled to the image size with nearest-neighbour sampling.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			seedMode, err := codec.ParseSeedMode(mode)
			if err != nil {
				return err
			}
			img, err := root.loadImage(args[0])
			if err != nil {
				return err
			}
			maskImg, err := root.loadImage(args[1])
			if err != nil {
				return err
			}
			b := img.Bounds()
			t, err := codec.TrimapFromMaskImage(maskImg, b.Dx(), b.Dy())
			if err != nil {
				return err
			}
			return root.segment(cmd.Context(), segmentation{
				name:   args[0],
				img:    img,
				trimap: t,
				mode:   seedMode,
				outDir: output,
				export: export,
			})
		},
	}

	cmd.Flags().StringVar(&mode, "mode", string(codec.ModeMask), "Seed mode: mask or scribbles")
	addOutputFlags(cmd, root, &output, &export)
	return cmd
}

func newRunCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "run <manifest.meta.json>",
		Short: "Run the engine on buffers described by a manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := pipeline.JobFromManifest(args[0], root.enginePath(), root.cfg.Engine.Timeout())
			if err != nil {
				return err
			}
			res, err := root.enqueueAndWait(cmd.Context(), job)
			if err != nil {
				return err
			}
			m := res.Engine.Mask
			root.printf("Invocation %s finished in %s\n", job.ID, res.Engine.Duration.Round(time.Millisecond))
			root.printf("Mask: %s (%d foreground pixels)\n", res.Engine.MaskPath, m.Count())
			return nil
		},
	}
}

func newInspectSeedCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect-seed <manifest.meta.json>",
		Short: "Decode and summarise the buffers of a manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.inspect(args[0])
		},
	}
}

func (r *Root) inspect(path string) error {
	m, err := engine.LoadManifest(path)
	if err != nil {
		return err
	}
	r.printf("Manifest: %s\n", path)
	r.printf("Size: %dx%d  Mode: %s\n", m.Width, m.Height, m.SeedMode)
	if info, err := os.Stat(m.Resolve(m.ImageBin)); err == nil {
		r.printf("Image: %s (%s)\n", m.ImageBin, humanize.Bytes(uint64(info.Size())))
	}
	if rect, ok := m.RectSeed(); ok {
		r.printf("Rect: %s\n", rect)
	}
	if m.Scribbles != nil {
		r.printf("Scribbles: fg_present=%t bg_present=%t\n", m.Scribbles.FG, m.Scribbles.BG)
	}
	if m.SeedBin != "" {
		buf, err := os.ReadFile(m.Resolve(m.SeedBin))
		if err != nil {
			return err
		}
		t, err := codec.DecodeSeed(buf, m.Width, m.Height, m.SeedMode)
		if err != nil {
			return err
		}
		r.printf("Seed: unknown=%d foreground=%d background=%d\n",
			t.Count(trimap.Unknown), t.Count(trimap.Foreground), t.Count(trimap.Background))
	}
	outMask := m.Resolve(m.Prefix() + engine.OutMaskSuffix)
	if buf, err := os.ReadFile(outMask); err == nil {
		mask, err := codec.DecodeMask(buf, m.Width, m.Height, r.log)
		if err != nil {
			return err
		}
		r.printf("Result: %s foreground=%d bounds=%v\n", filepath.Base(outMask), mask.Count(), mask.Bounds())
	}
	return nil
}

func defaultServe(ctx context.Context, r *Root) error {
	pipe, ok := r.pipeline.(*pipeline.Pipeline)
	if !ok {
		return fmt.Errorf("pipeline does not support server operation")
	}
	cfg := r.cfg
	reg := session.NewRegistry(session.Options{
		Viewport:      viewport.Size{W: cfg.Viewport.ScreenWidth, H: cfg.Viewport.ScreenHeight},
		FitFraction:   cfg.Viewport.FitFraction,
		DefaultRadius: cfg.Brush.DefaultRadius,
		MaxRadius:     cfg.Brush.MaxRadius,
		WorkDir:       cfg.Engine.WorkDir,
		Engine:        r.enginePath(),
		Timeout:       cfg.Engine.Timeout(),
		KeepFiles:     cfg.Engine.KeepFiles,
		Log:           r.log,
	}, pipe)

	httpSrv := server.New(server.Options{
		Addr:         cfg.Server.Addr,
		Store:        r.store,
		Pipeline:     pipe,
		Sessions:     reg,
		Overlay:      cfg.Overlay.RGBA(),
		OverlayAlpha: cfg.Overlay.Alpha,
		Log:          r.log,
	})
	errCh := make(chan error, 2)
	go func() { errCh <- httpSrv.Start(ctx) }()
	if cfg.Server.GRPCAddr != "" {
		grpcSrv := grpcserver.New(r.enginePath(), cfg.Engine.Timeout(), pipe, r.log)
		go func() { errCh <- grpcSrv.Serve(ctx, cfg.Server.GRPCAddr) }()
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		addr     string
		grpcAddr string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP session API and the gRPC segmenter",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("addr") {
				root.cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("grpc-addr") {
				root.cfg.Server.GRPCAddr = grpcAddr
			}
			return root.serveFn(cmd.Context(), root)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", root.cfg.Server.Addr, "HTTP listen address")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", root.cfg.Server.GRPCAddr, "gRPC listen address (empty disables)")
	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <dir> [dir...]",
		Short: "Run every manifest that appears in the given directories",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := watch.New(watch.Options{
				Dirs:    args,
				Exe:     root.enginePath(),
				Timeout: root.cfg.Engine.Timeout(),
				Log:     root.log,
				OnResult: func(path string, res pipeline.Result) {
					if res.Error != nil {
						root.printf("FAIL %s: %v\n", filepath.Base(path), res.Error)
						return
					}
					root.printf("OK   %s: %d foreground pixels\n", filepath.Base(path), res.Engine.Mask.Count())
				},
			}, root.pipeline)
			if err != nil {
				return err
			}
			return w.Run(cmd.Context())
		},
	}
}

func newHistoryCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent engine invocations",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := storage.OpenReadOnly(root.cfg.Paths.DatabasePath)
			if err != nil {
				return err
			}
			defer store.Close()

			recs, err := store.Recent(limit)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				root.printf("No invocations recorded\n")
				return nil
			}
			for _, rec := range recs {
				id := rec.ID
				if len(id) > 8 {
					id = id[:8]
				}
				line := fmt.Sprintf("%-8s  %-9s  %-9s  %dx%d", id, rec.Mode, rec.Status, rec.Width, rec.Height)
				switch rec.Status {
				case storage.StatusCompleted:
					line += fmt.Sprintf("  fg=%d  %s", rec.Foreground, rec.Duration)
				case storage.StatusFailed:
					line += fmt.Sprintf("  %s: %s", rec.ErrorKind, rec.Error)
				}
				root.printf("%s  %s\n", line, humanize.Time(rec.CreatedAt))
			}

			counts, err := store.Counts()
			if err != nil {
				return err
			}
			root.printf("Total: %d completed, %d failed, %d queued, %d running\n",
				counts[storage.StatusCompleted], counts[storage.StatusFailed], counts[storage.StatusQueued], counts[storage.StatusRunning])
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of invocations to show")
	return cmd
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow()
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "init [path]",
		Short: "Write the current configuration to the config file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.Path()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.Save(root.cfg, path); err != nil {
				return err
			}
			root.printf("Wrote %s\n", path)
			return nil
		},
	})

	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version and engine status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdVersion()
		},
	}
}
