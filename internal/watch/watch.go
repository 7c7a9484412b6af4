// Package watch runs every manifest dropped into an inbox directory.
package watch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"reimage/internal/engine"
	"reimage/internal/failure"
	"reimage/internal/logging"
	"reimage/internal/pipeline"
)

// DefaultSettle is how long a manifest must stay quiet before it is run.
const DefaultSettle = 250 * time.Millisecond

// Submitter accepts jobs. *pipeline.Pipeline implements it.
type Submitter interface {
	Submit(job pipeline.Job) error
}

// Options configures a Watcher.
type Options struct {
	Dirs    []string
	Exe     string
	Timeout time.Duration
	Settle  time.Duration
	Log     *slog.Logger
	// OnResult, when set, sees every finished run.
	OnResult func(path string, res pipeline.Result)
}

// Watcher submits a job for each new or rewritten *.meta.json file.
type Watcher struct {
	opts    Options
	log     *slog.Logger
	pipe    Submitter
	watcher *fsnotify.Watcher

	mu     sync.Mutex
	timers map[string]*time.Timer
	done   map[string]time.Time // manifest path -> mod time last submitted
	closed bool
}

// New creates a watcher over opts.Dirs. Call Run to start it.
func New(opts Options, pipe Submitter) (*Watcher, error) {
	if opts.Settle <= 0 {
		opts.Settle = DefaultSettle
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, dir := range opts.Dirs {
		if err := fw.Add(dir); err != nil {
			fw.Close()
			return nil, err
		}
	}
	return &Watcher{
		opts:    opts,
		log:     logging.OrDefault(opts.Log),
		pipe:    pipe,
		watcher: fw,
		timers:  make(map[string]*time.Timer),
		done:    make(map[string]time.Time),
	}, nil
}

// Run processes events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.stop()
	for _, dir := range w.opts.Dirs {
		w.log.Info("watching for manifests", "dir", dir)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !strings.HasSuffix(event.Name, engine.ManifestSuffix) {
				continue
			}
			w.schedule(event.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("filesystem watcher error", "error", err)
		}
	}
}

func (w *Watcher) stop() {
	w.watcher.Close()
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	for p, t := range w.timers {
		t.Stop()
		delete(w.timers, p)
	}
}

// schedule (re)starts the settle timer for path.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if t, ok := w.timers[path]; ok {
		t.Reset(w.opts.Settle)
		return
	}
	w.timers[path] = time.AfterFunc(w.opts.Settle, func() { w.submit(path) })
}

func (w *Watcher) submit(path string) {
	info, err := os.Stat(path)

	w.mu.Lock()
	delete(w.timers, path)
	if err != nil {
		w.mu.Unlock()
		return
	}
	if last, ok := w.done[path]; ok && last.Equal(info.ModTime()) {
		w.mu.Unlock()
		return
	}
	w.done[path] = info.ModTime()
	w.mu.Unlock()

	job, err := pipeline.JobFromManifest(path, w.opts.Exe, w.opts.Timeout)
	if err != nil {
		w.log.Warn("skipping manifest", "path", filepath.Base(path), "error", err)
		return
	}
	job.Done = func(res pipeline.Result) {
		if res.Error != nil {
			w.log.Warn("manifest run failed", "path", filepath.Base(path), "error", res.Error)
		} else {
			w.log.Info("manifest run complete", "path", filepath.Base(path), "mask", res.Engine.MaskPath)
		}
		if w.opts.OnResult != nil {
			w.opts.OnResult(path, res)
		}
	}
	if err := w.pipe.Submit(job); err != nil {
		w.mu.Lock()
		delete(w.done, path)
		w.mu.Unlock()
		// A manifest rewritten while its previous run is in flight runs
		// again once that run has released the files.
		if failure.Is(err, failure.KindBusy) {
			w.log.Debug("manifest busy, retrying", "path", filepath.Base(path), "error", err)
			w.schedule(path)
			return
		}
		w.log.Warn("could not queue manifest", "path", filepath.Base(path), "error", err)
	}
}
