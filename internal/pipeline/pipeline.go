package pipeline

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"reimage/internal/engine"
	"reimage/internal/failure"
	"reimage/internal/logging"
	"reimage/internal/storage"
)

// Job is a single engine invocation waiting for a worker.
type Job struct {
	ID           string
	SessionID    string
	ManifestPath string
	Request      engine.Request
	// Context, when set, cancels this job's run in addition to pipeline shutdown.
	Context      context.Context
	// Done, when set, is called exactly once from the worker after the
	// engine's exit status is known.
	Done         func(Result)
}

// Result captures the outcome of a Job.
type Result struct {
	Job    Job
	Engine engine.Result
	Error  error
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// Options sizes the worker pool.
type Options struct {
	Workers int
	Queue   int
}

// Pipeline orchestrates job dispatch across workers.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	stopOnce  sync.Once
	store     *storage.Store
	mu        sync.Mutex
	stopped   bool
	subs      map[int]chan Result
	nextSubID int
	// inflight holds the output mask paths of queued and running jobs.
	inflight map[string]string
}

// New starts a Pipeline with the given worker count and processor.
func New(ctx context.Context, opts Options, processor Processor, logger *slog.Logger, store *storage.Store) *Pipeline {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Queue < 1 {
		opts.Queue = opts.Workers * 2
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		processor: processor,
		log:       logging.OrDefault(logger),
		jobs:      make(chan Job, opts.Queue),
		cancel:    cancel,
		store:     store,
		subs:      make(map[int]chan Result),
		inflight:  make(map[string]string),
	}
	for i := 0; i < opts.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	return p
}

// Submit adds a job to the processing queue without blocking. A job whose
// output mask is already claimed by a queued or running job is rejected, since
// both would read and write the same interchange files.
func (p *Pipeline) Submit(job Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return failure.Busyf("submit", "pipeline stopped")
	}
	key := job.Request.OutMask
	if owner, ok := p.inflight[key]; ok && key != "" {
		return failure.Busyf("submit", "invocation %s is still running on %s", owner, filepath.Base(key))
	}

	if err := p.store.RecordQueued(storage.InvocationRecord{
		ID:           job.ID,
		SessionID:    job.SessionID,
		Mode:         string(job.Request.Mode),
		Width:        job.Request.Width,
		Height:       job.Request.Height,
		ManifestPath: job.ManifestPath,
	}); err != nil {
		p.log.Warn("failed to record queued invocation", "id", job.ID, "error", err)
	}

	select {
	case p.jobs <- job:
		if key != "" {
			p.inflight[key] = job.ID
		}
		return nil
	default:
		err := failure.Busyf("submit", "job queue is full")
		_ = p.store.RecordResult(job.ID, storage.Outcome{
			Status:    storage.StatusFailed,
			ErrorKind: failure.KindBusy.String(),
			Error:     err.Error(),
		})
		return err
	}
}

// Stop signals workers to exit and waits for completion.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		close(p.jobs)
		p.mu.Unlock()
		p.cancel()
		p.wg.Wait()
		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for job := range p.jobs {
		if ctx.Err() != nil {
			p.finish(job, Result{Job: job, Error: ctx.Err()})
			continue
		}
		if err := p.store.RecordStart(job.ID); err != nil {
			p.log.Warn("failed to record invocation start", "id", job.ID, "error", err)
		}
		p.log.Debug("worker picked up invocation", "worker", id, "id", job.ID)
		p.finish(job, p.process(ctx, job))
	}
}

func (p *Pipeline) process(ctx context.Context, job Job) Result {
	if job.Context == nil {
		return p.processor.Process(ctx, job)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(job.Context, cancel)
	defer stop()
	return p.processor.Process(ctx, job)
}

func (p *Pipeline) finish(job Job, res Result) {
	res.Job = job
	out := storage.Outcome{
		Status:   storage.StatusCompleted,
		ExitCode: res.Engine.ExitCode,
		Stderr:   res.Engine.Stderr,
		Duration: res.Engine.Duration,
	}
	if res.Engine.Mask != nil {
		out.Foreground = res.Engine.Mask.Count()
	}
	if res.Error != nil {
		out.Status = storage.StatusFailed
		out.ErrorKind = failure.KindOf(res.Error).String()
		out.Error = res.Error.Error()
	}
	if err := p.store.RecordResult(job.ID, out); err != nil {
		p.log.Warn("failed to record invocation result", "id", job.ID, "error", err)
	}

	// Released before Done so a callback may submit the next run.
	p.mu.Lock()
	if key := job.Request.OutMask; p.inflight[key] == job.ID {
		delete(p.inflight, key)
	}
	p.mu.Unlock()

	if job.Done != nil {
		job.Done(res)
	}
	p.broadcast(res)
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

// SubmitAndWait submits job and blocks until its result arrives or ctx ends.
func (p *Pipeline) SubmitAndWait(ctx context.Context, job Job) (Result, error) {
	done := make(chan Result, 1)
	prev := job.Done
	job.Done = func(r Result) {
		if prev != nil {
			prev(r)
		}
		done <- r
	}
	if err := p.Submit(job); err != nil {
		return Result{Job: job}, err
	}
	select {
	case <-ctx.Done():
		return Result{Job: job}, ctx.Err()
	case r := <-done:
		return r, r.Error
	}
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "job", res.Job.ID)
		}
	}
}

// EngineProcessor runs jobs through an engine.Runner.
type EngineProcessor struct {
	Runner *engine.Runner
}

// Process implements Processor.
func (e EngineProcessor) Process(ctx context.Context, job Job) Result {
	req := job.Request
	if req.ID == "" {
		req.ID = job.ID
	}
	start := time.Now()
	res, err := e.Runner.Run(ctx, req)
	if res.Duration == 0 {
		res.Duration = time.Since(start)
	}
	return Result{Job: job, Engine: res, Error: err}
}
