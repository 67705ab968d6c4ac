// Package pipeline runs the folding chain on multiple workers. Every
// worker consumes disjoint windows of one shared input and the partial
// profiles of all workers are merged before they are unloaded.
package pipeline

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dudk/pulsefold/config"
	"github.com/dudk/pulsefold/fault"
	"github.com/dudk/pulsefold/input"
	"github.com/dudk/pulsefold/internal/state"
	"github.com/dudk/pulsefold/log"
	"github.com/dudk/pulsefold/unload"
)

// Orchestrator owns N workers, the shared input accessor and the merge
// schedule. It never owns sample data.
type Orchestrator struct {
	id      string
	name    string
	logger  logrus.FieldLogger
	metrics bool

	cfg config.Config
	in  input.Input
	out unload.Unloader

	mu       sync.Mutex
	workers  []*Worker
	shared   *input.Shared
	merger   *merger
	minimum  int
	prepared bool
	running  bool
	finished bool
	cancel   context.CancelFunc
	done     chan struct{}
	runErr   error
}

// Option provides a way to set functional parameters to orchestrator.
type Option func(*Orchestrator) error

// WithLogger sets the logger of the orchestrator and its workers.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *Orchestrator) error {
		o.logger = l
		return nil
	}
}

// WithName sets the name used in logs.
func WithName(name string) Option {
	return func(o *Orchestrator) error {
		o.name = name
		return nil
	}
}

// WithMetrics enables metrics of workers and stages.
func WithMetrics() Option {
	return func(o *Orchestrator) error {
		o.metrics = true
		return nil
	}
}

// New creates an orchestrator which folds in and unloads into out.
// Workers are created in Idle state.
func New(cfg config.Config, in input.Input, out unload.Unloader, options ...Option) (*Orchestrator, error) {
	if in == nil || out == nil {
		return nil, fault.InvalidState("pipeline.New", "input and unloader are required")
	}
	o := &Orchestrator{
		id:     xid.New().String(),
		name:   "pulsefold",
		logger: log.GetLogger(),
		in:     in,
		out:    out,
	}
	for _, option := range options {
		if err := option(o); err != nil {
			return nil, err
		}
	}
	o.logger = o.logger.WithFields(logrus.Fields{"orchestrator": o.name, "id": o.id})
	if err := o.Configure(cfg); err != nil {
		return nil, err
	}
	return o, nil
}

// Configure validates cfg and recreates all workers.
func (o *Orchestrator) Configure(cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return fault.InvalidState("pipeline.Configure", "orchestrator is running")
	}
	o.cfg = cfg
	return o.setThreads(cfg.Threads)
}

// SetThreads tears down and recreates all workers.
func (o *Orchestrator) SetThreads(n int) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return fault.InvalidState("pipeline.SetThreads", "orchestrator is running")
	}
	if n < 1 {
		return fault.InvalidState("pipeline.SetThreads", "%d threads", n)
	}
	o.cfg.Threads = n
	return o.setThreads(n)
}

func (o *Orchestrator) setThreads(n int) error {
	err := o.closeWorkers()
	o.workers = make([]*Worker, n)
	for i := range o.workers {
		o.workers[i] = newWorker(i, o.cfg, o.logger, o.metrics)
	}
	o.prepared, o.finished = false, false
	o.shared, o.merger = nil, nil
	o.done = nil
	o.runErr = nil
	o.logger.Debugf("%d workers created", n)
	return err
}

func (o *Orchestrator) closeWorkers() error {
	var errs []error
	for _, w := range o.workers {
		if err := w.close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Workers returns the current workers.
func (o *Orchestrator) Workers() []*Worker {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*Worker(nil), o.workers...)
}

// Prepare configures every worker. Worker 0 prepares first and its
// folding source is shared with the peers, so their profiles are
// combinable.
func (o *Orchestrator) Prepare(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running || o.finished {
		return fault.InvalidState("pipeline.Prepare", "orchestrator is running or finished")
	}
	for _, w := range o.workers {
		if w.State() != state.Idle && w.State() != state.Prepared {
			return fault.InvalidState("pipeline.Prepare", "worker %d is %v", w.index, w.State())
		}
	}
	obs := o.in.Observation()
	first := o.workers[0]

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return first.prepare(obs, nil)
	})
	for _, w := range o.workers[1:] {
		w := w
		g.Go(func() error {
			if err := first.state.Wait(gctx, state.Prepared); err != nil {
				return err
			}
			return w.prepare(obs, first.folder.Config().Predictor)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	o.minimum = 0
	for _, w := range o.workers {
		o.minimum = max(o.minimum, w.MinimumSamples())
	}
	block, err := first.blockSize(o.cfg.BlockSize)
	if err != nil {
		return err
	}
	o.in.SetBlockSize(block)
	o.in.SetOverlap(first.overlap())
	o.shared = input.NewShared(o.in, len(o.workers))
	o.merger = newMerger(len(o.workers), o.out, o.logger)
	o.prepared = true
	o.logger.Debugf("prepared with blocks of %d samples", block)
	return nil
}

// MinimumSamples returns the smallest window every stage can process.
func (o *Orchestrator) MinimumSamples() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.minimum
}

// Run processes the whole input. It blocks until every worker is done.
// The first failure of any worker cancels its peers and is returned.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	if !o.prepared || o.running || o.finished {
		o.mu.Unlock()
		return fault.InvalidState("pipeline.Run", "orchestrator is not prepared")
	}
	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.running = true
	o.done = make(chan struct{})
	workers, shared, m := o.workers, o.shared, o.merger
	for _, w := range workers {
		if err := w.state.Signal(state.Running); err != nil {
			for _, w := range workers {
				w.state.Signal(state.Finished)
			}
			o.running = false
			close(o.done)
			o.mu.Unlock()
			cancel()
			return err
		}
	}
	o.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		w := w
		share := m.share(w.index)
		g.Go(func() error {
			return w.run(gctx, shared, share)
		})
	}
	err := g.Wait()
	cancel()

	o.mu.Lock()
	o.running = false
	o.runErr = err
	close(o.done)
	o.mu.Unlock()
	if err != nil {
		o.logger.Debugf("run failed: %v", err)
	}
	return err
}

// Finish cancels a run in flight, waits until every worker is finished,
// unloads pending partial rounds and releases device resources. It's
// safe to call Finish multiple times. The failure of the last run is
// returned.
func (o *Orchestrator) Finish(ctx context.Context) error {
	o.mu.Lock()
	if o.finished {
		err := o.runErr
		o.mu.Unlock()
		return err
	}
	if !o.prepared {
		o.mu.Unlock()
		return fault.InvalidState("pipeline.Finish", "orchestrator is not prepared")
	}
	canceled := o.running
	if o.running {
		o.cancel()
	}
	if o.shared != nil {
		o.shared.Close()
	}
	workers, done := o.workers, o.done
	o.mu.Unlock()

	for _, w := range workers {
		if w.State() == state.Prepared {
			if err := w.state.Signal(state.Finished); err != nil {
				return err
			}
		}
	}
	for _, w := range workers {
		if err := w.state.Wait(ctx, state.Finished); err != nil {
			return err
		}
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = true
	if canceled && errors.Is(o.runErr, context.Canceled) {
		o.runErr = nil
	}
	errs := []error{o.runErr}
	if o.merger != nil {
		errs = append(errs, o.merger.flush(ctx))
	}
	errs = append(errs, o.closeWorkers())
	o.runErr = errors.Join(errs...)
	return o.runErr
}
