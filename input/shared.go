package input

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/dudk/pulsefold/fault"
	"github.com/dudk/pulsefold/signal"
)

// Shared serializes access to one Input by a fixed number of workers.
// Windows are handed out in a fixed rotation: window k goes to worker
// k mod N. A worker blocks until it is its turn to read.
type Shared struct {
	in      Input
	workers int

	mu     sync.Mutex
	cond   *sync.Cond
	turn   int   // worker allowed to read next
	window int64 // index of the next window
	done   bool
}

// NewShared returns an accessor of in for n workers.
func NewShared(in Input, n int) *Shared {
	s := &Shared{
		in:      in,
		workers: max(n, 1),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Input returns the underlying source.
func (s *Shared) Input() Input {
	return s.in
}

// Load waits for the turn of worker and reads the next window into b.
// It returns the index of the window. After the source is exhausted or
// failed, every worker gets io.EOF.
func (s *Shared) Load(ctx context.Context, worker int, b *signal.BitSeries) (int64, error) {
	if worker < 0 || worker >= s.workers {
		return 0, fault.InvalidState("input.Shared", "worker %d of %d", worker, s.workers)
	}
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.cond.Broadcast()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.done && s.turn != worker && ctx.Err() == nil {
		s.cond.Wait()
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s.done {
		return 0, io.EOF
	}

	err := s.in.Load(ctx, b)
	window := s.window
	switch {
	case err == nil:
	case errors.Is(err, io.ErrUnexpectedEOF):
		s.done = true
	default:
		s.done = true
		s.cond.Broadcast()
		return 0, err
	}
	s.window++
	s.turn = (s.turn + 1) % s.workers
	s.cond.Broadcast()
	return window, err
}

// Close makes every pending and future Load return io.EOF.
func (s *Shared) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = true
	s.cond.Broadcast()
}
