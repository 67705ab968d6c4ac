// Package device emulates an accelerator with asynchronous command
// streams. Commands enqueued on a Stream run in order on a dedicated
// goroutine, and device memory is only touched from stream commands.
// Independent streams run concurrently.
package device

import (
	"context"
	"sync"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/dudk/pulsefold/fault"
	"github.com/dudk/pulsefold/log"
)

// queueSize is the number of commands which can be enqueued without
// blocking the host.
const queueSize = 64

// Event completes when the command it was returned for has run.
type Event struct {
	done chan struct{}
	err  error
}

func newEvent() *Event {
	return &Event{done: make(chan struct{})}
}

func (e *Event) complete(err error) {
	e.err = err
	close(e.done)
}

// Done returns a channel closed on completion.
func (e *Event) Done() <-chan struct{} {
	return e.done
}

// Wait blocks until the command has run and returns its error.
func (e *Event) Wait(ctx context.Context) error {
	select {
	case <-e.done:
		return e.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type command struct {
	fn    func() error
	event *Event
}

// Stream is an ordered command queue. Once a command fails, every
// following command is skipped and completes with the same error.
type Stream struct {
	id     string
	logger logrus.FieldLogger

	mu       sync.RWMutex
	closed   bool
	commands chan command
	exited   chan struct{}

	errMu sync.Mutex
	err   error
}

// Option configures a Stream.
type Option func(*Stream)

// WithLogger sets the logger of the stream.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Stream) {
		s.logger = l
	}
}

// NewStream starts a stream.
func NewStream(options ...Option) *Stream {
	s := &Stream{
		id:       xid.New().String(),
		logger:   log.GetLogger(),
		commands: make(chan command, queueSize),
		exited:   make(chan struct{}),
	}
	for _, option := range options {
		option(s)
	}
	s.logger = s.logger.WithField("stream", s.id)
	go s.loop()
	return s
}

// ID returns the identity of the stream.
func (s *Stream) ID() string {
	return s.id
}

func (s *Stream) loop() {
	defer close(s.exited)
	for c := range s.commands {
		err := s.Err()
		if err == nil {
			err = s.exec(c.fn)
			if err != nil {
				s.logger.Debugf("command failed: %v", err)
				s.errMu.Lock()
				s.err = err
				s.errMu.Unlock()
			}
		}
		c.event.complete(err)
	}
}

func (s *Stream) exec(fn func() error) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fault.Recovered("device.Stream", v)
		}
	}()
	return fn()
}

// Enqueue schedules fn after every previously enqueued command.
func (s *Stream) Enqueue(fn func() error) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fault.InvalidState("device.Enqueue", "stream %s is closed", s.id)
	}
	e := newEvent()
	s.commands <- command{fn: fn, event: e}
	return e, nil
}

// Synchronize blocks until every enqueued command has run and returns
// the first failure of the stream.
func (s *Stream) Synchronize(ctx context.Context) error {
	e, err := s.Enqueue(func() error { return nil })
	if err != nil {
		return err
	}
	return e.Wait(ctx)
}

// Err returns the first failure of the stream.
func (s *Stream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close waits for pending commands and stops the stream. It's safe to
// call Close multiple times.
func (s *Stream) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.commands)
	}
	s.mu.Unlock()
	<-s.exited
	return s.Err()
}
