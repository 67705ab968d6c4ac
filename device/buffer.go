package device

import (
	"github.com/dudk/pulsefold/fault"
)

// Buffer is device memory bound to a stream. Transfers are asynchronous:
// host memory passed to Upload or Download must not be touched until the
// returned event completes.
type Buffer[T any] struct {
	stream *Stream
	memory []T
}

// NewBuffer allocates n values on the device of s.
func NewBuffer[T any](s *Stream, n int) *Buffer[T] {
	return &Buffer[T]{
		stream: s,
		memory: make([]T, n),
	}
}

// Len returns the number of allocated values.
func (b *Buffer[T]) Len() int {
	return len(b.memory)
}

// Resize reallocates the buffer after pending commands have run. Contents
// are not preserved.
func (b *Buffer[T]) Resize(n int) (*Event, error) {
	return b.stream.Enqueue(func() error {
		if cap(b.memory) < n {
			b.memory = make([]T, n)
		}
		b.memory = b.memory[:n]
		return nil
	})
}

// Upload copies src into the front of the buffer.
func (b *Buffer[T]) Upload(src []T) (*Event, error) {
	return b.stream.Enqueue(func() error {
		if len(src) > len(b.memory) {
			return fault.InvalidState("device.Upload", "%d values exceed buffer of %d", len(src), len(b.memory))
		}
		copy(b.memory, src)
		return nil
	})
}

// Download copies the front of the buffer into dst.
func (b *Buffer[T]) Download(dst []T) (*Event, error) {
	return b.stream.Enqueue(func() error {
		if len(dst) > len(b.memory) {
			return fault.InvalidState("device.Download", "%d values exceed buffer of %d", len(dst), len(b.memory))
		}
		copy(dst, b.memory)
		return nil
	})
}

// Zero clears the buffer.
func (b *Buffer[T]) Zero() (*Event, error) {
	return b.stream.Enqueue(func() error {
		clear(b.memory)
		return nil
	})
}

// Memory returns the device allocation. It may only be accessed from
// commands of the owning stream.
func (b *Buffer[T]) Memory() []T {
	return b.memory
}

// Stream returns the stream the buffer is bound to.
func (b *Buffer[T]) Stream() *Stream {
	return b.stream
}
