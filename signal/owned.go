package signal

// Owned is a uniquely-owned allocation. Attaching it to a container moves
// the allocation into the container and empties the handle, so the
// previous holder can no longer reach it.
type Owned[T any] struct {
	buf []T
}

// Own wraps buf. The caller must not keep other references to buf.
func Own[T any](buf []T) *Owned[T] {
	return &Owned[T]{buf: buf}
}

// Len returns the size of the held allocation.
func (o *Owned[T]) Len() int {
	if o == nil {
		return 0
	}
	return len(o.buf)
}

// Take moves the allocation out of the handle. Subsequent calls return nil.
func (o *Owned[T]) Take() []T {
	if o == nil {
		return nil
	}
	buf := o.buf
	o.buf = nil
	return buf
}
