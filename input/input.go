// Package input provides sources of digitized samples. Sources yield
// consecutive windows of a stream: every window holds BlockSize samples
// and starts BlockSize-Overlap samples after the previous one.
//
// Load follows these conventions:
//   - nil if a full window was read;
//   - io.EOF if no data was read;
//   - io.ErrUnexpectedEOF if not a full window was read.
//
// The latest case means that the source is exhausted, but the returned
// window still holds valid samples.
package input

import (
	"context"
	"errors"
	"io"

	"github.com/rs/xid"

	"github.com/dudk/pulsefold/fault"
	"github.com/dudk/pulsefold/signal"
)

// Input is a source of windows.
type Input interface {
	// ID identifies the source in stream positions.
	ID() string
	// Observation describes the stream.
	Observation() signal.Observation
	// SetBlockSize sets the number of samples per window.
	SetBlockSize(n int)
	// SetOverlap sets the number of samples shared by consecutive windows.
	SetOverlap(n int)
	// Load fills b with the next window and records its position.
	Load(ctx context.Context, b *signal.BitSeries) error
}

// Reader is an Input which reads time-major samples from an io.Reader.
// Failures of the underlying reader are never retried.
type Reader struct {
	id        string
	obs       signal.Observation
	r         io.Reader
	blockSize int
	overlap   int

	next int64  // first sample of the next window
	tail []byte // overlap carried into the next window
	eof  bool
}

// NewReader returns a source reading the stream described by obs from r.
// Samples must occupy whole bytes.
func NewReader(r io.Reader, obs signal.Observation) (*Reader, error) {
	if obs.NBit < 1 || obs.NFloat() < 1 || (obs.NFloat()*obs.NBit)%8 != 0 {
		return nil, fault.Unsupported("input.NewReader", "%d values of %d bits per sample", obs.NFloat(), obs.NBit)
	}
	if obs.Rate <= 0 {
		return nil, fault.InvalidState("input.NewReader", "rate=%v", obs.Rate)
	}
	obs.NDat = 0
	return &Reader{
		id:        xid.New().String(),
		obs:       obs,
		r:         r,
		blockSize: 1,
	}, nil
}

// ID returns the identity of the source.
func (r *Reader) ID() string {
	return r.id
}

// Observation describes the stream.
func (r *Reader) Observation() signal.Observation {
	return r.obs
}

// SetBlockSize sets the number of samples per window.
func (r *Reader) SetBlockSize(n int) {
	r.blockSize = max(n, 1)
	r.overlap = min(r.overlap, r.blockSize-1)
}

// SetOverlap sets the number of samples shared by consecutive windows.
func (r *Reader) SetOverlap(n int) {
	r.overlap = min(max(n, 0), r.blockSize-1)
}

// BlockSize returns the number of samples per window.
func (r *Reader) BlockSize() int {
	return r.blockSize
}

// Load reads the next window into b.
func (r *Reader) Load(ctx context.Context, b *signal.BitSeries) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.eof {
		return io.EOF
	}
	size := r.obs.NBytes(1)
	obs := r.obs
	obs.Start = r.obs.TimeOf(int(r.next))
	b.Observation = obs
	b.Resize(r.blockSize)
	b.RequestOffset = 0
	b.RequestNDat = r.blockSize

	data := b.Data()
	carried := copy(data, r.tail)
	n, err := io.ReadFull(r.r, data[carried:])
	n -= n % size
	switch {
	case err == nil:
	case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF):
		r.eof = true
		if n == 0 {
			b.NDat = 0
			return io.EOF
		}
		b.NDat = (carried + n) / size
		err = io.ErrUnexpectedEOF
	default:
		return fault.IO("input.Reader", err)
	}
	b.SetPosition(r.id, r.next)
	r.next += int64(r.blockSize - r.overlap)
	if r.overlap > 0 && !r.eof {
		r.tail = append(r.tail[:0], data[len(data)-r.overlap*size:]...)
	}
	return err
}
