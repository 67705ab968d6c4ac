package signal

import (
	"github.com/dudk/pulsefold/fault"
)

// Position associates a container with the producer that loaded it.
// It is not an ownership edge.
type Position struct {
	Producer string // ID of the producer
	Sample   int64  // offset of the first sample from the start of the source
}

// BitSeries stores digitized samples as they come from a device. Time is
// the slowest changing dimension: every sample holds NChan*NPol*NDim
// values of NBit bits.
type BitSeries struct {
	Observation

	data  []byte
	owned bool

	// RequestOffset is the number of samples at the front of the buffer
	// which precede the requested first sample, owing to read resolution.
	RequestOffset int
	// RequestNDat is the number of samples requested from the producer.
	RequestNDat int

	position Position
}

// NewBitSeries returns an empty container for data described by obs.
func NewBitSeries(obs Observation) *BitSeries {
	obs.NDat = 0
	return &BitSeries{Observation: obs}
}

// Samples returns the number of time samples.
func (b *BitSeries) Samples() int {
	return b.NDat
}

// Size returns the size of the allocation in bytes.
func (b *BitSeries) Size() int {
	return len(b.data)
}

// Capacity returns the number of samples which fit in the allocation.
func (b *BitSeries) Capacity() int {
	bits := b.NFloat() * b.NBit
	if bits == 0 {
		return 0
	}
	return len(b.data) * 8 / bits
}

// Resize allocates space for ndat samples and sets NDat. Addresses into
// the previous allocation are invalid afterwards.
func (b *BitSeries) Resize(ndat int) {
	n := b.NBytes(ndat)
	if !b.owned || cap(b.data) < n {
		b.data = make([]byte, n)
		b.owned = true
	}
	b.data = b.data[:n]
	b.NDat = ndat
}

// Attach moves an owned allocation into b. The former allocation is
// released. Sample count is derived from the size of the allocation.
func (b *BitSeries) Attach(o *Owned[byte]) {
	b.data = o.Take()
	b.owned = true
	b.NDat = b.Capacity()
}

// Alias points b at caller-managed memory without taking ownership.
func (b *BitSeries) Alias(buf []byte) {
	b.data = buf
	b.owned = false
	b.NDat = b.Capacity()
}

// Owned reports whether b owns its allocation.
func (b *BitSeries) Owned() bool {
	return b.owned
}

// Data returns the bytes of all NDat samples.
func (b *BitSeries) Data() []byte {
	return b.data[:b.NBytes(b.NDat)]
}

// Datptr returns the bytes starting at sample idat. Sample boundaries
// must fall on byte boundaries.
func (b *BitSeries) Datptr(idat int) ([]byte, error) {
	bits := idat * b.NFloat() * b.NBit
	if bits%8 != 0 {
		return nil, fault.InvalidState("BitSeries.Datptr", "sample %d is not byte aligned", idat)
	}
	if idat < 0 || idat > b.NDat {
		return nil, fault.InvalidState("BitSeries.Datptr", "sample %d out of range [0, %d]", idat, b.NDat)
	}
	return b.data[bits/8 : b.NBytes(b.NDat)], nil
}

// SetPosition records which producer loaded b and where the first sample
// is located in its source.
func (b *BitSeries) SetPosition(producer string, sample int64) {
	b.position = Position{Producer: producer, Sample: sample}
}

// Position returns the last recorded stream position.
func (b *BitSeries) Position() Position {
	return b.position
}

// InputSample returns the offset of the first sample from the start of the
// source of producer.
func (b *BitSeries) InputSample(producer string) (int64, error) {
	if b.position.Producer == "" || b.position.Producer != producer {
		return 0, fault.InvalidState("BitSeries.InputSample", "position set by %q, not %q", b.position.Producer, producer)
	}
	return b.position.Sample, nil
}

// Append copies all samples of o onto the end of b, growing it if needed.
func (b *BitSeries) Append(o *BitSeries) error {
	if b.NDat == 0 {
		pos := b.position
		b.Observation = o.Observation
		b.NDat = 0
		b.position = pos
	} else if reason := b.Mismatch(o.Observation, nil); reason != "" {
		return fault.InvalidState("BitSeries.Append", "%s", reason)
	}
	if (b.NDat*b.NFloat()*b.NBit)%8 != 0 {
		return fault.InvalidState("BitSeries.Append", "%d samples do not end on a byte boundary", b.NDat)
	}
	used := b.NBytes(b.NDat)
	add := o.Data()
	if !b.owned || cap(b.data) < used+len(add) {
		grown := make([]byte, used, used+len(add))
		copy(grown, b.data[:used])
		b.data = grown
		b.owned = true
	}
	b.data = append(b.data[:used], add...)
	b.NDat += o.NDat
	return nil
}

// Validate returns nil if b can be consumed by a stage.
func (b *BitSeries) Validate() error {
	if reason := b.validate(); reason != "" {
		return fault.InvalidState("BitSeries.Validate", "%s", reason)
	}
	if b.NBit < 1 {
		return fault.InvalidState("BitSeries.Validate", "nbit=%d", b.NBit)
	}
	if b.NBytes(b.NDat) > len(b.data) {
		return fault.InvalidState("BitSeries.Validate", "%d samples exceed allocation of %d bytes", b.NDat, len(b.data))
	}
	return nil
}

// Descriptor returns the stream descriptor of b.
func (b *BitSeries) Descriptor() Observation {
	return b.Observation
}
